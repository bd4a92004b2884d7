// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pario

import (
	"context"
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/pario/backend"
	"github.com/grailbio/pario/decomp"
	"github.com/grailbio/pario/dtype"
)

// Mode is the mode in which a file is created or opened.
type Mode int

const (
	// NoWrite opens a file read-only.
	NoWrite Mode = 0
	// Write opens a file for writing.
	Write Mode = 1
	// Clobber creates a file, replacing any existing file.
	Clobber Mode = 0
	// NoClobber creates a file, failing if it exists.
	NoClobber Mode = 4
)

// File is a file open on an I/O system. Its metadata (dimensions and
// variables) are replicated on every process; only I/O processes
// hold a backend handle.
//
// Definition calls (DefDim, DefVar, and the variable settings) are
// local and must be made identically on every process; they are
// forwarded to the backend by EndDef.
type File struct {
	sys   *System
	path  string
	be    backend.File
	write bool

	define bool
	// beDefine tells whether the backend file is in define mode.
	beDefine bool
	// syncedDims and syncedVars count the dimensions and variables
	// known to the backend.
	syncedDims, syncedVars int
	meta                   backend.Meta
	frames                 map[int]int
	closed                 bool
}

// CreateFile creates a file at path, in define mode. With NoClobber,
// CreateFile fails if the file exists. CreateFile is collective.
func (s *System) CreateFile(ctx context.Context, path string, mode Mode) (*File, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	f := &File{sys: s, path: path, write: true, define: true, beDefine: true, frames: make(map[int]int)}
	ctx, cancel := s.collective(ctx)
	defer cancel()
	// The I/O root creates the file; the other I/O processes attach
	// to it once it exists.
	var err error
	if s.comm.Rank() == s.ioRoot() {
		f.be, err = s.backend.Create(ctx, path, mode&NoClobber == 0)
	}
	if err = s.syncErr(ctx, BackendIOError, err); err != nil {
		return nil, err
	}
	if s.IsIOProcess() && s.comm.Rank() != s.ioRoot() {
		f.be, err = s.backend.Open(ctx, path, true)
	}
	if err = s.syncErr(ctx, BackendIOError, err); err != nil {
		f.closeBackend(ctx)
		return nil, err
	}
	if s.comm.Rank() == 0 {
		log.Debug.Printf("pario: created %s", path)
	}
	return f, nil
}

// OpenFile opens the file at path in data mode. Its metadata are
// read by the I/O root and broadcast to every process. OpenFile is
// collective.
func (s *System) OpenFile(ctx context.Context, path string, mode Mode) (*File, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	f := &File{sys: s, path: path, write: mode&Write != 0, frames: make(map[int]int)}
	ctx, cancel := s.collective(ctx)
	defer cancel()
	var err error
	if s.IsIOProcess() {
		f.be, err = s.backend.Open(ctx, path, f.write)
	}
	if err = s.syncErr(ctx, BackendIOError, err); err != nil {
		f.closeBackend(ctx)
		return nil, err
	}
	var meta backend.Meta
	if s.comm.Rank() == s.ioRoot() {
		meta = f.be.Inq()
	}
	v, err := s.comm.Bcast(ctx, s.ioRoot(), meta)
	if err != nil {
		return nil, err
	}
	f.meta = copyMeta(v.(backend.Meta))
	f.syncedDims, f.syncedVars = len(f.meta.Dims), len(f.meta.Vars)
	return f, nil
}

func (f *File) closeBackend(ctx context.Context) {
	if f.be == nil {
		return
	}
	if err := f.be.Close(ctx); err != nil {
		log.Error.Printf("pario: close %s: %v", f.path, err)
	}
	f.be = nil
}

// Path returns the file's path.
func (f *File) Path() string { return f.path }

func (f *File) check() error {
	if err := f.sys.check(); err != nil {
		return err
	}
	if f.closed {
		return newError(InvalidHandle, fmt.Sprintf("%s is closed", f.path))
	}
	return nil
}

func (f *File) checkDefine() error {
	if err := f.check(); err != nil {
		return err
	}
	switch {
	case !f.write:
		return newError(InvalidHandle, fmt.Sprintf("%s is read-only", f.path))
	case !f.define:
		return newError(InvalidHandle, fmt.Sprintf("%s is not in define mode", f.path))
	}
	return nil
}

func (f *File) variable(v int) (*backend.Var, error) {
	if v < 0 || v >= len(f.meta.Vars) {
		return nil, newError(InvalidHandle, fmt.Sprintf("%s: no variable %d", f.path, v))
	}
	return &f.meta.Vars[v], nil
}

// DefDim defines a dimension of length n and returns its id. The
// record dimension has length decomp.Unlimited; a file has at most
// one.
func (f *File) DefDim(name string, n int) (int, error) {
	if err := f.checkDefine(); err != nil {
		return -1, err
	}
	for _, d := range f.meta.Dims {
		if d.Name == name {
			return -1, newError(InvalidArgument, fmt.Sprintf("%s: dimension %s exists", f.path, name))
		}
		if n == decomp.Unlimited && d.Len == decomp.Unlimited {
			return -1, newError(InvalidArgument, fmt.Sprintf("%s: dimension %s: file already has a record dimension", f.path, name))
		}
	}
	if n <= 0 && n != decomp.Unlimited {
		return -1, newError(InvalidArgument, fmt.Sprintf("%s: dimension %s has length %d", f.path, name, n))
	}
	f.meta.Dims = append(f.meta.Dims, backend.Dim{Name: name, Len: n})
	return len(f.meta.Dims) - 1, nil
}

// DefVar defines a variable of the provided type over the provided
// dimensions, slowest varying first, and returns its id. Only the
// first dimension may be the record dimension.
func (f *File) DefVar(name string, typ dtype.Type, dims ...int) (int, error) {
	if err := f.checkDefine(); err != nil {
		return -1, err
	}
	if !typ.Valid() {
		return -1, newError(InvalidArgument, fmt.Sprintf("%s: variable %s: invalid type %v", f.path, name, typ))
	}
	if len(dims) == 0 {
		return -1, newError(InvalidArgument, fmt.Sprintf("%s: variable %s has no dimensions", f.path, name))
	}
	for _, v := range f.meta.Vars {
		if v.Name == name {
			return -1, newError(InvalidArgument, fmt.Sprintf("%s: variable %s exists", f.path, name))
		}
	}
	for i, d := range dims {
		if d < 0 || d >= len(f.meta.Dims) {
			return -1, newError(InvalidHandle, fmt.Sprintf("%s: variable %s: no dimension %d", f.path, name, d))
		}
		if i > 0 && f.meta.Dims[d].Len == decomp.Unlimited {
			return -1, newError(InvalidArgument, fmt.Sprintf("%s: variable %s: record dimension must be first", f.path, name))
		}
	}
	f.meta.Vars = append(f.meta.Vars, backend.Var{Name: name, Type: typ, Dims: append([]int(nil), dims...)})
	return len(f.meta.Vars) - 1, nil
}

// SetDeflate sets the compression of variable v: level 0 stores it
// uncompressed; levels 1 to 9 compress it, after shuffling its bytes
// if shuffle is set.
func (f *File) SetDeflate(v int, shuffle bool, level int) error {
	return f.setVar(v, func(vr *backend.Var) error {
		if level < 0 || level > 9 {
			return newError(InvalidArgument, fmt.Sprintf("%s: variable %s: deflate level %d", f.path, vr.Name, level))
		}
		vr.Shuffle, vr.Deflate = shuffle, level
		return nil
	})
}

// SetChunking sets the chunk shape of variable v.
func (f *File) SetChunking(v int, chunks []int) error {
	return f.setVar(v, func(vr *backend.Var) error {
		if len(chunks) != len(vr.Dims) {
			return newError(InvalidArgument, fmt.Sprintf("%s: variable %s: chunk shape %v", f.path, vr.Name, chunks))
		}
		for _, c := range chunks {
			if c <= 0 {
				return newError(InvalidArgument, fmt.Sprintf("%s: variable %s: chunk shape %v", f.path, vr.Name, chunks))
			}
		}
		vr.Chunks = append([]int(nil), chunks...)
		return nil
	})
}

// SetEndian sets the byte order in which variable v is stored.
func (f *File) SetEndian(v int, e backend.Endian) error {
	return f.setVar(v, func(vr *backend.Var) error {
		if e < backend.Native || e > backend.Big {
			return newError(InvalidArgument, fmt.Sprintf("%s: variable %s: byte order %v", f.path, vr.Name, e))
		}
		vr.Endian = e
		return nil
	})
}

func (f *File) setVar(v int, set func(*backend.Var) error) error {
	if err := f.checkDefine(); err != nil {
		return err
	}
	vr, err := f.variable(v)
	if err != nil {
		return err
	}
	return set(vr)
}

// EndDef leaves define mode, forwarding the definitions made since
// the file was created, or since Redef, to the backend. EndDef is
// collective.
func (f *File) EndDef(ctx context.Context) error {
	if err := f.checkDefine(); err != nil {
		return err
	}
	ctx, cancel := f.sys.collective(ctx)
	defer cancel()
	return f.endDef(ctx)
}

func (f *File) endDef(ctx context.Context) error {
	var err error
	if f.sys.comm.Rank() == f.sys.ioRoot() {
		err = f.push()
	}
	if err = f.sys.syncErr(ctx, BackendIOError, err); err != nil {
		return err
	}
	f.define, f.beDefine = false, false
	f.syncedDims, f.syncedVars = len(f.meta.Dims), len(f.meta.Vars)
	return nil
}

// push applies the file's definitions to the backend.
func (f *File) push() error {
	be := f.be
	if !f.beDefine {
		if err := be.Redef(); err != nil {
			return err
		}
	}
	for _, d := range f.meta.Dims[f.syncedDims:] {
		if _, err := be.DefDim(d.Name, d.Len); err != nil {
			return err
		}
	}
	for _, v := range f.meta.Vars[f.syncedVars:] {
		if _, err := be.DefVar(v.Name, v.Type, v.Dims); err != nil {
			return err
		}
	}
	for id, v := range f.meta.Vars {
		if err := be.SetDeflate(id, v.Shuffle, v.Deflate); err != nil {
			return err
		}
		if v.Chunks != nil {
			if err := be.SetChunking(id, v.Chunks); err != nil {
				return err
			}
		}
		if err := be.SetEndian(id, v.Endian); err != nil {
			return err
		}
	}
	return be.EndDef()
}

// Redef re-enters define mode, so that dimensions and variables may
// be added and variable settings changed.
func (f *File) Redef() error {
	if err := f.check(); err != nil {
		return err
	}
	switch {
	case !f.write:
		return newError(InvalidHandle, fmt.Sprintf("%s is read-only", f.path))
	case f.define:
		return newError(InvalidHandle, fmt.Sprintf("%s is in define mode", f.path))
	}
	f.define = true
	return nil
}

// Var returns the id of the variable with the provided name.
func (f *File) Var(name string) (int, error) {
	for i, v := range f.meta.Vars {
		if v.Name == name {
			return i, nil
		}
	}
	return -1, newError(InvalidHandle, fmt.Sprintf("%s: no variable %s", f.path, name))
}

// Vars returns the file's variables, indexed by id.
func (f *File) Vars() []backend.Var { return copyMeta(f.meta).Vars }

// Dims returns the file's dimensions, indexed by id.
func (f *File) Dims() []backend.Dim { return copyMeta(f.meta).Dims }

// Shape returns the shape of variable v.
func (f *File) Shape(v int) (decomp.Shape, error) {
	if _, err := f.variable(v); err != nil {
		return nil, err
	}
	return f.meta.Shape(v), nil
}

// NumRecords returns the number of records of variable v, as held by
// the backend. NumRecords is collective.
func (f *File) NumRecords(ctx context.Context, v int) (int64, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	if _, err := f.variable(v); err != nil {
		return 0, err
	}
	ctx, cancel := f.sys.collective(ctx)
	defer cancel()
	var n int64
	if f.sys.comm.Rank() == f.sys.ioRoot() && !f.define {
		n = f.be.NumRecords(v)
	}
	nv, err := f.sys.comm.Bcast(ctx, f.sys.ioRoot(), n)
	if err != nil {
		return 0, err
	}
	return nv.(int64), nil
}

// Sync flushes the file's contents to storage. Sync is collective.
func (f *File) Sync(ctx context.Context) error {
	if err := f.check(); err != nil {
		return err
	}
	if f.define {
		return newError(InvalidHandle, fmt.Sprintf("%s is in define mode", f.path))
	}
	ctx, cancel := f.sys.collective(ctx)
	defer cancel()
	var err error
	if f.sys.comm.Rank() == f.sys.ioRoot() {
		err = f.be.Sync(ctx)
	}
	return f.sys.syncErr(ctx, BackendIOError, err)
}

// Close closes the file, leaving define mode first if needed. The
// file is persisted when the last I/O process closes it. Close is
// collective.
func (f *File) Close(ctx context.Context) error {
	if err := f.check(); err != nil {
		return err
	}
	ctx, cancel := f.sys.collective(ctx)
	defer cancel()
	if f.define && f.write {
		if err := f.endDef(ctx); err != nil {
			return err
		}
	}
	f.closed = true
	var err error
	if f.be != nil {
		err = f.be.Close(ctx)
		f.be = nil
	}
	return f.sys.syncErr(ctx, BackendIOError, err)
}

func copyMeta(m backend.Meta) backend.Meta {
	c := backend.Meta{
		Dims: append([]backend.Dim(nil), m.Dims...),
		Vars: make([]backend.Var, len(m.Vars)),
	}
	for i, v := range m.Vars {
		v.Dims = append([]int(nil), v.Dims...)
		v.Chunks = append([]int(nil), v.Chunks...)
		c.Vars[i] = v
	}
	return c
}
