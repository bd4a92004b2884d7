// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/pario/decomp"
	"github.com/grailbio/pario/dtype"
)

var loadPolicy = retry.MaxTries(retry.Backoff(100*time.Millisecond, 2*time.Second, 2), 5)

// Store is a Backend whose open files are in-memory images shared
// by all handles that open the same path. An image is persisted when
// a handle syncs it, and when its last handle is closed.
//
// Images are shared only within one Store: every I/O process of a
// system must use the same Store. Each image remembers the persisted
// image it was loaded from, and persisting fails with
// errors.Precondition if that image has since been replaced, as
// happens when processes write one path through separate stores.
type Store struct {
	persist persister

	mu   sync.Mutex
	open map[string]*image
}

// Memory returns a store that persists images in memory.
func Memory() *Store {
	return newStore(&memoryPersister{images: make(map[string][]byte)})
}

// Files returns a store that persists images as files named by
// prefix followed by the path. Any URL supported by package
// github.com/grailbio/base/file may be used as a prefix. Processes
// writing the same file must share the returned store.
func Files(prefix string) *Store {
	return newStore(&filePersister{Prefix: prefix})
}

func newStore(p persister) *Store {
	return &Store{persist: p, open: make(map[string]*image)}
}

// Create implements Backend.
func (s *Store) Create(ctx context.Context, path string, clobber bool) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[path]; ok {
		return nil, errors.E(errors.Exists, fmt.Sprintf("create %s: file is open", path))
	}
	cur, err := s.persist.Stamp(ctx, path)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("create %s", path), err)
	}
	if !clobber && cur.exists {
		return nil, errors.E(errors.Exists, fmt.Sprintf("create %s", path))
	}
	img := &image{path: path, refs: 1, define: true, dirty: true, base: cur}
	s.open[path] = img
	return &handle{store: s, img: img, write: true}, nil
}

// Open implements Backend.
func (s *Store) Open(ctx context.Context, path string, write bool) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.open[path]
	if ok {
		img.mu.Lock()
		img.refs++
		img.mu.Unlock()
		return &handle{store: s, img: img, write: write}, nil
	}
	p, err := s.load(ctx, path)
	if err != nil {
		return nil, err
	}
	meta, vars, err := decodeImage(p)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("open %s", path), err)
	}
	img = &image{path: path, refs: 1, meta: meta, data: vars, base: stampOf(p)}
	s.open[path] = img
	log.Debug.Printf("backend: opened %s: %d variables, %s", path, len(meta.Vars), data.Size(len(p)))
	return &handle{store: s, img: img, write: write}, nil
}

// load reads the image at path, retrying temporary errors.
func (s *Store) load(ctx context.Context, path string) ([]byte, error) {
	for retries := 0; ; retries++ {
		p, err := s.persist.Load(ctx, path)
		if err == nil || !errors.IsTemporary(err) {
			return p, err
		}
		log.Printf("backend: open %s: %v; retrying", path, err)
		if werr := retry.Wait(ctx, loadPolicy, retries); werr != nil {
			return nil, err
		}
	}
}

// REQUIRES: img.mu is held.
func (s *Store) save(ctx context.Context, img *image) error {
	p, err := encodeImage(img.meta, img.data)
	if err != nil {
		return err
	}
	if err := s.persist.Save(ctx, img.path, img.base, p); err != nil {
		return errors.E(fmt.Sprintf("save %s", img.path), err)
	}
	img.base = stampOf(p)
	img.dirty = false
	log.Debug.Printf("backend: saved %s: %d variables, %s", img.path, len(img.meta.Vars), data.Size(len(p)))
	return nil
}

// image is the in-memory state of a file. Variable data are stored
// encoded in each variable's byte order.
type image struct {
	mu     sync.Mutex
	path   string
	refs   int
	define bool
	dirty  bool
	meta   Meta
	data   [][]byte
	// base stamps the persisted image this one derives from.
	base   stamp
}

// REQUIRES: img.mu is held.
func (img *image) variable(v int) (*Var, error) {
	if v < 0 || v >= len(img.meta.Vars) {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("%s: variable %d", img.path, v))
	}
	return &img.meta.Vars[v], nil
}

// frameSize returns the number of elements in one frame of variable
// v: the whole variable if it has no record dimension.
//
// REQUIRES: img.mu is held.
func (img *image) frameSize(v int) int64 {
	return img.meta.Shape(v).Size()
}

// REQUIRES: img.mu is held.
func (img *image) record(v int) bool {
	return img.meta.Shape(v).Record()
}

// allocate sizes the data of every fixed-size variable.
//
// REQUIRES: img.mu is held.
func (img *image) allocate() {
	for len(img.data) < len(img.meta.Vars) {
		img.data = append(img.data, nil)
	}
	for v := range img.meta.Vars {
		if img.record(v) {
			continue
		}
		n := int(img.frameSize(v)) * img.meta.Vars[v].Type.Size()
		if len(img.data[v]) < n {
			img.data[v] = append(img.data[v], make([]byte, n-len(img.data[v]))...)
		}
	}
}

// handle is one opener's view of an image.
type handle struct {
	store  *Store
	img    *image
	write  bool
	closed bool
}

// check verifies that the handle is open, writable if write is set,
// and in define mode if define is set, or data mode otherwise.
//
// REQUIRES: h.img.mu is held.
func (h *handle) check(write, define bool) error {
	switch {
	case h.closed:
		return errors.E(errors.Invalid, fmt.Sprintf("%s: file is closed", h.img.path))
	case write && !h.write:
		return errors.E(errors.NotAllowed, fmt.Sprintf("%s: file is read-only", h.img.path))
	case define && !h.img.define:
		return errors.E(errors.Precondition, fmt.Sprintf("%s: not in define mode", h.img.path))
	case !define && h.img.define:
		return errors.E(errors.Precondition, fmt.Sprintf("%s: in define mode", h.img.path))
	}
	return nil
}

func (h *handle) DefDim(name string, n int) (int, error) {
	img := h.img
	img.mu.Lock()
	defer img.mu.Unlock()
	if err := h.check(true, true); err != nil {
		return -1, err
	}
	for _, d := range img.meta.Dims {
		if d.Name == name {
			return -1, errors.E(errors.Exists, fmt.Sprintf("%s: dimension %s", img.path, name))
		}
	}
	if n <= 0 && n != decomp.Unlimited {
		return -1, errors.E(errors.Invalid, fmt.Sprintf("%s: dimension %s has length %d", img.path, name, n))
	}
	if n == decomp.Unlimited {
		for _, d := range img.meta.Dims {
			if d.Len == decomp.Unlimited {
				return -1, errors.E(errors.Invalid, fmt.Sprintf("%s: dimension %s: file already has an unlimited dimension", img.path, name))
			}
		}
	}
	img.meta.Dims = append(img.meta.Dims, Dim{Name: name, Len: n})
	img.dirty = true
	return len(img.meta.Dims) - 1, nil
}

func (h *handle) DefVar(name string, typ dtype.Type, dims []int) (int, error) {
	img := h.img
	img.mu.Lock()
	defer img.mu.Unlock()
	if err := h.check(true, true); err != nil {
		return -1, err
	}
	if !typ.Valid() {
		return -1, errors.E(errors.Invalid, fmt.Sprintf("%s: variable %s has invalid type %v", img.path, name, typ))
	}
	for _, v := range img.meta.Vars {
		if v.Name == name {
			return -1, errors.E(errors.Exists, fmt.Sprintf("%s: variable %s", img.path, name))
		}
	}
	for i, d := range dims {
		if d < 0 || d >= len(img.meta.Dims) {
			return -1, errors.E(errors.NotExist, fmt.Sprintf("%s: variable %s: dimension %d", img.path, name, d))
		}
		if i > 0 && img.meta.Dims[d].Len == decomp.Unlimited {
			return -1, errors.E(errors.Invalid,
				fmt.Sprintf("%s: variable %s: unlimited dimension must be first", img.path, name))
		}
	}
	img.meta.Vars = append(img.meta.Vars, Var{Name: name, Type: typ, Dims: append([]int(nil), dims...)})
	img.dirty = true
	return len(img.meta.Vars) - 1, nil
}

func (h *handle) SetDeflate(v int, shuffle bool, level int) error {
	return h.setVar(v, func(vr *Var) error {
		if level < 0 || level > 9 {
			return errors.E(errors.Invalid, fmt.Sprintf("deflate level %d", level))
		}
		vr.Shuffle, vr.Deflate = shuffle, level
		return nil
	})
}

func (h *handle) SetChunking(v int, chunks []int) error {
	return h.setVar(v, func(vr *Var) error {
		if len(chunks) != len(vr.Dims) {
			return errors.E(errors.Invalid,
				fmt.Sprintf("chunk shape %v for a variable of %d dimensions", chunks, len(vr.Dims)))
		}
		for _, c := range chunks {
			if c <= 0 {
				return errors.E(errors.Invalid, fmt.Sprintf("chunk shape %v", chunks))
			}
		}
		vr.Chunks = append([]int(nil), chunks...)
		return nil
	})
}

func (h *handle) SetEndian(v int, e Endian) error {
	return h.setVar(v, func(vr *Var) error {
		if e < Native || e > Big {
			return errors.E(errors.Invalid, fmt.Sprintf("byte order %v", e))
		}
		if p := h.img.data; v < len(p) && len(p[v]) > 0 && vr.Endian.ByteOrder() != e.ByteOrder() {
			buf, err := dtype.Decode(vr.Endian.ByteOrder(), vr.Type, p[v])
			if err != nil {
				return err
			}
			p[v] = dtype.Encode(e.ByteOrder(), buf)
		}
		vr.Endian = e
		return nil
	})
}

func (h *handle) setVar(v int, set func(*Var) error) error {
	img := h.img
	img.mu.Lock()
	defer img.mu.Unlock()
	if err := h.check(true, true); err != nil {
		return err
	}
	vr, err := img.variable(v)
	if err != nil {
		return err
	}
	if err := set(vr); err != nil {
		return errors.E(fmt.Sprintf("%s: variable %s", img.path, vr.Name), err)
	}
	img.dirty = true
	return nil
}

func (h *handle) EndDef() error {
	img := h.img
	img.mu.Lock()
	defer img.mu.Unlock()
	if err := h.check(true, true); err != nil {
		return err
	}
	img.define = false
	img.allocate()
	return nil
}

func (h *handle) Redef() error {
	img := h.img
	img.mu.Lock()
	defer img.mu.Unlock()
	if err := h.check(true, false); err != nil {
		return err
	}
	img.define = true
	return nil
}

func (h *handle) Inq() Meta {
	img := h.img
	img.mu.Lock()
	defer img.mu.Unlock()
	meta := Meta{
		Dims: append([]Dim(nil), img.meta.Dims...),
		Vars: make([]Var, len(img.meta.Vars)),
	}
	for i, v := range img.meta.Vars {
		v.Dims = append([]int(nil), v.Dims...)
		v.Chunks = append([]int(nil), v.Chunks...)
		meta.Vars[i] = v
	}
	return meta
}

func (h *handle) WriteBlock(ctx context.Context, v int, off int64, buf interface{}) error {
	img := h.img
	img.mu.Lock()
	defer img.mu.Unlock()
	if err := h.check(true, false); err != nil {
		return err
	}
	vr, err := img.variable(v)
	if err != nil {
		return err
	}
	if t, ok := dtype.Of(buf); !ok || t != vr.Type {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: write %T to %v variable %s", img.path, buf, vr.Type, vr.Name))
	}
	var (
		n    = int64(dtype.Len(buf))
		size = int64(vr.Type.Size())
		end  = (off + n) * size
	)
	if off < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: write at offset %d", img.path, off))
	}
	if img.record(v) {
		// Records are allocated whole.
		frame := img.frameSize(v) * size
		if end%frame != 0 {
			end += frame - end%frame
		}
		if int64(len(img.data[v])) < end {
			img.data[v] = append(img.data[v], make([]byte, end-int64(len(img.data[v])))...)
		}
	} else if end > int64(len(img.data[v])) {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: write [%d, %d) past the end of variable %s of %d elements",
			img.path, off, off+n, vr.Name, img.frameSize(v)))
	}
	copy(img.data[v][off*size:], dtype.Encode(vr.Endian.ByteOrder(), buf))
	img.dirty = true
	return nil
}

func (h *handle) ReadBlock(ctx context.Context, v int, off int64, n int) (interface{}, error) {
	img := h.img
	img.mu.Lock()
	defer img.mu.Unlock()
	if err := h.check(false, false); err != nil {
		return nil, err
	}
	vr, err := img.variable(v)
	if err != nil {
		return nil, err
	}
	if off < 0 || n < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: read %d elements at offset %d", img.path, n, off))
	}
	var (
		size  = int64(vr.Type.Size())
		avail = int64(len(img.data[v])) / size
	)
	if off >= avail {
		return dtype.Make(vr.Type, 0), nil
	}
	end := off + int64(n)
	if end > avail {
		end = avail
	}
	return dtype.Decode(vr.Endian.ByteOrder(), vr.Type, img.data[v][off*size:end*size])
}

func (h *handle) NumRecords(v int) int64 {
	img := h.img
	img.mu.Lock()
	defer img.mu.Unlock()
	if v < 0 || v >= len(img.meta.Vars) || !img.record(v) || v >= len(img.data) {
		return 0
	}
	return int64(len(img.data[v])) / (img.frameSize(v) * int64(img.meta.Vars[v].Type.Size()))
}

func (h *handle) Sync(ctx context.Context) error {
	img := h.img
	img.mu.Lock()
	defer img.mu.Unlock()
	if err := h.check(false, false); err != nil {
		return err
	}
	if !h.write || !img.dirty {
		return nil
	}
	return h.store.save(ctx, img)
}

func (h *handle) Close(ctx context.Context) error {
	s, img := h.store, h.img
	s.mu.Lock()
	defer s.mu.Unlock()
	img.mu.Lock()
	defer img.mu.Unlock()
	if h.closed {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: file is closed", img.path))
	}
	h.closed = true
	if img.define {
		img.define = false
		img.allocate()
	}
	img.refs--
	if img.refs > 0 {
		return nil
	}
	if s.open[img.path] == img {
		delete(s.open, img.path)
	}
	if !img.dirty {
		return nil
	}
	return s.save(ctx, img)
}
