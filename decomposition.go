// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pario

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io/ioutil"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pario/comm"
	"github.com/grailbio/pario/decomp"
	"github.com/grailbio/pario/dtype"
	"github.com/grailbio/pario/rearr"
)

// Decomp is a decomposition defined on an I/O system: a descriptor
// of how a global array is split over the compute processes, with
// the communication plan that moves it to and from the I/O
// processes. A Decomp may be used with any number of files and
// variables whose frame shape and type match it.
type Decomp struct {
	sys   *System
	id    int
	desc  *decomp.Desc
	rearr rearr.Rearranger
	plan  *rearr.Plan
	freed bool
}

type decompOptions struct {
	fill interface{}
}

// A DecompOption configures a decomposition.
type DecompOption func(o *decompOptions)

// FillValue sets the value written by box rearrangers at the
// positions of the array that no process holds. It must be
// convertible to the decomposition's element type. The default is
// zero.
func FillValue(v interface{}) DecompOption {
	return func(o *decompOptions) { o.fill = v }
}

// DefineDecomp defines a decomposition of an array of the provided
// element type and shape, of which the calling process holds the
// elements at the global offsets in imap. The first extent of shape
// may be decomp.Unlimited: the decomposition then describes a
// single frame of a record variable. If strategy is zero, the
// system's default strategy is used.
//
// Invalid arguments fail with InvalidDecomposition before any
// communication takes place. DefineDecomp is collective: it builds
// the decomposition's communication plan.
func (s *System) DefineDecomp(ctx context.Context, typ dtype.Type, shape decomp.Shape, imap decomp.Map, strategy rearr.Strategy, opts ...DecompOption) (*Decomp, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var o decompOptions
	for _, opt := range opts {
		opt(&o)
	}
	desc, err := decomp.New(typ, shape, imap)
	if err != nil {
		return nil, newError(InvalidDecomposition, err)
	}
	if strategy == 0 {
		strategy = s.strategy
	}
	r, err := rearr.New(strategy)
	if err != nil {
		return nil, newError(InvalidDecomposition, err)
	}
	if o.fill != nil {
		buf := dtype.Make(typ, 1)
		if err := dtype.Fill(buf, o.fill); err != nil {
			return nil, newError(InvalidDecomposition, err)
		}
		o.fill = dtype.Index(buf, 0)
	}

	ctx, cancel := s.collective(ctx)
	defer cancel()
	plan, err := r.Build(ctx, s.comm, s.group(), desc)
	if err != nil {
		return nil, err
	}
	plan.Fill = o.fill
	d := &Decomp{sys: s, desc: desc, rearr: r, plan: plan}
	s.mu.Lock()
	d.id = s.nextID
	s.nextID++
	s.decomps[d.id] = d
	s.mu.Unlock()
	return d, nil
}

// Free releases the decomposition. Free fails with InvalidHandle if
// the decomposition is already freed or its system finalized. Free
// is collective.
func (d *Decomp) Free(ctx context.Context) error {
	if err := d.check(); err != nil {
		return err
	}
	s := d.sys
	s.mu.Lock()
	d.freed = true
	delete(s.decomps, d.id)
	s.mu.Unlock()
	d.plan = nil
	d.desc = &decomp.Desc{Type: d.desc.Type, Shape: d.desc.Shape, Record: d.desc.Record}

	ctx, cancel := s.collective(ctx)
	defer cancel()
	return s.comm.Barrier(ctx)
}

func (d *Decomp) check() error {
	s := d.sys
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.finalized:
		return newError(InvalidHandle, "system is finalized")
	case d.freed:
		return newError(InvalidHandle, fmt.Sprintf("decomposition %d is freed", d.id))
	}
	return nil
}

// ID returns the decomposition's identifier, which is the same on
// every process.
func (d *Decomp) ID() int { return d.id }

// Len returns the number of elements held by the calling process.
func (d *Decomp) Len() int { return d.desc.Len() }

// GlobalSize returns the number of elements in one frame of the
// global array.
func (d *Decomp) GlobalSize() int64 { return d.desc.Size() }

// Shape returns the shape of the global array, including its record
// dimension, if any.
func (d *Decomp) Shape() decomp.Shape {
	var shape decomp.Shape
	if d.desc.Record {
		shape = append(shape, decomp.Unlimited)
	}
	return append(shape, d.desc.Shape...)
}

// Type returns the element type of the array.
func (d *Decomp) Type() dtype.Type { return d.desc.Type }

// Strategy returns the decomposition's rearranger strategy.
func (d *Decomp) Strategy() rearr.Strategy { return d.rearr.Strategy() }

// Map returns a copy of the calling process's index map.
func (d *Decomp) Map() decomp.Map { return append(decomp.Map(nil), d.desc.Map...) }

// Plan returns the decomposition's communication plan. Plans must
// not be modified.
func (d *Decomp) Plan() *rearr.Plan { return d.plan }

const decompFileVersion = 1

// decompFile is the persisted form of a decomposition: the index
// maps of every process.
type decompFile struct {
	Version int
	Type    dtype.Type
	Shape   decomp.Shape
	Maps    []decomp.Map
}

// Save writes the decomposition, including the index maps of all
// processes, to path. Any URL supported by package
// github.com/grailbio/base/file may be used. Save is collective; the
// file is written by compute rank 0.
func (d *Decomp) Save(ctx context.Context, path string) error {
	if err := d.check(); err != nil {
		return err
	}
	s := d.sys
	ctx, cancel := s.collective(ctx)
	defer cancel()
	maps, err := comm.Gather(ctx, s.comm, 0, d.desc.Map)
	if err != nil {
		return err
	}
	if s.comm.Rank() == 0 {
		df := decompFile{
			Version: decompFileVersion,
			Type:    d.desc.Type,
			Shape:   d.Shape(),
			Maps:    make([]decomp.Map, len(maps)),
		}
		for i := range maps {
			df.Maps[i] = maps[i].(decomp.Map)
		}
		err = writeDecomp(ctx, path, df)
		if err == nil {
			log.Debug.Printf("pario: saved decomposition %d to %s", d.id, path)
		}
	}
	return s.syncErr(ctx, BackendIOError, err)
}

func writeDecomp(ctx context.Context, path string, df decompFile) (err error) {
	var b bytes.Buffer
	if err = gob.NewEncoder(&b).Encode(df); err != nil {
		return errors.E(errors.Invalid, "encode decomposition", err)
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err = f.Writer(ctx).Write(b.Bytes()); err != nil {
		f.Discard(ctx)
		return err
	}
	return f.Close(ctx)
}

func readDecomp(ctx context.Context, path string) (df decompFile, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return df, err
	}
	defer func() {
		if cerr := f.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	p, err := ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return df, err
	}
	if err = gob.NewDecoder(bytes.NewReader(p)).Decode(&df); err != nil {
		return df, errors.E(errors.Integrity, fmt.Sprintf("decode decomposition %s", path), err)
	}
	if df.Version != decompFileVersion {
		return df, errors.E(errors.NotSupported, fmt.Sprintf("decomposition %s: version %d", path, df.Version))
	}
	return df, nil
}

// LoadDecomp defines a decomposition from a file written by
// Decomp.Save. The file must have been saved by a group of the same
// size. LoadDecomp is collective: compute rank 0 reads the file.
func (s *System) LoadDecomp(ctx context.Context, path string, strategy rearr.Strategy, opts ...DecompOption) (*Decomp, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	type result struct {
		df  decompFile
		err error
	}
	var res result
	if s.comm.Rank() == 0 {
		res.df, res.err = readDecomp(ctx, path)
		if res.err == nil && len(res.df.Maps) != s.comm.Size() {
			res.err = newError(InvalidDecomposition,
				fmt.Sprintf("%s holds maps for %d processes, group has %d", path, len(res.df.Maps), s.comm.Size()))
		}
	}
	cctx, cancel := s.collective(ctx)
	v, err := s.comm.Bcast(cctx, 0, res)
	cancel()
	if err != nil {
		return nil, err
	}
	res = v.(result)
	if res.err != nil {
		return nil, asError(BackendIOError, res.err)
	}
	return s.DefineDecomp(ctx, res.df.Type, res.df.Shape, res.df.Maps[s.comm.Rank()], strategy, opts...)
}
