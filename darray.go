// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pario

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pario/dtype"
	"github.com/grailbio/pario/rearr"
	"github.com/grailbio/pario/stats"
)

// SetFrame sets the current frame (record index) of variable v,
// which subsequent distributed array calls on the variable read and
// write. SetFrame is local.
func (f *File) SetFrame(v, frame int) error {
	if err := f.check(); err != nil {
		return err
	}
	if _, err := f.variable(v); err != nil {
		return err
	}
	if frame < 0 {
		return newError(MissingFrame, fmt.Sprintf("%s: variable %d: frame %d", f.path, v, frame))
	}
	f.frames[v] = frame
	return nil
}

// AdvanceFrame increments the current frame of variable v. It fails
// with MissingFrame if the variable has no current frame.
func (f *File) AdvanceFrame(v int) error {
	if err := f.check(); err != nil {
		return err
	}
	if _, err := f.variable(v); err != nil {
		return err
	}
	frame, ok := f.frames[v]
	if !ok {
		return newError(MissingFrame, fmt.Sprintf("%s: variable %d has no frame", f.path, v))
	}
	f.frames[v] = frame + 1
	return nil
}

// Frame returns the current frame of variable v, and whether one is
// set.
func (f *File) Frame(v int) (int, bool) {
	frame, ok := f.frames[v]
	return frame, ok
}

// darray is a validated distributed array call.
type darray struct {
	v    int
	plan *rearr.Plan
	// base is the offset of the variable's current frame.
	base int64
}

// prepare validates a distributed array call on variable v with
// decomposition d and local buffer buf.
func (f *File) prepare(v int, d *Decomp, buf interface{}, write bool) (darray, error) {
	if err := f.check(); err != nil {
		return darray{}, err
	}
	if err := d.check(); err != nil {
		return darray{}, err
	}
	if d.sys != f.sys {
		return darray{}, newError(InvalidHandle, fmt.Sprintf("decomposition %d belongs to another system", d.id))
	}
	switch {
	case f.define:
		return darray{}, newError(InvalidHandle, fmt.Sprintf("%s is in define mode", f.path))
	case write && !f.write:
		return darray{}, newError(InvalidHandle, fmt.Sprintf("%s is read-only", f.path))
	}
	vr, err := f.variable(v)
	if err != nil {
		return darray{}, err
	}
	if buf != nil || d.Len() > 0 {
		t, ok := dtype.Of(buf)
		if !ok || t != d.Type() {
			return darray{}, newError(ShapeMismatch, fmt.Sprintf("buffer %T is not a %v buffer", buf, d.Type()))
		}
		if n := dtype.Len(buf); n != d.Len() {
			return darray{}, newError(ShapeMismatch,
				fmt.Sprintf("buffer has %d elements, decomposition %d maps %d", n, d.id, d.Len()))
		}
	}
	if vr.Type != d.Type() {
		return darray{}, newError(ShapeMismatch,
			fmt.Sprintf("%s: variable %s of type %v used with a %v decomposition", f.path, vr.Name, vr.Type, d.Type()))
	}
	shape := f.meta.Shape(v)
	if shape.Size() != d.GlobalSize() {
		return darray{}, newError(ShapeMismatch,
			fmt.Sprintf("%s: variable %s of shape %v used with a decomposition of shape %v", f.path, vr.Name, shape, d.Shape()))
	}
	a := darray{v: v, plan: d.plan}
	if shape.Record() {
		frame, ok := f.frames[v]
		if !ok {
			return darray{}, newError(MissingFrame, fmt.Sprintf("%s: record variable %s has no frame", f.path, vr.Name))
		}
		a.base = int64(frame) * shape.Size()
	}
	return a, nil
}

// WriteDarray writes the distributed array buf, decomposed by d, to
// variable v: in its current frame, if it is a record variable. The
// buffer must have d's element type and hold d.Len() elements.
//
// WriteDarray is collective. Argument errors are returned without
// communication; backend failures are returned on every process as
// BackendIOError.
func (f *File) WriteDarray(ctx context.Context, v int, d *Decomp, buf interface{}) error {
	a, err := f.prepare(v, d, buf, true)
	if err != nil {
		return err
	}
	s := f.sys
	ctx, cancel := s.collective(ctx)
	defer cancel()
	agg, err := d.rearr.Forward(ctx, s.comm, a.plan, buf)
	if err != nil {
		return err
	}
	s.stats.Int(stats.DarrayWrite).Add(1)
	s.stats.Int(stats.RearrSent).Add(int64(a.plan.NumSend()))
	s.stats.Int(stats.RearrRecv).Add(int64(a.plan.NumRecv()))
	if a.plan.IsIO() {
		for _, run := range a.plan.Runs {
			block := dtype.Slice(agg, run.Pos, run.Pos+run.Len)
			if err = f.be.WriteBlock(ctx, v, a.base+run.Start, block); err != nil {
				break
			}
			s.stats.Int(stats.BackendWrite).Add(1)
		}
		if err != nil {
			log.Error.Printf("pario: %s: write variable %d: %v", f.path, v, err)
		}
	}
	return s.syncErr(ctx, BackendIOError, err)
}

// ReadDarray reads variable v, in its current frame if it is a
// record variable, into the distributed array buf, decomposed by d.
// Entries of buf are set to the stored values of the offsets named
// by d's index map.
//
// ReadDarray is collective. If the backend holds fewer elements than
// requested, every process fails with ShortRead.
func (f *File) ReadDarray(ctx context.Context, v int, d *Decomp, buf interface{}) error {
	a, err := f.prepare(v, d, buf, false)
	if err != nil {
		return err
	}
	s := f.sys
	ctx, cancel := s.collective(ctx)
	defer cancel()
	var agg interface{}
	if a.plan.IsIO() {
		agg = dtype.Make(a.plan.Type, a.plan.Len)
		for _, run := range a.plan.Runs {
			var block interface{}
			block, err = f.be.ReadBlock(ctx, v, a.base+run.Start, run.Len)
			if err != nil {
				break
			}
			s.stats.Int(stats.BackendRead).Add(1)
			if n := dtype.Len(block); n < run.Len {
				err = newError(ShortRead, errors.Integrity,
					fmt.Sprintf("%s: variable %d: read %d elements at offset %d, expected %d", f.path, v, n, a.base+run.Start, run.Len))
				break
			}
			dtype.Copy(dtype.Slice(agg, run.Pos, run.Pos+run.Len), block)
		}
	}
	if err = s.syncErr(ctx, BackendIOError, err); err != nil {
		return err
	}
	if err := d.rearr.Backward(ctx, s.comm, a.plan, agg, buf); err != nil {
		return err
	}
	s.stats.Int(stats.DarrayRead).Add(1)
	s.stats.Int(stats.RearrSent).Add(int64(a.plan.NumRecv()))
	s.stats.Int(stats.RearrRecv).Add(int64(a.plan.NumSend()))
	return nil
}
