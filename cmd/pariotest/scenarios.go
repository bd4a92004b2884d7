// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pario"
	"github.com/grailbio/pario/comm"
	"github.com/grailbio/pario/decomp"
	"github.com/grailbio/pario/dtype"
	"github.com/grailbio/pario/rearr"
	"github.com/grailbio/pario/stats"
)

// report summarizes a scenario run.
type report struct {
	Name     string
	Procs    int
	IOProcs  int
	Elements int64
	Duration time.Duration
	Stats    stats.Values
}

func (r report) String() string {
	return fmt.Sprintf("%s: %d processes, %d I/O processes, %d elements verified in %s; %v",
		r.Name, r.Procs, r.IOProcs, r.Elements, r.Duration.Round(time.Millisecond), r.Stats)
}

// collector totals the counters of every process of a run.
type collector struct {
	mu    sync.Mutex
	total stats.Values
}

func (c *collector) add(sys *pario.System) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total == nil {
		c.total = make(stats.Values)
	}
	c.total.Add(sys.Stats().Snapshot())
}

// roundTrip writes a randomly decomposed 2-D array with each
// rearranger strategy, reads it back, and verifies it.
type roundTrip struct {
	Rows, Cols int
	Seed       int64
	Path       string
	Deflate    int
}

var strategies = []rearr.Strategy{rearr.Box, rearr.Subset}

func (rt *roundTrip) run(ctx context.Context, cfg *pario.Config) (report, error) {
	if rt.Rows <= 0 || rt.Cols <= 0 {
		return report{}, errors.E(errors.Invalid, fmt.Sprintf("array of %dx%d elements", rt.Rows, rt.Cols))
	}
	var (
		shape = decomp.Shape{rt.Rows, rt.Cols}
		r     = rand.New(rand.NewSource(rt.Seed))
		maps  = make([]decomp.Map, cfg.Procs)
		data  = make([]float64, shape.Size())
	)
	for _, off := range r.Perm(len(data)) {
		p := r.Intn(cfg.Procs)
		maps[p] = append(maps[p], int64(off))
	}
	for i := range data {
		data[i] = r.NormFloat64()
	}
	var (
		coll  collector
		start = time.Now()
	)
	err := comm.Run(ctx, cfg.Procs, func(ctx context.Context, c comm.Comm) error {
		sys, err := pario.Init(ctx, c, cfg.Options()...)
		if err != nil {
			return err
		}
		m := maps[c.Rank()]
		local := make([]float64, len(m))
		for i, off := range m {
			local[i] = data[off]
		}
		f, err := sys.CreateFile(ctx, rt.Path, pario.Clobber)
		if err != nil {
			return err
		}
		y, err := f.DefDim("y", rt.Rows)
		if err != nil {
			return err
		}
		x, err := f.DefDim("x", rt.Cols)
		if err != nil {
			return err
		}
		vars := make([]int, len(strategies))
		for i, s := range strategies {
			if vars[i], err = f.DefVar(s.String(), dtype.Float64, y, x); err != nil {
				return err
			}
			if err = f.SetDeflate(vars[i], rt.Deflate > 0, rt.Deflate); err != nil {
				return err
			}
		}
		if err = f.EndDef(ctx); err != nil {
			return err
		}
		for i, s := range strategies {
			d, err := sys.DefineDecomp(ctx, dtype.Float64, shape, m, s)
			if err != nil {
				return err
			}
			if err := f.WriteDarray(ctx, vars[i], d, local); err != nil {
				return err
			}
			back := make([]float64, len(m))
			if err := f.ReadDarray(ctx, vars[i], d, back); err != nil {
				return err
			}
			for j := range back {
				if back[j] != local[j] {
					return errors.E(errors.Integrity,
						fmt.Sprintf("%v: rank %d: offset %d: read %v, wrote %v", s, c.Rank(), m[j], back[j], local[j]))
				}
			}
			if err := d.Free(ctx); err != nil {
				return err
			}
		}
		if err := f.Close(ctx); err != nil {
			return err
		}
		coll.add(sys)
		return sys.Finalize(ctx)
	})
	if err != nil {
		return report{}, err
	}
	rep := report{
		Name:     "roundtrip",
		Procs:    cfg.Procs,
		IOProcs:  cfg.IOProcs,
		Elements: int64(len(strategies)) * shape.Size(),
		Duration: time.Since(start),
		Stats:    coll.total,
	}
	log.Debug.Print(rep)
	return rep, nil
}

// records writes frames of a record variable decomposed in
// contiguous blocks, then reads every frame back.
type records struct {
	Len    int
	Frames int
	Path   string
}

func (rec *records) run(ctx context.Context, cfg *pario.Config) (report, error) {
	if rec.Len <= 0 || rec.Frames <= 0 {
		return report{}, errors.E(errors.Invalid, fmt.Sprintf("%d frames of %d elements", rec.Frames, rec.Len))
	}
	value := func(frame int, off int64) int32 { return int32(frame*rec.Len) + int32(off) }
	var (
		coll  collector
		start = time.Now()
	)
	err := comm.Run(ctx, cfg.Procs, func(ctx context.Context, c comm.Comm) error {
		sys, err := pario.Init(ctx, c, cfg.Options()...)
		if err != nil {
			return err
		}
		var (
			lo = rec.Len * c.Rank() / c.Size()
			hi = rec.Len * (c.Rank() + 1) / c.Size()
			m  = make(decomp.Map, 0, hi-lo)
		)
		for off := lo; off < hi; off++ {
			m = append(m, int64(off))
		}
		d, err := sys.DefineDecomp(ctx, dtype.Int32, decomp.Shape{decomp.Unlimited, rec.Len}, m, 0)
		if err != nil {
			return err
		}
		f, err := sys.CreateFile(ctx, rec.Path, pario.Clobber)
		if err != nil {
			return err
		}
		tm, err := f.DefDim("time", decomp.Unlimited)
		if err != nil {
			return err
		}
		x, err := f.DefDim("x", rec.Len)
		if err != nil {
			return err
		}
		v, err := f.DefVar("v", dtype.Int32, tm, x)
		if err != nil {
			return err
		}
		if err := f.EndDef(ctx); err != nil {
			return err
		}
		buf := make([]int32, len(m))
		if err := f.SetFrame(v, 0); err != nil {
			return err
		}
		for frame := 0; frame < rec.Frames; frame++ {
			for i, off := range m {
				buf[i] = value(frame, off)
			}
			if err := f.WriteDarray(ctx, v, d, buf); err != nil {
				return err
			}
			if err := f.AdvanceFrame(v); err != nil {
				return err
			}
		}
		if err := f.Sync(ctx); err != nil {
			return err
		}
		n, err := f.NumRecords(ctx, v)
		if err != nil {
			return err
		}
		if n != int64(rec.Frames) {
			return errors.E(errors.Integrity, fmt.Sprintf("wrote %d frames, file has %d", rec.Frames, n))
		}
		for frame := rec.Frames - 1; frame >= 0; frame-- {
			if err := f.SetFrame(v, frame); err != nil {
				return err
			}
			if err := f.ReadDarray(ctx, v, d, buf); err != nil {
				return err
			}
			for i, off := range m {
				if buf[i] != value(frame, off) {
					return errors.E(errors.Integrity,
						fmt.Sprintf("frame %d: offset %d: read %v, wrote %v", frame, off, buf[i], value(frame, off)))
				}
			}
		}
		if err := f.Close(ctx); err != nil {
			return err
		}
		if err := d.Free(ctx); err != nil {
			return err
		}
		coll.add(sys)
		return sys.Finalize(ctx)
	})
	if err != nil {
		return report{}, err
	}
	rep := report{
		Name:     "records",
		Procs:    cfg.Procs,
		IOProcs:  cfg.IOProcs,
		Elements: int64(rec.Frames * rec.Len),
		Duration: time.Since(start),
		Stats:    coll.total,
	}
	log.Debug.Print(rep)
	return rep, nil
}
