// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pario

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/pario/backend"
	"github.com/grailbio/pario/comm"
	"github.com/grailbio/pario/decomp"
	"github.com/grailbio/pario/dtype"
	"github.com/grailbio/pario/rearr"
	"github.com/grailbio/pario/stats"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

func readAll(t *testing.T, store *backend.Store, path string, v int, n int) interface{} {
	t.Helper()
	ctx := context.Background()
	f, err := store.Open(ctx, path, false)
	assert.NoError(t, err)
	buf, err := f.ReadBlock(ctx, v, 0, n)
	assert.NoError(t, err)
	assert.NoError(t, f.Close(ctx))
	return buf
}

func TestWriteReadSmall(t *testing.T) {
	// Four processes each hold one element of a length-4 array; one
	// I/O process writes it.
	store := backend.Memory()
	err := comm.Run(context.Background(), 4, func(ctx context.Context, c comm.Comm) error {
		sys, err := Init(ctx, c, Backend(store))
		if err != nil {
			return err
		}
		if got, want := sys.AggregationFactor(), 4; got != want {
			return fmt.Errorf("aggregation factor: got %v, want %v", got, want)
		}
		d, err := sys.DefineDecomp(ctx, dtype.Int32, decomp.Shape{4}, decomp.Map{int64(c.Rank())}, rearr.Box)
		if err != nil {
			return err
		}
		f, err := sys.CreateFile(ctx, "small.nc", Clobber)
		if err != nil {
			return err
		}
		x, err := f.DefDim("x", 4)
		if err != nil {
			return err
		}
		v, err := f.DefVar("v", dtype.Int32, x)
		if err != nil {
			return err
		}
		if err := f.EndDef(ctx); err != nil {
			return err
		}
		if err := f.WriteDarray(ctx, v, d, []int32{int32(c.Rank())}); err != nil {
			return err
		}
		got := make([]int32, 1)
		if err := f.ReadDarray(ctx, v, d, got); err != nil {
			return err
		}
		if got[0] != int32(c.Rank()) {
			return fmt.Errorf("rank %d: read %v", c.Rank(), got)
		}
		if err := f.Close(ctx); err != nil {
			return err
		}
		if c.Rank() == 0 {
			vals := sys.Stats().Snapshot()
			if vals[stats.BackendWrite] != 1 || vals[stats.DarrayWrite] != 1 {
				return fmt.Errorf("stats: %v", vals)
			}
		}
		if err := d.Free(ctx); err != nil {
			return err
		}
		return sys.Finalize(ctx)
	})
	assert.NoError(t, err)
	assert.EQ(t, readAll(t, store, "small.nc", 0, 4), []int32{0, 1, 2, 3})
}

// blockMap returns the index map of process rank of a 4x4 array
// split into four 2x2 blocks.
func blockMap(rank int) decomp.Map {
	var (
		m      decomp.Map
		r0, c0 = 2 * (rank / 2), 2 * (rank % 2)
	)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			m = append(m, int64((r0+i)*4+c0+j))
		}
	}
	return m
}

func TestGridFileBackend(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "pario")
	defer cleanup()
	prefix := dir + "/"

	store := backend.Files(prefix)
	err := comm.Run(context.Background(), 4, func(ctx context.Context, c comm.Comm) error {
		sys, err := Init(ctx, c, IOProcs(2), Stride(2), Backend(store))
		if err != nil {
			return err
		}
		m := blockMap(c.Rank())
		d, err := sys.DefineDecomp(ctx, dtype.Int32, decomp.Shape{4, 4}, m, rearr.Box)
		if err != nil {
			return err
		}
		// An unrelated decomposition, defined and freed once the first
		// plan is cached, must not perturb it.
		other, err := sys.DefineDecomp(ctx, dtype.Float64, decomp.Shape{7}, decomp.Map{int64(c.Rank())}, rearr.Subset)
		if err != nil {
			return err
		}
		if other.ID() == d.ID() {
			return fmt.Errorf("decompositions share id %d", d.ID())
		}
		plan := *d.Plan()
		if err := other.Free(ctx); err != nil {
			return err
		}
		if !plan.Equal(d.Plan()) {
			return fmt.Errorf("rank %d: plan changed", c.Rank())
		}

		f, err := sys.CreateFile(ctx, "grid.nc", NoClobber)
		if err != nil {
			return err
		}
		y, err := f.DefDim("y", 4)
		if err != nil {
			return err
		}
		x, err := f.DefDim("x", 4)
		if err != nil {
			return err
		}
		v, err := f.DefVar("grid", dtype.Int32, y, x)
		if err != nil {
			return err
		}
		if err := f.SetDeflate(v, true, 1); err != nil {
			return err
		}
		if err := f.SetChunking(v, []int{2, 2}); err != nil {
			return err
		}
		if err := f.SetEndian(v, backend.Big); err != nil {
			return err
		}
		if err := f.EndDef(ctx); err != nil {
			return err
		}
		buf := make([]int32, len(m))
		for i, off := range m {
			buf[i] = int32(off*3 + 1)
		}
		if err := f.WriteDarray(ctx, v, d, buf); err != nil {
			return err
		}
		if err := f.Close(ctx); err != nil {
			return err
		}
		if err := d.Free(ctx); err != nil {
			return err
		}
		return sys.Finalize(ctx)
	})
	assert.NoError(t, err)

	// Read back through a fresh store, with the other strategy.
	store = backend.Files(prefix)
	err = comm.Run(context.Background(), 4, func(ctx context.Context, c comm.Comm) error {
		sys, err := Init(ctx, c, IOProcs(3), Rearranger(rearr.Subset), Backend(store))
		if err != nil {
			return err
		}
		m := blockMap(c.Rank())
		d, err := sys.DefineDecomp(ctx, dtype.Int32, decomp.Shape{4, 4}, m, 0)
		if err != nil {
			return err
		}
		if d.Strategy() != rearr.Subset {
			return fmt.Errorf("got strategy %v", d.Strategy())
		}
		f, err := sys.OpenFile(ctx, "grid.nc", NoWrite)
		if err != nil {
			return err
		}
		v, err := f.Var("grid")
		if err != nil {
			return err
		}
		vr := f.Vars()[v]
		if !vr.Shuffle || vr.Deflate != 1 || vr.Endian != backend.Big || !reflect.DeepEqual(vr.Chunks, []int{2, 2}) {
			return fmt.Errorf("variable settings not kept: %+v", vr)
		}
		buf := make([]int32, len(m))
		if err := f.ReadDarray(ctx, v, d, buf); err != nil {
			return err
		}
		for i, off := range m {
			if got, want := buf[i], int32(off*3+1); got != want {
				return fmt.Errorf("rank %d: offset %d: got %v, want %v", c.Rank(), off, got, want)
			}
		}
		if err := f.WriteDarray(ctx, v, d, buf); !Is(InvalidHandle, err) {
			return fmt.Errorf("write to read-only file: %v", err)
		}
		if err := f.Close(ctx); err != nil {
			return err
		}
		if err := d.Free(ctx); err != nil {
			return err
		}
		return sys.Finalize(ctx)
	})
	assert.NoError(t, err)
}

func TestFrames(t *testing.T) {
	const n = 3
	store := backend.Memory()
	err := comm.Run(context.Background(), n, func(ctx context.Context, c comm.Comm) error {
		sys, err := Init(ctx, c, IOProcs(2), Base(1), Backend(store))
		if err != nil {
			return err
		}
		// Each process holds every third element of a frame of 6.
		var m decomp.Map
		for off := c.Rank(); off < 6; off += n {
			m = append(m, int64(off))
		}
		d, err := sys.DefineDecomp(ctx, dtype.Float64, decomp.Shape{decomp.Unlimited, 6}, m, rearr.Subset)
		if err != nil {
			return err
		}
		if got, want := d.Shape().String(), "[* 6]"; got != want {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		f, err := sys.CreateFile(ctx, "frames.nc", Clobber)
		if err != nil {
			return err
		}
		tm, err := f.DefDim("time", decomp.Unlimited)
		if err != nil {
			return err
		}
		x, err := f.DefDim("x", 6)
		if err != nil {
			return err
		}
		v, err := f.DefVar("v", dtype.Float64, tm, x)
		if err != nil {
			return err
		}
		if err := f.EndDef(ctx); err != nil {
			return err
		}
		buf := make([]float64, len(m))
		if err := f.WriteDarray(ctx, v, d, buf); !Is(MissingFrame, err) {
			return fmt.Errorf("write without frame: %v", err)
		}
		if err := f.SetFrame(v, -1); !Is(MissingFrame, err) {
			return fmt.Errorf("negative frame: %v", err)
		}
		if err := f.SetFrame(v+1, 0); !Is(InvalidHandle, err) {
			return fmt.Errorf("unknown variable: %v", err)
		}
		if err := f.AdvanceFrame(v); !Is(MissingFrame, err) {
			return fmt.Errorf("advance without frame: %v", err)
		}
		for frame := 0; frame < 2; frame++ {
			if frame == 0 {
				err = f.SetFrame(v, 0)
			} else {
				err = f.AdvanceFrame(v)
			}
			if err != nil {
				return err
			}
			for i, off := range m {
				buf[i] = float64(100*frame) + float64(off)
			}
			if err := f.WriteDarray(ctx, v, d, buf); err != nil {
				return err
			}
		}
		nrec, err := f.NumRecords(ctx, v)
		if err != nil {
			return err
		}
		if nrec != 2 {
			return fmt.Errorf("got %d records, want 2", nrec)
		}
		for frame := 0; frame < 2; frame++ {
			if err := f.SetFrame(v, frame); err != nil {
				return err
			}
			if err := f.ReadDarray(ctx, v, d, buf); err != nil {
				return err
			}
			for i, off := range m {
				if got, want := buf[i], float64(100*frame)+float64(off); got != want {
					return fmt.Errorf("frame %d offset %d: got %v, want %v", frame, off, got, want)
				}
			}
		}
		if err := f.SetFrame(v, 2); err != nil {
			return err
		}
		if err := f.ReadDarray(ctx, v, d, buf); !Is(ShortRead, err) {
			return fmt.Errorf("read past the last record: %v", err)
		}
		if frame, ok := f.Frame(v); !ok || frame != 2 {
			return fmt.Errorf("got frame %v, %v", frame, ok)
		}
		if err := f.Close(ctx); err != nil {
			return err
		}
		if err := d.Free(ctx); err != nil {
			return err
		}
		return sys.Finalize(ctx)
	})
	assert.NoError(t, err)
	want := []float64{0, 1, 2, 3, 4, 5, 100, 101, 102, 103, 104, 105}
	assert.EQ(t, readAll(t, store, "frames.nc", 0, 100), want)
}

// partition scatters the offsets [0, size) over n processes.
func partition(r *rand.Rand, size, n int) []decomp.Map {
	maps := make([]decomp.Map, n)
	for _, off := range r.Perm(size) {
		p := r.Intn(n)
		maps[p] = append(maps[p], int64(off))
	}
	return maps
}

func TestStrategiesEquivalent(t *testing.T) {
	const (
		n    = 5
		size = 6 * 50
	)
	r := rand.New(rand.NewSource(1))
	maps := partition(r, size, n)
	// Process 3 holds nothing.
	maps[4] = append(maps[4], maps[3]...)
	maps[3] = nil
	var data []int64
	fuzz.New().RandSource(r).NilChance(0).NumElements(size, size).Fuzz(&data)

	store := backend.Memory()
	err := comm.Run(context.Background(), n, func(ctx context.Context, c comm.Comm) error {
		sys, err := Init(ctx, c, IOProcs(2), Stride(3), Backend(store))
		if err != nil {
			return err
		}
		m := maps[c.Rank()]
		local := make([]int64, len(m))
		for i, off := range m {
			local[i] = data[off]
		}
		f, err := sys.CreateFile(ctx, "equiv.nc", Clobber)
		if err != nil {
			return err
		}
		y, err := f.DefDim("y", 6)
		if err != nil {
			return err
		}
		x, err := f.DefDim("x", 50)
		if err != nil {
			return err
		}
		var vars []int
		for _, strategy := range []rearr.Strategy{rearr.Box, rearr.Subset} {
			v, err := f.DefVar(strategy.String(), dtype.Int64, y, x)
			if err != nil {
				return err
			}
			vars = append(vars, v)
		}
		if err := f.EndDef(ctx); err != nil {
			return err
		}
		for i, strategy := range []rearr.Strategy{rearr.Box, rearr.Subset} {
			d, err := sys.DefineDecomp(ctx, dtype.Int64, decomp.Shape{6, 50}, m, strategy)
			if err != nil {
				return err
			}
			if err := f.WriteDarray(ctx, vars[i], d, local); err != nil {
				return err
			}
			back := make([]int64, len(m))
			if err := f.ReadDarray(ctx, vars[i], d, back); err != nil {
				return err
			}
			if !reflect.DeepEqual(back, local) {
				return fmt.Errorf("%v: rank %d: read back different values", strategy, c.Rank())
			}
			if err := d.Free(ctx); err != nil {
				return err
			}
		}
		if err := f.Close(ctx); err != nil {
			return err
		}
		return sys.Finalize(ctx)
	})
	assert.NoError(t, err)
	assert.EQ(t, readAll(t, store, "equiv.nc", 0, size), data)
	assert.EQ(t, readAll(t, store, "equiv.nc", 1, size), data)
}

func TestOverlapAndFill(t *testing.T) {
	store := backend.Memory()
	err := comm.Run(context.Background(), 3, func(ctx context.Context, c comm.Comm) error {
		sys, err := Init(ctx, c, Backend(store))
		if err != nil {
			return err
		}
		// Offset 1 is held by ranks 0 and 2; offset 3 by no one.
		maps := []decomp.Map{{0, 1}, {2}, {1, 4}}
		m := maps[c.Rank()]
		d, err := sys.DefineDecomp(ctx, dtype.Int16, decomp.Shape{5}, m, rearr.Box, FillValue(-1))
		if err != nil {
			return err
		}
		f, err := sys.CreateFile(ctx, "overlap.nc", Clobber)
		if err != nil {
			return err
		}
		x, err := f.DefDim("x", 5)
		if err != nil {
			return err
		}
		v, err := f.DefVar("v", dtype.Int16, x)
		if err != nil {
			return err
		}
		if err := f.EndDef(ctx); err != nil {
			return err
		}
		local := make([]int16, len(m))
		for i := range local {
			local[i] = int16(10 * (c.Rank() + 1))
		}
		if err := f.WriteDarray(ctx, v, d, local); err != nil {
			return err
		}
		if err := f.ReadDarray(ctx, v, d, local); err != nil {
			return err
		}
		// Every holder of offset 1 reads the winning value.
		if c.Rank() != 1 && local[len(local)-1-c.Rank()/2] != 30 {
			return fmt.Errorf("rank %d: read %v", c.Rank(), local)
		}
		if err := f.Close(ctx); err != nil {
			return err
		}
		if err := d.Free(ctx); err != nil {
			return err
		}
		return sys.Finalize(ctx)
	})
	assert.NoError(t, err)
	assert.EQ(t, readAll(t, store, "overlap.nc", 0, 5), []int16{10, 30, 20, -1, 30})
}
