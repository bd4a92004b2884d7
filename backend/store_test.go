// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package backend

import (
	"bytes"
	"context"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pario/decomp"
	"github.com/grailbio/pario/dtype"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/require"
)

func TestDefineWriteRead(t *testing.T) {
	ctx := context.Background()
	f, err := Memory().Create(ctx, "test.nc", false)
	require.NoError(t, err)
	x, err := f.DefDim("x", 4)
	require.NoError(t, err)
	v, err := f.DefVar("v", dtype.Int32, []int{x})
	require.NoError(t, err)

	err = f.WriteBlock(ctx, v, 0, []int32{1})
	require.True(t, errors.Is(errors.Precondition, err), "write in define mode: %v", err)
	_, err = f.DefDim("x", 3)
	require.True(t, errors.Is(errors.Exists, err), "redefined dimension: %v", err)

	require.NoError(t, f.EndDef())
	require.NoError(t, f.WriteBlock(ctx, v, 1, []int32{7, 8}))
	got, err := f.ReadBlock(ctx, v, 0, 4)
	require.NoError(t, err)
	require.Equal(t, []int32{0, 7, 8, 0}, got)

	got, err = f.ReadBlock(ctx, v, 2, 10)
	require.NoError(t, err)
	require.Equal(t, []int32{8, 0}, got)

	err = f.WriteBlock(ctx, v, 3, []int32{1, 2})
	require.True(t, errors.Is(errors.Invalid, err), "write past end: %v", err)
	err = f.WriteBlock(ctx, v, 0, []float64{1})
	require.True(t, errors.Is(errors.Invalid, err), "write of wrong type: %v", err)
	_, err = f.ReadBlock(ctx, 9, 0, 1)
	require.True(t, errors.Is(errors.NotExist, err), "read of unknown variable: %v", err)
	require.NoError(t, f.Close(ctx))
}

func TestRecordVariables(t *testing.T) {
	ctx := context.Background()
	f, err := Memory().Create(ctx, "rec.nc", false)
	require.NoError(t, err)
	tm, err := f.DefDim("time", decomp.Unlimited)
	require.NoError(t, err)
	x, err := f.DefDim("x", 3)
	require.NoError(t, err)
	_, err = f.DefDim("t2", decomp.Unlimited)
	require.True(t, errors.Is(errors.Invalid, err), "second unlimited dimension: %v", err)
	_, err = f.DefVar("bad", dtype.Float64, []int{x, tm})
	require.True(t, errors.Is(errors.Invalid, err), "unlimited dimension not first: %v", err)
	v, err := f.DefVar("v", dtype.Float64, []int{tm, x})
	require.NoError(t, err)
	require.NoError(t, f.EndDef())

	require.EqualValues(t, 0, f.NumRecords(v))
	// Writing the first element of frame 2 allocates frames 0 through 2.
	require.NoError(t, f.WriteBlock(ctx, v, 6, []float64{1.5}))
	require.EqualValues(t, 3, f.NumRecords(v))
	got, err := f.ReadBlock(ctx, v, 3, 6)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0, 0, 1.5, 0, 0}, got)
}

func TestSharedImage(t *testing.T) {
	ctx := context.Background()
	s := Memory()
	f0, err := s.Create(ctx, "shared.nc", false)
	require.NoError(t, err)
	_, err = s.Create(ctx, "shared.nc", true)
	require.True(t, errors.Is(errors.Exists, err), "create of open file: %v", err)
	f1, err := s.Open(ctx, "shared.nc", true)
	require.NoError(t, err)

	x, err := f0.DefDim("x", 2)
	require.NoError(t, err)
	v, err := f0.DefVar("v", dtype.Uint8, []int{x})
	require.NoError(t, err)
	require.NoError(t, f0.EndDef())
	require.Len(t, f1.Inq().Vars, 1)

	require.NoError(t, f0.WriteBlock(ctx, v, 0, []uint8{1}))
	require.NoError(t, f1.WriteBlock(ctx, v, 1, []uint8{2}))
	require.NoError(t, f0.Close(ctx))
	require.False(t, persisted(t, s, "shared.nc"))
	require.NoError(t, f1.Close(ctx))
	require.True(t, persisted(t, s, "shared.nc"))
	require.True(t, errors.Is(errors.Invalid, f1.Close(ctx)), "double close")

	_, err = s.Create(ctx, "shared.nc", false)
	require.True(t, errors.Is(errors.Exists, err), "no-clobber create: %v", err)

	r, err := s.Open(ctx, "shared.nc", false)
	require.NoError(t, err)
	got, err := r.ReadBlock(ctx, v, 0, 2)
	require.NoError(t, err)
	require.Equal(t, []uint8{1, 2}, got)
	err = r.WriteBlock(ctx, v, 0, []uint8{3})
	require.True(t, errors.Is(errors.NotAllowed, err), "write to read-only file: %v", err)
	err = r.Redef()
	require.True(t, errors.Is(errors.NotAllowed, err), "redef of read-only file: %v", err)
	require.NoError(t, r.Close(ctx))
}

func TestFilePersistence(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "backend")
	defer cleanup()

	s := Files(dir + "/")
	f, err := s.Create(ctx, "grid.nc", false)
	require.NoError(t, err)
	y, err := f.DefDim("y", 4)
	require.NoError(t, err)
	x, err := f.DefDim("x", 4)
	require.NoError(t, err)
	v, err := f.DefVar("grid", dtype.Int32, []int{y, x})
	require.NoError(t, err)
	w, err := f.DefVar("plain", dtype.Int64, []int{x})
	require.NoError(t, err)
	require.NoError(t, f.SetDeflate(v, true, 4))
	require.NoError(t, f.SetChunking(v, []int{2, 2}))
	require.NoError(t, f.SetEndian(v, Big))
	require.True(t, errors.Is(errors.Invalid, f.SetDeflate(v, false, 10)), "deflate level 10")
	require.True(t, errors.Is(errors.Invalid, f.SetChunking(v, []int{2})), "chunk rank")
	require.NoError(t, f.EndDef())

	vals := make([]int32, 16)
	for i := range vals {
		vals[i] = int32(i * i)
	}
	require.NoError(t, f.WriteBlock(ctx, v, 0, vals))
	require.NoError(t, f.WriteBlock(ctx, w, 0, []int64{-1, -2, -3, -4}))
	require.NoError(t, f.Sync(ctx))
	require.NoError(t, f.Close(ctx))

	// A fresh store sees only what was persisted.
	f, err = Files(dir+"/").Open(ctx, "grid.nc", false)
	require.NoError(t, err)
	meta := f.Inq()
	require.Equal(t, []Dim{{"y", 4}, {"x", 4}}, meta.Dims)
	require.Equal(t, "grid", meta.Vars[v].Name)
	require.True(t, meta.Vars[v].Shuffle)
	require.Equal(t, 4, meta.Vars[v].Deflate)
	require.Equal(t, []int{2, 2}, meta.Vars[v].Chunks)
	require.Equal(t, Big, meta.Vars[v].Endian)
	got, err := f.ReadBlock(ctx, v, 0, 16)
	require.NoError(t, err)
	require.Equal(t, vals, got)
	got, err = f.ReadBlock(ctx, w, 0, 4)
	require.NoError(t, err)
	require.Equal(t, []int64{-1, -2, -3, -4}, got)
	require.NoError(t, f.Close(ctx))

	_, err = Files(dir+"/").Open(ctx, "missing.nc", false)
	require.Error(t, err)
}

func TestSetEndianReencodes(t *testing.T) {
	ctx := context.Background()
	f, err := Memory().Create(ctx, "e.nc", false)
	require.NoError(t, err)
	x, err := f.DefDim("x", 2)
	require.NoError(t, err)
	v, err := f.DefVar("v", dtype.Uint16, []int{x})
	require.NoError(t, err)
	require.NoError(t, f.EndDef())
	require.NoError(t, f.WriteBlock(ctx, v, 0, []uint16{0x0102, 0x0304}))
	require.NoError(t, f.Redef())
	require.NoError(t, f.SetEndian(v, Big))
	require.NoError(t, f.EndDef())
	got, err := f.ReadBlock(ctx, v, 0, 2)
	require.NoError(t, err)
	require.Equal(t, []uint16{0x0102, 0x0304}, got)
	require.Equal(t, []byte{1, 2, 3, 4}, f.(*handle).img.data[v])
}

func TestIntegrity(t *testing.T) {
	ctx := context.Background()
	s := Memory()
	f, err := s.Create(ctx, "x.nc", false)
	require.NoError(t, err)
	x, err := f.DefDim("x", 8)
	require.NoError(t, err)
	_, err = f.DefVar("v", dtype.Float32, []int{x})
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))

	images := s.persist.(*memoryPersister).images
	p := images["x.nc"]
	p[len(p)/2] ^= 0xff
	_, err = s.Open(ctx, "x.nc", false)
	require.True(t, errors.Is(errors.Integrity, err), "tampered image: %v", err)

	images["x.nc"] = p[:10]
	_, err = s.Open(ctx, "x.nc", false)
	require.True(t, errors.Is(errors.Integrity, err), "truncated image: %v", err)
}

func TestSeparateStores(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "backend")
	defer cleanup()
	prefix := dir + "/"

	f, err := Files(prefix).Create(ctx, "boxes.nc", false)
	require.NoError(t, err)
	x, err := f.DefDim("x", 4)
	require.NoError(t, err)
	v, err := f.DefVar("v", dtype.Int32, []int{x})
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))

	// Two processes write disjoint boxes, each through its own store.
	a, err := Files(prefix).Open(ctx, "boxes.nc", true)
	require.NoError(t, err)
	b, err := Files(prefix).Open(ctx, "boxes.nc", true)
	require.NoError(t, err)
	require.NoError(t, a.WriteBlock(ctx, v, 0, []int32{10, 11}))
	require.NoError(t, b.WriteBlock(ctx, v, 2, []int32{12, 13}))
	// Saving again over one's own save is fine.
	require.NoError(t, a.Sync(ctx))
	require.NoError(t, a.WriteBlock(ctx, v, 1, []int32{21}))
	require.NoError(t, a.Close(ctx))
	err = b.Close(ctx)
	require.True(t, errors.Is(errors.Precondition, err), "save over a replaced image: %v", err)

	r, err := Files(prefix).Open(ctx, "boxes.nc", false)
	require.NoError(t, err)
	got, err := r.ReadBlock(ctx, v, 0, 4)
	require.NoError(t, err)
	require.Equal(t, []int32{10, 21, 0, 0}, got)
	require.NoError(t, r.Close(ctx))

	// A clobbering create through another store also loses the race.
	c, err := Files(prefix).Open(ctx, "boxes.nc", true)
	require.NoError(t, err)
	d, err := Files(prefix).Create(ctx, "boxes.nc", true)
	require.NoError(t, err)
	require.NoError(t, d.Close(ctx))
	require.NoError(t, c.WriteBlock(ctx, v, 0, []int32{1}))
	err = c.Close(ctx)
	require.True(t, errors.Is(errors.Precondition, err), "save over a recreated image: %v", err)
}

func persisted(t *testing.T, s *Store, path string) bool {
	t.Helper()
	st, err := s.persist.Stamp(context.Background(), path)
	require.NoError(t, err)
	return st.exists
}

func TestShuffle(t *testing.T) {
	p := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	q := shuffle(p, 4)
	require.Equal(t, []byte{1, 5, 2, 6, 3, 7, 4, 8}, q)
	require.True(t, bytes.Equal(p, unshuffle(q, 4)))
	require.Equal(t, p, shuffle(p, 1))
}
