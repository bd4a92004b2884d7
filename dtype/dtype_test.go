// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dtype

import (
	"encoding/binary"
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/assert"
)

func TestTypes(t *testing.T) {
	for typ := Int8; typ < numTypes; typ++ {
		buf := Make(typ, 3)
		got, ok := Of(buf)
		if !ok || got != typ {
			t.Errorf("%v: got %v, %v", typ, got, ok)
		}
		if got, want := Len(buf), 3; got != want {
			t.Errorf("%v: got %v, want %v", typ, got, want)
		}
		parsed, err := Parse(typ.String())
		assert.NoError(t, err)
		assert.EQ(t, parsed, typ)
	}
	if _, ok := Of([]string{"x"}); ok {
		t.Error("strings are not an element type")
	}
	if _, ok := Of(nil); ok {
		t.Error("nil is not a buffer")
	}
	if _, err := Parse("complex128"); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if got, want := Float64.Size(), 8; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := Invalid.Size(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestGatherScatter(t *testing.T) {
	for _, typ := range []Type{Int16, Int32, Uint64, Float64} {
		src := Make(typ, 5)
		sv := reflect.ValueOf(src)
		for i := 0; i < 5; i++ {
			sv.Index(i).Set(reflect.ValueOf(i * 10).Convert(typ.GoType()))
		}
		idx := []int{4, 0, 2}
		dst := Make(typ, len(idx))
		Gather(dst, src, idx)
		dv := reflect.ValueOf(dst)
		for i, j := range idx {
			if got, want := dv.Index(i).Interface(), sv.Index(j).Interface(); got != want {
				t.Errorf("%v: gather[%d]: got %v, want %v", typ, i, got, want)
			}
		}
		back := Make(typ, 5)
		Scatter(back, dst, idx)
		bv := reflect.ValueOf(back)
		for _, j := range idx {
			if got, want := bv.Index(j).Interface(), sv.Index(j).Interface(); got != want {
				t.Errorf("%v: scatter[%d]: got %v, want %v", typ, j, got, want)
			}
		}
	}
}

func TestScatterLastWins(t *testing.T) {
	dst := make([]int32, 2)
	Scatter(dst, []int32{1, 2, 3}, []int{1, 1, 0})
	assert.EQ(t, dst, []int32{3, 2})
}

func TestFill(t *testing.T) {
	buf := make([]float32, 4)
	assert.NoError(t, Fill(buf, -1))
	assert.EQ(t, buf, []float32{-1, -1, -1, -1})
	if err := Fill(buf, "x"); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestCodec(t *testing.T) {
	fz := fuzz.New()
	fz.NilChance(0)
	fz.NumElements(100, 1000)
	var (
		i16 []int16
		f64 []float64
		u32 []uint32
	)
	fz.Fuzz(&i16)
	fz.Fuzz(&f64)
	fz.Fuzz(&u32)
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		for _, buf := range []interface{}{i16, f64, u32} {
			typ, _ := Of(buf)
			p := Encode(order, buf)
			if got, want := len(p), Len(buf)*typ.Size(); got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			dec, err := Decode(order, typ, p)
			assert.NoError(t, err)
			// NaNs from the fuzzer do not compare equal, so compare encodings.
			if got, want := Encode(order, dec), p; string(got) != string(want) {
				t.Errorf("%v %v: codec mismatch", order, typ)
			}
		}
	}
	if _, err := Decode(binary.LittleEndian, Int32, []byte{1, 2, 3}); !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want integrity", err)
	}
}

func TestByteOrder(t *testing.T) {
	assert.EQ(t, Encode(binary.BigEndian, []int32{1}), []byte{0, 0, 0, 1})
	assert.EQ(t, Encode(binary.LittleEndian, []int32{1}), []byte{1, 0, 0, 0})
}
