// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dtype defines the element types of distributed arrays and
// the typed buffer operations used to move them: buffers are always
// Go slices of the element type, passed as empty interfaces.
package dtype

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/grailbio/base/errors"
)

// Type is an element type tag.
type Type int

const (
	// Invalid is the zero Type.
	Invalid Type = iota
	Int8
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Float32
	Float64

	numTypes
)

var (
	names = [numTypes]string{
		Invalid: "invalid",
		Int8:    "int8",
		Uint8:   "uint8",
		Int16:   "int16",
		Uint16:  "uint16",
		Int32:   "int32",
		Uint32:  "uint32",
		Int64:   "int64",
		Uint64:  "uint64",
		Float32: "float32",
		Float64: "float64",
	}
	goTypes = [numTypes]reflect.Type{
		Int8:    reflect.TypeOf(int8(0)),
		Uint8:   reflect.TypeOf(uint8(0)),
		Int16:   reflect.TypeOf(int16(0)),
		Uint16:  reflect.TypeOf(uint16(0)),
		Int32:   reflect.TypeOf(int32(0)),
		Uint32:  reflect.TypeOf(uint32(0)),
		Int64:   reflect.TypeOf(int64(0)),
		Uint64:  reflect.TypeOf(uint64(0)),
		Float32: reflect.TypeOf(float32(0)),
		Float64: reflect.TypeOf(float64(0)),
	}
	byElem = map[reflect.Type]Type{}
)

func init() {
	for t := Int8; t < numTypes; t++ {
		byElem[goTypes[t]] = t
	}
}

// Valid tells whether t names a supported element type.
func (t Type) Valid() bool { return t > Invalid && t < numTypes }

// String returns the type's name.
func (t Type) String() string {
	if t < 0 || t >= numTypes {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return names[t]
}

// Size returns the encoded size of one element, in bytes.
func (t Type) Size() int {
	if !t.Valid() {
		return 0
	}
	return int(goTypes[t].Size())
}

// GoType returns the Go element type for t.
func (t Type) GoType() reflect.Type {
	if !t.Valid() {
		return nil
	}
	return goTypes[t]
}

// Parse returns the Type with the provided name.
func Parse(name string) (Type, error) {
	for t := Int8; t < numTypes; t++ {
		if names[t] == name {
			return t, nil
		}
	}
	return Invalid, errors.E(errors.Invalid, fmt.Sprintf("dtype: unknown type %q", name))
}

// Of returns the element type of buf, which must be a slice of a
// supported element type.
func Of(buf interface{}) (Type, bool) {
	typ := reflect.TypeOf(buf)
	if typ == nil || typ.Kind() != reflect.Slice {
		return Invalid, false
	}
	t, ok := byElem[typ.Elem()]
	return t, ok
}

// Make returns a new zeroed buffer of n elements of type t.
func Make(t Type, n int) interface{} {
	switch t {
	case Int32:
		return make([]int32, n)
	case Int64:
		return make([]int64, n)
	case Float32:
		return make([]float32, n)
	case Float64:
		return make([]float64, n)
	}
	if !t.Valid() {
		panic(fmt.Sprintf("dtype.Make: invalid type %v", t))
	}
	return reflect.MakeSlice(reflect.SliceOf(goTypes[t]), n, n).Interface()
}

// Len returns the number of elements in buf.
func Len(buf interface{}) int {
	switch b := buf.(type) {
	case nil:
		return 0
	case []int32:
		return len(b)
	case []int64:
		return len(b)
	case []float32:
		return len(b)
	case []float64:
		return len(b)
	}
	return reflect.ValueOf(buf).Len()
}

// Slice returns buf[i:j].
func Slice(buf interface{}, i, j int) interface{} {
	switch b := buf.(type) {
	case []int32:
		return b[i:j]
	case []int64:
		return b[i:j]
	case []float32:
		return b[i:j]
	case []float64:
		return b[i:j]
	}
	return reflect.ValueOf(buf).Slice(i, j).Interface()
}

// Index returns buf[i].
func Index(buf interface{}, i int) interface{} {
	return reflect.ValueOf(buf).Index(i).Interface()
}

// Copy copies src into dst and returns the number of elements
// copied. Both buffers must have the same element type.
func Copy(dst, src interface{}) int {
	return reflect.Copy(reflect.ValueOf(dst), reflect.ValueOf(src))
}

// Gather sets dst[i] = src[idx[i]] for every i in idx. dst must hold
// at least len(idx) elements.
func Gather(dst, src interface{}, idx []int) {
	switch d := dst.(type) {
	case []int32:
		s := src.([]int32)
		for i, j := range idx {
			d[i] = s[j]
		}
		return
	case []int64:
		s := src.([]int64)
		for i, j := range idx {
			d[i] = s[j]
		}
		return
	case []float32:
		s := src.([]float32)
		for i, j := range idx {
			d[i] = s[j]
		}
		return
	case []float64:
		s := src.([]float64)
		for i, j := range idx {
			d[i] = s[j]
		}
		return
	}
	dv, sv := reflect.ValueOf(dst), reflect.ValueOf(src)
	for i, j := range idx {
		dv.Index(i).Set(sv.Index(j))
	}
}

// Scatter sets dst[idx[i]] = src[i] for every i in idx. When idx
// names a position more than once, the last assignment wins.
func Scatter(dst, src interface{}, idx []int) {
	switch d := dst.(type) {
	case []int32:
		s := src.([]int32)
		for i, j := range idx {
			d[j] = s[i]
		}
		return
	case []int64:
		s := src.([]int64)
		for i, j := range idx {
			d[j] = s[i]
		}
		return
	case []float32:
		s := src.([]float32)
		for i, j := range idx {
			d[j] = s[i]
		}
		return
	case []float64:
		s := src.([]float64)
		for i, j := range idx {
			d[j] = s[i]
		}
		return
	}
	dv, sv := reflect.ValueOf(dst), reflect.ValueOf(src)
	for i, j := range idx {
		dv.Index(j).Set(sv.Index(i))
	}
}

// Fill sets every element of buf to v, which must be a value of
// buf's element type, or a numeric value convertible to it.
func Fill(buf interface{}, v interface{}) error {
	bv := reflect.ValueOf(buf)
	val := reflect.ValueOf(v)
	elem := bv.Type().Elem()
	if !val.Type().ConvertibleTo(elem) {
		return errors.E(errors.Invalid, fmt.Sprintf("dtype: cannot fill %v buffer with %T", elem, v))
	}
	val = val.Convert(elem)
	for i := 0; i < bv.Len(); i++ {
		bv.Index(i).Set(val)
	}
	return nil
}

// Encode returns the binary encoding of buf in the provided byte
// order.
func Encode(order binary.ByteOrder, buf interface{}) []byte {
	t, ok := Of(buf)
	if !ok {
		panic(fmt.Sprintf("dtype.Encode: unsupported buffer %T", buf))
	}
	var b bytes.Buffer
	b.Grow(Len(buf) * t.Size())
	// Writes to a bytes.Buffer of fixed-size values do not fail.
	_ = binary.Write(&b, order, buf)
	return b.Bytes()
}

// Decode decodes a buffer of type t from p, which must hold a whole
// number of elements.
func Decode(order binary.ByteOrder, t Type, p []byte) (interface{}, error) {
	if !t.Valid() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("dtype: decode invalid type %v", t))
	}
	if len(p)%t.Size() != 0 {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("dtype: %d bytes is not a whole number of %v elements", len(p), t))
	}
	buf := Make(t, len(p)/t.Size())
	if err := binary.Read(bytes.NewReader(p), order, buf); err != nil {
		return nil, errors.E(errors.Integrity, "dtype: decode", err)
	}
	return buf, nil
}
