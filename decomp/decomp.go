// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package decomp describes how a global array is decomposed over
// processes. Each process holds an index map: the global flat offset
// (in row-major order) of each of its local elements.
package decomp

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pario/dtype"
)

// Unlimited is the extent of a record dimension. Only the slowest
// varying (first) dimension may be unlimited.
const Unlimited = -1

// Shape is the list of per-dimension extents of an array, slowest
// varying first.
type Shape []int

// Record tells whether the shape has a record dimension.
func (s Shape) Record() bool { return len(s) > 0 && s[0] == Unlimited }

// Frame returns the shape of a single record: the shape without its
// record dimension, if any.
func (s Shape) Frame() Shape {
	if s.Record() {
		return s[1:]
	}
	return s
}

// Size returns the number of elements in one frame of the shape.
func (s Shape) Size() int64 {
	n := int64(1)
	for _, d := range s.Frame() {
		n *= int64(d)
	}
	return n
}

// Validate checks that the shape is well-formed: it has at least one
// non-record dimension, all extents are positive, and its frame size
// is representable.
func (s Shape) Validate() error {
	if len(s.Frame()) == 0 {
		return errors.E(errors.Invalid, "decomp: shape has no dimensions")
	}
	n := int64(1)
	for i, d := range s {
		if i == 0 && d == Unlimited {
			continue
		}
		if d <= 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("decomp: dimension %d of %v has extent %d", i, s, d))
		}
		if n > math.MaxInt64/int64(d) {
			return errors.E(errors.Invalid, fmt.Sprintf("decomp: shape %v overflows", s))
		}
		n *= int64(d)
	}
	return nil
}

// String returns the shape as a list of extents, where a record
// dimension is printed as "*".
func (s Shape) String() string {
	b := make([]byte, 0, 4*len(s))
	b = append(b, '[')
	for i, d := range s {
		if i > 0 {
			b = append(b, ' ')
		}
		if d == Unlimited {
			b = append(b, '*')
		} else {
			b = strconv.AppendInt(b, int64(d), 10)
		}
	}
	return string(append(b, ']'))
}

// Map is a process's index map: entry i is the global flat offset of
// local element i.
type Map []int64

// Desc is a validated decomposition as seen by one process. Descs
// are immutable.
type Desc struct {
	// Type is the element type of the decomposed array.
	Type dtype.Type
	// Shape is the shape of one frame of the global array.
	Shape Shape
	// Record tells whether the decomposition was defined over a shape
	// with a record dimension.
	Record bool
	// Map is this process's index map. It is owned by the Desc.
	Map Map
}

// New validates and returns a decomposition of an array of the
// provided type and shape, where this process holds the elements
// named by m. The map is copied. Errors are of kind errors.Invalid.
func New(typ dtype.Type, shape Shape, m Map) (*Desc, error) {
	if !typ.Valid() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("decomp: invalid element type %v", typ))
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	size := shape.Size()
	for i, off := range m {
		if off < 0 || off >= size {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("decomp: map entry %d: offset %d outside [0, %d)", i, off, size))
		}
	}
	d := &Desc{
		Type:   typ,
		Shape:  append(Shape(nil), shape.Frame()...),
		Record: shape.Record(),
		Map:    append(Map(nil), m...),
	}
	return d, nil
}

// Len returns the number of local elements.
func (d *Desc) Len() int { return len(d.Map) }

// Size returns the number of elements in one frame of the global
// array.
func (d *Desc) Size() int64 { return d.Shape.Size() }

// A Box is a contiguous range [Start, Start+Len) of global flat
// offsets.
type Box struct {
	Start, Len int64
}

// End returns the first offset past the box.
func (b Box) End() int64 { return b.Start + b.Len }

// Boxes partitions a frame of the provided shape into n contiguous
// boxes, one per I/O process. The boxes depend only on the shape and
// n. The smallest leading group of dimensions whose product reaches
// n is split into near-equal ranges of whole sub-arrays, so that
// boxes are rectangular where the shape allows. Boxes are empty when
// the frame has fewer elements than n.
func Boxes(shape Shape, n int) []Box {
	if n <= 0 {
		panic("decomp.Boxes: n <= 0")
	}
	dims := shape.Frame()
	var (
		units = int64(1)
		k     int
	)
	for k < len(dims) && units < int64(n) {
		units *= int64(dims[k])
		k++
	}
	unit := int64(1)
	for _, d := range dims[k:] {
		unit *= int64(d)
	}
	// Box i starts at unit floor(units*i/n), computed without
	// overflowing: i*r < n*n.
	q, r := units/int64(n), units%int64(n)
	start := func(i int64) int64 { return i*q + i*r/int64(n) }
	boxes := make([]Box, n)
	for i := range boxes {
		lo, hi := start(int64(i)), start(int64(i+1))
		boxes[i] = Box{Start: lo * unit, Len: (hi - lo) * unit}
	}
	return boxes
}

// Owner returns the index of the box containing offset off. The
// boxes must be those returned by Boxes.
func Owner(boxes []Box, off int64) int {
	return sort.Search(len(boxes), func(i int) bool { return boxes[i].End() > off })
}
