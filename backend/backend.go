// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package backend defines the storage backend consumed by pario's
// I/O processes, and provides Store, a backend whose files are
// in-memory images shared by every process that opens them,
// persisted either in memory or through package
// github.com/grailbio/base/file.
//
// Files hold dimensions and variables in the manner of netCDF: a
// variable is a typed array over a list of dimensions, of which the
// first may be unlimited (the record dimension). Variable data are
// addressed by flat element offset in row-major order; records of a
// record variable follow each other.
package backend

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/grailbio/pario/decomp"
	"github.com/grailbio/pario/dtype"
)

// Endian is the byte order in which a variable is stored.
type Endian int

const (
	// Native stores a variable in the backend's default (little
	// endian) byte order.
	Native Endian = iota
	// Little stores a variable little endian.
	Little
	// Big stores a variable big endian.
	Big
)

// ByteOrder returns the byte order for e.
func (e Endian) ByteOrder() binary.ByteOrder {
	if e == Big {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (e Endian) String() string {
	switch e {
	case Native:
		return "native"
	case Little:
		return "little"
	case Big:
		return "big"
	default:
		return fmt.Sprintf("Endian(%d)", int(e))
	}
}

// Dim is a file dimension. Len is decomp.Unlimited for the record
// dimension.
type Dim struct {
	Name string
	Len  int
}

// Var describes a file variable, including the storage settings that
// the backend interprets on its own.
type Var struct {
	Name string
	Type dtype.Type
	// Dims holds the ids of the variable's dimensions.
	Dims []int
	// Shuffle and Deflate are the compression settings; a Deflate
	// level of zero stores the variable uncompressed.
	Shuffle bool
	Deflate int
	// Chunks is the chunk shape, if any. Stores record it but do not
	// change the data layout.
	Chunks []int
	Endian Endian
}

// Meta is a file's metadata.
type Meta struct {
	Dims []Dim
	Vars []Var
}

// Shape returns the shape of variable v.
func (m Meta) Shape(v int) decomp.Shape {
	shape := make(decomp.Shape, len(m.Vars[v].Dims))
	for i, d := range m.Vars[v].Dims {
		shape[i] = m.Dims[d].Len
	}
	return shape
}

// Backend creates and opens files.
type Backend interface {
	// Create creates a file at path, in define mode. If clobber is
	// false, Create fails with errors.Exists when the file exists.
	Create(ctx context.Context, path string, clobber bool) (File, error)
	// Open opens the file at path in data mode. Files opened without
	// write cannot be modified.
	Open(ctx context.Context, path string, write bool) (File, error)
}

// File is an open backend file. Its methods are safe for concurrent
// use by the processes sharing it.
type File interface {
	// DefDim defines a dimension and returns its id.
	DefDim(name string, n int) (int, error)
	// DefVar defines a variable over the provided dimension ids and
	// returns its id.
	DefVar(name string, typ dtype.Type, dims []int) (int, error)
	// SetDeflate sets the compression settings of variable v.
	SetDeflate(v int, shuffle bool, level int) error
	// SetChunking sets the chunk shape of variable v.
	SetChunking(v int, chunks []int) error
	// SetEndian sets the storage byte order of variable v.
	SetEndian(v int, e Endian) error
	// EndDef leaves define mode.
	EndDef() error
	// Redef re-enters define mode.
	Redef() error
	// Inq returns the file's metadata.
	Inq() Meta

	// WriteBlock writes data, a buffer of the variable's type, at
	// element offset off of variable v.
	WriteBlock(ctx context.Context, v int, off int64, data interface{}) error
	// ReadBlock reads n elements at element offset off of variable v.
	// It returns fewer than n elements when the variable ends first.
	ReadBlock(ctx context.Context, v int, off int64, n int) (interface{}, error)
	// NumRecords returns the number of records written to variable v.
	// It returns 0 for variables without a record dimension.
	NumRecords(v int) int64

	// Sync persists the file's contents.
	Sync(ctx context.Context) error
	// Close closes this handle. When the last handle of a file is
	// closed, the file is persisted.
	Close(ctx context.Context) error
}
