// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pario

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Code classifies the errors returned by pario operations.
type Code int

const (
	// InvalidDecomposition indicates a malformed decomposition: a bad
	// shape, an index map entry outside the array, an invalid element
	// type or strategy.
	InvalidDecomposition Code = iota + 1
	// InvalidHandle indicates use of a freed decomposition, a
	// finalized system, a closed file, or an unknown variable.
	InvalidHandle
	// InvalidTopology indicates an I/O group that does not fit the
	// compute group.
	InvalidTopology
	// ShapeMismatch indicates a buffer or decomposition that does not
	// match the variable it is used with.
	ShapeMismatch
	// MissingFrame indicates a record variable accessed without a
	// current frame, or an invalid frame.
	MissingFrame
	// BackendIOError indicates a failure of the storage backend.
	BackendIOError
	// ShortRead indicates that the backend returned fewer elements
	// than requested.
	ShortRead
	// OutstandingDecompositions indicates a Finalize while
	// decompositions are still live.
	OutstandingDecompositions
	// InvalidArgument indicates a bad argument to a file definition
	// call: a duplicate name, a bad extent or compression setting.
	InvalidArgument
)

var codeNames = map[Code]string{
	InvalidDecomposition:      "invalid decomposition",
	InvalidHandle:             "invalid handle",
	InvalidTopology:           "invalid topology",
	ShapeMismatch:             "shape mismatch",
	MissingFrame:              "missing frame",
	BackendIOError:            "backend I/O error",
	ShortRead:                 "short read",
	OutstandingDecompositions: "outstanding decompositions",
	InvalidArgument:           "invalid argument",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is the error type returned by pario operations. Err carries
// the underlying error, whose kind (as defined by package
// github.com/grailbio/base/errors) is consistent with the code.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "pario: " + e.Code.String()
	}
	return fmt.Sprintf("pario: %s: %v", e.Code, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is tells whether err is a pario error with the provided code.
func Is(code Code, err error) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}

var codeKinds = map[Code]errors.Kind{
	InvalidDecomposition:      errors.Invalid,
	InvalidHandle:             errors.NotExist,
	InvalidTopology:           errors.Invalid,
	ShapeMismatch:             errors.Invalid,
	MissingFrame:              errors.Precondition,
	BackendIOError:            errors.Other,
	ShortRead:                 errors.Integrity,
	OutstandingDecompositions: errors.Precondition,
	InvalidArgument:           errors.Invalid,
}

// newError returns an error with the provided code. The arguments
// are interpreted as by errors.E; the code's kind is used unless
// another is provided.
func newError(code Code, args ...interface{}) *Error {
	hasKind := false
	for _, arg := range args {
		if _, ok := arg.(errors.Kind); ok {
			hasKind = true
		}
	}
	if !hasKind && codeKinds[code] != errors.Other {
		args = append([]interface{}{codeKinds[code]}, args...)
	}
	return &Error{Code: code, Err: errors.E(args...)}
}

// asError returns err as a pario error, wrapping it with the
// provided code if it is not one already.
func asError(code Code, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	return &Error{Code: code, Err: err}
}
