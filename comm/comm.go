// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm defines the message-passing substrate used by pario:
// a group of cooperating processes, identified by rank, that
// exchange values through collective operations.
//
// Every method except Rank and Size is collective: it must be called
// by every process of the group, in the same order. A process that
// never enters a collective its peers are blocked in leaves them
// blocked until their contexts expire; implementations should then
// abort the whole group so that no process stays blocked.
package comm

import "context"

// Comm is a process's handle to its group.
type Comm interface {
	// Rank returns the rank of the calling process, 0 <= Rank() < Size().
	Rank() int
	// Size returns the number of processes in the group.
	Size() int

	// Barrier returns once every process has entered it.
	Barrier(ctx context.Context) error

	// Bcast returns root's value v on every process. Values of
	// non-root processes are ignored.
	Bcast(ctx context.Context, root int, v interface{}) (interface{}, error)

	// Allgather returns every process's value, indexed by rank.
	Allgather(ctx context.Context, v interface{}) ([]interface{}, error)

	// Alltoallv sends send[i] to process i, and returns the values
	// received, indexed by sender rank. The length of send must equal
	// Size. Values must not be modified after they are sent.
	Alltoallv(ctx context.Context, send []interface{}) ([]interface{}, error)
}

// Gather returns every process's value on root, and nil elsewhere.
func Gather(ctx context.Context, c Comm, root int, v interface{}) ([]interface{}, error) {
	send := make([]interface{}, c.Size())
	send[root] = v
	recv, err := c.Alltoallv(ctx, send)
	if err != nil || c.Rank() != root {
		return nil, err
	}
	return recv, nil
}
