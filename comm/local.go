// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/ctxsync"
	"golang.org/x/sync/errgroup"
)

// A World is an in-process group: each process is a goroutine
// holding one of the world's Comms. Collectives are matched by
// their sequence number on each process; processes that enter
// different operations at the same position abort the world.
//
// Once aborted, every collective in progress or entered later
// fails with the abort error.
type World struct {
	n int

	mu     sync.Mutex
	cond   *ctxsync.Cond
	rounds map[uint64]*round
	err    error
}

// A round is one collective operation in progress.
type round struct {
	op       string
	vals     []interface{}
	arrived  int
	departed int
}

// NewWorld returns a new world of n processes.
func NewWorld(n int) *World {
	if n <= 0 {
		panic("comm.NewWorld: n <= 0")
	}
	w := &World{n: n, rounds: make(map[uint64]*round)}
	w.cond = ctxsync.NewCond(&w.mu)
	return w
}

// Size returns the number of processes in the world.
func (w *World) Size() int { return w.n }

// Comm returns the Comm for the process with the provided rank. Each
// rank's Comm must be used by a single goroutine at a time.
func (w *World) Comm(rank int) Comm {
	if rank < 0 || rank >= w.n {
		panic(fmt.Sprintf("comm.World.Comm: rank %d out of range [0, %d)", rank, w.n))
	}
	return &local{world: w, rank: rank}
}

// Abort fails every pending and future collective in the world with
// the provided error. Only the first abort takes effect.
func (w *World) Abort(err error) {
	w.mu.Lock()
	w.abort(err)
	w.mu.Unlock()
}

// Err returns the error the world was aborted with, if any.
func (w *World) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// REQUIRES: w.mu is held.
func (w *World) abort(err error) {
	if w.err != nil {
		return
	}
	log.Error.Printf("comm: aborting world of %d processes: %v", w.n, err)
	w.err = err
	w.cond.Broadcast()
}

// Run runs fn on n processes of a new world, each in its own
// goroutine, and returns the first error. When a process returns an
// error, the world is aborted so that peers blocked in collectives
// return instead of waiting for it.
func Run(ctx context.Context, n int, fn func(ctx context.Context, c Comm) error) error {
	w := NewWorld(n)
	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < n; rank++ {
		rank := rank
		g.Go(func() error {
			err := fn(ctx, w.Comm(rank))
			if err != nil {
				w.Abort(errors.E(errors.Canceled, fmt.Sprintf("process %d failed", rank), err))
			}
			return err
		})
	}
	return g.Wait()
}

type local struct {
	world *World
	rank  int
	seq   uint64
}

func (c *local) Rank() int { return c.rank }
func (c *local) Size() int { return c.world.n }

func (c *local) Barrier(ctx context.Context) error {
	_, err := c.enter(ctx, "barrier", nil)
	return err
}

func (c *local) Bcast(ctx context.Context, root int, v interface{}) (interface{}, error) {
	if root < 0 || root >= c.world.n {
		return nil, c.fail(errors.E(errors.Invalid, fmt.Sprintf("comm: bcast root %d out of range", root)))
	}
	vals, err := c.enter(ctx, fmt.Sprintf("bcast(%d)", root), v)
	if err != nil {
		return nil, err
	}
	return vals[root], nil
}

func (c *local) Allgather(ctx context.Context, v interface{}) ([]interface{}, error) {
	vals, err := c.enter(ctx, "allgather", v)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(vals))
	copy(out, vals)
	return out, nil
}

func (c *local) Alltoallv(ctx context.Context, send []interface{}) ([]interface{}, error) {
	if len(send) != c.world.n {
		return nil, c.fail(errors.E(errors.Invalid,
			fmt.Sprintf("comm: alltoallv from rank %d: %d values for %d processes", c.rank, len(send), c.world.n)))
	}
	vals, err := c.enter(ctx, "alltoallv", send)
	if err != nil {
		return nil, err
	}
	recv := make([]interface{}, len(vals))
	for i, v := range vals {
		recv[i] = v.([]interface{})[c.rank]
	}
	return recv, nil
}

// fail aborts the world with err and returns it.
func (c *local) fail(err error) error {
	c.world.Abort(err)
	return err
}

// enter contributes v to the next collective of this process and
// waits for every process to contribute. It returns the values
// contributed, indexed by rank; the returned slice is shared by all
// processes and must not be modified.
func (c *local) enter(ctx context.Context, op string, v interface{}) ([]interface{}, error) {
	w := c.world
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	seq := c.seq
	c.seq++
	r := w.rounds[seq]
	if r == nil {
		r = &round{op: op, vals: make([]interface{}, w.n)}
		w.rounds[seq] = r
	}
	if r.op != op {
		w.abort(errors.E(errors.Invalid,
			fmt.Sprintf("comm: collective %d: rank %d entered %s while peers entered %s", seq, c.rank, op, r.op)))
		return nil, w.err
	}
	r.vals[c.rank] = v
	r.arrived++
	if r.arrived == w.n {
		w.cond.Broadcast()
	}
	for r.arrived < w.n && w.err == nil {
		if err := w.cond.Wait(ctx); err != nil {
			kind := errors.Canceled
			if err == context.DeadlineExceeded {
				kind = errors.Timeout
			}
			w.abort(errors.E(kind,
				fmt.Sprintf("comm: rank %d: %s (collective %d) did not complete: %d of %d processes arrived",
					c.rank, op, seq, r.arrived, w.n), err))
		}
	}
	if w.err != nil {
		return nil, w.err
	}
	r.departed++
	if r.departed == w.n {
		delete(w.rounds, seq)
	}
	return r.vals, nil
}
