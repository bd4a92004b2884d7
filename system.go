// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pario

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/pario/backend"
	"github.com/grailbio/pario/comm"
	"github.com/grailbio/pario/rearr"
	"github.com/grailbio/pario/stats"
)

// DefaultBackend is the backend used by systems that are not
// configured with one. It is shared by every system in the binary,
// so that the I/O processes of a group see the same files.
var DefaultBackend backend.Backend = backend.Memory()

// System is the I/O system of one process: the process's view of
// the compute group, the I/O processes within it, and the
// decompositions it has defined. A System is created by Init, which
// every process of the group must call with identical options, and
// is destroyed by Finalize.
//
// A System, and the files and decompositions it creates, must be
// used by a single goroutine at a time. Operations documented as
// collective must be called by every process in the same order.
type System struct {
	comm     comm.Comm
	nio      int
	stride   int
	base     int
	ioRanks  []int
	ioRank   int
	strategy rearr.Strategy
	backend  backend.Backend
	timeout  time.Duration
	stats    *stats.Map

	mu        sync.Mutex
	decomps   map[int]*Decomp
	nextID    int
	finalized bool
}

// An Option configures a System.
type Option func(s *System)

// IOProcs sets the number of I/O processes. The default is 1.
func IOProcs(n int) Option {
	return func(s *System) { s.nio = n }
}

// Stride sets the rank distance between consecutive I/O processes.
// The default is 1.
func Stride(stride int) Option {
	return func(s *System) { s.stride = stride }
}

// Base sets the rank of the first I/O process. The default is 0.
func Base(base int) Option {
	return func(s *System) { s.base = base }
}

// Rearranger sets the default rearranger strategy of the system's
// decompositions. The default is rearr.Box.
func Rearranger(strategy rearr.Strategy) Option {
	return func(s *System) { s.strategy = strategy }
}

// Backend sets the storage backend used by I/O processes. It
// defaults to DefaultBackend. All processes of a system must be
// given the same backend value: files are shared among I/O processes
// through it, and a backend.Store refuses to persist a file that
// another store has replaced.
func Backend(b backend.Backend) Option {
	return func(s *System) { s.backend = b }
}

// Timeout bounds the time spent in each collective operation. When a
// collective does not complete in time, the group is aborted and
// every process fails. Zero, the default, waits indefinitely.
func Timeout(d time.Duration) Option {
	return func(s *System) { s.timeout = d }
}

// topology is exchanged by Init to check that all processes agree.
type topology struct {
	NIO, Stride, Base int
	Strategy          rearr.Strategy
}

// Init creates the I/O system of the calling process over
// communicator c. Every process of c is a compute process; the I/O
// processes are the NumIO processes of rank Base, Base+Stride, ...
//
// Init is collective. It fails with InvalidTopology when the I/O
// group does not fit in c, or when processes disagree on it.
func Init(ctx context.Context, c comm.Comm, opts ...Option) (*System, error) {
	s := &System{
		comm:     c,
		nio:      1,
		stride:   1,
		strategy: rearr.Box,
		backend:  DefaultBackend,
		stats:    stats.NewMap(),
		decomps:  make(map[int]*Decomp),
	}
	for _, opt := range opts {
		opt(s)
	}
	total := c.Size()
	switch {
	case s.nio < 1 || s.nio > total:
		return nil, newError(InvalidTopology, fmt.Sprintf("%d I/O processes for %d processes", s.nio, total))
	case s.stride < 1:
		return nil, newError(InvalidTopology, fmt.Sprintf("stride %d", s.stride))
	case s.base < 0 || s.base+(s.nio-1)*s.stride >= total:
		return nil, newError(InvalidTopology,
			fmt.Sprintf("%d I/O processes at base %d, stride %d do not fit in %d processes", s.nio, s.base, s.stride, total))
	}
	if _, err := rearr.New(s.strategy); err != nil {
		return nil, newError(InvalidTopology, err)
	}
	if s.backend == nil {
		return nil, newError(InvalidTopology, "nil backend")
	}
	s.ioRanks = make([]int, s.nio)
	s.ioRank = -1
	for i := range s.ioRanks {
		s.ioRanks[i] = s.base + i*s.stride
		if s.ioRanks[i] == c.Rank() {
			s.ioRank = i
		}
	}

	ctx, cancel := s.collective(ctx)
	defer cancel()
	mine := topology{s.nio, s.stride, s.base, s.strategy}
	all, err := c.Allgather(ctx, mine)
	if err != nil {
		return nil, err
	}
	for rank, t := range all {
		if t.(topology) != mine {
			return nil, newError(InvalidTopology,
				fmt.Sprintf("rank %d configured %+v, rank %d configured %+v", c.Rank(), mine, rank, t))
		}
	}
	if c.Rank() == 0 {
		log.Printf("pario: initialized %d processes, %d I/O processes %v, %v rearranger",
			total, s.nio, s.ioRanks, s.strategy)
	}
	return s, nil
}

// Finalize destroys the I/O system. It fails with
// OutstandingDecompositions if any decomposition defined by the
// system has not been freed, and with InvalidHandle if the system is
// already finalized. Finalize is collective.
func (s *System) Finalize(ctx context.Context) error {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return newError(InvalidHandle, "system is finalized")
	}
	if len(s.decomps) > 0 {
		ids := make([]int, 0, len(s.decomps))
		for id := range s.decomps {
			ids = append(ids, id)
		}
		s.mu.Unlock()
		sort.Ints(ids)
		return newError(OutstandingDecompositions, fmt.Sprintf("decompositions %v are not freed", ids))
	}
	s.finalized = true
	s.mu.Unlock()

	ctx, cancel := s.collective(ctx)
	defer cancel()
	if err := s.comm.Barrier(ctx); err != nil {
		return err
	}
	if s.comm.Rank() == 0 {
		log.Debug.Printf("pario: finalized: %v", s.stats.Snapshot())
	}
	return nil
}

// IsIOProcess tells whether the calling process is an I/O process.
func (s *System) IsIOProcess() bool { return s.ioRank >= 0 }

// IORank returns the rank of the calling process among the I/O
// processes, or -1 if it is not one.
func (s *System) IORank() int { return s.ioRank }

// ComputeRank returns the rank of the calling process in the compute
// group.
func (s *System) ComputeRank() int { return s.comm.Rank() }

// NumIO returns the number of I/O processes.
func (s *System) NumIO() int { return s.nio }

// NumCompute returns the number of compute processes.
func (s *System) NumCompute() int { return s.comm.Size() }

// Stride returns the rank distance between I/O processes.
func (s *System) Stride() int { return s.stride }

// Base returns the rank of the first I/O process.
func (s *System) Base() int { return s.base }

// AggregationFactor returns the number of compute processes per I/O
// process, rounded up.
func (s *System) AggregationFactor() int {
	return (s.comm.Size() + s.nio - 1) / s.nio
}

// IORanks returns the compute ranks of the I/O processes, in I/O
// rank order.
func (s *System) IORanks() []int {
	return append([]int(nil), s.ioRanks...)
}

// Stats returns the calling process's traffic counters.
func (s *System) Stats() *stats.Map { return s.stats }

func (s *System) group() rearr.Group {
	return rearr.Group{IORanks: s.ioRanks}
}

// ioRoot returns the compute rank of the first I/O process.
func (s *System) ioRoot() int { return s.ioRanks[0] }

// check returns an error if the system has been finalized.
func (s *System) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return newError(InvalidHandle, "system is finalized")
	}
	return nil
}

// collective returns the context for a collective operation,
// bounded by the system's timeout.
func (s *System) collective(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

// syncErr exchanges the local result err of an operation with every
// process and returns the error of the lowest failing rank, so that
// all processes fail alike. Errors that are not pario errors are
// returned with the provided code.
func (s *System) syncErr(ctx context.Context, code Code, err error) error {
	errs, cerr := s.comm.Allgather(ctx, asError(code, err))
	if cerr != nil {
		return cerr
	}
	for rank, e := range errs {
		if e == nil {
			continue
		}
		if rank != s.comm.Rank() {
			log.Debug.Printf("pario: rank %d: rank %d failed: %v", s.comm.Rank(), rank, e)
		}
		return e.(error)
	}
	return nil
}
