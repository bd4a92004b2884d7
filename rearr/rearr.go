// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rearr implements rearrangers: the components that move a
// decomposed array between its compute layout (each process holds
// the elements named by its index map) and its I/O layout (each I/O
// process holds the elements of the region it reads and writes).
//
// A rearranger first builds a Plan from a decomposition. Building is
// collective and exchanges counts and offsets once; the plan is then
// replayed by Forward (compute to I/O) and Backward (I/O to compute),
// which each perform a single data exchange.
//
// Two strategies are provided. Box assigns each I/O process a
// contiguous box of the array computed from the array's shape alone.
// Subset assigns offsets to I/O processes by hashing chunks of
// offsets, and makes no contiguity assumption.
package rearr

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/pario/comm"
	"github.com/grailbio/pario/decomp"
	"github.com/grailbio/pario/dtype"
)

// Strategy names a rearranger strategy.
type Strategy int

const (
	// Box is the box rearranger strategy.
	Box Strategy = iota + 1
	// Subset is the subset rearranger strategy.
	Subset
)

// String returns the strategy's name.
func (s Strategy) String() string {
	switch s {
	case Box:
		return "box"
	case Subset:
		return "subset"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy returns the strategy with the provided name.
func ParseStrategy(name string) (Strategy, error) {
	for _, s := range []Strategy{Box, Subset} {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("rearr: unknown strategy %q", name))
}

// Group identifies the I/O processes of a communicator.
type Group struct {
	// IORanks holds the communicator rank of each I/O process, in I/O
	// rank order.
	IORanks []int
}

// NumIO returns the number of I/O processes.
func (g Group) NumIO() int { return len(g.IORanks) }

// IOIndex returns the I/O rank of the process with the provided
// communicator rank, or -1 if it is not an I/O process.
func (g Group) IOIndex(rank int) int {
	for i, r := range g.IORanks {
		if r == rank {
			return i
		}
	}
	return -1
}

// A Run is a contiguous range of global offsets held by an I/O
// process: the global offsets [Start, Start+Len) are stored at
// positions [Pos, Pos+Len) of its aggregated buffer.
type Run struct {
	Start int64
	Pos   int
	Len   int
}

// Plan is a communication schedule for one decomposition on one
// process. Plans are read-only once built.
type Plan struct {
	// Strategy is the strategy that built the plan.
	Strategy Strategy
	// Type is the element type of the decomposition.
	Type dtype.Type
	// Rank is the communicator rank of the process.
	Rank int
	// Group holds the I/O processes the plan was built for.
	Group Group
	// LocalLen is the length of the process's local buffer.
	LocalLen int
	// Send holds, for each I/O process, the local buffer positions of
	// the elements it owns, in index map order.
	Send [][]int
	// Recv holds, on I/O processes, the aggregated buffer positions of
	// the elements received from each communicator rank, in the
	// sender's index map order. It is nil on other processes.
	Recv [][]int
	// Len is the length of the aggregated buffer; zero on processes
	// that are not I/O processes.
	Len int
	// Runs describes the region held by the aggregated buffer.
	Runs []Run
	// Fill, if not nil, is the value of aggregated buffer positions
	// that no process contributes.
	Fill interface{}
}

// IsIO tells whether the plan's process is an I/O process.
func (p *Plan) IsIO() bool { return p.Recv != nil }

// NumSend returns the number of elements the process sends to I/O
// processes on each call.
func (p *Plan) NumSend() int {
	var n int
	for _, s := range p.Send {
		n += len(s)
	}
	return n
}

// NumRecv returns the number of elements the process receives from
// compute processes on each call.
func (p *Plan) NumRecv() int {
	var n int
	for _, r := range p.Recv {
		n += len(r)
	}
	return n
}

// Equal tells whether plans p and q schedule identical exchanges.
func (p *Plan) Equal(q *Plan) bool {
	return p.Strategy == q.Strategy &&
		p.Type == q.Type &&
		p.Rank == q.Rank &&
		p.LocalLen == q.LocalLen &&
		p.Len == q.Len &&
		reflect.DeepEqual(p.Group, q.Group) &&
		reflect.DeepEqual(p.Send, q.Send) &&
		reflect.DeepEqual(p.Recv, q.Recv) &&
		reflect.DeepEqual(p.Runs, q.Runs)
}

// A Rearranger builds and executes plans. All methods are
// collective over the communicator.
type Rearranger interface {
	// Strategy returns the rearranger's strategy.
	Strategy() Strategy
	// Build computes the plan for decomposition d.
	Build(ctx context.Context, c comm.Comm, g Group, d *decomp.Desc) (*Plan, error)
	// Forward moves local, which is indexed as the decomposition's
	// index map, to the I/O processes. It returns the aggregated
	// buffer on I/O processes and nil elsewhere.
	Forward(ctx context.Context, c comm.Comm, p *Plan, local interface{}) (interface{}, error)
	// Backward moves the aggregated buffer agg of each I/O process to
	// the compute processes, filling local. Agg is ignored on
	// processes that are not I/O processes.
	Backward(ctx context.Context, c comm.Comm, p *Plan, agg, local interface{}) error
}

// New returns the rearranger for the provided strategy.
func New(s Strategy) (Rearranger, error) {
	switch s {
	case Box:
		return boxRearranger{}, nil
	case Subset:
		return subsetRearranger{}, nil
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("rearr: unknown strategy %v", s))
	}
}

// A layout assigns global offsets to I/O processes and lays out the
// aggregated buffers of I/O processes.
type layout interface {
	// Owner returns the I/O rank owning offset off.
	Owner(off int64) int
	// Region lays out the aggregated buffer of I/O process io from the
	// offsets received from each communicator rank. It returns the
	// buffer length, the buffer position of each received offset, and
	// the buffer's runs.
	Region(io int, offs [][]int64) (n int, pos [][]int, runs []Run)
}

// build computes a plan by assigning each map entry to its owner
// under the layout and exchanging counts, then offsets, with the I/O
// processes.
func build(ctx context.Context, c comm.Comm, g Group, d *decomp.Desc, s Strategy, l layout) (*Plan, error) {
	if g.NumIO() == 0 {
		return nil, errors.E(errors.Invalid, "rearr: no I/O processes")
	}
	p := &Plan{
		Strategy: s,
		Type:     d.Type,
		Rank:     c.Rank(),
		Group:    Group{IORanks: append([]int(nil), g.IORanks...)},
		LocalLen: d.Len(),
		Send:     make([][]int, g.NumIO()),
	}
	offs := make([][]int64, g.NumIO())
	for i, off := range d.Map {
		io := l.Owner(off)
		p.Send[io] = append(p.Send[io], i)
		offs[io] = append(offs[io], off)
	}
	send := make([]interface{}, c.Size())
	for i := range send {
		send[i] = 0
	}
	for io, rank := range g.IORanks {
		send[rank] = len(offs[io])
	}
	counts, err := c.Alltoallv(ctx, send)
	if err != nil {
		return nil, err
	}
	send = make([]interface{}, c.Size())
	for io, rank := range g.IORanks {
		send[rank] = offs[io]
	}
	recv, err := c.Alltoallv(ctx, send)
	if err != nil {
		return nil, err
	}
	io := g.IOIndex(c.Rank())
	if io < 0 {
		log.Debug.Printf("rearr: %v plan for rank %d: %d elements to %d I/O processes",
			s, p.Rank, p.NumSend(), g.NumIO())
		return p, nil
	}
	received := make([][]int64, c.Size())
	for rank, v := range recv {
		if v != nil {
			received[rank] = v.([]int64)
		}
		if got, want := len(received[rank]), counts[rank].(int); got != want {
			return nil, errors.E(errors.Integrity,
				fmt.Sprintf("rearr: rank %d announced %d offsets but sent %d", rank, want, got))
		}
	}
	p.Len, p.Recv, p.Runs = l.Region(io, received)
	log.Debug.Printf("rearr: %v plan for rank %d (I/O %d): %d elements to %d I/O processes; aggregates %d elements in %d runs",
		s, p.Rank, io, p.NumSend(), g.NumIO(), p.Len, len(p.Runs))
	return p, nil
}

// exchanger implements Forward and Backward for any plan.
type exchanger struct{}

func (exchanger) Forward(ctx context.Context, c comm.Comm, p *Plan, local interface{}) (interface{}, error) {
	if err := checkLocal(p, local); err != nil {
		return nil, err
	}
	send := make([]interface{}, c.Size())
	err := traverse.Limit(runtime.NumCPU()).Each(len(p.Send), func(io int) error {
		idx := p.Send[io]
		if len(idx) == 0 {
			return nil
		}
		buf := dtype.Make(p.Type, len(idx))
		dtype.Gather(buf, local, idx)
		send[p.Group.IORanks[io]] = buf
		return nil
	})
	if err != nil {
		return nil, err
	}
	recv, err := c.Alltoallv(ctx, send)
	if err != nil {
		return nil, err
	}
	if !p.IsIO() {
		return nil, nil
	}
	agg := dtype.Make(p.Type, p.Len)
	if p.Fill != nil {
		if err := dtype.Fill(agg, p.Fill); err != nil {
			return nil, err
		}
	}
	// Senders are applied in rank order, so that where index maps
	// overlap the highest rank wins.
	for rank, idx := range p.Recv {
		if err := checkRecv(p, rank, recv[rank], len(idx)); err != nil {
			return nil, err
		}
		if len(idx) > 0 {
			dtype.Scatter(agg, recv[rank], idx)
		}
	}
	return agg, nil
}

func (exchanger) Backward(ctx context.Context, c comm.Comm, p *Plan, agg, local interface{}) error {
	if err := checkLocal(p, local); err != nil {
		return err
	}
	send := make([]interface{}, c.Size())
	if p.IsIO() {
		if t, ok := dtype.Of(agg); !ok || t != p.Type || dtype.Len(agg) != p.Len {
			return errors.E(errors.Invalid,
				fmt.Sprintf("rearr: aggregated buffer %T[%d] does not match plan %v[%d]", agg, dtype.Len(agg), p.Type, p.Len))
		}
		err := traverse.Limit(runtime.NumCPU()).Each(len(p.Recv), func(rank int) error {
			idx := p.Recv[rank]
			if len(idx) == 0 {
				return nil
			}
			buf := dtype.Make(p.Type, len(idx))
			dtype.Gather(buf, agg, idx)
			send[rank] = buf
			return nil
		})
		if err != nil {
			return err
		}
	}
	recv, err := c.Alltoallv(ctx, send)
	if err != nil {
		return err
	}
	for io, rank := range p.Group.IORanks {
		idx := p.Send[io]
		if err := checkRecv(p, rank, recv[rank], len(idx)); err != nil {
			return err
		}
		if len(idx) > 0 {
			dtype.Scatter(local, recv[rank], idx)
		}
	}
	return nil
}

func checkLocal(p *Plan, local interface{}) error {
	if p.LocalLen == 0 && local == nil {
		return nil
	}
	t, ok := dtype.Of(local)
	if !ok || t != p.Type {
		return errors.E(errors.Invalid, fmt.Sprintf("rearr: local buffer %T is not a %v buffer", local, p.Type))
	}
	if n := dtype.Len(local); n != p.LocalLen {
		return errors.E(errors.Invalid, fmt.Sprintf("rearr: local buffer has %d elements, plan expects %d", n, p.LocalLen))
	}
	return nil
}

func checkRecv(p *Plan, rank int, v interface{}, n int) error {
	if got := dtype.Len(v); got != n {
		return errors.E(errors.Integrity,
			fmt.Sprintf("rearr: rank %d: received %d elements from rank %d, plan expects %d", p.Rank, got, rank, n))
	}
	return nil
}

// positions returns the position of each offset in sorted, which
// must contain it.
func positions(sorted []int64, offs []int64) []int {
	if len(offs) == 0 {
		return nil
	}
	pos := make([]int, len(offs))
	for i, off := range offs {
		pos[i] = sort.Search(len(sorted), func(j int) bool { return sorted[j] >= off })
	}
	return pos
}
