// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rearr

import (
	"context"
	"encoding/binary"
	"sort"

	"github.com/grailbio/pario/comm"
	"github.com/grailbio/pario/decomp"
	"github.com/spaolacci/murmur3"
)

const (
	// SubsetChunk is the number of consecutive global offsets that
	// the subset strategy always assigns to the same I/O process.
	SubsetChunk = 64

	subsetSeed = 0x70696f31
)

// SubsetOwner returns the I/O rank that owns global offset off among
// nio I/O processes under the subset strategy.
func SubsetOwner(off int64, nio int) int {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(off/SubsetChunk))
	return int(murmur3.Sum32WithSeed(b[:], subsetSeed) % uint32(nio))
}

// subsetRearranger assigns offsets to I/O processes with SubsetOwner.
// Each I/O process aggregates exactly the distinct offsets it
// receives, in increasing order.
type subsetRearranger struct{ exchanger }

func (subsetRearranger) Strategy() Strategy { return Subset }

func (subsetRearranger) Build(ctx context.Context, c comm.Comm, g Group, d *decomp.Desc) (*Plan, error) {
	return build(ctx, c, g, d, Subset, subsetLayout(g.NumIO()))
}

type subsetLayout int

func (l subsetLayout) Owner(off int64) int { return SubsetOwner(off, int(l)) }

func (subsetLayout) Region(io int, offs [][]int64) (int, [][]int, []Run) {
	var n int
	for _, o := range offs {
		n += len(o)
	}
	sorted := make([]int64, 0, n)
	for _, o := range offs {
		sorted = append(sorted, o...)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	// Deduplicate in place: overlapping maps name an offset more than once.
	uniq := sorted[:0]
	for _, off := range sorted {
		if len(uniq) == 0 || off != uniq[len(uniq)-1] {
			uniq = append(uniq, off)
		}
	}
	pos := make([][]int, len(offs))
	for rank, o := range offs {
		pos[rank] = positions(uniq, o)
	}
	var runs []Run
	for i, off := range uniq {
		if last := len(runs) - 1; last >= 0 && runs[last].Start+int64(runs[last].Len) == off {
			runs[last].Len++
			continue
		}
		runs = append(runs, Run{Start: off, Pos: i, Len: 1})
	}
	return len(uniq), pos, runs
}
