// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rearr

import (
	"context"

	"github.com/grailbio/pario/comm"
	"github.com/grailbio/pario/decomp"
)

// boxRearranger assigns each I/O process one box of the array, as
// computed by decomp.Boxes. Each I/O process aggregates its whole
// box: positions no process contributes hold the plan's fill value.
type boxRearranger struct{ exchanger }

func (boxRearranger) Strategy() Strategy { return Box }

func (boxRearranger) Build(ctx context.Context, c comm.Comm, g Group, d *decomp.Desc) (*Plan, error) {
	var l boxLayout
	if g.NumIO() > 0 {
		l = boxLayout(decomp.Boxes(d.Shape, g.NumIO()))
	}
	return build(ctx, c, g, d, Box, l)
}

type boxLayout []decomp.Box

func (l boxLayout) Owner(off int64) int { return decomp.Owner(l, off) }

func (l boxLayout) Region(io int, offs [][]int64) (int, [][]int, []Run) {
	box := l[io]
	pos := make([][]int, len(offs))
	for rank, o := range offs {
		if len(o) == 0 {
			continue
		}
		pos[rank] = make([]int, len(o))
		for i, off := range o {
			pos[rank][i] = int(off - box.Start)
		}
	}
	var runs []Run
	if box.Len > 0 {
		runs = []Run{{Start: box.Start, Pos: 0, Len: int(box.Len)}}
	}
	return int(box.Len), pos, runs
}
