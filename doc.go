// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package pario implements decomposition-aware parallel I/O. A group
	of compute processes cooperatively writes and reads large
	multidimensional array variables of shared files, while only a
	subset of the processes, the I/O processes, access the storage
	backend.

	Each compute process holds a part of a global array, described by an
	index map: the global flat (row-major) offset of each of its local
	elements. A decomposition (Decomp) pairs the index maps of all
	processes with a communication plan, built once by a rearranger
	strategy, that moves data between the compute layout and the layout
	of the I/O processes. Two strategies are provided (package rearr):
	Box assigns each I/O process a contiguous box of the array; Subset
	assigns chunks of offsets to I/O processes by hashing.

	Processes communicate through a comm.Comm. Package comm provides an
	in-process implementation in which each process is a goroutine:

		err := comm.Run(ctx, 4, func(ctx context.Context, c comm.Comm) error {
			sys, err := pario.Init(ctx, c, pario.IOProcs(2), pario.Stride(2))
			if err != nil {
				return err
			}
			d, err := sys.DefineDecomp(ctx, dtype.Float64, decomp.Shape{16}, myMap, rearr.Box)
			...
			f, err := sys.CreateFile(ctx, "out.nc", pario.Clobber)
			...
			return f.WriteDarray(ctx, v, d, myData)
		})

	Collective operations

	Most operations are collective: every process of the group must call
	them, in the same order, with the same identifiers. Argument errors
	are detected before any communication takes place, and returned only
	on the processes that made them; the other processes then block in
	the next collective, until it times out (see Timeout). Backend errors
	are exchanged so that every process returns the same error.

	Records

	The first dimension of a variable may be unlimited: the variable is
	then a sequence of frames (records), and distributed array calls
	access the frame set by File.SetFrame. Decompositions of record
	variables describe a single frame.
*/
package pario
