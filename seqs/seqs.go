// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package seqs provides helpers for sequences stored whole or split into
// ordered chunks.
//
// A Chunks value represents one logical sequence laid end-to-end along the time
// axis (axis 1): chunk k holds the time steps that come right after the time
// steps of chunk k-1. Operations that depend on time order — right-shifting a
// sequence to build decoder inputs, applying positional encodings — must behave
// as if the chunks had been concatenated first. The helpers here carry the
// state needed across chunk boundaries explicitly (see Carry), so the chunked
// and whole-sequence paths share the same underlying computation.
package seqs

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Chunks is an ordered list of contiguous chunks of one logical sequence.
//
// Every chunk must be rank >= 2, shaped [batch, chunkLen, ...], and all chunks
// must agree on dtype, batch size and the trailing dimensions — only chunkLen
// may vary. No chunk may have a zero-length time axis.
type Chunks []*graph.Node

// Check panics if the chunk list is not a valid chunked sequence: an empty
// list, a chunk with a zero-length time axis, or chunks with inconsistent
// shapes or dtypes.
func (c Chunks) Check() {
	if len(c) == 0 {
		Panicf("seqs: empty chunk list, a chunked sequence requires at least one chunk")
	}
	first := c[0]
	if first.Rank() < 2 {
		Panicf("seqs: chunks must be rank >= 2 ([batch, chunkLen, ...]), got rank %d chunk (shape=%s)",
			first.Rank(), first.Shape())
	}
	for ii, chunk := range c {
		if chunk.Rank() != first.Rank() || chunk.DType() != first.DType() {
			Panicf("seqs: chunk #%d (shape=%s) doesn't match chunk #0 (shape=%s)",
				ii, chunk.Shape(), first.Shape())
		}
		if chunk.Shape().Dim(1) == 0 {
			Panicf("seqs: chunk #%d (shape=%s) has a zero-length time axis", ii, chunk.Shape())
		}
		for axis, dim := range chunk.Shape().Dimensions {
			if axis == 1 {
				continue // Only the time axis may vary across chunks.
			}
			if dim != first.Shape().Dimensions[axis] {
				Panicf("seqs: chunk #%d (shape=%s) doesn't match chunk #0 (shape=%s) on axis %d",
					ii, chunk.Shape(), first.Shape(), axis)
			}
		}
	}
}

// SeqLen returns the total length of the logical sequence, the sum of the
// chunk lengths along the time axis.
func (c Chunks) SeqLen() int {
	total := 0
	for _, chunk := range c {
		total += chunk.Shape().Dim(1)
	}
	return total
}

// Concat concatenates the chunks along the time axis, materializing the
// logical sequence as a single node.
func (c Chunks) Concat() *graph.Node {
	c.Check()
	if len(c) == 1 {
		return c[0]
	}
	return graph.Concatenate(c, 1)
}

// SplitLike splits x along the time axis at the same boundaries as reference.
// x must have the same total sequence length as reference.
func SplitLike(x *graph.Node, reference Chunks) Chunks {
	reference.Check()
	if x.Rank() < 2 {
		Panicf("seqs.SplitLike: x must be rank >= 2 ([batch, seqLen, ...]), got shape %s", x.Shape())
	}
	if x.Shape().Dim(1) != reference.SeqLen() {
		Panicf("seqs.SplitLike: x has sequence length %d, but reference chunks total %d",
			x.Shape().Dim(1), reference.SeqLen())
	}
	result := make(Chunks, 0, len(reference))
	offset := 0
	for _, chunk := range reference {
		chunkLen := chunk.Shape().Dim(1)
		result = append(result, graph.SliceAxis(x, 1, graph.AxisRange(offset, offset+chunkLen)))
		offset += chunkLen
	}
	return result
}

// Carry holds the state threaded through a chunk-by-chunk right shift: the
// last (pre-shift) time step of the previous chunk, which becomes the first
// time step of the next shifted chunk. A zero Carry starts a new sequence,
// whose first shifted step is all zeros.
type Carry struct {
	last *graph.Node // [batch, 1, ...], nil before the first chunk.
}

// ShiftRight shifts one chunk a single step to the right along the time axis:
// the carried step (or zeros, at the start of the sequence) is prepended, the
// chunk's own last step is dropped and becomes the new carry. The chunk's
// shape is preserved.
func (c *Carry) ShiftRight(chunk *graph.Node) *graph.Node {
	if chunk.Rank() < 2 {
		Panicf("seqs: ShiftRight requires rank >= 2 ([batch, seqLen, ...]), got shape %s", chunk.Shape())
	}
	chunkLen := chunk.Shape().Dim(1)
	if chunkLen == 0 {
		Panicf("seqs: ShiftRight on a chunk with a zero-length time axis (shape=%s)", chunk.Shape())
	}
	prefix := c.last
	if prefix == nil {
		prefix = graph.ZerosLike(graph.SliceAxis(chunk, 1, graph.AxisRange(0, 1)))
	}
	c.last = graph.SliceAxis(chunk, 1, graph.AxisRange(chunkLen-1, chunkLen))
	padded := graph.Concatenate([]*graph.Node{prefix, chunk}, 1)
	return graph.SliceAxis(padded, 1, graph.AxisRange(0, chunkLen))
}

// ShiftRight shifts a sequence one step to the right along the time axis:
// output[:, 0] is zeros and output[:, i] = x[:, i-1] for i >= 1. The shape is
// preserved. Used to turn target sequences into autoregressive decoder inputs.
func ShiftRight(x *graph.Node) *graph.Node {
	var carry Carry
	return carry.ShiftRight(x)
}

// ShiftRightChunks right-shifts a chunked sequence as if the chunks had been
// concatenated, shifted, and re-split at the original boundaries: the first
// chunk gains a leading zero step, every later chunk gains the last (pre-shift)
// step of its predecessor, and every chunk drops its own last step. Chunk
// shapes are preserved.
func ShiftRightChunks(seq Chunks) Chunks {
	seq.Check()
	var carry Carry
	result := make(Chunks, 0, len(seq))
	for _, chunk := range seq {
		result = append(result, carry.ShiftRight(chunk))
	}
	return result
}
