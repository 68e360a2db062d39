// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pos implements the fixed sinusoidal positional encoding from the
// "Attention Is All You Need" paper, including application to sequences split
// into ordered chunks.
//
// The table is precomputed on the host once, at model setup, and treated as
// read-only afterwards; Apply lowers the required slice of it into the graph
// as a constant and adds it to the input.
package pos

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/transformers/seqs"
	"github.com/pkg/errors"
)

// Encoding holds a precomputed sinusoidal positional encoding table of shape
// [maxLen, featureDepth]:
//
//	table[p, 2i]   = sin(p / 10000^(2i/featureDepth))
//	table[p, 2i+1] = cos(p / 10000^(2i/featureDepth))
//
// Create it with New. The table is read-only after construction.
type Encoding struct {
	maxLen, featureDepth int
	table                *tensors.Tensor
}

// New precomputes a sinusoidal positional encoding table for sequences of up
// to maxLen steps with featureDepth features. An odd featureDepth is allowed:
// the last column is the sine of the final frequency pair, as in the original
// formulation.
func New(maxLen, featureDepth int) (*Encoding, error) {
	if maxLen <= 0 {
		return nil, errors.Errorf("pos.New: maxLen must be positive, got %d", maxLen)
	}
	if featureDepth <= 0 {
		return nil, errors.Errorf("pos.New: featureDepth must be positive, got %d", featureDepth)
	}
	data := make([]float32, maxLen*featureDepth)
	logTimescale := math.Log(10000.0) / float64(featureDepth)
	for p := 0; p < maxLen; p++ {
		row := data[p*featureDepth:]
		for i := 0; i < featureDepth; i += 2 {
			angle := float64(p) * math.Exp(-logTimescale*float64(i))
			row[i] = float32(math.Sin(angle))
			if i+1 < featureDepth {
				row[i+1] = float32(math.Cos(angle))
			}
		}
	}
	return &Encoding{
		maxLen:       maxLen,
		featureDepth: featureDepth,
		table:        tensors.FromFlatDataAndDimensions(data, maxLen, featureDepth),
	}, nil
}

// MaxLen returns the maximum sequence length the table covers.
func (e *Encoding) MaxLen() int { return e.maxLen }

// FeatureDepth returns the feature depth of the table.
func (e *Encoding) FeatureDepth() int { return e.featureDepth }

// Table returns the precomputed table, shaped [maxLen, featureDepth]. It must
// not be mutated.
func (e *Encoding) Table() *tensors.Tensor { return e.table }

// Apply adds the positional encoding to x, shaped [batch, seqLen, featureDepth]:
// x + table[0:seqLen], broadcast across the batch axis. It panics when seqLen
// exceeds the table's maxLen or when the feature depth doesn't match.
func (e *Encoding) Apply(x *Node) *Node {
	return e.NewCursor().Apply(x)
}

// ApplyChunks applies the positional encoding to a chunked sequence,
// preserving positional continuity across chunk boundaries: chunk k receives
// the table rows right after those consumed by chunks 0..k-1.
func (e *Encoding) ApplyChunks(seq seqs.Chunks) seqs.Chunks {
	seq.Check()
	cursor := e.NewCursor()
	result := make(seqs.Chunks, 0, len(seq))
	for _, chunk := range seq {
		result = append(result, cursor.Apply(chunk))
	}
	return result
}

// Cursor tracks the running offset into the encoding table while a logical
// sequence is processed piece by piece. Each Apply consumes as many table rows
// as its input has time steps. A fresh Cursor starts at position 0.
type Cursor struct {
	enc    *Encoding
	offset int
}

// NewCursor returns a cursor positioned at the start of the table.
func (e *Encoding) NewCursor() *Cursor {
	return &Cursor{enc: e}
}

// Offset returns the table position the next Apply will read from.
func (c *Cursor) Offset() int { return c.offset }

// Apply adds table[offset:offset+seqLen] to x, shaped
// [batch, seqLen, featureDepth], and advances the offset by seqLen. It panics
// when the slice would run past the table's maxLen.
func (c *Cursor) Apply(x *Node) *Node {
	g := x.Graph()
	if x.Rank() != 3 {
		Panicf("pos: Apply requires a [batch, seqLen, featureDepth] input, got shape %s", x.Shape())
	}
	if x.Shape().Dim(-1) != c.enc.featureDepth {
		Panicf("pos: input feature depth %d doesn't match the table's featureDepth %d (input shape=%s)",
			x.Shape().Dim(-1), c.enc.featureDepth, x.Shape())
	}
	seqLen := x.Shape().Dim(1)
	if c.offset+seqLen > c.enc.maxLen {
		Panicf("pos: sequence runs to position %d, past the table's maxLen %d",
			c.offset+seqLen, c.enc.maxLen)
	}
	table := Const(g, c.enc.table)
	rows := Slice(table, AxisRange(c.offset, c.offset+seqLen))
	if rows.DType() != x.DType() {
		rows = ConvertDType(rows, x.DType())
	}
	rows = ExpandDims(rows, 0) // [1, seqLen, featureDepth]
	rows = BroadcastToShape(rows, x.Shape())
	c.offset += seqLen
	return Add(x, rows)
}
