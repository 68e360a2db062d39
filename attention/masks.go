// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// This file builds the boolean masks that gate attention: true means attend,
// false means suppress. All masks are shaped to broadcast against the
// attention scores [batch, heads, qSeq, kSeq].

// CausalMask returns a boolean mask shaped [1, size, size] where entry (i, j)
// is true iff j <= i: position i may attend to itself and earlier positions,
// never to later ones.
func CausalMask(g *Graph, size int) *Node {
	if size <= 0 {
		Panicf("attention.CausalMask: size must be positive, got %d", size)
	}
	return ExpandDims(LowerTriangular(g, size), 0)
}

// PaddingMask returns a boolean mask shaped [batch, 1, 1, seqLen] that is true
// where sequence differs from pad. The sequence is the [batch, seqLen] tensor
// of token ids (any numeric dtype); pad is the filler value used to equalize
// sequence lengths in the batch.
func PaddingMask(sequence *Node, pad float64) *Node {
	g := sequence.Graph()
	if sequence.Rank() != 2 {
		Panicf("attention.PaddingMask: sequence must be [batch, seqLen], got shape %s", sequence.Shape())
	}
	batchSize := sequence.Shape().Dim(0)
	seqLen := sequence.Shape().Dim(1)
	mask := NotEqual(sequence, Scalar(g, sequence.DType(), pad))
	return Reshape(mask, batchSize, 1, 1, seqLen)
}

// EncoderDecoderMask expands an encoder padding mask to gate encoder-decoder
// (cross) attention: the result is shaped [batch, 1, decoderLen, encoderLen],
// the padding mask tiled across all decoderLen query positions. It accepts the
// padding mask either as returned by PaddingMask ([batch, 1, 1, encoderLen])
// or as a plain [batch, encoderLen] tensor of booleans.
func EncoderDecoderMask(paddingMask *Node, decoderLen int) *Node {
	if decoderLen <= 0 {
		Panicf("attention.EncoderDecoderMask: decoderLen must be positive, got %d", decoderLen)
	}
	var batchSize, encoderLen int
	switch paddingMask.Rank() {
	case 2:
		batchSize = paddingMask.Shape().Dim(0)
		encoderLen = paddingMask.Shape().Dim(1)
		paddingMask = Reshape(paddingMask, batchSize, 1, 1, encoderLen)
	case 4:
		batchSize = paddingMask.Shape().Dim(0)
		encoderLen = paddingMask.Shape().Dim(3)
		if paddingMask.Shape().Dim(1) != 1 || paddingMask.Shape().Dim(2) != 1 {
			Panicf("attention.EncoderDecoderMask: rank-4 padding mask must be [batch, 1, 1, encoderLen], got shape %s",
				paddingMask.Shape())
		}
	default:
		Panicf("attention.EncoderDecoderMask: padding mask must be [batch, encoderLen] or [batch, 1, 1, encoderLen], got shape %s",
			paddingMask.Shape())
	}
	return BroadcastToDims(paddingMask, batchSize, 1, decoderLen, encoderLen)
}
