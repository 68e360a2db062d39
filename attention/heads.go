// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// SplitHeads reshapes x from [batch, seqLen, featureDepth] to
// [batch, numHeads, seqLen, featureDepth/numHeads], splitting the feature axis
// into numHeads independent heads. featureDepth must be divisible by numHeads.
func SplitHeads(x *Node, numHeads int) *Node {
	if numHeads < 1 {
		Panicf("attention.SplitHeads: numHeads must be >= 1, got %d", numHeads)
	}
	if x.Rank() != 3 {
		Panicf("attention.SplitHeads: x must be [batch, seqLen, featureDepth], got shape %s", x.Shape())
	}
	batchSize := x.Shape().Dim(0)
	seqLen := x.Shape().Dim(1)
	featureDepth := x.Shape().Dim(2)
	if featureDepth%numHeads != 0 {
		Panicf("attention.SplitHeads: featureDepth %d is not divisible by numHeads %d", featureDepth, numHeads)
	}
	headDepth := featureDepth / numHeads
	x = Reshape(x, batchSize, seqLen, numHeads, headDepth)
	return TransposeAllDims(x, 0, 2, 1, 3)
}

// JoinHeads is the exact inverse of SplitHeads: it reshapes x from
// [batch, numHeads, seqLen, headDepth] back to
// [batch, seqLen, numHeads*headDepth]. JoinHeads(SplitHeads(x, n)) returns
// values bit-identical to x.
func JoinHeads(x *Node) *Node {
	if x.Rank() != 4 {
		Panicf("attention.JoinHeads: x must be [batch, numHeads, seqLen, headDepth], got shape %s", x.Shape())
	}
	batchSize := x.Shape().Dim(0)
	numHeads := x.Shape().Dim(1)
	seqLen := x.Shape().Dim(2)
	headDepth := x.Shape().Dim(3)
	x = TransposeAllDims(x, 0, 2, 1, 3)
	return Reshape(x, batchSize, seqLen, numHeads*headDepth)
}
