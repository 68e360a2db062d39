// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// MultiHeadAttentionBuilder configures multi-head attention over externally
// projected query/key/value tensors. Create it with MultiHeadAttention or
// SelfAttention.
type MultiHeadAttentionBuilder struct {
	query, key, value *Node
	numHeads          int
	scale             float64
	hasCustomScale    bool
	booleanMask       *Node
	additiveMask      *Node
	dropoutRate       float64
	rngState          *Node
}

// MultiHeadAttention creates a builder for multi-head attention, as described
// in "Attention Is All You Need" (https://arxiv.org/abs/1706.03762).
//
// It takes already-projected query, key and value, shaped
// [batch, seq, featureDepth] -- the Dense projections that produce them (and
// the final output projection) are the caller's, see AttentionQKV for a
// version that includes them. The feature axis is split into numHeads
// independent heads (featureDepth must be divisible by numHeads), scaled
// dot-product attention runs over all heads at once, and the head outputs are
// joined back into [batch, qSeq, featureDepth].
//
// A mask set on the builder is not head-indexed: it gates every head alike,
// broadcast across the heads axis.
func MultiHeadAttention(query, key, value *Node, numHeads int) *MultiHeadAttentionBuilder {
	if numHeads < 1 {
		Panicf("attention.MultiHeadAttention: numHeads must be >= 1, got %d", numHeads)
	}
	if query.Rank() != 3 || key.Rank() != 3 || value.Rank() != 3 {
		Panicf("attention.MultiHeadAttention: query, key and value must be rank-3 [batch, seq, featureDepth], got ranks %d, %d, %d",
			query.Rank(), key.Rank(), value.Rank())
	}
	if query.Shape().Dim(-1) != key.Shape().Dim(-1) {
		Panicf("attention.MultiHeadAttention: query feature depth %d doesn't match key feature depth %d",
			query.Shape().Dim(-1), key.Shape().Dim(-1))
	}
	if query.Shape().Dim(-1)%numHeads != 0 {
		Panicf("attention.MultiHeadAttention: feature depth %d is not divisible by numHeads %d",
			query.Shape().Dim(-1), numHeads)
	}
	if value.Shape().Dim(-1)%numHeads != 0 {
		Panicf("attention.MultiHeadAttention: value feature depth %d is not divisible by numHeads %d",
			value.Shape().Dim(-1), numHeads)
	}
	return &MultiHeadAttentionBuilder{
		query:    query,
		key:      key,
		value:    value,
		numHeads: numHeads,
	}
}

// SelfAttention is a convenience wrapper for MultiHeadAttention where query,
// key and value are all the same tensor.
func SelfAttention(x *Node, numHeads int) *MultiHeadAttentionBuilder {
	return MultiHeadAttention(x, x, x, numHeads)
}

// WithScale sets a custom scale for the attention scores. It defaults to
// 1/sqrt(featureDepth/numHeads).
func (b *MultiHeadAttentionBuilder) WithScale(scale float64) *MultiHeadAttentionBuilder {
	b.scale = scale
	b.hasCustomScale = true
	return b
}

// WithBooleanMask sets a boolean attention mask, true meaning attend. Same
// semantics and broadcasting rules as DotProductAttentionBuilder.WithBooleanMask;
// the mask is shared by every head.
func (b *MultiHeadAttentionBuilder) WithBooleanMask(mask *Node) *MultiHeadAttentionBuilder {
	b.booleanMask = mask
	return b
}

// WithAdditiveMask sets a float mask added to the scores before softmax. Same
// semantics as DotProductAttentionBuilder.WithAdditiveMask.
func (b *MultiHeadAttentionBuilder) WithAdditiveMask(mask *Node) *MultiHeadAttentionBuilder {
	b.additiveMask = mask
	return b
}

// WithDropout sets the dropout rate on the attention coefficients; rate must
// be in [0, 1). Only active in train mode, see InTraining.
func (b *MultiHeadAttentionBuilder) WithDropout(rate float64) *MultiHeadAttentionBuilder {
	if rate < 0 || rate >= 1 {
		Panicf("attention: dropout rate must be in [0, 1), got %g", rate)
	}
	b.dropoutRate = rate
	return b
}

// InTraining switches to train mode and supplies the explicit RNG state
// consumed by dropout. See DotProductAttentionBuilder.InTraining.
func (b *MultiHeadAttentionBuilder) InTraining(rngState *Node) *MultiHeadAttentionBuilder {
	if !rngState.Shape().Equal(RNGStateShape) {
		Panicf("attention: invalid RNG state shape %s, create it with Const(g, RNGStateFromSeed(...)) "+
			"or graph.RNGStateForGraph", rngState.Shape())
	}
	b.rngState = rngState
	return b
}

// Done executes the multi-head attention and returns the output, shaped
// [batch, qSeq, featureDepth] like the query.
func (b *MultiHeadAttentionBuilder) Done() *Node {
	output, _ := b.DoneWithCoefficients()
	return output
}

// DoneWithCoefficients executes the multi-head attention and returns the
// output ([batch, qSeq, valueFeatureDepth]) along with the per-head attention
// coefficients ([batch, numHeads, qSeq, kvSeq]).
func (b *MultiHeadAttentionBuilder) DoneWithCoefficients() (output, coefficients *Node) {
	inner := DotProductAttention(
		SplitHeads(b.query, b.numHeads),
		SplitHeads(b.key, b.numHeads),
		SplitHeads(b.value, b.numHeads))
	if b.hasCustomScale {
		inner.WithScale(b.scale)
	}
	if b.booleanMask != nil {
		inner.WithBooleanMask(b.booleanMask)
	}
	if b.additiveMask != nil {
		inner.WithAdditiveMask(b.additiveMask)
	}
	if b.dropoutRate > 0 {
		inner.WithDropout(b.dropoutRate)
	}
	if b.rngState != nil {
		inner.InTraining(b.rngState)
	}
	headsOutput, coefficients := inner.DoneWithCoefficients()
	return JoinHeads(headsOutput), coefficients
}
