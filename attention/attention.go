// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attention implements transformer-style attention as GoMLX graph
// operations: scaled dot-product attention, multi-head attention over
// externally projected Q/K/V, head splitting/joining, and the boolean masks
// (causal, padding, encoder-decoder) that gate attention.
//
// All operations are pure graph-building functions: inputs are never mutated
// and dropout randomness comes from an explicit RNG state node supplied by the
// caller, so results are reproducible and concurrent calls share no hidden
// state.
package attention

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// DotProductAttentionBuilder configures and executes scaled dot-product
// attention. Create it with DotProductAttention, configure with the builder
// methods, and call Done or DoneWithCoefficients.
type DotProductAttentionBuilder struct {
	query, key, value *Node
	scale             float64
	hasCustomScale    bool
	booleanMask       *Node
	additiveMask      *Node
	dropoutRate       float64
	rngState          *Node // non-nil means train mode.
}

// DotProductAttention creates a builder for the core attention primitive:
//
//	softmax(query @ keyᵗ / sqrt(headDim)) @ value
//
// with optional masking and dropout on the softmax coefficients.
//
// Inputs are rank-4, [batch, heads, seq, dim] (use heads=1 for single-headed
// attention, or SplitHeads to produce the heads axis):
//   - query: [batch, heads, qSeq, headDim]
//   - key:   [batch, heads, kvSeq, headDim]
//   - value: [batch, heads, kvSeq, vHeadDim]
//
// Heads and batch entries are independent; the backend executes them in
// parallel.
func DotProductAttention(query, key, value *Node) *DotProductAttentionBuilder {
	return &DotProductAttentionBuilder{
		query: query,
		key:   key,
		value: value,
	}
}

// WithScale sets a custom scale for the attention scores. It defaults to
// 1/sqrt(headDim).
func (b *DotProductAttentionBuilder) WithScale(scale float64) *DotProductAttentionBuilder {
	b.scale = scale
	b.hasCustomScale = true
	return b
}

// WithBooleanMask sets a boolean attention mask: true means attend, false
// means suppress. Masked positions receive exactly zero attention weight,
// computed without the -1e9 additive trick (no NaN/Inf even when a full score
// row is masked). The mask must be broadcastable to the score shape
// [batch, heads, qSeq, kvSeq]; ranks 2 ([qSeq, kvSeq]) and 3
// ([batch, qSeq, kvSeq] or the [1, size, size] of CausalMask) are aligned
// automatically by inserting a heads axis.
func (b *DotProductAttentionBuilder) WithBooleanMask(mask *Node) *DotProductAttentionBuilder {
	if mask.DType() != dtypes.Bool {
		Panicf("attention: WithBooleanMask requires a boolean mask, got dtype %s -- use WithAdditiveMask for float masks",
			mask.DType())
	}
	b.booleanMask = mask
	return b
}

// WithAdditiveMask sets a float mask added to the scores before the softmax:
// 0 where attention is allowed, a large negative value (e.g. -1e9) where it is
// suppressed. Same broadcasting rules as WithBooleanMask. Boolean and additive
// masks may be combined.
func (b *DotProductAttentionBuilder) WithAdditiveMask(mask *Node) *DotProductAttentionBuilder {
	if !mask.DType().IsFloat() {
		Panicf("attention: WithAdditiveMask requires a float mask, got dtype %s -- use WithBooleanMask for boolean masks",
			mask.DType())
	}
	b.additiveMask = mask
	return b
}

// WithDropout sets the dropout rate applied to the attention coefficients.
// rate must be in [0, 1) -- anything else panics here, before any graph math.
// Dropout only takes effect in train mode (see InTraining); without it the
// rate is ignored and attention is deterministic.
func (b *DotProductAttentionBuilder) WithDropout(rate float64) *DotProductAttentionBuilder {
	if rate < 0 || rate >= 1 {
		Panicf("attention: dropout rate must be in [0, 1), got %g", rate)
	}
	b.dropoutRate = rate
	return b
}

// InTraining switches the builder to train mode, enabling dropout, and
// supplies the RNG state it consumes. Create the state with something like
//
//	rngState := Const(g, must.M1(RNGStateFromSeed(42)))
//
// The state is a disposable sub-key for this call: results are reproducible
// given the same state, and concurrent calls with separate states never
// contend. Without InTraining the builder is in eval mode and dropout is a
// no-op regardless of the configured rate.
func (b *DotProductAttentionBuilder) InTraining(rngState *Node) *DotProductAttentionBuilder {
	if !rngState.Shape().Equal(RNGStateShape) {
		Panicf("attention: invalid RNG state shape %s, create it with Const(g, RNGStateFromSeed(...)) "+
			"or graph.RNGStateForGraph", rngState.Shape())
	}
	b.rngState = rngState
	return b
}

// Done executes the attention computation and returns the output, shaped
// [batch, heads, qSeq, vHeadDim].
func (b *DotProductAttentionBuilder) Done() *Node {
	output, _ := b.execute()
	return output
}

// DoneWithCoefficients executes the attention computation and returns both the
// output ([batch, heads, qSeq, vHeadDim]) and the attention coefficients after
// softmax and dropout ([batch, heads, qSeq, kvSeq]).
func (b *DotProductAttentionBuilder) DoneWithCoefficients() (output, coefficients *Node) {
	return b.execute()
}

func (b *DotProductAttentionBuilder) execute() (output, coefficients *Node) {
	g := b.query.Graph()
	query, key, value := b.query, b.key, b.value

	if query.Rank() != 4 || key.Rank() != 4 || value.Rank() != 4 {
		Panicf("attention: query, key and value must be rank-4 [batch, heads, seq, dim], got ranks %d, %d, %d",
			query.Rank(), key.Rank(), value.Rank())
	}
	if query.DType() != key.DType() || query.DType() != value.DType() {
		Panicf("attention: query, key and value must share a dtype, got %s, %s, %s",
			query.DType(), key.DType(), value.DType())
	}
	if query.Shape().Dim(-1) != key.Shape().Dim(-1) {
		Panicf("attention: query head dim %d doesn't match key head dim %d (query=%s, key=%s)",
			query.Shape().Dim(-1), key.Shape().Dim(-1), query.Shape(), key.Shape())
	}
	if key.Shape().Dim(2) != value.Shape().Dim(2) {
		Panicf("attention: key seq length %d doesn't match value seq length %d (key=%s, value=%s)",
			key.Shape().Dim(2), value.Shape().Dim(2), key.Shape(), value.Shape())
	}
	for axis := 0; axis < 2; axis++ { // batch, heads
		if query.Shape().Dim(axis) != key.Shape().Dim(axis) || key.Shape().Dim(axis) != value.Shape().Dim(axis) {
			Panicf("attention: query, key and value must agree on batch and heads axes, got query=%s, key=%s, value=%s",
				query.Shape(), key.Shape(), value.Shape())
		}
	}

	headDim := query.Shape().Dim(-1)
	scale := b.scale
	if !b.hasCustomScale {
		scale = 1.0 / math.Sqrt(float64(headDim))
	}

	scores := Einsum("bhqd,bhkd->bhqk", query, key)
	scores = MulScalar(scores, scale)

	if b.additiveMask != nil {
		scores = Add(scores, alignMaskToScores(b.additiveMask, scores))
	}

	if b.booleanMask != nil {
		mask := BroadcastToShape(alignMaskToScores(b.booleanMask, scores), scores.Shape())
		coefficients = MaskedSoftmax(scores, mask, -1)
	} else {
		coefficients = Softmax(scores, -1)
	}

	if b.rngState != nil && b.dropoutRate > 0 {
		coefficients = dropout(g, coefficients, b.dropoutRate, b.rngState)
	}

	output = Einsum("bhqk,bhkd->bhqd", coefficients, value)
	return output, coefficients
}

// dropout zeroes each coefficient independently with probability rate and
// scales survivors by 1/(1-rate), preserving the expected value (inverted
// dropout). The rngState is consumed by RandomUniform.
func dropout(g *Graph, coefficients *Node, rate float64, rngState *Node) *Node {
	_, rnd := RandomUniform(rngState, coefficients.Shape())
	keep := GreaterOrEqual(rnd, Scalar(g, coefficients.DType(), rate))
	kept := MulScalar(coefficients, 1.0/(1.0-rate))
	return Where(keep, kept, ZerosLike(coefficients))
}

// alignMaskToScores brings a mask to rank 4 aligned with the score axes
// [batch, heads, qSeq, kvSeq] and checks it is broadcast-compatible.
func alignMaskToScores(mask *Node, scores *Node) *Node {
	switch mask.Rank() {
	case 2: // [qSeq, kvSeq]
		mask = Reshape(mask, 1, 1, mask.Shape().Dim(0), mask.Shape().Dim(1))
	case 3: // [batch|1, qSeq, kvSeq], e.g. CausalMask's [1, size, size].
		mask = ExpandDims(mask, 1)
	case 4:
		// Already aligned.
	default:
		Panicf("attention: mask must be rank 2, 3 or 4, got shape %s for scores %s", mask.Shape(), scores.Shape())
	}
	for axis := 0; axis < 4; axis++ {
		maskDim := mask.Shape().Dim(axis)
		if maskDim != 1 && maskDim != scores.Shape().Dim(axis) {
			Panicf("attention: mask shape %s is not broadcastable to score shape %s (axis %d)",
				mask.Shape(), scores.Shape(), axis)
		}
	}
	return mask
}
