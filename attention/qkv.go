// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// AttentionQKVBuilder configures a full multi-head attention block: Dense
// projections of query/key/value, multi-head attention, and a final output
// projection. Create it with AttentionQKV.
type AttentionQKVBuilder struct {
	ctx               *context.Context
	query, key, value *Node
	numHeads          int
	featureDepth      int
	outputDim         int
	useBias           bool
	booleanMask       *Node
	additiveMask      *Node
	dropoutRate       float64
	rngState          *Node
}

// AttentionQKV creates a builder for the full transformer attention block:
//
//	Dense(q), Dense(k), Dense(v) -> MultiHeadAttention -> Dense(output)
//
// The projection parameters are variables held by ctx (scoped under
// "AttentionQKV"); the attention core itself is parameter-free. Inputs are
// [batch, seq, dim]; the projections map them to featureDepth (defaulting to
// the query's feature dim) and the output projection maps back to outputDim
// (defaulting to featureDepth).
func AttentionQKV(ctx *context.Context, query, key, value *Node, numHeads int) *AttentionQKVBuilder {
	if numHeads < 1 {
		Panicf("attention.AttentionQKV: numHeads must be >= 1, got %d", numHeads)
	}
	if query.Rank() != 3 || key.Rank() != 3 || value.Rank() != 3 {
		Panicf("attention.AttentionQKV: query, key and value must be rank-3 [batch, seq, dim], got ranks %d, %d, %d",
			query.Rank(), key.Rank(), value.Rank())
	}
	return &AttentionQKVBuilder{
		ctx:          ctx.In("AttentionQKV"),
		query:        query,
		key:          key,
		value:        value,
		numHeads:     numHeads,
		featureDepth: query.Shape().Dim(-1),
		useBias:      true,
	}
}

// WithFeatureDepth sets the projection dimension for query/key/value. It
// defaults to the query's feature dimension and must be divisible by numHeads.
func (b *AttentionQKVBuilder) WithFeatureDepth(featureDepth int) *AttentionQKVBuilder {
	b.featureDepth = featureDepth
	return b
}

// WithOutputDim sets the dimension of the final output projection. Defaults
// to the projection featureDepth.
func (b *AttentionQKVBuilder) WithOutputDim(outputDim int) *AttentionQKVBuilder {
	b.outputDim = outputDim
	return b
}

// UseProjectionBias defines whether the Dense projections use bias terms.
// Default is true.
func (b *AttentionQKVBuilder) UseProjectionBias(useBias bool) *AttentionQKVBuilder {
	b.useBias = useBias
	return b
}

// WithBooleanMask sets a boolean attention mask shared by every head. See
// DotProductAttentionBuilder.WithBooleanMask.
func (b *AttentionQKVBuilder) WithBooleanMask(mask *Node) *AttentionQKVBuilder {
	b.booleanMask = mask
	return b
}

// WithAdditiveMask sets a float mask added to the scores before softmax.
func (b *AttentionQKVBuilder) WithAdditiveMask(mask *Node) *AttentionQKVBuilder {
	b.additiveMask = mask
	return b
}

// WithDropout sets the dropout rate on the attention coefficients; rate must
// be in [0, 1). Only active in train mode, see InTraining.
func (b *AttentionQKVBuilder) WithDropout(rate float64) *AttentionQKVBuilder {
	if rate < 0 || rate >= 1 {
		Panicf("attention: dropout rate must be in [0, 1), got %g", rate)
	}
	b.dropoutRate = rate
	return b
}

// InTraining switches to train mode and supplies the explicit RNG state
// consumed by dropout. See DotProductAttentionBuilder.InTraining.
func (b *AttentionQKVBuilder) InTraining(rngState *Node) *AttentionQKVBuilder {
	b.rngState = rngState
	return b
}

// Done builds the projections and the attention computation, returning the
// output shaped [batch, qSeq, outputDim].
func (b *AttentionQKVBuilder) Done() *Node {
	output, _ := b.DoneWithCoefficients()
	return output
}

// DoneWithCoefficients is like Done but also returns the attention
// coefficients (post-softmax, post-dropout), shaped
// [batch, numHeads, qSeq, kvSeq].
func (b *AttentionQKVBuilder) DoneWithCoefficients() (output, coefficients *Node) {
	if b.featureDepth%b.numHeads != 0 {
		Panicf("attention.AttentionQKV: featureDepth %d is not divisible by numHeads %d",
			b.featureDepth, b.numHeads)
	}
	outputDim := b.outputDim
	if outputDim == 0 {
		outputDim = b.featureDepth
	}

	projectedQuery := layers.Dense(b.ctx.In("query"), b.query, b.useBias, b.featureDepth)
	projectedKey := layers.Dense(b.ctx.In("key"), b.key, b.useBias, b.featureDepth)
	projectedValue := layers.Dense(b.ctx.In("value"), b.value, b.useBias, b.featureDepth)

	mha := MultiHeadAttention(projectedQuery, projectedKey, projectedValue, b.numHeads)
	if b.booleanMask != nil {
		mha.WithBooleanMask(b.booleanMask)
	}
	if b.additiveMask != nil {
		mha.WithAdditiveMask(b.additiveMask)
	}
	if b.dropoutRate > 0 {
		mha.WithDropout(b.dropoutRate)
	}
	if b.rngState != nil {
		mha.InTraining(b.rngState)
	}
	attended, coefficients := mha.DoneWithCoefficients()

	output = layers.Dense(b.ctx.In("output"), attended, b.useBias, outputDim)
	return output, coefficients
}
