// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"strings"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitJoinHeads(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("Split", func(t *testing.T) {
		graphtest.RunTestGraphFn(t, "SplitHeads",
			func(g *Graph) (inputs, outputs []*Node) {
				x := Const(g, [][][]float32{{
					{0, 1, 2, 3},
					{4, 5, 6, 7},
				}}) // [batch=1, seq=2, features=4]
				inputs = []*Node{x}
				outputs = []*Node{SplitHeads(x, 2)}
				return
			}, []any{
				[][][][]float32{{
					{{0, 1}, {4, 5}},
					{{2, 3}, {6, 7}},
				}}, // [batch=1, heads=2, seq=2, headDim=2]
			}, 0)
	})

	t.Run("Roundtrip", func(t *testing.T) {
		exec := MustNewExec(backend, func(g *Graph) []*Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 3, 8))
			return []*Node{x, JoinHeads(SplitHeads(x, 4))}
		})
		results := exec.MustExec()
		require.True(t, results[0].InDelta(results[1], 0),
			"JoinHeads(SplitHeads(x, 4)) must reproduce x exactly")
	})

	t.Run("InvalidSplit", func(t *testing.T) {
		require.Panics(t, func() {
			MustExecOnce(backend, func(g *Graph) *Node {
				x := Ones(g, shapes.Make(dtypes.Float32, 1, 4, 10))
				return SplitHeads(x, 3)
			})
		}, "feature depth 10 not divisible by 3 heads must panic")
		require.Panics(t, func() {
			MustExecOnce(backend, func(g *Graph) *Node {
				x := Ones(g, shapes.Make(dtypes.Float32, 4, 10))
				return SplitHeads(x, 2)
			})
		}, "rank-2 input must panic")
	})
}

// TestMultiHeadAttentionPerHead checks that multi-head attention equals
// running single-head attention independently on each feature slice and
// concatenating the results.
func TestMultiHeadAttentionPerHead(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(x *Node) []*Node {
		multiHead := MultiHeadAttention(x, x, x, 2).Done()

		features := x.Shape().Dim(-1)
		attend := func(slice *Node) *Node {
			h := SplitHeads(slice, 1)
			return JoinHeads(DotProductAttention(h, h, h).Done())
		}
		perHead := Concatenate([]*Node{
			attend(SliceAxis(x, -1, AxisRange(0, features/2))),
			attend(SliceAxis(x, -1, AxisRange(features/2, features))),
		}, -1)
		return []*Node{multiHead, perHead}
	})

	x := [][][]float32{
		{{0.5, -1, 2, 0.1}, {1, 1, -0.5, 0.25}, {-2, 0.75, 0, 1}},
		{{0, 0.3, -0.3, 2}, {0.9, -0.1, 1, 1}, {0.2, 0.2, 0.2, 0.2}},
	} // [batch=2, seq=3, features=4]
	results := exec.MustExec(x)
	require.True(t, results[0].InDelta(results[1], 1e-5),
		"multi-head gave %s, per-head gave %s", results[0].GoStr(), results[1].GoStr())
}

func TestMultiHeadAttention(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("ShapesAndCoefficients", func(t *testing.T) {
		exec := MustNewExec(backend, func(x, mask *Node) []*Node {
			output, coefficients := MultiHeadAttention(x, x, x, 4).
				WithBooleanMask(mask).
				DoneWithCoefficients()
			return []*Node{output, coefficients}
		})
		x := make([][][]float32, 2)
		for b := range x {
			x[b] = make([][]float32, 5)
			for s := range x[b] {
				x[b][s] = make([]float32, 8)
				for f := range x[b][s] {
					x[b][s][f] = float32(b+s) * 0.1 * float32(f%3)
				}
			}
		}
		mask := [][][]bool{
			{{true, true, false, false, false},
				{true, true, true, false, false},
				{true, true, true, true, false},
				{true, true, true, true, true},
				{true, true, true, true, true}},
			{{true, false, false, false, false},
				{true, true, false, false, false},
				{true, true, true, false, false},
				{true, true, true, true, false},
				{true, true, true, true, true}},
		}
		results := exec.MustExec(x, mask)
		output, coefficients := results[0], results[1]
		require.NoError(t, output.Shape().Check(dtypes.Float32, 2, 5, 8))
		require.NoError(t, coefficients.Shape().Check(dtypes.Float32, 2, 4, 5, 5))

		coef := coefficients.Value().([][][][]float32)
		for b := range coef {
			for h := range coef[b] {
				for q, row := range coef[b][h] {
					var sum float32
					for k, v := range row {
						if !mask[b][q][k] {
							assert.Zero(t, v, "masked coefficient batch=%d, head=%d, query=%d, key=%d", b, h, q, k)
						}
						sum += v
					}
					assert.InDelta(t, 1.0, sum, 1e-5)
				}
			}
		}
	})

	t.Run("SelfAttention", func(t *testing.T) {
		// SelfAttention(x, h) is shorthand for MultiHeadAttention(x, x, x, h).
		exec := MustNewExec(backend, func(x *Node) []*Node {
			return []*Node{
				SelfAttention(x, 2).Done(),
				MultiHeadAttention(x, x, x, 2).Done(),
			}
		})
		x := [][][]float32{{{1, 2, 3, 4}, {-1, 0, 1, 2}}}
		results := exec.MustExec(x)
		require.True(t, results[0].InDelta(results[1], 0))
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		require.Panics(t, func() {
			MustExecOnce(backend, func(g *Graph) *Node {
				x := Ones(g, shapes.Make(dtypes.Float32, 1, 3, 10))
				return MultiHeadAttention(x, x, x, 4).Done()
			})
		}, "features not divisible by heads must panic")
		require.Panics(t, func() {
			MustExecOnce(backend, func(g *Graph) *Node {
				query := Ones(g, shapes.Make(dtypes.Float32, 1, 3, 8))
				keyValue := Ones(g, shapes.Make(dtypes.Float32, 1, 3, 6))
				return MultiHeadAttention(query, keyValue, keyValue, 2).Done()
			})
		}, "query/key feature mismatch must panic")
	})
}

func TestAttentionQKV(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, q, kv *Node) []*Node {
		output, coefficients := AttentionQKV(ctx, q, kv, kv, 2).
			WithFeatureDepth(8).
			WithOutputDim(6).
			DoneWithCoefficients()
		return []*Node{output, coefficients}
	})

	query := [][][]float32{{{1, 2, 3, 4}, {0.5, -0.5, 1, 0}}}      // [1, 2, 4]
	keyValue := [][][]float32{{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}}   // [1, 3, 3]
	outputs := exec.MustExec(query, keyValue)
	output, coefficients := outputs[0], outputs[1]

	assert.Equal(t, []int{1, 2, 6}, output.Shape().Dimensions)
	assert.Equal(t, []int{1, 2, 2, 3}, coefficients.Shape().Dimensions)

	// Four Dense projections (query, key, value, output), each with weights
	// and biases, all scoped under "AttentionQKV".
	numVars := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if strings.HasPrefix(v.Name(), "#") {
			return // Internal variables, like #rngstate.
		}
		assert.Contains(t, v.Scope(), "AttentionQKV")
		numVars++
	})
	assert.Equal(t, 8, numVars)
}
