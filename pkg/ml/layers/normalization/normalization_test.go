// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package normalization_test

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/qresnet/pkg/ml/layers/normalization"
	"github.com/stretchr/testify/require"
)

var testInput = [][]float32{{1, 2}, {3, 4}, {5, 6}, {7, 8}}

// runBatchNorm builds a single normalization layer in scope "bn" and returns its output and the
// moving average of the mean after execution.
func runBatchNorm(t *testing.T, mode normalization.Mode, training bool) (output, movingMean []float32) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	out := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		ctx.SetTraining(x.Graph(), training)
		return normalization.BatchNorm(ctx.In("bn"), x, mode)
	}, testInput)
	meanVar := ctx.GetVariableByScopeAndName("/bn", "mean")
	require.NotNil(t, meanVar)
	return tensors.MustCopyFlatData[float32](out), tensors.MustCopyFlatData[float32](meanVar.MustValue())
}

func TestBatchNorm(t *testing.T) {
	t.Run("default_training", func(t *testing.T) {
		_, mean := runBatchNorm(t, normalization.ModeDefault, true)
		require.NotEqual(t, []float32{0, 0}, mean, "moving averages should be updated while training")
	})

	t.Run("default_inference", func(t *testing.T) {
		out, mean := runBatchNorm(t, normalization.ModeDefault, false)
		require.Equal(t, []float32{0, 0}, mean)
		require.InDelta(t, 8.0, out[7], 0.01)
	})

	t.Run("frozen_while_training", func(t *testing.T) {
		out, mean := runBatchNorm(t, normalization.ModeFrozen, true)
		require.Equal(t, []float32{0, 0}, mean, "frozen normalization must not update moving averages")
		// Initial averages are mean=0, variance=1: output is (almost) the input.
		require.InDelta(t, 1.0, out[0], 0.01)
		require.InDelta(t, 8.0, out[7], 0.01)
	})

	t.Run("force_training_in_inference", func(t *testing.T) {
		out, _ := runBatchNorm(t, normalization.ModeForceTraining, false)
		// Batch statistics of the first column: mean=4, variance=5.
		want := -3 / math.Sqrt(5)
		require.InDelta(t, want, out[0], 0.01)
		require.InDelta(t, 0.0, out[0]+out[2]+out[4]+out[6], 1e-4)
	})
}

func TestBatchNormModeIsScoped(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		g := x.Graph()
		ctx.SetTraining(g, true)
		frozen := normalization.BatchNorm(ctx.In("bn_frozen"), x, normalization.ModeFrozen)
		training := ctx.IsTraining(g)
		normal := normalization.BatchNorm(ctx.In("bn_default"), x, normalization.ModeDefault)
		return []*Node{frozen, normal, Const(g, training)}
	}, testInput)
	require.Equal(t, true, outputs[2].Value(), "mode override must not leak to the parent scope")
	normal := tensors.MustCopyFlatData[float32](outputs[1])
	require.InDelta(t, 0.0, normal[0]+normal[2]+normal[4]+normal[6], 1e-4)
}

func TestParseMode(t *testing.T) {
	for input, want := range map[string]normalization.Mode{
		"":               normalization.ModeDefault,
		"None":           normalization.ModeDefault,
		"default":        normalization.ModeDefault,
		"false":          normalization.ModeFrozen,
		"frozen":         normalization.ModeFrozen,
		"true":           normalization.ModeForceTraining,
		"force_training": normalization.ModeForceTraining,
	} {
		got, err := normalization.ParseMode(input)
		require.NoErrorf(t, err, "parsing %q", input)
		require.Equalf(t, want, got, "parsing %q", input)
	}
	_, err := normalization.ParseMode("sometimes")
	require.Error(t, err)

	ctx := context.New()
	ctx.SetParam(normalization.ParamMode, "frozen")
	mode, err := normalization.ModeFromContext(ctx)
	require.NoError(t, err)
	require.Equal(t, normalization.ModeFrozen, mode)
}
