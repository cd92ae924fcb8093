// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package momentum_test

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/qresnet/pkg/ml/train/optimizers/momentum"
	"github.com/stretchr/testify/require"
)

// runSteps minimizes sum(w) with the optimizer, and returns w after each step.
func runSteps(t *testing.T, opt optimizers.Interface, numSteps int) (*context.Context, [][]float32) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		w := ctx.In("model").VariableWithValue("w", []float32{1, 2, 3})
		loss := ReduceAllSum(w.ValueGraph(g))
		opt.UpdateGraph(ctx, g, loss)
		return loss
	})
	var results [][]float32
	for range numSteps {
		_ = exec.MustExec()
		w := ctx.GetVariableByScopeAndName("/model", "w")
		require.NotNil(t, w)
		results = append(results, tensors.MustCopyFlatData[float32](w.MustValue()))
	}
	return ctx, results
}

func TestMomentum(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		opt := momentum.New().LearningRate(0.1).Nesterov(false).Done()
		_, steps := runSteps(t, opt, 2)
		// First step: -η. Second step: velocity = -μη - η.
		require.InDeltaSlice(t, []float32{0.9, 1.9, 2.9}, steps[0], 1e-5)
		require.InDeltaSlice(t, []float32{0.71, 1.71, 2.71}, steps[1], 1e-5)
	})

	t.Run("nesterov", func(t *testing.T) {
		opt := momentum.New().LearningRate(0.1).Done()
		ctx, steps := runSteps(t, opt, 1)
		// First step: -η(1+μ).
		require.InDeltaSlice(t, []float32{0.81, 1.81, 2.81}, steps[0], 1e-5)
		velocity := ctx.GetVariableByScopeAndName("/"+momentum.DefaultScope+"/model", "w_velocity")
		require.NotNil(t, velocity)
		require.InDeltaSlice(t, []float32{-0.1, -0.1, -0.1}, tensors.MustCopyFlatData[float32](velocity.MustValue()), 1e-6)
		require.Equal(t, int64(1), optimizers.GetGlobalStep(ctx))

		require.NoError(t, opt.Clear(ctx))
		require.Nil(t, ctx.GetVariableByScopeAndName("/"+momentum.DefaultScope+"/model", "w_velocity"))
	})

	t.Run("from_context", func(t *testing.T) {
		ctx := context.New()
		ctx.SetParams(map[string]any{
			optimizers.ParamOptimizer: momentum.Name,
			momentum.ParamMomentum:    0.5,
			momentum.ParamNesterov:    false,
		})
		opt := optimizers.FromContext(ctx)
		require.NotNil(t, opt)
		_, steps := runSteps(t, opt, 2)
		// Learning rate defaults to 0.1: second step moves by 0.1*0.5 + 0.1.
		require.InDeltaSlice(t, []float32{0.75, 1.75, 2.75}, steps[1], 1e-5)
	})

	require.Panics(t, func() { momentum.New().Momentum(1.0) })
}
