// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stepschedule_test

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/qresnet/pkg/ml/train/optimizers/stepschedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLearningRateAt(t *testing.T) {
	const baseLR = 0.1 * 128 / 256
	cfg := stepschedule.New(context.New(), nil, dtypes.Float32).LearningRate(baseLR)
	for epoch, want := range map[int]float64{
		0:   baseLR,
		29:  baseLR,
		30:  baseLR * 0.1,
		59:  baseLR * 0.1,
		60:  baseLR * 0.01,
		95:  baseLR * 0.001,
		120: baseLR * 0.0001,
	} {
		assert.InDeltaf(t, want, cfg.LearningRateAt(epoch), 1e-12, "epoch %d", epoch)
	}
	require.NoError(t, cfg.Validate())
	require.Error(t, cfg.Boundaries([]int{10, 5}, []float64{1, 0.1, 0.01}).Validate())
	require.Error(t, cfg.Boundaries([]int{10}, []float64{1}).Validate())
}

func TestScheduleGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate:    1.0,
		stepschedule.ParamStepsPerEpoch: 2,
		stepschedule.ParamBoundaries:    []int{1, 2},
		stepschedule.ParamFactors:       []float64{1, 0.1, 0.01},
	})
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		stepschedule.New(ctx, g, dtypes.Float32).FromContext().Done()
		return optimizers.LearningRateVar(ctx, dtypes.Float32, 0).ValueGraph(g)
	})
	var got []float32
	for range 6 {
		got = append(got, tensors.ToScalar[float32](exec.MustExec()[0]))
	}
	// Two steps per epoch: epochs 0, 0, 1, 1, 2, 2.
	require.InDeltaSlice(t, []float32{1, 1, 0.1, 0.1, 0.01, 0.01}, got, 1e-6)

	// Not training: learning rate is left untouched.
	evalCtx := context.New()
	evalCtx.SetParams(map[string]any{optimizers.ParamLearningRate: 1.0, stepschedule.ParamStepsPerEpoch: 2})
	lr := context.MustExecOnce(backend, evalCtx, func(ctx *context.Context, g *Graph) *Node {
		stepschedule.New(ctx, g, dtypes.Float32).FromContext().Done()
		return optimizers.LearningRateVar(ctx, dtypes.Float32, 0.5).ValueGraph(g)
	})
	require.Equal(t, float32(0.5), tensors.ToScalar[float32](lr))
}
