// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package qconv_test

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/qresnet/pkg/ml/layers/qconv"
	"github.com/gomlx/qresnet/pkg/ml/layers/quantize"
	"github.com/gomlx/qresnet/pkg/ml/train/optimizers/momentum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "shapes")
	x := Parameter(g, "x", shapes.Make(dtypes.Float32, 2, 8, 8, 3))
	ctx := context.New()

	same := qconv.New(ctx.In("same"), x, nil).Channels(5).KernelSize(3).Strides(2).PadSame().Done()
	assert.Equal(t, []int{2, 4, 4, 5}, same.Shape().Dimensions)

	valid := qconv.New(ctx.In("valid"), x, nil).Channels(5).KernelSize(3).UseBias(false).Done()
	assert.Equal(t, []int{2, 6, 6, 5}, valid.Shape().Dimensions)

	kernel := ctx.GetVariableByScopeAndName("/same/conv", qconv.KernelName)
	require.NotNil(t, kernel)
	assert.Equal(t, []int{3, 3, 3, 5}, kernel.Shape().Dimensions)
	require.NotNil(t, ctx.GetVariableByScopeAndName("/same/conv", qconv.BiasName))
	assert.Nil(t, ctx.GetVariableByScopeAndName("/valid/conv", qconv.BiasName))

	require.Panics(t, func() { _ = qconv.New(ctx.In("missing"), x, nil).KernelSize(3).Done() })
	require.Panics(t, func() { _ = qconv.New(ctx, x, nil).Channels(2).KernelSizePerAxis(3) })
}

func TestQuantizedKernel(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	policy, err := quantize.NewPolicy(quantize.BinaryMeanScaling().Done())
	require.NoError(t, err)

	ctx := context.New()
	ctxLayer := ctx.In("res2a_branch2a")
	ctxLayer.VariableWithValue(qconv.KernelName, [][][][]float32{{{{0.5}, {-1.5}}}})
	ctxLayer.VariableWithValue(qconv.BiasName, []float32{0.25})

	// Input with 2 channels: (2, 1) at every position.
	input := [][][][]float32{{{{2, 1}, {2, 1}}, {{2, 1}, {2, 1}}}}
	run := func(p *quantize.Policy) []float32 {
		out := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return qconv.New(ctx.In("res2a_branch2a").Reuse(), x, p).
				Channels(1).KernelSize(1).CurrentScope().Done()
		}, input)
		return tensors.MustCopyFlatData[float32](out)
	}

	// Quantized kernel is {1, -1}: 2*1 - 1*1 + 0.25.
	assert.Equal(t, []float32{1.25, 1.25, 1.25, 1.25}, run(policy))
	// Full precision kernel: 2*0.5 - 1.5 + 0.25.
	assert.Equal(t, []float32{-0.25, -0.25, -0.25, -0.25}, run(nil))
}

// TestTrainsRawKernel checks that the optimizer updates the full precision kernel with the
// straight-through gradient, while the forward pass uses the quantized kernel.
func TestTrainsRawKernel(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	policy, err := quantize.NewPolicy(quantize.BinaryMeanScaling().Done())
	require.NoError(t, err)
	opt := momentum.New().LearningRate(0.1).Nesterov(false).Done()

	ctx := context.New()
	ctx.In("res2a_branch2a").VariableWithValue(qconv.KernelName, [][][][]float32{{{{0.5}, {-1.5}, {0.25}}}})
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		y := qconv.New(ctx.In("res2a_branch2a").Reuse(), x, policy).
			Channels(1).KernelSize(1).UseBias(false).CurrentScope().Done()
		loss := ReduceAllSum(y)
		opt.UpdateGraph(ctx, x.Graph(), loss)
		return loss
	})

	// α = (0.5 + 1.5 + 0.25) / 3 = 0.75, so the forward value is 0.75 * (2 - 1 - 4).
	loss := exec.MustExec([][][][]float32{{{{2, 1, -4}}}})[0]
	require.InDelta(t, -2.25, tensors.ToScalar[float32](loss), 1e-5)

	// Gradients are the inputs {2, 1, -4}, except for -1.5 which is beyond the clip value (1.0) and is zeroed.
	kernel := ctx.GetVariableByScopeAndName("/res2a_branch2a", qconv.KernelName)
	require.NotNil(t, kernel)
	got := tensors.MustCopyFlatData[float32](kernel.MustValue())
	require.InDeltaSlice(t, []float32{0.3, -1.5, 0.65}, got, 1e-5)
	require.NotEqual(t, float32(math.Abs(float64(got[0]))), float32(math.Abs(float64(got[2]))),
		"the stored kernel must stay full precision, not ±α")
}
