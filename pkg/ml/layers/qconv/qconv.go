// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package qconv implements a quantization-aware convolution layer: its kernel is created with the
// quantize.RoleKernel role and read through a quantize.Policy.
package qconv

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/qresnet/pkg/ml/layers/quantize"
)

const (
	// KernelName is the name of the convolution kernel variable.
	KernelName = "kernel"

	// BiasName is the name of the convolution bias variable.
	BiasName = "bias"

	// DefaultScope is the sub-scope created for the variables, unless CurrentScope is used.
	DefaultScope = "conv"
)

// Builder is a helper to build a quantization-aware convolution. Create it with New, set the desired
// parameters and call Done.
type Builder struct {
	ctx            *context.Context
	graph          *Graph
	x              *Node
	policy         *quantize.Policy
	numSpatialDims int
	outputChannels int
	kernelSize     []int
	strides        []int
	bias           bool
	padSame        bool
	newScope       bool
	regularizer    regularizers.Regularizer
}

// New prepares a convolution of x, shaped `[batch, <spatial_dimensions...>, input_channels]`, whose kernel is read
// through policy. A nil policy is full precision.
//
// Channels and KernelSize must be set. Defaults: no padding, strides 1, with bias, and a new sub-scope named
// DefaultScope.
func New(ctx *context.Context, x *Node, policy *quantize.Policy) *Builder {
	conv := &Builder{
		ctx:         ctx,
		graph:       x.Graph(),
		x:           x,
		policy:      policy,
		bias:        true,
		newScope:    true,
		regularizer: regularizers.FromContext(ctx),
	}
	conv.numSpatialDims = x.Rank() - 2
	if conv.numSpatialDims <= 0 {
		Panicf("qconv.New requires x shaped [batch, <spatial_dimensions...>, channels], got x.shape=%s", x.Shape())
	}
	return conv.Strides(1)
}

// Channels sets the number of output channels. There is no default.
func (conv *Builder) Channels(channels int) *Builder {
	if channels <= 0 {
		Panicf("qconv: number of output channels must be > 0, got %d", channels)
	}
	conv.outputChannels = channels
	return conv
}

// KernelSize sets the kernel size for every spatial axis. There is no default.
func (conv *Builder) KernelSize(size int) *Builder {
	return conv.KernelSizePerAxis(xslices.SliceWithValue(conv.numSpatialDims, size)...)
}

// KernelSizePerAxis sets the kernel size for each spatial axis.
func (conv *Builder) KernelSizePerAxis(sizes ...int) *Builder {
	if len(sizes) != conv.numSpatialDims {
		Panicf("qconv: received %d kernel sizes, but x has %d spatial dimensions", len(sizes), conv.numSpatialDims)
	}
	conv.kernelSize = sizes
	return conv
}

// Strides sets the same stride for every spatial axis. The default is 1.
func (conv *Builder) Strides(stride int) *Builder {
	return conv.StridePerAxis(xslices.SliceWithValue(conv.numSpatialDims, stride)...)
}

// StridePerAxis sets the stride for each spatial axis.
func (conv *Builder) StridePerAxis(strides ...int) *Builder {
	if len(strides) != conv.numSpatialDims {
		Panicf("qconv: received %d strides, but x has %d spatial dimensions", len(strides), conv.numSpatialDims)
	}
	conv.strides = strides
	return conv
}

// PadSame pads x such that the output spatial dimensions are the input's divided by the strides (rounded up).
func (conv *Builder) PadSame() *Builder {
	conv.padSame = true
	return conv
}

// NoPadding disables padding. This is the default.
func (conv *Builder) NoPadding() *Builder {
	conv.padSame = false
	return conv
}

// UseBias sets whether to add a bias. The bias is never quantized. Default is true.
func (conv *Builder) UseBias(useBias bool) *Builder {
	conv.bias = useBias
	return conv
}

// CurrentScope creates the variables directly in the scope of the given context, instead of a
// DefaultScope sub-scope. Residual blocks use it with scopes like "res2a_branch2a".
func (conv *Builder) CurrentScope() *Builder {
	conv.newScope = false
	return conv
}

// Regularizer applied to the raw kernel. The default is regularizers.FromContext.
func (conv *Builder) Regularizer(regularizer regularizers.Regularizer) *Builder {
	conv.regularizer = regularizer
	return conv
}

// KernelShape returns the shape of the kernel variable: `[<kernel_size...>, input_channels, output_channels]`.
func (conv *Builder) KernelShape() shapes.Shape {
	xShape := conv.x.Shape()
	channelsAxis := images.GetChannelsAxis(xShape, images.ChannelsLast)
	dims := make([]int, 0, conv.numSpatialDims+2)
	dims = append(dims, conv.kernelSize...)
	dims = append(dims, xShape.Dimensions[channelsAxis], conv.outputChannels)
	return shapes.Make(xShape.DType, dims...)
}

// Done creates the variables and returns the convolution output.
func (conv *Builder) Done() *Node {
	if len(conv.kernelSize) == 0 || conv.outputChannels <= 0 {
		Panicf("qconv requires Channels and KernelSize to be set")
	}
	ctx := conv.ctx
	if conv.newScope {
		ctx = ctx.In(DefaultScope)
	}
	g := conv.graph

	kernelVar, kernel := conv.policy.Variable(ctx, g, KernelName, quantize.RoleKernel, conv.KernelShape())
	if conv.regularizer != nil {
		conv.regularizer(ctx, g, kernelVar)
	}
	convOpts := Convolve(conv.x, kernel).
		StridePerAxis(conv.strides...).
		ChannelsAxis(images.ChannelsLast)
	if conv.padSame {
		convOpts.PadSame()
	} else {
		convOpts.NoPadding()
	}
	output := convOpts.Done()

	if conv.bias {
		_, bias := conv.policy.Variable(
			ctx.WithInitializer(initializers.Zero),
			g, BiasName, quantize.RoleBias, shapes.Make(output.DType(), conv.outputChannels))
		expandedDims := xslices.SliceWithValue(output.Rank(), 1)
		expandedDims[output.Rank()-1] = conv.outputChannels
		output = Add(output, Reshape(bias, expandedDims...))
	}
	return output
}
