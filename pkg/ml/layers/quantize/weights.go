// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package quantize implements quantization-aware training primitives: a binary weight quantizer,
// a low-bit activation quantizer and a Policy that decides, per variable Role, which values used
// in the forward pass are replaced by their quantized versions.
//
// The raw full-precision variables are always the ones stored and updated by the optimizers.
// Quantizers only change the value consumed downstream, and they use straight-through estimators
// for the gradients.
package quantize

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// WeightFn maps a full-precision weight to the value used in the forward computation.
// It must be a pure function of its input.
type WeightFn func(w *Node) *Node

// DefaultWeightClipValue is the saturation limit of the straight-through estimator of BinaryMeanScaling:
// gradients for weights with |w| > DefaultWeightClipValue are zeroed.
const DefaultWeightClipValue = 1.0

// WeightConfig configures a binary mean-scaling quantizer. Create it with BinaryMeanScaling and
// finish with Done.
type WeightConfig struct {
	perChannel   bool
	channelsAxis int
	clipValue    float64
}

// BinaryMeanScaling creates the configuration of the binary mean-scaling weight quantizer:
//
//	Q(W) = sign(W) * mean(|W|)
//
// where sign(0) is taken as +1, so every output element is exactly +α or -α.
//
// By default α is a single scalar computed over the whole tensor. See PerChannel to compute one α per
// output channel.
//
// Gradients use a straight-through estimator with saturation: they pass unchanged where
// |w| <= ClipValue and are zeroed elsewhere.
func BinaryMeanScaling() *WeightConfig {
	return &WeightConfig{
		channelsAxis: -1,
		clipValue:    DefaultWeightClipValue,
	}
}

// PerChannel configures whether α is computed per output channel (over all other axes).
// The default is false, a global α.
func (c *WeightConfig) PerChannel(perChannel bool) *WeightConfig {
	c.perChannel = perChannel
	return c
}

// ChannelsAxis sets the output-channels axis used when PerChannel is enabled.
// Negative values are counted from the end. The default is -1, the last axis, which is the output
// channels axis of kernels shaped `[<spatial_dims...>, input_channels, output_channels]`.
func (c *WeightConfig) ChannelsAxis(axis int) *WeightConfig {
	c.channelsAxis = axis
	return c
}

// ClipValue sets the saturation limit of the straight-through estimator.
// A value <= 0 disables saturation, and the gradient becomes the identity.
func (c *WeightConfig) ClipValue(clipValue float64) *WeightConfig {
	c.clipValue = clipValue
	return c
}

// Done returns the quantization function. The configuration is copied, so later changes
// to c don't affect the returned function.
func (c *WeightConfig) Done() WeightFn {
	cfg := *c
	return cfg.quantize
}

func (c WeightConfig) quantize(w *Node) *Node {
	if !w.DType().IsFloat() {
		Panicf("quantize.BinaryMeanScaling requires a float weight, got %s", w.Shape())
	}
	g := w.Graph()
	dtype := w.DType()
	raw := StopGradient(w)
	absW := Abs(raw)

	// α is accumulated in float64: the mean of n copies of the same float32 value is then exact
	// (for n < 2^29), which makes the quantizer idempotent.
	absW64 := ConvertDType(absW, dtypes.Float64)
	var alpha *Node
	if c.perChannel && w.Rank() > 1 {
		channelsAxis := c.channelsAxis
		if channelsAxis < 0 {
			channelsAxis += w.Rank()
		}
		if channelsAxis < 0 || channelsAxis >= w.Rank() {
			Panicf("quantize.BinaryMeanScaling: channels axis %d out of range for weight %s", c.channelsAxis, w.Shape())
		}
		reduceAxes := make([]int, 0, w.Rank()-1)
		for axis := range w.Rank() {
			if axis != channelsAxis {
				reduceAxes = append(reduceAxes, axis)
			}
		}
		alpha = ReduceAndKeep(absW64, ReduceMean, reduceAxes...)
	} else {
		alpha = ReduceAllMean(absW64)
	}
	alpha = ConvertDType(alpha, dtype)
	signs := Where(GreaterOrEqual(raw, ScalarZero(g, dtype)), ScalarOne(g, dtype), Scalar(g, dtype, -1))
	quantized := Mul(signs, alpha)

	clipValue := c.clipValue
	if clipValue <= 0 {
		return straightThrough(w, quantized, nil)
	}
	return straightThrough(w, quantized, func(x *Node) *Node {
		return LessOrEqual(Abs(x), Scalar(x.Graph(), x.DType(), clipValue))
	})
}

// straightThrough returns a node whose value is exactly quantized, and whose gradient with respect
// to x is the incoming gradient, masked by passMask(x) if passMask is not nil.
//
// quantized must not depend on x through differentiable paths.
func straightThrough(x, quantized *Node, passMask func(x *Node) *Node) *Node {
	// Non-finite inputs would turn the zero term below into NaN (Inf - Inf). Their gradient is zeroed.
	gradX := Where(IsFinite(x), x, ZerosLike(x))
	if passMask != nil {
		gradX = IdentityWithCustomGradient(gradX, func(x, v *Node) *Node {
			return Where(passMask(x), v, ZerosLike(v))
		})
	}
	// Exactly zero in value, identity (or masked) in gradient.
	zero := Sub(gradX, StopGradient(gradX))
	return Add(StopGradient(quantized), zero)
}
