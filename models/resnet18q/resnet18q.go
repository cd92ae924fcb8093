// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package resnet18q builds a quantized ResNet-18 feature extractor (backbone) with GoMLX.
//
// The residual blocks read their convolution kernels through a quantize.Policy (binary weights by default),
// and use a low-bit quantize.Activation as the non-linearity everywhere. The stem convolution and the
// classification head are kept in full precision.
//
// Variables follow the naming used by Keras ResNet checkpoints: "conv1", "bn_conv1", "res{stage}{block}_branch{2a,2b,1}"
// and "bn{stage}{block}_branch{2a,2b,1}".
//
// Example:
//
//	cfg, err := resnet18q.ConfigFromContext(ctx)
//	if err != nil { ... }
//	features := resnet18q.Backbone(ctx.In("model"), cfg, images)
//	c3 := features.C3
package resnet18q

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/qresnet/pkg/ml/layers/normalization"
	"github.com/gomlx/qresnet/pkg/ml/layers/qconv"
	"github.com/gomlx/qresnet/pkg/ml/layers/quantize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamUseBias is the context hyperparameter that defines whether the block convolutions use a bias.
	// Default is true.
	ParamUseBias = "resnet_use_bias"

	// StemConvName and StemNormName are the scopes of the first (full precision) convolution and its normalization.
	StemConvName = "conv1"
	StemNormName = "bn_conv1"

	// StemPadding is the zero-padding applied to the spatial axes of the images before the stem convolution.
	StemPadding = 3
)

// Stage describes one stage of the network: a ConvBlock followed by an IdentityBlock.
type Stage struct {
	Index   int
	Filters [2]int
	Strides int
}

// Stages of ResNet-18, after the stem. Spatial dimensions are halved in every stage but the first.
var Stages = []Stage{
	{Index: 2, Filters: [2]int{64, 256}, Strides: 1},
	{Index: 3, Filters: [2]int{128, 512}, Strides: 2},
	{Index: 4, Filters: [2]int{256, 1024}, Strides: 2},
	{Index: 5, Filters: [2]int{512, 2048}, Strides: 2},
}

// Config of the backbone, fixed at build time.
type Config struct {
	// Policy used to read the kernels of the residual blocks. nil means full precision.
	Policy *quantize.Policy

	// Activation used after every normalization that is followed by a non-linearity. Required.
	Activation *quantize.Activation

	// NormMode of every normalization layer.
	NormMode normalization.Mode

	// UseBias in the convolutions of the residual blocks. The stem convolution always uses a bias.
	UseBias bool

	// KernelSize of the first convolution of each block.
	KernelSize int
}

// DefaultConfig returns the configuration built from quantize.DefaultConfig: binary weights with
// mean scaling, 2 bits activations up to 2.0, and quantized shortcut projections.
func DefaultConfig() Config {
	policy, activation, err := quantize.DefaultConfig().Build()
	if err != nil {
		exceptions.Panicf("resnet18q: invalid default quantization config: %+v", err)
	}
	return Config{
		Policy:     policy,
		Activation: activation,
		NormMode:   normalization.ModeDefault,
		UseBias:    true,
		KernelSize: 3,
	}
}

// ConfigFromContext creates a Config from the hyperparameters in ctx: see quantize.ConfigFromContext,
// normalization.ParamMode and ParamUseBias.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	cfg := DefaultConfig()
	var err error
	cfg.Policy, cfg.Activation, err = quantize.ConfigFromContext(ctx).Build()
	if err != nil {
		return cfg, errors.WithMessage(err, "resnet18q: building quantizers from context")
	}
	cfg.NormMode, err = normalization.ModeFromContext(ctx)
	if err != nil {
		return cfg, err
	}
	cfg.UseBias = context.GetParamOr(ctx, ParamUseBias, cfg.UseBias)
	return cfg, nil
}

// Features holds the output of the backbone and its feature taps.
// Each tap is the output of one stage (C1 is the stem), so they can be consumed by other heads without
// recomputation.
type Features struct {
	Output             *Node
	C1, C2, C3, C4, C5 *Node
}

// TapNames are the names of the feature taps, in the order returned by Features.Taps.
var TapNames = []string{"C1", "C2", "C3", "C4", "C5"}

// Taps returns C1 to C5.
func (f *Features) Taps() []*Node {
	return []*Node{f.C1, f.C2, f.C3, f.C4, f.C5}
}

// Stem builds the full precision input layers:
// zero-padding, 7x7/2 convolution with 64 filters, normalization, activation and a 3x3/2 max-pooling.
func Stem(ctx *context.Context, cfg Config, images *Node) *Node {
	g := images.Graph()
	x := Pad(images, ScalarZero(g, images.DType()),
		PadAxis{}, PadAxis{Start: StemPadding, End: StemPadding}, PadAxis{Start: StemPadding, End: StemPadding}, PadAxis{})
	x = qconv.New(ctx.In(StemConvName), x, cfg.Policy.FullPrecision()).
		Channels(64).
		KernelSize(7).
		Strides(2).
		NoPadding().
		CurrentScope().
		Done()
	x = normalization.BatchNorm(ctx.In(StemNormName), x, cfg.NormMode)
	x = cfg.Activation.Apply(x)
	return MaxPool(x).Window(3).Strides(2).PadSame().Done()
}

// StageBlocks returns the configuration of the two blocks of a stage.
func (cfg Config) StageBlocks(stage Stage) (convBlock, identityBlock BlockConfig) {
	convBlock = BlockConfig{
		Stage:      stage.Index,
		Block:      "a",
		KernelSize: cfg.KernelSize,
		Filters:    stage.Filters,
		Strides:    stage.Strides,
		UseBias:    cfg.UseBias,
		NormMode:   cfg.NormMode,
	}
	identityBlock = convBlock
	identityBlock.Block = "b"
	identityBlock.Strides = 0
	return
}

// Backbone builds the ResNet-18 feature extractor on images shaped `[batch, height, width, 3]`, and returns
// the final feature map along with the taps C1 to C5.
//
// For an input of 224x224, C1 is `[batch, 56, 56, 64]` and C5 (and Output) is `[batch, 7, 7, 2048]`.
//
// Variables are created in the scope of ctx. Building it twice in the same scope panics, unless ctx
// is marked for reuse (ctx.Reuse()), as is the case in evaluation graphs of a trained model.
func Backbone(ctx *context.Context, cfg Config, images *Node) *Features {
	if cfg.Activation == nil {
		exceptions.Panicf("resnet18q.Backbone: Config.Activation must be set")
	}
	if images.Rank() != 4 {
		exceptions.Panicf("resnet18q.Backbone: images must be shaped [batch, height, width, channels], got %s",
			images.Shape())
	}
	if cfg.KernelSize == 0 {
		cfg.KernelSize = 3
	}
	features := &Features{}
	x := Stem(ctx, cfg, images)
	features.C1 = x
	taps := []**Node{&features.C2, &features.C3, &features.C4, &features.C5}
	for ii, stage := range Stages {
		convBlock, identityBlock := cfg.StageBlocks(stage)
		x = ConvBlock(ctx, x, convBlock, cfg.Policy, cfg.Activation)
		x = IdentityBlock(ctx, x, identityBlock, cfg.Policy, cfg.Activation)
		*taps[ii] = x
	}
	features.Output = x
	if klog.V(1).Enabled() {
		for ii, tap := range features.Taps() {
			klog.Infof("resnet18q: %s %s", TapNames[ii], tap.Shape())
		}
	}
	return features
}
