// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet18q

import (
	"fmt"
	"slices"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/qresnet/pkg/ml/layers/normalization"
	"github.com/gomlx/qresnet/pkg/ml/layers/qconv"
	"github.com/gomlx/qresnet/pkg/ml/layers/quantize"
)

// Branch suffixes used in the layer names of a residual block.
const (
	// BranchMainA is the first convolution (and normalization) of the main path.
	BranchMainA = "2a"

	// BranchMainB is the second (1x1) convolution of the main path.
	BranchMainB = "2b"

	// BranchShortcut is the projection of the shortcut, only present in ConvBlock.
	BranchShortcut = "1"
)

// DefaultConvBlockStrides is used by ConvBlock when BlockConfig.Strides is 0.
const DefaultConvBlockStrides = 2

// BlockConfig describes one residual block: it fully determines the structure and the names of the
// sub-graph built by IdentityBlock or ConvBlock.
type BlockConfig struct {
	// Stage index (2 to 5 in ResNet-18) and Block label ("a", "b", ...) are used for naming only.
	Stage int
	Block string

	// KernelSize of the first convolution of the main path. The second one is always 1x1.
	KernelSize int

	// Filters of the two convolutions of the main path. The output of the block has Filters[1] channels.
	Filters [2]int

	// Strides of the downsampling, only used by ConvBlock. If 0, DefaultConvBlockStrides is used.
	Strides int

	// UseBias in the convolutions.
	UseBias bool

	// NormMode used by every normalization layer of the block.
	NormMode normalization.Mode
}

// ConvName returns the scope name of the convolution of the given branch, e.g. "res3a_branch2a".
func (b BlockConfig) ConvName(branch string) string {
	return fmt.Sprintf("res%d%s_branch%s", b.Stage, b.Block, branch)
}

// NormName returns the scope name of the normalization of the given branch, e.g. "bn3a_branch2a".
func (b BlockConfig) NormName(branch string) string {
	return fmt.Sprintf("bn%d%s_branch%s", b.Stage, b.Block, branch)
}

// BranchNames returns the convolution names of the block: the two main path ones and, if withShortcut,
// the shortcut projection.
func (b BlockConfig) BranchNames(withShortcut bool) []string {
	names := []string{b.ConvName(BranchMainA), b.ConvName(BranchMainB)}
	if withShortcut {
		names = append(names, b.ConvName(BranchShortcut))
	}
	return names
}

// String implements fmt.Stringer.
func (b BlockConfig) String() string {
	return fmt.Sprintf("block %d%s (kernel=%d, filters=%v, strides=%d, bias=%v, norm=%s)",
		b.Stage, b.Block, b.KernelSize, b.Filters, b.Strides, b.UseBias, b.NormMode)
}

func (b BlockConfig) validate(blockType string) {
	if b.Stage <= 0 || b.Block == "" {
		Panicf("resnet18q.%s: invalid stage/block naming (%d, %q)", blockType, b.Stage, b.Block)
	}
	if b.KernelSize <= 0 || b.Filters[0] <= 0 || b.Filters[1] <= 0 || b.Strides < 0 {
		Panicf("resnet18q.%s: invalid %s", blockType, b)
	}
	if !b.NormMode.IsAMode() {
		Panicf("resnet18q.%s: invalid normalization mode in %s", blockType, b)
	}
}

// convBranch creates a convolution followed by its normalization layer.
func convBranch(ctx *context.Context, x *Node, b BlockConfig, branch string, policy *quantize.Policy,
	channels, kernelSize, strides int) *Node {
	x = qconv.New(ctx.In(b.ConvName(branch)), x, policy).
		Channels(channels).
		KernelSize(kernelSize).
		Strides(strides).
		PadSame().
		UseBias(b.UseBias).
		CurrentScope().
		Done()
	return normalization.BatchNorm(ctx.In(b.NormName(branch)), x, b.NormMode)
}

// residualAdd adds the main path and the shortcut, and applies the activation.
// Their shapes must match exactly.
func residualAdd(b BlockConfig, blockType string, mainPath, shortcut *Node, activation *quantize.Activation) *Node {
	if !slices.Equal(mainPath.Shape().Dimensions, shortcut.Shape().Dimensions) {
		Panicf("resnet18q.%s(%d%s): main path shape %s doesn't match the shortcut shape %s",
			blockType, b.Stage, b.Block, mainPath.Shape(), shortcut.Shape())
	}
	return activation.Apply(Add(mainPath, shortcut))
}

// IdentityBlock is the residual block with no projection in the shortcut:
//
//	output = activation(norm(conv_1x1(activation(norm(conv_kxk(x))))) + x)
//
// The kernels of both convolutions are read through policy (nil for full precision), and activation is
// applied after the first normalization and after the addition.
//
// x must be shaped `[batch, height, width, Filters[1]]`, otherwise the addition fails at construction time.
func IdentityBlock(ctx *context.Context, x *Node, b BlockConfig, policy *quantize.Policy,
	activation *quantize.Activation) *Node {
	b.validate("IdentityBlock")
	if activation == nil {
		Panicf("resnet18q.IdentityBlock(%d%s): activation quantizer not set", b.Stage, b.Block)
	}
	y := convBranch(ctx, x, b, BranchMainA, policy, b.Filters[0], b.KernelSize, 1)
	y = activation.Apply(y)
	y = convBranch(ctx, y, b, BranchMainB, policy, b.Filters[1], 1, 1)
	return residualAdd(b, "IdentityBlock", y, x, activation)
}

// ConvBlock is the downsampling residual block, with a 1x1 projection in the shortcut:
//
//	main = norm(conv_1x1(activation(norm(conv_kxk(max_pool_1x1(x, strides))))))
//	output = activation(main + norm(conv_1x1(x, strides)))
//
// The main path kernels are read through policy, the shortcut kernel through policy.ForShortcut(), which is
// full precision unless the policy was created with shortcut quantization.
//
// The output is shaped `[batch, ceil(height/strides), ceil(width/strides), Filters[1]]`.
func ConvBlock(ctx *context.Context, x *Node, b BlockConfig, policy *quantize.Policy,
	activation *quantize.Activation) *Node {
	b.validate("ConvBlock")
	if activation == nil {
		Panicf("resnet18q.ConvBlock(%d%s): activation quantizer not set", b.Stage, b.Block)
	}
	strides := b.Strides
	if strides == 0 {
		strides = DefaultConvBlockStrides
	}

	// Downsampling happens in a 1x1 pooling, the first convolution itself is not strided.
	y := MaxPool(x).Window(1).Strides(strides).NoPadding().Done()
	y = convBranch(ctx, y, b, BranchMainA, policy, b.Filters[0], b.KernelSize, 1)
	y = activation.Apply(y)
	y = convBranch(ctx, y, b, BranchMainB, policy, b.Filters[1], 1, 1)

	shortcut := convBranch(ctx, x, b, BranchShortcut, policy.ForShortcut(), b.Filters[1], 1, strides)
	return residualAdd(b, "ConvBlock", y, shortcut, activation)
}
