// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantize

import (
	"fmt"
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

const (
	// DefaultActivationBits is the bit-width used by the ResNet models of this module.
	DefaultActivationBits = 2

	// DefaultActivationMaxValue is the clipping range [0, max_value] used by the ResNet models of this module.
	DefaultActivationMaxValue = 2.0

	// MaxActivationBits is the largest bit-width accepted. Above it the levels are no longer exactly
	// representable in float32.
	MaxActivationBits = 24
)

// Activation is a linear mid-tread half-wave activation quantizer:
//
//	step = max_value / (2^bits - 1)
//	y = Round(Clip(x, 0, max_value) / step) * step
//
// It is immutable once created and safe to share among every activation site of a model.
//
// Gradients use a straight-through estimator: identity for 0 <= x <= max_value, zero outside.
type Activation struct {
	bits     int
	maxValue float64
}

// LinearMidTreadHalf creates an activation quantizer with the given bit-width and clipping range.
// It returns an error if bits is not in [1, MaxActivationBits] or if maxValue is not a positive finite value.
func LinearMidTreadHalf(bits int, maxValue float64) (*Activation, error) {
	if bits <= 0 || bits > MaxActivationBits {
		return nil, errors.Errorf("invalid activation quantizer bits=%d, it must be in [1, %d]", bits, MaxActivationBits)
	}
	if !(maxValue > 0) || math.IsInf(maxValue, 0) {
		return nil, errors.Errorf("invalid activation quantizer max_value=%g, it must be > 0 and finite", maxValue)
	}
	return &Activation{bits: bits, maxValue: maxValue}, nil
}

// DefaultActivation returns the 2-bits, [0, 2] activation quantizer.
func DefaultActivation() *Activation {
	return &Activation{bits: DefaultActivationBits, maxValue: DefaultActivationMaxValue}
}

// Bits returns the configured bit-width.
func (a *Activation) Bits() int { return a.bits }

// MaxValue returns the upper limit of the clipping range.
func (a *Activation) MaxValue() float64 { return a.maxValue }

// NumLevels returns the number of representable values, 2^bits.
func (a *Activation) NumLevels() int { return 1 << a.bits }

// Step returns the distance between consecutive levels.
func (a *Activation) Step() float64 { return a.maxValue / float64(a.NumLevels()-1) }

// Levels returns the representable output values, in increasing order. The first is always 0 and the
// last is always MaxValue.
func (a *Activation) Levels() []float64 {
	n := a.NumLevels()
	levels := make([]float64, n)
	step := a.Step()
	for ii := range n {
		levels[ii] = float64(ii) * step
	}
	levels[n-1] = a.maxValue
	return levels
}

// String implements fmt.Stringer.
func (a *Activation) String() string {
	return fmt.Sprintf("LinearMidTreadHalf(bits=%d, max_value=%g)", a.bits, a.maxValue)
}

// Apply quantizes x. It is a graph building function and panics if x is not a float.
func (a *Activation) Apply(x *Node) *Node {
	if !x.DType().IsFloat() {
		Panicf("%s requires a float input, got %s", a, x.Shape())
	}
	raw := StopGradient(x)
	step := a.Step()
	clipped := ClipScalar(raw, 0, a.maxValue)
	quantized := MulScalar(Round(DivScalar(clipped, step)), step)
	// Make sure the top level is exactly max_value, regardless of rounding of step.
	quantized = MinScalar(quantized, a.maxValue)
	maxValue := a.maxValue
	return straightThrough(x, quantized, func(x *Node) *Node {
		g := x.Graph()
		dtype := x.DType()
		return LogicalAnd(
			GreaterOrEqual(x, ScalarZero(g, dtype)),
			LessOrEqual(x, Scalar(g, dtype, maxValue)))
	})
}
