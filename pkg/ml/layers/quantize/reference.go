// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantize

import (
	"math"

	"golang.org/x/exp/constraints"
)

// BinaryMeanScalingValues is the host (Go) version of BinaryMeanScaling with a global α, for
// flat weight values. It returns the quantized values and α.
//
// It is used to check or export quantized weights without building a computation graph.
func BinaryMeanScalingValues[T constraints.Float](weights []T) (quantized []T, alpha T) {
	quantized = make([]T, len(weights))
	if len(weights) == 0 {
		return
	}
	var sum float64
	for _, w := range weights {
		sum += math.Abs(float64(w))
	}
	alpha = T(sum / float64(len(weights)))
	for ii, w := range weights {
		if w >= 0 {
			quantized[ii] = alpha
		} else {
			quantized[ii] = -alpha
		}
	}
	return
}

// QuantizeValues is the host (Go) version of Activation.Apply.
func QuantizeValues[T constraints.Float](a *Activation, values []T) []T {
	step := a.Step()
	out := make([]T, len(values))
	for ii, v := range values {
		x := min(max(float64(v), 0), a.maxValue)
		out[ii] = T(min(math.Round(x/step)*step, a.maxValue))
	}
	return out
}
