// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantize

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Policy decides which variables have their forward value quantized.
//
// Layers built with a quantizing Policy are in a "quantize group": their RoleKernel variables are read through
// the weight quantizer. Variables of any other role are read raw. A nil *Policy, or one returned by
// FullPrecision, quantizes nothing. This is used for the stem convolution and the classifier head.
//
// A Policy is immutable and can be shared by any number of layers and graphs.
type Policy struct {
	weight           WeightFn
	quantizeShortcut bool
	recorder         *Recorder
}

// NewPolicy creates a quantization Policy with the given weight quantizer.
// It returns an error if weight is nil.
func NewPolicy(weight WeightFn) (*Policy, error) {
	if weight == nil {
		return nil, errors.New("quantize.NewPolicy requires a weight quantization function, got nil")
	}
	return &Policy{weight: weight}, nil
}

// WithShortcutQuantization returns a copy of the Policy configured to also quantize the shortcut
// projections of residual blocks. See ForShortcut.
func (p *Policy) WithShortcutQuantization(enabled bool) *Policy {
	if p == nil {
		return nil
	}
	newP := *p
	newP.quantizeShortcut = enabled
	return &newP
}

// QuantizeShortcut returns whether shortcut projections are quantized.
func (p *Policy) QuantizeShortcut() bool {
	return p != nil && p.quantizeShortcut
}

// WithRecorder returns a copy of the Policy that records every variable it reads in r.
// Policies derived from it (ForShortcut, FullPrecision) share the recorder.
func (p *Policy) WithRecorder(r *Recorder) *Policy {
	if p == nil {
		return nil
	}
	newP := *p
	newP.recorder = r
	return &newP
}

// FullPrecision returns a copy of the Policy that quantizes nothing, but keeps its recorder.
// It returns nil if p is nil.
func (p *Policy) FullPrecision() *Policy {
	if p == nil {
		return nil
	}
	return &Policy{recorder: p.recorder}
}

// ForShortcut returns the Policy to use for a residual shortcut projection: p itself if QuantizeShortcut
// is set, p.FullPrecision() otherwise.
func (p *Policy) ForShortcut() *Policy {
	if p.QuantizeShortcut() {
		return p
	}
	return p.FullPrecision()
}

// IsQuantized returns whether a variable with the given role is quantized under this policy.
func (p *Policy) IsQuantized(role Role) bool {
	return p != nil && p.weight != nil && role == RoleKernel
}

// Apply returns the forward value for a variable value of the given role.
func (p *Policy) Apply(role Role, value *Node) *Node {
	if !p.IsQuantized(role) {
		return value
	}
	return p.weight(value)
}

// Variable creates (or reuses, according to ctx) the variable name in the current scope of ctx, and returns
// it along with its forward value for the graph g.
//
// The returned variable is always the raw full-precision one, the one updated by optimizers.
// Variable name collisions follow the ctx rules: with a checked context, creating a variable
// that already exists panics.
func (p *Policy) Variable(ctx *context.Context, g *Graph, name string, role Role, shape shapes.Shape) (*context.Variable, *Node) {
	v := ctx.VariableWithShape(name, shape)
	if p != nil && p.recorder != nil {
		p.recorder.record(v, VariableRecord{Role: role, Quantized: p.IsQuantized(role)})
	}
	return v, p.Apply(role, v.ValueGraph(g))
}
