// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package normalization wraps batch normalization with a per-layer Mode that can override the
// training state of the graph being built.
package normalization

import (
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Mode selects how a batch normalization layer behaves, independently of the graph training state.
type Mode int

//go:generate go tool enumer -type=Mode -trimprefix=Mode -transform=snake -text -output=gen_mode_enumer.go normalization.go

const (
	// ModeDefault follows the graph training state (context.Context.IsTraining): batch statistics and
	// moving averages updates during training, moving averages during inference.
	ModeDefault Mode = iota

	// ModeFrozen always normalizes with the stored moving averages and never updates them, even in training.
	// Used when batches are too small for stable statistics.
	ModeFrozen

	// ModeForceTraining always normalizes with the batch statistics, also during inference, and updates the
	// moving averages whenever the graph is executed.
	// Not recommended for general use, it is meant for calibration.
	ModeForceTraining
)

// ParamMode is the context hyperparameter holding the default Mode (as a string, see ParseMode) of
// the normalization layers of a model. Default is "default".
var ParamMode = "batch_norm_mode"

// ParseMode converts s to a Mode. Besides the Mode names, it accepts the three-valued convention
// "none" (ModeDefault), "false" (ModeFrozen) and "true" (ModeForceTraining).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ModeDefault, nil
	case "false", "freeze":
		return ModeFrozen, nil
	case "true", "force":
		return ModeForceTraining, nil
	}
	mode, err := ModeString(s)
	if err != nil {
		return ModeDefault, errors.Errorf("invalid normalization mode %q, valid values are %v (or none/false/true)",
			s, ModeStrings())
	}
	return mode, nil
}

// ModeFromContext returns the Mode configured with ParamMode, or ModeDefault if not set.
func ModeFromContext(ctx *context.Context) (Mode, error) {
	return ParseMode(context.GetParamOr(ctx, ParamMode, ModeDefault.String()))
}

// BatchNorm normalizes x over its last (channels) axis, with variables created directly in the
// scope of ctx, which must be the scope of the layer (e.g.: `ctx.In("bn2a_branch2a")`).
//
// ModeFrozen and ModeForceTraining override the training state for the scope of ctx only, other layers
// of the graph are not affected.
func BatchNorm(ctx *context.Context, x *Node, mode Mode) *Node {
	g := x.Graph()
	switch mode {
	case ModeDefault:
	case ModeFrozen:
		ctx.SetTraining(g, false)
	case ModeForceTraining:
		if !ctx.IsTraining(g) {
			klog.V(2).Infof("normalization %q forced to training mode in an inference graph", ctx.Scope())
		}
		ctx.SetTraining(g, true)
	default:
		Panicf("normalization.BatchNorm(scope=%q): invalid mode %s", ctx.Scope(), mode)
	}
	return batchnorm.New(ctx, x, -1).
		CurrentScope().
		FrozenAverages(mode == ModeFrozen).
		Done()
}
