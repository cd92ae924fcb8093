// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stepschedule implements a piecewise-constant learning rate schedule by epoch: the
// learning rate is multiplied by a different factor after each epoch boundary.
//
// The default boundaries and factors are the classic ImageNet schedule:
//
//	epoch < 30: lr
//	epoch < 60: lr * 0.1
//	epoch < 90: lr * 0.01
//	epoch < 100: lr * 0.001
//	otherwise: lr * 0.0001
package stepschedule

import (
	"slices"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

var (
	// ParamStepsPerEpoch is the number of training steps in one epoch. It enables the schedule if > 0.
	// Default is 0 (disabled).
	ParamStepsPerEpoch = "step_schedule_steps_per_epoch"

	// ParamBoundaries is the list of epochs ([]int) where the learning rate changes.
	// Default is DefaultBoundaries.
	ParamBoundaries = "step_schedule_boundaries"

	// ParamFactors is the list of factors ([]float64) applied to the learning rate, one more than the number
	// of boundaries. Default is DefaultFactors.
	ParamFactors = "step_schedule_factors"

	// DefaultBoundaries in epochs.
	DefaultBoundaries = []int{30, 60, 90, 100}

	// DefaultFactors multiplying the learning rate in each interval.
	DefaultFactors = []float64{1, 1e-1, 1e-2, 1e-3, 1e-4}
)

// Scope used to keep the step counter of the schedule, under optimizers.Scope.
const Scope = "step_schedule"

// Config of the step schedule. Create it with New and call Done to add it to the computation graph.
type Config struct {
	ctx           *context.Context
	graph         *Graph
	dtype         dtypes.DType
	learningRate  float64
	stepsPerEpoch int
	boundaries    []int
	factors       []float64
}

// New creates a configuration of the step schedule. Call Done to build the learning rate update in the graph.
//
// Typical usage, at the start of the model graph function:
//
//	stepschedule.New(ctx, g, dtypes.Float32).FromContext().Done()
func New(ctx *context.Context, graph *Graph, dtype dtypes.DType) *Config {
	return &Config{
		ctx:        ctx,
		graph:      graph,
		dtype:      dtype,
		boundaries: DefaultBoundaries,
		factors:    DefaultFactors,
	}
}

// FromContext configures the schedule from the hyperparameters ParamStepsPerEpoch, ParamBoundaries,
// ParamFactors and optimizers.ParamLearningRate.
func (c *Config) FromContext() *Config {
	c.stepsPerEpoch = context.GetParamOr(c.ctx, ParamStepsPerEpoch, 0)
	c.boundaries = context.GetParamOr(c.ctx, ParamBoundaries, c.boundaries)
	c.factors = context.GetParamOr(c.ctx, ParamFactors, c.factors)
	c.learningRate = context.GetParamOr(c.ctx, optimizers.ParamLearningRate, 0.0)
	return c
}

// LearningRate sets the base learning rate.
func (c *Config) LearningRate(learningRate float64) *Config {
	c.learningRate = learningRate
	return c
}

// StepsPerEpoch sets the number of training steps of one epoch. If 0 the schedule is disabled.
func (c *Config) StepsPerEpoch(steps int) *Config {
	c.stepsPerEpoch = steps
	return c
}

// Boundaries sets the epochs where the learning rate changes, and the factors for each interval.
// len(factors) must be len(boundaries)+1.
func (c *Config) Boundaries(boundaries []int, factors []float64) *Config {
	c.boundaries = boundaries
	c.factors = factors
	return c
}

// Validate the configuration.
func (c *Config) Validate() error {
	if len(c.factors) != len(c.boundaries)+1 {
		return errors.Errorf("step schedule requires one factor more than boundaries, got %d boundaries and %d factors",
			len(c.boundaries), len(c.factors))
	}
	if !slices.IsSorted(c.boundaries) {
		return errors.Errorf("step schedule boundaries must be sorted, got %v", c.boundaries)
	}
	if c.learningRate <= 0 {
		return errors.Errorf("step schedule requires a learning rate > 0, set it with LearningRate() or with "+
			"the hyperparameter %q", optimizers.ParamLearningRate)
	}
	return nil
}

// LearningRateAt returns the learning rate at the given epoch.
func (c *Config) LearningRateAt(epoch int) float64 {
	for ii, boundary := range c.boundaries {
		if epoch < boundary {
			return c.learningRate * c.factors[ii]
		}
	}
	return c.learningRate * c.factors[len(c.boundaries)]
}

// Done builds the learning rate update in the graph. It's a no-op if the graph is not training or
// the number of steps per epoch is not set.
func (c *Config) Done() {
	ctx := c.ctx.Checked(false)
	g := c.graph
	if !ctx.IsTraining(g) || c.stepsPerEpoch <= 0 {
		return
	}
	if err := c.Validate(); err != nil {
		Panicf("stepschedule: %+v", err)
	}

	// The schedule keeps its own step counter, starting at 1.
	step := optimizers.IncrementGlobalStepGraph(ctx.In(optimizers.Scope).In(Scope), g, dtypes.Int64)
	epoch := Div(MinusOne(step), Scalar(g, dtypes.Int64, c.stepsPerEpoch))

	lastIdx := len(c.boundaries)
	lr := Scalar(g, c.dtype, c.learningRate*c.factors[lastIdx])
	for ii := lastIdx - 1; ii >= 0; ii-- {
		inInterval := LessThan(epoch, Scalar(g, dtypes.Int64, c.boundaries[ii]))
		lr = Where(inInterval, Scalar(g, c.dtype, c.learningRate*c.factors[ii]), lr)
	}
	lrVar := optimizers.LearningRateVarWithValue(ctx, c.dtype, c.learningRate)
	lrVar.SetValueGraph(lr)
}
