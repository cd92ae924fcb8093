// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package momentum implements stochastic gradient descent with (optionally Nesterov) momentum.
//
// The update follows the usual formulation, with the learning rate η folded into the velocity:
//
//	velocity = μ * velocity - η * gradient
//	weights += velocity                       (plain momentum)
//	weights += μ * velocity - η * gradient    (Nesterov)
//
// Importing the package registers the optimizer in optimizers.KnownOptimizers as Name, so it can be
// selected with the optimizers.ParamOptimizer hyperparameter.
package momentum

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

const (
	// Name under which the optimizer is registered in optimizers.KnownOptimizers.
	Name = "sgd_momentum"

	// DefaultScope where the velocity variables are stored: "/momentum/<variable scope>/<name>_velocity".
	DefaultScope = "momentum"

	// DefaultLearningRate used if neither Config.LearningRate nor optimizers.ParamLearningRate are set.
	DefaultLearningRate = 0.1

	// DefaultMomentum used if not configured.
	DefaultMomentum = 0.9
)

var (
	// ParamMomentum is the context hyperparameter for the momentum μ. Default is DefaultMomentum.
	ParamMomentum = "momentum"

	// ParamNesterov is the context hyperparameter to enable Nesterov momentum. Default is true.
	ParamNesterov = "nesterov"
)

func init() {
	optimizers.KnownOptimizers[Name] = func(ctx *context.Context) optimizers.Interface {
		return New().FromContext(ctx).Done()
	}
}

// Config holds the configuration of the optimizer. Create it with New, and finalize it with Done.
type Config struct {
	learningRate float64
	momentum     float64
	nesterov     bool
	scopeName    string
	dtype        dtypes.DType
}

// New creates a configuration for SGD with Nesterov momentum of DefaultMomentum.
// The learning rate, if not set, is read from the context (optimizers.ParamLearningRate) when the graph is built.
func New() *Config {
	return &Config{
		learningRate: -1, // Read from context.
		momentum:     DefaultMomentum,
		nesterov:     true,
		scopeName:    DefaultScope,
	}
}

// FromContext reads ParamMomentum and ParamNesterov from the context.
func (c *Config) FromContext(ctx *context.Context) *Config {
	c.momentum = context.GetParamOr(ctx, ParamMomentum, c.momentum)
	c.nesterov = context.GetParamOr(ctx, ParamNesterov, c.nesterov)
	return c
}

// LearningRate sets the learning rate. If not set (or <= 0), it's read from optimizers.ParamLearningRate
// with a default of DefaultLearningRate.
func (c *Config) LearningRate(learningRate float64) *Config {
	c.learningRate = learningRate
	return c
}

// Momentum sets the momentum μ, in the range [0, 1). A momentum of 0 is plain SGD.
func (c *Config) Momentum(momentum float64) *Config {
	if momentum < 0 || momentum >= 1 {
		Panicf("momentum must be in the range [0, 1), got %g", momentum)
	}
	c.momentum = momentum
	return c
}

// Nesterov enables or disables the Nesterov update. Default is true.
func (c *Config) Nesterov(enabled bool) *Config {
	c.nesterov = enabled
	return c
}

// Scope sets the scope name used to store the velocity variables. Default is DefaultScope.
func (c *Config) Scope(scopeName string) *Config {
	c.scopeName = scopeName
	return c
}

// DType used for the velocity and the update computation. Default is the dtype of the loss.
func (c *Config) DType(dtype dtypes.DType) *Config {
	c.dtype = dtype
	return c
}

// Done returns the configured optimizer.
func (c *Config) Done() optimizers.Interface {
	return &optimizer{config: *c}
}

type optimizer struct {
	config Config
}

var _ optimizers.Interface = (*optimizer)(nil)

// UpdateGraph implements optimizers.Interface.
func (o *optimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		Panicf("context has no trainable variables used in the graph %q, there is nothing to optimize", g.Name())
	}
	dtype := o.config.dtype
	if dtype == dtypes.InvalidDType {
		dtype = loss.DType()
	}

	lrValue := o.config.learningRate
	if lrValue <= 0 {
		lrValue = context.GetParamOr(ctx, optimizers.ParamLearningRate, DefaultLearningRate)
	}
	learningRate := optimizers.LearningRateVar(ctx, dtype, lrValue).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	momentum := Scalar(g, dtype, o.config.momentum)

	numTrainable := len(grads)
	varIdx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if varIdx < numTrainable {
			o.applyGraph(ctx, g, v, dtype, grads[varIdx], learningRate, momentum)
		}
		varIdx++
	}
	if varIdx != numTrainable {
		Panicf("Context.BuildTrainableVariablesGradientsGraph returned gradients for %d variables, but "+
			"%s optimizer sees %d variables -- were new variables created in between ?",
			numTrainable, Name, varIdx)
	}
}

// applyGraph updates the velocity and the variable v.
func (o *optimizer) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, dtype dtypes.DType,
	grad, learningRate, momentum *Node) {
	velocityVar := o.velocityVariable(ctx, v, dtype)
	velocity := velocityVar.ValueGraph(g)
	if grad.DType() != dtype {
		grad = ConvertDType(grad, dtype)
	}
	optimizers.TraceNaNInGradients(ctx, v, grad)
	grad = optimizers.ClipNaNsInGradients(ctx, grad)

	scaledGrad := Mul(learningRate, grad)
	velocity = Sub(Mul(momentum, velocity), scaledGrad)
	velocityVar.SetValueGraph(velocity)

	step := velocity
	if o.config.nesterov {
		step = Sub(Mul(momentum, velocity), scaledGrad)
	}
	step = optimizers.ClipStepByValue(ctx, step)

	value := v.ValueGraph(g)
	if value.DType() != dtype {
		value = ConvertDType(value, dtype)
	}
	updated := Add(value, step)
	updated = optimizers.ClipNaNsInUpdates(ctx, value, updated)
	if v.DType() != dtype {
		updated = ConvertDType(updated, v.DType())
	}
	v.SetValueGraph(updated)
}

// velocityVariable returns the velocity variable for the trainable variable, creating it (with zeros) if needed.
func (o *optimizer) velocityVariable(ctx *context.Context, trainable *context.Variable, dtype dtypes.DType) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, trainable.Scope())
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	return ctx.Checked(false).
		InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+"_velocity", shape).
		SetTrainable(false)
}

// Clear deletes the velocity variables. It implements optimizers.Interface.
func (o *optimizer) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).DeleteVariablesInScope()
}
