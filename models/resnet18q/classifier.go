// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet18q

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

const (
	// ParamNumClasses is the context hyperparameter with the number of classes of the classifier head.
	// Default is DefaultNumClasses.
	ParamNumClasses = "num_classes"

	// DefaultNumClasses is the number of ImageNet classes.
	DefaultNumClasses = 1000

	// HeadName is the scope of the (full precision) dense classification layer. layers.Dense adds a
	// "dense" sub-scope.
	HeadName = "fc1000"
)

// ClassifierModelGraph implements train.ModelFn: it builds the Classifier configured with the hyperparameters
// in ctx (see ConfigFromContext) and returns the logits.
//
// inputs[0] must be the batch of images shaped `[batch, height, width, 3]`.
func ClassifierModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	cfg, err := ConfigFromContext(ctx)
	if err != nil {
		exceptions.Panicf("resnet18q.ClassifierModelGraph: %+v", err)
	}
	logits, _ := Classifier(ctx, cfg, inputs[0])
	return []*Node{logits}
}

// Classifier builds the Backbone, a global average pooling and a full precision dense layer with
// ParamNumClasses outputs (default DefaultNumClasses). It returns the logits and the backbone features.
func Classifier(ctx *context.Context, cfg Config, images *Node) (logits *Node, features *Features) {
	ctx = ctx.WithInitializer(initializers.XavierNormalFn(ctx))
	features = Backbone(ctx, cfg, images)
	pooled := ReduceMean(features.Output, 1, 2)
	numClasses := context.GetParamOr(ctx, ParamNumClasses, DefaultNumClasses)
	logits = layers.Dense(ctx.In(HeadName), pooled, true, numClasses)
	logits.AssertDims(images.Shape().Dimensions[0], numClasses)
	return logits, features
}

var _ train.ModelFn = ClassifierModelGraph
