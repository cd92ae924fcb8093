// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/qresnet/models/resnet18q"
	"github.com/gomlx/qresnet/pkg/ml/layers/quantize"
	"github.com/pkg/errors"
)

// Manifest describes a model built for a given input shape: its configuration, feature taps and variables.
type Manifest struct {
	Model         string          `json:"model"`
	InputShape    []int           `json:"input_shape"`
	DType         string          `json:"dtype"`
	Quantization  quantize.Config `json:"quantization"`
	NormMode      string          `json:"batch_norm_mode"`
	UseBias       bool            `json:"use_bias"`
	NumClasses    int             `json:"num_classes,omitempty"`
	Taps          []TapInfo       `json:"taps"`
	OutputShape   []int           `json:"output_shape"`
	Variables     []VariableInfo  `json:"variables"`
	NumParameters int             `json:"num_parameters"`
	NumQuantized  int             `json:"num_quantized_parameters"`
	Bytes         uint64          `json:"bytes"`
}

// TapInfo describes one feature tap of the backbone.
type TapInfo struct {
	Name   string `json:"name"`
	Shape  []int  `json:"shape"`
	Stride int    `json:"stride"`
}

// VariableInfo describes one model variable.
type VariableInfo struct {
	Scope     string `json:"scope"`
	Name      string `json:"name"`
	Shape     []int  `json:"shape"`
	DType     string `json:"dtype"`
	Size      int    `json:"size"`
	Trainable bool   `json:"trainable"`
	Role      string `json:"role,omitempty"`
	Quantized bool   `json:"quantized"`
}

// BuildManifest builds (but doesn't compile or execute) the model graph for images of imageSize x imageSize,
// using the hyperparameters in ctx, and collects its description.
//
// If numClasses > 0, the classifier head is also built and OutputShape holds the logits shape. Otherwise,
// only the backbone is built. Variables are created in ctx, but not initialized.
//
// The role and quantization of each variable are the ones recorded by the quantize.Policy while building.
// Variables not created through a Policy (the dense head, normalization statistics) have no role.
func BuildManifest(backend backends.Backend, ctx *context.Context, imageSize, numClasses int) (*Manifest, error) {
	cfg, err := resnet18q.ConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if imageSize < 32 {
		return nil, errors.Errorf("image size must be at least 32, got %d", imageSize)
	}
	m := &Manifest{
		Model:        "resnet18q",
		InputShape:   []int{1, imageSize, imageSize, 3},
		DType:        dtypes.Float32.String(),
		Quantization: quantize.ConfigFromContext(ctx),
		NormMode:     cfg.NormMode.String(),
		UseBias:      cfg.UseBias,
		NumClasses:   numClasses,
	}
	inputShape := shapes.Make(dtypes.Float32, m.InputShape...)
	recorder := quantize.NewRecorder()
	cfg.Policy = cfg.Policy.WithRecorder(recorder)

	err = exceptions.TryCatch[error](func() {
		g := NewGraph(backend, "qresnet18_manifest")
		defer g.Finalize()
		images := Parameter(g, "images", inputShape)
		var output *Node
		var features *resnet18q.Features
		if numClasses > 0 {
			ctx.SetParam(resnet18q.ParamNumClasses, numClasses)
			output, features = resnet18q.Classifier(ctx, cfg, images)
		} else {
			features = resnet18q.Backbone(ctx, cfg, images)
			output = features.Output
		}
		for ii, tap := range features.Taps() {
			m.Taps = append(m.Taps, TapInfo{
				Name:   resnet18q.TapNames[ii],
				Shape:  slices.Clone(tap.Shape().Dimensions),
				Stride: imageSize / tap.Shape().Dimensions[1],
			})
		}
		m.OutputShape = slices.Clone(output.Shape().Dimensions)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to build model graph")
	}

	for v := range ctx.IterVariables() {
		shape := v.Shape()
		info := VariableInfo{
			Scope:     v.Scope(),
			Name:      v.Name(),
			Shape:     slices.Clone(shape.Dimensions),
			DType:     shape.DType.String(),
			Size:      shape.Size(),
			Trainable: v.Trainable,
		}
		if record, found := recorder.Lookup(v.Scope(), v.Name()); found {
			info.Role = record.Role.String()
			info.Quantized = record.Quantized
		}
		m.Variables = append(m.Variables, info)
		m.NumParameters += info.Size
		m.Bytes += uint64(shape.Memory())
		if info.Quantized {
			m.NumQuantized += info.Size
		}
	}
	slices.SortFunc(m.Variables, func(a, b VariableInfo) int {
		if cmp := strings.Compare(a.Scope, b.Scope); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.Name, b.Name)
	})
	return m, nil
}

// WriteJSON saves the manifest to filePath, indented.
func (m *Manifest) WriteJSON(filePath string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode manifest")
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write manifest to %q", filePath)
	}
	return nil
}
