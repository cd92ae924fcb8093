// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantize

import (
	"bytes"
	"io"
	"math"
	"os"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ParamActivationBits is the context hyperparameter with the activation quantizer bit-width.
	// Default is DefaultActivationBits.
	ParamActivationBits = "quantize_activation_bits"

	// ParamActivationMaxValue is the context hyperparameter with the activation clipping range [0, max_value].
	// Default is DefaultActivationMaxValue.
	ParamActivationMaxValue = "quantize_activation_max"

	// ParamWeightPerChannel selects a per-output-channel α for the weight quantizer. Default is false.
	ParamWeightPerChannel = "quantize_weight_per_channel"

	// ParamWeightClipValue is the saturation of the weight straight-through estimator.
	// Default is DefaultWeightClipValue.
	ParamWeightClipValue = "quantize_weight_clip"

	// ParamQuantizeShortcut selects whether residual shortcut projections are quantized. Default is true:
	// the shortcut projection belongs to the same quantize group as the main path convolutions of its block.
	ParamQuantizeShortcut = "quantize_shortcut"
)

// Config is the static quantization configuration of a model, usually written as YAML:
//
//	activation: {bit: 2, max_value: 2}
//	weight: {per_channel: false, clip_value: 1.0}
//	quantize_shortcut: true
//
// It is fixed at model build time.
type Config struct {
	Activation ActivationConfig `yaml:"activation" json:"activation"`
	Weight     WeightParams     `yaml:"weight" json:"weight"`

	// QuantizeShortcut also quantizes the projection convolution of the residual shortcuts.
	QuantizeShortcut bool `yaml:"quantize_shortcut" json:"quantize_shortcut"`
}

// ActivationConfig holds the activation quantizer parameters.
type ActivationConfig struct {
	Bits     int     `yaml:"bit" json:"bit"`
	MaxValue float64 `yaml:"max_value" json:"max_value"`
}

// WeightParams holds the weight quantizer parameters.
type WeightParams struct {
	PerChannel bool    `yaml:"per_channel" json:"per_channel"`
	ClipValue  float64 `yaml:"clip_value" json:"clip_value"`
}

// DefaultConfig returns the 2-bit activations, binary weights configuration, with quantized shortcut
// projections.
func DefaultConfig() Config {
	return Config{
		Activation:       ActivationConfig{Bits: DefaultActivationBits, MaxValue: DefaultActivationMaxValue},
		Weight:           WeightParams{ClipValue: DefaultWeightClipValue},
		QuantizeShortcut: true,
	}
}

// ParseConfig parses a YAML quantization configuration. Missing fields take the values of DefaultConfig,
// unknown fields are an error. The result is validated.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, errors.Wrap(err, "failed to parse quantization configuration")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML quantization configuration file.
func LoadConfig(filePath string) (Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return DefaultConfig(), errors.Wrapf(err, "failed to read quantization configuration from %q", filePath)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return cfg, errors.WithMessagef(err, "in file %q", filePath)
	}
	return cfg, nil
}

// Marshal returns the YAML representation of the configuration.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate returns an error if the activation parameters or the weight clip value are invalid.
func (c Config) Validate() error {
	if _, err := LinearMidTreadHalf(c.Activation.Bits, c.Activation.MaxValue); err != nil {
		return err
	}
	if math.IsNaN(c.Weight.ClipValue) {
		return errors.New("invalid weight quantizer clip_value=NaN")
	}
	return nil
}

// ConfigFromContext reads the quantization hyperparameters from the context, using DefaultConfig for
// the ones not set.
func ConfigFromContext(ctx *context.Context) Config {
	cfg := DefaultConfig()
	cfg.Activation.Bits = context.GetParamOr(ctx, ParamActivationBits, cfg.Activation.Bits)
	cfg.Activation.MaxValue = context.GetParamOr(ctx, ParamActivationMaxValue, cfg.Activation.MaxValue)
	cfg.Weight.PerChannel = context.GetParamOr(ctx, ParamWeightPerChannel, cfg.Weight.PerChannel)
	cfg.Weight.ClipValue = context.GetParamOr(ctx, ParamWeightClipValue, cfg.Weight.ClipValue)
	cfg.QuantizeShortcut = context.GetParamOr(ctx, ParamQuantizeShortcut, cfg.QuantizeShortcut)
	return cfg
}

// SetParams writes the configuration as context hyperparameters, so it is saved along with checkpoints.
func (c Config) SetParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamActivationBits:     c.Activation.Bits,
		ParamActivationMaxValue: c.Activation.MaxValue,
		ParamWeightPerChannel:   c.Weight.PerChannel,
		ParamWeightClipValue:    c.Weight.ClipValue,
		ParamQuantizeShortcut:   c.QuantizeShortcut,
	})
}

// Build creates the weight Policy and the activation quantizer described by the configuration.
func (c Config) Build() (*Policy, *Activation, error) {
	activation, err := LinearMidTreadHalf(c.Activation.Bits, c.Activation.MaxValue)
	if err != nil {
		return nil, nil, err
	}
	weightFn := BinaryMeanScaling().
		PerChannel(c.Weight.PerChannel).
		ClipValue(c.Weight.ClipValue).
		Done()
	policy, err := NewPolicy(weightFn)
	if err != nil {
		return nil, nil, err
	}
	return policy.WithShortcutQuantization(c.QuantizeShortcut), activation, nil
}
