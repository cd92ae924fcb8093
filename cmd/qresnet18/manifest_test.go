// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/qresnet/pkg/ml/layers/quantize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findVariable(m *Manifest, scope, name string) *VariableInfo {
	for ii := range m.Variables {
		if m.Variables[ii].Scope == scope && m.Variables[ii].Name == name {
			return &m.Variables[ii]
		}
	}
	return nil
}

func TestBuildManifest(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("backbone", func(t *testing.T) {
		m, err := BuildManifest(backend, context.New(), 64, 0)
		require.NoError(t, err)
		require.Len(t, m.Taps, 5)
		var strides []int
		for _, tap := range m.Taps {
			strides = append(strides, tap.Stride)
		}
		assert.Equal(t, []int{4, 4, 8, 16, 32}, strides)
		assert.Equal(t, []int{1, 16, 16, 64}, m.Taps[0].Shape)
		assert.Equal(t, []int{1, 2, 2, 2048}, m.OutputShape)

		stem := findVariable(m, "/conv1", "kernel")
		require.NotNil(t, stem)
		assert.Equal(t, []int{7, 7, 3, 64}, stem.Shape)
		assert.False(t, stem.Quantized)
		mainBranch := findVariable(m, "/res3a_branch2a", "kernel")
		require.NotNil(t, mainBranch)
		assert.True(t, mainBranch.Quantized)
		assert.Equal(t, "kernel", mainBranch.Role)
		shortcut := findVariable(m, "/res3a_branch1", "kernel")
		require.NotNil(t, shortcut)
		assert.True(t, shortcut.Quantized)
		bias := findVariable(m, "/res3a_branch2a", "bias")
		require.NotNil(t, bias)
		assert.Equal(t, "bias", bias.Role)
		assert.False(t, bias.Quantized)
		assert.Greater(t, m.NumQuantized, 0)
		assert.Less(t, m.NumQuantized, m.NumParameters)
		assert.Equal(t, quantize.DefaultConfig(), m.Quantization)

		// Rendering shouldn't panic.
		Summary(m)
		ListVariables(m)
	})

	t.Run("classifier", func(t *testing.T) {
		ctx := context.New()
		ctx.SetParam(quantize.ParamQuantizeShortcut, false)
		m, err := BuildManifest(backend, ctx, 64, 10)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 10}, m.OutputShape)
		require.Len(t, m.Taps, 5)
		assert.Equal(t, []int{1, 2, 2, 2048}, m.Taps[4].Shape)
		head := findVariable(m, "/fc1000/dense", "weights")
		require.NotNil(t, head)
		assert.False(t, head.Quantized)
		assert.Empty(t, head.Role)
		shortcut := findVariable(m, "/res3a_branch1", "kernel")
		require.NotNil(t, shortcut)
		assert.False(t, shortcut.Quantized)

		manifestPath := path.Join(t.TempDir(), "manifest.json")
		require.NoError(t, m.WriteJSON(manifestPath))
		data, err := os.ReadFile(manifestPath)
		require.NoError(t, err)
		var loaded Manifest
		require.NoError(t, json.Unmarshal(data, &loaded))
		assert.Equal(t, m.OutputShape, loaded.OutputShape)
		assert.Equal(t, m.NumParameters, loaded.NumParameters)
		assert.False(t, loaded.Quantization.QuantizeShortcut)
	})

	_, err := BuildManifest(backend, context.New(), 16, 0)
	require.Error(t, err)
}
