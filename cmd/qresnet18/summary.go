// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

func formatDims(dims []int) string {
	parts := make([]string, len(dims))
	for ii, dim := range dims {
		parts[ii] = fmt.Sprint(dim)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Summary prints the model configuration, its feature taps and sizes.
func Summary(m *Manifest) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newTable(lipgloss.Right, lipgloss.Left)
	table.Row(false, "model", m.Model)
	table.Row(false, "input", formatDims(m.InputShape)+" "+m.DType)
	table.Row(false, "activations", fmt.Sprintf("%d bits, max value %g",
		m.Quantization.Activation.Bits, m.Quantization.Activation.MaxValue))
	weights := "binary, mean scaling per tensor"
	if m.Quantization.Weight.PerChannel {
		weights = "binary, mean scaling per output channel"
	}
	table.Row(false, "weights", weights)
	table.Row(false, "quantize shortcut", fmt.Sprint(m.Quantization.QuantizeShortcut))
	table.Row(false, "batch norm mode", m.NormMode)
	table.Row(false, "use bias", fmt.Sprint(m.UseBias))
	if m.NumClasses > 0 {
		table.Row(false, "# classes", humanize.Comma(int64(m.NumClasses)))
	}
	table.Row(false, "output", formatDims(m.OutputShape))
	table.Row(false, "# variables", humanize.Comma(int64(len(m.Variables))))
	table.Row(false, "# parameters", humanize.Comma(int64(m.NumParameters)))
	table.Row(true, "# quantized parameters", fmt.Sprintf("%s (%.1f%%)", humanize.Comma(int64(m.NumQuantized)),
		100*float64(m.NumQuantized)/float64(max(m.NumParameters, 1))))
	table.Row(false, "# bytes", humanize.Bytes(m.Bytes))
	fmt.Println(table.Table.Render())

	fmt.Println(titleStyle.Render("Feature Taps"))
	taps := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	taps.Table.Headers("Tap", "Shape", "Stride")
	for _, tap := range m.Taps {
		taps.Row(false, tap.Name, formatDims(tap.Shape), fmt.Sprint(tap.Stride))
	}
	fmt.Println(taps.Table.Render())
}

// ListVariables prints the model variables, sorted by scope: quantized kernels are highlighted.
func ListVariables(m *Manifest) {
	fmt.Println(titleStyle.Render("Variables"))
	table := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Left, lipgloss.Center)
	table.Table.Headers("Scope", "Name", "Shape", "Size", "Role", "Quantized")
	for _, v := range m.Variables {
		quantized := ""
		if v.Quantized {
			quantized = "✓"
		}
		table.Row(v.Quantized, v.Scope, v.Name, formatDims(v.Shape)+" "+v.DType, humanize.Comma(int64(v.Size)), v.Role, quantized)
	}
	fmt.Println(table.Table.Render())
}
