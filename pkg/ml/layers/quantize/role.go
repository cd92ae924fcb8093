// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantize

// Role of a variable, given when it is created. The Policy uses it to decide which values are quantized.
type Role int

//go:generate go tool enumer -type=Role -trimprefix=Role -transform=snake -output=gen_role_enumer.go role.go

const (
	// RoleKernel is a convolution (or dense) kernel: quantized inside a quantization Policy.
	RoleKernel Role = iota

	// RoleBias is an additive bias: never quantized.
	RoleBias

	// RoleNormParam is a normalization parameter or statistic: never quantized.
	RoleNormParam
)
