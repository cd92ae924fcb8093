// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantize

import (
	"sync"

	"github.com/gomlx/gomlx/pkg/ml/context"
)

// VariableRecord is what a Policy did with one variable: its Role and whether its forward value was
// quantized.
type VariableRecord struct {
	Role      Role
	Quantized bool
}

// Recorder collects a VariableRecord for every variable created or read through a Policy configured
// with Policy.WithRecorder. It is safe for concurrent use.
//
// Variables read with a nil Policy are not recorded. Use Policy.FullPrecision to keep a full precision
// layer recorded.
type Recorder struct {
	mu      sync.Mutex
	records map[string]VariableRecord
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{records: make(map[string]VariableRecord)}
}

func recordKey(scope, name string) string {
	return scope + context.ScopeSeparator + name
}

func (r *Recorder) record(v *context.Variable, record VariableRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[recordKey(v.Scope(), v.Name())] = record
}

// Lookup returns the record of the variable at scope and name, and whether it was recorded.
func (r *Recorder) Lookup(scope, name string) (VariableRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, found := r.records[recordKey(scope, name)]
	return record, found
}

// Len returns the number of recorded variables.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
