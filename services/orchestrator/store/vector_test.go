// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"scaled", []float32{1, 1}, []float32{3, 3}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCosineSimilarity_Degenerate(t *testing.T) {
	assert.True(t, math.IsNaN(CosineSimilarity([]float32{0, 0}, []float32{1, 0})))
	assert.True(t, math.IsNaN(CosineSimilarity(nil, nil)))
	assert.True(t, math.IsNaN(CosineSimilarity([]float32{1}, []float32{1, 0})))
}

func TestAboveThreshold_IsStrict(t *testing.T) {
	assert.False(t, aboveThreshold(0.5, 0.5))
	assert.True(t, aboveThreshold(0.5000001, 0.5))
	assert.False(t, aboveThreshold(math.NaN(), -1))
}

func TestFormatVector(t *testing.T) {
	assert.Equal(t, "[]", formatVector(nil))
	assert.Equal(t, "[0.5,-1,2.25]", formatVector([]float32{0.5, -1, 2.25}))
}

func TestRecordIDFromUUID_FitsInJSONNumber(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := recordIDFromUUID(uuid.New())
		assert.GreaterOrEqual(t, id, int64(0))
		assert.Less(t, id, int64(1)<<53)
	}
}

func TestThreadObjectID_Deterministic(t *testing.T) {
	a := threadObjectID("C1", "1700000000.1")
	b := threadObjectID("C1", "1700000000.1")
	c := threadObjectID("C1", "1700000000.2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	// The separator keeps ("ab","c") and ("a","bc") apart.
	assert.NotEqual(t, threadObjectID("ab", "c"), threadObjectID("a", "bc"))
}
