// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package classifier

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Standardizer removes the per-channel mean and divides by the per-channel
// population standard deviation. Channels with zero spread keep scale 1.
type Standardizer struct {
	Mean  []float64
	Scale []float64
}

// FitStandardizer computes per-column statistics of x (rows = samples).
func FitStandardizer(x *mat.Dense) Standardizer {
	_, d := x.Dims()
	s := Standardizer{Mean: make([]float64, d), Scale: make([]float64, d)}

	var col []float64
	for j := 0; j < d; j++ {
		col = mat.Col(col, j, x)
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 {
			std = 1
		}
		s.Mean[j] = mean
		s.Scale[j] = std
	}
	return s
}

// Channels returns the width the standardizer was fit on.
func (s Standardizer) Channels() int { return len(s.Mean) }

// Transform writes the standardized copy of v into dst (allocated if nil).
func (s Standardizer) Transform(dst, v []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(v))
	}
	for j, x := range v {
		dst[j] = (x - s.Mean[j]) / s.Scale[j]
	}
	return dst
}

// TransformMatrix standardizes every row of x in place.
func (s Standardizer) TransformMatrix(x *mat.Dense) {
	r, _ := x.Dims()
	for i := 0; i < r; i++ {
		row := x.RawRowView(i)
		s.Transform(row, row)
	}
}
