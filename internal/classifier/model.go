// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package classifier fits and runs the binary rest/intent model: a
// standardizer followed by L2-regularised logistic regression.
package classifier

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/relabs-tech/bci_actuator/internal/biosignal"
	"github.com/relabs-tech/bci_actuator/internal/session"
)

var (
	// ErrInsufficientData aliases the session error so callers can test either.
	ErrInsufficientData = session.ErrInsufficientData
	// ErrInvalidSample is returned for samples holding NaN or Inf.
	ErrInvalidSample = errors.New("classifier: non-finite sample value")
)

// DefaultTestFraction is the share of samples held out for the accuracy report.
const DefaultTestFraction = 0.1

// FitOptions tunes Fit. Zero values select the defaults.
type FitOptions struct {
	// TestFraction of samples held out for the advisory accuracy metric.
	TestFraction float64
	// Seed of the PCG generator that shuffles the split. 0 seeds from the clock.
	Seed uint64
	// Iterations of batch gradient descent.
	Iterations int
	// LearningRate of gradient descent.
	LearningRate float64
	// C is the inverse regularisation strength.
	C float64
}

func (o FitOptions) withDefaults() FitOptions {
	if o.TestFraction <= 0 || o.TestFraction >= 1 {
		o.TestFraction = DefaultTestFraction
	}
	if o.Seed == 0 {
		o.Seed = uint64(time.Now().UnixNano())
	}
	if o.Iterations <= 0 {
		o.Iterations = 500
	}
	if o.LearningRate <= 0 {
		o.LearningRate = 0.5
	}
	if o.C <= 0 {
		o.C = 1
	}
	return o
}

// FitReport describes one fit.
type FitReport struct {
	Channels     int       `json:"channels" yaml:"channels"`
	Samples      int       `json:"samples" yaml:"samples"`
	TrainSamples int       `json:"train_samples" yaml:"train_samples"`
	TestSamples  int       `json:"test_samples" yaml:"test_samples"`
	Accuracy     float64   `json:"accuracy" yaml:"accuracy"` // held-out, 0..1, advisory only
	Seed         uint64    `json:"seed" yaml:"seed"`
	FitAt        time.Time `json:"fit_at" yaml:"fit_at"`
}

// Model is a fitted classifier. It is immutable and safe for concurrent Predict.
type Model struct {
	scaler  Standardizer
	weights []float64
	bias    float64
	report  FitReport
}

// Fit standardizes the whole training set with its own statistics, holds out
// a shuffled test split and trains on the remainder.
func Fit(set session.TrainingSet, opts FitOptions) (*Model, FitReport, error) {
	width, err := set.Validate()
	if err != nil {
		return nil, FitReport{}, err
	}
	opts = opts.withDefaults()

	rows, labels := set.Rows()
	n := len(rows)

	x := mat.NewDense(n, width, nil)
	for i, r := range rows {
		for j, v := range r {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, FitReport{}, fmt.Errorf("%w: row %d channel %d", ErrInvalidSample, i, j)
			}
		}
		x.SetRow(i, r)
	}

	scaler := FitStandardizer(x)
	scaler.TransformMatrix(x)

	nTest := int(math.Ceil(opts.TestFraction * float64(n)))
	nTest = max(1, min(nTest, n-1))

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	perm := rng.Perm(n)
	testIdx, trainIdx := perm[:nTest], perm[nTest:]

	xTrain := mat.NewDense(len(trainIdx), width, nil)
	yTrain := make([]float64, len(trainIdx))
	for i, k := range trainIdx {
		xTrain.SetRow(i, x.RawRowView(k))
		yTrain[i] = float64(labels[k])
	}

	weights, bias := gradientDescent(xTrain, yTrain, opts)
	m := &Model{scaler: scaler, weights: weights, bias: bias}

	correct := 0
	for _, k := range testIdx {
		if m.decide(x.RawRowView(k)) == labels[k] {
			correct++
		}
	}

	m.report = FitReport{
		Channels:     width,
		Samples:      n,
		TrainSamples: len(trainIdx),
		TestSamples:  nTest,
		Accuracy:     float64(correct) / float64(nTest),
		Seed:         opts.Seed,
		FitAt:        time.Now(),
	}
	return m, m.report, nil
}

// gradientDescent minimises mean log-loss + ||w||²/(2·C·n).
func gradientDescent(x *mat.Dense, y []float64, opts FitOptions) ([]float64, float64) {
	n, d := x.Dims()
	lambda := 1 / (opts.C * float64(n))

	w := mat.NewVecDense(d, nil)
	yv := mat.NewVecDense(n, y)
	var bias float64

	resid := mat.NewVecDense(n, nil)
	var z, grad mat.VecDense
	for it := 0; it < opts.Iterations; it++ {
		z.MulVec(x, w)
		for i := 0; i < n; i++ {
			resid.SetVec(i, sigmoid(z.AtVec(i)+bias)-yv.AtVec(i))
		}

		grad.MulVec(x.T(), resid)
		grad.ScaleVec(1/float64(n), &grad)
		grad.AddScaledVec(&grad, lambda, w)
		gradB := floats.Sum(resid.RawVector().Data) / float64(n)

		w.AddScaledVec(w, -opts.LearningRate, &grad)
		bias -= opts.LearningRate * gradB

		if mat.Norm(&grad, math.Inf(1)) < 1e-7 && math.Abs(gradB) < 1e-7 {
			break
		}
	}

	return w.RawVector().Data, bias
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// Channels returns the channel count the model was fit with.
func (m *Model) Channels() int { return m.scaler.Channels() }

// Report returns the fit report.
func (m *Model) Report() FitReport { return m.report }

// Probability returns P(intent | values).
func (m *Model) Probability(values []float64) (float64, error) {
	xs, err := m.prepare(values)
	if err != nil {
		return 0, err
	}
	return sigmoid(floats.Dot(m.weights, xs) + m.bias), nil
}

// Predict classifies one raw sample, applying the fit-time standardizer.
func (m *Model) Predict(values []float64) (biosignal.Label, error) {
	xs, err := m.prepare(values)
	if err != nil {
		return biosignal.Rest, err
	}
	return m.decide(xs), nil
}

// Score returns the accuracy of the model on raw rows x with labels y.
func (m *Model) Score(x [][]float64, y []biosignal.Label) (float64, error) {
	if len(x) != len(y) {
		return 0, fmt.Errorf("classifier: %d rows but %d labels", len(x), len(y))
	}
	if len(x) == 0 {
		return 0, fmt.Errorf("%w: nothing to score", ErrInsufficientData)
	}
	correct := 0
	for i := range x {
		got, err := m.Predict(x[i])
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", i, err)
		}
		if got == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(x)), nil
}

func (m *Model) prepare(values []float64) ([]float64, error) {
	if len(values) != m.Channels() {
		return nil, fmt.Errorf("%w: got %d channels, model fit with %d", biosignal.ErrShapeMismatch, len(values), m.Channels())
	}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, ErrInvalidSample
		}
	}
	return m.scaler.Transform(nil, values), nil
}

// decide classifies an already standardized row.
func (m *Model) decide(xs []float64) biosignal.Label {
	if floats.Dot(m.weights, xs)+m.bias > 0 {
		return biosignal.Intent
	}
	return biosignal.Rest
}
