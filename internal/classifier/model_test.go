// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package classifier

import (
	"bytes"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/relabs-tech/bci_actuator/internal/biosignal"
	"github.com/relabs-tech/bci_actuator/internal/session"
)

// separableSet builds rest samples around -offset and move samples around
// +offset on channel 0; the other channels are noise.
func separableSet(rest, move, width int, offset float64) session.TrainingSet {
	rng := rand.New(rand.NewPCG(1, 2))
	gen := func(n int, center float64, label biosignal.Label) session.LabeledBatch {
		b := session.LabeledBatch{Label: label}
		for i := 0; i < n; i++ {
			v := make([]float64, width)
			for c := range v {
				v[c] = rng.NormFloat64() * 0.5
			}
			v[0] += center
			b.Samples = append(b.Samples, biosignal.Sample{Timestamp: float64(i), Values: v})
		}
		return b
	}
	return session.NewTrainingSet(gen(rest, -offset, biosignal.Rest), gen(move, offset, biosignal.Intent))
}

func TestFitSeparableData(t *testing.T) {
	set := separableSet(100, 100, 4, 3)

	m, rep, err := Fit(set, FitOptions{Seed: 42})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if rep.Samples != 200 || rep.TestSamples != 20 || rep.TrainSamples != 180 {
		t.Errorf("unexpected split %+v", rep)
	}
	if rep.Accuracy < 0.9 {
		t.Errorf("held-out accuracy %.2f, want >= 0.9", rep.Accuracy)
	}
	if m.Channels() != 4 {
		t.Errorf("Channels() = %d, want 4", m.Channels())
	}

	tests := []struct {
		values []float64
		want   biosignal.Label
	}{
		{[]float64{-3, 0, 0, 0}, biosignal.Rest},
		{[]float64{3, 0, 0, 0}, biosignal.Intent},
	}
	for _, tt := range tests {
		got, err := m.Predict(tt.values)
		if err != nil {
			t.Fatalf("Predict(%v) failed: %v", tt.values, err)
		}
		if got != tt.want {
			t.Errorf("Predict(%v) = %v, want %v", tt.values, got, tt.want)
		}
	}

	x, y := set.Rows()
	acc, err := m.Score(x, y)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if acc < 0.9 {
		t.Errorf("training accuracy %.2f, want >= 0.9", acc)
	}
}

func TestFitSameSeedIsReproducible(t *testing.T) {
	set := separableSet(30, 30, 3, 1)

	a, _, err := Fit(set, FitOptions{Seed: 7})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	b, _, err := Fit(set, FitOptions{Seed: 7})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	for j := range a.weights {
		if a.weights[j] != b.weights[j] {
			t.Fatalf("weights differ at %d: %v vs %v", j, a.weights[j], b.weights[j])
		}
	}
}

func TestFitInsufficientData(t *testing.T) {
	tests := []struct {
		name string
		set  session.TrainingSet
	}{
		{"empty rest", separableSet(0, 10, 3, 1)},
		{"empty move", separableSet(10, 0, 3, 1)},
		{"empty both", separableSet(0, 0, 3, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, err := Fit(tt.set, FitOptions{})
			if !errors.Is(err, ErrInsufficientData) {
				t.Fatalf("Fit err = %v, want ErrInsufficientData", err)
			}
			if m != nil {
				t.Error("expected no model")
			}
		})
	}
}

func TestFitMinimalSet(t *testing.T) {
	m, rep, err := Fit(separableSet(1, 1, 2, 1), FitOptions{Seed: 3})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if rep.TrainSamples != 1 || rep.TestSamples != 1 {
		t.Errorf("split = %d/%d, want 1/1", rep.TrainSamples, rep.TestSamples)
	}
	if m == nil {
		t.Fatal("expected a model")
	}
}

func TestFitRejectsNonFinite(t *testing.T) {
	set := separableSet(5, 5, 2, 1)
	set.Move.Samples[2].Values[1] = math.NaN()

	if _, _, err := Fit(set, FitOptions{}); !errors.Is(err, ErrInvalidSample) {
		t.Fatalf("Fit err = %v, want ErrInvalidSample", err)
	}
}

func TestPredictShapeMismatch(t *testing.T) {
	m, _, err := Fit(separableSet(10, 10, 3, 2), FitOptions{Seed: 1})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if _, err := m.Predict([]float64{1, 2}); !errors.Is(err, biosignal.ErrShapeMismatch) {
		t.Errorf("Predict(2 ch) = %v, want ErrShapeMismatch", err)
	}
	if _, err := m.Predict([]float64{1, 2, 3, 4}); !errors.Is(err, biosignal.ErrShapeMismatch) {
		t.Errorf("Predict(4 ch) = %v, want ErrShapeMismatch", err)
	}
	if _, err := m.Predict([]float64{1, math.Inf(1), 3}); !errors.Is(err, ErrInvalidSample) {
		t.Errorf("Predict(inf) = %v, want ErrInvalidSample", err)
	}
}

func TestStandardizer(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{
		1, 5,
		2, 5,
		3, 5,
		4, 5,
	})
	s := FitStandardizer(x)

	if s.Mean[0] != 2.5 || s.Mean[1] != 5 {
		t.Errorf("Mean = %v, want [2.5 5]", s.Mean)
	}
	if want := math.Sqrt(1.25); math.Abs(s.Scale[0]-want) > 1e-12 {
		t.Errorf("Scale[0] = %v, want population std %v", s.Scale[0], want)
	}
	if s.Scale[1] != 1 {
		t.Errorf("constant channel scale = %v, want 1", s.Scale[1])
	}

	got := s.Transform(nil, []float64{2.5, 7})
	if got[0] != 0 || got[1] != 2 {
		t.Errorf("Transform = %v, want [0 2]", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m, _, err := Fit(separableSet(40, 40, 3, 2), FitOptions{Seed: 9})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	var buf bytes.Buffer
	if err := m.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	back, err := Load(&buf)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if back.Report().Seed != 9 || back.Channels() != 3 {
		t.Errorf("loaded report %+v channels %d", back.Report(), back.Channels())
	}
	probe := []float64{0.3, -0.1, 0.7}
	p1, _ := m.Probability(probe)
	p2, _ := back.Probability(probe)
	if math.Abs(p1-p2) > 1e-12 {
		t.Errorf("probability changed across save/load: %v vs %v", p1, p2)
	}
}

func TestLoadRejectsInconsistentArtifact(t *testing.T) {
	in := "version: 1\nmean: [0, 0]\nscale: [1]\nweights: [1, 1]\nbias: 0\n"
	if _, err := Load(bytes.NewBufferString(in)); err == nil {
		t.Fatal("expected error for mismatched lengths")
	}
}
