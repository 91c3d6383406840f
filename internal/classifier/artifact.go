// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package classifier

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const artifactVersion = 1

// artifact is the on-disk form of a Model.
type artifact struct {
	Version int       `yaml:"version"`
	Mean    []float64 `yaml:"mean"`
	Scale   []float64 `yaml:"scale"`
	Weights []float64 `yaml:"weights"`
	Bias    float64   `yaml:"bias"`
	Report  FitReport `yaml:"report"`
}

// Save writes the model as YAML.
func (m *Model) Save(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	a := artifact{
		Version: artifactVersion,
		Mean:    m.scaler.Mean,
		Scale:   m.scaler.Scale,
		Weights: m.weights,
		Bias:    m.bias,
		Report:  m.report,
	}
	if err := enc.Encode(a); err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	return enc.Close()
}

// Load reads a model written by Save.
func Load(r io.Reader) (*Model, error) {
	var a artifact
	if err := yaml.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if a.Version != artifactVersion {
		return nil, fmt.Errorf("model artifact version %d not supported", a.Version)
	}
	d := len(a.Mean)
	if d == 0 || len(a.Scale) != d || len(a.Weights) != d {
		return nil, fmt.Errorf("model artifact is inconsistent: mean=%d scale=%d weights=%d",
			len(a.Mean), len(a.Scale), len(a.Weights))
	}
	for j, s := range a.Scale {
		if s == 0 {
			return nil, fmt.Errorf("model artifact has zero scale on channel %d", j)
		}
	}
	return &Model{
		scaler:  Standardizer{Mean: a.Mean, Scale: a.Scale},
		weights: a.Weights,
		bias:    a.Bias,
		report:  a.Report,
	}, nil
}

// SaveFile writes the model to path, creating parent directories.
func (m *Model) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create model file: %w", err)
	}
	if err := m.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadFile reads a model from path.
func LoadFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open model file: %w", err)
	}
	defer f.Close()
	return Load(f)
}
