// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package biosignal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrStreamLost is returned by a Source whose underlying stream went away.
	ErrStreamLost = errors.New("biosignal: stream lost")
	// ErrShapeMismatch is returned when a sample's channel count differs from
	// the count pinned for the current session or model.
	ErrShapeMismatch = errors.New("biosignal: channel count mismatch")
)

// Label is the binary class of a sample.
type Label int

const (
	Rest   Label = 0
	Intent Label = 1
)

func (l Label) String() string {
	switch l {
	case Rest:
		return "rest"
	case Intent:
		return "intent"
	default:
		return fmt.Sprintf("label(%d)", int(l))
	}
}

// Sample represents one timestamped vector of channel readings.
type Sample struct {
	Timestamp float64   `json:"ts"`     // source clock, seconds
	Values    []float64 `json:"values"` // one reading per channel
}

// Channels returns the channel count of the sample.
func (s Sample) Channels() int { return len(s.Values) }

// Finite reports whether every channel holds a finite value.
func (s Sample) Finite() bool {
	for _, v := range s.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers can keep the sample after the
// producer reuses its buffer.
func (s Sample) Clone() Sample {
	v := make([]float64, len(s.Values))
	copy(v, s.Values)
	return Sample{Timestamp: s.Timestamp, Values: v}
}

// CheckChannels returns ErrShapeMismatch when s does not have want channels.
func CheckChannels(s Sample, want int) error {
	if s.Channels() != want {
		return fmt.Errorf("%w: got %d channels, want %d", ErrShapeMismatch, s.Channels(), want)
	}
	return nil
}

// Source is anything that can provide samples over time.
//
// Pull waits at most timeout for the next sample. A timeout is reported as
// ok == false with a nil error; a vanished stream as ErrStreamLost.
type Source interface {
	Pull(ctx context.Context, timeout time.Duration) (s Sample, ok bool, err error)
	Name() string
	Close() error
}
