// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package session

import (
	"errors"
	"fmt"

	"github.com/relabs-tech/bci_actuator/internal/biosignal"
)

// ErrInsufficientData is returned when a training set is too small to fit.
var ErrInsufficientData = errors.New("session: insufficient training data")

// LabeledBatch is the output of one calibration epoch: samples in arrival
// order sharing one label.
type LabeledBatch struct {
	Label   biosignal.Label    `json:"label"`
	Samples []biosignal.Sample `json:"samples"`
}

// Len returns the number of samples in the batch.
func (b LabeledBatch) Len() int { return len(b.Samples) }

// TrainingSet is one rest batch followed by one move batch.
type TrainingSet struct {
	Rest LabeledBatch `json:"rest"`
	Move LabeledBatch `json:"move"`
}

// NewTrainingSet pairs the two epoch batches.
func NewTrainingSet(rest, move LabeledBatch) TrainingSet {
	return TrainingSet{Rest: rest, Move: move}
}

// Len returns the total sample count.
func (ts TrainingSet) Len() int { return ts.Rest.Len() + ts.Move.Len() }

// Validate checks that both batches are non-empty, there are at least two
// samples, the labels are right, and every sample has the same width.
// It returns the channel count on success.
func (ts TrainingSet) Validate() (int, error) {
	if ts.Rest.Len() == 0 {
		return 0, fmt.Errorf("%w: rest batch is empty", ErrInsufficientData)
	}
	if ts.Move.Len() == 0 {
		return 0, fmt.Errorf("%w: move batch is empty", ErrInsufficientData)
	}
	if ts.Len() < 2 {
		return 0, fmt.Errorf("%w: need at least 2 samples, have %d", ErrInsufficientData, ts.Len())
	}
	if ts.Rest.Label != biosignal.Rest || ts.Move.Label != biosignal.Intent {
		return 0, fmt.Errorf("session: batches labeled %s/%s, want rest/intent", ts.Rest.Label, ts.Move.Label)
	}

	width := ts.Rest.Samples[0].Channels()
	if width == 0 {
		return 0, fmt.Errorf("%w: samples have no channels", ErrInsufficientData)
	}
	for _, b := range []LabeledBatch{ts.Rest, ts.Move} {
		for i, s := range b.Samples {
			if err := biosignal.CheckChannels(s, width); err != nil {
				return 0, fmt.Errorf("%s sample %d: %w", b.Label, i, err)
			}
		}
	}
	return width, nil
}

// Rows flattens the set into feature rows and labels, rest first.
func (ts TrainingSet) Rows() ([][]float64, []biosignal.Label) {
	x := make([][]float64, 0, ts.Len())
	y := make([]biosignal.Label, 0, ts.Len())
	for _, b := range []LabeledBatch{ts.Rest, ts.Move} {
		for _, s := range b.Samples {
			x = append(x, s.Values)
			y = append(y, b.Label)
		}
	}
	return x, y
}
