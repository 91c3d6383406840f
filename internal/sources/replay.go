// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sources

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/relabs-tech/bci_actuator/internal/biosignal"
	"github.com/relabs-tech/bci_actuator/internal/session"
)

// ReplaySource serves a fixed slice of samples at a fixed interval and
// reports ErrStreamLost once exhausted.
type ReplaySource struct {
	name     string
	interval time.Duration

	mu      sync.Mutex
	samples []biosignal.Sample
	pos     int
	closed  bool
}

// NewReplaySource replays samples in order. A zero interval serves them as
// fast as they are pulled.
func NewReplaySource(name string, samples []biosignal.Sample, interval time.Duration) *ReplaySource {
	return &ReplaySource{name: name, samples: samples, interval: interval}
}

// OpenReplayFile loads a training-set CSV and replays its rows in file order
// (rest rows, then move rows).
func OpenReplayFile(path string, interval time.Duration) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay source: %w", err)
	}
	defer f.Close()

	set, err := session.ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("replay source: %s: %w", path, err)
	}
	samples := make([]biosignal.Sample, 0, set.Len())
	samples = append(samples, set.Rest.Samples...)
	samples = append(samples, set.Move.Samples...)
	return NewReplaySource("replay:"+path, samples, interval), nil
}

// Pull implements biosignal.Source.
func (r *ReplaySource) Pull(ctx context.Context, timeout time.Duration) (biosignal.Sample, bool, error) {
	if r.interval > 0 {
		wait := r.interval
		timedOut := false
		if wait > timeout {
			wait = timeout
			timedOut = true
		}
		select {
		case <-ctx.Done():
			return biosignal.Sample{}, false, ctx.Err()
		case <-time.After(wait):
		}
		if timedOut {
			return biosignal.Sample{}, false, nil
		}
	} else if err := ctx.Err(); err != nil {
		return biosignal.Sample{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.pos >= len(r.samples) {
		return biosignal.Sample{}, false, fmt.Errorf("%w: %s exhausted after %d samples", biosignal.ErrStreamLost, r.name, r.pos)
	}
	s := r.samples[r.pos].Clone()
	r.pos++
	return s, true, nil
}

// Remaining returns how many samples are left.
func (r *ReplaySource) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples) - r.pos
}

// Name implements biosignal.Source.
func (r *ReplaySource) Name() string { return r.name }

// Close ends the replay.
func (r *ReplaySource) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}
