// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sources

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/bci_actuator/internal/biosignal"
)

// MockOptions configures a MockSource.
type MockOptions struct {
	Channels int           // default 8
	Interval time.Duration // time between samples, default 4ms
	Shift    float64       // mean offset on even channels while intent is set, default 3
	Seed     uint64        // noise seed, 0 picks one from the clock
}

// MockSource generates smoothly changing band-power-like values plus noise.
// While intent is set, the even channels are offset so a classifier can
// separate the two states.
type MockSource struct {
	opts  MockOptions
	start time.Time

	mu   sync.Mutex
	rng  *rand.Rand
	next time.Time

	intent atomic.Bool
	closed atomic.Bool
}

// NewMockSource creates a mock sample source.
func NewMockSource(opts MockOptions) *MockSource {
	if opts.Channels <= 0 {
		opts.Channels = 8
	}
	if opts.Interval <= 0 {
		opts.Interval = 4 * time.Millisecond
	}
	if opts.Shift == 0 {
		opts.Shift = 3
	}
	if opts.Seed == 0 {
		opts.Seed = uint64(time.Now().UnixNano())
	}
	now := time.Now()
	return &MockSource{
		opts:  opts,
		start: now,
		rng:   rand.New(rand.NewPCG(opts.Seed, opts.Seed>>1)),
		next:  now,
	}
}

// SetIntent switches the generated signal between the rest and intent shape.
func (m *MockSource) SetIntent(on bool) { m.intent.Store(on) }

// Intent reports the current state.
func (m *MockSource) Intent() bool { return m.intent.Load() }

// Pull implements biosignal.Source, pacing samples at the configured interval.
func (m *MockSource) Pull(ctx context.Context, timeout time.Duration) (biosignal.Sample, bool, error) {
	if m.closed.Load() {
		return biosignal.Sample{}, false, biosignal.ErrStreamLost
	}

	m.mu.Lock()
	due := m.next
	m.mu.Unlock()

	if wait := time.Until(due); wait > 0 {
		if wait > timeout {
			select {
			case <-ctx.Done():
				return biosignal.Sample{}, false, ctx.Err()
			case <-time.After(timeout):
				return biosignal.Sample{}, false, nil
			}
		}
		select {
		case <-ctx.Done():
			return biosignal.Sample{}, false, ctx.Err()
		case <-time.After(wait):
		}
	}
	if m.closed.Load() {
		return biosignal.Sample{}, false, biosignal.ErrStreamLost
	}

	return m.Next(), true, nil
}

// Next produces one sample immediately, advancing the pacing clock.
func (m *MockSource) Next() biosignal.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.next.Before(now.Add(-m.opts.Interval)) {
		m.next = now
	}
	m.next = m.next.Add(m.opts.Interval)

	elapsed := now.Sub(m.start).Seconds()
	intent := m.intent.Load()

	values := make([]float64, m.opts.Channels)
	for c := range values {
		phase := float64(c) * 0.7
		v := 10 + 2*math.Sin(elapsed*(1+0.1*float64(c))+phase) + m.rng.NormFloat64()*0.5
		if intent && c%2 == 0 {
			v += m.opts.Shift
		}
		values[c] = v
	}
	return biosignal.Sample{Timestamp: elapsed, Values: values}
}

// Name implements biosignal.Source.
func (m *MockSource) Name() string { return "mock" }

// Close ends the stream.
func (m *MockSource) Close() error {
	m.closed.Store(true)
	return nil
}
