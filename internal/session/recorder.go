// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/relabs-tech/bci_actuator/internal/biosignal"
	"github.com/relabs-tech/bci_actuator/internal/events"
)

// ErrEpochClosed is returned when recording into an ended or discarded epoch.
var ErrEpochClosed = errors.New("session: epoch is closed")

// Options configures a Recorder.
type Options struct {
	Duration    time.Duration // wall-clock length of one epoch
	LeadIn      time.Duration // countdown before each epoch starts
	PullTimeout time.Duration // bound on each blocking pull
	Session     string        // id stamped on events
	Events      events.Publisher
}

// Recorder accumulates labeled batches for the two calibration epochs of a
// session. The channel count is pinned by the first sample it records.
type Recorder struct {
	opts     Options
	channels int
	now      func() time.Time
}

// Epoch is the handle of one in-progress epoch.
type Epoch struct {
	label   biosignal.Label
	samples []biosignal.Sample
	started time.Time
	closed  bool
}

// Label returns the label shared by the epoch's samples.
func (e *Epoch) Label() biosignal.Label { return e.label }

// Len returns the number of samples recorded so far.
func (e *Epoch) Len() int { return len(e.samples) }

// Discard drops the partial batch.
func (e *Epoch) Discard() {
	e.samples = nil
	e.closed = true
}

// NewRecorder creates a Recorder. Zero durations mean "no lead-in" and a
// 30s epoch.
func NewRecorder(opts Options) *Recorder {
	if opts.Duration <= 0 {
		opts.Duration = 30 * time.Second
	}
	if opts.PullTimeout <= 0 {
		opts.PullTimeout = 200 * time.Millisecond
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	return &Recorder{opts: opts, now: time.Now}
}

// Channels returns the pinned channel count, or 0 before the first sample.
func (r *Recorder) Channels() int { return r.channels }

// BeginEpoch opens a new epoch for label.
func (r *Recorder) BeginEpoch(label biosignal.Label) *Epoch {
	return &Epoch{label: label, started: r.now()}
}

// Record appends s to the epoch.
func (r *Recorder) Record(ep *Epoch, s biosignal.Sample) error {
	if ep.closed {
		return ErrEpochClosed
	}
	if r.channels == 0 {
		if s.Channels() == 0 {
			return fmt.Errorf("%w: empty sample", biosignal.ErrShapeMismatch)
		}
		r.channels = s.Channels()
	} else if err := biosignal.CheckChannels(s, r.channels); err != nil {
		return err
	}
	ep.samples = append(ep.samples, s)
	return nil
}

// EndEpoch closes the epoch and returns its batch. The batch owns a fresh
// copy of the sample slice.
func (r *Recorder) EndEpoch(ep *Epoch) (LabeledBatch, error) {
	if ep.closed {
		return LabeledBatch{}, ErrEpochClosed
	}
	ep.closed = true

	samples := make([]biosignal.Sample, len(ep.samples))
	copy(samples, ep.samples)
	ep.samples = nil
	return LabeledBatch{Label: ep.label, Samples: samples}, nil
}

// Capture runs one full epoch against src: an optional lead-in countdown,
// then pulls for the configured duration. If ctx is cancelled or the
// stream fails the partial batch is discarded and the error returned.
func (r *Recorder) Capture(ctx context.Context, src biosignal.Source, label biosignal.Label) (LabeledBatch, error) {
	if err := r.leadIn(ctx, label); err != nil {
		return LabeledBatch{}, err
	}

	ep := r.BeginEpoch(label)
	deadline := ep.started.Add(r.opts.Duration)
	lastRatio := 0.0
	timeouts := 0

	log.Printf("recorder: %s epoch started (%v)", label, r.opts.Duration)

	for {
		if err := ctx.Err(); err != nil {
			ep.Discard()
			return LabeledBatch{}, err
		}

		now := r.now()
		if !now.Before(deadline) {
			break
		}

		wait := min(r.opts.PullTimeout, deadline.Sub(now))
		s, ok, err := src.Pull(ctx, wait)
		if err != nil {
			ep.Discard()
			if ctx.Err() != nil {
				return LabeledBatch{}, ctx.Err()
			}
			return LabeledBatch{}, fmt.Errorf("%s epoch: %w", label, err)
		}
		if !ok {
			timeouts++
			if timeouts == 1 {
				log.Printf("recorder: no sample from %s within %v", src.Name(), wait)
			}
		} else {
			timeouts = 0
			if err := r.Record(ep, s); err != nil {
				ep.Discard()
				return LabeledBatch{}, fmt.Errorf("%s epoch: %w", label, err)
			}
		}

		ratio := float64(r.now().Sub(ep.started)) / float64(r.opts.Duration)
		if ratio > 1 {
			ratio = 1
		}
		if ratio-lastRatio >= 0.01 {
			lastRatio = ratio
			r.publish(events.Event{Kind: events.EpochProgress, Label: labelPtr(label), Ratio: ratio, Samples: ep.Len()})
		}
	}

	batch, err := r.EndEpoch(ep)
	if err != nil {
		return LabeledBatch{}, err
	}
	r.publish(events.Event{Kind: events.EpochProgress, Label: labelPtr(label), Ratio: 1, Samples: batch.Len()})
	r.publish(events.Event{Kind: events.EpochCompleted, Label: labelPtr(label), Samples: batch.Len()})
	log.Printf("recorder: %s epoch finished with %d samples", label, batch.Len())
	return batch, nil
}

func (r *Recorder) leadIn(ctx context.Context, label biosignal.Label) error {
	remaining := r.opts.LeadIn
	for remaining > 0 {
		r.publish(events.Event{Kind: events.EpochStarted, Label: labelPtr(label), LeadIn: remaining.Seconds()})
		step := min(time.Second, remaining)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step):
		}
		remaining -= step
	}
	r.publish(events.Event{Kind: events.EpochStarted, Label: labelPtr(label)})
	return nil
}

func (r *Recorder) publish(e events.Event) {
	e.Session = r.opts.Session
	r.opts.Events.Publish(e)
}

func labelPtr(l biosignal.Label) *int { return events.IntPtr(int(l)) }
