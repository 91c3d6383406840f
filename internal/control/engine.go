// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package control runs the hysteresis decision loop that turns per-sample
// predictions into actuator commands.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/bci_actuator/internal/actuator"
	"github.com/relabs-tech/bci_actuator/internal/biosignal"
	"github.com/relabs-tech/bci_actuator/internal/events"
)

// Threshold bounds accepted by SetThreshold.
const (
	MinThreshold = 1
	MaxThreshold = 10000
)

// ErrInvalidThreshold is returned for a threshold outside [MinThreshold, MaxThreshold].
var ErrInvalidThreshold = errors.New("control: threshold out of range")

// Predictor classifies one raw sample.
type Predictor interface {
	Predict(values []float64) (biosignal.Label, error)
}

// Options configures an Engine.
type Options struct {
	Threshold   int64         // counter value that triggers actuation
	Cooldown    time.Duration // quiet period after each actuation attempt, 0 for none
	Command     []byte        // bytes written to the actuator on trigger
	PullTimeout time.Duration // bound on each blocking pull
	Session     string
	Events      events.Publisher
}

// Decision is the outcome of one Step.
type Decision struct {
	Label    biosignal.Label
	Counter  int64 // counter after the update, before any reset
	Fired    bool
	WriteErr error
}

// Engine owns the hysteresis counter. Step and Run must be driven from a
// single goroutine; Counter, Threshold and SetThreshold are safe from any.
type Engine struct {
	model Predictor
	link  actuator.Link
	opts  Options

	counter    atomic.Int64
	threshold  atomic.Int64
	actuations atomic.Int64
}

// New builds an Engine. Zero options select threshold 700, no cooldown,
// the command "1" and a 200ms pull timeout.
func New(model Predictor, link actuator.Link, opts Options) *Engine {
	if opts.Threshold <= 0 {
		opts.Threshold = 700
	}
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if len(opts.Command) == 0 {
		opts.Command = []byte("1")
	}
	if opts.PullTimeout <= 0 {
		opts.PullTimeout = 200 * time.Millisecond
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}

	e := &Engine{model: model, link: link, opts: opts}
	e.threshold.Store(opts.Threshold)
	return e
}

// Counter returns a snapshot of the hysteresis counter.
func (e *Engine) Counter() int64 { return e.counter.Load() }

// Threshold returns the current trigger threshold.
func (e *Engine) Threshold() int64 { return e.threshold.Load() }

// Actuations returns how many actuation attempts the engine has made.
func (e *Engine) Actuations() int64 { return e.actuations.Load() }

// SetThreshold changes the trigger threshold. A counter already at or above
// the new value fires on the next processed sample.
func (e *Engine) SetThreshold(n int64) error {
	if n < MinThreshold || n > MaxThreshold {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidThreshold, n, MinThreshold, MaxThreshold)
	}
	e.threshold.Store(n)
	return nil
}

// Step feeds one sample through predict, update, and maybe actuate.
//
// A channel-count mismatch is returned without touching the counter. Any
// other prediction failure counts as rest.
func (e *Engine) Step(s biosignal.Sample) (Decision, error) {
	label, err := e.model.Predict(s.Values)
	if err != nil {
		if errors.Is(err, biosignal.ErrShapeMismatch) {
			return Decision{}, err
		}
		log.Printf("control: prediction failed, counting as rest: %v", err)
		label = biosignal.Rest
	}

	c := e.counter.Load()
	if label == biosignal.Intent {
		c++
	} else if c > 0 {
		c--
	}
	e.counter.Store(c)

	threshold := e.threshold.Load()
	e.publish(events.Event{
		Kind:      events.CounterChanged,
		Counter:   events.Int64Ptr(c),
		Label:     events.IntPtr(int(label)),
		Threshold: threshold,
	})

	d := Decision{Label: label, Counter: c}
	if c < threshold {
		return d, nil
	}

	d.Fired = true
	d.WriteErr = e.actuate()
	e.counter.Store(0)
	e.publish(events.Event{
		Kind:      events.CounterChanged,
		Counter:   events.Int64Ptr(0),
		Threshold: threshold,
	})
	return d, nil
}

func (e *Engine) actuate() error {
	e.actuations.Add(1)

	_, err := e.link.Write(e.opts.Command)
	e.publish(events.Event{Kind: events.ActuationFired, OK: events.BoolPtr(err == nil)})
	if err != nil {
		log.Printf("control: actuator write failed: %v", err)
		e.publish(events.Event{
			Kind:      events.Error,
			ErrorKind: events.ActuatorUnavailable,
			Message:   err.Error(),
		})
		return err
	}
	log.Printf("control: actuation sent (%q)", e.opts.Command)
	return nil
}

// Run pulls from src until ctx is cancelled, returning nil in that case.
// A lost stream or a channel-count mismatch ends the loop with that error.
func (e *Engine) Run(ctx context.Context, src biosignal.Source) error {
	log.Printf("control: loop started on %s (threshold=%d, cooldown=%v)", src.Name(), e.Threshold(), e.opts.Cooldown)
	defer func() {
		log.Printf("control: loop stopped (counter=%d, actuations=%d)", e.Counter(), e.Actuations())
	}()

	timeouts := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		s, ok, err := src.Pull(ctx, e.opts.PullTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control: %w", err)
		}
		if !ok {
			timeouts++
			if timeouts == 1 {
				log.Printf("control: no sample from %s within %v", src.Name(), e.opts.PullTimeout)
				e.publish(events.Event{
					Kind:      events.Error,
					ErrorKind: events.AcquisitionTimeout,
					Message:   fmt.Sprintf("no sample within %v", e.opts.PullTimeout),
				})
			}
			continue
		}
		timeouts = 0

		if ctx.Err() != nil {
			return nil
		}
		d, err := e.Step(s)
		if err != nil {
			return fmt.Errorf("control: %w", err)
		}
		if d.Fired {
			if err := e.cooldown(ctx, src); err != nil {
				return err
			}
		}
	}
}

// cooldown drains src until the cooldown deadline so the source buffer
// does not grow. Drained samples never reach the counter.
func (e *Engine) cooldown(ctx context.Context, src biosignal.Source) error {
	deadline := time.Now().Add(e.opts.Cooldown)
	drained := 0
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		_, ok, err := src.Pull(ctx, min(e.opts.PullTimeout, remaining))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control: during cooldown: %w", err)
		}
		if ok {
			drained++
		}
	}
	if drained > 0 {
		log.Printf("control: cooldown over, %d samples drained", drained)
	}
	return nil
}

func (e *Engine) publish(ev events.Event) {
	ev.Session = e.opts.Session
	e.opts.Events.Publish(ev)
}
