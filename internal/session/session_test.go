// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relabs-tech/bci_actuator/internal/biosignal"
	"github.com/relabs-tech/bci_actuator/internal/events"
)

// funcSource calls next on every pull, pacing itself by one millisecond.
type funcSource struct {
	next func() (biosignal.Sample, bool, error)
}

func (f *funcSource) Pull(ctx context.Context, timeout time.Duration) (biosignal.Sample, bool, error) {
	select {
	case <-ctx.Done():
		return biosignal.Sample{}, false, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	return f.next()
}
func (f *funcSource) Name() string { return "func" }
func (f *funcSource) Close() error { return nil }

func constantSource(width int) *funcSource {
	n := 0
	return &funcSource{next: func() (biosignal.Sample, bool, error) {
		n++
		return biosignal.Sample{Timestamp: float64(n), Values: make([]float64, width)}, true, nil
	}}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) ofKind(k events.Kind) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func sampleSet(rest, move, width int) TrainingSet {
	ts := TrainingSet{
		Rest: LabeledBatch{Label: biosignal.Rest},
		Move: LabeledBatch{Label: biosignal.Intent},
	}
	for i := 0; i < rest; i++ {
		v := make([]float64, width)
		for c := range v {
			v[c] = float64(i) + 0.25*float64(c)
		}
		ts.Rest.Samples = append(ts.Rest.Samples, biosignal.Sample{Timestamp: float64(i), Values: v})
	}
	for i := 0; i < move; i++ {
		v := make([]float64, width)
		for c := range v {
			v[c] = -float64(i) - 0.5*float64(c)
		}
		ts.Move.Samples = append(ts.Move.Samples, biosignal.Sample{Timestamp: float64(rest + i), Values: v})
	}
	return ts
}

func TestCaptureRecordsLabeledBatch(t *testing.T) {
	pub := &recordingPublisher{}
	rec := NewRecorder(Options{Duration: 60 * time.Millisecond, PullTimeout: 10 * time.Millisecond, Session: "s1", Events: pub})

	batch, err := rec.Capture(context.Background(), constantSource(4), biosignal.Intent)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if batch.Label != biosignal.Intent {
		t.Errorf("Label = %v, want intent", batch.Label)
	}
	if batch.Len() == 0 {
		t.Fatal("expected samples in batch")
	}
	if rec.Channels() != 4 {
		t.Errorf("Channels() = %d, want 4", rec.Channels())
	}

	progress := pub.ofKind(events.EpochProgress)
	if len(progress) == 0 || progress[len(progress)-1].Ratio != 1 {
		t.Errorf("expected final progress ratio 1, got %+v", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i].Ratio < progress[i-1].Ratio {
			t.Errorf("progress went backwards at %d: %v -> %v", i, progress[i-1].Ratio, progress[i].Ratio)
		}
	}
	done := pub.ofKind(events.EpochCompleted)
	if len(done) != 1 || done[0].Samples != batch.Len() || done[0].Session != "s1" {
		t.Errorf("unexpected completion events %+v", done)
	}
}

func TestCaptureCancelledDiscardsBatch(t *testing.T) {
	rec := NewRecorder(Options{Duration: 5 * time.Second, PullTimeout: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	batch, err := rec.Capture(ctx, constantSource(2), biosignal.Rest)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Capture err = %v, want context.Canceled", err)
	}
	if batch.Len() != 0 {
		t.Errorf("expected discarded batch, got %d samples", batch.Len())
	}
	if time.Since(start) > time.Second {
		t.Errorf("cancellation took %v", time.Since(start))
	}
}

func TestCaptureLeadInIsCancellable(t *testing.T) {
	pub := &recordingPublisher{}
	rec := NewRecorder(Options{Duration: time.Second, LeadIn: 5 * time.Second, Events: pub})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := rec.Capture(ctx, constantSource(2), biosignal.Rest)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Capture err = %v, want DeadlineExceeded", err)
	}
	started := pub.ofKind(events.EpochStarted)
	if len(started) != 1 || started[0].LeadIn != 5 {
		t.Errorf("expected one countdown event at 5s, got %+v", started)
	}
}

func TestCaptureShapeMismatch(t *testing.T) {
	n := 0
	src := &funcSource{next: func() (biosignal.Sample, bool, error) {
		n++
		width := 3
		if n > 2 {
			width = 5
		}
		return biosignal.Sample{Values: make([]float64, width)}, true, nil
	}}
	rec := NewRecorder(Options{Duration: time.Second})

	_, err := rec.Capture(context.Background(), src, biosignal.Rest)
	if !errors.Is(err, biosignal.ErrShapeMismatch) {
		t.Fatalf("Capture err = %v, want ErrShapeMismatch", err)
	}
}

func TestCaptureStreamLost(t *testing.T) {
	src := &funcSource{next: func() (biosignal.Sample, bool, error) {
		return biosignal.Sample{}, false, biosignal.ErrStreamLost
	}}
	rec := NewRecorder(Options{Duration: time.Second})

	_, err := rec.Capture(context.Background(), src, biosignal.Rest)
	if !errors.Is(err, biosignal.ErrStreamLost) {
		t.Fatalf("Capture err = %v, want ErrStreamLost", err)
	}
}

func TestCaptureToleratesTimeouts(t *testing.T) {
	src := &funcSource{next: func() (biosignal.Sample, bool, error) {
		return biosignal.Sample{}, false, nil
	}}
	rec := NewRecorder(Options{Duration: 30 * time.Millisecond})

	batch, err := rec.Capture(context.Background(), src, biosignal.Rest)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if batch.Len() != 0 {
		t.Errorf("expected empty batch, got %d", batch.Len())
	}
}

func TestEpochLifecycle(t *testing.T) {
	rec := NewRecorder(Options{})
	ep := rec.BeginEpoch(biosignal.Rest)

	s := biosignal.Sample{Values: []float64{1, 2}}
	if err := rec.Record(ep, s); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := rec.Record(ep, biosignal.Sample{Values: []float64{1}}); !errors.Is(err, biosignal.ErrShapeMismatch) {
		t.Errorf("Record wrong width = %v, want ErrShapeMismatch", err)
	}

	batch, err := rec.EndEpoch(ep)
	if err != nil {
		t.Fatalf("EndEpoch failed: %v", err)
	}
	if batch.Len() != 1 || batch.Label != biosignal.Rest {
		t.Errorf("unexpected batch %+v", batch)
	}
	if err := rec.Record(ep, s); !errors.Is(err, ErrEpochClosed) {
		t.Errorf("Record after end = %v, want ErrEpochClosed", err)
	}
	if _, err := rec.EndEpoch(ep); !errors.Is(err, ErrEpochClosed) {
		t.Errorf("second EndEpoch = %v, want ErrEpochClosed", err)
	}

	// Width stays pinned for the next epoch of the same session.
	move := rec.BeginEpoch(biosignal.Intent)
	if err := rec.Record(move, biosignal.Sample{Values: []float64{1, 2, 3}}); !errors.Is(err, biosignal.ErrShapeMismatch) {
		t.Errorf("Record across epochs = %v, want ErrShapeMismatch", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		set     TrainingSet
		wantErr error
	}{
		{"ok", sampleSet(3, 2, 4), nil},
		{"empty rest", sampleSet(0, 5, 4), ErrInsufficientData},
		{"empty move", sampleSet(5, 0, 4), ErrInsufficientData},
		{"no channels", sampleSet(1, 1, 0), ErrInsufficientData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.set.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}

	mixed := sampleSet(2, 2, 3)
	mixed.Move.Samples[1].Values = []float64{1}
	if _, err := mixed.Validate(); !errors.Is(err, biosignal.ErrShapeMismatch) {
		t.Errorf("mixed widths = %v, want ErrShapeMismatch", err)
	}
}

func TestCSVRoundTrip(t *testing.T) {
	const n, m = 3, 4
	orig := sampleSet(n, m, 5)

	var buf bytes.Buffer
	if err := WriteCSV(&buf, orig); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != n+m+1 {
		t.Fatalf("got %d lines, want %d rows plus header", len(lines), n+m)
	}
	if !strings.HasSuffix(lines[0], ",event") {
		t.Errorf("header %q does not end with the label column", lines[0])
	}

	back, err := ReadCSV(&buf)
	if err != nil {
		t.Fatalf("ReadCSV failed: %v", err)
	}
	if back.Rest.Len() != n || back.Move.Len() != m {
		t.Fatalf("round trip sizes rest=%d move=%d, want %d/%d", back.Rest.Len(), back.Move.Len(), n, m)
	}

	x, y := back.Rows()
	ox, oy := orig.Rows()
	for i := range oy {
		if y[i] != oy[i] {
			t.Errorf("row %d label = %v, want %v", i, y[i], oy[i])
		}
		for c := range ox[i] {
			if x[i][c] != ox[i][c] {
				t.Errorf("row %d ch%d = %v, want %v", i, c, x[i][c], ox[i][c])
			}
		}
	}
}

func TestReadCSVRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"no label column": "timestamp,ch0,ch1\n1,2,3\n",
		"bad label":       "timestamp,ch0,event\n1,2,7\n",
		"bad value":       "timestamp,ch0,event\n1,x,0\n",
		"short row":       "timestamp,ch0,event\n1,0\n",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ReadCSV(strings.NewReader(in)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
