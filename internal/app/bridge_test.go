// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/bci_actuator/internal/events"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.msgs = append(p.msgs, published{topic: topic, retained: retained, payload: payload.([]byte)})
	}
	return &fakeToken{err: p.err}
}

func TestEventBridgeRepublishes(t *testing.T) {
	pub := &fakePublisher{}
	ch := make(chan events.Event, 4)
	ch <- events.Event{Kind: events.PhaseChanged, Phase: "controlling", Session: "s1"}
	ch <- events.Event{Kind: events.CounterChanged, Counter: events.Int64Ptr(3), Threshold: 700}
	close(ch)

	RunEventBridge(context.Background(), pub, "bci/events", ch)

	if len(pub.msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(pub.msgs))
	}
	if !pub.msgs[0].retained || pub.msgs[1].retained {
		t.Errorf("only phase changes should be retained: %+v", pub.msgs)
	}
	e, err := decodeEvent(pub.msgs[1].payload)
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if e.Kind != events.CounterChanged || *e.Counter != 3 || pub.msgs[1].topic != "bci/events" {
		t.Errorf("round trip lost data: %+v on %s", e, pub.msgs[1].topic)
	}
}

func TestEventBridgeSurvivesPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	ch := make(chan events.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunEventBridge(ctx, pub, "bci/events", ch)
		close(done)
	}()

	ch <- events.Event{Kind: events.Log, Message: "x"}
	ch <- events.Event{Kind: events.Log, Message: "y"}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop on cancel")
	}
}

func TestFormatEvent(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		e    events.Event
		want string
	}{
		{events.Event{Kind: events.PhaseChanged, Phase: "fitting"}, "[PHASE] fitting"},
		{events.Event{Kind: events.EpochStarted, Label: events.IntPtr(1), LeadIn: 5}, "move started"},
		{events.Event{Kind: events.EpochProgress, Label: events.IntPtr(0), Ratio: 0.5, Samples: 10}, "rest  50.0%"},
		{events.Event{Kind: events.ModelFitResult, Samples: 100, Accuracy: events.Float64Ptr(0.9), OK: events.BoolPtr(true)}, "accuracy=90.0%"},
		{events.Event{Kind: events.ModelFitResult, OK: events.BoolPtr(false), Message: "empty"}, "fit failed: empty"},
		{events.Event{Kind: events.CounterChanged, Counter: events.Int64Ptr(12), Threshold: 700}, "counter=  12/700"},
		{events.Event{Kind: events.ActuationFired, OK: events.BoolPtr(false)}, "write failed"},
		{events.Event{Kind: events.Error, ErrorKind: events.StreamLost, Message: "gone"}, "StreamLost: gone"},
	}
	for _, tt := range tests {
		tt.e.Time = at
		got := formatEvent(tt.e)
		if !strings.HasPrefix(got, "03:04:05.000 ") || !strings.Contains(got, tt.want) {
			t.Errorf("formatEvent(%s) = %q, want it to contain %q", tt.e.Kind, got, tt.want)
		}
	}
}

func TestParseIntent(t *testing.T) {
	tests := []struct {
		line    string
		current bool
		want    bool
		ok      bool
	}{
		{"", false, true, true},
		{"  ", true, false, true},
		{"move", false, true, true},
		{"REST", true, false, true},
		{"1", false, true, true},
		{"0", true, false, true},
		{"maybe", true, true, false},
	}
	for _, tt := range tests {
		got, ok := parseIntent(tt.line, tt.current)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseIntent(%q, %v) = %v, %v; want %v, %v", tt.line, tt.current, got, ok, tt.want, tt.ok)
		}
	}
}

type intentFlag struct{ on bool }

func (f *intentFlag) Intent() bool      { return f.on }
func (f *intentFlag) SetIntent(on bool) { f.on = on }

func TestReadIntent(t *testing.T) {
	f := &intentFlag{}
	readIntent(strings.NewReader("\nbogus\nrest\nmove\n"), f)
	if !f.on {
		t.Error("intent should end up on")
	}
}
