// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := make(chan Event, 4)
	if err := bus.Subscribe("ui", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Publish(Event{Kind: CounterChanged, Counter: Int64Ptr(3)})

	select {
	case e := <-ch:
		if e.Kind != CounterChanged || *e.Counter != 3 {
			t.Errorf("unexpected event %+v", e)
		}
		if e.Time.IsZero() {
			t.Error("expected bus to stamp event time")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := make(chan Event, 1)
	bus.Subscribe("slow", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Kind: Log})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked on a full subscriber")
	}

	stats := bus.Stats()
	if stats.TotalPublished != 10 {
		t.Errorf("TotalPublished = %d, want 10", stats.TotalPublished)
	}
	sub := stats.Subscribers["slow"]
	if sub.Sent != 1 || sub.Dropped != 9 {
		t.Errorf("slow subscriber stats = %+v, want 1 sent 9 dropped", sub)
	}
}

func TestSubscribeErrors(t *testing.T) {
	bus := NewBus()

	if err := bus.Subscribe("a", nil); err != ErrNilChannel {
		t.Errorf("nil channel: got %v, want ErrNilChannel", err)
	}
	bus.Subscribe("a", make(chan Event, 1))
	if err := bus.Subscribe("a", make(chan Event, 1)); err != ErrSubscriberExists {
		t.Errorf("duplicate: got %v, want ErrSubscriberExists", err)
	}
	if err := bus.Unsubscribe("missing"); err != ErrSubscriberNotFound {
		t.Errorf("unsubscribe missing: got %v, want ErrSubscriberNotFound", err)
	}

	bus.Close()
	if err := bus.Subscribe("b", make(chan Event, 1)); err != ErrBusClosed {
		t.Errorf("after close: got %v, want ErrBusClosed", err)
	}
	bus.Publish(Event{Kind: Log}) // must not panic
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := make(chan Event, 4)
	bus.Subscribe("ui", ch)
	if err := bus.Unsubscribe("ui"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	bus.Publish(Event{Kind: Log})

	if len(ch) != 0 {
		t.Errorf("expected no delivery after unsubscribe, got %d events", len(ch))
	}
}

func TestEventJSONOmitsUnsetFields(t *testing.T) {
	e := Event{Kind: ActuationFired, OK: BoolPtr(false), ErrorKind: ActuatorUnavailable}
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	for _, want := range []string{`"kind":"actuation-fired"`, `"ok":false`, `"error_kind":"ActuatorUnavailable"`} {
		if !strings.Contains(s, want) {
			t.Errorf("json %s missing %s", s, want)
		}
	}
	if strings.Contains(s, "counter") {
		t.Errorf("json %s should omit counter", s)
	}
}
