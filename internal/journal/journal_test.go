// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package journal

import (
	"context"
	"testing"
	"time"

	"github.com/relabs-tech/bci_actuator/internal/events"
)

func setupTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalRecordsSession(t *testing.T) {
	j := setupTestJournal(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	evts := []events.Event{
		{Kind: events.PhaseChanged, Session: "s1", Phase: "calibrating-rest", Time: base},
		{Kind: events.PhaseChanged, Session: "s1", Phase: "fitting", Time: base.Add(time.Minute)},
		{Kind: events.ModelFitResult, Session: "s1", Samples: 15000, Accuracy: events.Float64Ptr(0.87), OK: events.BoolPtr(true), Time: base.Add(time.Minute)},
		{Kind: events.PhaseChanged, Session: "s1", Phase: "controlling", Time: base.Add(2 * time.Minute)},
		{Kind: events.ActuationFired, Session: "s1", OK: events.BoolPtr(true), Time: base.Add(3 * time.Minute)},
		{Kind: events.ActuationFired, Session: "s1", OK: events.BoolPtr(false), Time: base.Add(4 * time.Minute)},
		{Kind: events.Error, Session: "s1", ErrorKind: events.ActuatorUnavailable, Message: "port gone", Time: base.Add(4 * time.Minute)},
		{Kind: events.CounterChanged, Session: "s1", Counter: events.Int64Ptr(3)},
		{Kind: events.Log, Message: "no session"},
	}
	for _, e := range evts {
		if err := j.Record(e); err != nil {
			t.Fatalf("Record(%s) failed: %v", e.Kind, err)
		}
	}

	sessions, err := j.ListSessions(10)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	s := sessions[0]
	if s.ID != "s1" || s.LastPhase != "controlling" || s.Samples != 15000 {
		t.Errorf("unexpected session %+v", s)
	}
	if s.Accuracy == nil || *s.Accuracy != 0.87 {
		t.Errorf("accuracy = %v, want 0.87", s.Accuracy)
	}
	if s.Actuations != 1 || s.Failures != 1 || s.Errors != 1 {
		t.Errorf("counts actuations=%d failures=%d errors=%d, want 1/1/1", s.Actuations, s.Failures, s.Errors)
	}
	if !s.StartedAt.Equal(base) {
		t.Errorf("started_at = %v, want %v", s.StartedAt, base)
	}

	acts, err := j.Actuations("s1")
	if err != nil {
		t.Fatalf("Actuations failed: %v", err)
	}
	if len(acts) != 2 || !acts[0].OK || acts[1].OK {
		t.Errorf("unexpected actuations %+v", acts)
	}
}

func TestJournalListOrder(t *testing.T) {
	j := setupTestJournal(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	j.Record(events.Event{Kind: events.PhaseChanged, Session: "old", Phase: "idle", Time: base})
	j.Record(events.Event{Kind: events.PhaseChanged, Session: "new", Phase: "idle", Time: base.Add(time.Hour)})

	sessions, err := j.ListSessions(0)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "new" {
		t.Errorf("sessions = %+v, want newest first", sessions)
	}
}

func TestJournalRunConsumesBus(t *testing.T) {
	j := setupTestJournal(t)
	bus := events.NewBus()
	defer bus.Close()

	ch := make(chan events.Event, 16)
	if err := bus.Subscribe("journal", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx, ch)
		close(done)
	}()

	bus.Publish(events.Event{Kind: events.PhaseChanged, Session: "bus", Phase: "controlling"})

	deadline := time.After(2 * time.Second)
	for {
		sessions, _ := j.ListSessions(1)
		if len(sessions) == 1 && sessions[0].ID == "bus" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("event never reached the journal")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
