// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"testing"
	"time"

	"periph.io/x/devices/v3/ssd1306/image1bit"

	"github.com/relabs-tech/bci_actuator/internal/events"
)

func litPixels(img *image1bit.VerticalLSB) int {
	n := 0
	for _, b := range img.Pix {
		for ; b != 0; b &= b - 1 {
			n++
		}
	}
	return n
}

func TestPanelApply(t *testing.T) {
	var d PanelData
	at := time.Now()

	d.apply(events.Event{Kind: events.PhaseChanged, Phase: "controlling"})
	d.apply(events.Event{Kind: events.CounterChanged, Counter: events.Int64Ptr(350), Threshold: 700})
	d.apply(events.Event{Kind: events.ModelFitResult, OK: events.BoolPtr(true), Accuracy: events.Float64Ptr(0.8)})
	d.apply(events.Event{Kind: events.ActuationFired, OK: events.BoolPtr(true), Time: at})

	s := d.snapshot()
	if s.phase != "controlling" || s.counter != 350 || s.threshold != 700 {
		t.Errorf("snapshot = %+v", s)
	}
	if s.accuracy == nil || *s.accuracy != 0.8 || s.actuations != 1 || !s.lastFired.Equal(at) {
		t.Errorf("fit/actuation not applied: %+v", s)
	}

	d.apply(events.Event{Kind: events.Error, ErrorKind: events.StreamLost})
	d.apply(events.Event{Kind: events.PhaseChanged, Phase: "idle"})
	s = d.snapshot()
	if s.counter != 0 || s.lastError != "" {
		t.Errorf("leaving control should clear counter and error: %+v", s)
	}
}

func TestRenderStatus(t *testing.T) {
	empty := litPixels(renderStatus(panelSnapshot{}, time.Now()))
	if empty == 0 {
		t.Fatal("waiting screen is blank")
	}

	low := panelSnapshot{haveEvent: true, phase: "controlling", threshold: 700, counter: 0}
	high := low
	high.counter = 700

	lowPix := litPixels(renderStatus(low, time.Now()))
	highPix := litPixels(renderStatus(high, time.Now()))
	if highPix <= lowPix {
		t.Errorf("full counter bar lit %d pixels, empty bar %d", highPix, lowPix)
	}
}
