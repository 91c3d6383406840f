// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package events

import "time"

// Kind identifies what happened.
type Kind string

const (
	PhaseChanged   Kind = "phase-changed"
	EpochStarted   Kind = "epoch-started"
	EpochProgress  Kind = "epoch-progress"
	EpochCompleted Kind = "epoch-completed"
	ModelFitResult Kind = "model-fit-result"
	CounterChanged Kind = "counter-changed"
	ActuationFired Kind = "actuation-fired"
	Error          Kind = "error"
	Log            Kind = "log"
)

// ErrorKind classifies an Error event.
type ErrorKind string

const (
	AcquisitionTimeout       ErrorKind = "AcquisitionTimeout"
	ActuatorUnavailable      ErrorKind = "ActuatorUnavailable"
	InsufficientTrainingData ErrorKind = "InsufficientTrainingData"
	ShapeMismatch            ErrorKind = "ShapeMismatch"
	StreamLost               ErrorKind = "StreamLost"
	Internal                 ErrorKind = "Internal"
)

// Event is the unit published by the core. Its JSON form is the contract
// for every renderer (websocket, MQTT, console, panel).
type Event struct {
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Session string    `json:"session,omitempty"`

	Phase     string    `json:"phase,omitempty"`
	Label     *int      `json:"label,omitempty"` // epoch label or last prediction
	Ratio     float64   `json:"ratio,omitempty"` // epoch progress 0..1
	LeadIn    float64   `json:"lead_in_sec,omitempty"`
	Samples   int       `json:"samples,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Counter   *int64    `json:"counter,omitempty"`
	Threshold int64     `json:"threshold,omitempty"`
	OK        *bool     `json:"ok,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Publisher is the sending side of the bus, as seen by the core.
type Publisher interface {
	Publish(e Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Helpers for the optional fields.

func IntPtr(v int) *int             { return &v }
func Int64Ptr(v int64) *int64       { return &v }
func Float64Ptr(v float64) *float64 { return &v }
func BoolPtr(v bool) *bool          { return &v }
