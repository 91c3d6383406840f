// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package phase orchestrates calibration, fitting and control as a single
// state machine with one worker goroutine per active phase.
package phase

import (
	"errors"

	"github.com/relabs-tech/bci_actuator/internal/actuator"
	"github.com/relabs-tech/bci_actuator/internal/biosignal"
	"github.com/relabs-tech/bci_actuator/internal/events"
	"github.com/relabs-tech/bci_actuator/internal/session"
)

// Phase is the lifecycle state of a Machine.
type Phase int

const (
	Idle Phase = iota
	CalibratingRest
	CalibratingMove
	Fitting
	Controlling
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case CalibratingRest:
		return "calibrating-rest"
	case CalibratingMove:
		return "calibrating-move"
	case Fitting:
		return "fitting"
	case Controlling:
		return "controlling"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Active reports whether a worker goroutine owns the phase.
func (p Phase) Active() bool {
	switch p {
	case CalibratingRest, CalibratingMove, Fitting, Controlling:
		return true
	}
	return false
}

// Training reports whether p belongs to a training session.
func (p Phase) Training() bool {
	return p == CalibratingRest || p == CalibratingMove || p == Fitting
}

var (
	ErrInvalidTransition = errors.New("phase: transition not allowed in current phase")
	ErrNoSource          = errors.New("phase: no sample source attached")
	ErrNoActuator        = errors.New("phase: no actuator attached")
	ErrNoModel           = errors.New("phase: no trained model")
	ErrStopped           = errors.New("phase: machine is stopped")
)

// KindOf maps an error to the event error taxonomy.
func KindOf(err error) events.ErrorKind {
	switch {
	case errors.Is(err, biosignal.ErrShapeMismatch):
		return events.ShapeMismatch
	case errors.Is(err, biosignal.ErrStreamLost):
		return events.StreamLost
	case errors.Is(err, session.ErrInsufficientData):
		return events.InsufficientTrainingData
	case errors.Is(err, actuator.ErrActuatorUnavailable), errors.Is(err, ErrNoActuator):
		return events.ActuatorUnavailable
	default:
		return events.Internal
	}
}
