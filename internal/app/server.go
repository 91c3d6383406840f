// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relabs-tech/bci_actuator/internal/actuator"
	"github.com/relabs-tech/bci_actuator/internal/biosignal"
	"github.com/relabs-tech/bci_actuator/internal/control"
	"github.com/relabs-tech/bci_actuator/internal/events"
	"github.com/relabs-tech/bci_actuator/internal/journal"
	"github.com/relabs-tech/bci_actuator/internal/phase"
)

// Server exposes the phase machine over HTTP and websocket.
type Server struct {
	Machine *phase.Machine
	Bus     *events.Bus
	Journal *journal.Journal // nil when the journal is disabled

	// OpenSource builds a fresh sample source for /api/source/connect.
	OpenSource func() (biosignal.Source, error)
	// OpenActuator opens the actuator link on port.
	OpenActuator func(port string) (actuator.Link, error)

	ActuatorPort string
	ModelPath    string

	mu     sync.Mutex
	source biosignal.Source // last source attached through the server
}

// NewRouter wires the control API.
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Post("/training/start", s.handleAction(s.Machine.StartTraining))
		r.Post("/training/stop", s.handleAction(s.Machine.StopTraining))
		r.Get("/training/export", s.handleExport)

		r.Post("/control/start", s.handleAction(s.Machine.StartControl))
		r.Post("/control/stop", s.handleAction(s.Machine.StopControl))
		r.Put("/threshold", s.handleThreshold)

		r.Post("/actuator/connect", s.handleActuatorConnect)
		r.Post("/actuator/disconnect", s.handleAction(s.Machine.DetachActuator))

		r.Post("/source/connect", s.handleSourceConnect)
		r.Post("/source/disconnect", s.handleAction(s.Machine.DetachSource))
		r.Post("/source/intent", s.handleIntent)

		r.Post("/model/load", s.handleModelLoad)

		r.Get("/journal/sessions", s.handleSessions)
		r.Get("/journal/sessions/{id}/actuations", s.handleActuations)

		r.Get("/events/stats", s.handleEventStats)
	})

	r.Get("/ws", s.HandleControlWS)

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Machine.Snapshot())
}

// handleAction runs a machine operation and answers with the new status.
func (s *Server) handleAction(op func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.Machine.Snapshot())
	}
}

type thresholdRequest struct {
	Threshold int64 `json:"threshold"`
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.Machine.SetThreshold(req.Threshold); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Machine.Snapshot())
}

type actuatorRequest struct {
	Port string `json:"port"`
}

func (s *Server) handleActuatorConnect(w http.ResponseWriter, r *http.Request) {
	var req actuatorRequest
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	port := req.Port
	if port == "" {
		port = s.ActuatorPort
	}

	link, err := s.connectActuator(port)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Machine.AttachActuator(port, link); err != nil {
		link.Close()
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Machine.Snapshot())
}

// connectActuator opens port and reports a failure on the bus.
func (s *Server) connectActuator(port string) (actuator.Link, error) {
	if s.OpenActuator == nil {
		return nil, fmt.Errorf("%w: no actuator driver configured", actuator.ErrActuatorUnavailable)
	}
	link, err := s.OpenActuator(port)
	if err != nil {
		log.Printf("web: actuator connect failed: %v", err)
		s.Bus.Publish(events.Event{
			Kind:      events.Error,
			ErrorKind: events.ActuatorUnavailable,
			Message:   err.Error(),
		})
		return nil, err
	}
	return link, nil
}

func (s *Server) handleSourceConnect(w http.ResponseWriter, r *http.Request) {
	if s.OpenSource == nil {
		http.Error(w, "no sample source configured", http.StatusNotImplemented)
		return
	}
	src, err := s.OpenSource()
	if err != nil {
		log.Printf("web: source connect failed: %v", err)
		writeError(w, fmt.Errorf("%w: %v", biosignal.ErrStreamLost, err))
		return
	}
	if err := s.attachSource(src); err != nil {
		src.Close()
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Machine.Snapshot())
}

func (s *Server) attachSource(src biosignal.Source) error {
	if err := s.Machine.AttachSource(src); err != nil {
		return err
	}
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
	return nil
}

type intentRequest struct {
	On bool `json:"on"`
}

// handleIntent drives the simulated intent of a mock source.
func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	mock, ok := s.source.(intentSetter)
	s.mu.Unlock()
	if !ok {
		http.Error(w, "attached source has no simulated intent", http.StatusConflict)
		return
	}
	mock.SetIntent(req.On)
	log.Printf("web: simulated intent set to %v", req.On)
	writeJSON(w, http.StatusOK, intentRequest{On: mock.Intent()})
}

type modelRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleModelLoad(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	path := req.Path
	if path == "" {
		path = s.ModelPath
	}
	if path == "" {
		http.Error(w, "no model path given", http.StatusBadRequest)
		return
	}
	if err := s.Machine.LoadModel(path); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Machine.Snapshot())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.Machine.TrainingSet(); !ok {
		http.Error(w, "no training set recorded", http.StatusNotFound)
		return
	}

	name := fmt.Sprintf("training_%s.csv", time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := s.Machine.ExportCSV(w); err != nil {
		log.Printf("web: csv export error: %v", err)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := s.Journal.ListSessions(limit)
	if err != nil {
		log.Printf("web: journal query failed: %v", err)
		http.Error(w, "journal query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleActuations(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	list, err := s.Journal.Actuations(chi.URLParam(r, "id"))
	if err != nil {
		log.Printf("web: journal query failed: %v", err)
		http.Error(w, "journal query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Bus.Stats())
}

// decodeOptional decodes a JSON body into v; an empty body is fine.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

type errorResponse struct {
	Error string           `json:"error"`
	Kind  events.ErrorKind `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Kind: phase.KindOf(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, control.ErrInvalidThreshold):
		return http.StatusBadRequest
	case errors.Is(err, phase.ErrInvalidTransition),
		errors.Is(err, phase.ErrStopped),
		errors.Is(err, phase.ErrNoSource),
		errors.Is(err, phase.ErrNoModel),
		errors.Is(err, phase.ErrNoActuator):
		return http.StatusConflict
	case errors.Is(err, actuator.ErrActuatorUnavailable),
		errors.Is(err, biosignal.ErrStreamLost):
		return http.StatusServiceUnavailable
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
