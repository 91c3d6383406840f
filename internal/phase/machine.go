// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package phase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/bci_actuator/internal/actuator"
	"github.com/relabs-tech/bci_actuator/internal/biosignal"
	"github.com/relabs-tech/bci_actuator/internal/classifier"
	"github.com/relabs-tech/bci_actuator/internal/control"
	"github.com/relabs-tech/bci_actuator/internal/events"
	"github.com/relabs-tech/bci_actuator/internal/session"
)

// Settings are the tunables a Machine passes to its workers.
type Settings struct {
	EpochDuration time.Duration
	LeadIn        time.Duration
	PullTimeout   time.Duration
	Cooldown      time.Duration
	Threshold     int64
	Command       []byte
	SplitSeed     uint64

	// ExportDir receives a CSV of every fitted training set when non-empty.
	ExportDir string
	// ModelPath receives every fitted model when non-empty.
	ModelPath string
}

// Status is a read-only snapshot for renderers.
type Status struct {
	Phase      string                `json:"phase"`
	ModelReady bool                  `json:"model_ready"`
	Counter    int64                 `json:"counter"`
	Threshold  int64                 `json:"threshold"`
	Actuations int64                 `json:"actuations"`
	Accuracy   *float64              `json:"accuracy,omitempty"`
	Fit        *classifier.FitReport `json:"fit,omitempty"`
	Session    string                `json:"session,omitempty"`
	LastLog    string                `json:"last_log,omitempty"`
	Source     string                `json:"source,omitempty"`
	Actuator   string                `json:"actuator,omitempty"`
}

// Machine owns the phase, the trained model and the attached links.
//
// transMu serialises Start/Stop/Close and link swaps; it is held while a
// stopping worker is joined. mu guards the fields below and is only held
// for short updates. A worker changes state only while its generation is
// current, so a stopped worker can never overwrite a newer phase.
type Machine struct {
	settings Settings
	events   events.Publisher
	actuator *actuator.Slot

	transMu sync.Mutex

	mu        sync.Mutex
	phase     Phase
	gen       uint64
	model     *classifier.Model
	lastSet   *session.TrainingSet
	source    biosignal.Source
	engine    *control.Engine
	threshold int64
	session   string
	lastLog   string
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates an idle Machine with no links attached.
func New(settings Settings, pub events.Publisher) *Machine {
	if pub == nil {
		pub = events.Discard
	}
	if settings.Threshold <= 0 {
		settings.Threshold = 700
	}
	return &Machine{
		settings:  settings,
		events:    pub,
		actuator:  &actuator.Slot{},
		threshold: settings.Threshold,
	}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Model returns the current model, or nil.
func (m *Machine) Model() *classifier.Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

// Snapshot returns the current status.
func (m *Machine) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Phase:      m.phase.String(),
		ModelReady: m.model != nil,
		Threshold:  m.threshold,
		Session:    m.session,
		LastLog:    m.lastLog,
		Actuator:   m.actuator.Name(),
	}
	if m.source != nil {
		st.Source = m.source.Name()
	}
	if m.engine != nil {
		st.Counter = m.engine.Counter()
		st.Actuations = m.engine.Actuations()
	}
	if m.model != nil {
		rep := m.model.Report()
		st.Fit = &rep
		st.Accuracy = events.Float64Ptr(rep.Accuracy)
	}
	return st
}

// AttachSource installs src, stopping any active phase and closing the
// previous source.
func (m *Machine) AttachSource(src biosignal.Source) error {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	if m.Phase() == Stopped {
		return ErrStopped
	}
	m.stopLocked("source replaced")

	m.mu.Lock()
	old := m.source
	m.source = src
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	m.logf("sample source %s attached", src.Name())
	return nil
}

// DetachSource stops any active phase and closes the source.
func (m *Machine) DetachSource() error {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.stopLocked("source detached")

	m.mu.Lock()
	old := m.source
	m.source = nil
	m.mu.Unlock()

	if old == nil {
		return nil
	}
	m.logf("sample source %s detached", old.Name())
	return old.Close()
}

// AttachActuator installs link under name. It can be swapped at any time.
func (m *Machine) AttachActuator(name string, link actuator.Link) error {
	if m.Phase() == Stopped {
		return ErrStopped
	}
	m.actuator.Attach(name, link)
	m.logf("actuator %s attached", name)
	return nil
}

// DetachActuator closes the current actuator link. A running control
// phase keeps going and reports failed actuations.
func (m *Machine) DetachActuator() error {
	name := m.actuator.Name()
	if err := m.actuator.Detach(); err != nil {
		m.logf("actuator %s closed with error: %v", name, err)
		return err
	}
	if name != "" {
		m.logf("actuator %s detached", name)
	}
	return nil
}

// StartTraining discards any model and begins a new calibration session.
func (m *Machine) StartTraining() error {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	if err := m.checkIdleLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	src := m.source
	if src == nil {
		m.mu.Unlock()
		return ErrNoSource
	}
	if !m.actuator.Live() {
		m.mu.Unlock()
		return ErrNoActuator
	}
	m.mu.Unlock()

	m.joinLocked()

	m.mu.Lock()
	m.model = nil
	m.lastSet = nil
	m.engine = nil
	m.session = uuid.NewString()
	ctx, gen, done := m.beginLocked(CalibratingRest)
	sid := m.session
	m.mu.Unlock()

	m.emitPhase(CalibratingRest, sid)
	m.logf("training session %s started", sid)
	go m.runTraining(ctx, gen, done, src, sid)
	return nil
}

// StopTraining cancels a training session. It is accepted in any
// non-terminal phase and always converges to Idle.
func (m *Machine) StopTraining() error {
	return m.stop("training stopped")
}

// StartControl runs the decision loop with the current model.
func (m *Machine) StartControl() error {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	if err := m.checkIdleLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.model == nil {
		m.mu.Unlock()
		return ErrNoModel
	}
	src := m.source
	if src == nil {
		m.mu.Unlock()
		return ErrNoSource
	}
	model := m.model
	threshold := m.threshold
	m.mu.Unlock()

	m.joinLocked()

	m.mu.Lock()
	if m.session == "" {
		m.session = uuid.NewString()
	}
	sid := m.session
	eng := control.New(model, m.actuator, control.Options{
		Threshold:   threshold,
		Cooldown:    m.settings.Cooldown,
		Command:     m.settings.Command,
		PullTimeout: m.settings.PullTimeout,
		Session:     sid,
		Events:      m.events,
	})
	m.engine = eng
	ctx, gen, done := m.beginLocked(Controlling)
	m.mu.Unlock()

	m.emitPhase(Controlling, sid)
	m.logf("control started (threshold %d)", threshold)
	go m.runControl(ctx, gen, done, eng, src, sid)
	return nil
}

// StopControl stops the decision loop and returns to Idle with the model kept.
func (m *Machine) StopControl() error {
	return m.stop("control stopped")
}

// SetThreshold changes the actuation threshold, including for a running loop.
func (m *Machine) SetThreshold(n int64) error {
	if n < control.MinThreshold || n > control.MaxThreshold {
		return fmt.Errorf("%w: %d not in [%d, %d]", control.ErrInvalidThreshold, n, control.MinThreshold, control.MaxThreshold)
	}
	m.mu.Lock()
	m.threshold = n
	eng := m.engine
	m.mu.Unlock()

	if eng != nil {
		if err := eng.SetThreshold(n); err != nil {
			return err
		}
	}
	m.logf("threshold set to %d", n)
	return nil
}

// UseModel installs a previously fitted model. Only allowed in Idle.
func (m *Machine) UseModel(model *classifier.Model) error {
	if model == nil {
		return ErrNoModel
	}
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	if err := m.checkIdleLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.model = model
	m.lastSet = nil
	sid := m.session
	m.mu.Unlock()

	rep := model.Report()
	m.events.Publish(events.Event{
		Kind:     events.ModelFitResult,
		Session:  sid,
		Accuracy: events.Float64Ptr(rep.Accuracy),
		Samples:  rep.Samples,
		OK:       events.BoolPtr(true),
		Message:  "model loaded",
	})
	m.logf("model installed (%d channels, accuracy %.1f%%)", model.Channels(), rep.Accuracy*100)
	return nil
}

// LoadModel reads a model file written after an earlier fit.
func (m *Machine) LoadModel(path string) error {
	model, err := classifier.LoadFile(path)
	if err != nil {
		return err
	}
	return m.UseModel(model)
}

// TrainingSet returns the set the current model was fit on.
func (m *Machine) TrainingSet() (session.TrainingSet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSet == nil {
		return session.TrainingSet{}, false
	}
	return *m.lastSet, true
}

// ExportCSV writes the last training set as CSV.
func (m *Machine) ExportCSV(w io.Writer) error {
	set, ok := m.TrainingSet()
	if !ok {
		return fmt.Errorf("%w: no training set recorded", session.ErrInsufficientData)
	}
	return session.WriteCSV(w, set)
}

// Close stops any worker, releases both links and enters Stopped for good.
func (m *Machine) Close() error {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	if m.Phase() == Stopped {
		return nil
	}
	m.stopLocked("shutting down")

	m.mu.Lock()
	src := m.source
	m.source = nil
	m.phase = Stopped
	m.gen++
	sid := m.session
	m.mu.Unlock()

	var errs []error
	if src != nil {
		errs = append(errs, src.Close())
	}
	errs = append(errs, m.actuator.Detach())

	m.emitPhase(Stopped, sid)
	m.logf("stopped")
	return errors.Join(errs...)
}

func (m *Machine) stop(reason string) error {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	if m.Phase() == Stopped {
		return ErrStopped
	}
	m.stopLocked(reason)
	return nil
}

// stopLocked cancels and joins the active worker, then settles in Idle.
// Caller holds transMu.
func (m *Machine) stopLocked(reason string) {
	m.mu.Lock()
	p := m.phase
	if !p.Active() {
		m.mu.Unlock()
		m.joinLocked()
		return
	}
	m.gen++
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done

	m.mu.Lock()
	m.phase = Idle
	m.cancel, m.done = nil, nil
	sid := m.session
	m.mu.Unlock()

	m.emitPhase(Idle, sid)
	m.logf("%s (was %s)", reason, p)
}

// joinLocked waits for a worker that already settled on its own.
func (m *Machine) joinLocked() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *Machine) checkIdleLocked() error {
	switch m.phase {
	case Idle:
		return nil
	case Stopped:
		return ErrStopped
	default:
		return fmt.Errorf("%w: %s", ErrInvalidTransition, m.phase)
	}
}

// beginLocked enters an active phase with a fresh generation. Caller holds mu.
func (m *Machine) beginLocked(p Phase) (context.Context, uint64, chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	m.gen++
	m.phase = p
	m.cancel = cancel
	m.done = make(chan struct{})
	return ctx, m.gen, m.done
}

// advance moves a worker to p if its generation is still current.
func (m *Machine) advance(gen uint64, p Phase, sid string) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.phase = p
	m.mu.Unlock()

	m.emitPhase(p, sid)
	return true
}

func (m *Machine) runTraining(ctx context.Context, gen uint64, done chan struct{}, src biosignal.Source, sid string) {
	defer close(done)

	rec := session.NewRecorder(session.Options{
		Duration:    m.settings.EpochDuration,
		LeadIn:      m.settings.LeadIn,
		PullTimeout: m.settings.PullTimeout,
		Session:     sid,
		Events:      m.events,
	})

	rest, err := rec.Capture(ctx, src, biosignal.Rest)
	if err != nil {
		m.fail(gen, src, sid, err)
		return
	}
	if !m.advance(gen, CalibratingMove, sid) {
		return
	}

	move, err := rec.Capture(ctx, src, biosignal.Intent)
	if err != nil {
		m.fail(gen, src, sid, err)
		return
	}
	if !m.advance(gen, Fitting, sid) {
		return
	}

	set := session.NewTrainingSet(rest, move)
	model, rep, err := classifier.Fit(set, classifier.FitOptions{Seed: m.settings.SplitSeed})
	if err != nil {
		m.events.Publish(events.Event{
			Kind:    events.ModelFitResult,
			Session: sid,
			Samples: set.Len(),
			OK:      events.BoolPtr(false),
			Message: err.Error(),
		})
		m.fail(gen, src, sid, err)
		return
	}
	m.persist(sid, set, model)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.model = model
	m.lastSet = &set
	m.phase = Idle
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	cancel()

	m.events.Publish(events.Event{
		Kind:     events.ModelFitResult,
		Session:  sid,
		Accuracy: events.Float64Ptr(rep.Accuracy),
		Samples:  rep.Samples,
		OK:       events.BoolPtr(true),
	})
	m.emitPhase(Idle, sid)
	m.logf("model fit on %d samples (%d channels), held-out accuracy %.1f%%",
		rep.Samples, rep.Channels, rep.Accuracy*100)
}

func (m *Machine) runControl(ctx context.Context, gen uint64, done chan struct{}, eng *control.Engine, src biosignal.Source, sid string) {
	defer close(done)

	if err := eng.Run(ctx, src); err != nil {
		m.fail(gen, src, sid, err)
	}
}

// fail returns the machine to Idle after a worker error. A lost stream
// also detaches the source; the model is kept in every case except a
// failed fit, where it was already discarded.
func (m *Machine) fail(gen uint64, src biosignal.Source, sid string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	kind := KindOf(err)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	from := m.phase
	m.phase = Idle
	cancel := m.cancel
	m.cancel = nil
	var lost biosignal.Source
	if kind == events.StreamLost && m.source == src {
		lost = m.source
		m.source = nil
	}
	m.mu.Unlock()
	cancel()

	if lost != nil {
		lost.Close()
	}
	m.events.Publish(events.Event{
		Kind:      events.Error,
		Session:   sid,
		ErrorKind: kind,
		Message:   err.Error(),
	})
	m.emitPhase(Idle, sid)
	m.logf("%s aborted: %v", from, err)
}

func (m *Machine) persist(sid string, set session.TrainingSet, model *classifier.Model) {
	if dir := m.settings.ExportDir; dir != "" {
		if err := exportSet(dir, sid, set); err != nil {
			m.logf("training export failed: %v", err)
		} else {
			m.logf("training set exported to %s", dir)
		}
	}
	if path := m.settings.ModelPath; path != "" {
		if err := model.SaveFile(path); err != nil {
			m.logf("model save failed: %v", err)
		} else {
			m.logf("model saved to %s", path)
		}
	}
}

func exportSet(dir, sid string, set session.TrainingSet) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("training_%s_%s.csv", time.Now().Format("20060102_150405"), sid)
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if err := session.WriteCSV(f, set); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (m *Machine) emitPhase(p Phase, sid string) {
	m.events.Publish(events.Event{Kind: events.PhaseChanged, Phase: p.String(), Session: sid})
}

// logf logs with the phase prefix, keeps the line for snapshots and
// publishes it as a log event. Must not be called with mu held.
func (m *Machine) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("phase: %s", msg)

	m.mu.Lock()
	m.lastLog = msg
	sid := m.session
	m.mu.Unlock()

	m.events.Publish(events.Event{Kind: events.Log, Session: sid, Message: msg})
}
