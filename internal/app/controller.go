// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relabs-tech/bci_actuator/internal/actuator"
	"github.com/relabs-tech/bci_actuator/internal/biosignal"
	"github.com/relabs-tech/bci_actuator/internal/config"
	"github.com/relabs-tech/bci_actuator/internal/events"
	"github.com/relabs-tech/bci_actuator/internal/journal"
	"github.com/relabs-tech/bci_actuator/internal/phase"
	"github.com/relabs-tech/bci_actuator/internal/sources"
)

const (
	subscriberBuffer = 1024
	shutdownTimeout  = 5 * time.Second
)

// machineSettings maps the configuration onto the phase machine tunables.
func machineSettings(cfg *config.Config) phase.Settings {
	return phase.Settings{
		EpochDuration: cfg.EpochDuration(),
		LeadIn:        cfg.LeadIn(),
		PullTimeout:   cfg.PullTimeout(),
		Cooldown:      cfg.Cooldown(),
		Threshold:     int64(cfg.ActuationThreshold),
		Command:       []byte(cfg.ActuatorCommand),
		SplitSeed:     cfg.SplitSeed,
		ExportDir:     cfg.ExportDir,
		ModelPath:     cfg.ModelPath,
	}
}

// openSource builds the sample source selected by SOURCE_KIND.
func openSource(cfg *config.Config) (biosignal.Source, error) {
	switch cfg.SourceKind {
	case "mqtt":
		src, err := sources.NewMQTTSource(sources.MQTTOptions{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientIDController + "-samples",
			Topic:    cfg.SampleTopic(),
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	case "mock":
		return sources.NewMockSource(sources.MockOptions{
			Channels: cfg.MockChannels,
			Interval: cfg.MockInterval(),
		}), nil
	case "replay":
		src, err := sources.OpenReplayFile(cfg.ReplayFile, cfg.MockInterval())
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.SourceKind)
	}
}

// subscriber is a bus consumer that drains its channel after Unsubscribe.
type subscriber struct {
	id   string
	ch   chan events.Event
	done chan struct{}
}

func startSubscriber(bus *events.Bus, id string, run func(<-chan events.Event)) (*subscriber, error) {
	s := &subscriber{id: id, ch: make(chan events.Event, subscriberBuffer), done: make(chan struct{})}
	if err := bus.Subscribe(id, s.ch); err != nil {
		return nil, err
	}
	go func() {
		defer close(s.done)
		run(s.ch)
	}()
	return s, nil
}

// stop unsubscribes and waits until every buffered event is handled.
func (s *subscriber) stop(bus *events.Bus) {
	bus.Unsubscribe(s.id)
	close(s.ch)
	<-s.done
}

// RunController runs the acquisition, calibration and control service with
// its HTTP/websocket API until SIGINT or SIGTERM.
func RunController() error {
	cfg := config.Get()

	bus := events.NewBus()
	defer bus.Close()

	machine := phase.New(machineSettings(cfg), bus)

	srv := &Server{
		Machine: machine,
		Bus:     bus,
		OpenSource: func() (biosignal.Source, error) {
			return openSource(cfg)
		},
		OpenActuator: func(port string) (actuator.Link, error) {
			link, err := actuator.Open(port, uint(cfg.ActuatorBaudRate))
			if err != nil {
				return nil, err
			}
			return link, nil
		},
		ActuatorPort: cfg.ActuatorPort,
		ModelPath:    cfg.ModelPath,
	}

	// Journal first, so it sees every later event.
	var journalSub *subscriber
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close()
		journalSub, err = startSubscriber(bus, "journal", func(ch <-chan events.Event) {
			j.Run(context.Background(), ch)
		})
		if err != nil {
			return err
		}
		srv.Journal = j
		log.Printf("controller: journal at %s", cfg.JournalPath)
	}

	var bridgeSub *subscriber
	if cfg.TopicEvents != "" {
		client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDController, "controller")
		if err != nil {
			log.Printf("controller: event bridge disabled: %v", err)
		} else {
			defer client.Disconnect(250)
			bridgeSub, err = startSubscriber(bus, "mqtt", func(ch <-chan events.Event) {
				RunEventBridge(context.Background(), client, cfg.TopicEvents, ch)
			})
			if err != nil {
				return err
			}
		}
	}

	if src, err := srv.OpenSource(); err != nil {
		log.Printf("controller: sample source unavailable: %v", err)
	} else if err := srv.attachSource(src); err != nil {
		return err
	}

	if cfg.ActuatorPort != "" {
		if link, err := srv.connectActuator(cfg.ActuatorPort); err == nil {
			machine.AttachActuator(cfg.ActuatorPort, link)
		}
	}

	if cfg.ModelPath != "" {
		if _, err := os.Stat(cfg.ModelPath); err == nil {
			if err := machine.LoadModel(cfg.ModelPath); err != nil {
				log.Printf("controller: saved model not loaded: %v", err)
			}
		}
	}

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WebServerPort),
		Handler: NewRouter(srv),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("controller: web server listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Println("controller: shutting down")
	case runErr = <-errCh:
		log.Printf("controller: web server failed: %v", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("controller: web server shutdown: %v", err)
	}

	if err := machine.Close(); err != nil {
		log.Printf("controller: close: %v", err)
	}

	if bridgeSub != nil {
		bridgeSub.stop(bus)
	}
	if journalSub != nil {
		journalSub.stop(bus)
	}
	return runErr
}
