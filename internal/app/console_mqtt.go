// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/bci_actuator/internal/config"
	"github.com/relabs-tech/bci_actuator/internal/events"
)

// RunConsoleMQTT prints controller events from MQTT until Ctrl+C.
func RunConsoleMQTT() error {
	cfg := config.Get()

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDConsole, "console")
	if err != nil {
		return err
	}

	// Counter updates arrive per sample; only print when the value moves
	// by a visible step.
	var lastCounter int64 = -1
	err = subscribeEvents(client, cfg.TopicEvents, "console", func(e events.Event) {
		if e.Kind == events.CounterChanged && e.Counter != nil {
			c := *e.Counter
			if c != 0 && lastCounter >= 0 && abs64(c-lastCounter) < counterPrintStep {
				return
			}
			lastCounter = c
		}
		fmt.Println(formatEvent(e))
	})
	if err != nil {
		client.Disconnect(250)
		return err
	}

	// Wait for Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	client.Disconnect(250)
	return nil
}

const counterPrintStep = 50

// formatEvent renders one event as a console line.
func formatEvent(e events.Event) string {
	ts := e.Time.Format("15:04:05.000")
	switch e.Kind {
	case events.PhaseChanged:
		return fmt.Sprintf("%s [PHASE] %s", ts, e.Phase)
	case events.EpochStarted:
		return fmt.Sprintf("%s [EPOCH] %s started (lead-in %.0fs)", ts, labelName(e.Label), e.LeadIn)
	case events.EpochProgress:
		return fmt.Sprintf("%s [EPOCH] %s %5.1f%%  samples=%d", ts, labelName(e.Label), e.Ratio*100, e.Samples)
	case events.EpochCompleted:
		return fmt.Sprintf("%s [EPOCH] %s done  samples=%d", ts, labelName(e.Label), e.Samples)
	case events.ModelFitResult:
		if e.OK != nil && !*e.OK {
			return fmt.Sprintf("%s [MODEL] fit failed: %s", ts, e.Message)
		}
		acc := 0.0
		if e.Accuracy != nil {
			acc = *e.Accuracy * 100
		}
		return fmt.Sprintf("%s [MODEL] samples=%d accuracy=%.1f%%", ts, e.Samples, acc)
	case events.CounterChanged:
		var c int64
		if e.Counter != nil {
			c = *e.Counter
		}
		return fmt.Sprintf("%s [CTRL ] counter=%4d/%d", ts, c, e.Threshold)
	case events.ActuationFired:
		if e.OK != nil && *e.OK {
			return fmt.Sprintf("%s [ACT  ] fired", ts)
		}
		return fmt.Sprintf("%s [ACT  ] fired, write failed", ts)
	case events.Error:
		return fmt.Sprintf("%s [ERROR] %s: %s", ts, e.ErrorKind, e.Message)
	case events.Log:
		return fmt.Sprintf("%s [LOG  ] %s", ts, e.Message)
	default:
		return fmt.Sprintf("%s [%s] %s", ts, e.Kind, e.Message)
	}
}

func labelName(l *int) string {
	if l == nil {
		return "?"
	}
	if *l == 1 {
		return "move"
	}
	return "rest"
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
