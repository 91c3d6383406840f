// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/relabs-tech/bci_actuator/internal/config"
	"github.com/relabs-tech/bci_actuator/internal/sources"
)

const producerReportInterval = 5 * time.Second

// RunSampleProducer publishes mock samples on the configured sample topic.
// Each line on stdin switches the simulated intent: an empty line toggles
// it, "move"/"1" turns it on and "rest"/"0" turns it off.
func RunSampleProducer() error {
	cfg := config.Get()

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDProducer, "producer")
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	src := sources.NewMockSource(sources.MockOptions{
		Channels: cfg.MockChannels,
		Interval: cfg.MockInterval(),
	})
	defer src.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go readIntent(os.Stdin, src)

	topic := cfg.SampleTopic()
	log.Printf("producer: publishing %d-channel samples every %v on %s", cfg.MockChannels, cfg.MockInterval(), topic)
	log.Println("producer: press Enter to toggle intent (or type move / rest)")

	published := 0
	ticker := time.NewTicker(producerReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			log.Printf("producer: %d samples published (intent=%v)", published, src.Intent())
		default:
		}

		s, ok, err := src.Pull(ctx, time.Second)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Println("producer: shutting down")
				return nil
			}
			return err
		}
		if !ok {
			continue
		}

		payload, err := json.Marshal(s)
		if err != nil {
			log.Printf("producer: json marshal error: %v", err)
			continue
		}
		client.Publish(topic, 0, false, payload)
		published++
	}
}

// intentSetter is the part of the mock source stdin can drive.
type intentSetter interface {
	Intent() bool
	SetIntent(on bool)
}

func readIntent(r io.Reader, src intentSetter) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		next, ok := parseIntent(scanner.Text(), src.Intent())
		if !ok {
			log.Printf("producer: unknown input %q (use move, rest or Enter)", scanner.Text())
			continue
		}
		src.SetIntent(next)
		if next {
			log.Println("producer: intent ON (move)")
		} else {
			log.Println("producer: intent OFF (rest)")
		}
	}
}

// parseIntent maps a stdin line to the next intent state.
func parseIntent(line string, current bool) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return !current, true
	case "1", "move", "on":
		return true, true
	case "0", "rest", "off":
		return false, true
	default:
		return current, false
	}
}
