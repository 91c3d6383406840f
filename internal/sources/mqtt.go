// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package sources provides biosignal.Source implementations: an MQTT
// subscriber, a synthetic generator and a file replayer.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/bci_actuator/internal/biosignal"
)

// DefaultBuffer is the number of samples an MQTTSource holds before dropping.
const DefaultBuffer = 4096

// MQTTOptions configures an MQTTSource.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Topic    string
	Buffer   int
	// ConnectTimeout bounds the initial connect. Zero means 5s.
	ConnectTimeout time.Duration
}

// MQTTSource receives JSON samples on one topic. Samples arriving while the
// buffer is full are dropped and counted. A lost broker connection ends the
// stream; no automatic reconnect is attempted.
type MQTTSource struct {
	client  mqtt.Client
	topic   string
	name    string
	samples chan biosignal.Sample

	lost     chan struct{}
	lostOnce sync.Once
	lostErr  error

	received atomic.Uint64
	dropped  atomic.Uint64
	invalid  atomic.Uint64
}

// NewMQTTSource connects to the broker and subscribes to opts.Topic.
func NewMQTTSource(opts MQTTOptions) (*MQTTSource, error) {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	s := newMQTTSource(opts.Topic, opts.Buffer)
	copts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("mqtt source: connection to %s lost: %v", opts.Broker, err)
			s.markLost(err)
		})

	s.client = mqtt.NewClient(copts)
	token := s.client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt source: connect to %s timed out", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt source: connect to %s: %w", opts.Broker, err)
	}

	sub := s.client.Subscribe(opts.Topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		s.handle(msg.Payload())
	})
	sub.Wait()
	if err := sub.Error(); err != nil {
		s.client.Disconnect(250)
		return nil, fmt.Errorf("mqtt source: subscribe %s: %w", opts.Topic, err)
	}

	log.Printf("mqtt source: subscribed to %s on %s", opts.Topic, opts.Broker)
	return s, nil
}

func newMQTTSource(topic string, buffer int) *MQTTSource {
	return &MQTTSource{
		topic:   topic,
		name:    "mqtt:" + topic,
		samples: make(chan biosignal.Sample, buffer),
		lost:    make(chan struct{}),
	}
}

func (s *MQTTSource) handle(payload []byte) {
	var smp biosignal.Sample
	if err := json.Unmarshal(payload, &smp); err != nil {
		if s.invalid.Add(1) == 1 {
			log.Printf("mqtt source: sample unmarshal error: %v", err)
		}
		return
	}
	s.received.Add(1)

	select {
	case s.samples <- smp:
	default:
		if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
			log.Printf("mqtt source: buffer full, %d samples dropped", n)
		}
	}
}

func (s *MQTTSource) markLost(err error) {
	s.lostOnce.Do(func() {
		s.lostErr = err
		close(s.lost)
	})
}

// Pull implements biosignal.Source. Buffered samples are still served after
// the connection is lost; the loss is reported once the buffer is empty.
func (s *MQTTSource) Pull(ctx context.Context, timeout time.Duration) (biosignal.Sample, bool, error) {
	select {
	case smp := <-s.samples:
		return smp, true, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case smp := <-s.samples:
		return smp, true, nil
	case <-s.lost:
		select {
		case smp := <-s.samples:
			return smp, true, nil
		default:
		}
		if s.lostErr != nil {
			return biosignal.Sample{}, false, fmt.Errorf("%w: %v", biosignal.ErrStreamLost, s.lostErr)
		}
		return biosignal.Sample{}, false, biosignal.ErrStreamLost
	case <-ctx.Done():
		return biosignal.Sample{}, false, ctx.Err()
	case <-timer.C:
		return biosignal.Sample{}, false, nil
	}
}

// Name implements biosignal.Source.
func (s *MQTTSource) Name() string { return s.name }

// Stats returns the received, dropped and undecodable message counts.
func (s *MQTTSource) Stats() (received, dropped, invalid uint64) {
	return s.received.Load(), s.dropped.Load(), s.invalid.Load()
}

// Close unsubscribes and disconnects. Later pulls report ErrStreamLost.
func (s *MQTTSource) Close() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Unsubscribe(s.topic).WaitTimeout(time.Second)
		s.client.Disconnect(250)
	}
	s.markLost(nil)
	log.Printf("mqtt source: closed %s", s.topic)
	return nil
}
