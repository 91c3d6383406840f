// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/bci_actuator/internal/events"
)

// mqttPublisher is the part of mqtt.Client the bridge needs.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

const bridgePublishTimeout = time.Second

// RunEventBridge republishes every event from ch as JSON on topic until ctx
// is done or ch is closed. Phase changes are retained so a late subscriber
// sees the current phase at once.
func RunEventBridge(ctx context.Context, client mqttPublisher, topic string, ch <-chan events.Event) {
	log.Printf("bridge: forwarding events to %s", topic)
	failures := 0

	for {
		select {
		case <-ctx.Done():
			log.Println("bridge: stopped")
			return
		case e, ok := <-ch:
			if !ok {
				log.Println("bridge: event channel closed")
				return
			}

			payload, err := json.Marshal(e)
			if err != nil {
				log.Printf("bridge: json marshal error: %v", err)
				continue
			}

			token := client.Publish(topic, 0, e.Kind == events.PhaseChanged, payload)
			if !token.WaitTimeout(bridgePublishTimeout) || token.Error() != nil {
				failures++
				if failures == 1 || failures%100 == 0 {
					log.Printf("bridge: publish to %s failed (%d so far): %v", topic, failures, token.Error())
				}
				continue
			}
			if failures > 0 {
				log.Printf("bridge: publishing again after %d failures", failures)
				failures = 0
			}
		}
	}
}

func decodeEvent(payload []byte) (events.Event, error) {
	var e events.Event
	err := json.Unmarshal(payload, &e)
	return e, err
}
