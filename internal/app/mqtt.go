// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/bci_actuator/internal/events"
)

const mqttConnectTimeout = 5 * time.Second

// connectMQTT connects a client that reconnects on its own. Only the
// sample source runs without auto-reconnect, since a lost stream must end
// the active phase.
func connectMQTT(broker, clientID, component string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("%s: MQTT connection lost: %v", component, err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("%s: connect to %s timed out", component, broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%s: connect to %s: %w", component, broker, err)
	}
	log.Printf("%s: connected to MQTT broker at %s", component, broker)
	return client, nil
}

// subscribeEvents decodes every message on topic as an event and hands it
// to fn.
func subscribeEvents(client mqtt.Client, topic, component string, fn func(events.Event)) error {
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		e, err := decodeEvent(msg.Payload())
		if err != nil {
			log.Printf("%s: event unmarshal error: %v", component, err)
			return
		}
		fn(e)
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("%s: subscribed to %s", component, topic)
	return nil
}
