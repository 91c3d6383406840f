// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/bci_actuator/internal/events"
	"github.com/relabs-tech/bci_actuator/internal/phase"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

const (
	wsEventBuffer  = 256
	wsWriteTimeout = 2 * time.Second
)

// WebSocket message types
type WSMessage struct {
	Action    string `json:"action"` // status, start-training, stop-training, start-control, stop-control, set-threshold, load-model
	Threshold int64  `json:"threshold,omitempty"`
	Path      string `json:"path,omitempty"`
}

type WSResponse struct {
	Type    string           `json:"type"` // status, event, ack, error
	Action  string           `json:"action,omitempty"`
	Status  *phase.Status    `json:"status,omitempty"`
	Event   *events.Event    `json:"event,omitempty"`
	Message string           `json:"message,omitempty"`
	Kind    events.ErrorKind `json:"kind,omitempty"`
}

// wsClient serialises writes; the event forwarder and the action loop
// both write to the same connection.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(resp WSResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(resp)
}

// HandleControlWS streams every bus event to the client and accepts
// operator actions. A client that cannot keep up loses events; it never
// slows the control loop.
func (s *Server) HandleControlWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	client := &wsClient{conn: conn}
	id := "ws-" + uuid.NewString()
	ch := make(chan events.Event, wsEventBuffer)
	if err := s.Bus.Subscribe(id, ch); err != nil {
		log.Printf("ws: subscribe error: %v", err)
		return
	}
	defer s.Bus.Unsubscribe(id)
	log.Printf("ws: client %s connected", id)

	s.sendStatus(client)

	done := make(chan struct{})
	defer close(done)
	go client.forward(ch, done)

	// Main message loop
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read error: %v", err)
			}
			log.Printf("ws: client %s disconnected", id)
			return
		}
		s.runAction(client, msg)
	}
}

func (c *wsClient) forward(ch <-chan events.Event, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case e := <-ch:
			if err := c.send(WSResponse{Type: "event", Event: &e}); err != nil {
				return
			}
		}
	}
}

func (s *Server) runAction(c *wsClient, msg WSMessage) {
	var err error
	switch msg.Action {
	case "status":
		s.sendStatus(c)
		return
	case "start-training":
		err = s.Machine.StartTraining()
	case "stop-training":
		err = s.Machine.StopTraining()
	case "start-control":
		err = s.Machine.StartControl()
	case "stop-control":
		err = s.Machine.StopControl()
	case "set-threshold":
		err = s.Machine.SetThreshold(msg.Threshold)
	case "load-model":
		path := msg.Path
		if path == "" {
			path = s.ModelPath
		}
		err = s.Machine.LoadModel(path)
	default:
		c.send(WSResponse{Type: "error", Action: msg.Action, Message: "unknown action"})
		return
	}

	if err != nil {
		log.Printf("ws: %s failed: %v", msg.Action, err)
		c.send(WSResponse{Type: "error", Action: msg.Action, Message: err.Error(), Kind: phase.KindOf(err)})
		return
	}
	st := s.Machine.Snapshot()
	c.send(WSResponse{Type: "ack", Action: msg.Action, Status: &st})
}

func (s *Server) sendStatus(c *wsClient) {
	st := s.Machine.Snapshot()
	c.send(WSResponse{Type: "status", Status: &st})
}
