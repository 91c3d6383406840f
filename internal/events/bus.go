// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrBusClosed          = errors.New("events: bus is closed")
	ErrSubscriberExists   = errors.New("events: subscriber already exists")
	ErrSubscriberNotFound = errors.New("events: subscriber not found")
	ErrNilChannel         = errors.New("events: nil channel provided")
)

// SubscriberStats tracks delivery to one subscriber.
type SubscriberStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	TotalPublished uint64                     `json:"total_published"`
	Subscribers    map[string]SubscriberStats `json:"subscribers"`
}

type subscriber struct {
	ch    chan<- Event
	stats SubscriberStats
}

// Bus fans events out to any number of subscriber channels.
//
// Publish never blocks: when a subscriber's channel is full the event is
// dropped for that subscriber and counted. The control loop publishes on
// every sample, so a slow renderer must never stall it.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber
	totalPublished uint64
	closed         bool
	now            func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriber),
		now:         time.Now,
	}
}

// Subscribe registers ch under id.
func (b *Bus) Subscribe(id string, ch chan<- Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if ch == nil {
		return ErrNilChannel
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = &subscriber{ch: ch}
	return nil
}

// Unsubscribe removes a subscriber. The channel is not closed; it belongs
// to the caller.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(b.subscribers, id)
	return nil
}

// Publish stamps e (if it has no time yet) and offers it to every subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	atomic.AddUint64(&b.totalPublished, 1)

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- e:
			atomic.AddUint64(&sub.stats.Sent, 1)
		default:
			atomic.AddUint64(&sub.stats.Dropped, 1)
		}
	}
}

// Stats returns delivery counters for the bus and each subscriber.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		TotalPublished: atomic.LoadUint64(&b.totalPublished),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		s.Subscribers[id] = SubscriberStats{
			Sent:    atomic.LoadUint64(&sub.stats.Sent),
			Dropped: atomic.LoadUint64(&sub.stats.Dropped),
		}
	}
	return s
}

// Close drops all subscribers; later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subscribers = nil
}
