// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package actuator

import (
	"fmt"
	"sync"
)

// Slot holds the currently attached Link and lets it be swapped while a
// control loop keeps writing through the Slot.
type Slot struct {
	mu   sync.RWMutex
	link Link
	name string
}

// Attach installs link, closing any link it replaces.
func (s *Slot) Attach(name string, link Link) {
	s.mu.Lock()
	old := s.link
	s.link = link
	s.name = name
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// Detach closes and removes the current link, if any.
func (s *Slot) Detach() error {
	s.mu.Lock()
	old := s.link
	s.link = nil
	s.name = ""
	s.mu.Unlock()

	if old == nil {
		return nil
	}
	return old.Close()
}

// Live reports whether a link is attached.
func (s *Slot) Live() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.link != nil
}

// Name returns the attached link's name, or "".
func (s *Slot) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

func (s *Slot) Write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.link == nil {
		return 0, fmt.Errorf("%w: no link attached", ErrActuatorUnavailable)
	}
	return s.link.Write(p)
}

// Close is Detach, so a Slot can stand in for a Link.
func (s *Slot) Close() error {
	return s.Detach()
}
