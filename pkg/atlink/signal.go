// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package atlink

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Signal is a boolean that can be waited on. State machines flip it from
// their persistent handlers and wait on it from their drivers.
type Signal struct {
	mu      sync.Mutex
	value   bool
	changed chan struct{}
}

// NewSignal creates a signal holding initial
func NewSignal(initial bool) *Signal {
	return &Signal{value: initial, changed: make(chan struct{})}
}

// Get returns the current value
func (s *Signal) Get() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set stores v and wakes every waiter if the value changed. It reports
// whether it did.
func (s *Signal) Set(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.value == v {
		return false
	}
	s.value = v
	close(s.changed)
	s.changed = make(chan struct{})
	return true
}

// Wait blocks until the signal holds want, the timeout measured on clk
// elapses, or ctx is done. It returns whether the signal holds want.
func (s *Signal) Wait(ctx context.Context, clk clock.Clock, want bool, timeout time.Duration) bool {
	timer := clk.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.value == want {
			s.mu.Unlock()
			return true
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-timer.Chan():
			return s.Get() == want
		case <-ctx.Done():
			return false
		}
	}
}
