// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package atlink

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// Handler receives every dispatched line containing its key.
//
// Handlers run on the dispatching goroutine and must not block: a blocked
// handler stalls delivery of every later line, including the responses that
// pending Calls are waiting for.
type Handler func(line string)

type mode int

const (
	modePersistent mode = iota
	modeOneShot
)

func (m mode) String() string {
	switch m {
	case modePersistent:
		return "persistent"
	case modeOneShot:
		return "oneshot"
	default:
		return "unknown"
	}
}

type subscription struct {
	key     string
	mode    mode
	handler Handler
	waiter  *Waiter
}

// Waiter is a one-shot slot filled by the first matching line
type Waiter struct {
	key  string
	once sync.Once
	line string
	done chan struct{}
}

func newWaiter(key string) *Waiter {
	return &Waiter{key: key, done: make(chan struct{})}
}

// Key returns the substring the waiter matches
func (w *Waiter) Key() string {
	return w.key
}

// Done is closed once the waiter holds a line
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

// Line returns the captured line, if any
func (w *Waiter) Line() (string, bool) {
	select {
	case <-w.done:
		return w.line, true
	default:
		return "", false
	}
}

// fulfill stores line unless an earlier line already won
func (w *Waiter) fulfill(line string) bool {
	won := false
	w.once.Do(func() {
		w.line = line
		close(w.done)
		won = true
	})
	return won
}

// SubscriptionTable maps match keys to persistent handlers or one-shot
// waiters. Keys are unique and kept in registration order; re-registering a
// key replaces its entry without moving it.
type SubscriptionTable struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*subscription

	log    *slog.Logger
	panics atomic.Uint64
}

// NewSubscriptionTable creates an empty table. A nil logger discards output.
func NewSubscriptionTable(log *slog.Logger) *SubscriptionTable {
	if log == nil {
		log = discardLogger()
	}
	return &SubscriptionTable{
		entries: make(map[string]*subscription),
		log:     log,
	}
}

// RegisterPersistent installs handler under key. The empty key matches every
// line.
func (t *SubscriptionTable) RegisterPersistent(key string, handler Handler) {
	t.put(&subscription{key: key, mode: modePersistent, handler: handler})
}

// RegisterOneShot installs a fresh waiter under key. Removing it again is the
// caller's job, see RemoveWaiter.
//
// Keys are unique, so a persistent handler already registered under key is
// replaced, and removing the waiter leaves key unregistered. The handler does
// not come back.
func (t *SubscriptionTable) RegisterOneShot(key string) *Waiter {
	w := newWaiter(key)
	t.put(&subscription{key: key, mode: modeOneShot, waiter: w})
	return w
}

func (t *SubscriptionTable) put(sub *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.entries[sub.key]; ok {
		if prev.mode != sub.mode || sub.mode == modeOneShot {
			t.log.Debug("subscription replaced", "key", sub.key, "was", prev.mode, "now", sub.mode)
		}
	} else {
		t.order = append(t.order, sub.key)
	}
	t.entries[sub.key] = sub
}

// Remove deletes whatever is registered under key
func (t *SubscriptionTable) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(key)
}

// RemoveWaiter deletes w's entry, unless the key has since been taken over by
// another registration.
func (t *SubscriptionTable) RemoveWaiter(w *Waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sub, ok := t.entries[w.key]; ok && sub.waiter == w {
		t.removeLocked(w.key)
	}
}

func (t *SubscriptionTable) removeLocked(key string) {
	if _, ok := t.entries[key]; !ok {
		return
	}
	delete(t.entries, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Has reports whether key is registered
func (t *SubscriptionTable) Has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// Len returns the number of registered keys
func (t *SubscriptionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Keys returns the registered keys in registration order
func (t *SubscriptionTable) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.order...)
}

// Panics returns how many handler invocations panicked
func (t *SubscriptionTable) Panics() uint64 {
	return t.panics.Load()
}

// Dispatch delivers line to every subscription whose key occurs in it, in
// registration order, and returns the number of deliveries. Persistent
// handlers are invoked synchronously; one-shot waiters keep the first line
// they see and are left in the table.
func (t *SubscriptionTable) Dispatch(line string) int {
	t.mu.Lock()
	var matches []*subscription
	for _, key := range t.order {
		if strings.Contains(line, key) {
			matches = append(matches, t.entries[key])
		}
	}
	t.mu.Unlock()

	// Delivered outside the lock so handlers may register and remove keys
	for _, sub := range matches {
		switch sub.mode {
		case modePersistent:
			t.invoke(sub, line)
		case modeOneShot:
			sub.waiter.fulfill(line)
		}
	}

	return len(matches)
}

func (t *SubscriptionTable) invoke(sub *subscription, line string) {
	defer func() {
		if r := recover(); r != nil {
			t.panics.Add(1)
			t.log.Error("handler panicked", "key", sub.key, "line", line, "panic", r)
		}
	}()
	sub.handler(line)
}
