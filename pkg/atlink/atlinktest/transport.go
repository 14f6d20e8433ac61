// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package atlinktest provides a scripted in-memory device for testing code
// built on atlink.
package atlinktest

import (
	"strings"
	"sync"

	"github.com/Thermoquad/atlink/pkg/atlink"
)

type responder struct {
	prefix  string
	replies []string
}

// Transport is a fake device. Chunks queued with Feed are returned by Poll
// one per call; commands written by the link are recorded and may trigger
// scripted replies.
type Transport struct {
	mu         sync.Mutex
	inbox      [][]byte
	writes     []string
	responders []responder
	closed     bool
	pollErr    error

	written chan string
}

// NewTransport creates an idle fake device
func NewTransport() *Transport {
	return &Transport{written: make(chan string, 256)}
}

// Feed queues raw data as a single chunk
func (t *Transport) Feed(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbox = append(t.inbox, []byte(data))
}

// FeedBytes queues raw bytes as a single chunk
func (t *Transport) FeedBytes(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbox = append(t.inbox, append([]byte(nil), data...))
}

// FeedLine queues line followed by CRLF
func (t *Transport) FeedLine(line string) {
	t.Feed(line + atlink.Terminator)
}

// On scripts the device to answer every command starting with prefix with
// the given lines. Later scripts for the same prefix replace earlier ones.
func (t *Transport) On(prefix string, replies ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.responders {
		if t.responders[i].prefix == prefix {
			t.responders[i].replies = replies
			return
		}
	}
	t.responders = append(t.responders, responder{prefix: prefix, replies: replies})
}

// Off removes the script for prefix
func (t *Transport) Off(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.responders {
		if t.responders[i].prefix == prefix {
			t.responders = append(t.responders[:i], t.responders[i+1:]...)
			return
		}
	}
}

// FailPolls makes every subsequent Poll return err along with any data
func (t *Transport) FailPolls(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pollErr = err
}

// Poll returns the oldest queued chunk
func (t *Transport) Poll() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.inbox) == 0 {
		if t.closed {
			return nil, atlink.ErrTransportClosed
		}
		return nil, t.pollErr
	}
	chunk := t.inbox[0]
	t.inbox = t.inbox[1:]
	return chunk, t.pollErr
}

// Write records the command, without its terminator, and queues the reply
// of the first matching script.
func (t *Transport) Write(p []byte) (int, error) {
	command := strings.TrimSuffix(string(p), atlink.Terminator)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, atlink.ErrTransportClosed
	}
	t.writes = append(t.writes, command)
	for _, r := range t.responders {
		if strings.HasPrefix(command, r.prefix) {
			for _, reply := range r.replies {
				t.inbox = append(t.inbox, []byte(reply+atlink.Terminator))
			}
			break
		}
	}
	t.mu.Unlock()

	select {
	case t.written <- command:
	default:
	}
	return len(p), nil
}

// Written delivers each command as it is written. Commands written while
// the channel is full are recorded but not delivered.
func (t *Transport) Written() <-chan string {
	return t.written
}

// Writes returns every command written so far
func (t *Transport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}

// Count returns how many written commands start with prefix
func (t *Transport) Count(prefix string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, w := range t.writes {
		if strings.HasPrefix(w, prefix) {
			n++
		}
	}
	return n
}

// Queued returns the number of chunks not yet polled
func (t *Transport) Queued() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inbox)
}

// Close makes Poll report atlink.ErrTransportClosed once the queue drains
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
