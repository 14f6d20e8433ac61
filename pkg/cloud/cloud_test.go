// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cloud

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"

	"github.com/Thermoquad/atlink/pkg/atlink"
)

// stubLink records commands and dispatches lines to its handlers by
// substring, like the real link.
type stubLink struct {
	clock *testclock.Clock

	mu       sync.Mutex
	handlers map[string]atlink.Handler
	sent     []string
	calls    []string
	reply    func(command string) (string, bool)

	sentCh chan string
}

func newStubLink() *stubLink {
	return &stubLink{
		clock:    testclock.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		handlers: make(map[string]atlink.Handler),
		sentCh:   make(chan string, 64),
	}
}

func (l *stubLink) Send(command string) error {
	l.mu.Lock()
	l.sent = append(l.sent, command)
	l.mu.Unlock()
	l.sentCh <- command
	return nil
}

func (l *stubLink) Call(ctx context.Context, command, expect string, timeout time.Duration) (string, bool) {
	l.mu.Lock()
	l.calls = append(l.calls, command)
	reply := l.reply
	l.mu.Unlock()

	if ctx.Err() != nil || reply == nil {
		return "", false
	}
	line, ok := reply(command)
	if !ok || !strings.Contains(line, expect) {
		return "", false
	}
	return line, true
}

func (l *stubLink) RegisterHandler(key string, h atlink.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[key] = h
}

func (l *stubLink) RemoveHandler(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, key)
}

func (l *stubLink) Clock() clock.Clock { return l.clock }

// dispatch delivers line to every handler whose key it contains
func (l *stubLink) dispatch(line string) {
	l.mu.Lock()
	var matched []atlink.Handler
	for key, h := range l.handlers {
		if strings.Contains(line, key) {
			matched = append(matched, h)
		}
	}
	l.mu.Unlock()

	for _, h := range matched {
		h(line)
	}
}

func (l *stubLink) sentCommands() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sent...)
}

func (l *stubLink) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func statusLine(state string) string {
	return `+HTTPCLIENT:62,{"code":200,"msg":"ok","data":"` + state + `"}`
}
