// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package atlink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// Transport is the byte boundary to the device.
//
// Poll must not block: it returns whatever arrived since the previous call,
// possibly nothing. Once the transport is gone for good it returns
// ErrTransportClosed.
type Transport interface {
	Poll() ([]byte, error)
	Write(p []byte) (int, error)
}

// Config configures a Link
type Config struct {
	// PollInterval is the tick period of Run. Defaults to 2ms.
	PollInterval time.Duration

	// Clock measures call timeouts. Defaults to the wall clock.
	Clock clock.Clock

	// Logger receives noise and diagnostics. Nil discards.
	Logger *slog.Logger
}

// Link is the command/response multiplexer for one device.
//
// One goroutine drives it with Run (or Service); any number of goroutines may
// Send and Call concurrently. The one restriction is inherited from the
// protocol: two Calls in flight with the same expected substring collide, the
// later registration wins and the earlier Call times out.
type Link struct {
	transport Transport
	clock     clock.Clock
	log       *slog.Logger
	interval  time.Duration

	// pumpMu serialises ticks; the assembler belongs to whoever holds it
	pumpMu    sync.Mutex
	assembler *LineAssembler
	table     *SubscriptionTable

	writeMu sync.Mutex

	statsMu sync.Mutex
	stats   Statistics
}

// New creates a link over transport. A nil transport or a negative poll
// interval is a programming error and is rejected.
func New(transport Transport, cfg Config) (*Link, error) {
	if transport == nil {
		return nil, errors.NotValidf("nil transport")
	}
	if cfg.PollInterval < 0 {
		return nil, errors.NotValidf("poll interval %v", cfg.PollInterval)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}

	return &Link{
		transport: transport,
		clock:     cfg.Clock,
		log:       cfg.Logger,
		interval:  cfg.PollInterval,
		assembler: NewLineAssembler(),
		table:     NewSubscriptionTable(cfg.Logger),
		stats:     NewStatistics(cfg.Clock.Now()),
	}, nil
}

// Clock returns the clock the link measures time with
func (l *Link) Clock() clock.Clock {
	return l.clock
}

// Logger returns the link's logger
func (l *Link) Logger() *slog.Logger {
	return l.log
}

// Table exposes the subscription table
func (l *Link) Table() *SubscriptionTable {
	return l.table
}

// Run services the transport every poll interval until ctx is done or the
// transport closes. Poll errors other than ErrTransportClosed are logged and
// otherwise ignored.
func (l *Link) Run(ctx context.Context) error {
	timer := l.clock.NewTimer(l.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Chan():
		}

		if err := l.Service(); err != nil {
			return err
		}
		timer.Reset(l.interval)
	}
}

// Service performs a single tick: poll, assemble, dispatch. It returns an
// error only when the transport has closed.
func (l *Link) Service() error {
	l.pumpMu.Lock()
	defer l.pumpMu.Unlock()

	chunk, err := l.transport.Poll()

	var lines []string
	if len(chunk) > 0 {
		dropped := l.assembler.Dropped()
		lines = l.assembler.Ingest(chunk)

		l.statsMu.Lock()
		l.stats.BytesIn += uint64(len(chunk))
		if l.assembler.Dropped() != dropped {
			l.stats.DroppedChunks++
			l.log.Debug("dropped undecodable chunk", "bytes", len(chunk))
		}
		l.statsMu.Unlock()
	}

	for _, line := range lines {
		l.dispatch(line)
	}

	if err != nil {
		if errors.Is(err, ErrTransportClosed) {
			return err
		}
		l.statsMu.Lock()
		l.stats.PollErrors++
		l.statsMu.Unlock()
		l.log.Debug("poll failed", "err", err)
	}
	return nil
}

// Dispatch feeds a complete line to the subscription table as if it had
// been read from the transport.
func (l *Link) Dispatch(line string) int {
	return l.dispatch(line)
}

func (l *Link) dispatch(line string) int {
	panics := l.table.Panics()
	n := l.table.Dispatch(line)

	l.statsMu.Lock()
	l.stats.recordLine(n, l.clock.Now())
	l.stats.HandlerPanics += l.table.Panics() - panics
	l.statsMu.Unlock()
	return n
}

// Send writes command followed by the line terminator without waiting for
// any response.
func (l *Link) Send(command string) error {
	l.statsMu.Lock()
	l.stats.Commands++
	l.statsMu.Unlock()

	return l.write(command)
}

func (l *Link) write(command string) error {
	data := []byte(command + Terminator)

	l.writeMu.Lock()
	n, err := l.transport.Write(data)
	l.writeMu.Unlock()

	l.statsMu.Lock()
	l.stats.BytesOut += uint64(n)
	if err != nil {
		l.stats.WriteErrors++
	}
	l.statsMu.Unlock()

	if err != nil {
		return errors.Annotatef(err, "writing %q", command)
	}
	return nil
}

// Call writes command and waits up to timeout for a line containing expect.
// It returns the line, or false if none arrived in time. The waiter is
// registered before the command is written and removed before Call returns,
// whatever the outcome.
//
// expect must not be the key of a persistent handler: the waiter takes its
// place and the key is gone once Call returns.
func (l *Link) Call(ctx context.Context, command, expect string, timeout time.Duration) (string, bool) {
	w := l.table.RegisterOneShot(expect)
	defer l.table.RemoveWaiter(w)

	l.statsMu.Lock()
	l.stats.Commands++
	l.stats.Calls++
	l.statsMu.Unlock()

	if err := l.write(command); err != nil {
		l.log.Warn("command not sent", "command", command, "err", err)
		return "", false
	}

	timer := l.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.Done():
		line, _ := w.Line()
		l.statsMu.Lock()
		l.stats.Responses++
		l.statsMu.Unlock()
		return line, true

	case <-timer.Chan():
		// A line may have landed together with the deadline
		if line, ok := w.Line(); ok {
			l.statsMu.Lock()
			l.stats.Responses++
			l.statsMu.Unlock()
			return line, true
		}
		l.statsMu.Lock()
		l.stats.Timeouts++
		l.statsMu.Unlock()
		l.log.Debug("no response", "command", command, "expect", expect, "timeout", timeout)
		return "", false

	case <-ctx.Done():
		return "", false
	}
}

// SendCustomCommand issues an arbitrary command and waits for a line
// containing expect.
func (l *Link) SendCustomCommand(ctx context.Context, text, expect string, timeout time.Duration) (string, bool) {
	return l.Call(ctx, text, expect, timeout)
}

// RegisterHandler installs a persistent handler for lines containing key
func (l *Link) RegisterHandler(key string, handler Handler) {
	l.table.RegisterPersistent(key, handler)
}

// RemoveHandler removes the subscription registered under key
func (l *Link) RemoveHandler(key string) {
	l.table.Remove(key)
}

// Pending returns the number of bytes of the current partial line
func (l *Link) Pending() int {
	l.pumpMu.Lock()
	defer l.pumpMu.Unlock()
	return l.assembler.Pending()
}

// Stats returns a snapshot of the link statistics with rates calculated
func (l *Link) Stats() Statistics {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()

	s := l.stats
	s.CalculateRates(l.clock.Now())
	return s
}

// ResetStats restarts all counters
func (l *Link) ResetStats() {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	l.stats = NewStatistics(l.clock.Now())
}

func discardLogger() *slog.Logger {
	return slog.New(discardHandler{})
}
