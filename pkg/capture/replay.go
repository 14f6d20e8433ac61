// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/Thermoquad/atlink/pkg/atlink"
)

// Replay is a transport that plays back the received side of a capture.
// Writes are accepted and counted but do not influence playback.
type Replay struct {
	decoder *cbor.Decoder
	clock   clock.Clock
	fast    bool
	start   time.Time

	mu      sync.Mutex
	next    *Record
	ended   bool
	cause   error
	written int
}

// NewReplay plays back the capture in r. In fast mode every chunk is
// delivered on the next poll; otherwise chunks are held until their
// recorded offset has elapsed on clk.
func NewReplay(r io.Reader, clk clock.Clock, fast bool) *Replay {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Replay{
		decoder: NewDecoder(r),
		clock:   clk,
		fast:    fast,
		start:   clk.Now(),
	}
}

// Poll implements atlink.Transport
func (p *Replay) Poll() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.advance() {
		return nil, atlink.ErrTransportClosed
	}
	if !p.fast && p.clock.Now().Sub(p.start) < p.next.Offset {
		return nil, nil
	}

	data := p.next.Data
	p.next = nil
	return data, nil
}

// advance loads the next received record. It reports false once the
// capture is exhausted.
func (p *Replay) advance() bool {
	for p.next == nil {
		if p.ended {
			return false
		}

		var rec Record
		if err := p.decoder.Decode(&rec); err != nil {
			p.ended = true
			if err != io.EOF {
				p.cause = errors.Annotate(err, "reading capture")
			}
			return false
		}
		if rec.Dir == Rx && len(rec.Data) > 0 {
			p.next = &rec
		}
	}
	return true
}

// Write implements atlink.Transport
func (p *Replay) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended && p.next == nil {
		return 0, atlink.ErrTransportClosed
	}
	p.written += len(b)
	return len(b), nil
}

// Written returns the number of bytes written by the link
func (p *Replay) Written() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

// Cause returns the decode error that ended playback early, if any
func (p *Replay) Cause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cause
}
