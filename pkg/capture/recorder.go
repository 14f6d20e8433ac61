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

// Recorder is a transport that passes everything through to another
// transport and appends it to a capture stream.
type Recorder struct {
	transport atlink.Transport
	clock     clock.Clock
	start     time.Time

	mu      sync.Mutex
	encoder *cbor.Encoder
	records int
	err     error
}

// NewRecorder records the traffic of transport to w. Offsets are measured on
// clk from now.
func NewRecorder(transport atlink.Transport, w io.Writer, clk clock.Clock) *Recorder {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Recorder{
		transport: transport,
		clock:     clk,
		start:     clk.Now(),
		encoder:   NewEncoder(w),
	}
}

// Poll implements atlink.Transport
func (r *Recorder) Poll() ([]byte, error) {
	data, err := r.transport.Poll()
	if len(data) > 0 {
		r.record(Rx, data)
	}
	return data, err
}

// Write implements atlink.Transport
func (r *Recorder) Write(p []byte) (int, error) {
	n, err := r.transport.Write(p)
	if n > 0 {
		r.record(Tx, p[:n])
	}
	return n, err
}

func (r *Recorder) record(dir Direction, data []byte) {
	rec := Record{
		Offset: r.clock.Now().Sub(r.start),
		Dir:    dir,
		Data:   append([]byte(nil), data...),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The first failure stops the capture; the link keeps running
	if r.err != nil {
		return
	}
	if err := r.encoder.Encode(rec); err != nil {
		r.err = errors.Annotate(err, "writing capture record")
		return
	}
	r.records++
}

// Records returns the number of records written
func (r *Recorder) Records() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records
}

// Err returns the error that stopped the capture, if any
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
