// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package atlink

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDevice is a blocking stream: reads come from a pipe, writes are kept
type pipeDevice struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu  sync.Mutex
	out bytes.Buffer
}

func newPipeDevice() *pipeDevice {
	r, w := io.Pipe()
	return &pipeDevice{r: r, w: w}
}

func (d *pipeDevice) Read(p []byte) (int, error) { return d.r.Read(p) }

func (d *pipeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.out.Write(p)
}

func (d *pipeDevice) Close() error { return d.r.Close() }

// pollUntil polls until want bytes arrived or the stream ends
func pollUntil(t *testing.T, s *StreamTransport, want int) ([]byte, error) {
	t.Helper()

	var got []byte
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		chunk, err := s.Poll()
		got = append(got, chunk...)
		if err != nil || len(got) >= want {
			return got, err
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("only %d of %d bytes arrived", len(got), want)
	return got, nil
}

func TestStreamTransport_PollDrainsReads(t *testing.T) {
	dev := newPipeDevice()
	s := NewStreamTransport(dev)
	defer s.Close()

	chunk, err := s.Poll()
	require.NoError(t, err)
	assert.Empty(t, chunk, "Poll must not block on an idle stream")

	go func() {
		dev.w.Write([]byte("WIFI GOT IP\r\n"))
		dev.w.Write([]byte("OK\r\n"))
	}()

	got, err := pollUntil(t, s, 17)
	require.NoError(t, err)
	assert.Equal(t, "WIFI GOT IP\r\nOK\r\n", string(got))
}

func TestStreamTransport_EOFClosesCleanly(t *testing.T) {
	dev := newPipeDevice()
	s := NewStreamTransport(dev)
	defer s.Close()

	go func() {
		dev.w.Write([]byte("ready\r\n"))
		dev.w.Close()
	}()

	got, err := pollUntil(t, s, 1<<20)
	assert.Equal(t, "ready\r\n", string(got))
	assert.True(t, errors.Is(err, ErrTransportClosed), "got %v", err)
	assert.NoError(t, s.Cause())
}

func TestStreamTransport_ReadErrorEndsStream(t *testing.T) {
	dev := newPipeDevice()
	s := NewStreamTransport(dev)
	defer s.Close()

	dev.w.CloseWithError(errors.New("device unplugged"))

	_, err := pollUntil(t, s, 1<<20)
	assert.True(t, errors.Is(err, ErrTransportClosed), "got %v", err)
	require.Error(t, s.Cause())
	assert.Contains(t, s.Cause().Error(), "device unplugged")
}

func TestStreamTransport_Write(t *testing.T) {
	dev := newPipeDevice()
	s := NewStreamTransport(dev)
	defer s.Close()

	n, err := s.Write([]byte("AT\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	dev.mu.Lock()
	defer dev.mu.Unlock()
	assert.Equal(t, "AT\r\n", dev.out.String())
}
