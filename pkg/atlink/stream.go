// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package atlink

import (
	"io"
	"sync"

	"github.com/juju/errors"
)

const (
	streamReadSize  = 256
	streamChunkCap  = 64
	streamMaxPolled = 4096
)

// StreamTransport adapts a blocking reader, such as a serial port or a
// WebSocket bridge, to the non-blocking Transport interface.
//
// A goroutine reads the stream into a buffered channel; Poll drains whatever
// has accumulated. Any read error ends the stream: once the data read before
// it has been consumed, Poll returns ErrTransportClosed and Cause reports the
// error itself.
type StreamTransport struct {
	rw     io.ReadWriteCloser
	chunks chan []byte

	mu      sync.Mutex
	readErr error
	done    chan struct{}

	closeOnce sync.Once
}

// NewStreamTransport starts reading rw in the background
func NewStreamTransport(rw io.ReadWriteCloser) *StreamTransport {
	s := &StreamTransport{
		rw:     rw,
		chunks: make(chan []byte, streamChunkCap),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *StreamTransport) readLoop() {
	defer close(s.chunks)

	buf := make([]byte, streamReadSize)
	for {
		n, err := s.rw.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.chunks <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			s.mu.Lock()
			if !errors.Is(err, io.EOF) {
				s.readErr = errors.Annotate(err, "reading stream")
			}
			s.mu.Unlock()
			return
		}
	}
}

// Poll returns the bytes read since the previous call without blocking
func (s *StreamTransport) Poll() ([]byte, error) {
	var out []byte
	for len(out) < streamMaxPolled {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				if len(out) > 0 {
					return out, nil
				}
				return nil, ErrTransportClosed
			}
			out = append(out, chunk...)
		default:
			return out, nil
		}
	}
	return out, nil
}

// Cause returns the read error that ended the stream, or nil after a clean
// end of file or while the stream is still open.
func (s *StreamTransport) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// Write writes p to the underlying stream
func (s *StreamTransport) Write(p []byte) (int, error) {
	return s.rw.Write(p)
}

// Close stops the reader and closes the underlying stream
func (s *StreamTransport) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.rw.Close()
	})
	return err
}
