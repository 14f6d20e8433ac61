// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package atlink

import (
	"bytes"
	"unicode/utf8"
)

const (
	initialBufferCap = 256
	maxRetainedCap   = 4096
)

// LineAssembler turns arbitrarily chunked input into complete lines.
//
// After every Ingest the buffer holds at most one partial, not yet newline
// terminated, line. Not safe for concurrent use; Link owns its assembler.
type LineAssembler struct {
	buffer  []byte
	dropped int
}

// NewLineAssembler creates an empty assembler
func NewLineAssembler() *LineAssembler {
	return &LineAssembler{buffer: make([]byte, 0, initialBufferCap)}
}

// Ingest appends chunk and returns every line completed by it, in stream
// order, with the line terminator removed.
//
// A chunk that is not valid UTF-8 is dropped whole and no lines are
// produced. The retained partial line keeps its complete characters; a
// character left unfinished at its end is discarded with the chunk, since
// nothing can complete it any more. A multi-byte character split across two
// chunks is not an error.
func (a *LineAssembler) Ingest(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	if !validText(a.buffer, chunk) {
		a.dropped++
		a.buffer = a.buffer[:completeLen(a.buffer)]
		return nil
	}

	a.buffer = append(a.buffer, chunk...)

	var lines []string
	start := 0
	for {
		i := bytes.IndexByte(a.buffer[start:], lineFeed)
		if i < 0 {
			break
		}
		line := a.buffer[start : start+i]
		if n := len(line); n > 0 && line[n-1] == carriage {
			line = line[:n-1]
		}
		lines = append(lines, string(line))
		start += i + 1
	}

	// Move the partial to the front so the backing array is reused
	if start > 0 {
		n := copy(a.buffer, a.buffer[start:])
		a.buffer = a.buffer[:n]
	}
	if cap(a.buffer) > maxRetainedCap && len(a.buffer) < initialBufferCap {
		a.buffer = append(make([]byte, 0, initialBufferCap), a.buffer...)
	}

	return lines
}

// Pending returns the number of bytes held for the current partial line
func (a *LineAssembler) Pending() int {
	return len(a.buffer)
}

// Dropped returns the number of chunks discarded as undecodable
func (a *LineAssembler) Dropped() int {
	return a.dropped
}

// Reset discards the partial line
func (a *LineAssembler) Reset() {
	a.buffer = a.buffer[:0]
}

// completeLen returns the length of partial without an unfinished character
// at its end
func completeLen(partial []byte) int {
	start := len(partial) - 1
	for start > 0 && len(partial)-start < utf8.UTFMax && !utf8.RuneStart(partial[start]) {
		start--
	}
	if start < 0 || utf8.FullRune(partial[start:]) {
		return len(partial)
	}
	return start
}

// validText reports whether chunk, continuing the retained partial, is valid
// UTF-8. An incomplete character at the very end is accepted since the rest
// of it may arrive in the next chunk.
func validText(partial, chunk []byte) bool {
	// Only the unfinished tail of the partial can combine with chunk
	start := len(partial) - utf8.UTFMax + 1
	if start < 0 {
		start = 0
	}
	for start > 0 && !utf8.RuneStart(partial[start]) {
		start--
	}
	data := append(append([]byte{}, partial[start:]...), chunk...)

	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size <= 1 {
			return !utf8.FullRune(data)
		}
		data = data[size:]
	}
	return true
}
