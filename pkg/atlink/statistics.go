// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package atlink

import (
	"fmt"
	"time"
)

// Statistics tracks link traffic and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Traffic
	BytesIn    uint64
	BytesOut   uint64
	Lines      uint64
	Matched    uint64
	Unmatched  uint64
	Deliveries uint64

	// Request/response
	Commands  uint64
	Calls     uint64
	Responses uint64
	Timeouts  uint64

	// Noise
	DroppedChunks uint64
	PollErrors    uint64
	WriteErrors   uint64
	HandlerPanics uint64

	// Rates (calculated)
	LineRate  float64 // lines/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics(now time.Time) Statistics {
	return Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// recordLine counts one dispatched line and its deliveries
func (s *Statistics) recordLine(deliveries int, now time.Time) {
	s.Lines++
	if deliveries > 0 {
		s.Matched++
		s.Deliveries += uint64(deliveries)
	} else {
		s.Unmatched++
	}
	s.LastUpdateTime = now
}

// Errors returns the total of all noise counters
func (s *Statistics) Errors() uint64 {
	return s.DroppedChunks + s.PollErrors + s.WriteErrors + s.HandlerPanics + s.Timeouts
}

// CalculateRates calculates line and error rates as of now
func (s *Statistics) CalculateRates(now time.Time) {
	elapsed := now.Sub(s.StartTime).Seconds()
	if elapsed > 0 {
		s.LineRate = float64(s.Lines) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	elapsed := s.LastUpdateTime.Sub(s.StartTime)

	var matchedPercent, responsePercent float64
	if s.Lines > 0 {
		matchedPercent = float64(s.Matched) * 100.0 / float64(s.Lines)
	}
	if s.Calls > 0 {
		responsePercent = float64(s.Responses) * 100.0 / float64(s.Calls)
	}

	result := fmt.Sprintf("=== Link Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Bytes In/Out:    %8d / %d\n", s.BytesIn, s.BytesOut)
	result += fmt.Sprintf("Lines:           %8d\n", s.Lines)
	result += fmt.Sprintf("Matched Lines:   %8d (%.1f%%)\n", s.Matched, matchedPercent)
	result += fmt.Sprintf("Commands Sent:   %8d\n", s.Commands)
	result += fmt.Sprintf("Calls:           %8d\n", s.Calls)
	result += fmt.Sprintf("Responses:       %8d (%.1f%%)\n", s.Responses, responsePercent)

	if s.Timeouts > 0 {
		result += fmt.Sprintf("Timeouts:        %8d\n", s.Timeouts)
	}
	if s.DroppedChunks > 0 {
		result += fmt.Sprintf("Dropped Chunks:  %8d\n", s.DroppedChunks)
	}
	if s.PollErrors > 0 {
		result += fmt.Sprintf("Poll Errors:     %8d\n", s.PollErrors)
	}
	if s.WriteErrors > 0 {
		result += fmt.Sprintf("Write Errors:    %8d\n", s.WriteErrors)
	}
	if s.HandlerPanics > 0 {
		result += fmt.Sprintf("Handler Panics:  %8d\n", s.HandlerPanics)
	}

	result += fmt.Sprintf("Line Rate:       %8.1f lines/sec\n", s.LineRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "====================================\n"

	return result
}
