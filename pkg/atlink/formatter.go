// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package atlink

import (
	"fmt"
	"strings"
	"time"
)

// LineType is the coarse kind of a line received from the device
type LineType int

const (
	LineEmpty LineType = iota
	LineFinal          // terminates a command: OK, ERROR, FAIL, SEND OK
	LineURC            // unsolicited notification: WIFI ..., +MQTT..., ready
	LineData           // intermediate response, usually "+CMD:..."
	LineEcho           // the device echoing a command back
	LinePrompt         // ">" awaiting payload
)

var urcPrefixes = []string{
	"WIFI ",
	TokenMQTTConnected,
	TokenMQTTDisconnected,
	"+MQTTSUBRECV",
	"+STA_CONNECTED",
	"+STA_DISCONNECTED",
	"+DIST_STA_IP",
	"+IPD",
	"+TIME_UPDATED",
	TokenReady,
	TokenBusy,
}

// Classify determines the kind of line
func Classify(line string) LineType {
	trimmed := strings.TrimSpace(line)

	switch {
	case trimmed == "":
		return LineEmpty
	case trimmed == Prompt:
		return LinePrompt
	case trimmed == TokenOK, trimmed == TokenError, trimmed == TokenFail, trimmed == TokenSendOK:
		return LineFinal
	case strings.HasPrefix(trimmed, "AT"):
		return LineEcho
	}

	for _, prefix := range urcPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return LineURC
		}
	}
	return LineData
}

// String returns the human-readable name for a line type
func (t LineType) String() string {
	switch t {
	case LineEmpty:
		return "EMPTY"
	case LineFinal:
		return "FINAL"
	case LineURC:
		return "URC"
	case LineData:
		return "DATA"
	case LineEcho:
		return "ECHO"
	case LinePrompt:
		return "PROMPT"
	default:
		return "UNKNOWN"
	}
}

// Color returns the ANSI color escape used when printing lines of this type
func (t LineType) Color() string {
	switch t {
	case LineFinal:
		return "\033[1;32m"
	case LineURC:
		return "\033[1;36m"
	case LineEcho:
		return "\033[0;90m"
	case LinePrompt:
		return "\033[1;33m"
	default:
		return ""
	}
}

// FormatLine formats a line with its timestamp and type for logs and
// terminal output
func FormatLine(ts time.Time, line string) string {
	t := Classify(line)
	if t == LineFinal && strings.TrimSpace(line) != TokenOK {
		return fmt.Sprintf("[%s] %-6s \033[1;31m%s\033[0m", ts.Format("15:04:05.000"), t, line)
	}
	if c := t.Color(); c != "" {
		return fmt.Sprintf("[%s] %-6s %s%s\033[0m", ts.Format("15:04:05.000"), t, c, line)
	}
	return fmt.Sprintf("[%s] %-6s %s", ts.Format("15:04:05.000"), t, line)
}
