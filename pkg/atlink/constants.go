// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package atlink multiplexes a line-oriented AT command link between several
// clients.
//
// Bytes polled from the transport are reassembled into lines, and every line
// is dispatched to the subscriptions whose key occurs in it. A subscription is
// either a persistent handler (unsolicited notifications such as WiFi or MQTT
// state changes) or a one-shot waiter backing a blocking Call. There are no
// request identifiers on the wire: correlation is purely by substring.
package atlink

import (
	"strings"
	"time"
)

// Line termination
const (
	Terminator = "\r\n"
	lineFeed   = '\n'
	carriage   = '\r'
)

// Timing defaults
const (
	DefaultPollInterval   = 2 * time.Millisecond
	DefaultCommandTimeout = 1000 * time.Millisecond
)

// Final result codes
const (
	TokenOK     = "OK"
	TokenError  = "ERROR"
	TokenFail   = "FAIL"
	TokenSendOK = "SEND OK"
	TokenBusy   = "busy p..."
	TokenReady  = "ready"
)

// Active message reports (unsolicited notifications)
const (
	TokenWiFiConnected     = "WIFI CONNECTED"
	TokenWiFiGotIP         = "WIFI GOT IP"
	TokenWiFiDisconnect    = "WIFI DISCONNECT"
	TokenMQTTConnected     = "+MQTTCONNECTED"
	TokenMQTTDisconnected  = "+MQTTDISCONNECTED"
	TokenMQTTSubRecv       = "MQTTSUBRECV"
	TokenHTTPClientSuccess = `"code":200`
)

// Prompt is emitted when the device waits for raw data after a send command.
const Prompt = ">"

// Escape backslash-escapes the characters that terminate or split a quoted
// AT string parameter.
func Escape(v string) string {
	if !strings.ContainsAny(v, `",\`) {
		return v
	}
	var b strings.Builder
	for _, r := range v {
		switch r {
		case '"', ',', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
