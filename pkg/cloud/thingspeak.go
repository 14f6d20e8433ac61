// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// ThingSpeakServer is the public update endpoint
const ThingSpeakServer = "http://api.thingspeak.com"

// thingSpeakSettle is how long Upload waits for the module to take the request
const thingSpeakSettle = 200 * time.Millisecond

// ThingSpeak uploads up to eight fields to a ThingSpeak channel
type ThingSpeak struct {
	link   Link
	clock  clock.Clock
	log    *slog.Logger
	server string

	mu        sync.Mutex
	connected bool
	command   string
}

// NewThingSpeak creates a ThingSpeak client on link. An empty server selects
// the public endpoint.
func NewThingSpeak(link Link, server string, logger *slog.Logger) (*ThingSpeak, error) {
	if link == nil {
		return nil, errors.NotValidf("nil link")
	}
	if server == "" {
		server = ThingSpeakServer
	}
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &ThingSpeak{
		link:   link,
		clock:  link.Clock(),
		log:    logger,
		server: server,
	}, nil
}

// Connect marks the client usable. ThingSpeak has no session, so this only
// records that the caller has network access.
func (t *ThingSpeak) Connect() {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
}

// IsConnected reports whether Connect was called
func (t *ThingSpeak) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// SetData prepares the next upload for the channel with write key apiKey.
// Missing fields are sent as zero.
func (t *ThingSpeak) SetData(apiKey string, fields ...float64) error {
	if apiKey == "" {
		return errors.NotValidf("empty api key")
	}
	if len(fields) > MaxValues {
		return errors.NotValidf("%d fields (max %d)", len(fields), MaxValues)
	}

	var query strings.Builder
	fmt.Fprintf(&query, "?api_key=%s", apiKey)
	for i := 0; i < MaxValues; i++ {
		v := 0.0
		if i < len(fields) {
			v = fields[i]
		}
		fmt.Fprintf(&query, "&field%d=%s", i+1, formatValue(v))
	}

	t.mu.Lock()
	t.command = fmt.Sprintf(`AT+HTTPCLIENT=2,0,"%s/update%s",,,1`, t.server, query.String())
	t.mu.Unlock()
	return nil
}

// Upload sends the prepared data
func (t *ThingSpeak) Upload(ctx context.Context) error {
	t.mu.Lock()
	connected := t.connected
	command := t.command
	t.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	if command == "" {
		return errors.NotValidf("upload without data")
	}

	if err := t.link.Send(command); err != nil {
		return errors.Trace(err)
	}
	t.log.Debug("thingspeak upload sent")

	select {
	case <-t.clock.After(thingSpeakSettle):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
