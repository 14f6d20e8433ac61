// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package cloud talks to HTTP IoT services through the module's AT+HTTPCLIENT
// command.
package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/ratelimit"

	"github.com/Thermoquad/atlink/pkg/atlink"
)

const (
	switchOnToken  = `"data":"switchOn"`
	switchOffToken = `"data":"switchOff"`

	// MaxValues is the number of data fields per upload
	MaxValues = 8
)

// SwitchState selects which switch edge a handler receives
type SwitchState int

const (
	SwitchOn SwitchState = iota + 1
	SwitchOff
)

func (s SwitchState) String() string {
	switch s {
	case SwitchOn:
		return "ON"
	case SwitchOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// Link is the part of atlink.Link the cloud clients need
type Link interface {
	Send(command string) error
	Call(ctx context.Context, command, expect string, timeout time.Duration) (string, bool)
	RegisterHandler(key string, handler atlink.Handler)
	RemoveHandler(key string)
	Clock() clock.Clock
}

// SmartIoTConfig configures a SmartIoT client
type SmartIoTConfig struct {
	// Server is the service base URL including port
	Server string

	ConnectAttempts int
	ConnectTimeout  time.Duration

	// UploadInterval is the minimum spacing between uploads
	UploadInterval time.Duration

	Logger *slog.Logger
}

// DefaultSmartIoTConfig returns the public SmartIoT service settings
func DefaultSmartIoTConfig() SmartIoTConfig {
	return SmartIoTConfig{
		Server:          "http://www.smartiot.space:8080",
		ConnectAttempts: 3,
		ConnectTimeout:  2 * time.Second,
		UploadInterval:  time.Second,
	}
}

// SmartIoT uploads data to a SmartIoT topic and turns the topic's switch
// status, which can only be polled, into on/off edge callbacks.
type SmartIoT struct {
	link  Link
	clock clock.Clock
	log   *slog.Logger
	cfg   SmartIoTConfig

	uploads *ratelimit.Bucket

	mu         sync.Mutex
	connected  bool
	switchOn   bool
	token      string
	topic      string
	uploadCmd  string
	handlers   map[SwitchState]func()
	registered bool
}

// NewSmartIoT creates a SmartIoT client on link
func NewSmartIoT(link Link, cfg SmartIoTConfig) (*SmartIoT, error) {
	if link == nil {
		return nil, errors.NotValidf("nil link")
	}
	if cfg.Server == "" {
		return nil, errors.NotValidf("empty server")
	}
	if cfg.ConnectAttempts < 1 {
		return nil, errors.NotValidf("%d connect attempts", cfg.ConnectAttempts)
	}
	if cfg.ConnectTimeout <= 0 || cfg.UploadInterval <= 0 {
		return nil, errors.NotValidf("timing %v/%v", cfg.ConnectTimeout, cfg.UploadInterval)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(discardHandler{})
	}

	clk := link.Clock()
	return &SmartIoT{
		link:     link,
		clock:    clk,
		log:      cfg.Logger,
		cfg:      cfg,
		uploads:  ratelimit.NewBucketWithClock(cfg.UploadInterval, 1, rateClock{clk}),
		handlers: make(map[SwitchState]func()),
	}, nil
}

func (s *SmartIoT) statusCommand() string {
	return fmt.Sprintf(`AT+HTTPCLIENT=2,0,"%s/iot/iotTopic/getTopicStatus/%s/%s",,,1`, s.cfg.Server, s.token, s.topic)
}

// Connect fetches the topic status, trying up to the configured number of
// times. On success the switch level is initialised from the response so
// that the first poll does not produce a spurious edge.
func (s *SmartIoT) Connect(ctx context.Context, token, topic string) (bool, error) {
	if token == "" || topic == "" {
		return false, errors.NotValidf("token %q / topic %q", token, topic)
	}

	s.mu.Lock()
	s.token = token
	s.topic = topic
	s.connected = false
	command := s.statusCommand()
	s.mu.Unlock()

	for attempt := 0; attempt < s.cfg.ConnectAttempts; attempt++ {
		line, ok := s.link.Call(ctx, command, atlink.TokenHTTPClientSuccess, s.cfg.ConnectTimeout)
		if ok {
			s.mu.Lock()
			s.connected = true
			s.switchOn = strings.Contains(line, switchOnToken)
			s.mu.Unlock()

			s.log.Info("smartiot connected", "topic", topic, "switch_on", strings.Contains(line, switchOnToken))
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, errors.Trace(err)
		}
	}

	s.log.Warn("smartiot unreachable", "topic", topic, "attempts", s.cfg.ConnectAttempts)
	return false, nil
}

// IsConnected reports whether the last Connect succeeded
func (s *SmartIoT) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SwitchOn returns the last known switch level
func (s *SmartIoT) SwitchOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switchOn
}

// OnSwitchEvent calls handler whenever the switch changes to state. Status
// responses are tracked from the first registration on, whether or not a
// handler exists for both states.
func (s *SmartIoT) OnSwitchEvent(state SwitchState, handler func()) error {
	if state != SwitchOn && state != SwitchOff {
		return errors.NotValidf("switch state %d", int(state))
	}

	s.mu.Lock()
	s.handlers[state] = handler
	register := !s.registered
	s.registered = true
	s.mu.Unlock()

	if register {
		s.link.RegisterHandler(switchOnToken, s.onStatus)
		s.link.RegisterHandler(switchOffToken, s.onStatus)
	}
	return nil
}

// onStatus converts a polled level into an edge
func (s *SmartIoT) onStatus(line string) {
	on := strings.Contains(line, switchOnToken)
	off := strings.Contains(line, switchOffToken)

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}

	var handler func()
	switch {
	case on && !s.switchOn:
		s.switchOn = true
		handler = s.handlers[SwitchOn]
	case off && s.switchOn:
		s.switchOn = false
		handler = s.handlers[SwitchOff]
	}
	s.mu.Unlock()

	if handler != nil {
		handler()
	}
}

// PollStatus requests the topic status once. The response is picked up by
// the switch handlers. Does nothing while disconnected.
func (s *SmartIoT) PollStatus() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	command := s.statusCommand()
	s.mu.Unlock()

	return errors.Trace(s.link.Send(command))
}

// RunPolling polls the status every interval until ctx is done
func (s *SmartIoT) RunPolling(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		return errors.NotValidf("poll interval %v", every)
	}

	timer := s.clock.NewTimer(every)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Chan():
		}

		if err := s.PollStatus(); err != nil {
			s.log.Debug("status poll not sent", "err", err)
		}
		timer.Reset(every)
	}
}

// SetData prepares the next upload. Missing values are sent as zero.
func (s *SmartIoT) SetData(values ...float64) error {
	if len(values) > MaxValues {
		return errors.NotValidf("%d values (max %d)", len(values), MaxValues)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var query strings.Builder
	fmt.Fprintf(&query, "?userToken=%s&topicName=%s", s.token, s.topic)
	for i := 0; i < MaxValues; i++ {
		v := 0.0
		if i < len(values) {
			v = values[i]
		}
		fmt.Fprintf(&query, "&data%d=%s", i+1, formatValue(v))
	}

	s.uploadCmd = fmt.Sprintf(`AT+HTTPCLIENT=2,0,"%s/iot/iotTopicData/addTopicData%s",,,1`, s.cfg.Server, query.String())
	return nil
}

// Upload sends the prepared data, waiting if the previous upload was less
// than the upload interval ago. Does nothing while disconnected or before
// SetData.
func (s *SmartIoT) Upload(ctx context.Context) error {
	s.mu.Lock()
	command := s.uploadCmd
	ready := s.connected && command != ""
	s.mu.Unlock()

	if !ready {
		return nil
	}

	if wait := s.uploads.Take(1); wait > 0 {
		select {
		case <-s.clock.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Trace(s.link.Send(command))
}

// Close stops tracking status responses
func (s *SmartIoT) Close() {
	s.mu.Lock()
	registered := s.registered
	s.registered = false
	s.mu.Unlock()

	if registered {
		s.link.RemoveHandler(switchOnToken)
		s.link.RemoveHandler(switchOffToken)
	}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// rateClock lets the token bucket measure time on a juju clock
type rateClock struct {
	clock.Clock
}

func (c rateClock) Sleep(d time.Duration) {
	<-c.After(d)
}
