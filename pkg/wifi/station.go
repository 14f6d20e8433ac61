// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package wifi drives station association of an AT WiFi module.
package wifi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/Thermoquad/atlink/pkg/atlink"
)

// State of the station
type State int

const (
	Disconnected State = iota
	Associating
	Connected
	Resetting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Associating:
		return "ASSOCIATING"
	case Connected:
		return "CONNECTED"
	case Resetting:
		return "RESETTING"
	default:
		return "UNKNOWN"
	}
}

// Link is the part of atlink.Link the station needs
type Link interface {
	Send(command string) error
	Call(ctx context.Context, command, expect string, timeout time.Duration) (string, bool)
	RegisterHandler(key string, handler atlink.Handler)
	RemoveHandler(key string)
	Clock() clock.Clock
}

// Credentials identify the access point to join
type Credentials struct {
	SSID     string
	Password string
}

// Validate rejects credentials that can never associate
func (c Credentials) Validate() error {
	if c.SSID == "" {
		return errors.NotValidf("empty SSID")
	}
	if len(c.SSID) > 32 {
		return errors.NotValidf("SSID %q longer than 32 bytes", c.SSID)
	}
	if len(c.Password) > 64 {
		return errors.NotValidf("password longer than 64 bytes")
	}
	return nil
}

// Step is one command/response exchange of the reset sequence
type Step struct {
	Command string
	Expect  string
	Timeout time.Duration
	// Retries is how many more times the command is issued after a timeout
	Retries int
}

// DefaultResetSequence restores factory settings, reboots, selects station
// mode and configures SNTP (UTC+8 with three servers).
var DefaultResetSequence = []Step{
	{Command: "AT+RESTORE", Expect: atlink.TokenReady, Timeout: time.Second},
	{Command: "AT+RST", Expect: atlink.TokenReady, Timeout: 2 * time.Second},
	{Command: "AT+CWMODE=1", Expect: atlink.TokenOK, Timeout: time.Second, Retries: 1},
	{Command: `AT+CIPSNTPCFG=1,8,"ntp1.aliyun.com","0.pool.ntp.org","time.google.com"`, Expect: atlink.TokenOK, Timeout: 3 * time.Second},
}

// Config configures a Station
type Config struct {
	// Retries is the number of resets allowed before Connect gives up, so
	// Connect joins at most Retries+1 times.
	Retries int

	// JoinWindow is how long each join waits for the address notification
	JoinWindow time.Duration

	// ResetSequence defaults to DefaultResetSequence
	ResetSequence []Step

	Logger *slog.Logger
}

// DefaultConfig returns two retries and a seven second join window
func DefaultConfig() Config {
	return Config{
		Retries:    2,
		JoinWindow: 7 * time.Second,
	}
}

// Station is the WiFi association state machine.
//
// Connection state is owned by the persistent notification handlers; Connect
// only issues commands and waits for those handlers to report.
type Station struct {
	link  Link
	clock clock.Clock
	log   *slog.Logger
	cfg   Config

	connected *atlink.Signal

	mu     sync.Mutex
	state  State
	resets int
}

// NewStation creates a station on link and starts tracking the module's WiFi
// notifications.
func NewStation(link Link, cfg Config) (*Station, error) {
	if link == nil {
		return nil, errors.NotValidf("nil link")
	}
	if cfg.Retries < 0 {
		return nil, errors.NotValidf("retries %d", cfg.Retries)
	}
	if cfg.JoinWindow <= 0 {
		return nil, errors.NotValidf("join window %v", cfg.JoinWindow)
	}
	if cfg.ResetSequence == nil {
		cfg.ResetSequence = DefaultResetSequence
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(discardHandler{})
	}

	s := &Station{
		link:      link,
		clock:     link.Clock(),
		log:       cfg.Logger,
		cfg:       cfg,
		connected: atlink.NewSignal(false),
	}

	link.RegisterHandler(atlink.TokenWiFiGotIP, s.onGotIP)
	link.RegisterHandler(atlink.TokenWiFiDisconnect, s.onDisconnect)
	return s, nil
}

func (s *Station) onGotIP(string) {
	s.setState(Connected)
	s.connected.Set(true)
}

func (s *Station) onDisconnect(string) {
	s.mu.Lock()
	if s.state != Resetting {
		s.state = Disconnected
	}
	s.mu.Unlock()
	s.connected.Set(false)
}

func (s *Station) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != state {
		s.log.Debug("wifi state", "from", s.state, "to", state)
		s.state = state
	}
}

// Connect joins the access point, resetting the module between failed
// attempts. It reports whether the station got an address. Running out of
// retries is not an error; the caller decides whether to try again.
func (s *Station) Connect(ctx context.Context, creds Credentials) (bool, error) {
	if err := creds.Validate(); err != nil {
		return false, errors.Trace(err)
	}

	command := fmt.Sprintf(`AT+CWJAP="%s","%s"`, atlink.Escape(creds.SSID), atlink.Escape(creds.Password))
	retries := s.cfg.Retries

	for {
		s.setState(Associating)
		s.connected.Set(false)

		if err := s.link.Send(command); err != nil {
			s.log.Warn("join not sent", "ssid", creds.SSID, "err", err)
		}

		if s.connected.Wait(ctx, s.clock, true, s.cfg.JoinWindow) {
			s.log.Info("wifi connected", "ssid", creds.SSID)
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			s.setState(Disconnected)
			return false, errors.Trace(err)
		}

		if retries == 0 {
			s.setState(Disconnected)
			s.log.Warn("wifi join failed", "ssid", creds.SSID, "resets", s.cfg.Retries)
			return false, nil
		}
		retries--

		s.log.Info("no address, resetting module", "ssid", creds.SSID, "retries_left", retries)
		if err := s.Reset(ctx); err != nil {
			s.setState(Disconnected)
			return false, errors.Trace(err)
		}
	}
}

// Reset runs the reset sequence. Steps that time out are logged and skipped;
// only cancellation of ctx is an error.
func (s *Station) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.state = Resetting
	s.resets++
	s.mu.Unlock()

	for _, step := range s.cfg.ResetSequence {
		ok := false
		for attempt := 0; attempt <= step.Retries && !ok; attempt++ {
			_, ok = s.link.Call(ctx, step.Command, step.Expect, step.Timeout)
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if !ok {
			s.log.Warn("reset step timed out", "command", step.Command, "expect", step.Expect)
		}
	}

	// The module comes back from a restore disassociated
	s.connected.Set(false)
	s.setState(Disconnected)
	return nil
}

// Init brings the module into a known state
func (s *Station) Init(ctx context.Context) error {
	return s.Reset(ctx)
}

// IsConnected reports whether the station holds an address
func (s *Station) IsConnected() bool {
	return s.connected.Get()
}

// State returns the current state
func (s *Station) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Resets returns how many reset sequences have been run
func (s *Station) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Close stops tracking notifications
func (s *Station) Close() {
	s.link.RemoveHandler(atlink.TokenWiFiGotIP)
	s.link.RemoveHandler(atlink.TokenWiFiDisconnect)
}
