// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wifi

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/atlink/pkg/atlink"
	"github.com/Thermoquad/atlink/pkg/atlink/atlinktest"
)

// ============================================================
// Helpers
// ============================================================

// Ten real milliseconds per simulated second: a seven second join window
// takes 70ms.
const dilation = 10 * time.Millisecond

var testCreds = Credentials{SSID: "workshop", Password: "hunter2"}

// newRunningLink services tr on a dilated clock until the test ends
func newRunningLink(t *testing.T, tr *atlinktest.Transport) *atlink.Link {
	t.Helper()

	clk := testclock.NewDilatedWallClock(dilation)
	link, err := atlink.New(tr, atlink.Config{PollInterval: 100 * time.Millisecond, Clock: clk})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		link.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return link
}

// scriptReset makes the module answer every reset step
func scriptReset(tr *atlinktest.Transport) {
	tr.On("AT+RESTORE", "OK", "ready")
	tr.On("AT+RST", "OK", "ready")
	tr.On("AT+CWMODE=1", "OK")
	tr.On("AT+CIPSNTPCFG", "OK")
}

type stubLink struct {
	handlers map[string]atlink.Handler
}

func (l *stubLink) Send(string) error { return nil }
func (l *stubLink) Call(context.Context, string, string, time.Duration) (string, bool) {
	return "", false
}
func (l *stubLink) RegisterHandler(key string, h atlink.Handler) { l.handlers[key] = h }
func (l *stubLink) RemoveHandler(key string)                     { delete(l.handlers, key) }
func (l *stubLink) Clock() clock.Clock                           { return testclock.NewClock(time.Time{}) }

// ============================================================
// Construction
// ============================================================

func TestNewStation_RejectsInvalidConfig(t *testing.T) {
	link := &stubLink{handlers: map[string]atlink.Handler{}}

	_, err := NewStation(nil, DefaultConfig())
	assert.True(t, errors.Is(err, errors.NotValid))

	cfg := DefaultConfig()
	cfg.Retries = -1
	_, err = NewStation(link, cfg)
	assert.True(t, errors.Is(err, errors.NotValid))

	cfg = DefaultConfig()
	cfg.JoinWindow = 0
	_, err = NewStation(link, cfg)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestNewStation_RegistersAndCloseRemovesHandlers(t *testing.T) {
	link := &stubLink{handlers: map[string]atlink.Handler{}}

	s, err := NewStation(link, DefaultConfig())
	require.NoError(t, err)
	assert.Contains(t, link.handlers, atlink.TokenWiFiGotIP)
	assert.Contains(t, link.handlers, atlink.TokenWiFiDisconnect)

	s.Close()
	assert.Empty(t, link.handlers)
}

func TestConnect_InvalidCredentials(t *testing.T) {
	link := &stubLink{handlers: map[string]atlink.Handler{}}
	s, err := NewStation(link, DefaultConfig())
	require.NoError(t, err)

	for _, creds := range []Credentials{
		{SSID: ""},
		{SSID: "this-ssid-is-far-too-long-to-be-valid"},
	} {
		ok, err := s.Connect(context.Background(), creds)
		assert.False(t, ok)
		assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
	}
}

// ============================================================
// Notifications
// ============================================================

func TestNotifications_DriveState(t *testing.T) {
	link := &stubLink{handlers: map[string]atlink.Handler{}}
	s, err := NewStation(link, DefaultConfig())
	require.NoError(t, err)

	link.handlers[atlink.TokenWiFiGotIP]("WIFI GOT IP")
	assert.True(t, s.IsConnected())
	assert.Equal(t, Connected, s.State())

	link.handlers[atlink.TokenWiFiDisconnect]("WIFI DISCONNECT")
	assert.False(t, s.IsConnected())
	assert.Equal(t, Disconnected, s.State())
}

func TestNotifications_DisconnectDuringReset(t *testing.T) {
	link := &stubLink{handlers: map[string]atlink.Handler{}}
	s, err := NewStation(link, DefaultConfig())
	require.NoError(t, err)

	s.state = Resetting
	link.handlers[atlink.TokenWiFiDisconnect]("WIFI DISCONNECT")
	assert.Equal(t, Resetting, s.State())
}

// ============================================================
// Connect
// ============================================================

func TestConnect_ConfirmedFirstTry(t *testing.T) {
	tr := atlinktest.NewTransport()
	tr.On("AT+CWJAP", "WIFI CONNECTED", "WIFI GOT IP", "", "OK")
	link := newRunningLink(t, tr)

	s, err := NewStation(link, DefaultConfig())
	require.NoError(t, err)

	ok, err := s.Connect(context.Background(), testCreds)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Connected, s.State())
	assert.Zero(t, s.Resets())
	assert.Equal(t, []string{`AT+CWJAP="workshop","hunter2"`}, tr.Writes())
}

func TestConnect_ExhaustsRetryBudget(t *testing.T) {
	tr := atlinktest.NewTransport()
	scriptReset(tr)
	link := newRunningLink(t, tr)

	cfg := DefaultConfig()
	s, err := NewStation(link, cfg)
	require.NoError(t, err)

	ok, err := s.Connect(context.Background(), testCreds)
	require.NoError(t, err, "running out of retries is not an error")
	assert.False(t, ok)
	assert.Equal(t, Disconnected, s.State())

	assert.Equal(t, cfg.Retries, s.Resets())
	assert.Equal(t, cfg.Retries+1, tr.Count("AT+CWJAP="))
	assert.Equal(t, cfg.Retries, tr.Count("AT+RESTORE"))
	assert.Equal(t, cfg.Retries, tr.Count("AT+RST"))
	assert.Equal(t, cfg.Retries, tr.Count("AT+CIPSNTPCFG"))
}

func TestConnect_ZeroRetries(t *testing.T) {
	tr := atlinktest.NewTransport()
	link := newRunningLink(t, tr)

	cfg := DefaultConfig()
	cfg.Retries = 0
	s, err := NewStation(link, cfg)
	require.NoError(t, err)

	ok, err := s.Connect(context.Background(), testCreds)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, s.Resets())
	assert.Equal(t, 1, tr.Count("AT+CWJAP="))
}

func TestConnect_SucceedsAfterReset(t *testing.T) {
	tr := atlinktest.NewTransport()
	scriptReset(tr)
	link := newRunningLink(t, tr)

	// The access point comes up once the module has been rebooted
	go func() {
		for cmd := range tr.Written() {
			if cmd == "AT+RST" {
				tr.On("AT+CWJAP", "WIFI CONNECTED", "WIFI GOT IP")
				return
			}
		}
	}()

	s, err := NewStation(link, DefaultConfig())
	require.NoError(t, err)

	ok, err := s.Connect(context.Background(), testCreds)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, s.Resets())
	assert.Equal(t, 2, tr.Count("AT+CWJAP="))
}

func TestConnect_Cancelled(t *testing.T) {
	tr := atlinktest.NewTransport()
	link := newRunningLink(t, tr)

	s, err := NewStation(link, DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := s.Connect(ctx, testCreds)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Zero(t, s.Resets())
}

func TestConnect_EscapesParameters(t *testing.T) {
	tr := atlinktest.NewTransport()
	tr.On("AT+CWJAP", "WIFI GOT IP")
	link := newRunningLink(t, tr)

	s, err := NewStation(link, DefaultConfig())
	require.NoError(t, err)

	ok, err := s.Connect(context.Background(), Credentials{SSID: `my,"net"`, Password: `a\b`})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{`AT+CWJAP="my\,\"net\"","a\\b"`}, tr.Writes())
}

// ============================================================
// Reset
// ============================================================

func TestReset_ReissuesModeOnce(t *testing.T) {
	tr := atlinktest.NewTransport()
	scriptReset(tr)
	tr.Off("AT+CWMODE=1")
	link := newRunningLink(t, tr)

	s, err := NewStation(link, DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, s.Init(context.Background()))
	assert.Equal(t, 2, tr.Count("AT+CWMODE=1"))
	assert.Equal(t, 1, tr.Count("AT+RST"))
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, 1, s.Resets())
}

func TestReset_Order(t *testing.T) {
	tr := atlinktest.NewTransport()
	scriptReset(tr)
	link := newRunningLink(t, tr)

	s, err := NewStation(link, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, s.Reset(context.Background()))

	assert.Equal(t, []string{
		"AT+RESTORE",
		"AT+RST",
		"AT+CWMODE=1",
		`AT+CIPSNTPCFG=1,8,"ntp1.aliyun.com","0.pool.ntp.org","time.google.com"`,
	}, tr.Writes())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ASSOCIATING", Associating.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
