// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mqtt

import (
	"context"
	"strings"
	"testing"
	"time"

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

const connectedURC = `+MQTTCONNECTED:0,1,"broker.local","1883","",1`

func newRunningLink(t *testing.T, tr *atlinktest.Transport) *atlink.Link {
	t.Helper()

	clk := testclock.NewDilatedWallClock(10 * time.Millisecond)
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

func newSession(t *testing.T, tr *atlinktest.Transport) (*Session, *atlink.Link) {
	t.Helper()
	link := newRunningLink(t, tr)
	s, err := NewSession(link, DefaultConfig())
	require.NoError(t, err)
	return s, link
}

func connect(t *testing.T, s *Session) {
	t.Helper()
	ok, err := s.Connect(context.Background(), "broker.local", 1883, true)
	require.NoError(t, err)
	require.True(t, ok)
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return ""
	}
}

// ============================================================
// Configuration
// ============================================================

func TestNewSession_RejectsInvalidConfig(t *testing.T) {
	link, err := atlink.New(atlinktest.NewTransport(), atlink.Config{})
	require.NoError(t, err)

	_, err = NewSession(nil, DefaultConfig())
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = NewSession(link, Config{Attempts: 0, SettleWindow: time.Second})
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = NewSession(link, Config{Attempts: 3})
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestConfigure(t *testing.T) {
	tr := atlinktest.NewTransport()
	s, _ := newSession(t, tr)

	require.NoError(t, s.Configure(UserConfig{
		Scheme:   SchemeTLS,
		ClientID: "heater-1",
		Username: "user",
		Password: "p,w",
		Path:     "/mqtt",
	}))
	assert.Equal(t, []string{`AT+MQTTUSERCFG=0,2,"heater-1","user","p\,w",0,0,"/mqtt"`}, tr.Writes())
}

func TestConfigure_GeneratesClientID(t *testing.T) {
	tr := atlinktest.NewTransport()
	s, _ := newSession(t, tr)

	require.NoError(t, s.Configure(UserConfig{Scheme: SchemeTCP}))
	writes := tr.Writes()
	require.Len(t, writes, 1)
	assert.True(t, strings.HasPrefix(writes[0], `AT+MQTTUSERCFG=0,1,"atlink-`), writes[0])
}

func TestConfigure_SchemeRange(t *testing.T) {
	tr := atlinktest.NewTransport()
	s, _ := newSession(t, tr)

	for _, scheme := range []Scheme{0, 11, -1} {
		err := s.Configure(UserConfig{Scheme: scheme})
		assert.True(t, errors.Is(err, errors.NotValid), "scheme %d", scheme)
	}
	assert.Empty(t, tr.Writes())
}

// ============================================================
// Connect
// ============================================================

func TestConnect_ConfirmedReplaysSubscriptions(t *testing.T) {
	tr := atlinktest.NewTransport()
	tr.On("AT+MQTTCONN", "OK", connectedURC)
	s, _ := newSession(t, tr)

	require.NoError(t, s.Subscribe("home/temp", AtLeastOnce, func(string) {}))
	require.NoError(t, s.Subscribe("home/cmd", AtMostOnce, func(string) {}))

	connect(t, s)
	assert.Equal(t, Connected, s.State())
	assert.True(t, s.IsConnected())

	assert.Equal(t, []string{
		`AT+MQTTSUB=0,"home/temp",1`,
		`AT+MQTTSUB=0,"home/cmd",0`,
		`AT+MQTTCONN=0,"broker.local",1883,1`,
		`AT+MQTTSUB=0,"home/temp",1`,
		`AT+MQTTSUB=0,"home/cmd",0`,
	}, tr.Writes())
}

func TestConnect_Unconfirmed(t *testing.T) {
	tr := atlinktest.NewTransport()
	s, _ := newSession(t, tr)
	require.NoError(t, s.Subscribe("home/temp", AtLeastOnce, func(string) {}))

	ok, err := s.Connect(context.Background(), "broker.local", 1883, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Disconnected, s.State())

	assert.Equal(t, 3, tr.Count(`AT+MQTTCONN=0,"broker.local",1883,0`))
	assert.Equal(t, 1, tr.Count("AT+MQTTSUB="), "no replay without confirmation")
}

func TestConnect_ConfirmedOnSecondAttempt(t *testing.T) {
	tr := atlinktest.NewTransport()
	s, _ := newSession(t, tr)

	go func() {
		for cmd := range tr.Written() {
			if strings.HasPrefix(cmd, "AT+MQTTCONN") {
				// Answer the second attempt only
				tr.On("AT+MQTTCONN", connectedURC)
				return
			}
		}
	}()

	connect(t, s)
	assert.Equal(t, 2, tr.Count("AT+MQTTCONN"))
}

func TestConnect_InvalidParameters(t *testing.T) {
	tr := atlinktest.NewTransport()
	s, _ := newSession(t, tr)

	_, err := s.Connect(context.Background(), "", 1883, true)
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = s.Connect(context.Background(), "broker", 0, true)
	assert.True(t, errors.Is(err, errors.NotValid))

	assert.Empty(t, tr.Writes())
}

func TestDisconnectedNotification(t *testing.T) {
	tr := atlinktest.NewTransport()
	tr.On("AT+MQTTCONN", connectedURC)
	s, link := newSession(t, tr)
	connect(t, s)

	link.Dispatch("+MQTTDISCONNECTED:0")
	assert.False(t, s.IsConnected())
	assert.Equal(t, Disconnected, s.State())
}

// ============================================================
// Messages
// ============================================================

func TestMessages_RoutedByTopic(t *testing.T) {
	tr := atlinktest.NewTransport()
	tr.On("AT+MQTTCONN", connectedURC)
	s, _ := newSession(t, tr)

	temps := make(chan string, 4)
	cmds := make(chan string, 4)
	require.NoError(t, s.Subscribe("home/temp", AtMostOnce, func(p string) { temps <- p }))
	require.NoError(t, s.Subscribe("home/cmd", AtMostOnce, func(p string) { cmds <- p }))
	connect(t, s)

	tr.FeedLine(`+MQTTSUBRECV:0,"home/temp",4,22.5`)
	tr.FeedLine(`+MQTTSUBRECV:0,"home/cmd",9,"on,fast"`)

	assert.Equal(t, "22.5", receive(t, temps))
	assert.Equal(t, "on,fast", receive(t, cmds))
}

func TestMessages_WildcardFilter(t *testing.T) {
	tr := atlinktest.NewTransport()
	tr.On("AT+MQTTCONN", connectedURC)
	s, _ := newSession(t, tr)

	got := make(chan string, 4)
	require.NoError(t, s.Subscribe("sensors/+/temp", AtMostOnce, func(p string) { got <- p }))
	connect(t, s)

	tr.FeedLine(`+MQTTSUBRECV:0,"sensors/attic/temp",2,31`)
	assert.Equal(t, "31", receive(t, got))
}

func TestMessages_MalformedSwallowed(t *testing.T) {
	tr := atlinktest.NewTransport()
	tr.On("AT+MQTTCONN", connectedURC)
	s, link := newSession(t, tr)

	require.NoError(t, s.Subscribe("home/temp", AtMostOnce, func(string) {
		t.Error("handler must not run for a malformed notification")
	}))
	connect(t, s)

	assert.NotPanics(t, func() {
		link.Dispatch("+MQTTSUBRECV:0")
		link.Dispatch(`+MQTTSUBRECV:0,"home/temp",x,1`)
		link.Dispatch(`+MQTTSUBRECV:0,"",1,1`)
	})
	assert.Zero(t, link.Stats().HandlerPanics)
}

// ============================================================
// Publish / subscribe
// ============================================================

func TestPublish(t *testing.T) {
	tr := atlinktest.NewTransport()
	s, _ := newSession(t, tr)

	require.NoError(t, s.Publish("home/temp", `{"t":21}`, ExactlyOnce))
	assert.Equal(t, []string{`AT+MQTTPUB=0,"home/temp","{\"t\":21}",2,0`}, tr.Writes())
}

func TestPublish_Validation(t *testing.T) {
	tr := atlinktest.NewTransport()
	s, _ := newSession(t, tr)

	assert.True(t, errors.Is(s.Publish("", "x", AtMostOnce), errors.NotValid))
	assert.True(t, errors.Is(s.Publish("t", "x", QoS(3)), errors.NotValid))
	assert.True(t, errors.Is(s.Subscribe("t", QoS(-1), func(string) {}), errors.NotValid))
	assert.True(t, errors.Is(s.Subscribe("t", AtMostOnce, nil), errors.NotValid))
	assert.Empty(t, tr.Writes())
}

func TestUnsubscribe(t *testing.T) {
	tr := atlinktest.NewTransport()
	s, _ := newSession(t, tr)

	require.NoError(t, s.Subscribe("a", AtMostOnce, func(string) {}))
	require.NoError(t, s.Subscribe("b", AtLeastOnce, func(string) {}))
	require.NoError(t, s.Unsubscribe("a"))

	assert.Equal(t, map[string]QoS{"b": AtLeastOnce}, s.Topics())
	assert.Equal(t, 1, tr.Count(`AT+MQTTUNSUB=0,"a"`))
}

func TestDisconnect(t *testing.T) {
	tr := atlinktest.NewTransport()
	tr.On("AT+MQTTCONN", connectedURC)
	s, link := newSession(t, tr)
	require.NoError(t, s.Subscribe("a", AtMostOnce, func(string) {}))
	connect(t, s)

	require.NoError(t, s.Disconnect())
	assert.False(t, s.IsConnected())
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, 1, tr.Count("AT+MQTTCLEAN=0"))

	for _, key := range []string{atlink.TokenMQTTConnected, atlink.TokenMQTTDisconnected, atlink.TokenMQTTSubRecv} {
		assert.False(t, link.Table().Has(key), key)
	}
	assert.Contains(t, s.Topics(), "a", "subscriptions survive for the next connect")
}

// ============================================================
// Parsing
// ============================================================

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Message
		wantErr bool
	}{
		{
			name: "plain payload",
			line: `+MQTTSUBRECV:0,"home/temp",4,22.5`,
			want: Message{Topic: "home/temp", Length: 4, Payload: "22.5"},
		},
		{
			name: "quoted payload with commas",
			line: `+MQTTSUBRECV:0,"t",7,"a,b,c"`,
			want: Message{Topic: "t", Length: 7, Payload: "a,b,c"},
		},
		{
			name:    "too few fields",
			line:    `+MQTTSUBRECV:0,"t"`,
			wantErr: true,
		},
		{
			name:    "bad length",
			line:    `+MQTTSUBRECV:0,"t",many,x`,
			wantErr: true,
		},
		{
			name:    "not a publish",
			line:    "OK",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"a/b", "a/b", true},
		{"a/b", "a/c", false},
		{"a/+", "a/b", true},
		{"a/+", "a/b/c", false},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true},
		{"a/#", "b", false},
		{"#", "anything/at/all", true},
		{"+/+", "a/b", true},
		{"a/+/c", "a/b/d", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+" "+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicMatches(tt.filter, tt.topic))
		})
	}
}
