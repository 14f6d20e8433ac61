// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package mqtt runs an MQTT client session on an AT module.
//
// The module holds the actual broker connection; this package issues the
// AT+MQTT* commands, tracks connection state from the module's notifications
// and routes received publishes to per-topic handlers.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/Thermoquad/atlink/pkg/atlink"
)

const subRecvPrefix = "+MQTTSUBRECV:"

// State of the session
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// QoS is the MQTT delivery guarantee
type QoS int

const (
	AtMostOnce QoS = iota
	AtLeastOnce
	ExactlyOnce
)

// Validate rejects levels other than 0, 1 and 2
func (q QoS) Validate() error {
	if q < AtMostOnce || q > ExactlyOnce {
		return errors.NotValidf("QoS %d", int(q))
	}
	return nil
}

// Scheme is the broker connection type of AT+MQTTUSERCFG
type Scheme int

const (
	SchemeTCP Scheme = iota + 1
	SchemeTLS
	SchemeTLSVerifyServer
	SchemeTLSClientCert
	SchemeTLSMutual
	SchemeWS
	SchemeWSS
	SchemeWSSVerifyServer
	SchemeWSSClientCert
	SchemeWSSMutual
)

// UserConfig is the client configuration stored on the module
type UserConfig struct {
	Scheme   Scheme
	ClientID string
	Username string
	Password string
	Path     string
}

// Validate checks the scheme range
func (c UserConfig) Validate() error {
	if c.Scheme < SchemeTCP || c.Scheme > SchemeWSSMutual {
		return errors.NotValidf("scheme %d", int(c.Scheme))
	}
	return nil
}

// MessageHandler receives the payload of a publish
type MessageHandler func(payload string)

// Link is the part of atlink.Link the session needs
type Link interface {
	Send(command string) error
	RegisterHandler(key string, handler atlink.Handler)
	RemoveHandler(key string)
	Clock() clock.Clock
}

// Config configures a Session
type Config struct {
	// Attempts is the number of connect commands issued per Connect
	Attempts int

	// SettleWindow is how long each connect command waits for confirmation
	SettleWindow time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns three attempts with a 3.5 second settle window
func DefaultConfig() Config {
	return Config{
		Attempts:     3,
		SettleWindow: 3500 * time.Millisecond,
	}
}

type subscription struct {
	qos     QoS
	handler MessageHandler
}

// Session is the MQTT session state machine
type Session struct {
	link  Link
	clock clock.Clock
	log   *slog.Logger
	cfg   Config

	connected *atlink.Signal

	mu     sync.Mutex
	state  State
	topics []string
	subs   map[string]subscription
}

// NewSession creates a session on link
func NewSession(link Link, cfg Config) (*Session, error) {
	if link == nil {
		return nil, errors.NotValidf("nil link")
	}
	if cfg.Attempts < 1 {
		return nil, errors.NotValidf("%d connect attempts", cfg.Attempts)
	}
	if cfg.SettleWindow <= 0 {
		return nil, errors.NotValidf("settle window %v", cfg.SettleWindow)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(discardHandler{})
	}

	return &Session{
		link:      link,
		clock:     link.Clock(),
		log:       cfg.Logger,
		cfg:       cfg,
		connected: atlink.NewSignal(false),
		subs:      make(map[string]subscription),
	}, nil
}

// Configure stores the client configuration on the module. An empty client
// ID is replaced by a random one.
func (s *Session) Configure(cfg UserConfig) error {
	if err := cfg.Validate(); err != nil {
		return errors.Trace(err)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "atlink-" + uuid.NewString()[:8]
	}

	command := fmt.Sprintf(`AT+MQTTUSERCFG=0,%d,"%s","%s","%s",0,0,"%s"`,
		cfg.Scheme,
		atlink.Escape(cfg.ClientID),
		atlink.Escape(cfg.Username),
		atlink.Escape(cfg.Password),
		atlink.Escape(cfg.Path))
	return errors.Trace(s.link.Send(command))
}

// Connect connects to the broker. Each attempt sends the connect command
// and waits up to the settle window for the module to confirm. On
// confirmation every stored subscription is re-issued. An unconfirmed
// session after all attempts is reported as false, not as an error.
func (s *Session) Connect(ctx context.Context, host string, port int, reconnect bool) (bool, error) {
	if host == "" {
		return false, errors.NotValidf("empty host")
	}
	if port < 1 || port > 65535 {
		return false, errors.NotValidf("port %d", port)
	}

	s.link.RegisterHandler(atlink.TokenMQTTConnected, s.onConnected)
	s.link.RegisterHandler(atlink.TokenMQTTDisconnected, s.onDisconnected)
	s.link.RegisterHandler(atlink.TokenMQTTSubRecv, s.onMessage)

	flag := 0
	if reconnect {
		flag = 1
	}
	command := fmt.Sprintf(`AT+MQTTCONN=0,"%s",%d,%d`, atlink.Escape(host), port, flag)

	s.setState(Connecting)
	for attempt := 0; attempt < s.cfg.Attempts && !s.connected.Get(); attempt++ {
		if err := s.link.Send(command); err != nil {
			s.log.Warn("connect not sent", "host", host, "err", err)
		}
		s.connected.Wait(ctx, s.clock, true, s.cfg.SettleWindow)
		if err := ctx.Err(); err != nil {
			s.setState(Disconnected)
			return false, errors.Trace(err)
		}
	}

	if !s.connected.Get() {
		s.setState(Disconnected)
		s.log.Warn("mqtt connect unconfirmed", "host", host, "port", port, "attempts", s.cfg.Attempts)
		return false, nil
	}

	s.setState(Connected)
	s.log.Info("mqtt connected", "host", host, "port", port)
	s.resubscribe()
	return true, nil
}

func (s *Session) resubscribe() {
	s.mu.Lock()
	replay := make([]string, 0, len(s.topics))
	for _, topic := range s.topics {
		replay = append(replay, subscribeCommand(topic, s.subs[topic].qos))
	}
	s.mu.Unlock()

	for _, command := range replay {
		if err := s.link.Send(command); err != nil {
			s.log.Warn("resubscribe not sent", "command", command, "err", err)
		}
	}
}

func subscribeCommand(topic string, qos QoS) string {
	return fmt.Sprintf(`AT+MQTTSUB=0,"%s",%d`, atlink.Escape(topic), qos)
}

func (s *Session) onConnected(string) {
	s.setState(Connected)
	s.connected.Set(true)
}

func (s *Session) onDisconnected(string) {
	s.mu.Lock()
	if s.state == Connected {
		s.state = Disconnected
	}
	s.mu.Unlock()
	s.connected.Set(false)
}

func (s *Session) onMessage(line string) {
	msg, err := ParseMessage(line)
	if err != nil {
		s.log.Debug("malformed publish notification", "line", line, "err", err)
		return
	}

	s.mu.Lock()
	var handlers []MessageHandler
	if sub, ok := s.subs[msg.Topic]; ok {
		handlers = append(handlers, sub.handler)
	} else {
		for _, filter := range s.topics {
			if TopicMatches(filter, msg.Topic) {
				handlers = append(handlers, s.subs[filter].handler)
			}
		}
	}
	s.mu.Unlock()

	if len(handlers) == 0 {
		s.log.Debug("publish on unsubscribed topic", "topic", msg.Topic)
	}
	for _, h := range handlers {
		h(msg.Payload)
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != state {
		s.log.Debug("mqtt state", "from", s.state, "to", state)
		s.state = state
	}
}

// Publish publishes payload on topic
func (s *Session) Publish(topic, payload string, qos QoS) error {
	if err := ValidateTopic(topic); err != nil {
		return errors.Trace(err)
	}
	if err := qos.Validate(); err != nil {
		return errors.Trace(err)
	}

	command := fmt.Sprintf(`AT+MQTTPUB=0,"%s","%s",%d,0`, atlink.Escape(topic), atlink.Escape(payload), qos)
	return errors.Trace(s.link.Send(command))
}

// Subscribe records handler for topic and subscribes. The subscription is
// re-issued after every confirmed Connect.
func (s *Session) Subscribe(topic string, qos QoS, handler MessageHandler) error {
	if err := ValidateTopic(topic); err != nil {
		return errors.Trace(err)
	}
	if err := qos.Validate(); err != nil {
		return errors.Trace(err)
	}
	if handler == nil {
		return errors.NotValidf("nil handler for %q", topic)
	}

	s.mu.Lock()
	if _, ok := s.subs[topic]; !ok {
		s.topics = append(s.topics, topic)
	}
	s.subs[topic] = subscription{qos: qos, handler: handler}
	s.mu.Unlock()

	return errors.Trace(s.link.Send(subscribeCommand(topic, qos)))
}

// Unsubscribe forgets topic and unsubscribes
func (s *Session) Unsubscribe(topic string) error {
	if err := ValidateTopic(topic); err != nil {
		return errors.Trace(err)
	}

	s.mu.Lock()
	if _, ok := s.subs[topic]; ok {
		delete(s.subs, topic)
		for i, t := range s.topics {
			if t == topic {
				s.topics = append(s.topics[:i], s.topics[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	return errors.Trace(s.link.Send(fmt.Sprintf(`AT+MQTTUNSUB=0,"%s"`, atlink.Escape(topic))))
}

// Disconnect stops tracking notifications and closes the session on the
// module. Stored subscriptions are kept for the next Connect.
func (s *Session) Disconnect() error {
	s.link.RemoveHandler(atlink.TokenMQTTSubRecv)
	s.link.RemoveHandler(atlink.TokenMQTTDisconnected)
	s.link.RemoveHandler(atlink.TokenMQTTConnected)

	err := s.link.Send("AT+MQTTCLEAN=0")
	s.connected.Set(false)
	s.setState(Disconnected)
	return errors.Trace(err)
}

// IsConnected reports whether the broker connection is confirmed
func (s *Session) IsConnected() bool {
	return s.connected.Get()
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Topics returns the subscribed topics and their QoS
func (s *Session) Topics() map[string]QoS {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics := make(map[string]QoS, len(s.subs))
	for topic, sub := range s.subs {
		topics[topic] = sub.qos
	}
	return topics
}
