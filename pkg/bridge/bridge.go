// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bridge relays MQTT traffic between the module's broker session and
// a broker reachable from the host.
//
// A publish the module receives on topic T is republished on the host broker
// as <prefix>/rx/T. A host publish on <prefix>/tx/T is published by the
// module on T.
package bridge

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"

	"github.com/Thermoquad/atlink/pkg/mqtt"
)

// Device is the module side of the bridge
type Device interface {
	Subscribe(topic string, qos mqtt.QoS, handler mqtt.MessageHandler) error
	Publish(topic, payload string, qos mqtt.QoS) error
}

// Stats counts relayed messages
type Stats struct {
	ToHost    uint64
	ToDevice  uint64
	HostFails uint64
	DevFails  uint64
}

// Bridge relays messages between a Device and a Broker
type Bridge struct {
	device Device
	broker Broker
	prefix string
	qos    mqtt.QoS
	log    *slog.Logger

	mu     sync.Mutex
	topics []string

	toHost, toDevice, hostFails, devFails atomic.Uint64
}

// New creates a bridge using prefix for host-side topics
func New(device Device, broker Broker, prefix string, qos mqtt.QoS, logger *slog.Logger) (*Bridge, error) {
	if device == nil || broker == nil {
		return nil, errors.NotValidf("nil device or broker")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return nil, errors.NotValidf("empty prefix")
	}
	if err := qos.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &Bridge{
		device: device,
		broker: broker,
		prefix: prefix,
		qos:    qos,
		log:    logger,
	}, nil
}

// RxTopic is the host topic carrying device messages on topic
func (b *Bridge) RxTopic(topic string) string {
	return b.prefix + "/rx/" + topic
}

// TxFilter is the host subscription for messages bound to the device
func (b *Bridge) TxFilter() string {
	return b.prefix + "/tx/#"
}

// deviceTopic maps a host tx topic to the device topic
func (b *Bridge) deviceTopic(hostTopic string) (string, bool) {
	topic, ok := strings.CutPrefix(hostTopic, b.prefix+"/tx/")
	if !ok || topic == "" {
		return "", false
	}
	return topic, true
}

// Start subscribes the host side for outbound traffic
func (b *Bridge) Start() error {
	return errors.Annotate(b.broker.Subscribe(b.TxFilter(), byte(b.qos), b.fromHost), "subscribing host tx topics")
}

// Forward subscribes the device to topic and relays its messages to the host.
// Wildcard filters are rejected: the module reports only the payload to the
// handler, so there would be no concrete topic to republish on.
func (b *Bridge) Forward(topic string) error {
	if strings.ContainsAny(topic, "+#") {
		return errors.NotValidf("wildcard topic %q", topic)
	}
	err := b.device.Subscribe(topic, b.qos, func(payload string) {
		b.toHostTopic(topic, payload)
	})
	if err != nil {
		return errors.Annotatef(err, "subscribing device to %s", topic)
	}

	b.mu.Lock()
	b.topics = append(b.topics, topic)
	b.mu.Unlock()
	return nil
}

func (b *Bridge) toHostTopic(topic, payload string) {
	if err := b.broker.Publish(b.RxTopic(topic), byte(b.qos), []byte(payload)); err != nil {
		b.hostFails.Add(1)
		b.log.Warn("relay to host failed", "topic", topic, "err", err)
		return
	}
	b.toHost.Add(1)
}

func (b *Bridge) fromHost(hostTopic string, payload []byte) {
	topic, ok := b.deviceTopic(hostTopic)
	if !ok {
		b.log.Debug("ignoring host topic", "topic", hostTopic)
		return
	}
	if err := b.device.Publish(topic, string(payload), b.qos); err != nil {
		b.devFails.Add(1)
		b.log.Warn("relay to device failed", "topic", topic, "err", err)
		return
	}
	b.toDevice.Add(1)
}

// Topics returns the forwarded device topics
func (b *Bridge) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.topics...)
}

// Stats returns the relay counters
func (b *Bridge) Stats() Stats {
	return Stats{
		ToHost:    b.toHost.Load(),
		ToDevice:  b.toDevice.Load(),
		HostFails: b.hostFails.Load(),
		DevFails:  b.devFails.Load(),
	}
}

var _ Device = (*mqtt.Session)(nil)
