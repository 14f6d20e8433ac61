// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/Thermoquad/atlink/pkg/config"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	keepAlive         = 60 * time.Second
	disconnectQuiesce = 500 // milliseconds
)

// HostHandler receives a message from the host broker
type HostHandler func(topic string, payload []byte)

// Broker is the host side of the bridge
type Broker interface {
	Publish(topic string, qos byte, payload []byte) error
	Subscribe(topic string, qos byte, handler HostHandler) error
	Close()
}

// PahoBroker is a Broker backed by a paho MQTT client
type PahoBroker struct {
	client pahomqtt.Client
	log    *slog.Logger
}

// buildClientOptions converts the bridge configuration into paho options
func buildClientOptions(cfg config.BridgeConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "atlink-bridge-" + uuid.NewString()[:8]
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	return opts
}

// DialBroker connects to the broker named in cfg
func DialBroker(cfg config.BridgeConfig, logger *slog.Logger) (*PahoBroker, error) {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}

	opts := buildClientOptions(cfg)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("host broker connection lost", "err", err)
	})
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		logger.Info("host broker connected", "broker", cfg.Broker)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, errors.Timeoutf("connecting to %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Annotatef(err, "connecting to %s", cfg.Broker)
	}

	return &PahoBroker{client: client, log: logger}, nil
}

// Publish implements Broker
func (b *PahoBroker) Publish(topic string, qos byte, payload []byte) error {
	token := b.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.Timeoutf("publishing to %s", topic)
	}
	return errors.Trace(token.Error())
}

// Subscribe implements Broker
func (b *PahoBroker) Subscribe(topic string, qos byte, handler HostHandler) error {
	token := b.client.Subscribe(topic, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return errors.Timeoutf("subscribing to %s", topic)
	}
	return errors.Trace(token.Error())
}

// Close implements Broker
func (b *PahoBroker) Close() {
	b.client.Disconnect(disconnectQuiesce)
}
