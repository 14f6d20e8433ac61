// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/atlink/pkg/atlink"
	"github.com/Thermoquad/atlink/pkg/mqtt"
)

var mqttQoS int

var mqttCmd = &cobra.Command{
	Use:   "mqtt",
	Short: "Publish and subscribe through the module's MQTT client",
	Long: `Run an MQTT session on the module. The broker connection is held by the
module itself; atlink configures it, tracks its state and routes received
publishes.

Broker settings come from the mqtt section of the configuration. If
wifi.ssid is set the module joins it first.`,
}

var mqttPubCmd = &cobra.Command{
	Use:   "pub <topic> <payload>",
	Short: "Publish one message",
	Args:  cobra.ExactArgs(2),
	RunE:  runMQTTPub,
}

var mqttSubCmd = &cobra.Command{
	Use:   "sub [topic...]",
	Short: "Print messages on the given topics, or on mqtt.topics",
	RunE:  runMQTTSub,
}

func init() {
	rootCmd.AddCommand(mqttCmd)
	mqttCmd.AddCommand(mqttPubCmd, mqttSubCmd)
	mqttCmd.PersistentFlags().IntVar(&mqttQoS, "qos", 0, "QoS level (0, 1 or 2)")
}

// connectMQTT joins WiFi if configured, then configures and connects the
// module's MQTT client
func connectMQTT(ctx context.Context, s *session) (*mqtt.Session, error) {
	if err := ensureWiFi(ctx, s); err != nil {
		return nil, err
	}
	if cfg.MQTT.Host == "" {
		return nil, errors.NotValidf("mqtt: no broker host (set mqtt.host)")
	}

	session, err := mqtt.NewSession(s.link, mqtt.Config{
		Attempts:     mqtt.DefaultConfig().Attempts,
		SettleWindow: mqtt.DefaultConfig().SettleWindow,
		Logger:       log.Component("mqtt"),
	})
	if err != nil {
		return nil, err
	}

	err = session.Configure(mqtt.UserConfig{
		Scheme:   mqtt.Scheme(cfg.MQTT.Scheme),
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		Path:     cfg.MQTT.Path,
	})
	if err != nil {
		return nil, err
	}

	ok, err := session.Connect(ctx, cfg.MQTT.Host, cfg.MQTT.Port, cfg.MQTT.Reconnect)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("broker %s:%d did not confirm the connection", cfg.MQTT.Host, cfg.MQTT.Port)
	}
	return session, nil
}

func runMQTTPub(cmd *cobra.Command, args []string) error {
	topic, payload := args[0], args[1]
	qos := mqtt.QoS(mqttQoS)
	if err := qos.Validate(); err != nil {
		return err
	}

	return withSession(cmd, func(ctx context.Context, s *session) error {
		session, err := connectMQTT(ctx, s)
		if err != nil {
			return err
		}
		defer session.Disconnect()

		if err := session.Publish(topic, payload, qos); err != nil {
			return err
		}
		// Wait for the module to accept the publish before disconnecting
		if _, ok := s.link.Call(ctx, "AT", atlink.TokenOK, cfg.Link.CommandTimeout); !ok {
			log.Warn("module did not confirm after publish")
		}
		fmt.Printf("Published %d bytes to %s\n", len(payload), topic)
		return nil
	})
}

func runMQTTSub(cmd *cobra.Command, args []string) error {
	topics := make(map[string]mqtt.QoS)
	var order []string
	for _, t := range args {
		topics[t] = mqtt.QoS(mqttQoS)
		order = append(order, t)
	}
	if len(order) == 0 {
		for _, t := range cfg.MQTT.Topics {
			topics[t.Topic] = mqtt.QoS(t.QoS)
			order = append(order, t.Topic)
		}
	}
	if len(order) == 0 {
		return errors.NotValidf("mqtt sub: no topics given and mqtt.topics is empty")
	}

	return withSession(cmd, func(ctx context.Context, s *session) error {
		session, err := connectMQTT(ctx, s)
		if err != nil {
			return err
		}
		defer session.Disconnect()

		clk := s.link.Clock()
		for _, topic := range order {
			topic := topic
			err := session.Subscribe(topic, topics[topic], func(payload string) {
				fmt.Printf("[%s] %s %s\n", clk.Now().Format("15:04:05.000"), topic, payload)
			})
			if err != nil {
				return err
			}
		}

		fmt.Printf("Subscribed to %d topics. Press Ctrl+C to exit\n", len(order))
		<-ctx.Done()
		return ctx.Err()
	})
}
