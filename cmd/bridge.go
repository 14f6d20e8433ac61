// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/atlink/pkg/bridge"
	"github.com/Thermoquad/atlink/pkg/mqtt"
)

var bridgeBroker string

var bridgeCmd = &cobra.Command{
	Use:   "bridge [topic...]",
	Short: "Relay the module's MQTT session to a host-side broker",
	Long: `Connect the module's MQTT client, then relay messages between it and a
broker reachable from this machine.

Messages the module receives on each topic are republished on the host
broker under <prefix>/rx/<topic>. Messages published on the host broker
under <prefix>/tx/<topic> are published by the module on <topic>.

Topics default to mqtt.topics and must not contain wildcards. Host broker
settings come from the bridge section of the configuration.`,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.Flags().StringVar(&bridgeBroker, "broker", "", "Host broker URL (overrides bridge.broker)")
}

func runBridge(cmd *cobra.Command, args []string) error {
	bcfg := cfg.Bridge
	if bridgeBroker != "" {
		bcfg.Broker = bridgeBroker
	}
	if bcfg.Broker == "" {
		return errors.NotValidf("bridge: no host broker (set bridge.broker)")
	}

	topics := args
	if len(topics) == 0 {
		for _, t := range cfg.MQTT.Topics {
			topics = append(topics, t.Topic)
		}
	}
	if len(topics) == 0 {
		return errors.NotValidf("bridge: no topics given and mqtt.topics is empty")
	}

	return withSession(cmd, func(ctx context.Context, s *session) error {
		session, err := connectMQTT(ctx, s)
		if err != nil {
			return err
		}
		defer session.Disconnect()

		broker, err := bridge.DialBroker(bcfg, log.Component("bridge"))
		if err != nil {
			return err
		}
		defer broker.Close()

		b, err := bridge.New(session, broker, bcfg.Prefix, mqtt.QoS(bcfg.QoS), log.Component("bridge"))
		if err != nil {
			return err
		}
		if err := b.Start(); err != nil {
			return err
		}
		for _, topic := range topics {
			if err := b.Forward(topic); err != nil {
				return err
			}
		}

		fmt.Printf("Bridging %d topics to %s (send on %s). Press Ctrl+C to exit\n",
			len(topics), bcfg.Broker, b.TxFilter())
		<-ctx.Done()

		stats := b.Stats()
		fmt.Printf("\nRelayed %d to host, %d to module (%d host failures, %d module failures)\n",
			stats.ToHost, stats.ToDevice, stats.HostFails, stats.DevFails)
		return ctx.Err()
	})
}
