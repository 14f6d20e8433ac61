// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/atlink/pkg/atlink"
	"github.com/Thermoquad/atlink/pkg/cloud"
)

var smartIoTTopic string

var smartIoTCmd = &cobra.Command{
	Use:   "smartiot",
	Short: "Use a SmartIoT topic through the module's HTTP client",
}

var smartIoTWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the topic switch and print each change",
	Long: `Poll the SmartIoT topic status every smartiot.poll_interval and print ON
or OFF whenever the switch changes. Repeated reports of the same level are
not changes.`,
	RunE: runSmartIoTWatch,
}

var smartIoTUploadCmd = &cobra.Command{
	Use:   "upload <value>...",
	Short: "Upload up to eight values to the topic",
	Args:  cobra.RangeArgs(1, cloud.MaxValues),
	RunE:  runSmartIoTUpload,
}

var thingSpeakCmd = &cobra.Command{
	Use:   "thingspeak <field>...",
	Short: "Upload up to eight fields to a ThingSpeak channel",
	Args:  cobra.RangeArgs(1, cloud.MaxValues),
	RunE:  runThingSpeak,
}

var iftttCmd = &cobra.Command{
	Use:   "ifttt <value1> [value2] [value3]",
	Short: "Trigger an IFTTT webhook event",
	Args:  cobra.RangeArgs(1, 3),
	RunE:  runIFTTT,
}

func init() {
	rootCmd.AddCommand(smartIoTCmd, thingSpeakCmd, iftttCmd)
	smartIoTCmd.AddCommand(smartIoTWatchCmd, smartIoTUploadCmd)
	smartIoTCmd.PersistentFlags().StringVar(&smartIoTTopic, "topic", "", "Topic name (overrides smartiot.topic)")
}

func parseValues(args []string) ([]float64, error) {
	values := make([]float64, 0, len(args))
	for _, arg := range args {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, errors.NotValidf("value %q", arg)
		}
		values = append(values, v)
	}
	return values, nil
}

// connectSmartIoT joins WiFi if configured and fetches the topic status
func connectSmartIoT(ctx context.Context, s *session) (*cloud.SmartIoT, error) {
	topic := cfg.SmartIoT.Topic
	if smartIoTTopic != "" {
		topic = smartIoTTopic
	}
	if cfg.SmartIoT.Token == "" || topic == "" {
		return nil, errors.NotValidf("smartiot: token and topic are required")
	}

	if err := ensureWiFi(ctx, s); err != nil {
		return nil, err
	}

	sc := cloud.DefaultSmartIoTConfig()
	sc.Logger = log.Component("smartiot")
	client, err := cloud.NewSmartIoT(s.link, sc)
	if err != nil {
		return nil, err
	}

	ok, err := client.Connect(ctx, cfg.SmartIoT.Token, topic)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("smartiot topic %s unreachable", topic)
	}
	return client, nil
}

func runSmartIoTWatch(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		client, err := connectSmartIoT(ctx, s)
		if err != nil {
			return err
		}
		defer client.Close()

		clk := s.link.Clock()
		report := func(state cloud.SwitchState) func() {
			return func() {
				fmt.Printf("[%s] switch %s\n", clk.Now().Format("15:04:05.000"), state)
			}
		}
		if err := client.OnSwitchEvent(cloud.SwitchOn, report(cloud.SwitchOn)); err != nil {
			return err
		}
		if err := client.OnSwitchEvent(cloud.SwitchOff, report(cloud.SwitchOff)); err != nil {
			return err
		}

		initial := cloud.SwitchOff
		if client.SwitchOn() {
			initial = cloud.SwitchOn
		}
		fmt.Printf("Watching switch (currently %s). Press Ctrl+C to exit\n", initial)
		return client.RunPolling(ctx, cfg.SmartIoT.PollInterval)
	})
}

func runSmartIoTUpload(cmd *cobra.Command, args []string) error {
	values, err := parseValues(args)
	if err != nil {
		return err
	}

	return withSession(cmd, func(ctx context.Context, s *session) error {
		client, err := connectSmartIoT(ctx, s)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.SetData(values...); err != nil {
			return err
		}
		ok, err := expectLine(ctx, s.link, atlink.TokenHTTPClientSuccess, 2*cfg.Link.CommandTimeout, func() error {
			return client.Upload(ctx)
		})
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("upload not acknowledged")
		}
		fmt.Printf("Uploaded %d values\n", len(values))
		return nil
	})
}

func runThingSpeak(cmd *cobra.Command, args []string) error {
	if cfg.ThingSpeak.APIKey == "" {
		return errors.NotValidf("thingspeak: api_key is required")
	}
	fields, err := parseValues(args)
	if err != nil {
		return err
	}

	return withSession(cmd, func(ctx context.Context, s *session) error {
		if err := ensureWiFi(ctx, s); err != nil {
			return err
		}

		client, err := cloud.NewThingSpeak(s.link, "", log.Component("thingspeak"))
		if err != nil {
			return err
		}
		client.Connect()

		if err := client.SetData(cfg.ThingSpeak.APIKey, fields...); err != nil {
			return err
		}
		if err := client.Upload(ctx); err != nil {
			return err
		}
		fmt.Printf("Uploaded %d fields\n", len(fields))
		return nil
	})
}

func runIFTTT(cmd *cobra.Command, args []string) error {
	values := append(args, "", "")[:3]

	return withSession(cmd, func(ctx context.Context, s *session) error {
		if err := ensureWiFi(ctx, s); err != nil {
			return err
		}

		client, err := cloud.NewIFTTT(s.link)
		if err != nil {
			return err
		}
		if err := client.Set(cfg.IFTTT.Key, cfg.IFTTT.Event); err != nil {
			return err
		}
		ok, err := expectLine(ctx, s.link, atlink.TokenOK, 2*cfg.Link.CommandTimeout, func() error {
			return client.Post(values[0], values[1], values[2])
		})
		if err != nil {
			return err
		}
		if !ok {
			log.Warn("webhook not acknowledged", "event", cfg.IFTTT.Event)
		}
		fmt.Printf("Triggered %s\n", cfg.IFTTT.Event)
		return nil
	})
}

// expectLine arms a waiter for key, runs send and waits for a line
// containing key. Arming first means a fast reply cannot be missed.
func expectLine(ctx context.Context, link *atlink.Link, key string, timeout time.Duration, send func() error) (bool, error) {
	table := link.Table()
	w := table.RegisterOneShot(key)
	defer table.RemoveWaiter(w)

	if err := send(); err != nil {
		return false, err
	}

	select {
	case <-w.Done():
		return true, nil
	case <-link.Clock().After(timeout):
		_, ok := w.Line()
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
