// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/atlink/pkg/wifi"
)

var wifiSSID string

var wifiCmd = &cobra.Command{
	Use:   "wifi",
	Short: "Manage the module's WiFi station",
}

var wifiJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join an access point, resetting the module between failed attempts",
	Long: `Join the configured access point. If the module does not report an address
within the join window it is reset (restore, reboot, station mode, SNTP) and
the join is retried, up to wifi.retries times.

The password is taken from wifi.password or ATLINK_WIFI_PASSWORD, or
prompted for if neither is set.`,
	RunE: runWiFiJoin,
}

var wifiResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore and reboot the module into station mode",
	RunE:  runWiFiReset,
}

func init() {
	rootCmd.AddCommand(wifiCmd)
	wifiCmd.AddCommand(wifiJoinCmd, wifiResetCmd)
	wifiCmd.PersistentFlags().StringVar(&wifiSSID, "ssid", "", "Access point name (overrides wifi.ssid)")
}

func newStation(s *session) (*wifi.Station, error) {
	return wifi.NewStation(s.link, wifi.Config{
		Retries:    cfg.WiFi.Retries,
		JoinWindow: cfg.WiFi.JoinWindow,
		Logger:     log.Component("wifi"),
	})
}

// wifiCredentials resolves the access point, prompting for a missing password
func wifiCredentials() (wifi.Credentials, error) {
	creds := wifi.Credentials{SSID: cfg.WiFi.SSID, Password: cfg.WiFi.Password}
	if wifiSSID != "" {
		creds.SSID = wifiSSID
	}
	if creds.SSID == "" {
		return creds, errors.NotValidf("wifi: no SSID (set wifi.ssid or --ssid)")
	}
	if creds.Password == "" {
		pw, err := promptSecret(fmt.Sprintf("Password for %s: ", creds.SSID))
		if err != nil {
			return creds, err
		}
		creds.Password = pw
	}
	return creds, creds.Validate()
}

// ensureWiFi joins the configured access point. Without an SSID the module
// is assumed to be associated already.
func ensureWiFi(ctx context.Context, s *session) error {
	if cfg.WiFi.SSID == "" && wifiSSID == "" {
		log.Info("no SSID configured, assuming the module is associated")
		return nil
	}

	creds, err := wifiCredentials()
	if err != nil {
		return err
	}
	station, err := newStation(s)
	if err != nil {
		return err
	}

	ok, err := station.Connect(ctx, creds)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("could not join %s after %d resets", creds.SSID, station.Resets())
	}
	return nil
}

func runWiFiJoin(cmd *cobra.Command, args []string) error {
	creds, err := wifiCredentials()
	if err != nil {
		return err
	}

	return withSession(cmd, func(ctx context.Context, s *session) error {
		station, err := newStation(s)
		if err != nil {
			return err
		}
		defer station.Close()

		fmt.Printf("Joining %s via %s...\n", creds.SSID, s.info)
		ok, err := station.Connect(ctx, creds)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("could not join %s after %d resets", creds.SSID, station.Resets())
		}
		fmt.Printf("Connected to %s (%d resets)\n", creds.SSID, station.Resets())
		return nil
	})
}

func runWiFiReset(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		station, err := newStation(s)
		if err != nil {
			return err
		}
		defer station.Close()

		fmt.Printf("Resetting module via %s...\n", s.info)
		if err := station.Reset(ctx); err != nil {
			return err
		}
		fmt.Printf("Module reset, state %s\n", station.State())
		return nil
	})
}
