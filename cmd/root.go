// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Thermoquad/atlink/pkg/config"
	"github.com/Thermoquad/atlink/pkg/logging"
)

const version = "0.3.0"

var (
	configPath string

	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	logLevel  string
	logFormat string

	cfg *config.Config
	log *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "atlink",
	Short: "AT command link tool for ESP-AT WiFi modules",
	Long: `atlink - drive an ESP-AT WiFi module over its AT command link.

Multiplexes blocking commands and unsolicited notifications over one serial
line, and builds WiFi, MQTT and cloud service sessions on top of it.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

Settings are read from --config (YAML) and ATLINK_* environment variables;
flags override both. For WebSocket authentication, the password is read from
the ATLINK_PASSWORD environment variable, or prompted interactively if not
set. There is no --password flag to keep credentials out of shell history.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (YAML)")

	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json)")
}

// loadConfig merges the config file, environment and flags, then builds the
// logger
func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		loaded.Connection.Port = portName
	}
	if flags.Changed("baud") {
		loaded.Connection.Baud = baudRate
	}
	if flags.Changed("url") {
		loaded.Connection.URL = wsURL
	}
	if flags.Changed("username") {
		loaded.Connection.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		loaded.Connection.NoSSLVerify = wsNoSSLVerify
	}
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	if logFormat != "" {
		loaded.Logging.Format = logFormat
	}

	cfg = loaded
	log = logging.New(cfg.Logging, version)
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
