// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/atlink/pkg/atlink"
)

const cwlapPrefix = "+CWLAP:"

var scanTimeout int

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List the access points the module can see",
	Long: `Ask the module for nearby access points (AT+CWLAP) and list them by
signal strength.

The module must be in station mode; run "atlink wifi reset" first if the scan
returns ERROR.

Exit codes:
  0 - At least one access point found
  1 - No access points or timeout
  2 - Connection error`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().IntVar(&scanTimeout, "timeout", 10, "Timeout in seconds for the scan")
}

var encryptionNames = []string{"OPEN", "WEP", "WPA_PSK", "WPA2_PSK", "WPA_WPA2_PSK", "WPA2_ENTERPRISE", "WPA3_PSK", "WPA2_WPA3_PSK"}

type accessPoint struct {
	encryption int
	ssid       string
	rssi       int
	mac        string
	channel    int
}

func (ap accessPoint) encryptionName() string {
	if ap.encryption >= 0 && ap.encryption < len(encryptionNames) {
		return encryptionNames[ap.encryption]
	}
	return "UNKNOWN"
}

// splitQuoted splits s on commas outside double quotes and strips the quotes
func splitQuoted(s string) []string {
	var fields []string
	var field strings.Builder
	quoted, escaped := false, false

	for _, r := range s {
		switch {
		case escaped:
			field.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			fields = append(fields, field.String())
			field.Reset()
		default:
			field.WriteRune(r)
		}
	}
	return append(fields, field.String())
}

// parseAccessPoint parses +CWLAP:(<ecn>,"<ssid>",<rssi>,"<mac>",<channel>,...)
func parseAccessPoint(line string) (accessPoint, error) {
	i := strings.Index(line, cwlapPrefix)
	if i < 0 {
		return accessPoint{}, errors.NotValidf("scan line %q", line)
	}
	body := strings.TrimSpace(line[i+len(cwlapPrefix):])
	body = strings.TrimSuffix(strings.TrimPrefix(body, "("), ")")

	fields := splitQuoted(body)
	if len(fields) < 5 {
		return accessPoint{}, errors.NotValidf("scan line with %d fields", len(fields))
	}

	var ap accessPoint
	var err error
	if ap.encryption, err = strconv.Atoi(fields[0]); err != nil {
		return accessPoint{}, errors.NotValidf("encryption %q", fields[0])
	}
	ap.ssid = fields[1]
	if ap.rssi, err = strconv.Atoi(fields[2]); err != nil {
		return accessPoint{}, errors.NotValidf("rssi %q", fields[2])
	}
	ap.mac = fields[3]
	if ap.channel, err = strconv.Atoi(fields[4]); err != nil {
		return accessPoint{}, errors.NotValidf("channel %q", fields[4])
	}
	return ap, nil
}

// scanAccessPoints runs AT+CWLAP and returns the access points by signal
// strength, and whether the module finished the scan in time
func scanAccessPoints(ctx context.Context, link *atlink.Link, timeout time.Duration) ([]accessPoint, bool) {
	var mu sync.Mutex
	var found []accessPoint

	link.RegisterHandler(cwlapPrefix, func(line string) {
		ap, err := parseAccessPoint(line)
		if err != nil {
			log.Debug("unparsed scan line", "line", line, "err", err)
			return
		}
		mu.Lock()
		found = append(found, ap)
		mu.Unlock()
	})
	defer link.RemoveHandler(cwlapPrefix)

	_, completed := link.Call(ctx, "AT+CWLAP", atlink.TokenOK, timeout)

	mu.Lock()
	defer mu.Unlock()
	sort.SliceStable(found, func(i, j int) bool { return found[i].rssi > found[j].rssi })
	return found, completed
}

func runScan(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.close()

	fmt.Printf("atlink - Access Point Scan\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Timeout: %d seconds\n\n", scanTimeout)

	ctx, cancel := commandContext(cmd)
	defer cancel()

	var found []accessPoint
	completed := false

	err = s.run(ctx, func(ctx context.Context) error {
		found, completed = scanAccessPoints(ctx, s.link, time.Duration(scanTimeout)*time.Second)
		return nil
	})
	if err != nil {
		fmt.Printf("READ FAILED: %v\n", err)
		os.Exit(2)
	}

	for _, ap := range found {
		fmt.Printf("%-32s %4d dBm  ch %2d  %s  %s\n", ap.ssid, ap.rssi, ap.channel, ap.mac, ap.encryptionName())
	}

	fmt.Printf("\n--- Scan summary ---\n")
	fmt.Printf("Access points found: %d\n", len(found))
	if !completed {
		fmt.Printf("TIMEOUT: scan did not complete in %ds\n", scanTimeout)
	}
	if len(found) == 0 {
		os.Exit(1)
	}
	return nil
}
