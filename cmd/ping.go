// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/atlink/pkg/atlink"
)

var (
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure command round trips to the module",
	Long: `Send AT repeatedly and time each OK, then report the module firmware.

This is useful for verifying:
  - the serial or WebSocket connection carries traffic both ways
  - the module is not stuck in a busy state
  - the round trip time of the bridge

Exit codes:
  0 - All pings answered
  1 - One or more pings timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 1, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.close()

	fmt.Printf("atlink - Ping\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	ctx, cancel := commandContext(cmd)
	defer cancel()

	successCount := 0
	failCount := 0
	timeout := time.Duration(pingTimeout) * time.Second

	err = s.run(ctx, func(ctx context.Context) error {
		clk := s.link.Clock()
		for i := 1; i <= pingCount; i++ {
			fmt.Printf("Ping %d/%d: ", i, pingCount)

			start := clk.Now()
			if _, ok := s.link.Call(ctx, "AT", atlink.TokenOK, timeout); ok {
				fmt.Printf("OK, rtt=%v\n", clk.Now().Sub(start).Round(time.Millisecond))
				successCount++
			} else {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fmt.Printf("TIMEOUT (no response in %v)\n", timeout)
				failCount++
			}

			if i < pingCount {
				select {
				case <-clk.After(100 * time.Millisecond):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		if successCount > 0 {
			printFirmware(ctx, s.link, timeout)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}

// printFirmware prints the AT firmware version line
func printFirmware(ctx context.Context, link *atlink.Link, timeout time.Duration) {
	line, ok := link.Call(ctx, "AT+GMR", "AT version:", timeout)
	if !ok {
		return
	}
	fmt.Printf("Firmware: %s\n", strings.TrimPrefix(line, "AT version:"))
}
