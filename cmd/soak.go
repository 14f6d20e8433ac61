// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/atlink/pkg/atlink"
)

var soakCmd = &cobra.Command{
	Use:   "soak",
	Short: "Test link stability over a period of time",
	Long: `Keep the link open for a fixed duration, sending AT once per second and
logging every unanswered call or connection error.

Useful for debugging connection stability issues on long serial runs or
flaky WebSocket bridges.

Exit codes:
  0 - Test completed without errors
  1 - Test failed
  2 - Connection error`,
	RunE: runSoak,
}

var soakDuration int

func init() {
	rootCmd.AddCommand(soakCmd)
	soakCmd.Flags().IntVar(&soakDuration, "duration", 30, "Test duration in seconds")
}

func runSoak(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.close()

	fmt.Printf("Link Stability Test\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Duration: %d seconds\n\n", soakDuration)

	ctx, cancel := commandContext(cmd)
	defer cancel()

	clk := s.link.Clock()
	var calls, missed int
	err = s.run(ctx, func(ctx context.Context) error {
		end := clk.Now().Add(time.Duration(soakDuration) * time.Second)
		for clk.Now().Before(end) {
			started := clk.Now()
			calls++
			if _, ok := s.link.Call(ctx, "AT", atlink.TokenOK, time.Second); !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				missed++
				fmt.Printf("[%s] No answer to AT\n", clk.Now().Format("15:04:05.000"))
			} else {
				remaining := end.Sub(clk.Now()).Seconds()
				fmt.Printf("[%s] Still connected... (%.0fs remaining)\n",
					clk.Now().Format("15:04:05.000"), remaining)
			}

			if wait := time.Second - clk.Now().Sub(started); wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-clk.After(wait):
				}
			}
		}
		return nil
	})

	stats := s.link.Stats()
	fmt.Printf("\n--- Test Results ---\n")
	fmt.Printf("Calls: %d (%d unanswered)\n", calls, missed)
	fmt.Printf("Lines received: %d\n", stats.Lines)
	fmt.Printf("Bytes in/out: %d / %d\n", stats.BytesIn, stats.BytesOut)
	fmt.Printf("Noise: %d dropped, %d poll errors, %d write errors\n",
		stats.DroppedChunks, stats.PollErrors, stats.WriteErrors)

	if err != nil {
		fmt.Fprintf(os.Stderr, "\n[%s] Connection error: %v\n", clk.Now().Format("15:04:05.000"), err)
		fmt.Printf("Result: FAILED (connection error)\n")
		os.Exit(1)
	}
	if missed > 0 || stats.Errors() > 0 {
		fmt.Printf("Result: FAILED (%d errors)\n", missed+int(stats.Errors()))
		os.Exit(1)
	}
	fmt.Printf("Result: PASSED (connection stable)\n")
	return nil
}
