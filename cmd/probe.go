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

var probeTimeout int

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Test the connection by waiting for the module to answer AT",
	Long: `Send AT once per second until the module answers OK or the timeout expires.

Lines received before the first OK are counted but otherwise ignored, so a
module still printing its boot banner is handled.

Exit codes:
  0 - Module answered before timeout
  1 - Timeout reached without an answer
  2 - Connection error`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().IntVar(&probeTimeout, "timeout", 10, "Timeout in seconds to wait for an answer")
}

func runProbe(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.close()

	fmt.Printf("atlink - Probe\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Timeout: %d seconds\n", probeTimeout)
	fmt.Printf("Waiting for the module to answer AT...\n\n")

	ctx, cancel := commandContext(cmd)
	defer cancel()

	answered := false
	err = s.run(ctx, func(ctx context.Context) error {
		deadline := s.link.Clock().Now().Add(time.Duration(probeTimeout) * time.Second)
		for s.link.Clock().Now().Before(deadline) {
			if _, ok := s.link.Call(ctx, "AT", atlink.TokenOK, time.Second); ok {
				answered = true
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)
	}

	if !answered {
		fmt.Fprintf(os.Stderr, "TIMEOUT: No answer within %d seconds\n", probeTimeout)
		os.Exit(1)
	}

	stats := s.link.Stats()
	fmt.Printf("SUCCESS: Module answered\n")
	fmt.Printf("  Lines received: %d\n", stats.Lines)
	fmt.Printf("  Bytes in/out: %d / %d\n", stats.BytesIn, stats.BytesOut)
	return nil
}
