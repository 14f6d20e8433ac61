// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/atlink/pkg/atlink"
)

var (
	rawLogHideEcho bool
	rawLogURCOnly  bool
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display every line from the module, classified",
	Long: `Continuously print each line the module emits with a timestamp and its
class: final result, unsolicited notification (URC), data, echo or prompt.

Combine with --record to capture the session, or --replay to inspect a
previous capture.

Supports serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().BoolVar(&rawLogHideEcho, "hide-echo", false, "Hide command echo lines")
	rawLogCmd.Flags().BoolVar(&rawLogURCOnly, "urc-only", false, "Only show unsolicited notifications")
}

// showLine reports whether a line of class t passes the raw_log filters
func showLine(t atlink.LineType) bool {
	switch {
	case t == atlink.LineEmpty:
		return false
	case rawLogURCOnly:
		return t == atlink.LineURC
	case rawLogHideEcho:
		return t != atlink.LineEcho
	}
	return true
}

func runRawLog(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		fmt.Printf("atlink - Raw Line Log\n")
		fmt.Printf("Connection: %s\n", s.info)
		fmt.Printf("Press Ctrl+C to exit\n\n")

		clk := s.link.Clock()
		s.link.RegisterHandler("", func(line string) {
			if showLine(atlink.Classify(line)) {
				fmt.Println(atlink.FormatLine(clk.Now(), line))
			}
		})

		<-ctx.Done()

		stats := s.link.Stats()
		fmt.Println()
		fmt.Print(stats.String())
		return ctx.Err()
	})
}
