// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/atlink/pkg/atlink"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch link health, notifications and errors",
	Long: `Track link traffic, unsolicited notifications and failures with statistics.

This command follows the module and reports:
  - WiFi and MQTT state changes announced by the module
  - ERROR, FAIL and busy results
  - Undecodable chunks, poll and write errors, handler panics
  - Statistics and trends (line rate, error rate, response rate)

By default only notifications and failures are displayed. Use --show-all to
display every line.

In TUI mode commands can be typed at the prompt and are sent on the link.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all lines (not just notifications and errors)")
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	monitorCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

// notable reports whether a line is shown when not showing everything
func notable(line string) bool {
	switch atlink.Classify(line) {
	case atlink.LineURC:
		return true
	case atlink.LineFinal:
		return line != atlink.TokenOK && line != atlink.TokenSendOK
	}
	return false
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if statsInterval <= 0 {
		return errors.NotValidf("stats interval %d", statsInterval)
	}

	return withSession(cmd, func(ctx context.Context, s *session) error {
		if useTUI {
			return runTUIMode(ctx, s)
		}
		return runTextMode(ctx, s)
	})
}

// runTUIMode runs the monitor as a terminal UI until the user quits
func runTUIMode(ctx context.Context, s *session) error {
	m := initialModel(ctx, s.link, s.info, statsInterval, showAll)
	p := tea.NewProgram(m)

	clk := s.link.Clock()
	s.link.RegisterHandler("", func(line string) {
		if line != "" {
			p.Send(lineMsg{at: clk.Now(), line: line})
		}
	})
	defer s.link.RemoveHandler("")

	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		return errors.Annotate(err, "TUI error")
	}
	return nil
}

// runTextMode prints notable lines and periodic statistics
func runTextMode(ctx context.Context, s *session) error {
	fmt.Printf("atlink - Link Monitor\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All lines\n")
	} else {
		fmt.Printf("Mode: Notifications and errors\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	clk := s.link.Clock()
	s.link.RegisterHandler("", func(line string) {
		if line == "" {
			return
		}
		if showAll || notable(line) {
			fmt.Println(atlink.FormatLine(clk.Now(), line))
		}
	})
	defer s.link.RemoveHandler("")

	interval := time.Duration(statsInterval) * time.Second
	timer := clk.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Chan():
			stats := s.link.Stats()
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()
			timer.Reset(interval)
		}
	}
}
