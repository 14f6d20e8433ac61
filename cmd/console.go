// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/atlink/pkg/atlink"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive AT command console",
	Long: `Type AT commands and see every line the module sends, including
unsolicited notifications, while the link keeps multiplexing.

Lines starting with AT are sent as commands and wait for OK. Type 'help'
for the console commands.`,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

type console struct {
	link *atlink.Link
	rl   *readline.Instance
	out  io.Writer
}

func runConsole(cmd *cobra.Command, args []string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "at> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return errors.Annotate(err, "creating readline")
	}
	defer rl.Close()

	return withSession(cmd, func(ctx context.Context, s *session) error {
		c := &console{link: s.link, rl: rl, out: rl.Stdout()}

		clk := s.link.Clock()
		s.link.RegisterHandler("", func(line string) {
			if atlink.Classify(line) != atlink.LineEmpty {
				fmt.Fprintln(c.out, atlink.FormatLine(clk.Now(), line))
			}
		})

		fmt.Fprintf(c.out, "Connection: %s\n", s.info)
		c.printHelp()

		// Readline cannot be cancelled; closing it unblocks the loop
		go func() {
			<-ctx.Done()
			rl.Close()
		}()
		return c.run(ctx)
	})
}

func (c *console) run(ctx context.Context) error {
	for {
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			return nil
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(strings.ToUpper(input), "AT") {
			c.call(ctx, input, atlink.TokenOK)
			continue
		}

		parts := strings.Fields(input)
		switch strings.ToLower(parts[0]) {
		case "help", "?":
			c.printHelp()

		case "expect", "e":
			// expect <token> <command...>
			if len(parts) < 3 {
				fmt.Fprintln(c.out, "Usage: expect <token> <command>")
				continue
			}
			c.expect(ctx, parts[1], strings.Join(parts[2:], " "))

		case "send", "s":
			if len(parts) < 2 {
				fmt.Fprintln(c.out, "Usage: send <text>")
				continue
			}
			if err := c.link.Send(strings.Join(parts[1:], " ")); err != nil {
				fmt.Fprintf(c.out, "Send failed: %v\n", err)
			}

		case "stats":
			stats := c.link.Stats()
			fmt.Fprint(c.out, stats.String())

		case "pending":
			fmt.Fprintf(c.out, "Subscriptions: %s\n", strings.Join(c.link.Table().Keys(), ", "))

		case "quit", "exit", "q":
			fmt.Fprintln(c.out, "Exiting...")
			return nil

		default:
			fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", parts[0])
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// call sends command and reports whether a line containing expect arrived
func (c *console) call(ctx context.Context, command, expect string) {
	if _, ok := c.link.SendCustomCommand(ctx, command, expect, cfg.Link.CommandTimeout); !ok {
		fmt.Fprintf(c.out, "-- no %q within %v\n", expect, cfg.Link.CommandTimeout)
	}
}

// expect is call with a token chosen by the user. A token already
// registered is refused: the call's waiter would replace that subscription
// and remove it on return.
func (c *console) expect(ctx context.Context, token, command string) {
	if c.link.Table().Has(token) {
		fmt.Fprintf(c.out, "-- %q is already subscribed, pick a different token\n", token)
		return
	}
	c.call(ctx, command, token)
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out, `
Commands:
  AT...                    Send an AT command and wait for OK
  expect <token> <cmd>     Send cmd and wait for a line containing token
  send <text>              Send text without waiting
  stats                    Show link statistics
  pending                  Show active subscriptions
  help                     Show this help
  quit                     Exit`)
}
