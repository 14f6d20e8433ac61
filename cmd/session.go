// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/atlink/pkg/atlink"
	"github.com/Thermoquad/atlink/pkg/capture"
)

var (
	recordPath string
	replayPath string
	replayFast bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&recordPath, "record", "", "Record link traffic to a capture file")
	rootCmd.PersistentFlags().StringVar(&replayPath, "replay", "", "Play back a capture file instead of connecting")
	rootCmd.PersistentFlags().BoolVar(&replayFast, "replay-fast", false, "Play back without the recorded timing")
}

// session is a running link to the module
type session struct {
	link    *atlink.Link
	info    string
	stream  *atlink.StreamTransport
	closers []io.Closer
}

// openSession connects to the module, or opens the replay file, and builds
// a link on top
func openSession() (*session, error) {
	s := &session{}

	var transport atlink.Transport
	if replayPath != "" {
		f, err := os.Open(replayPath)
		if err != nil {
			return nil, errors.Annotate(err, "opening capture")
		}
		s.closers = append(s.closers, f)
		transport = capture.NewReplay(f, nil, replayFast)
		s.info = fmt.Sprintf("Replay: %s", replayPath)
	} else {
		conn, info, err := OpenConnection(cfg.Connection)
		if err != nil {
			return nil, err
		}
		s.stream = atlink.NewStreamTransport(conn)
		s.closers = append(s.closers, s.stream)
		transport = s.stream
		s.info = info
	}

	if recordPath != "" {
		f, err := os.Create(recordPath)
		if err != nil {
			s.close()
			return nil, errors.Annotate(err, "creating capture")
		}
		s.closers = append(s.closers, f)
		transport = capture.NewRecorder(transport, f, nil)
	}

	link, err := atlink.New(transport, atlink.Config{
		PollInterval: cfg.Link.PollInterval,
		Logger:       log.Component("link"),
	})
	if err != nil {
		s.close()
		return nil, errors.Trace(err)
	}
	s.link = link
	return s, nil
}

// close releases the transport and capture files, most recent first
func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i].Close()
	}
}

// run services the link while fn runs. The link stops when fn returns; fn's
// context is cancelled if the link fails.
func (s *session) run(ctx context.Context, fn func(ctx context.Context) error) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := s.link.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if errors.Is(err, atlink.ErrTransportClosed) && s.stream != nil && s.stream.Cause() != nil {
			return errors.Annotate(s.stream.Cause(), "connection lost")
		}
		return err
	})
	g.Go(func() error {
		defer stop()
		return fn(gctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// commandContext is cancelled on SIGINT or SIGTERM
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// withSession opens a session, runs fn on it and closes it
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	return s.run(ctx, func(ctx context.Context) error {
		return fn(ctx, s)
	})
}
