// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package atlink_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/atlink/pkg/atlink"
	"github.com/Thermoquad/atlink/pkg/atlink/atlinktest"
)

const shortWait = time.Second

// ============================================================
// Helpers
// ============================================================

type callResult struct {
	line string
	ok   bool
}

func newTestLink(t *testing.T) (*atlink.Link, *atlinktest.Transport, *testclock.Clock) {
	t.Helper()

	tr := atlinktest.NewTransport()
	clk := testclock.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	link, err := atlink.New(tr, atlink.Config{Clock: clk})
	require.NoError(t, err)
	return link, tr, clk
}

func startCall(link *atlink.Link, command, expect string, timeout time.Duration) <-chan callResult {
	return startCallCtx(context.Background(), link, command, expect, timeout)
}

func startCallCtx(ctx context.Context, link *atlink.Link, command, expect string, timeout time.Duration) <-chan callResult {
	result := make(chan callResult, 1)
	go func() {
		line, ok := link.Call(ctx, command, expect, timeout)
		result <- callResult{line, ok}
	}()
	return result
}

func waitWritten(t *testing.T, tr *atlinktest.Transport, want string) {
	t.Helper()
	select {
	case got := <-tr.Written():
		require.Equal(t, want, got)
	case <-time.After(shortWait):
		t.Fatalf("command %q was never written", want)
	}
}

func waitResult(t *testing.T, result <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-result:
		return r
	case <-time.After(shortWait):
		t.Fatal("call did not return")
		return callResult{}
	}
}

type failingTransport struct{}

func (failingTransport) Poll() ([]byte, error)     { return nil, nil }
func (failingTransport) Write([]byte) (int, error) { return 0, errors.New("port gone") }

// ============================================================
// Construction
// ============================================================

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := atlink.New(nil, atlink.Config{})
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)

	_, err = atlink.New(atlinktest.NewTransport(), atlink.Config{PollInterval: -time.Millisecond})
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
}

func TestNew_Defaults(t *testing.T) {
	link, err := atlink.New(atlinktest.NewTransport(), atlink.Config{})
	require.NoError(t, err)
	assert.NotNil(t, link.Clock())
	assert.NotNil(t, link.Logger())
}

// ============================================================
// Call
// ============================================================

func TestCall_ResponseWithinWindow(t *testing.T) {
	link, tr, clk := newTestLink(t)

	result := startCall(link, "AT+X", "OK", 100*time.Millisecond)
	waitWritten(t, tr, "AT+X")

	require.NoError(t, clk.WaitAdvance(50*time.Millisecond, shortWait, 1))
	tr.FeedLine("OK")
	require.NoError(t, link.Service())

	r := waitResult(t, result)
	assert.True(t, r.ok)
	assert.Equal(t, "OK", r.line)
	assert.False(t, link.Table().Has("OK"), "waiter must be removed after success")
}

func TestCall_TimeoutRemovesWaiter(t *testing.T) {
	link, tr, clk := newTestLink(t)

	result := startCall(link, "AT+X", "OK", 100*time.Millisecond)
	waitWritten(t, tr, "AT+X")

	tr.FeedLine("ERROR")
	require.NoError(t, link.Service())
	require.NoError(t, clk.WaitAdvance(100*time.Millisecond, shortWait, 1))

	r := waitResult(t, result)
	assert.False(t, r.ok)
	assert.Empty(t, r.line)
	assert.False(t, link.Table().Has("OK"), "waiter must be removed after timeout")

	// A late OK must not resurrect anything
	assert.Equal(t, 0, link.Dispatch("OK"))
	assert.Equal(t, uint64(1), link.Stats().Timeouts)
}

func TestCall_WaiterRegisteredBeforeWrite(t *testing.T) {
	link, tr, _ := newTestLink(t)

	// The device answers synchronously inside Write
	tr.On("AT+GMR", "AT version:2.2.0.0", "OK")

	result := startCall(link, "AT+GMR", "AT version", time.Second)
	waitWritten(t, tr, "AT+GMR")
	require.NoError(t, link.Service())

	r := waitResult(t, result)
	assert.True(t, r.ok)
	assert.Equal(t, "AT version:2.2.0.0", r.line)
}

func TestCall_SameKeyCollision(t *testing.T) {
	link, tr, clk := newTestLink(t)

	first := startCall(link, "AT+A", "OK", 100*time.Millisecond)
	waitWritten(t, tr, "AT+A")
	second := startCall(link, "AT+B", "OK", 100*time.Millisecond)
	waitWritten(t, tr, "AT+B")

	tr.FeedLine("OK")
	require.NoError(t, link.Service())

	r := waitResult(t, second)
	assert.True(t, r.ok, "the later registration wins")

	require.NoError(t, clk.WaitAdvance(100*time.Millisecond, shortWait, 1))
	r = waitResult(t, first)
	assert.False(t, r.ok, "the earlier call times out")
	assert.False(t, link.Table().Has("OK"))
}

func TestCall_ContextCancelled(t *testing.T) {
	link, tr, _ := newTestLink(t)

	ctx, cancel := context.WithCancel(context.Background())
	result := startCallCtx(ctx, link, "AT+X", "OK", time.Hour)
	waitWritten(t, tr, "AT+X")
	cancel()

	r := waitResult(t, result)
	assert.False(t, r.ok)
	assert.False(t, link.Table().Has("OK"))
}

func TestCall_WriteFailure(t *testing.T) {
	link, err := atlink.New(failingTransport{}, atlink.Config{})
	require.NoError(t, err)

	_, ok := link.Call(context.Background(), "AT", "OK", time.Second)
	assert.False(t, ok)
	assert.False(t, link.Table().Has("OK"))
	assert.Equal(t, uint64(1), link.Stats().WriteErrors)
}

func TestSendCustomCommand(t *testing.T) {
	link, tr, _ := newTestLink(t)
	tr.On("AT+CIPSTA?", `+CIPSTA:ip:"192.168.1.20"`, "OK")

	result := make(chan callResult, 1)
	go func() {
		line, ok := link.SendCustomCommand(context.Background(), "AT+CIPSTA?", "+CIPSTA:ip", time.Second)
		result <- callResult{line, ok}
	}()
	waitWritten(t, tr, "AT+CIPSTA?")
	require.NoError(t, link.Service())

	r := waitResult(t, result)
	assert.True(t, r.ok)
	assert.Equal(t, `+CIPSTA:ip:"192.168.1.20"`, r.line)
}

// ============================================================
// Send / handlers / servicing
// ============================================================

func TestSend_AppendsTerminator(t *testing.T) {
	link, tr, _ := newTestLink(t)

	require.NoError(t, link.Send("AT+RST"))
	assert.Equal(t, []string{"AT+RST"}, tr.Writes())
	assert.Equal(t, uint64(len("AT+RST\r\n")), link.Stats().BytesOut)
}

func TestService_DispatchesChunkedLines(t *testing.T) {
	link, tr, _ := newTestLink(t)

	var got []string
	link.RegisterHandler("WIFI", func(line string) { got = append(got, line) })

	tr.Feed("WIFI CONN")
	tr.Feed("ECTED\r\nWIFI GOT")
	tr.Feed(" IP\r\n")
	for i := 0; i < 3; i++ {
		require.NoError(t, link.Service())
	}

	assert.Equal(t, []string{"WIFI CONNECTED", "WIFI GOT IP"}, got)

	link.RemoveHandler("WIFI")
	tr.FeedLine("WIFI DISCONNECT")
	require.NoError(t, link.Service())
	assert.Len(t, got, 2)
}

func TestService_PollErrorsAreNoise(t *testing.T) {
	link, tr, _ := newTestLink(t)
	tr.FailPolls(errors.New("framing error"))

	for i := 0; i < 5; i++ {
		require.NoError(t, link.Service())
	}
	assert.Equal(t, uint64(5), link.Stats().PollErrors)

	// Still serviceable afterwards
	tr.FailPolls(nil)
	tr.FeedLine("OK")
	require.NoError(t, link.Service())
	assert.Equal(t, uint64(1), link.Stats().Lines)
}

func TestService_UndecodableChunkCounted(t *testing.T) {
	link, tr, _ := newTestLink(t)

	tr.FeedBytes([]byte{0xff, 0xfe, '\r', '\n'})
	require.NoError(t, link.Service())

	stats := link.Stats()
	assert.Equal(t, uint64(1), stats.DroppedChunks)
	assert.Zero(t, stats.Lines)
}

func TestService_CallSucceedsAfterLineNoise(t *testing.T) {
	link, tr, _ := newTestLink(t)

	// A stray lead byte, then a chunk that cannot complete it
	tr.FeedBytes([]byte("ready\r\n\xe2"))
	tr.Feed("\r\n")
	for i := 0; i < 2; i++ {
		require.NoError(t, link.Service())
	}
	require.Equal(t, uint64(1), link.Stats().DroppedChunks)

	result := startCall(link, "AT", "OK", time.Second)
	waitWritten(t, tr, "AT")
	tr.FeedLine("OK")
	require.NoError(t, link.Service())

	r := waitResult(t, result)
	assert.True(t, r.ok)
	assert.Equal(t, "OK", r.line)
}

func TestService_HandlerPanicCounted(t *testing.T) {
	link, tr, _ := newTestLink(t)
	link.RegisterHandler("ready", func(string) { panic("handler bug") })

	tr.FeedLine("ready")
	require.NoError(t, link.Service())
	assert.Equal(t, uint64(1), link.Stats().HandlerPanics)
}

func TestRun_StopsOnTransportClosed(t *testing.T) {
	tr := atlinktest.NewTransport()
	link, err := atlink.New(tr, atlink.Config{PollInterval: time.Millisecond})
	require.NoError(t, err)

	lines := make(chan string, 4)
	link.RegisterHandler("", func(line string) { lines <- line })

	tr.FeedLine("ready")
	tr.FeedLine("OK")
	require.NoError(t, tr.Close())

	done := make(chan error, 1)
	go func() { done <- link.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, atlink.ErrTransportClosed), "got %v", err)
	case <-time.After(shortWait):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, "ready", <-lines)
	assert.Equal(t, "OK", <-lines)
}

func TestRun_StopsOnContext(t *testing.T) {
	link, err := atlink.New(atlinktest.NewTransport(), atlink.Config{PollInterval: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(shortWait):
		t.Fatal("Run did not stop")
	}
}

func TestStats(t *testing.T) {
	link, tr, _ := newTestLink(t)
	link.RegisterHandler("OK", func(string) {})

	tr.Feed("OK\r\nnoise\r\n")
	require.NoError(t, link.Service())

	stats := link.Stats()
	assert.Equal(t, uint64(2), stats.Lines)
	assert.Equal(t, uint64(1), stats.Matched)
	assert.Equal(t, uint64(1), stats.Unmatched)
	assert.Equal(t, uint64(11), stats.BytesIn)
	assert.Contains(t, stats.String(), "Link Statistics")

	link.ResetStats()
	assert.Zero(t, link.Stats().Lines)
}
