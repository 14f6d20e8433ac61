// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package atlink

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_SetReportsChange(t *testing.T) {
	s := NewSignal(false)

	assert.False(t, s.Set(false))
	assert.True(t, s.Set(true))
	assert.True(t, s.Get())
	assert.False(t, s.Set(true))
}

func TestSignal_WaitAlreadySatisfied(t *testing.T) {
	clk := testclock.NewClock(time.Time{})
	s := NewSignal(true)

	assert.True(t, s.Wait(context.Background(), clk, true, time.Second))
}

func TestSignal_WaitWokenBySet(t *testing.T) {
	clk := testclock.NewClock(time.Time{})
	s := NewSignal(false)

	done := make(chan bool, 1)
	go func() { done <- s.Wait(context.Background(), clk, true, 7*time.Second) }()

	// Once the timer exists the waiter is parked
	require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))
	s.Set(true)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestSignal_WaitTimesOut(t *testing.T) {
	clk := testclock.NewClock(time.Time{})
	s := NewSignal(false)

	done := make(chan bool, 1)
	go func() { done <- s.Wait(context.Background(), clk, true, 7*time.Second) }()

	require.NoError(t, clk.WaitAdvance(7*time.Second, time.Second, 1))

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("wait did not time out")
	}
}

func TestSignal_WaitCancelled(t *testing.T) {
	clk := testclock.NewClock(time.Time{})
	s := NewSignal(false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, s.Wait(ctx, clk, true, time.Hour))
}
