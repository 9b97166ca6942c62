package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailabilitySignal(t *testing.T) {
	t.Run("initial value", func(t *testing.T) {
		assert.True(t, NewAvailabilitySignal(true).IsAvailable())
		assert.False(t, NewAvailabilitySignal(false).IsAvailable())
	})

	t.Run("set updates value and timestamp", func(t *testing.T) {
		s := NewAvailabilitySignal(true)
		ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		s.Set(false, ts)

		assert.False(t, s.IsAvailable())
		assert.Equal(t, ts, s.LastChecked())
	})

	t.Run("await returns immediately when available", func(t *testing.T) {
		s := NewAvailabilitySignal(true)
		require.NoError(t, s.AwaitAvailable(context.Background(), time.Second))
	})

	t.Run("flip wakes waiter", func(t *testing.T) {
		s := NewAvailabilitySignal(false)

		done := make(chan error, 1)
		go func() {
			done <- s.AwaitAvailable(context.Background(), time.Minute)
		}()

		// Give the waiter a moment to block, then flip.
		time.Sleep(20 * time.Millisecond)
		s.Set(true, time.Now().UTC())

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter was not woken by the signal flip")
		}
	})

	t.Run("context cancellation unblocks", func(t *testing.T) {
		s := NewAvailabilitySignal(false)
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- s.AwaitAvailable(ctx, time.Minute)
		}()

		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter was not unblocked by cancellation")
		}
	})
}
