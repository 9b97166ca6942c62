package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultAwaitBackstop is the coarse polling interval used while waiting on
// the signal, guarding against a missed notification.
const DefaultAwaitBackstop = 5 * time.Second

// signalValue is the immutable boolean+timestamp pair published atomically.
type signalValue struct {
	available bool
	checkedAt time.Time
}

// AvailabilitySignal is the single process-wide flag indicating whether the
// upstream model service is currently usable. It is mutated by exactly one
// writer (the availability monitor) and read by every execution unit, so reads
// are lock-free atomic loads; only the write path takes a lock to coordinate
// waiter notification.
type AvailabilitySignal struct {
	state atomic.Pointer[signalValue]

	mu     sync.Mutex
	notify chan struct{} // closed and replaced on a false->true flip
}

// NewAvailabilitySignal creates a signal with the given initial value.
func NewAvailabilitySignal(available bool) *AvailabilitySignal {
	s := &AvailabilitySignal{notify: make(chan struct{})}
	s.state.Store(&signalValue{available: available, checkedAt: time.Now().UTC()})
	return s
}

// IsAvailable reports the current signal value without blocking.
func (s *AvailabilitySignal) IsAvailable() bool {
	return s.state.Load().available
}

// LastChecked returns the timestamp of the most recent signal update.
func (s *AvailabilitySignal) LastChecked() time.Time {
	return s.state.Load().checkedAt
}

// Set publishes a new signal value. Only the monitor may call Set. A
// false->true transition wakes everything blocked in AwaitAvailable.
func (s *AvailabilitySignal) Set(available bool, checkedAt time.Time) {
	if checkedAt.IsZero() {
		checkedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state.Load().available
	s.state.Store(&signalValue{available: available, checkedAt: checkedAt})

	if !prev && available {
		close(s.notify)
		s.notify = make(chan struct{})
	}
}

// waitChan returns the channel that will be closed on the next false->true flip.
func (s *AvailabilitySignal) waitChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

// AwaitAvailable blocks until the signal is true or ctx is cancelled. It is
// event-driven via the notify channel with a coarse polling backstop so a
// missed notification can never strand a waiter.
func (s *AvailabilitySignal) AwaitAvailable(ctx context.Context, backstop time.Duration) error {
	if backstop <= 0 {
		backstop = DefaultAwaitBackstop
	}

	for {
		if s.IsAvailable() {
			return nil
		}

		ch := s.waitChan()

		// Re-check after grabbing the channel: the flip may have happened
		// between the load above and the channel fetch.
		if s.IsAvailable() {
			return nil
		}

		timer := time.NewTimer(backstop)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
	}
}
