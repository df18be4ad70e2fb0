// Package stream provides the per-edge synchronization primitive, the
// bounded bar queues and the live market-data feed.
package stream

import (
	"sync"
	"sync/atomic"
	"time"
)

// GateMode selects how WaitReady behaves
type GateMode int

const (
	// GateLive never blocks; the wall clock is the pacer
	GateLive GateMode = iota
	// GateClockDriven waits up to the timeout and counts overruns
	GateClockDriven
	// GateDataDriven waits indefinitely for the downstream signal
	GateDataDriven
)

// String returns the mode name
func (m GateMode) String() string {
	switch m {
	case GateLive:
		return "live"
	case GateClockDriven:
		return "clock_driven"
	case GateDataDriven:
		return "data_driven"
	}
	return "unknown"
}

// Subscription is a one-shot readiness gate between two workers.
// The upstream calls WaitReady before producing the next tick; the
// downstream calls SignalReady when it has finished the current one.
// SignalReady is one-shot: Reset must run before the next cycle.
type Subscription struct {
	name     string
	mode     GateMode
	ready    chan struct{}
	closed   chan struct{}
	stopOnce sync.Once
	overruns atomic.Uint64
}

// NewSubscription creates a gate in the given mode
func NewSubscription(name string, mode GateMode) *Subscription {
	return &Subscription{
		name:   name,
		mode:   mode,
		ready:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Name returns the gate name
func (s *Subscription) Name() string { return s.name }

// Mode returns the gate mode
func (s *Subscription) Mode() GateMode { return s.mode }

// SignalReady marks the gate ready. Duplicate signals before a Reset
// coalesce into one.
func (s *Subscription) SignalReady() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Reset drains a pending ready signal so the next WaitReady blocks
func (s *Subscription) Reset() {
	select {
	case <-s.ready:
	default:
	}
}

// WaitReady blocks until the gate is signalled.
//
// Live mode returns true immediately. Clock-driven mode waits up to
// the timeout; on expiry it increments the overrun counter and returns
// false. Data-driven mode ignores the timeout and waits until
// SignalReady or Close.
func (s *Subscription) WaitReady(timeout time.Duration) bool {
	switch s.mode {
	case GateLive:
		return true

	case GateDataDriven:
		select {
		case <-s.ready:
			return true
		case <-s.closed:
			return false
		}

	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-s.ready:
			return true
		case <-s.closed:
			return false
		case <-timer.C:
			s.overruns.Add(1)
			return false
		}
	}
}

// Overruns returns how many times WaitReady expired
func (s *Subscription) Overruns() uint64 {
	return s.overruns.Load()
}

// Close releases all current and future waiters with false
func (s *Subscription) Close() {
	s.stopOnce.Do(func() {
		close(s.closed)
	})
}

// Closed reports whether the gate has been closed
func (s *Subscription) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
