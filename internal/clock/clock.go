// Package clock provides the engine's single source of time.
//
// Every component reads time through a TimeManager instead of calling
// time.Now directly, so the same strategy/indicator/quality code runs
// unchanged in live and backtest modes.
package clock

import (
	"sync"
	"time"

	"github.com/aristath/tape/internal/domain"
)

// TimeManager is the engine clock
type TimeManager interface {
	// Now returns the current engine time (UTC)
	Now() time.Time
	// Mode reports which clock this is
	Mode() domain.Mode
}

// Advancer is implemented by clocks that can be moved forward.
// Only the session coordinator advances the clock.
type Advancer interface {
	// Advance moves the clock to t. Moving backwards returns a ClockError.
	Advance(t time.Time) error
	// Set initializes the clock at session start (may move backwards,
	// used when a new session begins)
	Set(t time.Time)
}

// Live is the wall-clock TimeManager
type Live struct{}

// NewLive creates a live clock
func NewLive() *Live {
	return &Live{}
}

// Now returns wall-clock time in UTC
func (l *Live) Now() time.Time {
	return time.Now().UTC()
}

// Mode returns ModeLive
func (l *Live) Mode() domain.Mode {
	return domain.ModeLive
}

// Sim is the simulated backtest clock. It only moves when the
// coordinator consumes data, never on its own.
type Sim struct {
	mu  sync.RWMutex
	now time.Time
}

// NewSim creates a simulated clock starting at t
func NewSim(t time.Time) *Sim {
	return &Sim{now: t.UTC()}
}

// Now returns the current simulated time
func (s *Sim) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now
}

// Mode returns ModeBacktest
func (s *Sim) Mode() domain.Mode {
	return domain.ModeBacktest
}

// Advance moves the simulated clock forward to t.
// A request earlier than the current time is a ClockError; equal is a no-op.
func (s *Sim) Advance(t time.Time) error {
	t = t.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Before(s.now) {
		return &domain.ClockError{
			Msg:       "cannot move backwards",
			Current:   s.now,
			Requested: t,
		}
	}
	s.now = t
	return nil
}

// Set initializes the clock for a new session
func (s *Sim) Set(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = t.UTC()
}
