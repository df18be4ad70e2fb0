// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Mode represents the engine operating mode
type Mode string

const (
	ModeLive     Mode = "live"
	ModeBacktest Mode = "backtest"
)

// LifecycleState represents the engine lifecycle state
type LifecycleState string

const (
	StateStopped      LifecycleState = "stopped"
	StateInitializing LifecycleState = "initializing"
	StateActive       LifecycleState = "active"
	StatePaused       LifecycleState = "paused"
	StateStopping     LifecycleState = "stopping"
	StateFailed       LifecycleState = "failed"
)

// Interval is a bar aggregation period (1m, 5m, 1h, ...).
// The zero value is invalid; construct via indicators.ParseInterval
// or the IntervalOf helper.
type Interval time.Duration

// Common intervals
const (
	Interval1m  = Interval(time.Minute)
	Interval5m  = Interval(5 * time.Minute)
	Interval15m = Interval(15 * time.Minute)
	Interval30m = Interval(30 * time.Minute)
	Interval1h  = Interval(time.Hour)
	Interval1d  = Interval(24 * time.Hour)
)

// IntervalOf builds an Interval from a duration
func IntervalOf(d time.Duration) Interval {
	return Interval(d)
}

// Duration returns the interval as a time.Duration
func (i Interval) Duration() time.Duration {
	return time.Duration(i)
}

// String renders the canonical short form: "5m", "2h", "1d".
// Falls back to seconds for sub-minute or uneven periods.
func (i Interval) String() string {
	d := time.Duration(i)
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}

// MarshalText implements encoding.TextMarshaler so intervals render as
// "5m" in JSON maps and msgpack snapshots.
func (i Interval) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// IsMultipleOf reports whether i is a whole multiple of base
func (i Interval) IsMultipleOf(base Interval) bool {
	if base <= 0 {
		return false
	}
	return time.Duration(i)%time.Duration(base) == 0
}

// StreamID identifies one (symbol, interval) bar stream
type StreamID struct {
	Symbol   string   `json:"symbol"`
	Interval Interval `json:"interval"`
}

// String renders "AAPL.US:5m"
func (s StreamID) String() string {
	return s.Symbol + ":" + s.Interval.String()
}

// Less orders streams by (symbol, interval string), the tie-break order
// used by the merge loop for equal timestamps.
func (s StreamID) Less(o StreamID) bool {
	if s.Symbol != o.Symbol {
		return s.Symbol < o.Symbol
	}
	return s.Interval.String() < o.Interval.String()
}

// Bar is a single OHLCV bar. Timestamps are the bar open time, UTC.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// BarNotice is the notification tuple pushed downstream after each
// bar lands in the session store.
type BarNotice struct {
	Stream  StreamID  `json:"stream"`
	Bar     Bar       `json:"bar"`
	Derived bool      `json:"derived"`
	Partial bool      `json:"partial"`
	Seq     uint64    `json:"seq"`
	Clock   time.Time `json:"clock"`
}

// SymbolScope marks how much provisioning a symbol received
type SymbolScope string

const (
	// ScopeAdhoc carries session bars only, no strategy routing
	ScopeAdhoc SymbolScope = "adhoc"
	// ScopeFull carries history, indicators and strategy routing
	ScopeFull SymbolScope = "full"
)

// SymbolRecord is the registration entry for one tracked symbol
type SymbolRecord struct {
	Symbol          string      `json:"symbol"`
	Exchange        string      `json:"exchange"`
	Scope           SymbolScope `json:"scope"`
	AutoProvisioned bool        `json:"auto_provisioned"`
	AddedAt         time.Time   `json:"added_at"`
	Intervals       []Interval  `json:"intervals"`
}

// IndicatorSpec names one indicator instance with its parameters
type IndicatorSpec struct {
	Name   string             `json:"name"`
	Params map[string]float64 `json:"params,omitempty"`
}

// Key returns the canonical instance key, e.g. "rsi(length=14)".
// Parameters are sorted so equal specs always produce equal keys.
func (s IndicatorSpec) Key() string {
	if len(s.Params) == 0 {
		return s.Name
	}
	names := make([]string, 0, len(s.Params))
	for k := range s.Params {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		v := s.Params[k]
		if v == float64(int64(v)) {
			parts = append(parts, fmt.Sprintf("%s=%d", k, int64(v)))
		} else {
			parts = append(parts, fmt.Sprintf("%s=%g", k, v))
		}
	}
	return s.Name + "(" + strings.Join(parts, ",") + ")"
}

// Param returns a named parameter or the given default
func (s IndicatorSpec) Param(name string, def float64) float64 {
	if v, ok := s.Params[name]; ok {
		return v
	}
	return def
}

// StreamRequirement is one stream a strategy, scanner or config entry needs
type StreamRequirement struct {
	Symbol      string          `json:"symbol"`
	Interval    Interval        `json:"interval"`
	HistoryBars int             `json:"history_bars"`
	Indicators  []IndicatorSpec `json:"indicators,omitempty"`
}

// Gap is a contiguous run of missing bars on a stream's calendar grid
type Gap struct {
	Stream StreamID  `json:"stream"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	Bars   int       `json:"bars"`
}

// SessionWindow is one trading session resolved against an exchange calendar.
// Open/Close and the lunch bounds are UTC instants; Date is the exchange-local
// trading date at midnight in the exchange timezone.
type SessionWindow struct {
	Exchange   string    `json:"exchange"`
	Date       time.Time `json:"date"`
	Open       time.Time `json:"open"`
	Close      time.Time `json:"close"`
	LunchStart time.Time `json:"lunch_start,omitempty"`
	LunchEnd   time.Time `json:"lunch_end,omitempty"`
	EarlyClose bool      `json:"early_close"`
}

// HasLunch reports whether the session has a lunch break
func (w SessionWindow) HasLunch() bool {
	return !w.LunchStart.IsZero() && w.LunchEnd.After(w.LunchStart)
}

// Contains reports whether t falls inside trading time (lunch excluded)
func (w SessionWindow) Contains(t time.Time) bool {
	if t.Before(w.Open) || !t.Before(w.Close) {
		return false
	}
	if w.HasLunch() && !t.Before(w.LunchStart) && t.Before(w.LunchEnd) {
		return false
	}
	return true
}
