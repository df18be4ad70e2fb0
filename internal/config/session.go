package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aristath/tape/internal/domain"
	"github.com/aristath/tape/internal/indicators"
)

// SessionConfig is the declarative session document loaded at start.
// Parsing is strict: unknown keys are rejected and validation reports
// every violation found, not just the first.
type SessionConfig struct {
	SessionName string            `json:"session_name"`
	Mode        string            `json:"mode"`
	Exchange    string            `json:"exchange"`
	AssetClass  string            `json:"asset_class"`
	Data        SessionDataConfig `json:"session_data_config"`
	Backtest    *BacktestConfig   `json:"backtest_config,omitempty"`

	// Resolved during Validate
	mode     domain.Mode
	base     domain.Interval
	derived  []domain.Interval
	start    time.Time
	end      time.Time
	schedule [][]ScanWindow
}

// SessionDataConfig declares the data universe of the session
type SessionDataConfig struct {
	Symbols          []string          `json:"symbols"`
	BaseInterval     string            `json:"base_interval"`
	DerivedIntervals []string          `json:"derived_intervals"`
	Historical       HistoricalConfig  `json:"historical"`
	GapFiller        GapFillerConfig   `json:"gap_filler"`
	Streaming        StreamingConfig   `json:"streaming"`
	Indicators       []IndicatorConfig `json:"indicators"`
	Strategies       []StrategyConfig  `json:"strategies"`
	Scanners         []ScannerConfig   `json:"scanners"`
}

// HistoricalConfig sets how much history a full load carries
type HistoricalConfig struct {
	TrailingDays int `json:"trailing_days"`
	WarmupDays   int `json:"warmup_days"`
}

// GapFillerConfig controls session-quality measurement and live repair
type GapFillerConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxRetries           int     `json:"max_retries"`
	RetryIntervalSeconds int     `json:"retry_interval_seconds"`
	QualityThreshold     float64 `json:"quality_threshold"`
}

// StreamingConfig tunes the readiness protocol and input queues
type StreamingConfig struct {
	URL                     string `json:"url"`
	ReadyTimeoutSeconds     int    `json:"ready_timeout_seconds"`
	CatchupThresholdSeconds int    `json:"catchup_threshold_seconds"`
	QueueCapacity           int    `json:"queue_capacity"`
}

// BacktestConfig bounds a backtest run
type BacktestConfig struct {
	StartDate       string  `json:"start_date"`
	EndDate         string  `json:"end_date"`
	SpeedMultiplier float64 `json:"speed_multiplier"`
	PrefetchDays    int     `json:"prefetch_days"`
}

// IndicatorConfig declares one indicator instance per listed interval
type IndicatorConfig struct {
	Name      string             `json:"name"`
	Params    map[string]float64 `json:"params,omitempty"`
	Intervals []string           `json:"intervals"`
}

// Spec converts the entry to a domain spec
func (c IndicatorConfig) Spec() domain.IndicatorSpec {
	return domain.IndicatorSpec{Name: c.Name, Params: c.Params}
}

// StrategyConfig binds a registered strategy into the session
type StrategyConfig struct {
	Name      string             `json:"name"`
	Symbols   []string           `json:"symbols,omitempty"`
	Intervals []string           `json:"intervals,omitempty"`
	Params    map[string]float64 `json:"params,omitempty"`
}

// ScheduleConfig is one scan window: exchange-local clock times and a
// repeat cadence
type ScheduleConfig struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Every string `json:"every"`
}

// ScannerConfig binds a registered scanner into the session
type ScannerConfig struct {
	Name       string             `json:"name"`
	PreSession bool               `json:"pre_session,omitempty"`
	Schedules  []ScheduleConfig   `json:"schedules,omitempty"`
	AddAs      string             `json:"add_as,omitempty"`
	Params     map[string]float64 `json:"params,omitempty"`
}

// ScanWindow is a resolved schedule entry: minutes from exchange-local
// midnight plus the repeat cadence.
type ScanWindow struct {
	StartMinute int
	EndMinute   int
	Every       domain.Interval
}

// LoadSession reads and validates a session config document
func LoadSession(path string) (*SessionConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.ConfigError{Violations: []string{fmt.Sprintf("cannot open %s: %v", path, err)}}
	}
	defer f.Close()

	return ParseSession(f)
}

// ParseSession decodes and validates a session config document
func ParseSession(r io.Reader) (*SessionConfig, error) {
	var cfg SessionConfig
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, &domain.ConfigError{Violations: []string{"invalid JSON: " + err.Error()}}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the whole document and resolves typed fields.
// All violations are collected into one ConfigError.
func (c *SessionConfig) Validate() error {
	var violations []string
	fail := func(format string, args ...interface{}) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	// Validate may run again after a mode change
	c.derived = nil
	c.schedule = nil

	if c.SessionName == "" {
		fail("session_name is required")
	}
	switch c.Mode {
	case "live":
		c.mode = domain.ModeLive
	case "backtest":
		c.mode = domain.ModeBacktest
	default:
		fail("mode must be \"live\" or \"backtest\", got %q", c.Mode)
	}
	if c.Exchange == "" {
		fail("exchange is required")
	}

	// Intervals
	if c.Data.BaseInterval == "" {
		fail("session_data_config.base_interval is required")
	} else {
		base, err := indicators.ParseInterval(c.Data.BaseInterval)
		if err != nil {
			fail("session_data_config.base_interval: %v", err)
		} else {
			c.base = base
		}
	}
	if c.base > 0 {
		seen := map[domain.Interval]bool{}
		for i, s := range c.Data.DerivedIntervals {
			interval, err := indicators.ParseInterval(s)
			if err != nil {
				fail("derived_intervals[%d]: %v", i, err)
				continue
			}
			if interval <= c.base {
				fail("derived_intervals[%d]: %q must be larger than base %q", i, s, c.Data.BaseInterval)
				continue
			}
			if !interval.IsMultipleOf(c.base) {
				fail("derived_intervals[%d]: %q is not a multiple of base %q", i, s, c.Data.BaseInterval)
				continue
			}
			if seen[interval] {
				fail("derived_intervals[%d]: duplicate %q", i, s)
				continue
			}
			seen[interval] = true
			c.derived = append(c.derived, interval)
		}
	}

	// Historical depth
	if c.Data.Historical.TrailingDays < 0 {
		fail("historical.trailing_days must be >= 0")
	}
	if c.Data.Historical.WarmupDays < 0 {
		fail("historical.warmup_days must be >= 0")
	}

	// Gap filler
	if c.Data.GapFiller.MaxRetries < 0 {
		fail("gap_filler.max_retries must be >= 0")
	}
	if c.Data.GapFiller.RetryIntervalSeconds < 0 {
		fail("gap_filler.retry_interval_seconds must be >= 0")
	}
	if q := c.Data.GapFiller.QualityThreshold; q < 0 || q > 100 {
		fail("gap_filler.quality_threshold must be in [0, 100]")
	}

	// Streaming
	if c.Data.Streaming.ReadyTimeoutSeconds < 0 {
		fail("streaming.ready_timeout_seconds must be >= 0")
	}
	if c.Data.Streaming.CatchupThresholdSeconds < 0 {
		fail("streaming.catchup_threshold_seconds must be >= 0")
	}

	// Backtest block
	if c.mode == domain.ModeBacktest {
		if c.Backtest == nil {
			fail("backtest_config is required in backtest mode")
		} else {
			start, err := time.Parse("2006-01-02", c.Backtest.StartDate)
			if err != nil {
				fail("backtest_config.start_date: %v", err)
			} else {
				c.start = start
			}
			end, err := time.Parse("2006-01-02", c.Backtest.EndDate)
			if err != nil {
				fail("backtest_config.end_date: %v", err)
			} else {
				c.end = end
			}
			if !c.start.IsZero() && !c.end.IsZero() && c.end.Before(c.start) {
				fail("backtest_config: end_date before start_date")
			}
			if c.Backtest.SpeedMultiplier < 0 {
				fail("backtest_config.speed_multiplier must be >= 0")
			}
			if c.Backtest.PrefetchDays < 0 {
				fail("backtest_config.prefetch_days must be >= 0")
			}
		}
	} else if c.Backtest != nil {
		fail("backtest_config is only valid in backtest mode")
	}

	// Indicators
	for i, ind := range c.Data.Indicators {
		if ind.Name == "" {
			fail("indicators[%d]: name is required", i)
		}
		if len(ind.Intervals) == 0 {
			fail("indicators[%d] (%s): at least one interval is required", i, ind.Name)
		}
		for j, s := range ind.Intervals {
			if _, err := indicators.ParseInterval(s); err != nil {
				fail("indicators[%d].intervals[%d]: %v", i, j, err)
			}
		}
	}

	// Strategies
	for i, st := range c.Data.Strategies {
		if st.Name == "" {
			fail("strategies[%d]: name is required", i)
		}
		for j, s := range st.Intervals {
			if _, err := indicators.ParseInterval(s); err != nil {
				fail("strategies[%d].intervals[%d]: %v", i, j, err)
			}
		}
	}

	// Scanners
	c.schedule = make([][]ScanWindow, len(c.Data.Scanners))
	for i, sc := range c.Data.Scanners {
		if sc.Name == "" {
			fail("scanners[%d]: name is required", i)
		}
		switch sc.AddAs {
		case "", "adhoc", "full":
		default:
			fail("scanners[%d] (%s): add_as must be \"adhoc\" or \"full\"", i, sc.Name)
		}
		if !sc.PreSession && len(sc.Schedules) == 0 {
			fail("scanners[%d] (%s): needs pre_session or at least one schedule", i, sc.Name)
		}
		for j, sched := range sc.Schedules {
			window, err := resolveSchedule(sched)
			if err != nil {
				fail("scanners[%d].schedules[%d]: %v", i, j, err)
				continue
			}
			c.schedule[i] = append(c.schedule[i], window)
		}
	}

	if len(violations) > 0 {
		return &domain.ConfigError{Violations: violations}
	}
	return nil
}

// resolveSchedule parses one schedule entry
func resolveSchedule(s ScheduleConfig) (ScanWindow, error) {
	start, err := time.Parse("15:04", s.Start)
	if err != nil {
		return ScanWindow{}, fmt.Errorf("start %q: want HH:MM", s.Start)
	}
	end, err := time.Parse("15:04", s.End)
	if err != nil {
		return ScanWindow{}, fmt.Errorf("end %q: want HH:MM", s.End)
	}
	every, err := indicators.ParseInterval(s.Every)
	if err != nil {
		return ScanWindow{}, fmt.Errorf("every %q: %v", s.Every, err)
	}
	window := ScanWindow{
		StartMinute: start.Hour()*60 + start.Minute(),
		EndMinute:   end.Hour()*60 + end.Minute(),
		Every:       every,
	}
	if window.EndMinute <= window.StartMinute {
		return ScanWindow{}, fmt.Errorf("end %q not after start %q", s.End, s.Start)
	}
	return window, nil
}

// Resolved accessors. Only valid after Validate.

// SessionMode returns the typed mode
func (c *SessionConfig) SessionMode() domain.Mode { return c.mode }

// Base returns the parsed base interval
func (c *SessionConfig) Base() domain.Interval { return c.base }

// Derived returns the parsed derived intervals
func (c *SessionConfig) Derived() []domain.Interval {
	return append([]domain.Interval(nil), c.derived...)
}

// BacktestRange returns the parsed backtest date range
func (c *SessionConfig) BacktestRange() (start, end time.Time) {
	return c.start, c.end
}

// Speed returns the backtest speed multiplier (0 = data-driven)
func (c *SessionConfig) Speed() float64 {
	if c.Backtest == nil {
		return 0
	}
	return c.Backtest.SpeedMultiplier
}

// ScanWindows returns the resolved schedule for one scanner index
func (c *SessionConfig) ScanWindows(scanner int) []ScanWindow {
	if scanner < 0 || scanner >= len(c.schedule) {
		return nil
	}
	return c.schedule[scanner]
}

// ReadyTimeout returns the clock-driven readiness budget
func (c *SessionConfig) ReadyTimeout() time.Duration {
	if c.Data.Streaming.ReadyTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Data.Streaming.ReadyTimeoutSeconds) * time.Second
}

// CatchupThreshold returns the mid-session add abandonment budget
func (c *SessionConfig) CatchupThreshold() time.Duration {
	if c.Data.Streaming.CatchupThresholdSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Data.Streaming.CatchupThresholdSeconds) * time.Second
}

// RetryInterval returns the gap-fill sweep cadence
func (c *SessionConfig) RetryInterval() time.Duration {
	if c.Data.GapFiller.RetryIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Data.GapFiller.RetryIntervalSeconds) * time.Second
}

// MaxRetries returns the gap-fill retry cap
func (c *SessionConfig) MaxRetries() int {
	if c.Data.GapFiller.MaxRetries <= 0 {
		return 3
	}
	return c.Data.GapFiller.MaxRetries
}

// QualityThreshold returns the score below which live repair keeps retrying
func (c *SessionConfig) QualityThreshold() float64 {
	if c.Data.GapFiller.QualityThreshold <= 0 {
		return 95
	}
	return c.Data.GapFiller.QualityThreshold
}

// QueueCapacity returns the per-stream input queue size
func (c *SessionConfig) QueueCapacity() int {
	if c.Data.Streaming.QueueCapacity <= 0 {
		return 1024
	}
	return c.Data.Streaming.QueueCapacity
}

// TrailingDays returns the full-load history depth
func (c *SessionConfig) TrailingDays() int {
	if c.Data.Historical.TrailingDays <= 0 {
		return 30
	}
	return c.Data.Historical.TrailingDays
}

// WarmupDays returns the adhoc-load history depth
func (c *SessionConfig) WarmupDays() int {
	if c.Data.Historical.WarmupDays <= 0 {
		return 2
	}
	return c.Data.Historical.WarmupDays
}
