// Package quality hosts the data-quality worker: per-stream quality
// scoring against the exchange calendar, gap detection, and live gap
// repair through the bar repository.
package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/aristath/tape/internal/calendar"
	"github.com/aristath/tape/internal/clock"
	"github.com/aristath/tape/internal/domain"
	"github.com/aristath/tape/internal/events"
	"github.com/aristath/tape/internal/metrics"
	"github.com/aristath/tape/internal/repository"
	"github.com/aristath/tape/internal/session"
)

// mailboxSize is deliberately large: quality lags the tape without
// consequence, so dropping is a last resort.
const mailboxSize = 4096

// Config tunes the quality worker
type Config struct {
	Enabled       bool
	Mode          domain.Mode
	MaxRetries    int
	RetryInterval time.Duration
	Threshold     float64
}

// Manager is the data-quality worker. It never signals readiness: the
// tape must not wait for scoring or repair.
type Manager struct {
	store   *session.Store
	cal     *calendar.Service
	repo    repository.BarRepository
	clk     clock.TimeManager
	events  *events.Manager
	metrics *metrics.Registry
	cfg     Config
	log     zerolog.Logger

	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	mailbox chan domain.BarNotice
	stop    chan struct{}
	stopped chan struct{}
	running bool
	runMu   sync.Mutex

	mu       sync.Mutex
	window   domain.SessionWindow
	attempts map[string]int
	reported map[string]bool
}

// New creates a quality manager
func New(store *session.Store, cal *calendar.Service, repo repository.BarRepository, clk clock.TimeManager,
	em *events.Manager, m *metrics.Registry, cfg Config, log zerolog.Logger) *Manager {

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gap_fill",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Manager{
		store:    store,
		cal:      cal,
		repo:     repo,
		clk:      clk,
		events:   em,
		metrics:  m,
		cfg:      cfg,
		log:      log.With().Str("service", "quality").Logger(),
		breaker:  breaker,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 2),
		mailbox:  make(chan domain.BarNotice, mailboxSize),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		attempts: make(map[string]int),
		reported: make(map[string]bool),
	}
}

// Start launches the worker goroutine
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	go m.run()
}

// Stop halts the worker; pending mailbox entries are discarded
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	close(m.stop)
	<-m.stopped
	m.running = false
	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})
}

func (m *Manager) run() {
	defer close(m.stopped)

	var sweep <-chan time.Time
	if m.cfg.Enabled && m.cfg.Mode == domain.ModeLive {
		ticker := time.NewTicker(m.cfg.RetryInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case notice := <-m.mailbox:
			m.evaluate(notice.Stream, notice.Clock)
		case <-sweep:
			m.FillGaps(context.Background())
		case <-m.stop:
			return
		}
	}
}

// Notify enqueues a notice without ever blocking the caller
func (m *Manager) Notify(notice domain.BarNotice) {
	if notice.Derived {
		// Derived series inherit quality from their base
		return
	}
	select {
	case m.mailbox <- notice:
	default:
		m.metrics.NotificationsDropped.WithLabelValues("quality").Inc()
	}
}

// StartSession resets per-session state and pins the trading window the
// calendar grid is computed from.
func (m *Manager) StartSession(window domain.SessionWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window = window
	m.attempts = make(map[string]int)
	m.reported = make(map[string]bool)
}

// Evaluate scores one stream as of ref and refreshes its gap ranges.
// The coordinator calls it directly for the init-time baseline.
func (m *Manager) Evaluate(stream domain.StreamID, ref time.Time) float64 {
	return m.evaluate(stream, ref)
}

func (m *Manager) evaluate(stream domain.StreamID, ref time.Time) float64 {
	m.mu.Lock()
	window := m.window
	m.mu.Unlock()
	if window.Open.IsZero() {
		return 0
	}

	symbol, interval := stream.Symbol, stream.Interval
	grid := m.cal.Grid(window, interval)

	// Only grid slots the clock has passed count as expected
	expected := 0
	for _, g := range grid {
		if g.Before(ref) {
			expected++
		}
	}

	bars, err := m.store.Bars(symbol, interval)
	if err != nil {
		return 0
	}
	present := make(map[int64]bool, len(bars))
	received := 0
	for _, bar := range bars {
		if !bar.Timestamp.Before(window.Open) && bar.Timestamp.Before(window.Close) {
			present[bar.Timestamp.Unix()] = true
			received++
		}
	}
	duplicates := m.store.Duplicates(symbol, interval)

	score := 100.0
	if expected > 0 {
		ratio := float64(received-duplicates) / float64(expected)
		if ratio < 0 {
			ratio = 0
		}
		if ratio > 1 {
			ratio = 1
		}
		score = ratio * 100
	}

	_ = m.store.SetQuality(symbol, interval, score)
	m.metrics.StreamQuality.WithLabelValues(symbol, interval.String()).Set(score)

	// Derived series are synthesized from the base, never fetched, so
	// they carry the base score.
	if intervals, err := m.store.Intervals(symbol); err == nil && len(intervals) > 0 && intervals[0] == interval {
		for _, derived := range intervals[1:] {
			_ = m.store.SetQuality(symbol, derived, score)
			m.metrics.StreamQuality.WithLabelValues(symbol, derived.String()).Set(score)
		}
	}

	m.detectGaps(stream, grid, present, ref)
	return score
}

// detectGaps walks the due grid slots and records contiguous missing runs
func (m *Manager) detectGaps(stream domain.StreamID, grid []time.Time, present map[int64]bool, ref time.Time) {
	d := stream.Interval.Duration()
	var gaps []domain.Gap
	var run []time.Time

	flush := func() {
		if len(run) == 0 {
			return
		}
		gaps = append(gaps, domain.Gap{
			Stream: stream,
			From:   run[0],
			To:     run[len(run)-1].Add(d),
			Bars:   len(run),
		})
		run = nil
	}

	for _, g := range grid {
		if !g.Before(ref) {
			break
		}
		if present[g.Unix()] {
			flush()
			continue
		}
		run = append(run, g)
	}
	flush()

	_ = m.store.SetGaps(stream.Symbol, stream.Interval, gaps)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, gap := range gaps {
		key := gapKey(gap)
		if m.reported[key] {
			continue
		}
		m.reported[key] = true
		m.log.Warn().
			Str("stream", stream.String()).
			Time("from", gap.From).
			Time("to", gap.To).
			Int("bars", gap.Bars).
			Msg("Gap detected")
		m.events.EmitTyped("quality", &events.GapDetectedData{
			Stream: stream.String(),
			From:   gap.From,
			To:     gap.To,
			Bars:   gap.Bars,
		})
	}
}

// FillGaps runs one repair sweep over every low-quality base stream.
// Backtests never repair: the repository already is the source of truth.
func (m *Manager) FillGaps(ctx context.Context) {
	if !m.cfg.Enabled || m.cfg.Mode != domain.ModeLive {
		return
	}

	for _, symbol := range m.store.Symbols() {
		intervals, err := m.store.Intervals(symbol)
		if err != nil || len(intervals) == 0 {
			continue
		}
		base := intervals[0]
		if m.store.Quality(symbol, base) >= m.cfg.Threshold {
			continue
		}
		for _, gap := range m.store.Gaps(symbol, base) {
			m.fillGap(ctx, gap)
		}
	}
}

// fillGap attempts one gap fetch through the limiter and breaker
func (m *Manager) fillGap(ctx context.Context, gap domain.Gap) {
	key := gapKey(gap)

	m.mu.Lock()
	attempts := m.attempts[key]
	if attempts >= m.cfg.MaxRetries {
		m.mu.Unlock()
		return
	}
	m.attempts[key] = attempts + 1
	m.mu.Unlock()
	attempts++

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.limiter.Wait(waitCtx); err != nil {
		return
	}

	result, err := m.breaker.Execute(func() (interface{}, error) {
		return m.repo.GetBars(ctx, gap.Stream.Symbol, gap.Stream.Interval, gap.From, gap.To)
	})
	if err != nil {
		m.metrics.GapFillAttempts.WithLabelValues("error").Inc()
		m.log.Warn().Err(err).Str("stream", gap.Stream.String()).Int("attempt", attempts).Msg("Gap fetch failed")
		m.abandonIfExhausted(gap, attempts, 0)
		return
	}

	bars := result.([]domain.Bar)
	recovered, err := m.store.AddBatch(gap.Stream.Symbol, gap.Stream.Interval, bars, session.BatchGapFill)
	if err != nil {
		m.metrics.GapFillAttempts.WithLabelValues("error").Inc()
		return
	}

	if recovered == 0 {
		m.metrics.GapFillAttempts.WithLabelValues("empty").Inc()
		m.abandonIfExhausted(gap, attempts, 0)
		return
	}

	m.metrics.GapFillAttempts.WithLabelValues("success").Inc()
	m.metrics.GapBarsRecovered.Add(float64(recovered))

	// Re-score so the gap list shrinks and retries stop when repaired
	score := m.evaluate(gap.Stream, m.clk.Now())
	remaining := 0
	for _, g := range m.store.Gaps(gap.Stream.Symbol, gap.Stream.Interval) {
		remaining += g.Bars
	}

	m.log.Info().
		Str("stream", gap.Stream.String()).
		Int("recovered", recovered).
		Int("remaining", remaining).
		Float64("quality", score).
		Msg("Gap filled")
	m.events.EmitTyped("quality", &events.GapFilledData{
		Stream:    gap.Stream.String(),
		Recovered: recovered,
		Remaining: remaining,
		Attempts:  attempts,
	})
}

// abandonIfExhausted emits the failure event once the retry budget is gone
func (m *Manager) abandonIfExhausted(gap domain.Gap, attempts, recovered int) {
	if attempts < m.cfg.MaxRetries {
		return
	}
	m.log.Warn().
		Str("stream", gap.Stream.String()).
		Int("attempts", attempts).
		Msg("Gap fill abandoned")
	m.events.EmitTyped("quality", &events.GapFilledData{
		Stream:    gap.Stream.String(),
		Recovered: recovered,
		Remaining: gap.Bars,
		Attempts:  attempts,
	})
}

// Report emits the current quality figures for one stream. The
// coordinator calls it at session end.
func (m *Manager) Report(stream domain.StreamID) {
	symbol, interval := stream.Symbol, stream.Interval
	received := m.store.BarCount(symbol, interval)
	duplicates := m.store.Duplicates(symbol, interval)

	m.mu.Lock()
	window := m.window
	m.mu.Unlock()
	expected := m.cal.ExpectedBars(window, interval)

	m.events.EmitTyped("quality", &events.QualityReportData{
		Stream:     stream.String(),
		Score:      m.store.Quality(symbol, interval),
		Expected:   expected,
		Received:   received,
		Duplicates: duplicates,
	})
}

// gapKey identifies a gap across evaluation rounds
func gapKey(gap domain.Gap) string {
	return fmt.Sprintf("%s@%d", gap.Stream.String(), gap.From.Unix())
}
