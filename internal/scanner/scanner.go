// Package scanner hosts the scanner manager: pre-session and scheduled
// market scans whose results feed dynamic symbol and indicator
// admission.
package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tape/internal/analysis"
	"github.com/aristath/tape/internal/clock"
	"github.com/aristath/tape/internal/config"
	"github.com/aristath/tape/internal/domain"
	"github.com/aristath/tape/internal/events"
	"github.com/aristath/tape/internal/metrics"
)

// Scanner is the contract a market scanner implements. Setup runs once
// per session before any scan; Teardown runs when the scanner is
// retired. Scan returns the symbols that currently match; the manager
// handles admission.
type Scanner interface {
	Name() string
	Setup(ctx context.Context, view analysis.Context) error
	Scan(ctx context.Context, view analysis.Context) ([]string, error)
	Teardown(ctx context.Context) error
}

// IndicatorRequest asks for one indicator instance on a symbol
type IndicatorRequest struct {
	Symbol   string
	Spec     domain.IndicatorSpec
	Interval domain.Interval
}

// IndicatorScanner is implemented by scanners whose scans also request
// indicator instances on the symbols they watch.
type IndicatorScanner interface {
	ScanIndicators(ctx context.Context, view analysis.Context) ([]IndicatorRequest, error)
}

// Admitter receives scan hits for provisioning
type Admitter interface {
	Admit(ctx context.Context, symbols []string, scope domain.SymbolScope, source string) error
	AdmitIndicator(ctx context.Context, symbol string, spec domain.IndicatorSpec, interval domain.Interval, source string) error
}

// State is the per-scanner state machine position. Error is terminal
// for the session: a failed scanner never runs again until the next
// session resets it.
type State string

const (
	StateInitialized      State = "initialized"
	StateSetupPending     State = "setup_pending"
	StateSetupComplete    State = "setup_complete"
	StateScanPending      State = "scan_pending"
	StateScanning         State = "scanning"
	StateScanComplete     State = "scan_complete"
	StateTeardownPending  State = "teardown_pending"
	StateTeardownComplete State = "teardown_complete"
	StateError            State = "error"
)

// binding is one configured scanner instance
type binding struct {
	scanner Scanner
	cfg     config.ScannerConfig
	windows []config.ScanWindow
	scope   domain.SymbolScope

	mu      sync.Mutex
	state   State
	lastRun time.Time
}

// Manager owns the configured scanners and their schedules. Scheduled
// scans trigger off the session clock, so a backtest replays them from
// simulated time alone.
type Manager struct {
	admitter Admitter
	clk      clock.TimeManager
	events   *events.Manager
	metrics  *metrics.Registry
	view     analysis.Context
	mode     domain.Mode
	log      zerolog.Logger

	mu       sync.Mutex
	registry map[string]Scanner
	bindings []*binding
	loc      *time.Location
}

// NewManager creates a scanner manager
func NewManager(admitter Admitter, clk clock.TimeManager, view analysis.Context, em *events.Manager,
	m *metrics.Registry, mode domain.Mode, log zerolog.Logger) *Manager {
	return &Manager{
		admitter: admitter,
		clk:      clk,
		events:   em,
		metrics:  m,
		view:     view,
		mode:     mode,
		log:      log.With().Str("service", "scanner").Logger(),
		registry: make(map[string]Scanner),
		loc:      time.UTC,
	}
}

// RegisterScanner makes a scanner implementation bindable by name
func (m *Manager) RegisterScanner(s Scanner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry[s.Name()] = s
}

// Bind attaches one configured scanner entry to its implementation
func (m *Manager) Bind(cfg config.ScannerConfig, windows []config.ScanWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.registry[cfg.Name]
	if !ok {
		return domain.NewValidationError("scanner", "unknown scanner %q", cfg.Name)
	}

	scope := domain.ScopeAdhoc
	if cfg.AddAs == "full" {
		scope = domain.ScopeFull
	}
	m.bindings = append(m.bindings, &binding{
		scanner: s,
		cfg:     cfg,
		windows: windows,
		scope:   scope,
		state:   StateInitialized,
	})
	return nil
}

// StartSession pins the exchange timezone the scan windows resolve
// against, resets every state machine and runs each scanner's setup.
func (m *Manager) StartSession(ctx context.Context, loc *time.Location) {
	m.mu.Lock()
	if loc != nil {
		m.loc = loc
	}
	m.mu.Unlock()

	for _, b := range m.snapshot() {
		b.mu.Lock()
		b.state = StateInitialized
		b.lastRun = time.Time{}
		b.mu.Unlock()
		m.setup(ctx, b)
	}
}

// setup runs one scanner's setup hook. Failure is terminal for the
// session.
func (m *Manager) setup(ctx context.Context, b *binding) {
	b.mu.Lock()
	if b.state != StateInitialized {
		b.mu.Unlock()
		return
	}
	b.state = StateSetupPending
	b.mu.Unlock()

	err := m.guard(b.scanner.Name(), "setup", func() error {
		return b.scanner.Setup(ctx, m.view)
	})

	b.mu.Lock()
	if err != nil {
		b.state = StateError
	} else {
		b.state = StateSetupComplete
	}
	b.mu.Unlock()

	if err != nil {
		m.log.Warn().Err(err).Str("scanner", b.scanner.Name()).Msg("Scanner setup failed")
		m.events.EmitError("scanner", err, map[string]interface{}{"scanner": b.scanner.Name()})
	}
}

// teardown retires one scanner for the session
func (m *Manager) teardown(ctx context.Context, b *binding) {
	b.mu.Lock()
	if b.state != StateSetupComplete && b.state != StateScanComplete {
		b.mu.Unlock()
		return
	}
	b.state = StateTeardownPending
	b.mu.Unlock()

	err := m.guard(b.scanner.Name(), "teardown", func() error {
		return b.scanner.Teardown(ctx)
	})

	b.mu.Lock()
	if err != nil {
		b.state = StateError
	} else {
		b.state = StateTeardownComplete
	}
	b.mu.Unlock()

	if err != nil {
		m.log.Warn().Err(err).Str("scanner", b.scanner.Name()).Msg("Scanner teardown failed")
		m.events.EmitError("scanner", err, map[string]interface{}{"scanner": b.scanner.Name()})
	}
}

// RunPreSession runs every pre-session scanner, blocking until all are
// done. A pre-session-only scanner (no scheduled windows) is torn down
// right after its scan.
func (m *Manager) RunPreSession(ctx context.Context) {
	for _, b := range m.snapshot() {
		if !b.cfg.PreSession {
			continue
		}
		b.mu.Lock()
		if b.state == StateSetupComplete {
			b.state = StateScanPending
		}
		b.mu.Unlock()
		m.run(ctx, b, m.clk.Now())
		if len(b.windows) == 0 {
			m.teardown(ctx, b)
		}
	}
}

// EndSession tears the remaining scanners down
func (m *Manager) EndSession(ctx context.Context) {
	for _, b := range m.snapshot() {
		m.teardown(ctx, b)
	}
}

// OnClock checks every scheduled scanner against the session clock. The
// coordinator calls it once per merge pick; backtests run scans inline
// so admission completes before the tape moves on, live mode scans in
// the background.
func (m *Manager) OnClock(ctx context.Context, now time.Time) {
	m.mu.Lock()
	loc := m.loc
	m.mu.Unlock()

	minute := now.In(loc).Hour()*60 + now.In(loc).Minute()

	for _, b := range m.snapshot() {
		if !due(b, m.windowsOf(b), minute, now) {
			continue
		}
		if m.mode == domain.ModeBacktest {
			m.run(ctx, b, now)
		} else {
			go m.run(ctx, b, now)
		}
	}
}

// due reports whether a binding's schedule fires at this clock reading,
// claiming the scan slot when it does. Only a scanner that finished
// setup or its previous scan is eligible; an errored one never is.
func due(b *binding, windows []config.ScanWindow, minute int, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateSetupComplete && b.state != StateScanComplete {
		return false
	}
	for _, w := range windows {
		if minute < w.StartMinute || minute >= w.EndMinute {
			continue
		}
		if b.lastRun.IsZero() || now.Sub(b.lastRun) >= w.Every.Duration() {
			b.state = StateScanPending
			return true
		}
	}
	return false
}

// run executes one claimed scan and routes hits to the admitter. A scan
// error or panic parks the scanner in the terminal error state.
func (m *Manager) run(ctx context.Context, b *binding, now time.Time) {
	b.mu.Lock()
	if b.state != StateScanPending {
		b.mu.Unlock()
		return
	}
	b.state = StateScanning
	b.lastRun = now
	b.mu.Unlock()

	outcome := StateScanComplete
	defer func() {
		if p := recover(); p != nil {
			m.log.Error().Str("scanner", b.scanner.Name()).Interface("panic", p).Msg("Scanner panic recovered")
			m.metrics.ScanRuns.WithLabelValues(b.scanner.Name(), "panic").Inc()
			outcome = StateError
		}
		b.mu.Lock()
		b.state = outcome
		b.mu.Unlock()
	}()

	symbols, err := b.scanner.Scan(ctx, m.view)
	if err != nil {
		m.log.Warn().Err(err).Str("scanner", b.scanner.Name()).Msg("Scan failed")
		m.metrics.ScanRuns.WithLabelValues(b.scanner.Name(), "error").Inc()
		m.events.EmitError("scanner", err, map[string]interface{}{"scanner": b.scanner.Name()})
		outcome = StateError
		return
	}
	m.metrics.ScanRuns.WithLabelValues(b.scanner.Name(), "ok").Inc()

	if m.admitter == nil {
		return
	}
	if len(symbols) > 0 {
		m.log.Info().
			Str("scanner", b.scanner.Name()).
			Int("hits", len(symbols)).
			Str("scope", string(b.scope)).
			Msg("Scan produced symbols")
		if err := m.admitter.Admit(ctx, symbols, b.scope, b.scanner.Name()); err != nil {
			m.log.Warn().Err(err).Str("scanner", b.scanner.Name()).Msg("Admission failed")
		}
	}

	if is, ok := b.scanner.(IndicatorScanner); ok {
		reqs, err := is.ScanIndicators(ctx, m.view)
		if err != nil {
			m.log.Warn().Err(err).Str("scanner", b.scanner.Name()).Msg("Indicator scan failed")
			return
		}
		for _, req := range reqs {
			if err := m.admitter.AdmitIndicator(ctx, req.Symbol, req.Spec, req.Interval, b.scanner.Name()); err != nil {
				m.log.Warn().Err(err).
					Str("scanner", b.scanner.Name()).
					Str("symbol", req.Symbol).
					Str("indicator", req.Spec.Name).
					Msg("Indicator admission failed")
			}
		}
	}
}

// guard runs a lifecycle hook with panic containment
func (m *Manager) guard(name, op string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scanner %s panicked in %s: %v", name, op, p)
		}
	}()
	return fn()
}

// States returns the current state per bound scanner
func (m *Manager) States() map[string]State {
	out := make(map[string]State)
	for _, b := range m.snapshot() {
		b.mu.Lock()
		out[b.scanner.Name()] = b.state
		b.mu.Unlock()
	}
	return out
}

func (m *Manager) windowsOf(b *binding) []config.ScanWindow {
	return b.windows
}

func (m *Manager) snapshot() []*binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*binding(nil), m.bindings...)
}

// String renders a binding for logs
func (b *binding) String() string {
	return fmt.Sprintf("%s(%s)", b.scanner.Name(), b.scope)
}
