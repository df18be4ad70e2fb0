// Package system wires the whole engine together and owns its
// process-level lifecycle. Wiring order: infrastructure (bus, metrics,
// calendar, repository, archive, scheduler), then the session pipeline
// (store, clock, workers, coordinator, feed), which is rebuilt when
// the session document or mode changes.
package system

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tape/internal/analysis"
	"github.com/aristath/tape/internal/archive"
	"github.com/aristath/tape/internal/calendar"
	"github.com/aristath/tape/internal/clock"
	"github.com/aristath/tape/internal/config"
	"github.com/aristath/tape/internal/coordinator"
	"github.com/aristath/tape/internal/domain"
	"github.com/aristath/tape/internal/events"
	"github.com/aristath/tape/internal/indicators"
	"github.com/aristath/tape/internal/metrics"
	"github.com/aristath/tape/internal/processor"
	"github.com/aristath/tape/internal/provision"
	"github.com/aristath/tape/internal/quality"
	"github.com/aristath/tape/internal/repository"
	"github.com/aristath/tape/internal/scanner"
	"github.com/aristath/tape/internal/scheduler"
	"github.com/aristath/tape/internal/session"
	"github.com/aristath/tape/internal/stream"
)

// errorRingSize bounds the recent-error buffer in the state snapshot
const errorRingSize = 64

// ErrorEntry is one recorded error event
type ErrorEntry struct {
	Time   time.Time `json:"time"`
	Module string    `json:"module"`
	Error  string    `json:"error"`
}

// pipeline holds the session-scoped components. A mode or document
// change tears the whole set down and builds a fresh one.
type pipeline struct {
	store    *session.Store
	sim      *clock.Sim // nil in live mode
	clk      clock.TimeManager
	registry *indicators.Registry
	proc     *processor.Processor
	qual     *quality.Manager
	engine   *analysis.Engine
	scanners *scanner.Manager
	prov     *provision.Provisioner
	coord    *coordinator.Coordinator
	feed     *stream.Feed // nil outside live mode
	bound    bool
}

// Manager owns the wired engine
type Manager struct {
	cfg     *config.Config
	log     zerolog.Logger
	bus     *events.Bus
	em      *events.Manager
	metrics *metrics.Registry
	cal     *calendar.Service
	sched   *scheduler.Scheduler

	repo     repository.BarRepository
	sqlite   *repository.SQLiteRepository // set when the backend is sqlite
	cache    *repository.PrefetchCache    // set when prefetching is on
	uploader *archive.Uploader            // set when archiving is configured

	mu              sync.Mutex
	sessionCfg      *config.SessionConfig
	stashedBacktest *config.BacktestConfig
	pipe            *pipeline
	running         bool
	startedAt       time.Time

	errMu  sync.Mutex
	errors []ErrorEntry

	strategies []analysis.Strategy
	scannerSet []scanner.Scanner
}

// Wire builds the engine from process and session configuration
func Wire(ctx context.Context, cfg *config.Config, sessionCfg *config.SessionConfig, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		cfg:        cfg,
		log:        log.With().Str("service", "system").Logger(),
		bus:        events.NewBus(log),
		metrics:    metrics.New(),
		cal:        calendar.NewService(),
		sessionCfg: sessionCfg,
	}
	m.em = events.NewManager(m.bus, log)
	m.sched = scheduler.New(m.em, log)

	// Recent errors feed the state snapshot
	m.bus.Subscribe(events.ErrorOccurred, func(e *events.Event) {
		entry := ErrorEntry{Time: e.Timestamp, Module: e.Module}
		if msg, ok := e.Data["error"].(string); ok {
			entry.Error = msg
		}
		m.errMu.Lock()
		m.errors = append(m.errors, entry)
		if len(m.errors) > errorRingSize {
			m.errors = m.errors[len(m.errors)-errorRingSize:]
		}
		m.errMu.Unlock()
	})

	if err := m.initRepository(sessionCfg); err != nil {
		return nil, err
	}

	if cfg.Archive.Enabled() {
		uploader, err := archive.New(ctx, cfg.Archive, m.em, log)
		if err != nil {
			m.repo.Close()
			return nil, err
		}
		m.uploader = uploader
	}

	m.registerJobs(sessionCfg)

	if err := m.buildPipeline(sessionCfg); err != nil {
		m.repo.Close()
		return nil, err
	}
	return m, nil
}

// initRepository opens the bar store backend, optionally wrapped in
// the day-file prefetch cache for backtests.
func (m *Manager) initRepository(sessionCfg *config.SessionConfig) error {
	switch m.cfg.RepositoryBackend {
	case "postgres":
		repo, err := repository.NewPostgres(m.cfg.PostgresDSN, 10*time.Second)
		if err != nil {
			return fmt.Errorf("failed to initialize postgres bar store: %w", err)
		}
		m.repo = repo
	default:
		repo, err := repository.NewSQLite(repository.SQLiteConfig{
			Path: filepath.Join(m.cfg.DataDir, "bars.db"),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize sqlite bar store: %w", err)
		}
		m.sqlite = repo
		m.repo = repo
	}

	prefetch := sessionCfg.SessionMode() == domain.ModeBacktest &&
		sessionCfg.Backtest != nil && sessionCfg.Backtest.PrefetchDays > 0
	if prefetch {
		cache, err := repository.NewPrefetchCache(m.repo, filepath.Join(m.cfg.DataDir, "prefetch"), m.log)
		if err != nil {
			m.repo.Close()
			return fmt.Errorf("failed to initialize prefetch cache: %w", err)
		}
		m.cache = cache
		m.repo = cache
	}
	return nil
}

// registerJobs schedules the nightly maintenance work
func (m *Manager) registerJobs(sessionCfg *config.SessionConfig) {
	if m.sqlite != nil {
		_ = m.sched.AddJob("0 0 2 * * *", scheduler.NewStoreMaintenanceJob(m.sqlite, m.log))
	}
	if m.cache != nil {
		keep := sessionCfg.TrailingDays()
		_ = m.sched.AddJob("0 30 2 * * *", scheduler.NewCachePruneJob(m.cache, keep, m.log))
	}
	if m.uploader != nil {
		_ = m.sched.AddJob("0 15 2 * * *", scheduler.NewArchiveRetentionJob(m.uploader, sessionCfg.Exchange, m.log))
	}
}

// buildPipeline constructs the session-scoped component graph
func (m *Manager) buildPipeline(sessionCfg *config.SessionConfig) error {
	log := m.log
	store := session.NewStore(log)
	registry := indicators.Default()

	var sim *clock.Sim
	var clk clock.TimeManager
	if sessionCfg.SessionMode() == domain.ModeBacktest {
		start, _ := sessionCfg.BacktestRange()
		window, err := m.cal.Session(sessionCfg.Exchange, start)
		if err != nil {
			return fmt.Errorf("failed to resolve first session: %w", err)
		}
		sim = clock.NewSim(window.Open)
		clk = sim
	} else {
		clk = clock.NewLive()
	}

	proc := processor.New(store, registry, m.em, m.metrics, log)
	qual := quality.New(store, m.cal, m.repo, clk, m.em, m.metrics, quality.Config{
		Enabled:       sessionCfg.Data.GapFiller.Enabled,
		Mode:          sessionCfg.SessionMode(),
		MaxRetries:    sessionCfg.MaxRetries(),
		RetryInterval: sessionCfg.RetryInterval(),
		Threshold:     sessionCfg.QualityThreshold(),
	}, log)
	engine := analysis.NewEngine(store, clk, m.em, m.metrics, log)

	proxy := &admitProxy{}
	scanners := scanner.NewManager(proxy, clk, engine.View(), m.em, m.metrics, sessionCfg.SessionMode(), log)

	bindings := make([]provision.IndicatorBinding, 0, len(sessionCfg.Data.Indicators))
	for _, ind := range sessionCfg.Data.Indicators {
		binding := provision.IndicatorBinding{Spec: ind.Spec()}
		for _, s := range ind.Intervals {
			interval, err := indicators.ParseInterval(s)
			if err != nil {
				return fmt.Errorf("indicator %s: %w", ind.Name, err)
			}
			binding.Intervals = append(binding.Intervals, interval)
		}
		bindings = append(bindings, binding)
	}
	prov := provision.New(store, m.repo, m.cal, registry, proc, qual, clk, m.em, m.metrics, provision.Config{
		Exchange:     sessionCfg.Exchange,
		Base:         sessionCfg.Base(),
		Derived:      sessionCfg.Derived(),
		TrailingDays: sessionCfg.TrailingDays(),
		WarmupDays:   sessionCfg.WarmupDays(),
		Indicators:   bindings,
	}, log)

	deps := coordinator.Deps{
		Config:      sessionCfg,
		Store:       store,
		Calendar:    m.cal,
		Repo:        m.repo,
		Clock:       clk,
		Sim:         sim,
		Processor:   proc,
		Quality:     qual,
		Engine:      engine,
		Scanners:    scanners,
		Provisioner: prov,
		Events:      m.em,
		Metrics:     m.metrics,
		Log:         log,
	}
	if m.uploader != nil && sessionCfg.SessionMode() == domain.ModeLive {
		uploader, exchange := m.uploader, sessionCfg.Exchange
		deps.Archive = func(ctx context.Context, snap *session.Snapshot) {
			date := time.Now().UTC()
			if err := uploader.Upload(ctx, exchange, date, snap); err != nil {
				m.em.EmitError("archive", err, map[string]interface{}{"exchange": exchange})
			}
		}
	}
	coord := coordinator.New(deps)
	proxy.set(coord)
	prov.SetDetacher(coord)

	var feed *stream.Feed
	if sessionCfg.SessionMode() == domain.ModeLive && sessionCfg.Data.Streaming.URL != "" {
		feed = stream.NewFeed(sessionCfg.Data.Streaming.URL, coord, m.em, log)
	}

	m.pipe = &pipeline{
		store:    store,
		sim:      sim,
		clk:      clk,
		registry: registry,
		proc:     proc,
		qual:     qual,
		engine:   engine,
		scanners: scanners,
		prov:     prov,
		coord:    coord,
		feed:     feed,
	}

	// Re-attach host-registered strategies and scanners
	for _, st := range m.strategies {
		if err := engine.Register(st); err != nil {
			return err
		}
	}
	for _, sc := range m.scannerSet {
		scanners.RegisterScanner(sc)
	}
	return nil
}

// admitProxy breaks the scanner-manager / coordinator construction cycle
type admitProxy struct {
	mu     sync.Mutex
	target scanner.Admitter
}

func (p *admitProxy) set(target scanner.Admitter) {
	p.mu.Lock()
	p.target = target
	p.mu.Unlock()
}

func (p *admitProxy) Admit(ctx context.Context, symbols []string, scope domain.SymbolScope, source string) error {
	p.mu.Lock()
	target := p.target
	p.mu.Unlock()
	if target == nil {
		return nil
	}
	return target.Admit(ctx, symbols, scope, source)
}

func (p *admitProxy) AdmitIndicator(ctx context.Context, symbol string, spec domain.IndicatorSpec, interval domain.Interval, source string) error {
	p.mu.Lock()
	target := p.target
	p.mu.Unlock()
	if target == nil {
		return nil
	}
	return target.AdmitIndicator(ctx, symbol, spec, interval, source)
}

// RegisterStrategy adds a strategy implementation. Survives pipeline
// rebuilds.
func (m *Manager) RegisterStrategy(st analysis.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.pipe.engine.Register(st); err != nil {
		return err
	}
	m.strategies = append(m.strategies, st)
	return nil
}

// RegisterScanner adds a scanner implementation. Survives pipeline
// rebuilds.
func (m *Manager) RegisterScanner(s scanner.Scanner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipe.scanners.RegisterScanner(s)
	m.scannerSet = append(m.scannerSet, s)
}

// Start binds configured scanners, starts the scheduler and launches
// the session run loop (and the live feed, in live mode).
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return &domain.LifecycleError{Op: "start", State: domain.StateActive}
	}

	if !m.pipe.bound {
		for i, sc := range m.sessionCfg.Data.Scanners {
			if err := m.pipe.scanners.Bind(sc, m.sessionCfg.ScanWindows(i)); err != nil {
				return err
			}
		}
		m.pipe.bound = true
	}

	if err := m.pipe.coord.Start(); err != nil {
		return err
	}
	if m.pipe.feed != nil {
		if err := m.pipe.feed.Start(m.sessionCfg.Data.Symbols); err != nil {
			m.log.Warn().Err(err).Msg("Feed not connected yet, reconnecting in background")
		}
	}
	m.sched.Start()
	m.running = true
	m.startedAt = time.Now().UTC()
	m.log.Info().Str("mode", string(m.sessionCfg.SessionMode())).Msg("Engine started")
	return nil
}

// Stop halts the feed, the session run loop and the scheduler
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	if m.pipe.feed != nil {
		if err := m.pipe.feed.Stop(); err != nil {
			m.log.Warn().Err(err).Msg("Feed shutdown reported an error")
		}
	}
	m.pipe.coord.Stop()
	m.sched.Stop()
	m.running = false
	m.log.Info().Msg("Engine stopped")
}

// Pause suspends the tape
func (m *Manager) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipe.coord.Pause()
}

// Resume continues the tape
func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipe.coord.Resume()
}

// Close releases process-level resources. Call after Stop.
func (m *Manager) Close() {
	if m.repo != nil {
		if err := m.repo.Close(); err != nil {
			m.log.Warn().Err(err).Msg("Bar store close reported an error")
		}
	}
}

// SetMode switches between live and backtest. Only valid while the
// session loop is stopped; the whole pipeline is rebuilt.
func (m *Manager) SetMode(mode domain.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := m.pipe.coord.Status()
	if m.running || (status.State != domain.StateStopped && status.State != domain.StateFailed) {
		return &domain.LifecycleError{Op: "set_mode", State: status.State}
	}
	oldMode := m.sessionCfg.SessionMode()
	if mode == oldMode {
		return nil
	}

	oldBacktest := m.sessionCfg.Backtest
	m.sessionCfg.Mode = string(mode)
	if mode == domain.ModeLive {
		// The backtest block is invalid in live mode; stash it so the
		// mode can be switched back.
		m.stashedBacktest = m.sessionCfg.Backtest
		m.sessionCfg.Backtest = nil
	} else if m.sessionCfg.Backtest == nil {
		m.sessionCfg.Backtest = m.stashedBacktest
	}
	if err := m.sessionCfg.Validate(); err != nil {
		m.sessionCfg.Mode = string(oldMode)
		m.sessionCfg.Backtest = oldBacktest
		_ = m.sessionCfg.Validate()
		return err
	}

	if err := m.buildPipeline(m.sessionCfg); err != nil {
		return err
	}
	m.em.EmitTyped("system", &events.ModeChangedData{
		OldMode: string(oldMode),
		NewMode: string(mode),
	})
	m.log.Info().Str("old", string(oldMode)).Str("new", string(mode)).Msg("Mode changed")
	return nil
}

// Reconfigure swaps the session document. Only valid while stopped.
func (m *Manager) Reconfigure(sessionCfg *config.SessionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := m.pipe.coord.Status()
	if m.running || (status.State != domain.StateStopped && status.State != domain.StateFailed) {
		return &domain.LifecycleError{Op: "reconfigure", State: status.State}
	}
	if err := m.buildPipeline(sessionCfg); err != nil {
		return err
	}
	m.sessionCfg = sessionCfg
	return nil
}

// Accessors for the HTTP layer

// Events returns the process event bus
func (m *Manager) Events() *events.Bus { return m.bus }

// Metrics returns the Prometheus registry
func (m *Manager) Metrics() *metrics.Registry { return m.metrics }

// Store returns the current session store
func (m *Manager) Store() *session.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipe.store
}

// Coordinator returns the current session coordinator
func (m *Manager) Coordinator() *coordinator.Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipe.coord
}

// Quality returns the current quality manager
func (m *Manager) Quality() *quality.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipe.qual
}

// Provisioner returns the current symbol provisioner
func (m *Manager) Provisioner() *provision.Provisioner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipe.prov
}

// SessionConfig returns the active session document
func (m *Manager) SessionConfig() *config.SessionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionCfg
}

// State is the full engine snapshot served by the status API
type State struct {
	Mode          domain.Mode        `json:"mode"`
	Running       bool               `json:"running"`
	StartedAt     time.Time          `json:"started_at"`
	Session       coordinator.Status `json:"session"`
	Symbols       []string           `json:"symbols"`
	TotalBars     int                `json:"total_bars"`
	Strategies    []string           `json:"strategies"`
	Scanners      map[string]string  `json:"scanners,omitempty"`
	FeedConnected bool               `json:"feed_connected"`
	FeedBars      uint64             `json:"feed_bars,omitempty"`
	CacheHits     uint64             `json:"cache_hits,omitempty"`
	CacheMisses   uint64             `json:"cache_misses,omitempty"`
	Errors        []ErrorEntry       `json:"errors,omitempty"`
}

// State assembles the engine snapshot
func (m *Manager) State() State {
	m.mu.Lock()
	pipe := m.pipe
	running := m.running
	startedAt := m.startedAt
	mode := m.sessionCfg.SessionMode()
	m.mu.Unlock()

	st := State{
		Mode:       mode,
		Running:    running,
		StartedAt:  startedAt,
		Session:    pipe.coord.Status(),
		Symbols:    pipe.store.Symbols(),
		TotalBars:  pipe.store.TotalBars(),
		Strategies: pipe.engine.Strategies(),
	}
	if states := pipe.scanners.States(); len(states) > 0 {
		st.Scanners = make(map[string]string, len(states))
		for name, state := range states {
			st.Scanners[name] = string(state)
		}
	}
	if pipe.feed != nil {
		st.FeedConnected = pipe.feed.Connected()
		st.FeedBars = pipe.feed.Received()
	}
	if m.cache != nil {
		st.CacheHits, st.CacheMisses = m.cache.Stats()
	}

	m.errMu.Lock()
	st.Errors = append([]ErrorEntry(nil), m.errors...)
	m.errMu.Unlock()
	return st
}
