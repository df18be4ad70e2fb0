// Package provision implements dynamic symbol management: the
// analyze, validate, provision protocol that brings a symbol into a
// running session, and the adhoc-to-full upgrade path.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/tape/internal/calendar"
	"github.com/aristath/tape/internal/clock"
	"github.com/aristath/tape/internal/domain"
	"github.com/aristath/tape/internal/events"
	"github.com/aristath/tape/internal/indicators"
	"github.com/aristath/tape/internal/metrics"
	"github.com/aristath/tape/internal/repository"
	"github.com/aristath/tape/internal/session"
)

// IndicatorBinder registers indicator instances for refresh. The
// processor implements it.
type IndicatorBinder interface {
	RegisterIndicator(symbol string, interval domain.Interval, spec domain.IndicatorSpec) error
	UnregisterSymbol(symbol string)
}

// Baseliner scores a freshly loaded stream. The quality manager
// implements it.
type Baseliner interface {
	Evaluate(stream domain.StreamID, ref time.Time) float64
}

// Detacher closes a removed symbol's input streams so the merge no
// longer reads them. The coordinator implements it.
type Detacher interface {
	CloseStream(symbol string)
}

// IndicatorBinding is one configured indicator instance and the
// intervals it runs on. Full-scope symbols receive all of them.
type IndicatorBinding struct {
	Spec      domain.IndicatorSpec
	Intervals []domain.Interval
}

// Config is the provisioning policy for the session
type Config struct {
	Exchange     string
	Base         domain.Interval
	Derived      []domain.Interval
	TrailingDays int
	WarmupDays   int
	Indicators   []IndicatorBinding
}

// Provisioner executes symbol admissions against the session store
type Provisioner struct {
	store    *session.Store
	repo     repository.BarRepository
	cal      *calendar.Service
	registry *indicators.Registry
	binder   IndicatorBinder
	baseline Baseliner
	detach   Detacher
	clk      clock.TimeManager
	events   *events.Manager
	metrics  *metrics.Registry
	cfg      Config
	log      zerolog.Logger

	window domain.SessionWindow
}

// New creates a provisioner
func New(store *session.Store, repo repository.BarRepository, cal *calendar.Service, registry *indicators.Registry,
	binder IndicatorBinder, baseline Baseliner, clk clock.TimeManager, em *events.Manager, m *metrics.Registry,
	cfg Config, log zerolog.Logger) *Provisioner {
	return &Provisioner{
		store:    store,
		repo:     repo,
		cal:      cal,
		registry: registry,
		binder:   binder,
		baseline: baseline,
		clk:      clk,
		events:   em,
		metrics:  m,
		cfg:      cfg,
		log:      log.With().Str("service", "provision").Logger(),
	}
}

// SetDetacher wires the input-stream detach hook. The coordinator is
// built after the provisioner, so this cannot sit in New.
func (p *Provisioner) SetDetacher(d Detacher) {
	p.detach = d
}

// StartSession pins the trading window history loads resolve against
func (p *Provisioner) StartSession(window domain.SessionWindow) {
	p.window = window
}

// plan is the analyze-phase output for one symbol
type plan struct {
	id          uuid.UUID
	symbol      string
	scope       domain.SymbolScope
	addedBy     session.AddedBy
	auto        bool
	upgrade     bool
	intervals   []domain.Interval
	historyDays int
	indicators  []IndicatorBinding
}

// AddSymbol brings a symbol into the session through the three-phase
// protocol. A full add of an existing adhoc symbol becomes an upgrade;
// any other duplicate is rejected with ErrSymbolExists.
func (p *Provisioner) AddSymbol(ctx context.Context, symbol string, scope domain.SymbolScope, addedBy session.AddedBy, auto bool) error {
	pl, err := p.analyze(symbol, scope, addedBy, auto)
	if err != nil {
		p.fail(symbol, "analyze", err)
		return err
	}
	if err := p.validate(ctx, pl); err != nil {
		p.fail(symbol, "validate", err)
		return err
	}
	if err := p.provision(ctx, pl); err != nil {
		p.fail(symbol, "provision", err)
		return err
	}
	return nil
}

// Upgrade promotes an adhoc symbol to full scope, preserving its
// original registration metadata.
func (p *Provisioner) Upgrade(ctx context.Context, symbol string) error {
	prov, err := p.store.Provenance(symbol)
	if err != nil {
		p.fail(symbol, "validate", err)
		return err
	}
	if prov.MeetsRequirements {
		err := fmt.Errorf("%s already fully provisioned: %w", symbol, domain.ErrSymbolExists)
		p.fail(symbol, "validate", err)
		return err
	}

	pl, err := p.analyze(symbol, domain.ScopeFull, prov.AddedBy, prov.AutoProvisioned)
	if err != nil {
		p.fail(symbol, "analyze", err)
		return err
	}
	pl.upgrade = true
	if err := p.provision(ctx, pl); err != nil {
		p.fail(symbol, "provision", err)
		return err
	}
	return nil
}

// Reload refreshes history for a symbol that is already registered.
// Teardown keeps registrations but drops bars, so every new session
// reloads its warmup series.
func (p *Provisioner) Reload(ctx context.Context, symbol string) error {
	prov, err := p.store.Provenance(symbol)
	if err != nil {
		return err
	}
	days := p.cfg.WarmupDays
	if prov.MeetsRequirements {
		days = p.cfg.TrailingDays
	}
	if _, err := p.loadHistory(ctx, symbol, days); err != nil {
		return err
	}
	if p.baseline != nil && prov.MeetsRequirements {
		p.baseline.Evaluate(domain.StreamID{Symbol: symbol, Interval: p.cfg.Base}, p.clk.Now())
	}
	return nil
}

// RemoveSymbol drops a symbol from the session. Its input streams are
// detached first so the merge never advances the clock off a removed
// symbol's bars.
func (p *Provisioner) RemoveSymbol(symbol string) error {
	if !p.store.Has(symbol) {
		return fmt.Errorf("%s: %w", symbol, domain.ErrUnknownSymbol)
	}
	if p.detach != nil {
		p.detach.CloseStream(symbol)
	}
	if err := p.store.Unregister(symbol); err != nil {
		return err
	}
	p.binder.UnregisterSymbol(symbol)
	p.events.EmitTyped("provision", &events.SymbolRemovedData{Symbol: symbol})
	return nil
}

// Admit implements the scanner admission contract. Known symbols are
// upgraded when the scan asks for full scope, skipped otherwise.
func (p *Provisioner) Admit(ctx context.Context, symbols []string, scope domain.SymbolScope, source string) error {
	var firstErr error
	for _, symbol := range symbols {
		var err error
		if p.store.Has(symbol) {
			if scope != domain.ScopeFull {
				continue
			}
			err = p.Upgrade(ctx, symbol)
			if errors.Is(err, domain.ErrSymbolExists) {
				continue
			}
		} else {
			err = p.AddSymbol(ctx, symbol, scope, session.AddedByScanner, true)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ApplyRequirements makes sure every strategy-required stream exists
// with its indicators. Missing symbols are added at full scope; an
// instance the session already carries is fine.
func (p *Provisioner) ApplyRequirements(ctx context.Context, reqs []domain.StreamRequirement) error {
	for _, req := range reqs {
		if !p.store.Has(req.Symbol) {
			if err := p.AddSymbol(ctx, req.Symbol, domain.ScopeFull, session.AddedByStrategy, true); err != nil {
				return err
			}
		}
		if err := p.store.AddInterval(req.Symbol, req.Interval); err != nil {
			return err
		}
		for _, spec := range req.Indicators {
			err := p.binder.RegisterIndicator(req.Symbol, req.Interval, spec)
			if err != nil && !errors.Is(err, domain.ErrIndicatorExists) {
				return err
			}
		}
	}
	return nil
}

// AddIndicator binds one indicator instance to a symbol mid-session.
// An absent symbol joins adhoc first, and a derived target interval is
// added implicitly. Re-adding an instance the symbol already carries is
// rejected.
func (p *Provisioner) AddIndicator(ctx context.Context, symbol string, spec domain.IndicatorSpec, interval domain.Interval, source string) error {
	if !p.registry.Has(spec.Name) {
		err := domain.NewValidationError("indicator", "unknown indicator %q", spec.Name)
		p.fail(symbol, "validate", err)
		return err
	}
	if interval != p.cfg.Base && !interval.IsMultipleOf(p.cfg.Base) {
		err := domain.NewValidationError("interval", "%s is not a multiple of base %s", interval, p.cfg.Base)
		p.fail(symbol, "validate", err)
		return err
	}

	if !p.store.Has(symbol) {
		if err := p.AddSymbol(ctx, symbol, domain.ScopeAdhoc, session.AddedByScanner, true); err != nil {
			return err
		}
	}
	if err := p.store.AddInterval(symbol, interval); err != nil {
		p.fail(symbol, "provision", err)
		return err
	}
	if err := p.binder.RegisterIndicator(symbol, interval, spec); err != nil {
		p.fail(symbol, "provision", err)
		return err
	}

	key := indicators.InstanceKey(spec, interval)
	p.log.Info().Str("symbol", symbol).Str("indicator", key).Str("source", source).Msg("Indicator added")
	p.events.EmitTyped("provision", &events.IndicatorAddedData{
		Symbol:    symbol,
		Indicator: key,
		Source:    source,
	})
	return nil
}

// analyze resolves what the add needs: intervals, history depth and
// indicator instances, by scope.
func (p *Provisioner) analyze(symbol string, scope domain.SymbolScope, addedBy session.AddedBy, auto bool) (*plan, error) {
	if symbol == "" {
		return nil, domain.NewValidationError("symbol", "symbol is required")
	}
	pl := &plan{
		id:      uuid.New(),
		symbol:  symbol,
		scope:   scope,
		addedBy: addedBy,
		auto:    auto,
	}
	if scope == domain.ScopeFull {
		pl.intervals = append([]domain.Interval{p.cfg.Base}, p.cfg.Derived...)
		pl.historyDays = p.cfg.TrailingDays
		pl.indicators = p.cfg.Indicators
	} else {
		pl.intervals = []domain.Interval{p.cfg.Base}
		pl.historyDays = p.cfg.WarmupDays
	}
	return pl, nil
}

// validate checks the plan against the repository and the catalog
func (p *Provisioner) validate(ctx context.Context, pl *plan) error {
	if p.store.Has(pl.symbol) {
		prov, err := p.store.Provenance(pl.symbol)
		if err == nil && !prov.MeetsRequirements && pl.scope == domain.ScopeFull {
			pl.upgrade = true
			return nil
		}
		return fmt.Errorf("%s: %w", pl.symbol, domain.ErrSymbolExists)
	}

	known, err := p.repo.HasSymbol(ctx, pl.symbol)
	if err != nil {
		return err
	}
	if !known {
		return domain.NewValidationError("symbol", "no repository data for %q", pl.symbol)
	}

	for _, binding := range pl.indicators {
		if !p.registry.Has(binding.Spec.Name) {
			return domain.NewValidationError("indicator", "unknown indicator %q", binding.Spec.Name)
		}
		for _, interval := range binding.Intervals {
			if interval != p.cfg.Base && !interval.IsMultipleOf(p.cfg.Base) {
				return domain.NewValidationError("interval", "%s is not a multiple of base %s", interval, p.cfg.Base)
			}
		}
	}
	return nil
}

// provision runs the ordered admission steps, rolling a fresh symbol
// back out on failure.
func (p *Provisioner) provision(ctx context.Context, pl *plan) error {
	log := p.log.With().Str("request_id", pl.id.String()).Str("symbol", pl.symbol).Logger()
	created := false
	p.metrics.PendingSymbols.Inc()
	defer p.metrics.PendingSymbols.Dec()

	rollback := func(step string, err error) error {
		if created {
			_ = p.store.Unregister(pl.symbol)
			p.binder.UnregisterSymbol(pl.symbol)
		}
		return fmt.Errorf("%s %s: %w", pl.symbol, step, err)
	}

	// Step 1: symbol record
	if pl.upgrade {
		prov, err := p.store.Provenance(pl.symbol)
		if err != nil {
			return err
		}
		// AddedAt and AutoProvisioned survive the upgrade
		prov.MeetsRequirements = true
		prov.UpgradedFromAdhoc = true
		if err := p.store.SetProvenance(pl.symbol, prov); err != nil {
			return err
		}
		for _, interval := range pl.intervals {
			if err := p.store.AddInterval(pl.symbol, interval); err != nil {
				return err
			}
		}
		log.Info().Msg("Symbol record upgraded")
	} else {
		prov := session.Provenance{
			MeetsRequirements: pl.scope == domain.ScopeFull,
			AddedBy:           pl.addedBy,
			AutoProvisioned:   pl.auto,
			AddedAt:           p.clk.Now(),
		}
		if err := p.store.Register(pl.symbol, p.cfg.Base, pl.intervals[1:], prov); err != nil {
			return err
		}
		created = true
		log.Info().Str("scope", string(pl.scope)).Msg("Symbol record created")
	}

	// Step 2: historical bars
	loaded, err := p.loadHistory(ctx, pl.symbol, pl.historyDays)
	if err != nil {
		return rollback("history load", err)
	}
	log.Debug().Int("bars", loaded).Int("days", pl.historyDays).Msg("History loaded")

	// Step 3: session bars up to the current clock
	if !p.window.Open.IsZero() {
		bars, err := p.repo.GetBars(ctx, pl.symbol, p.cfg.Base, p.window.Open, p.clk.Now())
		if err != nil {
			return rollback("session load", err)
		}
		if _, err := p.store.AddBatch(pl.symbol, p.cfg.Base, bars, session.BatchAppend); err != nil {
			return rollback("session load", err)
		}
	}

	// Step 4: indicator instances. An upgrade may re-register a binding
	// an adhoc indicator add already placed.
	for _, binding := range pl.indicators {
		for _, interval := range binding.Intervals {
			err := p.binder.RegisterIndicator(pl.symbol, interval, binding.Spec)
			if err != nil && !errors.Is(err, domain.ErrIndicatorExists) {
				return rollback("indicator registration", err)
			}
		}
	}

	// Step 5: baseline quality, full scope only. Adhoc symbols are
	// session-only and never scored.
	if p.baseline != nil && pl.scope == domain.ScopeFull {
		score := p.baseline.Evaluate(domain.StreamID{Symbol: pl.symbol, Interval: p.cfg.Base}, p.clk.Now())
		log.Debug().Float64("quality", score).Msg("Baseline quality scored")
	}

	if pl.upgrade {
		p.events.EmitTyped("provision", &events.SymbolUpgradedData{
			Symbol:   pl.symbol,
			OldScope: string(domain.ScopeAdhoc),
			NewScope: string(domain.ScopeFull),
		})
	} else {
		p.events.EmitTyped("provision", &events.SymbolAddedData{
			Symbol:          pl.symbol,
			Exchange:        p.cfg.Exchange,
			Scope:           string(pl.scope),
			AutoProvisioned: pl.auto,
		})
	}
	return nil
}

// loadHistory pulls the previous trading days' base bars into the store
func (p *Provisioner) loadHistory(ctx context.Context, symbol string, days int) (int, error) {
	if days <= 0 {
		return 0, nil
	}

	date := p.window.Date
	if date.IsZero() {
		date = p.clk.Now()
	}

	total := 0
	for i := 0; i < days; i++ {
		prev, err := p.cal.PreviousTradingDate(p.cfg.Exchange, date)
		if err != nil {
			return total, err
		}
		window, err := p.cal.Session(p.cfg.Exchange, prev)
		if err != nil {
			return total, err
		}
		bars, err := p.repo.GetBars(ctx, symbol, p.cfg.Base, window.Open, window.Close)
		if err != nil {
			return total, err
		}
		added, err := p.store.AddBatch(symbol, p.cfg.Base, bars, session.BatchAppend)
		if err != nil {
			return total, err
		}
		total += added
		date = prev
	}
	return total, nil
}

// fail logs and emits a provisioning failure with its phase
func (p *Provisioner) fail(symbol, phase string, err error) {
	p.log.Warn().Err(err).Str("symbol", symbol).Str("phase", phase).Msg("Provisioning failed")
	p.events.EmitTyped("provision", &events.ProvisionFailedData{
		Symbol: symbol,
		Phase:  phase,
		Reason: err.Error(),
	})
}
