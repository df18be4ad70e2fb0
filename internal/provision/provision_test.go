package provision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tape/internal/calendar"
	"github.com/aristath/tape/internal/clock"
	"github.com/aristath/tape/internal/domain"
	"github.com/aristath/tape/internal/events"
	"github.com/aristath/tape/internal/indicators"
	"github.com/aristath/tape/internal/metrics"
	"github.com/aristath/tape/internal/repository"
	"github.com/aristath/tape/internal/session"
)

// fakeBinder records indicator registrations and rejects duplicates
// the way the processor does.
type fakeBinder struct {
	mu         sync.Mutex
	registered []string
	removed    []string
}

func (f *fakeBinder) RegisterIndicator(symbol string, interval domain.Interval, spec domain.IndicatorSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := symbol + "/" + indicators.InstanceKey(spec, interval)
	for _, have := range f.registered {
		if have == key {
			return domain.ErrIndicatorExists
		}
	}
	f.registered = append(f.registered, key)
	return nil
}

func (f *fakeBinder) UnregisterSymbol(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, symbol)
}

// fakeBaseline counts quality scorings per stream
type fakeBaseline struct {
	mu     sync.Mutex
	scored []domain.StreamID
}

func (f *fakeBaseline) Evaluate(stream domain.StreamID, _ time.Time) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scored = append(f.scored, stream)
	return 1.0
}

func (f *fakeBaseline) streams() []domain.StreamID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.StreamID(nil), f.scored...)
}

// fakeDetacher records input-stream closures
type fakeDetacher struct {
	mu     sync.Mutex
	closed []string
}

func (f *fakeDetacher) CloseStream(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, symbol)
}

type fixture struct {
	prov     *Provisioner
	store    *session.Store
	repo     *repository.MemoryRepository
	binder   *fakeBinder
	baseline *fakeBaseline
	detach   *fakeDetacher
	clk      *clock.Sim
	window   domain.SessionWindow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zerolog.Nop()
	cal := calendar.NewService()

	tradingDay := time.Date(2025, 11, 4, 12, 0, 0, 0, time.UTC)
	window, err := cal.Session("XNYS", tradingDay)
	require.NoError(t, err)

	repo := repository.NewMemory()
	seedDay := func(day time.Time) {
		w, err := cal.Session("XNYS", day)
		require.NoError(t, err)
		bars := make([]domain.Bar, 0, 30)
		for i := 0; i < 30; i++ {
			bars = append(bars, domain.Bar{
				Timestamp: w.Open.Add(time.Duration(i) * time.Minute),
				Open:      100, High: 101, Low: 99, Close: 100, Volume: 1000,
			})
		}
		repo.Seed("TSLA.US", domain.Interval1m, bars)
	}
	seedDay(tradingDay)
	prev, err := cal.PreviousTradingDate("XNYS", tradingDay)
	require.NoError(t, err)
	seedDay(prev)

	store := session.NewStore(log)
	binder := &fakeBinder{}
	clk := clock.NewSim(window.Open)
	em := events.NewManager(events.NewBus(log), log)

	cfg := Config{
		Exchange:     "XNYS",
		Base:         domain.Interval1m,
		Derived:      []domain.Interval{domain.Interval5m},
		TrailingDays: 1,
		WarmupDays:   1,
		Indicators: []IndicatorBinding{
			{Spec: domain.IndicatorSpec{Name: "sma", Params: map[string]float64{"length": 20}}, Intervals: []domain.Interval{domain.Interval1m}},
		},
	}

	baseline := &fakeBaseline{}
	detach := &fakeDetacher{}
	p := New(store, repo, cal, indicators.Default(), binder, baseline, clk, em, metrics.New(), cfg, log)
	p.SetDetacher(detach)
	p.StartSession(window)
	return &fixture{prov: p, store: store, repo: repo, binder: binder, baseline: baseline, detach: detach, clk: clk, window: window}
}

func TestFullAddProvisionsEverything(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.prov.AddSymbol(context.Background(), "TSLA.US", domain.ScopeFull, session.AddedByConfig, false))

	intervals, err := f.store.Intervals("TSLA.US")
	require.NoError(t, err)
	assert.Equal(t, []domain.Interval{domain.Interval1m, domain.Interval5m}, intervals)

	prov, err := f.store.Provenance("TSLA.US")
	require.NoError(t, err)
	assert.True(t, prov.MeetsRequirements)
	assert.Equal(t, session.AddedByConfig, prov.AddedBy)
	assert.False(t, prov.AutoProvisioned)
	assert.Equal(t, f.window.Open, prov.AddedAt)

	// One previous trading day of history landed in the base series
	assert.Equal(t, 30, f.store.BarCount("TSLA.US", domain.Interval1m))
	assert.Equal(t, []string{"TSLA.US/sma(length=20):1m"}, f.binder.registered)
}

func TestAdhocAddIsSessionOnly(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.prov.AddSymbol(context.Background(), "TSLA.US", domain.ScopeAdhoc, session.AddedByAdhoc, true))

	intervals, err := f.store.Intervals("TSLA.US")
	require.NoError(t, err)
	assert.Equal(t, []domain.Interval{domain.Interval1m}, intervals, "adhoc carries the base series only")

	prov, _ := f.store.Provenance("TSLA.US")
	assert.False(t, prov.MeetsRequirements)
	assert.True(t, prov.AutoProvisioned)
	assert.Empty(t, f.binder.registered, "adhoc symbols get no indicators")
}

func TestDuplicateFullAddRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.prov.AddSymbol(ctx, "TSLA.US", domain.ScopeFull, session.AddedByConfig, false))
	err := f.prov.AddSymbol(ctx, "TSLA.US", domain.ScopeFull, session.AddedByConfig, false)
	assert.ErrorIs(t, err, domain.ErrSymbolExists)
}

func TestUnknownSymbolFailsValidation(t *testing.T) {
	f := newFixture(t)

	err := f.prov.AddSymbol(context.Background(), "GHOST.US", domain.ScopeFull, session.AddedByConfig, false)
	require.Error(t, err)
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.False(t, f.store.Has("GHOST.US"))
}

func TestUpgradePreservesProvenance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.prov.AddSymbol(ctx, "TSLA.US", domain.ScopeAdhoc, session.AddedByScanner, true))
	before, _ := f.store.Provenance("TSLA.US")

	f.clk.Set(f.window.Open.Add(time.Hour))
	require.NoError(t, f.prov.Upgrade(ctx, "TSLA.US"))

	after, err := f.store.Provenance("TSLA.US")
	require.NoError(t, err)
	assert.True(t, after.MeetsRequirements)
	assert.True(t, after.UpgradedFromAdhoc)
	assert.Equal(t, before.AddedAt, after.AddedAt, "upgrade keeps the original add time")
	assert.True(t, after.AutoProvisioned, "upgrade keeps auto-provisioned")

	intervals, _ := f.store.Intervals("TSLA.US")
	assert.Equal(t, []domain.Interval{domain.Interval1m, domain.Interval5m}, intervals)
	assert.Equal(t, []string{"TSLA.US/sma(length=20):1m"}, f.binder.registered)
}

func TestUpgradeOfFullSymbolRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.prov.AddSymbol(ctx, "TSLA.US", domain.ScopeFull, session.AddedByConfig, false))
	err := f.prov.Upgrade(ctx, "TSLA.US")
	assert.ErrorIs(t, err, domain.ErrSymbolExists)
}

func TestFullAddOfAdhocSymbolBecomesUpgrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.prov.AddSymbol(ctx, "TSLA.US", domain.ScopeAdhoc, session.AddedByAdhoc, true))
	require.NoError(t, f.prov.AddSymbol(ctx, "TSLA.US", domain.ScopeFull, session.AddedByConfig, false))

	prov, _ := f.store.Provenance("TSLA.US")
	assert.True(t, prov.MeetsRequirements)
	assert.True(t, prov.UpgradedFromAdhoc)
}

func TestAdmitSkipsKnownAdhocForAdhocScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.prov.AddSymbol(ctx, "TSLA.US", domain.ScopeAdhoc, session.AddedByAdhoc, true))
	require.NoError(t, f.prov.Admit(ctx, []string{"TSLA.US"}, domain.ScopeAdhoc, "movers"))

	prov, _ := f.store.Provenance("TSLA.US")
	assert.False(t, prov.MeetsRequirements, "re-admission at the same scope is a no-op")
}

func TestRemoveSymbolCleansUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.prov.AddSymbol(ctx, "TSLA.US", domain.ScopeFull, session.AddedByConfig, false))
	require.NoError(t, f.prov.RemoveSymbol("TSLA.US"))

	assert.False(t, f.store.Has("TSLA.US"))
	assert.Equal(t, []string{"TSLA.US"}, f.binder.removed)
	assert.Equal(t, []string{"TSLA.US"}, f.detach.closed, "input streams close before the symbol unregisters")
}

func TestRemoveUnknownSymbolRejected(t *testing.T) {
	f := newFixture(t)

	err := f.prov.RemoveSymbol("GHOST.US")
	assert.ErrorIs(t, err, domain.ErrUnknownSymbol)
	assert.Empty(t, f.detach.closed)
}

func TestBaselineScoredForFullScopeOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.prov.AddSymbol(ctx, "TSLA.US", domain.ScopeAdhoc, session.AddedByAdhoc, true))
	assert.Empty(t, f.baseline.streams(), "adhoc loads carry no baseline score")

	require.NoError(t, f.prov.Upgrade(ctx, "TSLA.US"))
	scored := f.baseline.streams()
	require.Len(t, scored, 1)
	assert.Equal(t, domain.StreamID{Symbol: "TSLA.US", Interval: domain.Interval1m}, scored[0])
}

func TestAddIndicatorOnAbsentSymbolJoinsAdhoc(t *testing.T) {
	f := newFixture(t)
	spec := domain.IndicatorSpec{Name: "rsi", Params: map[string]float64{"length": 14}}

	require.NoError(t, f.prov.AddIndicator(context.Background(), "TSLA.US", spec, domain.Interval5m, "setups"))

	require.True(t, f.store.Has("TSLA.US"))
	prov, err := f.store.Provenance("TSLA.US")
	require.NoError(t, err)
	assert.False(t, prov.MeetsRequirements)
	assert.Equal(t, session.AddedByScanner, prov.AddedBy)

	// The derived target interval is added implicitly
	intervals, err := f.store.Intervals("TSLA.US")
	require.NoError(t, err)
	assert.Equal(t, []domain.Interval{domain.Interval1m, domain.Interval5m}, intervals)

	assert.Equal(t, []string{"TSLA.US/" + indicators.InstanceKey(spec, domain.Interval5m)}, f.binder.registered)
	assert.Empty(t, f.baseline.streams(), "an indicator host joins without a baseline score")
}

func TestAddIndicatorDuplicateRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Full-scope provisioning already bound sma(20) on 1m
	require.NoError(t, f.prov.AddSymbol(ctx, "TSLA.US", domain.ScopeFull, session.AddedByConfig, false))

	spec := domain.IndicatorSpec{Name: "sma", Params: map[string]float64{"length": 20}}
	err := f.prov.AddIndicator(ctx, "TSLA.US", spec, domain.Interval1m, "setups")
	assert.ErrorIs(t, err, domain.ErrIndicatorExists)

	// A different interval is a distinct instance
	assert.NoError(t, f.prov.AddIndicator(ctx, "TSLA.US", spec, domain.Interval5m, "setups"))
}

func TestAddIndicatorValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var verr *domain.ValidationError

	err := f.prov.AddIndicator(ctx, "TSLA.US", domain.IndicatorSpec{Name: "nonsense"}, domain.Interval1m, "setups")
	require.Error(t, err)
	assert.ErrorAs(t, err, &verr)
	assert.False(t, f.store.Has("TSLA.US"), "validation fails before the symbol joins")

	spec := domain.IndicatorSpec{Name: "sma", Params: map[string]float64{"length": 20}}
	err = f.prov.AddIndicator(ctx, "TSLA.US", spec, domain.Interval(90*time.Second), "setups")
	require.Error(t, err)
	assert.ErrorAs(t, err, &verr)
}
