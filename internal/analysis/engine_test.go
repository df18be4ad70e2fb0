package analysis

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tape/internal/clock"
	"github.com/aristath/tape/internal/domain"
	"github.com/aristath/tape/internal/events"
	"github.com/aristath/tape/internal/indicators"
	"github.com/aristath/tape/internal/metrics"
	"github.com/aristath/tape/internal/session"
)

// fakeStrategy counts deliveries and can simulate slow or panicking work
type fakeStrategy struct {
	name     string
	reqs     []domain.StreamRequirement
	delay    time.Duration
	panicked bool
	onBar    atomic.Int64
	starts   atomic.Int64
	ends     atomic.Int64

	mu        sync.Mutex
	indicator []string
	added     []string
}

func (f *fakeStrategy) Name() string                             { return f.name }
func (f *fakeStrategy) Requirements() []domain.StreamRequirement { return f.reqs }

func (f *fakeStrategy) OnSessionStart(ctx Context, window domain.SessionWindow) error {
	f.starts.Add(1)
	return nil
}

func (f *fakeStrategy) OnBar(ctx Context, notice domain.BarNotice) error {
	if f.panicked {
		panic("strategy bug")
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.onBar.Add(1)
	return nil
}

func (f *fakeStrategy) OnIndicator(ctx Context, symbol, key string, value session.IndicatorValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indicator = append(f.indicator, symbol+"/"+key)
	return nil
}

func (f *fakeStrategy) OnSymbolAdded(ctx Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, symbol)
	return nil
}

func (f *fakeStrategy) indicatorKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.indicator...)
}

func (f *fakeStrategy) addedSymbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.added...)
}

func (f *fakeStrategy) OnSessionEnd(ctx Context) error {
	f.ends.Add(1)
	return nil
}

var aaplStream = domain.StreamID{Symbol: "AAPL.US", Interval: domain.Interval1m}

func aaplReq() []domain.StreamRequirement {
	return []domain.StreamRequirement{{Symbol: "AAPL.US", Interval: domain.Interval1m, HistoryBars: 50}}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	log := zerolog.Nop()
	store := session.NewStore(log)
	em := events.NewManager(events.NewBus(log), log)
	return NewEngine(store, clock.NewLive(), em, metrics.New(), log)
}

func notice(offset int) domain.BarNotice {
	ts := time.Date(2025, 11, 4, 14, 30, 0, 0, time.UTC).Add(time.Duration(offset) * time.Minute)
	return domain.BarNotice{Stream: aaplStream, Bar: domain.Bar{Timestamp: ts, Close: 100}, Seq: uint64(offset + 1), Clock: ts}
}

func TestRoutingOnlyReachesSubscribers(t *testing.T) {
	e := newTestEngine(t)
	st := &fakeStrategy{name: "momo", reqs: aaplReq()}
	require.NoError(t, e.Register(st))
	defer e.Deregister("momo")

	e.SetDataDriven(true)
	e.Notify(notice(0))
	e.Notify(domain.BarNotice{Stream: domain.StreamID{Symbol: "TSLA.US", Interval: domain.Interval1m}})

	assert.Equal(t, int64(1), st.onBar.Load())
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Register(&fakeStrategy{name: "momo", reqs: aaplReq()}))
	defer e.Deregister("momo")

	err := e.Register(&fakeStrategy{name: "momo", reqs: aaplReq()})
	assert.ErrorIs(t, err, domain.ErrSymbolExists)
}

func TestDataDrivenDeliversEveryBar(t *testing.T) {
	e := newTestEngine(t)
	st := &fakeStrategy{name: "slow", reqs: aaplReq(), delay: 20 * time.Millisecond}
	require.NoError(t, e.Register(st))
	defer e.Deregister("slow")
	e.SetDataDriven(true)

	started := time.Now()
	for i := 0; i < 5; i++ {
		e.Notify(notice(i))
		require.True(t, e.Ready().WaitReady(time.Second))
	}

	// Gated delivery: nothing dropped, wall time reflects the subscriber
	assert.Equal(t, int64(5), st.onBar.Load())
	assert.GreaterOrEqual(t, time.Since(started), 100*time.Millisecond)
	assert.Zero(t, e.Overruns("slow"))
}

func TestClockDrivenSlowStrategyMissesTicks(t *testing.T) {
	e := newTestEngine(t)
	st := &fakeStrategy{name: "slow", reqs: aaplReq(), delay: 80 * time.Millisecond}
	require.NoError(t, e.Register(st))
	defer e.Deregister("slow")

	// Non-blocking dispatch: burst of notices overflows the cap-1 mailbox
	for i := 0; i < 6; i++ {
		e.Notify(notice(i))
	}
	time.Sleep(600 * time.Millisecond)

	assert.Greater(t, e.Overruns("slow"), uint64(0), "a slow strategy misses ticks")
	assert.Less(t, st.onBar.Load(), int64(6))
	assert.Greater(t, st.onBar.Load(), int64(0))
}

func TestPanicRecoveryKeepsRunnerAlive(t *testing.T) {
	e := newTestEngine(t)
	st := &fakeStrategy{name: "buggy", reqs: aaplReq(), panicked: true}
	require.NoError(t, e.Register(st))
	defer e.Deregister("buggy")
	e.SetDataDriven(true)

	e.Notify(notice(0)) // panics, recovered

	st.panicked = false
	e.Notify(notice(1))
	assert.Equal(t, int64(1), st.onBar.Load())
}

func TestSessionHooksFanOut(t *testing.T) {
	e := newTestEngine(t)
	a := &fakeStrategy{name: "a", reqs: aaplReq()}
	b := &fakeStrategy{name: "b", reqs: aaplReq()}
	require.NoError(t, e.Register(a))
	require.NoError(t, e.Register(b))
	defer e.Deregister("a")
	defer e.Deregister("b")

	e.SessionStart(domain.SessionWindow{})
	e.SessionEnd()

	assert.Equal(t, int64(1), a.starts.Load())
	assert.Equal(t, int64(1), b.ends.Load())
}

func TestIndicatorUpdatesReachOnlyRequestingStrategies(t *testing.T) {
	e := newTestEngine(t)
	sma := domain.IndicatorSpec{Name: "sma", Params: map[string]float64{"length": 20}}
	key := indicators.InstanceKey(sma, domain.Interval1m)

	subscribed := &fakeStrategy{name: "with-sma", reqs: []domain.StreamRequirement{
		{Symbol: "AAPL.US", Interval: domain.Interval1m, Indicators: []domain.IndicatorSpec{sma}},
	}}
	bystander := &fakeStrategy{name: "bars-only", reqs: aaplReq()}
	require.NoError(t, e.Register(subscribed))
	require.NoError(t, e.Register(bystander))
	defer e.Deregister("with-sma")
	defer e.Deregister("bars-only")
	e.SetDataDriven(true)

	e.NotifyIndicator("AAPL.US", key, session.IndicatorValue{Value: 101.5, Ready: true})
	e.NotifyIndicator("TSLA.US", key, session.IndicatorValue{Value: 50, Ready: true})

	assert.Equal(t, []string{"AAPL.US/" + key}, subscribed.indicatorKeys())
	assert.Empty(t, bystander.indicatorKeys())
}

func TestSymbolAddedReachesEveryStrategy(t *testing.T) {
	e := newTestEngine(t)
	a := &fakeStrategy{name: "a", reqs: aaplReq()}
	b := &fakeStrategy{name: "b", reqs: aaplReq()}
	require.NoError(t, e.Register(a))
	require.NoError(t, e.Register(b))
	defer e.Deregister("a")
	defer e.Deregister("b")

	e.SymbolAdded("NVDA.US")

	assert.Equal(t, []string{"NVDA.US"}, a.addedSymbols())
	assert.Equal(t, []string{"NVDA.US"}, b.addedSymbols())
}

func TestRequiredStreamsMerge(t *testing.T) {
	e := newTestEngine(t)
	sma := domain.IndicatorSpec{Name: "sma", Params: map[string]float64{"length": 20}}
	rsi := domain.IndicatorSpec{Name: "rsi", Params: map[string]float64{"length": 14}}

	require.NoError(t, e.Register(&fakeStrategy{name: "a", reqs: []domain.StreamRequirement{
		{Symbol: "AAPL.US", Interval: domain.Interval1m, HistoryBars: 50, Indicators: []domain.IndicatorSpec{sma}},
	}}))
	require.NoError(t, e.Register(&fakeStrategy{name: "b", reqs: []domain.StreamRequirement{
		{Symbol: "AAPL.US", Interval: domain.Interval1m, HistoryBars: 200, Indicators: []domain.IndicatorSpec{sma, rsi}},
		{Symbol: "MSFT.US", Interval: domain.Interval5m, HistoryBars: 30},
	}}))
	defer e.Deregister("a")
	defer e.Deregister("b")

	reqs := e.RequiredStreams()
	require.Len(t, reqs, 2)

	byStream := map[string]domain.StreamRequirement{}
	for _, r := range reqs {
		byStream[r.Symbol+":"+r.Interval.String()] = r
	}
	aapl := byStream["AAPL.US:1m"]
	assert.Equal(t, 200, aapl.HistoryBars, "history depth takes the max")
	assert.Len(t, aapl.Indicators, 2, "indicator sets union")
	assert.Equal(t, 30, byStream["MSFT.US:5m"].HistoryBars)
}
