package quality

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tape/internal/calendar"
	"github.com/aristath/tape/internal/clock"
	"github.com/aristath/tape/internal/domain"
	"github.com/aristath/tape/internal/events"
	"github.com/aristath/tape/internal/metrics"
	"github.com/aristath/tape/internal/repository"
	"github.com/aristath/tape/internal/session"
)

// A 300-minute session: 300 expected 1m bars
var window = domain.SessionWindow{
	Exchange: "TEST",
	Open:     time.Date(2025, 11, 4, 14, 30, 0, 0, time.UTC),
	Close:    time.Date(2025, 11, 4, 19, 30, 0, 0, time.UTC),
}

func newTestManager(t *testing.T, cfg Config, repo repository.BarRepository) (*Manager, *session.Store) {
	t.Helper()
	log := zerolog.Nop()
	store := session.NewStore(log)
	require.NoError(t, store.Register("SYM.US", domain.Interval1m, []domain.Interval{domain.Interval5m}, session.Provenance{}))

	if repo == nil {
		repo = repository.NewMemory()
	}
	em := events.NewManager(events.NewBus(log), log)
	m := New(store, calendar.NewService(), repo, clock.NewLive(), em, metrics.New(), cfg, log)
	m.StartSession(window)
	return m, store
}

func gridBar(minute int) domain.Bar {
	ts := window.Open.Add(time.Duration(minute) * time.Minute)
	return domain.Bar{Timestamp: ts, Open: 100, High: 101, Low: 99, Close: 100, Volume: 1000}
}

func fillExcept(t *testing.T, store *session.Store, missingFrom, missingTo int) {
	t.Helper()
	for minute := 0; minute < 300; minute++ {
		if minute >= missingFrom && minute < missingTo {
			continue
		}
		_, err := store.AppendBar("SYM.US", domain.Interval1m, gridBar(minute))
		require.NoError(t, err)
	}
}

func TestQualityScoreWithMissingRun(t *testing.T) {
	m, store := newTestManager(t, Config{}, nil)
	fillExcept(t, store, 15, 65) // 50 missing bars

	stream := domain.StreamID{Symbol: "SYM.US", Interval: domain.Interval1m}
	score := m.Evaluate(stream, window.Close)
	assert.InDelta(t, 83.333, score, 0.01)
	assert.InDelta(t, 83.333, store.Quality("SYM.US", domain.Interval1m), 0.01)

	// Derived series inherit the base score
	assert.InDelta(t, 83.333, store.Quality("SYM.US", domain.Interval5m), 0.01)

	gaps := store.Gaps("SYM.US", domain.Interval1m)
	require.Len(t, gaps, 1)
	assert.Equal(t, window.Open.Add(15*time.Minute), gaps[0].From)
	assert.Equal(t, window.Open.Add(65*time.Minute), gaps[0].To)
	assert.Equal(t, 50, gaps[0].Bars)
}

func TestQualityOnlyCountsDueSlots(t *testing.T) {
	m, store := newTestManager(t, Config{}, nil)

	// Ten bars received, clock at open+10m: nothing missing yet
	for minute := 0; minute < 10; minute++ {
		store.AppendBar("SYM.US", domain.Interval1m, gridBar(minute))
	}
	stream := domain.StreamID{Symbol: "SYM.US", Interval: domain.Interval1m}
	score := m.Evaluate(stream, window.Open.Add(10*time.Minute))
	assert.Equal(t, 100.0, score)
	assert.Empty(t, store.Gaps("SYM.US", domain.Interval1m))
}

func TestDuplicatesPenalizeQuality(t *testing.T) {
	m, store := newTestManager(t, Config{}, nil)
	fillExcept(t, store, 300, 300) // complete session

	// Replay one bar: last write wins, duplicate counter rises
	result, err := store.AppendBar("SYM.US", domain.Interval1m, gridBar(0))
	require.NoError(t, err)
	assert.Equal(t, session.Replaced, result)

	stream := domain.StreamID{Symbol: "SYM.US", Interval: domain.Interval1m}
	score := m.Evaluate(stream, window.Close)
	assert.InDelta(t, float64(299)/300*100, score, 0.01)
}

func TestLiveFillRecoversGap(t *testing.T) {
	repo := repository.NewMemory()
	missing := make([]domain.Bar, 0, 50)
	for minute := 15; minute < 65; minute++ {
		missing = append(missing, gridBar(minute))
	}
	repo.Seed("SYM.US", domain.Interval1m, missing)

	cfg := Config{Enabled: true, Mode: domain.ModeLive, MaxRetries: 3, RetryInterval: 30 * time.Second, Threshold: 95}
	m, store := newTestManager(t, cfg, repo)
	fillExcept(t, store, 15, 65)

	stream := domain.StreamID{Symbol: "SYM.US", Interval: domain.Interval1m}
	m.Evaluate(stream, window.Close)
	require.Len(t, store.Gaps("SYM.US", domain.Interval1m), 1)

	m.FillGaps(context.Background())

	assert.Equal(t, 300, store.BarCount("SYM.US", domain.Interval1m))
	assert.Empty(t, store.Gaps("SYM.US", domain.Interval1m))
	assert.Equal(t, 100.0, store.Quality("SYM.US", domain.Interval1m))
}

func TestBacktestNeverFills(t *testing.T) {
	repo := repository.NewMemory()
	repo.Seed("SYM.US", domain.Interval1m, []domain.Bar{gridBar(15)})

	cfg := Config{Enabled: true, Mode: domain.ModeBacktest, MaxRetries: 3, Threshold: 95}
	m, store := newTestManager(t, cfg, repo)
	fillExcept(t, store, 15, 16)

	stream := domain.StreamID{Symbol: "SYM.US", Interval: domain.Interval1m}
	m.Evaluate(stream, window.Close)
	m.FillGaps(context.Background())

	// Reported, not repaired
	assert.Equal(t, 299, store.BarCount("SYM.US", domain.Interval1m))
	assert.Len(t, store.Gaps("SYM.US", domain.Interval1m), 1)
}

func TestFillStopsAfterRetryBudget(t *testing.T) {
	// Empty repository: every fetch recovers nothing
	cfg := Config{Enabled: true, Mode: domain.ModeLive, MaxRetries: 2, Threshold: 95}
	m, store := newTestManager(t, cfg, nil)
	fillExcept(t, store, 15, 65)

	stream := domain.StreamID{Symbol: "SYM.US", Interval: domain.Interval1m}
	m.Evaluate(stream, window.Close)

	for i := 0; i < 5; i++ {
		m.FillGaps(context.Background())
	}

	m.mu.Lock()
	attempts := m.attempts[gapKey(store.Gaps("SYM.US", domain.Interval1m)[0])]
	m.mu.Unlock()
	assert.Equal(t, 2, attempts, "retries stop at the configured budget")
}
