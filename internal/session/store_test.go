package session

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tape/internal/domain"
)

func newTestStore() *Store {
	return NewStore(zerolog.Nop())
}

func registerAAPL(t *testing.T, s *Store) {
	t.Helper()
	err := s.Register("AAPL.US", domain.Interval1m, []domain.Interval{domain.Interval5m}, Provenance{
		AddedBy: AddedByConfig,
		AddedAt: time.Date(2025, 3, 3, 14, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
}

func barAt(ts time.Time, close float64) domain.Bar {
	return domain.Bar{
		Timestamp: ts,
		Open:      close - 1,
		High:      close + 1,
		Low:       close - 2,
		Close:     close,
		Volume:    100,
	}
}

func TestRegisterDuplicate(t *testing.T) {
	s := newTestStore()
	registerAAPL(t, s)

	err := s.Register("AAPL.US", domain.Interval1m, nil, Provenance{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSymbolExists))
}

func TestUnregisterUnknown(t *testing.T) {
	s := newTestStore()
	err := s.Unregister("MSFT.US")
	assert.True(t, errors.Is(err, domain.ErrUnknownSymbol))
}

func TestIntervalsOrder(t *testing.T) {
	s := newTestStore()
	err := s.Register("TSLA.US", domain.Interval1m,
		[]domain.Interval{domain.Interval30m, domain.Interval5m, domain.Interval15m}, Provenance{})
	require.NoError(t, err)

	intervals, err := s.Intervals("TSLA.US")
	require.NoError(t, err)
	assert.Equal(t, []domain.Interval{
		domain.Interval1m, domain.Interval5m, domain.Interval15m, domain.Interval30m,
	}, intervals)
}

func TestAppendBarOrderingAndDedup(t *testing.T) {
	s := newTestStore()
	registerAAPL(t, s)

	t0 := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)

	result, err := s.AppendBar("AAPL.US", domain.Interval1m, barAt(t0, 100))
	require.NoError(t, err)
	assert.Equal(t, Appended, result)

	result, err = s.AppendBar("AAPL.US", domain.Interval1m, barAt(t0.Add(time.Minute), 101))
	require.NoError(t, err)
	assert.Equal(t, Appended, result)

	// Equal timestamp replaces in place, last write wins
	result, err = s.AppendBar("AAPL.US", domain.Interval1m, barAt(t0, 99))
	require.NoError(t, err)
	assert.Equal(t, Replaced, result)
	assert.Equal(t, 1, s.Duplicates("AAPL.US", domain.Interval1m))

	bars, err := s.Bars("AAPL.US", domain.Interval1m)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 99.0, bars[0].Close)
	assert.Equal(t, 101.0, bars[1].Close)
}

func TestAppendBarOutOfOrderInsert(t *testing.T) {
	s := newTestStore()
	registerAAPL(t, s)

	t0 := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	_, err := s.AppendBar("AAPL.US", domain.Interval1m, barAt(t0, 100))
	require.NoError(t, err)
	_, err = s.AppendBar("AAPL.US", domain.Interval1m, barAt(t0.Add(2*time.Minute), 102))
	require.NoError(t, err)

	result, err := s.AppendBar("AAPL.US", domain.Interval1m, barAt(t0.Add(time.Minute), 101))
	require.NoError(t, err)
	assert.Equal(t, Inserted, result)

	bars, err := s.Bars("AAPL.US", domain.Interval1m)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	for i := 1; i < len(bars); i++ {
		assert.True(t, bars[i].Timestamp.After(bars[i-1].Timestamp))
	}
}

func TestAppendBarMetrics(t *testing.T) {
	s := newTestStore()
	registerAAPL(t, s)

	t0 := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	bar := domain.Bar{Timestamp: t0, Open: 100, High: 105, Low: 98, Close: 104, Volume: 500}
	_, err := s.AppendBar("AAPL.US", domain.Interval1m, bar)
	require.NoError(t, err)

	bar2 := domain.Bar{Timestamp: t0.Add(time.Minute), Open: 104, High: 110, Low: 103, Close: 109, Volume: 300}
	_, err = s.AppendBar("AAPL.US", domain.Interval1m, bar2)
	require.NoError(t, err)

	metrics, err := s.Metrics("AAPL.US")
	require.NoError(t, err)
	assert.Equal(t, int64(800), metrics.Volume)
	assert.Equal(t, 110.0, metrics.High)
	assert.Equal(t, 98.0, metrics.Low)
	assert.True(t, metrics.LastUpdate.Equal(t0.Add(time.Minute)))

	// Derived-interval bars do not contribute to session metrics
	_, err = s.AppendBar("AAPL.US", domain.Interval5m, domain.Bar{Timestamp: t0, High: 999, Low: 1, Volume: 9999})
	require.NoError(t, err)
	metrics, err = s.Metrics("AAPL.US")
	require.NoError(t, err)
	assert.Equal(t, int64(800), metrics.Volume)
	assert.Equal(t, 110.0, metrics.High)
}

func TestAddBatchGapFill(t *testing.T) {
	s := newTestStore()
	registerAAPL(t, s)

	t0 := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	_, err := s.AppendBar("AAPL.US", domain.Interval1m, barAt(t0, 100))
	require.NoError(t, err)
	_, err = s.AppendBar("AAPL.US", domain.Interval1m, barAt(t0.Add(3*time.Minute), 103))
	require.NoError(t, err)

	// Fill the two missing minutes; one bar overlaps an existing timestamp
	added, err := s.AddBatch("AAPL.US", domain.Interval1m, []domain.Bar{
		barAt(t0.Add(time.Minute), 101),
		barAt(t0.Add(2*time.Minute), 102),
		barAt(t0, 555),
	}, BatchGapFill)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	bars, err := s.Bars("AAPL.US", domain.Interval1m)
	require.NoError(t, err)
	require.Len(t, bars, 4)
	assert.Equal(t, 100.0, bars[0].Close, "gap fill must not overwrite existing bars")
	assert.Equal(t, 101.0, bars[1].Close)
	assert.Equal(t, 102.0, bars[2].Close)

	// Gap fill leaves session metrics untouched
	metrics, err := s.Metrics("AAPL.US")
	require.NoError(t, err)
	assert.Equal(t, int64(200), metrics.Volume)
}

func TestLastBars(t *testing.T) {
	s := newTestStore()
	registerAAPL(t, s)

	t0 := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := s.AppendBar("AAPL.US", domain.Interval1m, barAt(t0.Add(time.Duration(i)*time.Minute), 100+float64(i)))
		require.NoError(t, err)
	}

	tail, err := s.LastBars("AAPL.US", domain.Interval1m, 3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Equal(t, 102.0, tail[0].Close)
	assert.Equal(t, 104.0, tail[2].Close)

	all, err := s.LastBars("AAPL.US", domain.Interval1m, 50)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	last, ok := s.LastBar("AAPL.US", domain.Interval1m)
	require.True(t, ok)
	assert.Equal(t, 104.0, last.Close)
}

func TestQualityAndGaps(t *testing.T) {
	s := newTestStore()
	registerAAPL(t, s)

	require.NoError(t, s.SetQuality("AAPL.US", domain.Interval1m, 97.4))
	assert.Equal(t, 97.4, s.Quality("AAPL.US", domain.Interval1m))

	t0 := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	gaps := []domain.Gap{{
		Stream: domain.StreamID{Symbol: "AAPL.US", Interval: domain.Interval1m},
		From:   t0,
		To:     t0.Add(5 * time.Minute),
		Bars:   5,
	}}
	require.NoError(t, s.SetGaps("AAPL.US", domain.Interval1m, gaps))

	got := s.Gaps("AAPL.US", domain.Interval1m)
	require.Len(t, got, 1)
	assert.Equal(t, 5, got[0].Bars)

	// Returned slice is a copy
	got[0].Bars = 99
	assert.Equal(t, 5, s.Gaps("AAPL.US", domain.Interval1m)[0].Bars)
}

func TestIndicatorValues(t *testing.T) {
	s := newTestStore()
	registerAAPL(t, s)

	err := s.SetIndicator("AAPL.US", "rsi_14_1m", IndicatorValue{Value: 63.2, Ready: true})
	require.NoError(t, err)

	value, ok := s.Indicator("AAPL.US", "rsi_14_1m")
	require.True(t, ok)
	assert.Equal(t, 63.2, value.Value)
	assert.True(t, value.Ready)

	_, ok = s.Indicator("AAPL.US", "sma_20_1m")
	assert.False(t, ok)

	err = s.SetIndicator("MSFT.US", "rsi_14_1m", IndicatorValue{})
	assert.True(t, errors.Is(err, domain.ErrUnknownSymbol))
}

func TestConsumeDirty(t *testing.T) {
	s := newTestStore()
	registerAAPL(t, s)

	assert.Empty(t, s.ConsumeDirty("AAPL.US"))

	t0 := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	_, err := s.AppendBar("AAPL.US", domain.Interval1m, barAt(t0, 100))
	require.NoError(t, err)
	_, err = s.AppendBar("AAPL.US", domain.Interval5m, barAt(t0, 100))
	require.NoError(t, err)

	dirty := s.ConsumeDirty("AAPL.US")
	assert.Equal(t, []domain.Interval{domain.Interval1m, domain.Interval5m}, dirty)

	// Flags are cleared by the read
	assert.Empty(t, s.ConsumeDirty("AAPL.US"))
}

func TestClearPreservesRegistration(t *testing.T) {
	s := newTestStore()
	registerAAPL(t, s)

	t0 := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	_, err := s.AppendBar("AAPL.US", domain.Interval1m, barAt(t0, 100))
	require.NoError(t, err)
	require.NoError(t, s.SetIndicator("AAPL.US", "rsi_14_1m", IndicatorValue{Value: 50}))
	require.NoError(t, s.SetQuality("AAPL.US", domain.Interval1m, 88))

	s.Clear()

	assert.True(t, s.Has("AAPL.US"))
	assert.Equal(t, 0, s.BarCount("AAPL.US", domain.Interval1m))
	assert.Equal(t, 0.0, s.Quality("AAPL.US", domain.Interval1m))
	_, ok := s.Indicator("AAPL.US", "rsi_14_1m")
	assert.False(t, ok)

	metrics, err := s.Metrics("AAPL.US")
	require.NoError(t, err)
	assert.Equal(t, int64(0), metrics.Volume)

	// Store accepts new bars after clearing
	_, err = s.AppendBar("AAPL.US", domain.Interval1m, barAt(t0, 101))
	require.NoError(t, err)
	assert.Equal(t, 1, s.BarCount("AAPL.US", domain.Interval1m))
}

func TestSnapshotDeepCopy(t *testing.T) {
	s := newTestStore()
	registerAAPL(t, s)

	t0 := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	_, err := s.AppendBar("AAPL.US", domain.Interval1m, barAt(t0, 100))
	require.NoError(t, err)
	require.NoError(t, s.SetQuality("AAPL.US", domain.Interval1m, 95))
	require.NoError(t, s.SetIndicator("AAPL.US", "sma_20_1m", IndicatorValue{Value: 99.5, Ready: true}))

	snap := s.Snapshot()
	require.NotNil(t, snap)
	sym, ok := snap.Symbols["AAPL.US"]
	require.True(t, ok)
	assert.Equal(t, "1m", sym.Base)

	base, ok := sym.Intervals["1m"]
	require.True(t, ok)
	require.Len(t, base.Bars, 1)
	assert.Equal(t, 95.0, base.Quality)
	assert.False(t, base.Derived)

	five, ok := sym.Intervals["5m"]
	require.True(t, ok)
	assert.True(t, five.Derived)
	assert.Equal(t, "1m", five.Base)

	// Mutating the snapshot does not touch the store
	base.Bars[0].Close = 1
	bars, err := s.Bars("AAPL.US", domain.Interval1m)
	require.NoError(t, err)
	assert.Equal(t, 100.0, bars[0].Close)

	// Snapshot taken after more writes is independent
	_, err = s.AppendBar("AAPL.US", domain.Interval1m, barAt(t0.Add(time.Minute), 101))
	require.NoError(t, err)
	assert.Len(t, snap.Symbols["AAPL.US"].Intervals["1m"].Bars, 1)
}

func TestUnknownSeries(t *testing.T) {
	s := newTestStore()
	registerAAPL(t, s)

	_, err := s.AppendBar("AAPL.US", domain.Interval1h, domain.Bar{})
	require.Error(t, err)
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = s.AppendBar("MSFT.US", domain.Interval1m, domain.Bar{})
	assert.True(t, errors.Is(err, domain.ErrUnknownSymbol))
}
