package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tape/internal/domain"
)

// fixtureBars builds n one-minute bars with a gentle uptrend
func fixtureBars(n int) []domain.Bar {
	start := time.Date(2025, 11, 4, 14, 30, 0, 0, time.UTC)
	bars := make([]domain.Bar, n)
	price := 100.0
	for i := range bars {
		drift := 0.3 * math.Sin(float64(i)/4.0)
		open := price
		price += 0.1 + drift
		bars[i] = domain.Bar{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      open,
			High:      math.Max(open, price) + 0.2,
			Low:       math.Min(open, price) - 0.2,
			Close:     price,
			Volume:    1000 + 10*float64(i),
		}
	}
	return bars
}

func TestRegistryCatalogComplete(t *testing.T) {
	r := Default()
	assert.Len(t, r.Names(), 37)

	for _, name := range r.Names() {
		c, err := r.Get(name)
		require.NoError(t, err)
		assert.Equal(t, name, c.Name())
		assert.Greater(t, c.MinBars(domain.IndicatorSpec{Name: name}), 0, name)
	}

	_, err := r.Get("nope")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCatalogAllReadyOnLongSeries(t *testing.T) {
	r := Default()
	bars := fixtureBars(200)
	for _, name := range r.Names() {
		state, err := r.Compute(domain.IndicatorSpec{Name: name}, bars, nil)
		require.NoError(t, err, name)
		require.NotNil(t, state, name)
		assert.True(t, state.Ready, "%s should be ready after 200 bars", name)
		assert.False(t, math.IsNaN(state.Value), name)
		assert.Equal(t, bars[len(bars)-1].Timestamp, state.LastTS, name)
	}
}

func TestWarmupNotReady(t *testing.T) {
	r := Default()
	bars := fixtureBars(5)
	spec := domain.IndicatorSpec{Name: "sma", Params: map[string]float64{"length": 20}}
	state, err := r.Compute(spec, bars, nil)
	require.NoError(t, err)
	assert.False(t, state.Ready)
}

func TestSMAHandComputed(t *testing.T) {
	r := Default()
	start := time.Date(2025, 11, 4, 14, 30, 0, 0, time.UTC)
	bars := make([]domain.Bar, 5)
	for i, c := range []float64{10, 11, 12, 13, 14} {
		bars[i] = domain.Bar{Timestamp: start.Add(time.Duration(i) * time.Minute), Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	spec := domain.IndicatorSpec{Name: "sma", Params: map[string]float64{"length": 5}}
	state, err := r.Compute(spec, bars, nil)
	require.NoError(t, err)
	require.True(t, state.Ready)
	assert.InDelta(t, 12.0, state.Value, 1e-9)
}

func TestEMAIncrementalMatchesBatch(t *testing.T) {
	r := Default()
	bars := fixtureBars(120)
	spec := domain.IndicatorSpec{Name: "ema", Params: map[string]float64{"length": 20}}

	// Warm on the first 119 bars, then advance one bar incrementally.
	warm, err := r.Compute(spec, bars[:119], nil)
	require.NoError(t, err)
	require.True(t, warm.Ready)
	require.NotNil(t, warm.Carry)

	incremental, err := r.Compute(spec, bars, warm)
	require.NoError(t, err)
	require.True(t, incremental.Ready)

	batch, err := r.Compute(spec, bars, nil)
	require.NoError(t, err)

	assert.InDelta(t, batch.Value, incremental.Value, 0.05,
		"incremental EMA must track the batch value")
}

func TestRSIIncrementalStaysInRange(t *testing.T) {
	r := Default()
	bars := fixtureBars(100)
	spec := domain.IndicatorSpec{Name: "rsi", Params: map[string]float64{"length": 14}}

	state, err := r.Compute(spec, bars[:50], nil)
	require.NoError(t, err)
	require.True(t, state.Ready)

	// Advance bar by bar through the carry path.
	for i := 51; i <= 100; i++ {
		state, err = r.Compute(spec, bars[:i], state)
		require.NoError(t, err)
		require.True(t, state.Ready)
		assert.GreaterOrEqual(t, state.Value, 0.0)
		assert.LessOrEqual(t, state.Value, 100.0)
	}
}

func TestMACDOutputsConsistent(t *testing.T) {
	r := Default()
	bars := fixtureBars(150)
	state, err := r.Compute(domain.IndicatorSpec{Name: "macd"}, bars, nil)
	require.NoError(t, err)
	require.True(t, state.Ready)

	require.Contains(t, state.Values, "macd")
	require.Contains(t, state.Values, "signal")
	require.Contains(t, state.Values, "histogram")
	assert.InDelta(t, state.Values["macd"]-state.Values["signal"], state.Values["histogram"], 1e-9)
	assert.Equal(t, state.Values["macd"], state.Value)
}

func TestBollingerBandOrdering(t *testing.T) {
	r := Default()
	bars := fixtureBars(60)
	state, err := r.Compute(domain.IndicatorSpec{Name: "bollinger"}, bars, nil)
	require.NoError(t, err)
	require.True(t, state.Ready)

	assert.Greater(t, state.Values["upper"], state.Values["middle"])
	assert.Greater(t, state.Values["middle"], state.Values["lower"])
}

func TestDonchianHandComputed(t *testing.T) {
	r := Default()
	bars := fixtureBars(40)
	spec := domain.IndicatorSpec{Name: "donchian", Params: map[string]float64{"length": 10}}
	state, err := r.Compute(spec, bars, nil)
	require.NoError(t, err)
	require.True(t, state.Ready)

	window := bars[30:]
	wantHigh, wantLow := window[0].High, window[0].Low
	for _, b := range window[1:] {
		wantHigh = math.Max(wantHigh, b.High)
		wantLow = math.Min(wantLow, b.Low)
	}
	assert.InDelta(t, wantHigh, state.Values["upper"], 1e-9)
	assert.InDelta(t, wantLow, state.Values["lower"], 1e-9)
}

func TestVWAPHandComputed(t *testing.T) {
	r := Default()
	start := time.Date(2025, 11, 4, 14, 30, 0, 0, time.UTC)
	bars := []domain.Bar{
		{Timestamp: start, Open: 10, High: 12, Low: 8, Close: 10, Volume: 100},
		{Timestamp: start.Add(time.Minute), Open: 10, High: 14, Low: 10, Close: 12, Volume: 300},
	}
	state, err := r.Compute(domain.IndicatorSpec{Name: "vwap"}, bars, nil)
	require.NoError(t, err)
	require.True(t, state.Ready)

	// typical prices 10 and 12, volume-weighted
	want := (10.0*100 + 12.0*300) / 400.0
	assert.InDelta(t, want, state.Value, 1e-9)

	// Incremental advance matches a fresh batch.
	extended := append(bars, domain.Bar{
		Timestamp: start.Add(2 * time.Minute), Open: 12, High: 15, Low: 12, Close: 15, Volume: 100,
	})
	inc, err := r.Compute(domain.IndicatorSpec{Name: "vwap"}, extended, state)
	require.NoError(t, err)
	batch, err := r.Compute(domain.IndicatorSpec{Name: "vwap"}, extended, nil)
	require.NoError(t, err)
	assert.InDelta(t, batch.Value, inc.Value, 1e-9)
}

func TestPivotLevelsOrdered(t *testing.T) {
	r := Default()
	bars := fixtureBars(30)
	state, err := r.Compute(domain.IndicatorSpec{Name: "pivots"}, bars, nil)
	require.NoError(t, err)
	require.True(t, state.Ready)

	v := state.Values
	assert.True(t, v["s3"] <= v["s2"] && v["s2"] <= v["s1"])
	assert.True(t, v["r1"] <= v["r2"] && v["r2"] <= v["r3"])
	assert.True(t, v["s1"] <= v["pp"] && v["pp"] <= v["r1"])
}

func TestLinRegFindsTrend(t *testing.T) {
	r := Default()
	start := time.Date(2025, 11, 4, 14, 30, 0, 0, time.UTC)
	bars := make([]domain.Bar, 30)
	for i := range bars {
		c := 100.0 + 0.5*float64(i)
		bars[i] = domain.Bar{Timestamp: start.Add(time.Duration(i) * time.Minute), Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	state, err := r.Compute(domain.IndicatorSpec{Name: "linreg", Params: map[string]float64{"length": 20}}, bars, nil)
	require.NoError(t, err)
	require.True(t, state.Ready)
	assert.InDelta(t, 0.5, state.Values["slope"], 1e-9)
	assert.InDelta(t, 1.0, state.Values["r2"], 1e-9)
}

func TestInstanceKey(t *testing.T) {
	spec := domain.IndicatorSpec{Name: "sma", Params: map[string]float64{"length": 20}}
	assert.Equal(t, "sma(length=20):5m", InstanceKey(spec, domain.Interval5m))
}
