// Package analysis hosts the analysis engine: strategy registration,
// stream routing, and the per-strategy runner goroutines that deliver
// ordered bar notifications under the readiness protocol.
package analysis

import (
	"time"

	"github.com/aristath/tape/internal/clock"
	"github.com/aristath/tape/internal/domain"
	"github.com/aristath/tape/internal/indicators"
	"github.com/aristath/tape/internal/session"
)

// Strategy is the contract a trading strategy implements. OnBar and
// OnIndicator run on the strategy's own runner goroutine; they must
// read market state only through the Context. OnIndicator fires for
// every refresh of an indicator the strategy's requirements name, and
// OnSymbolAdded when a symbol joins the session mid-tape.
type Strategy interface {
	Name() string
	Requirements() []domain.StreamRequirement
	OnSessionStart(ctx Context, window domain.SessionWindow) error
	OnBar(ctx Context, notice domain.BarNotice) error
	OnIndicator(ctx Context, symbol, key string, value session.IndicatorValue) error
	OnSymbolAdded(ctx Context, symbol string) error
	OnSessionEnd(ctx Context) error
}

// Context is the read-only session view handed to strategies
type Context interface {
	// Clock returns the current engine time (simulated in backtest)
	Clock() time.Time
	// Bars returns the trailing n bars of a series
	Bars(symbol string, interval domain.Interval, n int) []domain.Bar
	// LastBar returns the newest bar of a series
	LastBar(symbol string, interval domain.Interval) (domain.Bar, bool)
	// Indicator returns the current value of an indicator instance
	Indicator(symbol string, spec domain.IndicatorSpec, interval domain.Interval) (session.IndicatorValue, bool)
	// Quality returns the quality score of a series
	Quality(symbol string, interval domain.Interval) float64
}

// view is the Context implementation over the session store
type view struct {
	store *session.Store
	clk   clock.TimeManager
}

func newView(store *session.Store, clk clock.TimeManager) *view {
	return &view{store: store, clk: clk}
}

func (v *view) Clock() time.Time {
	return v.clk.Now()
}

func (v *view) Bars(symbol string, interval domain.Interval, n int) []domain.Bar {
	bars, err := v.store.LastBars(symbol, interval, n)
	if err != nil {
		return nil
	}
	return bars
}

func (v *view) LastBar(symbol string, interval domain.Interval) (domain.Bar, bool) {
	return v.store.LastBar(symbol, interval)
}

func (v *view) Indicator(symbol string, spec domain.IndicatorSpec, interval domain.Interval) (session.IndicatorValue, bool) {
	return v.store.Indicator(symbol, indicators.InstanceKey(spec, interval))
}

func (v *view) Quality(symbol string, interval domain.Interval) float64 {
	return v.store.Quality(symbol, interval)
}
