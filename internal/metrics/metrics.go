// Package metrics exposes the Prometheus instrumentation for the
// session pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every pipeline metric on a dedicated Prometheus
// registry so tests can instantiate it repeatedly.
type Registry struct {
	registry *prometheus.Registry

	BarsMerged           *prometheus.CounterVec
	DerivedBars          *prometheus.CounterVec
	NotificationsDropped *prometheus.CounterVec
	Overruns             *prometheus.CounterVec
	GapFillAttempts      *prometheus.CounterVec
	GapBarsRecovered     prometheus.Counter
	ScanRuns             *prometheus.CounterVec

	MergePickDuration   prometheus.Histogram
	SessionInitDuration prometheus.Histogram
	IndicatorDuration   prometheus.Histogram

	ActiveStreams  prometheus.Gauge
	PendingSymbols prometheus.Gauge
	StreamQuality  *prometheus.GaugeVec
	SimClock       prometheus.Gauge
}

// New creates and registers the pipeline metrics
func New() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.BarsMerged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tape_bars_merged_total",
		Help: "Bars yielded by the coordinator merge loop",
	}, []string{"symbol"})

	r.DerivedBars = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tape_derived_bars_total",
		Help: "Derived bars synthesized by the processor",
	}, []string{"symbol", "interval"})

	r.NotificationsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tape_notifications_dropped_total",
		Help: "Notifications dropped by worker mailboxes",
	}, []string{"worker"})

	r.Overruns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tape_overruns_total",
		Help: "Readiness-budget overruns by consumer",
	}, []string{"consumer"})

	r.GapFillAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tape_gap_fill_attempts_total",
		Help: "Gap-fill fetches by outcome",
	}, []string{"outcome"})

	r.GapBarsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tape_gap_bars_recovered_total",
		Help: "Bars recovered by the live gap filler",
	})

	r.ScanRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tape_scan_runs_total",
		Help: "Scanner executions by outcome",
	}, []string{"scanner", "outcome"})

	r.MergePickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tape_merge_pick_seconds",
		Help:    "Time spent per merge-loop pick, ready wait included",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	r.SessionInitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tape_session_init_seconds",
		Help:    "Session initialization time, history load included",
		Buckets: prometheus.ExponentialBuckets(0.01, 3, 10),
	})

	r.IndicatorDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tape_indicator_refresh_seconds",
		Help:    "Indicator refresh time per (symbol, interval) cycle",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	})

	r.ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tape_active_streams",
		Help: "Input streams currently merged",
	})

	r.PendingSymbols = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tape_pending_symbols",
		Help: "Symbols mid-provisioning",
	})

	r.StreamQuality = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tape_stream_quality",
		Help: "Data quality score per stream [0,100]",
	}, []string{"symbol", "interval"})

	r.SimClock = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tape_sim_clock_seconds",
		Help: "Simulated clock as a unix timestamp (backtest only)",
	})

	r.registry.MustRegister(
		r.BarsMerged, r.DerivedBars, r.NotificationsDropped, r.Overruns,
		r.GapFillAttempts, r.GapBarsRecovered, r.ScanRuns,
		r.MergePickDuration, r.SessionInitDuration, r.IndicatorDuration,
		r.ActiveStreams, r.PendingSymbols, r.StreamQuality, r.SimClock,
	)

	return r
}

// Handler returns the /metrics HTTP handler
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
