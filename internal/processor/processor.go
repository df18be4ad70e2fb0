// Package processor hosts the data-processor worker: it turns base-bar
// notifications into derived bars and refreshed indicator values, then
// drives the downstream readiness chain.
package processor

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tape/internal/domain"
	"github.com/aristath/tape/internal/events"
	"github.com/aristath/tape/internal/indicators"
	"github.com/aristath/tape/internal/metrics"
	"github.com/aristath/tape/internal/session"
	"github.com/aristath/tape/internal/stream"
)

// mailboxSize bounds the notification backlog the coordinator can run
// ahead of the processor.
const mailboxSize = 1024

// Sink receives bar notices from the processor
type Sink interface {
	Notify(notice domain.BarNotice)
}

// IndicatorSink additionally receives indicator refreshes. The analysis
// engine implements it; sinks that only care about bars need not.
type IndicatorSink interface {
	NotifyIndicator(symbol, key string, value session.IndicatorValue)
}

// indicatorUpdate is one refreshed value produced while processing a bar
type indicatorUpdate struct {
	symbol string
	key    string
	value  session.IndicatorValue
}

// Processor is the data-processor worker. One goroutine consumes the
// mailbox; Notify never blocks the caller.
type Processor struct {
	store    *session.Store
	registry *indicators.Registry
	events   *events.Manager
	metrics  *metrics.Registry
	log      zerolog.Logger

	quality       Sink
	analysis      Sink
	analysisReady *stream.Subscription
	coordReady    *stream.Subscription

	mailbox chan domain.BarNotice
	trigger chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	running bool
	runMu   sync.Mutex

	mu          sync.Mutex
	sessionOpen time.Time
	catchup     map[string]bool
	buckets     map[domain.StreamID]*bucket
	specs       map[string]map[domain.Interval][]domain.IndicatorSpec
	states      map[string]map[string]*indicators.State
}

// bucket is the in-progress derived bar for one (symbol, interval)
type bucket struct {
	start time.Time
	bar   domain.Bar
}

// New creates a processor
func New(store *session.Store, registry *indicators.Registry, em *events.Manager, m *metrics.Registry, log zerolog.Logger) *Processor {
	return &Processor{
		store:    store,
		registry: registry,
		events:   em,
		metrics:  m,
		log:      log.With().Str("service", "processor").Logger(),
		mailbox:  make(chan domain.BarNotice, mailboxSize),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		catchup:  make(map[string]bool),
		buckets:  make(map[domain.StreamID]*bucket),
		specs:    make(map[string]map[domain.Interval][]domain.IndicatorSpec),
		states:   make(map[string]map[string]*indicators.State),
	}
}

// SetSinks wires the downstream workers. The analysis gate is waited on
// in data-driven mode; the coordinator gate is signaled after every
// processed notice.
func (p *Processor) SetSinks(quality, analysis Sink, analysisReady, coordReady *stream.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quality = quality
	p.analysis = analysis
	p.analysisReady = analysisReady
	p.coordReady = coordReady
}

// Start launches the worker goroutine
func (p *Processor) Start() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running {
		return
	}
	p.running = true
	go p.run()
}

// Stop drains nothing; pending mailbox entries are discarded
func (p *Processor) Stop() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if !p.running {
		return
	}
	close(p.stop)
	<-p.stopped
	p.running = false
	p.stop = make(chan struct{})
	p.stopped = make(chan struct{})
}

func (p *Processor) run() {
	defer close(p.stopped)
	for {
		select {
		case notice := <-p.mailbox:
			p.process(notice, false)
		case <-p.stop:
			return
		}
	}
}

// Notify enqueues a notice. It never blocks: a full mailbox drops the
// notice, and symbols mid-catchup are gated out entirely so a replay
// cannot race the live tape.
func (p *Processor) Notify(notice domain.BarNotice) {
	p.mu.Lock()
	gated := p.catchup[notice.Stream.Symbol]
	p.mu.Unlock()
	if gated {
		p.metrics.NotificationsDropped.WithLabelValues("processor").Inc()
		return
	}

	select {
	case p.mailbox <- notice:
	default:
		p.metrics.NotificationsDropped.WithLabelValues("processor").Inc()
		p.log.Warn().Str("stream", notice.Stream.String()).Msg("Processor mailbox full, notice dropped")
	}
}

// Replay processes a catch-up notice synchronously. Derived bars and
// indicators update; downstream sinks and ready gates are not touched.
func (p *Processor) Replay(notice domain.BarNotice) {
	p.process(notice, true)
}

// BeginCatchup gates live notices for a symbol while its history replays
func (p *Processor) BeginCatchup(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.catchup[symbol] = true
}

// EndCatchup reopens the gate for a symbol
func (p *Processor) EndCatchup(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.catchup, symbol)
}

// RegisterIndicator binds an indicator instance to a (symbol, interval).
// Unknown names fail here so a session never discovers them mid-tape;
// an instance already bound is rejected with ErrIndicatorExists.
func (p *Processor) RegisterIndicator(symbol string, interval domain.Interval, spec domain.IndicatorSpec) error {
	if _, err := p.registry.Get(spec.Name); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.specs[symbol] == nil {
		p.specs[symbol] = make(map[domain.Interval][]domain.IndicatorSpec)
	}
	key := indicators.InstanceKey(spec, interval)
	for _, existing := range p.specs[symbol][interval] {
		if indicators.InstanceKey(existing, interval) == key {
			return fmt.Errorf("%s on %s: %w", key, symbol, domain.ErrIndicatorExists)
		}
	}
	p.specs[symbol][interval] = append(p.specs[symbol][interval], spec)
	return nil
}

// UnregisterSymbol drops all processor state for a symbol
func (p *Processor) UnregisterSymbol(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.specs, symbol)
	delete(p.states, symbol)
	delete(p.catchup, symbol)
	for id := range p.buckets {
		if id.Symbol == symbol {
			delete(p.buckets, id)
		}
	}
}

// StartSession resets per-session state and anchors derived buckets to
// the session open.
func (p *Processor) StartSession(open time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionOpen = open.UTC()
	p.buckets = make(map[domain.StreamID]*bucket)
	p.states = make(map[string]map[string]*indicators.State)
}

// EndSession drops the in-progress buckets. The final partial bar of
// each derived series stays visible in the session store.
func (p *Processor) EndSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buckets = make(map[domain.StreamID]*bucket)
}

// process handles one notice. silent suppresses downstream sinks and
// ready signaling (catch-up replays).
func (p *Processor) process(notice domain.BarNotice, silent bool) {
	started := time.Now()

	var closed []domain.BarNotice
	if !notice.Derived {
		closed = p.synthesize(notice)
	}
	updates := p.refreshIndicators(notice)

	p.metrics.IndicatorDuration.Observe(time.Since(started).Seconds())

	if silent {
		return
	}

	p.mu.Lock()
	quality, analysis := p.quality, p.analysis
	analysisReady, coordReady := p.analysisReady, p.coordReady
	p.mu.Unlock()

	// Quality first (fire and forget), then analysis; in data-driven
	// mode the analysis gate must open before the coordinator's does.
	if quality != nil {
		quality.Notify(notice)
		for _, derived := range closed {
			quality.Notify(derived)
		}
	}
	if analysis != nil {
		analysis.Notify(notice)
		for _, derived := range closed {
			analysis.Notify(derived)
		}
		if sink, ok := analysis.(IndicatorSink); ok {
			for _, u := range updates {
				sink.NotifyIndicator(u.symbol, u.key, u.value)
			}
		}
		if coordReady != nil && coordReady.Mode() == stream.GateDataDriven && analysisReady != nil {
			analysisReady.WaitReady(0)
		}
	}
	if coordReady != nil {
		coordReady.SignalReady()
	}
}

// synthesize folds a base bar into every derived series of its symbol
// and returns notices for buckets the bar closed.
func (p *Processor) synthesize(notice domain.BarNotice) []domain.BarNotice {
	symbol := notice.Stream.Symbol
	intervals, err := p.store.Intervals(symbol)
	if err != nil {
		return nil
	}

	bar := notice.Bar
	var closed []domain.BarNotice

	for _, interval := range intervals[1:] {
		id := domain.StreamID{Symbol: symbol, Interval: interval}
		start := p.bucketStart(bar.Timestamp, interval)

		p.mu.Lock()
		current := p.buckets[id]
		if current != nil && !current.start.Equal(start) {
			closed = append(closed, domain.BarNotice{
				Stream:  id,
				Bar:     current.bar,
				Derived: true,
				Seq:     notice.Seq,
				Clock:   notice.Clock,
			})
			p.metrics.DerivedBars.WithLabelValues(symbol, interval.String()).Inc()
			current = nil
		}
		if current == nil {
			current = &bucket{
				start: start,
				bar: domain.Bar{
					Timestamp: start,
					Open:      bar.Open,
					High:      bar.High,
					Low:       bar.Low,
					Close:     bar.Close,
					Volume:    bar.Volume,
				},
			}
			p.buckets[id] = current
		} else {
			if bar.High > current.bar.High {
				current.bar.High = bar.High
			}
			if bar.Low < current.bar.Low {
				current.bar.Low = bar.Low
			}
			current.bar.Close = bar.Close
			current.bar.Volume += bar.Volume
		}
		partial := current.bar
		p.mu.Unlock()

		// The in-progress bucket is always visible in the store
		if _, err := p.store.AppendBar(symbol, interval, partial); err != nil {
			p.log.Error().Err(err).Str("stream", id.String()).Msg("Failed to place derived bar")
		}
	}
	return closed
}

// bucketStart aligns a timestamp to its derived bucket, anchored at the
// session open.
func (p *Processor) bucketStart(ts time.Time, interval domain.Interval) time.Time {
	p.mu.Lock()
	open := p.sessionOpen
	p.mu.Unlock()

	d := interval.Duration()
	delta := ts.Sub(open)
	n := delta / d
	if delta < 0 && delta%d != 0 {
		n--
	}
	return open.Add(n * d)
}

// refreshIndicators recomputes every indicator bound to an interval the
// notice dirtied and returns the refreshed values for dispatch.
func (p *Processor) refreshIndicators(notice domain.BarNotice) []indicatorUpdate {
	symbol := notice.Stream.Symbol
	var updates []indicatorUpdate

	for _, interval := range p.store.ConsumeDirty(symbol) {
		p.mu.Lock()
		specs := append([]domain.IndicatorSpec(nil), p.specs[symbol][interval]...)
		p.mu.Unlock()
		if len(specs) == 0 {
			continue
		}

		bars, err := p.store.Bars(symbol, interval)
		if err != nil || len(bars) == 0 {
			continue
		}

		for _, spec := range specs {
			key := indicators.InstanceKey(spec, interval)

			p.mu.Lock()
			prior := p.states[symbol][key]
			p.mu.Unlock()

			state, err := p.registry.Compute(spec, bars, prior)
			if err != nil {
				p.log.Error().Err(err).Str("symbol", symbol).Str("indicator", key).Msg("Indicator computation failed")
				p.events.EmitError("processor", err, map[string]interface{}{"symbol": symbol, "indicator": key})
				continue
			}

			p.mu.Lock()
			if p.states[symbol] == nil {
				p.states[symbol] = make(map[string]*indicators.State)
			}
			p.states[symbol][key] = state
			p.mu.Unlock()

			value := session.IndicatorValue{
				Value:     state.Value,
				Values:    state.Values,
				Ready:     state.Ready,
				UpdatedAt: notice.Clock,
			}
			_ = p.store.SetIndicator(symbol, key, value)
			updates = append(updates, indicatorUpdate{symbol: symbol, key: key, value: value})
		}
	}
	return updates
}
