package analysis

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/aristath/tape/internal/clock"
	"github.com/aristath/tape/internal/domain"
	"github.com/aristath/tape/internal/events"
	"github.com/aristath/tape/internal/indicators"
	"github.com/aristath/tape/internal/metrics"
	"github.com/aristath/tape/internal/session"
	"github.com/aristath/tape/internal/stream"
)

// Engine routes bar notices to strategy runners and drives the
// analysis side of the readiness chain.
type Engine struct {
	events  *events.Manager
	metrics *metrics.Registry
	log     zerolog.Logger

	view  *view
	ready *stream.Subscription

	mu              sync.Mutex
	dataDriven      bool
	runners         map[string]*runner
	routes          map[domain.StreamID][]*runner
	indicatorRoutes map[string][]*runner
}

// runner delivers notices to one strategy on its own goroutine.
// The cap-1 mailbox is the miss mechanism: a slow strategy in
// clock-driven or live mode skips ticks instead of stalling the tape.
type runner struct {
	strategy Strategy
	mailbox  chan delivery
	done     *stream.Subscription
	overruns atomic.Uint64
	stop     chan struct{}
	stopped  chan struct{}
}

// delivery is one unit of runner work: a bar notice or an indicator
// refresh, never both.
type delivery struct {
	notice domain.BarNotice
	update *indicatorUpdate
}

// indicatorUpdate is one refreshed indicator value routed to subscribers
type indicatorUpdate struct {
	symbol string
	key    string
	value  session.IndicatorValue
}

// NewEngine creates an analysis engine
func NewEngine(store *session.Store, clk clock.TimeManager, em *events.Manager, m *metrics.Registry, log zerolog.Logger) *Engine {
	return &Engine{
		events:          em,
		metrics:         m,
		log:             log.With().Str("service", "analysis").Logger(),
		view:            newView(store, clk),
		ready:           stream.NewSubscription("analysis", stream.GateDataDriven),
		runners:         make(map[string]*runner),
		routes:          make(map[domain.StreamID][]*runner),
		indicatorRoutes: make(map[string][]*runner),
	}
}

// Ready is the gate the processor waits on in data-driven mode
func (e *Engine) Ready() *stream.Subscription {
	return e.ready
}

// SetDataDriven switches dispatch between non-blocking (live,
// clock-driven) and fully gated (data-driven) delivery.
func (e *Engine) SetDataDriven(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dataDriven = on
}

// Register adds a strategy and starts its runner
func (e *Engine) Register(st Strategy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := st.Name()
	if _, exists := e.runners[name]; exists {
		return fmt.Errorf("strategy %s: %w", name, domain.ErrSymbolExists)
	}

	r := &runner{
		strategy: st,
		mailbox:  make(chan delivery, 1),
		done:     stream.NewSubscription(name, stream.GateDataDriven),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	e.runners[name] = r
	for _, req := range st.Requirements() {
		id := domain.StreamID{Symbol: req.Symbol, Interval: req.Interval}
		e.routes[id] = append(e.routes[id], r)
		for _, spec := range req.Indicators {
			key := req.Symbol + "/" + indicators.InstanceKey(spec, req.Interval)
			e.indicatorRoutes[key] = append(e.indicatorRoutes[key], r)
		}
	}

	go e.runRunner(r)
	e.log.Info().Str("strategy", name).Msg("Strategy registered")
	return nil
}

// Deregister stops a strategy's runner and removes its routes
func (e *Engine) Deregister(name string) error {
	e.mu.Lock()
	r, ok := e.runners[name]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("strategy %s: %w", name, domain.ErrUnknownSymbol)
	}
	delete(e.runners, name)
	for id, list := range e.routes {
		kept := list[:0]
		for _, candidate := range list {
			if candidate != r {
				kept = append(kept, candidate)
			}
		}
		if len(kept) == 0 {
			delete(e.routes, id)
		} else {
			e.routes[id] = kept
		}
	}
	for key, list := range e.indicatorRoutes {
		kept := list[:0]
		for _, candidate := range list {
			if candidate != r {
				kept = append(kept, candidate)
			}
		}
		if len(kept) == 0 {
			delete(e.indicatorRoutes, key)
		} else {
			e.indicatorRoutes[key] = kept
		}
	}
	e.mu.Unlock()

	close(r.stop)
	<-r.stopped
	r.done.Close()
	e.log.Info().Str("strategy", name).Msg("Strategy deregistered")
	return nil
}

// Strategies returns the registered strategy names
func (e *Engine) Strategies() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.runners))
	for name := range e.runners {
		out = append(out, name)
	}
	return out
}

// Overruns returns the missed-tick count for one strategy
func (e *Engine) Overruns(name string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runners[name]; ok {
		return r.overruns.Load()
	}
	return 0
}

// Notify dispatches a notice to every subscribed runner. In data-driven
// mode it waits for each runner to finish before opening the engine
// gate; otherwise a busy runner simply misses the tick.
func (e *Engine) Notify(notice domain.BarNotice) {
	e.mu.Lock()
	dataDriven := e.dataDriven
	subscribers := append([]*runner(nil), e.routes[notice.Stream]...)
	e.mu.Unlock()

	e.dispatch(subscribers, delivery{notice: notice}, dataDriven, notice.Stream.String())
	if dataDriven {
		e.ready.SignalReady()
	}
}

// NotifyIndicator routes one refreshed indicator value to the
// strategies whose requirements name that instance. The processor calls
// it after the bar notice, so the bar Notify still governs the engine
// gate.
func (e *Engine) NotifyIndicator(symbol, key string, value session.IndicatorValue) {
	e.mu.Lock()
	dataDriven := e.dataDriven
	subscribers := append([]*runner(nil), e.indicatorRoutes[symbol+"/"+key]...)
	e.mu.Unlock()

	e.dispatch(subscribers, delivery{update: &indicatorUpdate{symbol: symbol, key: key, value: value}},
		dataDriven, symbol+"/"+key)
}

// dispatch hands one delivery to a set of runners. Gated delivery waits
// for every runner; non-blocking delivery counts a miss on a full
// mailbox.
func (e *Engine) dispatch(subscribers []*runner, d delivery, gated bool, source string) {
	if gated {
		for _, r := range subscribers {
			select {
			case r.mailbox <- d:
			case <-r.stop:
			}
		}
		for _, r := range subscribers {
			r.done.WaitReady(0)
		}
		return
	}

	for _, r := range subscribers {
		select {
		case r.mailbox <- d:
		default:
			n := r.overruns.Add(1)
			e.metrics.Overruns.WithLabelValues(r.strategy.Name()).Inc()
			e.events.EmitTyped("analysis", &events.StrategyOverrunData{
				Strategy: r.strategy.Name(),
				Stream:   source,
				Overruns: n,
			})
		}
	}
}

// runRunner is the per-strategy delivery loop
func (e *Engine) runRunner(r *runner) {
	defer close(r.stopped)
	for {
		select {
		case d := <-r.mailbox:
			if d.update != nil {
				u := d.update
				e.safely(r.strategy.Name(), "on_indicator", func() error {
					return r.strategy.OnIndicator(e.view, u.symbol, u.key, u.value)
				})
			} else {
				e.safely(r.strategy.Name(), "on_bar", func() error {
					return r.strategy.OnBar(e.view, d.notice)
				})
			}
			r.done.SignalReady()
		case <-r.stop:
			return
		}
	}
}

// SymbolAdded fans the symbol-added hook out to every strategy. The
// coordinator fires it when a symbol joins the running session.
func (e *Engine) SymbolAdded(symbol string) {
	for _, r := range e.snapshot() {
		st := r.strategy
		e.safely(st.Name(), "on_symbol_added", func() error {
			return st.OnSymbolAdded(e.view, symbol)
		})
	}
}

// SessionStart fans the session-start hook out to every strategy
func (e *Engine) SessionStart(window domain.SessionWindow) {
	for _, r := range e.snapshot() {
		e.safely(r.strategy.Name(), "on_session_start", func() error {
			return r.strategy.OnSessionStart(e.view, window)
		})
	}
}

// SessionEnd fans the session-end hook out to every strategy
func (e *Engine) SessionEnd() {
	for _, r := range e.snapshot() {
		e.safely(r.strategy.Name(), "on_session_end", func() error {
			return r.strategy.OnSessionEnd(e.view)
		})
	}
}

// RequiredStreams aggregates every strategy's requirements, merged by
// (symbol, interval): history depth takes the max, indicator sets union.
func (e *Engine) RequiredStreams() []domain.StreamRequirement {
	e.mu.Lock()
	defer e.mu.Unlock()

	merged := make(map[domain.StreamID]*domain.StreamRequirement)
	var order []domain.StreamID
	for _, r := range e.runners {
		for _, req := range r.strategy.Requirements() {
			id := domain.StreamID{Symbol: req.Symbol, Interval: req.Interval}
			existing, ok := merged[id]
			if !ok {
				clone := req
				clone.Indicators = append([]domain.IndicatorSpec(nil), req.Indicators...)
				merged[id] = &clone
				order = append(order, id)
				continue
			}
			if req.HistoryBars > existing.HistoryBars {
				existing.HistoryBars = req.HistoryBars
			}
			for _, spec := range req.Indicators {
				found := false
				for _, have := range existing.Indicators {
					if have.Key() == spec.Key() {
						found = true
						break
					}
				}
				if !found {
					existing.Indicators = append(existing.Indicators, spec)
				}
			}
		}
	}

	out := make([]domain.StreamRequirement, 0, len(order))
	for _, id := range order {
		out = append(out, *merged[id])
	}
	return out
}

// View returns the read-only session context (scanners share it)
func (e *Engine) View() Context {
	return e.view
}

func (e *Engine) snapshot() []*runner {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*runner, 0, len(e.runners))
	for _, r := range e.runners {
		out = append(out, r)
	}
	return out
}

// safely runs a strategy callback with panic containment. A panicking
// strategy is an error, not a dead engine.
func (e *Engine) safely(name, op string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("strategy %s panicked in %s: %v", name, op, p)
			e.log.Error().Err(err).Msg("Strategy panic recovered")
			e.events.EmitError("analysis", err, map[string]interface{}{"strategy": name, "op": op})
		}
	}()
	if err := fn(); err != nil {
		e.log.Error().Err(err).Str("strategy", name).Str("op", op).Msg("Strategy callback failed")
		e.events.EmitError("analysis", err, map[string]interface{}{"strategy": name, "op": op})
	}
}
