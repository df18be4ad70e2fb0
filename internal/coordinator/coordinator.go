// Package coordinator owns the session lifecycle and the chronological
// merge of all input streams. It is the only writer of the simulated
// clock and the only producer of bar notifications.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/tape/internal/analysis"
	"github.com/aristath/tape/internal/calendar"
	"github.com/aristath/tape/internal/clock"
	"github.com/aristath/tape/internal/config"
	"github.com/aristath/tape/internal/domain"
	"github.com/aristath/tape/internal/events"
	"github.com/aristath/tape/internal/metrics"
	"github.com/aristath/tape/internal/processor"
	"github.com/aristath/tape/internal/provision"
	"github.com/aristath/tape/internal/quality"
	"github.com/aristath/tape/internal/repository"
	"github.com/aristath/tape/internal/scanner"
	"github.com/aristath/tape/internal/session"
	"github.com/aristath/tape/internal/stream"
)

// errStopRequested unwinds the merge loop on Stop
var errStopRequested = errors.New("stop requested")

// Archiver receives the end-of-session snapshot (live mode only)
type Archiver func(ctx context.Context, snap *session.Snapshot)

// Deps carries the coordinator's collaborators
type Deps struct {
	Config      *config.SessionConfig
	Store       *session.Store
	Calendar    *calendar.Service
	Repo        repository.BarRepository
	Clock       clock.TimeManager
	Sim         *clock.Sim // nil in live mode
	Processor   *processor.Processor
	Quality     *quality.Manager
	Engine      *analysis.Engine
	Scanners    *scanner.Manager
	Provisioner *provision.Provisioner
	Events      *events.Manager
	Metrics     *metrics.Registry
	Log         zerolog.Logger

	// Archive, when set, receives the end-of-session snapshot in live
	// mode after the tape has stopped.
	Archive Archiver
}

// admission is one queued dynamic provisioning request. indicator is
// set for indicator-scoped requests, symbols otherwise.
type admission struct {
	symbols   []string
	scope     domain.SymbolScope
	source    string
	indicator *indicatorAdmission
}

// indicatorAdmission asks for one indicator instance on a symbol
type indicatorAdmission struct {
	symbol   string
	spec     domain.IndicatorSpec
	interval domain.Interval
}

// Status is the coordinator state snapshot
type Status struct {
	State   domain.LifecycleState `json:"state"`
	Mode    domain.Mode           `json:"mode"`
	Paused  bool                  `json:"paused"`
	Window  domain.SessionWindow  `json:"window"`
	Clock   time.Time             `json:"clock"`
	Streams int                   `json:"streams"`
	Bars    uint64                `json:"bars"`
	RunID   string                `json:"run_id"`
	Error   string                `json:"error,omitempty"`
}

// Coordinator drives sessions. Start launches the run loop in its own
// goroutine; everything inside a session happens on that goroutine.
type Coordinator struct {
	deps Deps
	log  zerolog.Logger

	admissions chan admission

	mu      sync.Mutex
	state   domain.LifecycleState
	paused  bool
	window  domain.SessionWindow
	inputs  map[domain.StreamID]*stream.Queue
	runID   string
	seq     uint64
	lastErr error
	stop    chan struct{}
	stopped chan struct{}
}

// New creates a coordinator
func New(deps Deps) *Coordinator {
	return &Coordinator{
		deps:       deps,
		log:        deps.Log.With().Str("service", "coordinator").Logger(),
		admissions: make(chan admission, 16),
		state:      domain.StateStopped,
		inputs:     make(map[domain.StreamID]*stream.Queue),
	}
}

// Start launches the run loop. Only valid while stopped.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.StateStopped && c.state != domain.StateFailed {
		return &domain.LifecycleError{Op: "start", State: c.state}
	}
	c.state = domain.StateInitializing
	c.paused = false
	c.lastErr = nil
	c.runID = uuid.New().String()
	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})
	go c.run(c.stop, c.stopped)
	return nil
}

// Stop halts the run loop and waits for it to unwind
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.state == domain.StateStopped || c.state == domain.StateFailed || c.stop == nil {
		c.mu.Unlock()
		return
	}
	c.state = domain.StateStopping
	stop, stopped := c.stop, c.stopped
	c.mu.Unlock()

	select {
	case <-stop:
	default:
		close(stop)
	}
	<-stopped
}

// Pause suspends the tape between picks. Paused sessions emit nothing.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.StateActive {
		return &domain.LifecycleError{Op: "pause", State: c.state}
	}
	if c.paused {
		return nil
	}
	c.paused = true
	c.deps.Events.EmitTyped("coordinator", &events.SessionClockData{
		SessionID: c.runID, Clock: c.deps.Clock.Now(), Paused: true,
	})
	return nil
}

// Resume continues the tape from the untouched pending slots
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return &domain.LifecycleError{Op: "resume", State: c.state}
	}
	c.paused = false
	c.deps.Events.EmitTyped("coordinator", &events.SessionClockData{
		SessionID: c.runID, Clock: c.deps.Clock.Now(), Paused: false,
	})
	return nil
}

// Status returns the current coordinator snapshot
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		State:   c.state,
		Mode:    c.deps.Config.SessionMode(),
		Paused:  c.paused,
		Window:  c.window,
		Clock:   c.deps.Clock.Now(),
		Streams: len(c.inputs),
		Bars:    c.seq,
		RunID:   c.runID,
	}
	if c.lastErr != nil {
		s.Error = c.lastErr.Error()
	}
	return s
}

// Admit queues symbols for mid-session provisioning. Implements the
// scanner admission contract; the merge loop drains between picks.
func (c *Coordinator) Admit(ctx context.Context, symbols []string, scope domain.SymbolScope, source string) error {
	select {
	case c.admissions <- admission{symbols: symbols, scope: scope, source: source}:
		return nil
	default:
		return fmt.Errorf("admission queue full, %d symbols from %s dropped", len(symbols), source)
	}
}

// AdmitIndicator queues an indicator-scoped admission. An absent symbol
// is brought in adhoc first; the merge loop drains between picks.
func (c *Coordinator) AdmitIndicator(ctx context.Context, symbol string, spec domain.IndicatorSpec, interval domain.Interval, source string) error {
	select {
	case c.admissions <- admission{
		source:    source,
		indicator: &indicatorAdmission{symbol: symbol, spec: spec, interval: interval},
	}:
		return nil
	default:
		return fmt.Errorf("admission queue full, indicator %s on %s from %s dropped", spec.Name, symbol, source)
	}
}

// Offer feeds one live bar into its input queue. Bars for unknown
// streams are dropped with a counter.
func (c *Coordinator) Offer(symbol string, bar domain.Bar) {
	id := domain.StreamID{Symbol: symbol, Interval: c.deps.Config.Base()}
	c.mu.Lock()
	q := c.inputs[id]
	c.mu.Unlock()
	if q == nil {
		c.deps.Metrics.NotificationsDropped.WithLabelValues("coordinator").Inc()
		return
	}
	q.TryPush(bar)
}

// CloseStream removes a stream from the merge (symbol removal)
func (c *Coordinator) CloseStream(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, q := range c.inputs {
		if id.Symbol == symbol {
			q.Close()
			q.Drain()
			delete(c.inputs, id)
		}
	}
	c.deps.Metrics.ActiveStreams.Set(float64(len(c.inputs)))
}

// run is the mode dispatcher. It owns the final state transition.
func (c *Coordinator) run(stop, stopped chan struct{}) {
	defer close(stopped)

	var err error
	if c.deps.Config.SessionMode() == domain.ModeBacktest {
		err = c.runBacktest(stop)
	} else {
		err = c.runLive(stop)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil && !errors.Is(err, errStopRequested) {
		c.lastErr = err
		c.state = domain.StateFailed
		c.log.Error().Err(err).Msg("Session run failed")
		return
	}
	c.state = domain.StateStopped
}

// runBacktest iterates the configured date range, one session per
// trading day.
func (c *Coordinator) runBacktest(stop chan struct{}) error {
	start, end := c.deps.Config.BacktestRange()
	exchange := c.deps.Config.Exchange

	for date := start; !date.After(end); date = date.AddDate(0, 0, 1) {
		select {
		case <-stop:
			return errStopRequested
		default:
		}

		trading, err := c.deps.Calendar.IsTradingDay(exchange, date)
		if err != nil {
			return err
		}
		if !trading {
			continue
		}

		window, err := c.deps.Calendar.Session(exchange, date)
		if err != nil {
			return err
		}
		if err := c.runSession(stop, window); err != nil {
			return err
		}
	}
	return nil
}

// runLive runs session after session off the exchange calendar
func (c *Coordinator) runLive(stop chan struct{}) error {
	exchange := c.deps.Config.Exchange
	for {
		select {
		case <-stop:
			return errStopRequested
		default:
		}

		window, err := c.deps.Calendar.NextSession(exchange, c.deps.Clock.Now())
		if err != nil {
			return err
		}
		if wait := time.Until(window.Open); wait > 0 {
			c.log.Info().Time("open", window.Open).Dur("wait", wait).Msg("Waiting for next session")
			select {
			case <-stop:
				return errStopRequested
			case <-time.After(wait):
			}
		}
		if err := c.runSession(stop, window); err != nil {
			return err
		}
	}
}

// runSession runs one full session: teardown, init, active, end
func (c *Coordinator) runSession(stop chan struct{}, window domain.SessionWindow) error {
	ctx := context.Background()
	initStart := time.Now()

	c.mu.Lock()
	c.state = domain.StateInitializing
	c.window = window
	c.seq = 0
	c.mu.Unlock()

	// Teardown previous session state
	c.deps.Store.Clear()
	c.deps.Processor.EndSession()

	if c.deps.Sim != nil {
		c.deps.Sim.Set(window.Open)
	}

	procReady := c.newProcGate()
	c.deps.Engine.SetDataDriven(procReady.Mode() == stream.GateDataDriven)
	c.deps.Processor.SetSinks(c.deps.Quality, c.deps.Engine, c.deps.Engine.Ready(), procReady)
	c.deps.Processor.StartSession(window.Open)
	c.deps.Quality.StartSession(window)
	c.deps.Provisioner.StartSession(window)

	if err := c.provisionSymbols(ctx); err != nil {
		return fmt.Errorf("session init: %w", err)
	}

	var scannerTZ *time.Location
	if exCfg, err := c.deps.Calendar.Config(c.deps.Config.Exchange); err == nil {
		scannerTZ = exCfg.Timezone
	}
	c.deps.Scanners.StartSession(ctx, scannerTZ)
	c.deps.Scanners.RunPreSession(ctx)

	if err := c.buildInputs(ctx, window); err != nil {
		return fmt.Errorf("session init: %w", err)
	}

	c.deps.Processor.Start()
	c.deps.Quality.Start()

	c.deps.Metrics.SessionInitDuration.Observe(time.Since(initStart).Seconds())
	c.deps.Events.EmitTyped("coordinator", &events.SessionStartedData{
		SessionID: c.runID,
		Exchange:  window.Exchange,
		Date:      window.Open.Format("2006-01-02"),
		Mode:      string(c.deps.Config.SessionMode()),
		Speed:     c.deps.Config.Speed(),
		Streams:   c.streamCount(),
	})
	c.deps.Engine.SessionStart(window)

	c.mu.Lock()
	c.state = domain.StateActive
	c.mu.Unlock()

	sessionStart := time.Now()
	mergeErr := c.mergeLoop(ctx, stop, window, procReady)

	// Session end: strategies first, then scanners, then the quality recap
	c.deps.Engine.SessionEnd()
	c.deps.Scanners.EndSession(ctx)
	for _, symbol := range c.deps.Store.Symbols() {
		c.deps.Quality.Report(domain.StreamID{Symbol: symbol, Interval: c.deps.Config.Base()})
	}

	reason := "completed"
	switch {
	case errors.Is(mergeErr, errStopRequested):
		reason = "stopped"
	case mergeErr != nil:
		reason = "overrun"
	}
	c.deps.Events.EmitTyped("coordinator", &events.SessionEndedData{
		SessionID: c.runID,
		Reason:    reason,
		Bars:      int(c.seqValue()),
		Duration:  time.Since(sessionStart).Seconds(),
	})

	procReady.Close()
	c.deps.Processor.Stop()
	c.deps.Quality.Stop()
	c.closeInputs()

	if c.deps.Archive != nil && c.deps.Config.SessionMode() == domain.ModeLive && mergeErr == nil {
		c.deps.Archive(ctx, c.deps.Store.Snapshot())
	}

	// On overrun the session store survives for inspection
	return mergeErr
}

// newProcGate builds the processor-ready gate for the session's pacing
// mode.
func (c *Coordinator) newProcGate() *stream.Subscription {
	mode := stream.GateLive
	if c.deps.Config.SessionMode() == domain.ModeBacktest {
		if c.deps.Config.Speed() == 0 {
			mode = stream.GateDataDriven
		} else {
			mode = stream.GateClockDriven
		}
	}
	return stream.NewSubscription("processor", mode)
}

// provisionSymbols brings every configured symbol and every
// strategy-required stream into the session.
func (c *Coordinator) provisionSymbols(ctx context.Context) error {
	for _, symbol := range c.deps.Config.Data.Symbols {
		var err error
		if c.deps.Store.Has(symbol) {
			err = c.deps.Provisioner.Reload(ctx, symbol)
		} else {
			err = c.deps.Provisioner.AddSymbol(ctx, symbol, domain.ScopeFull, session.AddedByConfig, false)
		}
		if err != nil {
			return err
		}
	}
	return c.deps.Provisioner.ApplyRequirements(ctx, c.deps.Engine.RequiredStreams())
}

// buildInputs creates one queue per base stream. Backtest queues are
// preloaded from the repository and closed; live queues stay open for
// the feed.
func (c *Coordinator) buildInputs(ctx context.Context, window domain.SessionWindow) error {
	base := c.deps.Config.Base()
	backtest := c.deps.Config.SessionMode() == domain.ModeBacktest

	inputs := make(map[domain.StreamID]*stream.Queue)
	for _, symbol := range c.deps.Store.Symbols() {
		id := domain.StreamID{Symbol: symbol, Interval: base}
		capacity := c.deps.Config.QueueCapacity()

		var bars []domain.Bar
		if backtest {
			var err error
			bars, err = c.deps.Repo.GetBars(ctx, symbol, base, window.Open, window.Close)
			if err != nil {
				return err
			}
			if len(bars) >= capacity {
				capacity = len(bars) + 1
			}
		}

		q := stream.NewQueue(id, capacity)
		if backtest {
			for _, bar := range bars {
				if err := q.Push(bar); err != nil {
					return err
				}
			}
			q.Close()
		}
		inputs[id] = q
	}

	c.mu.Lock()
	c.inputs = inputs
	c.mu.Unlock()
	c.deps.Metrics.ActiveStreams.Set(float64(len(inputs)))
	return nil
}

// closeInputs tears the input queues down
func (c *Coordinator) closeInputs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range c.inputs {
		q.Close()
		q.Drain()
	}
	c.inputs = make(map[domain.StreamID]*stream.Queue)
	c.deps.Metrics.ActiveStreams.Set(0)
}

// mergeLoop is the session tape: refill pending slots, pick the
// earliest bar, advance the clock, append, notify, pace.
func (c *Coordinator) mergeLoop(ctx context.Context, stop chan struct{}, window domain.SessionWindow, procReady *stream.Subscription) error {
	pending := make(map[domain.StreamID]domain.Bar)
	live := c.deps.Config.SessionMode() == domain.ModeLive
	speed := c.deps.Config.Speed()
	readyTimeout := c.deps.Config.ReadyTimeout()

	for {
		select {
		case <-stop:
			return errStopRequested
		default:
		}

		if c.isPaused() {
			select {
			case <-stop:
				return errStopRequested
			case <-time.After(20 * time.Millisecond):
			}
			continue
		}

		c.drainAdmissions(ctx, window)

		inputs := c.inputSnapshot()
		// A removed symbol's pending slot must not drive the clock
		for id := range pending {
			if _, ok := inputs[id]; !ok {
				delete(pending, id)
			}
		}

		// Refill one pending slot per input stream
		exhausted := 0
		for id, q := range inputs {
			if _, have := pending[id]; have {
				continue
			}
			if bar, ok := q.TryPop(); ok {
				pending[id] = bar
			} else if q.Closed() {
				// Re-check: a final bar can land between pop and close
				if bar, ok := q.TryPop(); ok {
					pending[id] = bar
				} else {
					exhausted++
				}
			}
		}

		if len(pending) == 0 {
			streams := c.streamCount()
			if streams == 0 || exhausted == streams {
				return nil // all streams exhausted, session complete
			}
			if live && c.deps.Clock.Now().After(window.Close) {
				return nil
			}
			// Feed has not caught up yet
			select {
			case <-stop:
				return errStopRequested
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		// Pick: minimum timestamp, ties broken lexicographically
		var best domain.StreamID
		var bestBar domain.Bar
		found := false
		for id, bar := range pending {
			switch {
			case !found,
				bar.Timestamp.Before(bestBar.Timestamp),
				bar.Timestamp.Equal(bestBar.Timestamp) && id.Less(best):
				best, bestBar, found = id, bar, true
			}
		}

		pickStart := time.Now()
		delete(pending, best)

		// A bar whose close already passed the clock is stale
		barClose := bestBar.Timestamp.Add(best.Interval.Duration())
		if barClose.Before(c.deps.Clock.Now()) {
			c.log.Warn().
				Str("stream", best.String()).
				Time("bar", bestBar.Timestamp).
				Time("clock", c.deps.Clock.Now()).
				Msg("Stale bar discarded")
			continue
		}

		prevClock := c.deps.Clock.Now()
		if c.deps.Sim != nil && barClose.After(prevClock) {
			if err := c.deps.Sim.Advance(barClose); err != nil {
				return err
			}
			c.deps.Metrics.SimClock.Set(float64(barClose.Unix()))
		}

		if _, err := c.deps.Store.AppendBar(best.Symbol, best.Interval, bestBar); err != nil {
			c.log.Error().Err(err).Str("stream", best.String()).Msg("Append failed, bar skipped")
			continue
		}

		seq := c.nextSeq()
		c.deps.Metrics.BarsMerged.WithLabelValues(best.Symbol).Inc()

		procReady.Reset()
		c.deps.Processor.Notify(domain.BarNotice{
			Stream: best,
			Bar:    bestBar,
			Seq:    seq,
			Clock:  c.deps.Clock.Now(),
		})
		c.deps.Scanners.OnClock(ctx, c.deps.Clock.Now())

		switch procReady.Mode() {
		case stream.GateDataDriven:
			if !procReady.WaitReady(0) {
				return errStopRequested
			}
		case stream.GateClockDriven:
			if !procReady.WaitReady(readyTimeout) {
				if procReady.Closed() {
					return errStopRequested
				}
				c.deps.Metrics.Overruns.WithLabelValues("processor").Inc()
				c.deps.Events.EmitTyped("coordinator", &events.SessionOverrunData{
					SessionID: c.runID,
					Stream:    best.String(),
					Budget:    readyTimeout.Seconds(),
				})
				return &domain.OverrunError{Stream: best.String(), Budget: readyTimeout}
			}
		}

		// Pacing: scale simulated elapsed time into real sleep
		if speed > 0 && c.deps.Sim != nil {
			sleep := time.Duration(float64(barClose.Sub(prevClock)) / speed)
			if sleep < time.Millisecond {
				sleep = time.Millisecond
			}
			select {
			case <-stop:
				return errStopRequested
			case <-time.After(sleep):
			}
		}

		c.deps.Metrics.MergePickDuration.Observe(time.Since(pickStart).Seconds())
	}
}

// drainAdmissions handles queued symbol requests between picks
func (c *Coordinator) drainAdmissions(ctx context.Context, window domain.SessionWindow) {
	for {
		select {
		case adm := <-c.admissions:
			c.handleAdmission(ctx, window, adm)
		default:
			return
		}
	}
}

// handleAdmission routes one queued request to its provisioning call
func (c *Coordinator) handleAdmission(ctx context.Context, window domain.SessionWindow, adm admission) {
	if ind := adm.indicator; ind != nil {
		c.admitOne(ctx, window, ind.symbol, func(ctx context.Context) error {
			return c.deps.Provisioner.AddIndicator(ctx, ind.symbol, ind.spec, ind.interval, adm.source)
		})
		return
	}
	for _, symbol := range adm.symbols {
		symbol := symbol
		c.admitOne(ctx, window, symbol, func(ctx context.Context) error {
			return c.deps.Provisioner.Admit(ctx, []string{symbol}, adm.scope, adm.source)
		})
	}
}

// admitOne provisions one symbol-touching request: gate the symbol,
// provision it, replay the session so far, then open its input stream.
func (c *Coordinator) admitOne(ctx context.Context, window domain.SessionWindow, symbol string, provision func(context.Context) error) {
	base := c.deps.Config.Base()
	isNew := !c.deps.Store.Has(symbol)
	lag := c.deps.Clock.Now().Sub(window.Open)

	if isNew && lag > c.deps.Config.CatchupThreshold() {
		c.log.Warn().
			Str("symbol", symbol).
			Dur("lag", lag).
			Msg("Mid-session add abandoned, catchup threshold exceeded")
		c.deps.Events.EmitTyped("coordinator", &events.CatchupData{
			Symbol: symbol, Status: "abandoned", BehindSeconds: lag.Seconds(),
		})
		return
	}

	c.deps.Processor.BeginCatchup(symbol)
	if err := provision(ctx); err != nil {
		c.deps.Processor.EndCatchup(symbol)
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Admission failed")
		return
	}

	if isNew {
		c.deps.Events.EmitTyped("coordinator", &events.CatchupData{
			Symbol: symbol, Status: "started", BehindSeconds: lag.Seconds(),
		})

		// Replay the session so far through the processor, gated
		bars, _ := c.deps.Store.Bars(symbol, base)
		replayed := 0
		for _, bar := range bars {
			if bar.Timestamp.Before(window.Open) {
				continue
			}
			replayed++
			c.deps.Processor.Replay(domain.BarNotice{
				Stream: domain.StreamID{Symbol: symbol, Interval: base},
				Bar:    bar,
				Clock:  c.deps.Clock.Now(),
			})
		}
		c.deps.Events.EmitTyped("coordinator", &events.CatchupData{
			Symbol: symbol, Status: "finished", BehindSeconds: lag.Seconds(), Bars: replayed,
		})

		if err := c.openStream(ctx, symbol, window); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to open input stream")
		}
		c.deps.Engine.SymbolAdded(symbol)
	}
	c.deps.Processor.EndCatchup(symbol)
}

// openStream adds an input queue for a freshly admitted symbol. In
// backtest the remainder of the day loads from the repository.
func (c *Coordinator) openStream(ctx context.Context, symbol string, window domain.SessionWindow) error {
	base := c.deps.Config.Base()
	id := domain.StreamID{Symbol: symbol, Interval: base}
	capacity := c.deps.Config.QueueCapacity()

	var bars []domain.Bar
	if c.deps.Config.SessionMode() == domain.ModeBacktest {
		var err error
		bars, err = c.deps.Repo.GetBars(ctx, symbol, base, c.deps.Clock.Now(), window.Close)
		if err != nil {
			return err
		}
		if len(bars) >= capacity {
			capacity = len(bars) + 1
		}
	}

	q := stream.NewQueue(id, capacity)
	for _, bar := range bars {
		if err := q.Push(bar); err != nil {
			return err
		}
	}
	if c.deps.Config.SessionMode() == domain.ModeBacktest {
		q.Close()
	}

	c.mu.Lock()
	c.inputs[id] = q
	c.mu.Unlock()
	c.deps.Metrics.ActiveStreams.Set(float64(c.streamCount()))
	return nil
}

func (c *Coordinator) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Coordinator) inputSnapshot() map[domain.StreamID]*stream.Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[domain.StreamID]*stream.Queue, len(c.inputs))
	for id, q := range c.inputs {
		out[id] = q
	}
	return out
}

func (c *Coordinator) streamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inputs)
}

func (c *Coordinator) nextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

func (c *Coordinator) seqValue() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}
