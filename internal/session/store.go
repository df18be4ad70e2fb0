package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tape/internal/domain"
)

// Store is the shared session-data store. A single exclusive lock
// guards the whole structure.
type Store struct {
	mu      sync.Mutex
	symbols map[string]*symbolData
	log     zerolog.Logger
}

// NewStore creates an empty session store
func NewStore(log zerolog.Logger) *Store {
	return &Store{
		symbols: make(map[string]*symbolData),
		log:     log.With().Str("service", "session_store").Logger(),
	}
}

// Register adds a symbol with its base and derived interval series.
// Returns ErrSymbolExists when the symbol is already registered.
func (s *Store) Register(symbol string, base domain.Interval, derived []domain.Interval, prov Provenance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.symbols[symbol]; exists {
		return fmt.Errorf("%s: %w", symbol, domain.ErrSymbolExists)
	}

	data := &symbolData{
		base:       base,
		intervals:  make(map[domain.Interval]*intervalData, len(derived)+1),
		indicators: make(map[string]IndicatorValue),
		provenance: prov,
	}
	data.intervals[base] = &intervalData{}
	for _, interval := range derived {
		if interval == base {
			continue
		}
		data.intervals[interval] = &intervalData{derived: true, base: base}
	}

	s.symbols[symbol] = data
	return nil
}

// AddInterval registers an additional series for an existing symbol.
// Adding an interval that is already present is a no-op. Used by the
// adhoc-to-full upgrade path.
func (s *Store) AddInterval(symbol string, interval domain.Interval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.lookup(symbol)
	if err != nil {
		return err
	}
	if _, ok := data.intervals[interval]; ok {
		return nil
	}
	if interval == data.base {
		data.intervals[interval] = &intervalData{}
		return nil
	}
	data.intervals[interval] = &intervalData{derived: true, base: data.base}
	return nil
}

// Unregister removes a symbol and all its series
func (s *Store) Unregister(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.symbols[symbol]; !exists {
		return fmt.Errorf("%s: %w", symbol, domain.ErrUnknownSymbol)
	}
	delete(s.symbols, symbol)
	return nil
}

// Has reports whether a symbol is registered
func (s *Store) Has(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.symbols[symbol]
	return ok
}

// Symbols returns the registered symbols in sorted order
func (s *Store) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.symbols))
	for symbol := range s.symbols {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Intervals returns the interval series registered for a symbol,
// base first, derived sorted by duration.
func (s *Store) Intervals(symbol string) ([]domain.Interval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.lookup(symbol)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Interval, 0, len(data.intervals))
	for interval := range data.intervals {
		if interval == data.base {
			continue
		}
		out = append(out, interval)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return append([]domain.Interval{data.base}, out...), nil
}

// AppendBar places a bar into a series. Equal-timestamp bars replace
// the stored bar and bump the duplicate counter; out-of-order bars are
// inserted in position. Base-interval appends update session metrics.
func (s *Store) AppendBar(symbol string, interval domain.Interval, bar domain.Bar) (AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, series, err := s.lookupSeries(symbol, interval)
	if err != nil {
		return Appended, err
	}

	result := placeBar(series, bar, true)
	series.updated = true

	if interval == data.base && result == Appended {
		data.metrics.Volume += bar.Volume
		if data.metrics.High == 0 || bar.High > data.metrics.High {
			data.metrics.High = bar.High
		}
		if data.metrics.Low == 0 || bar.Low < data.metrics.Low {
			data.metrics.Low = bar.Low
		}
		data.metrics.LastUpdate = bar.Timestamp
	}
	return result, nil
}

// AddBatch places a slice of bars into a series and returns how many
// were newly added. Session metrics are not updated in either mode.
// BatchGapFill skips timestamps already present; BatchAppend replaces
// them and counts duplicates.
func (s *Store) AddBatch(symbol string, interval domain.Interval, bars []domain.Bar, mode BatchMode) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, series, err := s.lookupSeries(symbol, interval)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, bar := range bars {
		switch mode {
		case BatchGapFill:
			if insertIfAbsent(series, bar) {
				added++
			}
		default:
			if placeBar(series, bar, true) != Replaced {
				added++
			}
		}
	}
	if added > 0 {
		series.updated = true
	}
	return added, nil
}

// Bars returns a copy of the series for a (symbol, interval) pair
func (s *Store) Bars(symbol string, interval domain.Interval) ([]domain.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, series, err := s.lookupSeries(symbol, interval)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Bar, len(series.bars))
	copy(out, series.bars)
	return out, nil
}

// LastBars returns a copy of the trailing n bars of a series
func (s *Store) LastBars(symbol string, interval domain.Interval, n int) ([]domain.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, series, err := s.lookupSeries(symbol, interval)
	if err != nil {
		return nil, err
	}
	start := len(series.bars) - n
	if start < 0 {
		start = 0
	}
	out := make([]domain.Bar, len(series.bars)-start)
	copy(out, series.bars[start:])
	return out, nil
}

// LastBar returns the newest bar of a series
func (s *Store) LastBar(symbol string, interval domain.Interval) (domain.Bar, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, series, err := s.lookupSeries(symbol, interval)
	if err != nil || len(series.bars) == 0 {
		return domain.Bar{}, false
	}
	return series.bars[len(series.bars)-1], true
}

// BarCount returns the number of unique bars in a series
func (s *Store) BarCount(symbol string, interval domain.Interval) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, series, err := s.lookupSeries(symbol, interval)
	if err != nil {
		return 0
	}
	return len(series.bars)
}

// Duplicates returns how many equal-timestamp replacements a series has seen
func (s *Store) Duplicates(symbol string, interval domain.Interval) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, series, err := s.lookupSeries(symbol, interval)
	if err != nil {
		return 0
	}
	return series.duplicates
}

// SetQuality records the quality score for a series
func (s *Store) SetQuality(symbol string, interval domain.Interval, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, series, err := s.lookupSeries(symbol, interval)
	if err != nil {
		return err
	}
	series.quality = score
	return nil
}

// Quality returns the recorded quality score for a series
func (s *Store) Quality(symbol string, interval domain.Interval) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, series, err := s.lookupSeries(symbol, interval)
	if err != nil {
		return 0
	}
	return series.quality
}

// SetGaps replaces the recorded gaps for a series
func (s *Store) SetGaps(symbol string, interval domain.Interval, gaps []domain.Gap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, series, err := s.lookupSeries(symbol, interval)
	if err != nil {
		return err
	}
	series.gaps = append([]domain.Gap(nil), gaps...)
	return nil
}

// Gaps returns a copy of the recorded gaps for a series
func (s *Store) Gaps(symbol string, interval domain.Interval) []domain.Gap {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, series, err := s.lookupSeries(symbol, interval)
	if err != nil {
		return nil
	}
	return append([]domain.Gap(nil), series.gaps...)
}

// SetIndicator publishes an indicator value for a symbol
func (s *Store) SetIndicator(symbol, key string, value IndicatorValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.lookup(symbol)
	if err != nil {
		return err
	}
	data.indicators[key] = value
	return nil
}

// Indicator returns a published indicator value
func (s *Store) Indicator(symbol, key string) (IndicatorValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.lookup(symbol)
	if err != nil {
		return IndicatorValue{}, false
	}
	value, ok := data.indicators[key]
	return value, ok
}

// ConsumeDirty returns the intervals flagged dirty since the last call
// and clears the flags. The processor drives its refresh cycle off this.
func (s *Store) ConsumeDirty(symbol string) []domain.Interval {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.lookup(symbol)
	if err != nil {
		return nil
	}

	var out []domain.Interval
	for interval, series := range data.intervals {
		if series.updated {
			series.updated = false
			out = append(out, interval)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Metrics returns the session aggregates for a symbol
func (s *Store) Metrics(symbol string) (Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.lookup(symbol)
	if err != nil {
		return Metrics{}, err
	}
	return data.metrics, nil
}

// Provenance returns the registration metadata for a symbol
func (s *Store) Provenance(symbol string) (Provenance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.lookup(symbol)
	if err != nil {
		return Provenance{}, err
	}
	return data.provenance, nil
}

// SetProvenance replaces the registration metadata for a symbol.
// Used by the adhoc-to-full upgrade path.
func (s *Store) SetProvenance(symbol string, prov Provenance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.lookup(symbol)
	if err != nil {
		return err
	}
	data.provenance = prov
	return nil
}

// TotalBars returns the number of unique bars across all series
func (s *Store) TotalBars() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, data := range s.symbols {
		for _, series := range data.intervals {
			total += len(series.bars)
		}
	}
	return total
}

// Clear wipes all per-session state while keeping symbol registrations
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	bars := 0
	for _, data := range s.symbols {
		for _, series := range data.intervals {
			bars += len(series.bars)
			series.bars = nil
			series.updated = false
			series.quality = 0
			series.gaps = nil
			series.duplicates = 0
		}
		data.indicators = make(map[string]IndicatorValue)
		data.metrics = Metrics{}
	}
	s.log.Debug().Int("bars_dropped", bars).Msg("Session store cleared")
}

// Snapshot produces a deep copy of the whole store
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{
		TakenAt: time.Now().UTC(),
		Symbols: make(map[string]SymbolSnapshot, len(s.symbols)),
	}

	for symbol, data := range s.symbols {
		sym := SymbolSnapshot{
			Symbol:     symbol,
			Base:       data.base.String(),
			Provenance: data.provenance,
			Metrics:    data.metrics,
			Intervals:  make(map[string]IntervalSnapshot, len(data.intervals)),
		}
		if len(data.indicators) > 0 {
			sym.Indicators = make(map[string]IndicatorValue, len(data.indicators))
			for key, value := range data.indicators {
				sym.Indicators[key] = value
			}
		}
		for interval, series := range data.intervals {
			barsCopy := make([]domain.Bar, len(series.bars))
			copy(barsCopy, series.bars)
			is := IntervalSnapshot{
				Derived:    series.derived,
				Quality:    series.quality,
				Duplicates: series.duplicates,
				Bars:       barsCopy,
				Gaps:       append([]domain.Gap(nil), series.gaps...),
			}
			if series.derived {
				is.Base = series.base.String()
			}
			sym.Intervals[interval.String()] = is
		}
		snap.Symbols[symbol] = sym
	}
	return snap
}

// lookup finds a symbol's data. Caller must hold the lock.
func (s *Store) lookup(symbol string) (*symbolData, error) {
	data, ok := s.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, domain.ErrUnknownSymbol)
	}
	return data, nil
}

// lookupSeries finds an interval series. Caller must hold the lock.
func (s *Store) lookupSeries(symbol string, interval domain.Interval) (*symbolData, *intervalData, error) {
	data, err := s.lookup(symbol)
	if err != nil {
		return nil, nil, err
	}
	series, ok := data.intervals[interval]
	if !ok {
		return nil, nil, domain.NewValidationError("interval", "interval %s not registered for %s", interval, symbol)
	}
	return data, series, nil
}

// placeBar puts a bar into a series keeping chronological order.
// countDuplicates controls whether equal-timestamp replacement bumps
// the duplicate counter.
func placeBar(series *intervalData, bar domain.Bar, countDuplicates bool) AppendResult {
	n := len(series.bars)

	// Fast path, strictly newer than the tail
	if n == 0 || bar.Timestamp.After(series.bars[n-1].Timestamp) {
		series.bars = append(series.bars, bar)
		return Appended
	}

	idx := sort.Search(n, func(i int) bool {
		return !series.bars[i].Timestamp.Before(bar.Timestamp)
	})
	if idx < n && series.bars[idx].Timestamp.Equal(bar.Timestamp) {
		series.bars[idx] = bar
		if countDuplicates {
			series.duplicates++
		}
		return Replaced
	}

	series.bars = append(series.bars, domain.Bar{})
	copy(series.bars[idx+1:], series.bars[idx:])
	series.bars[idx] = bar
	return Inserted
}

// insertIfAbsent inserts a bar only when its timestamp is not present
func insertIfAbsent(series *intervalData, bar domain.Bar) bool {
	n := len(series.bars)
	idx := sort.Search(n, func(i int) bool {
		return !series.bars[i].Timestamp.Before(bar.Timestamp)
	})
	if idx < n && series.bars[idx].Timestamp.Equal(bar.Timestamp) {
		return false
	}
	if idx == n {
		series.bars = append(series.bars, bar)
		return true
	}
	series.bars = append(series.bars, domain.Bar{})
	copy(series.bars[idx+1:], series.bars[idx:])
	series.bars[idx] = bar
	return true
}
