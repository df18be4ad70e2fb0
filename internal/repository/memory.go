package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aristath/tape/internal/domain"
)

// MemoryRepository is an in-memory BarRepository. It backs unit tests
// and fixture-driven backtests; the write path mirrors the dedup
// semantics of the disk stores.
type MemoryRepository struct {
	mu     sync.RWMutex
	series map[domain.StreamID][]domain.Bar

	// FailNext, when set, makes the next repository call return this
	// error. Tests use it to exercise the gap-as-failure paths.
	FailNext error
}

// NewMemory creates an empty in-memory repository
func NewMemory() *MemoryRepository {
	return &MemoryRepository{series: make(map[domain.StreamID][]domain.Bar)}
}

// Seed loads bars without error handling, for test setup
func (m *MemoryRepository) Seed(symbol string, interval domain.Interval, bars []domain.Bar) {
	_ = m.WriteBars(context.Background(), symbol, interval, bars)
}

func (m *MemoryRepository) takeFailure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.FailNext
	m.FailNext = nil
	return err
}

// GetBars returns bars in [from, to), chronological
func (m *MemoryRepository) GetBars(_ context.Context, symbol string, interval domain.Interval, from, to time.Time) ([]domain.Bar, error) {
	if err := m.takeFailure(); err != nil {
		return nil, wrapErr("get_bars", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.series[domain.StreamID{Symbol: symbol, Interval: interval}]
	out := make([]domain.Bar, 0)
	for _, bar := range series {
		if bar.Timestamp.Before(from) || !bar.Timestamp.Before(to) {
			continue
		}
		out = append(out, bar)
	}
	return out, nil
}

// GetLatest returns the newest n bars, chronological
func (m *MemoryRepository) GetLatest(_ context.Context, symbol string, interval domain.Interval, n int) ([]domain.Bar, error) {
	if err := m.takeFailure(); err != nil {
		return nil, wrapErr("get_latest", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.series[domain.StreamID{Symbol: symbol, Interval: interval}]
	start := len(series) - n
	if start < 0 {
		start = 0
	}
	out := make([]domain.Bar, len(series)-start)
	copy(out, series[start:])
	return out, nil
}

// WriteBars upserts bars by timestamp, keeping chronological order
func (m *MemoryRepository) WriteBars(_ context.Context, symbol string, interval domain.Interval, bars []domain.Bar) error {
	if err := m.takeFailure(); err != nil {
		return wrapErr("write_bars", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := domain.StreamID{Symbol: symbol, Interval: interval}
	series := m.series[key]
	for _, bar := range bars {
		idx := sort.Search(len(series), func(i int) bool {
			return !series[i].Timestamp.Before(bar.Timestamp)
		})
		if idx < len(series) && series[idx].Timestamp.Equal(bar.Timestamp) {
			series[idx] = bar
			continue
		}
		series = append(series, domain.Bar{})
		copy(series[idx+1:], series[idx:])
		series[idx] = bar
	}
	m.series[key] = series
	return nil
}

// HasSymbol reports whether any series exists for the symbol
func (m *MemoryRepository) HasSymbol(_ context.Context, symbol string) (bool, error) {
	if err := m.takeFailure(); err != nil {
		return false, wrapErr("has_symbol", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for key := range m.series {
		if key.Symbol == symbol {
			return true, nil
		}
	}
	return false, nil
}

// Close is a no-op
func (m *MemoryRepository) Close() error { return nil }
