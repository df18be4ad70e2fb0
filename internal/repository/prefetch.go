package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/tape/internal/domain"
)

// PrefetchCache decorates a BarRepository with an on-disk day cache.
// Backtests replay the same date ranges run after run; a day slice is
// fetched once, encoded to msgpack under the cache dir, and served from
// disk afterwards. Writes pass straight through.
type PrefetchCache struct {
	inner BarRepository
	dir   string
	log   zerolog.Logger

	mu  sync.Mutex
	hit uint64
	miss uint64
}

// NewPrefetchCache wraps a repository with the day cache rooted at dir
func NewPrefetchCache(inner BarRepository, dir string, log zerolog.Logger) (*PrefetchCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create prefetch cache dir: %w", err)
	}
	return &PrefetchCache{
		inner: inner,
		dir:   dir,
		log:   log.With().Str("service", "prefetch_cache").Logger(),
	}, nil
}

// cachedDay is the on-disk encoding unit
type cachedDay struct {
	Symbol   string       `msgpack:"symbol"`
	Interval string       `msgpack:"interval"`
	Date     string       `msgpack:"date"`
	Bars     []domain.Bar `msgpack:"bars"`
}

// cachePath is <dir>/<symbol>/<interval>/<yyyy-mm-dd>.msgpack
func (c *PrefetchCache) cachePath(symbol string, interval domain.Interval, date time.Time) string {
	name := date.UTC().Format("2006-01-02") + ".msgpack"
	return filepath.Join(c.dir, sanitize(symbol), interval.String(), name)
}

// GetBars serves whole UTC days from disk where possible. Ranges not
// aligned to day boundaries bypass the cache.
func (c *PrefetchCache) GetBars(ctx context.Context, symbol string, interval domain.Interval, from, to time.Time) ([]domain.Bar, error) {
	from, to = from.UTC(), to.UTC()
	if !isMidnight(from) || !isMidnight(to) {
		return c.inner.GetBars(ctx, symbol, interval, from, to)
	}

	var out []domain.Bar
	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		bars, err := c.day(ctx, symbol, interval, day)
		if err != nil {
			return nil, err
		}
		out = append(out, bars...)
	}
	return out, nil
}

// day loads one UTC day from cache or the inner repository
func (c *PrefetchCache) day(ctx context.Context, symbol string, interval domain.Interval, date time.Time) ([]domain.Bar, error) {
	path := c.cachePath(symbol, interval, date)

	if raw, err := os.ReadFile(path); err == nil {
		var cached cachedDay
		if err := msgpack.Unmarshal(raw, &cached); err == nil {
			c.mu.Lock()
			c.hit++
			c.mu.Unlock()
			return cached.Bars, nil
		}
		// Corrupt entry: drop and refetch
		_ = os.Remove(path)
	}

	bars, err := c.inner.GetBars(ctx, symbol, interval, date, date.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.miss++
	c.mu.Unlock()

	raw, err := msgpack.Marshal(cachedDay{
		Symbol:   symbol,
		Interval: interval.String(),
		Date:     date.Format("2006-01-02"),
		Bars:     bars,
	})
	if err != nil {
		return bars, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err == nil {
		if err := os.WriteFile(path, raw, 0644); err != nil {
			c.log.Warn().Err(err).Str("path", path).Msg("Failed to write prefetch cache entry")
		}
	}
	return bars, nil
}

// GetLatest always hits the inner repository; "latest" is not cacheable
func (c *PrefetchCache) GetLatest(ctx context.Context, symbol string, interval domain.Interval, n int) ([]domain.Bar, error) {
	return c.inner.GetLatest(ctx, symbol, interval, n)
}

// WriteBars passes through and invalidates the touched days
func (c *PrefetchCache) WriteBars(ctx context.Context, symbol string, interval domain.Interval, bars []domain.Bar) error {
	if err := c.inner.WriteBars(ctx, symbol, interval, bars); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, bar := range bars {
		day := bar.Timestamp.UTC().Truncate(24 * time.Hour)
		path := c.cachePath(symbol, interval, day)
		if !seen[path] {
			seen[path] = true
			_ = os.Remove(path)
		}
	}
	return nil
}

// HasSymbol passes through
func (c *PrefetchCache) HasSymbol(ctx context.Context, symbol string) (bool, error) {
	return c.inner.HasSymbol(ctx, symbol)
}

// Close closes the inner repository
func (c *PrefetchCache) Close() error {
	return c.inner.Close()
}

// Stats returns cache hit/miss counters
func (c *PrefetchCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hit, c.miss
}

// Prune removes cached days older than the retention window.
// The maintenance scheduler calls this.
func (c *PrefetchCache) Prune(keepDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -keepDays).Format("2006-01-02")
	removed := 0
	err := filepath.Walk(c.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".msgpack") {
			return err
		}
		date := strings.TrimSuffix(filepath.Base(path), ".msgpack")
		if date < cutoff {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// isMidnight reports whether t is exactly on a UTC day boundary
func isMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}

// sanitize makes a symbol safe as a directory name
func sanitize(symbol string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, symbol)
}

// SortBars orders bars chronologically in place. Fixture helpers and
// the gap filler use it before batch inserts.
func SortBars(bars []domain.Bar) {
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
}
