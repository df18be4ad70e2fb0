// Package repository abstracts bar storage behind one interface with
// SQLite and Postgres implementations, a msgpack prefetch day-cache
// for backtests, and an in-memory store for tests and fixtures.
package repository

import (
	"context"
	"time"

	"github.com/aristath/tape/internal/domain"
)

// BarRepository is the storage contract the engine depends on.
// GetBars is inclusive of from and exclusive of to, chronological.
type BarRepository interface {
	GetBars(ctx context.Context, symbol string, interval domain.Interval, from, to time.Time) ([]domain.Bar, error)
	GetLatest(ctx context.Context, symbol string, interval domain.Interval, n int) ([]domain.Bar, error)
	WriteBars(ctx context.Context, symbol string, interval domain.Interval, bars []domain.Bar) error
	HasSymbol(ctx context.Context, symbol string) (bool, error)
	Close() error
}

// wrapErr converts a storage failure into the engine's error taxonomy
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &domain.RepositoryError{Op: op, Err: err}
}
