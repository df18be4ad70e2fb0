package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/aristath/tape/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS bars (
	symbol    TEXT             NOT NULL,
	interval  TEXT             NOT NULL,
	ts        TIMESTAMPTZ      NOT NULL,
	open      DOUBLE PRECISION NOT NULL,
	high      DOUBLE PRECISION NOT NULL,
	low       DOUBLE PRECISION NOT NULL,
	close     DOUBLE PRECISION NOT NULL,
	volume    DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (symbol, interval, ts)
);

CREATE INDEX IF NOT EXISTS idx_bars_ts ON bars (ts);
`

// PostgresRepository stores bars in Postgres. The schema is
// Timescale-compatible: (symbol, interval, ts) primary key with a ts
// index, so the bars table can be converted to a hypertable in place.
type PostgresRepository struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgres connects to Postgres and migrates the bars table
func NewPostgres(dsn string, timeout time.Duration) (*PostgresRepository, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate bars table: %w", err)
	}

	return &PostgresRepository{db: db, timeout: timeout}, nil
}

// GetBars returns bars in [from, to), chronological
func (r *PostgresRepository) GetBars(ctx context.Context, symbol string, interval domain.Interval, from, to time.Time) ([]domain.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT ts, open, high, low, close, volume
		FROM bars
		WHERE symbol = $1 AND interval = $2 AND ts >= $3 AND ts < $4
		ORDER BY ts ASC`,
		symbol, interval.String(), from.UTC(), to.UTC())
	if err != nil {
		return nil, wrapErr("get_bars", err)
	}
	defer rows.Close()

	var out []domain.Bar
	for rows.Next() {
		var bar domain.Bar
		if err := rows.Scan(&bar.Timestamp, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, wrapErr("scan", err)
		}
		bar.Timestamp = bar.Timestamp.UTC()
		out = append(out, bar)
	}
	return out, wrapErr("scan", rows.Err())
}

// GetLatest returns the newest n bars, chronological
func (r *PostgresRepository) GetLatest(ctx context.Context, symbol string, interval domain.Interval, n int) ([]domain.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT ts, open, high, low, close, volume
		FROM bars
		WHERE symbol = $1 AND interval = $2
		ORDER BY ts DESC
		LIMIT $3`,
		symbol, interval.String(), n)
	if err != nil {
		return nil, wrapErr("get_latest", err)
	}
	defer rows.Close()

	var out []domain.Bar
	for rows.Next() {
		var bar domain.Bar
		if err := rows.Scan(&bar.Timestamp, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, wrapErr("scan", err)
		}
		bar.Timestamp = bar.Timestamp.UTC()
		out = append(out, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("scan", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// WriteBars upserts bars in one transaction
func (r *PostgresRepository) WriteBars(ctx context.Context, symbol string, interval domain.Interval, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(bars)/500+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("write_bars", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (symbol, interval, ts, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, interval, ts) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high,
			low = EXCLUDED.low, close = EXCLUDED.close,
			volume = EXCLUDED.volume`)
	if err != nil {
		return wrapErr("write_bars", err)
	}
	defer stmt.Close()

	for _, bar := range bars {
		if _, err := stmt.ExecContext(ctx, symbol, interval.String(),
			bar.Timestamp.UTC(), bar.Open, bar.High, bar.Low, bar.Close, bar.Volume); err != nil {
			if pqErr, ok := err.(*pq.Error); ok {
				return wrapErr("write_bars", fmt.Errorf("pq %s: %w", pqErr.Code, err))
			}
			return wrapErr("write_bars", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("write_bars", err)
	}
	return nil
}

// HasSymbol reports whether the store has any bars for the symbol
func (r *PostgresRepository) HasSymbol(ctx context.Context, symbol string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var one int
	err := r.db.QueryRowxContext(ctx,
		`SELECT 1 FROM bars WHERE symbol = $1 LIMIT 1`, symbol).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("has_symbol", err)
	}
	return true, nil
}

// Close closes the connection pool
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}
