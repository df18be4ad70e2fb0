package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/aristath/tape/internal/domain"
)

// SQLiteProfile selects the pragma set for a store
type SQLiteProfile string

const (
	// ProfileArchive favors safety: fsync on every write
	ProfileArchive SQLiteProfile = "archive"
	// ProfileCache favors speed for rebuildable data
	ProfileCache SQLiteProfile = "cache"
	// ProfileStandard is the balanced default
	ProfileStandard SQLiteProfile = "standard"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS bars (
	symbol    TEXT    NOT NULL,
	interval  TEXT    NOT NULL,
	ts        INTEGER NOT NULL,
	open      REAL    NOT NULL,
	high      REAL    NOT NULL,
	low       REAL    NOT NULL,
	close     REAL    NOT NULL,
	volume    REAL    NOT NULL,
	PRIMARY KEY (symbol, interval, ts)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_bars_symbol ON bars (symbol);
`

// SQLiteRepository stores bars in a single SQLite file
type SQLiteRepository struct {
	conn    *sql.DB
	path    string
	profile SQLiteProfile
}

// SQLiteConfig holds the store configuration
type SQLiteConfig struct {
	Path    string
	Profile SQLiteProfile
}

// NewSQLite opens (and migrates) a SQLite bar store
func NewSQLite(cfg SQLiteConfig) (*SQLiteRepository, error) {
	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}

	// file: URIs pass through untouched (in-memory test stores)
	if !strings.HasPrefix(cfg.Path, "file:") {
		absPath, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		cfg.Path = absPath
	}

	conn, err := sql.Open("sqlite", buildConnectionString(cfg.Path, cfg.Profile))
	if err != nil {
		return nil, fmt.Errorf("failed to open bar store: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping bar store: %w", err)
	}

	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate bar store: %w", err)
	}

	return &SQLiteRepository{conn: conn, path: cfg.Path, profile: cfg.Profile}, nil
}

// buildConnectionString creates the connection string with
// profile-specific pragmas
func buildConnectionString(path string, profile SQLiteProfile) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	connStr := path + sep + "_pragma=journal_mode(WAL)"

	switch profile {
	case ProfileArchive:
		connStr += "&_pragma=synchronous(FULL)"
		connStr += "&_pragma=auto_vacuum(NONE)"
	case ProfileCache:
		connStr += "&_pragma=synchronous(OFF)"
		connStr += "&_pragma=auto_vacuum(FULL)"
		connStr += "&_pragma=temp_store(MEMORY)"
	default:
		connStr += "&_pragma=synchronous(NORMAL)"
		connStr += "&_pragma=auto_vacuum(INCREMENTAL)"
		connStr += "&_pragma=temp_store(MEMORY)"
	}

	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=wal_autocheckpoint(1000)"
	connStr += "&_pragma=cache_size(-64000)"
	return connStr
}

// GetBars returns bars in [from, to), chronological
func (r *SQLiteRepository) GetBars(ctx context.Context, symbol string, interval domain.Interval, from, to time.Time) ([]domain.Bar, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND interval = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC`,
		symbol, interval.String(), from.UTC().Unix(), to.UTC().Unix())
	if err != nil {
		return nil, wrapErr("get_bars", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// GetLatest returns the newest n bars, chronological
func (r *SQLiteRepository) GetLatest(ctx context.Context, symbol string, interval domain.Interval, n int) ([]domain.Bar, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND interval = ?
		ORDER BY ts DESC
		LIMIT ?`,
		symbol, interval.String(), n)
	if err != nil {
		return nil, wrapErr("get_latest", err)
	}
	defer rows.Close()

	bars, err := scanBars(rows)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// WriteBars upserts bars in one transaction
func (r *SQLiteRepository) WriteBars(ctx context.Context, symbol string, interval domain.Interval, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	err := WithTransaction(r.conn, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO bars (symbol, interval, ts, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (symbol, interval, ts) DO UPDATE SET
				open = excluded.open, high = excluded.high,
				low = excluded.low, close = excluded.close,
				volume = excluded.volume`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, bar := range bars {
			if _, err := stmt.ExecContext(ctx, symbol, interval.String(),
				bar.Timestamp.UTC().Unix(), bar.Open, bar.High, bar.Low, bar.Close, bar.Volume); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapErr("write_bars", err)
}

// HasSymbol reports whether the store has any bars for the symbol
func (r *SQLiteRepository) HasSymbol(ctx context.Context, symbol string) (bool, error) {
	var one int
	err := r.conn.QueryRowContext(ctx,
		`SELECT 1 FROM bars WHERE symbol = ? LIMIT 1`, symbol).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("has_symbol", err)
	}
	return true, nil
}

// Maintenance runs a WAL checkpoint and incremental vacuum.
// The live-mode scheduler calls this nightly.
func (r *SQLiteRepository) Maintenance(ctx context.Context) error {
	if _, err := r.conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return wrapErr("maintenance", err)
	}
	if _, err := r.conn.ExecContext(ctx, "PRAGMA incremental_vacuum"); err != nil {
		return wrapErr("maintenance", err)
	}
	return nil
}

// Close closes the store
func (r *SQLiteRepository) Close() error {
	return r.conn.Close()
}

// WithTransaction executes fn inside a transaction with rollback on
// error and panic recovery.
func WithTransaction(db *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				err = fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rollbackErr)
			}
		} else {
			err = tx.Commit()
		}
	}()

	err = fn(tx)
	return err
}

// scanBars reads a bar result set
func scanBars(rows *sql.Rows) ([]domain.Bar, error) {
	var out []domain.Bar
	for rows.Next() {
		var ts int64
		var bar domain.Bar
		if err := rows.Scan(&ts, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, wrapErr("scan", err)
		}
		bar.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, bar)
	}
	return out, wrapErr("scan", rows.Err())
}
