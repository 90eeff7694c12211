// Package klines archives fetched candles in Postgres so backtests can
// replay ranges without refetching them over REST. It runs on the
// database/sql path with lib/pq, separate from the pgx pool the live
// repositories use.
package klines

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/exchange"
)

// Archive stores and loads candle ranges keyed by symbol and timeframe.
type Archive struct {
	db *sql.DB
}

// Open connects to the archive database.
func Open(databaseURL string) (*Archive, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is not set")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Archive{db: db}, nil
}

// NewArchive wraps an existing handle. Used by tests with sqlmock.
func NewArchive(db *sql.DB) *Archive {
	return &Archive{db: db}
}

// Close closes the underlying handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Store upserts a batch of candles in one transaction. Re-syncing an
// overlapping range overwrites the stored rows.
func (a *Archive) Store(ctx context.Context, symbol, timeframe string, candles []exchange.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO klines (symbol, timeframe, open_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, timeframe, open_time)
		DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range candles {
		c := &candles[i]
		if _, err := stmt.ExecContext(ctx,
			symbol, timeframe, c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume,
		); err != nil {
			return fmt.Errorf("failed to insert candle: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Debug().
		Str("component", "klines").
		Str("symbol", symbol).
		Str("timeframe", timeframe).
		Int("count", len(candles)).
		Msg("Archived candles")
	return nil
}

// Load returns the archived candles with open_time in [start, end],
// oldest first. Milliseconds, matching the exchange candles.
func (a *Archive) Load(ctx context.Context, symbol, timeframe string, start, end int64) ([]exchange.Candle, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume
		FROM klines
		WHERE symbol = $1 AND timeframe = $2 AND open_time >= $3 AND open_time <= $4
		ORDER BY open_time ASC
	`, symbol, timeframe, start, end)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []exchange.Candle
	for rows.Next() {
		var c exchange.Candle
		if err := rows.Scan(&c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return out, nil
}

// LastOpenTime returns the newest archived open_time for a series, 0
// when the series is empty. Sync jobs resume from here.
func (a *Archive) LastOpenTime(ctx context.Context, symbol, timeframe string) (int64, error) {
	var last int64
	err := a.db.QueryRowContext(ctx, `
		SELECT open_time
		FROM klines
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY open_time DESC
		LIMIT 1
	`, symbol, timeframe).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	return last, nil
}

// Count returns the number of archived candles for a series.
func (a *Archive) Count(ctx context.Context, symbol, timeframe string) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM klines WHERE symbol = $1 AND timeframe = $2
	`, symbol, timeframe).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	return n, nil
}
