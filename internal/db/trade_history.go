package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const tradeColumns = `id, bot_id, symbol, side, action, entry_price, exit_price,
       amount, leverage, pnl_usd, pnl_percent, fee_paid, status, cycle_id,
       order_id, opened_at, closed_at`

func scanTrade(row interface{ Scan(dest ...any) error }) (*Trade, error) {
	var tr Trade
	err := row.Scan(
		&tr.ID, &tr.BotID, &tr.Symbol, &tr.Side, &tr.Action, &tr.EntryPrice,
		&tr.ExitPrice, &tr.Amount, &tr.Leverage, &tr.PnLUSD, &tr.PnLPercent,
		&tr.FeePaid, &tr.Status, &tr.CycleID, &tr.OrderID, &tr.OpenedAt, &tr.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

// CreateTrade records a freshly opened position and returns the row id.
// At most one open row may exist per (bot, symbol); callers close the
// previous row before reopening.
func (db *DB) CreateTrade(ctx context.Context, tr *Trade) (int64, error) {
	var id int64
	err := db.pool.QueryRow(ctx, `
		INSERT INTO trade_history (
			bot_id, symbol, side, action, entry_price, amount, leverage,
			fee_paid, status, cycle_id, order_id, opened_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'open', $9, $10, $11)
		RETURNING id`,
		tr.BotID, tr.Symbol, tr.Side, tr.Action, tr.EntryPrice, tr.Amount,
		tr.Leverage, tr.FeePaid, tr.CycleID, tr.OrderID, tr.OpenedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record trade open for %s: %w", tr.Symbol, err)
	}
	return id, nil
}

// CloseTradeBySymbol closes the most recent open row for (bot, symbol)
// with the realized figures. Returns pgx.ErrNoRows when no open row
// exists.
func (db *DB) CloseTradeBySymbol(ctx context.Context, botID int64, symbol string,
	exitPrice, pnlUSD, pnlPercent, exitFee float64, closedAt time.Time) error {

	tag, err := db.pool.Exec(ctx, `
		UPDATE trade_history SET
			exit_price = $3,
			pnl_usd = $4,
			pnl_percent = $5,
			fee_paid = fee_paid + $6,
			status = 'closed',
			closed_at = $7
		WHERE id = (
			SELECT id FROM trade_history
			WHERE bot_id = $1 AND symbol = $2 AND status = 'open'
			ORDER BY opened_at DESC
			LIMIT 1
		)`,
		botID, symbol, exitPrice, pnlUSD, pnlPercent, exitFee, closedAt)
	if err != nil {
		return fmt.Errorf("failed to close trade for %s: %w", symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// GetRecentTrades returns the latest closed trades, newest first.
func (db *DB) GetRecentTrades(ctx context.Context, botID int64, limit int) ([]*Trade, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM trade_history
		WHERE bot_id = $1 AND status = 'closed'
		ORDER BY closed_at DESC
		LIMIT $2`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		tr, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

// GetOpenTradeBySymbol returns the open row for (bot, symbol), or nil
// when none exists.
func (db *DB) GetOpenTradeBySymbol(ctx context.Context, botID int64, symbol string) (*Trade, error) {
	tr, err := scanTrade(db.pool.QueryRow(ctx, `
		SELECT `+tradeColumns+`
		FROM trade_history
		WHERE bot_id = $1 AND symbol = $2 AND status = 'open'
		ORDER BY opened_at DESC
		LIMIT 1`, botID, symbol))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load open trade for %s: %w", symbol, err)
	}
	return tr, nil
}
