package db

import (
	"context"
	"fmt"
)

// GetExchange loads one exchange row.
func (db *DB) GetExchange(ctx context.Context, id int64) (*Exchange, error) {
	var ex Exchange
	err := db.pool.QueryRow(ctx, `
		SELECT id, name, type, api_key, api_secret, testnet, rate_limit_ms, created_at
		FROM exchanges WHERE id = $1`, id).
		Scan(&ex.ID, &ex.Name, &ex.Type, &ex.APIKey, &ex.APISecret,
			&ex.Testnet, &ex.RateLimitMS, &ex.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange %d: %w", id, err)
	}
	return &ex, nil
}
