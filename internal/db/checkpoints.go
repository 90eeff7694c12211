package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SaveCheckpoint upserts the serialized pipeline state for a thread.
func (db *DB) SaveCheckpoint(ctx context.Context, threadID, nodeName string, state []byte) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO pipeline_checkpoints (thread_id, node_name, state, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (thread_id) DO UPDATE SET
			node_name = EXCLUDED.node_name,
			state = EXCLUDED.state,
			updated_at = NOW()`,
		threadID, nodeName, state)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", threadID, err)
	}
	return nil
}

// LoadCheckpoint returns the last completed node and state for a thread,
// or ("", nil, nil) when the thread has no checkpoint.
func (db *DB) LoadCheckpoint(ctx context.Context, threadID string) (string, []byte, error) {
	var (
		nodeName string
		state    []byte
	)
	err := db.pool.QueryRow(ctx, `
		SELECT node_name, state FROM pipeline_checkpoints WHERE thread_id = $1`,
		threadID).Scan(&nodeName, &state)
	if err == pgx.ErrNoRows {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load checkpoint %s: %w", threadID, err)
	}
	return nodeName, state, nil
}

// ClearCheckpoint removes the checkpoint for a thread.
func (db *DB) ClearCheckpoint(ctx context.Context, threadID string) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM pipeline_checkpoints WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("failed to clear checkpoint %s: %w", threadID, err)
	}
	return nil
}
