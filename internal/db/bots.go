package db

import (
	"context"
	"encoding/json"
	"fmt"
)

const botColumns = `id, name, status, exchange_id, llm_config_id, workflow_id,
       cycle_interval, quant_threshold, symbols, timeframes, initial_balance,
       prompt_name, risk_limits, quant_weights, role_llm_ids, created_at, updated_at`

func scanBot(row interface{ Scan(dest ...any) error }) (*Bot, error) {
	var (
		bot          Bot
		symbolsJSON  []byte
		tfJSON       []byte
		riskJSON     []byte
		weightsJSON  []byte
		roleLLMsJSON []byte
	)
	err := row.Scan(
		&bot.ID, &bot.Name, &bot.Status, &bot.ExchangeID, &bot.LLMConfigID,
		&bot.WorkflowID, &bot.CycleInterval, &bot.QuantThreshold, &symbolsJSON,
		&tfJSON, &bot.InitialBalance, &bot.PromptName, &riskJSON, &weightsJSON,
		&roleLLMsJSON, &bot.CreatedAt, &bot.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(symbolsJSON) > 0 {
		if err := json.Unmarshal(symbolsJSON, &bot.Symbols); err != nil {
			return nil, fmt.Errorf("bot %d: invalid symbols: %w", bot.ID, err)
		}
	}
	if len(tfJSON) > 0 {
		if err := json.Unmarshal(tfJSON, &bot.Timeframes); err != nil {
			return nil, fmt.Errorf("bot %d: invalid timeframes: %w", bot.ID, err)
		}
	}
	bot.RiskLimits = DefaultRiskLimits()
	if len(riskJSON) > 0 {
		if err := json.Unmarshal(riskJSON, &bot.RiskLimits); err != nil {
			return nil, fmt.Errorf("bot %d: invalid risk limits: %w", bot.ID, err)
		}
	}
	if len(weightsJSON) > 0 {
		if err := json.Unmarshal(weightsJSON, &bot.QuantWeights); err != nil {
			return nil, fmt.Errorf("bot %d: invalid quant weights: %w", bot.ID, err)
		}
	}
	if len(roleLLMsJSON) > 0 {
		if err := json.Unmarshal(roleLLMsJSON, &bot.RoleLLMIDs); err != nil {
			return nil, fmt.Errorf("bot %d: invalid role llm ids: %w", bot.ID, err)
		}
	}
	return &bot, nil
}

// GetBot loads one bot row with risk-limit defaults applied.
func (db *DB) GetBot(ctx context.Context, id int64) (*Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE id = $1`
	bot, err := scanBot(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get bot %d: %w", id, err)
	}
	return bot, nil
}

// ListActiveBots returns all bots with status 'active'.
func (db *DB) ListActiveBots(ctx context.Context) ([]*Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE status = 'active' ORDER BY id`
	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active bots: %w", err)
	}
	defer rows.Close()

	var bots []*Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// UpdateBotStatus transitions a bot between active and paused.
func (db *DB) UpdateBotStatus(ctx context.Context, id int64, status string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE bots SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update bot %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bot %d not found", id)
	}
	return nil
}
