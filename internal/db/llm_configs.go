package db

import (
	"context"
	"fmt"
)

const llmConfigColumns = `id, name, provider, model, api_key, base_url, temperature, max_tokens, is_default`

// GetLLMConfig loads one model endpoint configuration.
func (db *DB) GetLLMConfig(ctx context.Context, id int64) (*LLMConfig, error) {
	var cfg LLMConfig
	err := db.pool.QueryRow(ctx,
		`SELECT `+llmConfigColumns+` FROM llm_configs WHERE id = $1`, id).
		Scan(&cfg.ID, &cfg.Name, &cfg.Provider, &cfg.Model, &cfg.APIKey,
			&cfg.BaseURL, &cfg.Temperature, &cfg.MaxTokens, &cfg.IsDefault)
	if err != nil {
		return nil, fmt.Errorf("failed to get llm config %d: %w", id, err)
	}
	return &cfg, nil
}

// GetDefaultLLMConfig returns the endpoint flagged is_default.
func (db *DB) GetDefaultLLMConfig(ctx context.Context) (*LLMConfig, error) {
	var cfg LLMConfig
	err := db.pool.QueryRow(ctx,
		`SELECT `+llmConfigColumns+` FROM llm_configs WHERE is_default LIMIT 1`).
		Scan(&cfg.ID, &cfg.Name, &cfg.Provider, &cfg.Model, &cfg.APIKey,
			&cfg.BaseURL, &cfg.Temperature, &cfg.MaxTokens, &cfg.IsDefault)
	if err != nil {
		return nil, fmt.Errorf("failed to get default llm config: %w", err)
	}
	return &cfg, nil
}
