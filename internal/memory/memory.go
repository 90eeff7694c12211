// Package memory stores per-cycle decision summaries with embeddings
// and recalls the most similar past decisions for the debate context.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/db"
)

// Embedder turns a text into a vector. *llm.Client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Decision is one remembered cycle decision.
type Decision struct {
	ID            uuid.UUID `json:"id"`
	BotID         int64     `json:"bot_id"`
	CycleID       string    `json:"cycle_id"`
	Summary       string    `json:"summary"`
	Regime        string    `json:"regime"`
	OutcomePnLPct *float64  `json:"outcome_pnl_pct,omitempty"`
	Embedding     []float32 `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists decision summaries and recalls similar ones. A nil
// embedder disables similarity recall; Save still records the row so
// the history survives for later backfill.
type Store struct {
	pool     db.PoolIface
	embedder Embedder
}

// New builds a store on the shared pool. embedder may be nil.
func New(database *db.DB, embedder Embedder) *Store {
	return &Store{pool: database.Pool(), embedder: embedder}
}

// Save records one decision summary, embedding it when an embedder is
// configured. Embedding failures degrade to an unembedded row.
func (s *Store) Save(ctx context.Context, d *Decision) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	if s.embedder != nil && d.Embedding == nil {
		vec, err := s.embedder.Embed(ctx, d.Summary)
		if err != nil {
			log.Warn().
				Str("component", "memory").
				Int64("bot_id", d.BotID).
				Err(err).
				Msg("Decision embedding failed, storing without vector")
		} else {
			d.Embedding = vec
		}
	}

	var embedding any
	if d.Embedding != nil {
		embedding = pgvector.NewVector(d.Embedding)
	}

	query := `
		INSERT INTO decision_memory (
			id, bot_id, cycle_id, summary, regime, outcome_pnl_pct, embedding, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, query,
		d.ID, d.BotID, d.CycleID, d.Summary, d.Regime, d.OutcomePnLPct, embedding, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store decision: %w", err)
	}

	log.Debug().
		Str("component", "memory").
		Int64("bot_id", d.BotID).
		Str("cycle_id", d.CycleID).
		Bool("embedded", d.Embedding != nil).
		Msg("Stored decision memory")
	return nil
}

// RecordOutcome backfills the realized pnl for the decisions of one
// cycle once its positions close.
func (s *Store) RecordOutcome(ctx context.Context, botID int64, cycleID string, pnlPct float64) error {
	query := `
		UPDATE decision_memory
		SET outcome_pnl_pct = $3
		WHERE bot_id = $1 AND cycle_id = $2
	`
	_, err := s.pool.Exec(ctx, query, botID, cycleID, pnlPct)
	if err != nil {
		return fmt.Errorf("failed to record decision outcome: %w", err)
	}
	return nil
}

// FindSimilar returns the k stored decisions closest to the given
// embedding for one bot, nearest first.
func (s *Store) FindSimilar(ctx context.Context, botID int64, embedding []float32, k int) ([]*Decision, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("empty embedding")
	}
	if k <= 0 {
		k = 5
	}

	query := `
		SELECT id, bot_id, cycle_id, summary, regime, outcome_pnl_pct, created_at
		FROM decision_memory
		WHERE bot_id = $2 AND embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(embedding), botID, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar decisions: %w", err)
	}
	defer rows.Close()

	var out []*Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(
			&d.ID, &d.BotID, &d.CycleID, &d.Summary, &d.Regime, &d.OutcomePnLPct, &d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// Recall embeds the query text and returns the k most similar past
// decisions. Without an embedder it returns nothing.
func (s *Store) Recall(ctx context.Context, botID int64, text string, k int) ([]*Decision, error) {
	if s.embedder == nil {
		return nil, nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed recall query: %w", err)
	}
	return s.FindSimilar(ctx, botID, vec, k)
}

// RecallBlock embeds the query and renders the closest past decisions
// as a prompt block. Empty when recall is disabled or finds nothing.
func (s *Store) RecallBlock(ctx context.Context, botID int64, query string, k int) (string, error) {
	decisions, err := s.Recall(ctx, botID, query, k)
	if err != nil {
		return "", err
	}
	return ContextBlock(decisions), nil
}

// SaveCycle summarizes and stores one cycle's final decisions.
func (s *Store) SaveCycle(ctx context.Context, botID int64, cycleID, regime string, actions []string) error {
	return s.Save(ctx, &Decision{
		BotID:   botID,
		CycleID: cycleID,
		Regime:  regime,
		Summary: Summarize(regime, actions),
	})
}

// ContextBlock renders recalled decisions as a prompt block. Empty
// input yields an empty string so callers can append unconditionally.
func ContextBlock(decisions []*Decision) string {
	if len(decisions) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Similar past decisions:\n")
	for _, d := range decisions {
		b.WriteString("- ")
		b.WriteString(d.CreatedAt.UTC().Format("2006-01-02"))
		if d.Regime != "" {
			b.WriteString(" [")
			b.WriteString(d.Regime)
			b.WriteString("]")
		}
		b.WriteString(" ")
		b.WriteString(d.Summary)
		if d.OutcomePnLPct != nil {
			fmt.Fprintf(&b, " (outcome: %+.2f%%)", *d.OutcomePnLPct)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Summarize renders one cycle's final decisions into the text that gets
// embedded and stored.
func Summarize(regime string, actions []string) string {
	if len(actions) == 0 {
		return fmt.Sprintf("regime=%s; no action", regime)
	}
	return fmt.Sprintf("regime=%s; %s", regime, strings.Join(actions, "; "))
}
