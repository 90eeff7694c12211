package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ajitpratap0/perpcycle/internal/db"
)

// Factory builds and memoizes clients from llm_configs rows. Bots may
// override the endpoint per debate role through role_llm_ids.
type Factory struct {
	db *db.DB

	mu      sync.Mutex
	clients map[int64]*Client
}

func NewFactory(database *db.DB) *Factory {
	return &Factory{db: database, clients: make(map[int64]*Client)}
}

// byID returns the memoized client for one config row.
func (f *Factory) byID(ctx context.Context, id int64) (*Client, error) {
	f.mu.Lock()
	if c, ok := f.clients[id]; ok {
		f.mu.Unlock()
		return c, nil
	}
	f.mu.Unlock()

	cfg, err := f.db.GetLLMConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	client, err := New(*cfg)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.clients[id] = client
	f.mu.Unlock()
	return client, nil
}

// ForBot resolves the bot's primary client: its llm_config_id when set,
// otherwise the default endpoint.
func (f *Factory) ForBot(ctx context.Context, bot *db.Bot) (*Client, error) {
	if bot.LLMConfigID != nil {
		return f.byID(ctx, *bot.LLMConfigID)
	}
	cfg, err := f.db.GetDefaultLLMConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("bot %d has no llm config and no default exists: %w", bot.ID, err)
	}
	return f.byID(ctx, cfg.ID)
}

// ForRole resolves the client for one debate role, honoring the bot's
// role_llm_ids override and falling back to the bot's primary client.
func (f *Factory) ForRole(ctx context.Context, bot *db.Bot, role string) (*Client, error) {
	if id, ok := bot.RoleLLMIDs[role]; ok {
		return f.byID(ctx, id)
	}
	return f.ForBot(ctx, bot)
}

// Chain returns the fallback chain for a role: role client first, then
// the bot's primary client when it differs.
func (f *Factory) Chain(ctx context.Context, bot *db.Bot, role string) ([]*Client, error) {
	primary, err := f.ForBot(ctx, bot)
	if err != nil {
		return nil, err
	}
	roleClient, err := f.ForRole(ctx, bot, role)
	if err != nil {
		return nil, err
	}
	if roleClient == primary {
		return []*Client{primary}, nil
	}
	return []*Client{roleClient, primary}, nil
}
