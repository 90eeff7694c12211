package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ajitpratap0/perpcycle/internal/db"
)

// Checkpointer persists the state after each completed node so a
// restarted process can resume a cycle mid-flight.
type Checkpointer interface {
	// Save records that node completed with the given state.
	Save(ctx context.Context, threadID, node string, st *State) error
	// Load returns the last completed node and its state, ("", nil, nil)
	// when the thread has no checkpoint.
	Load(ctx context.Context, threadID string) (string, *State, error)
	// Clear removes the checkpoint once the cycle finishes.
	Clear(ctx context.Context, threadID string) error
}

// ThreadID returns the checkpoint key for one bot's cycle loop.
func ThreadID(botID int64) string {
	return fmt.Sprintf("bot_%d", botID)
}

// MemoryCheckpointer keeps checkpoints in process memory. Used by tests
// and backtests, where resume-after-crash is meaningless.
type MemoryCheckpointer struct {
	mu    sync.Mutex
	nodes map[string]string
	blobs map[string][]byte
}

func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{
		nodes: make(map[string]string),
		blobs: make(map[string][]byte),
	}
}

func (m *MemoryCheckpointer) Save(ctx context.Context, threadID, node string, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[threadID] = node
	m.blobs[threadID] = data
	return nil
}

func (m *MemoryCheckpointer) Load(ctx context.Context, threadID string) (string, *State, error) {
	m.mu.Lock()
	node, ok := m.nodes[threadID]
	data := m.blobs[threadID]
	m.mu.Unlock()
	if !ok {
		return "", nil, nil
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return "", nil, fmt.Errorf("unmarshal checkpoint state: %w", err)
	}
	return node, &st, nil
}

func (m *MemoryCheckpointer) Clear(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, threadID)
	delete(m.blobs, threadID)
	return nil
}

// DBCheckpointer stores checkpoints in the pipeline_checkpoints table.
type DBCheckpointer struct {
	db *db.DB
}

func NewDBCheckpointer(database *db.DB) *DBCheckpointer {
	return &DBCheckpointer{db: database}
}

func (c *DBCheckpointer) Save(ctx context.Context, threadID, node string, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	return c.db.SaveCheckpoint(ctx, threadID, node, data)
}

func (c *DBCheckpointer) Load(ctx context.Context, threadID string) (string, *State, error) {
	node, data, err := c.db.LoadCheckpoint(ctx, threadID)
	if err != nil || node == "" {
		return "", nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return "", nil, fmt.Errorf("unmarshal checkpoint state: %w", err)
	}
	return node, &st, nil
}

func (c *DBCheckpointer) Clear(ctx context.Context, threadID string) error {
	return c.db.ClearCheckpoint(ctx, threadID)
}
