// Package events publishes cycle, decision, order, and alert events on
// NATS so dashboards and other consumers can follow the engine live.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Event kinds published per bot.
const (
	KindCycle    = "cycle"
	KindDecision = "decision"
	KindOrder    = "order"
	KindAlert    = "alert"
)

// Event is the envelope published on the bus.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	BotID     int64           `json:"bot_id"`
	Kind      string          `json:"kind"`
	CycleID   string          `json:"cycle_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Bus publishes events on NATS under perpcycle.bot.<id>.<kind>.
type Bus struct {
	nc     *nats.Conn
	prefix string
}

// Config configures the bus connection.
type Config struct {
	URL    string
	Prefix string
}

// DefaultConfig returns the local defaults.
func DefaultConfig() Config {
	return Config{URL: nats.DefaultURL, Prefix: "perpcycle."}
}

// Connect opens the NATS connection with infinite reconnects.
func Connect(cfg Config) (*Bus, error) {
	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("perpcycle-engine"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Str("component", "events").Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("component", "events").Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "perpcycle."
	}
	return &Bus{nc: nc, prefix: cfg.Prefix}, nil
}

// NewWithConn wraps an existing connection (embedded server, tests).
func NewWithConn(nc *nats.Conn, prefix string) *Bus {
	if prefix == "" {
		prefix = "perpcycle."
	}
	return &Bus{nc: nc, prefix: prefix}
}

// Subject returns the full subject for a bot and kind.
func (b *Bus) Subject(botID int64, kind string) string {
	return fmt.Sprintf("%sbot.%d.%s", b.prefix, botID, kind)
}

// Publish emits one event. A nil bus is a no-op so callers never need to
// guard for disabled eventing.
func (b *Bus) Publish(botID int64, kind, cycleID string, payload any) error {
	if b == nil || b.nc == nil {
		return nil
	}
	if !b.nc.IsConnected() {
		return fmt.Errorf("event bus not connected")
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		raw = data
	}

	ev := Event{
		ID:        uuid.New(),
		BotID:     botID,
		Kind:      kind,
		CycleID:   cycleID,
		Payload:   raw,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(b.Subject(botID, kind), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	log.Debug().
		Str("component", "events").
		Int64("bot_id", botID).
		Str("kind", kind).
		Str("cycle_id", cycleID).
		Msg("event published")
	return nil
}

// Subscribe delivers decoded events for one bot and kind ("*" for all
// kinds) to the handler.
func (b *Bus) Subscribe(botID int64, kind string, handler func(Event)) (*nats.Subscription, error) {
	return b.nc.Subscribe(b.Subject(botID, kind), func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn().Str("component", "events").Err(err).Msg("undecodable event dropped")
			return
		}
		handler(ev)
	})
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}
