package events

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog/log"
)

// StartEmbedded runs an in-process NATS server on a random port. Used in
// development and backtests when no external broker is configured; the
// returned server's ClientURL feeds Connect.
func StartEmbedded() (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		Host: "127.0.0.1",
		Port: -1,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready")
	}
	log.Info().Str("component", "events").Str("url", ns.ClientURL()).Msg("embedded NATS server started")
	return ns, nil
}
