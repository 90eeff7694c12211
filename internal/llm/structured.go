package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Structured calls the clients in order until one returns a response that
// decodes into T. Each attempt runs under its own timeout; when every
// client fails the last error is returned and the caller applies its
// domain fallback (all-wait, neutral analyst, and so on).
func Structured[T any](ctx context.Context, clients []*Client, req Request, timeout time.Duration) (*T, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("no llm clients configured")
	}
	req.JSONOnly = true

	var lastErr error
	for _, c := range clients {
		callCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		raw, err := c.Chat(callCtx, req)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			lastErr = err
			log.Warn().
				Str("component", "llm").
				Str("model", c.Name()).
				Err(err).
				Msg("structured call failed, trying next client")
			continue
		}

		var out T
		if err := json.Unmarshal([]byte(ExtractJSON(raw)), &out); err != nil {
			lastErr = fmt.Errorf("llm %s: undecodable response: %w", c.Name(), err)
			log.Warn().
				Str("component", "llm").
				Str("model", c.Name()).
				Err(err).
				Msg("structured response did not decode, trying next client")
			continue
		}
		return &out, nil
	}
	return nil, lastErr
}

// ExtractJSON strips markdown fences and surrounding prose, returning the
// outermost JSON object or array in the text.
func ExtractJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}

	objStart := strings.IndexAny(s, "{[")
	if objStart < 0 {
		return s
	}
	open := s[objStart]
	close := byte('}')
	if open == '[' {
		close = ']'
	}
	if objEnd := strings.LastIndexByte(s, close); objEnd > objStart {
		return s[objStart : objEnd+1]
	}
	return s[objStart:]
}
