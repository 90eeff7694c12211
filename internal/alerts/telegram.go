package alerts

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// TelegramAlerter sends alerts through a Telegram bot to a set of chats.
type TelegramAlerter struct {
	api     *tgbotapi.BotAPI
	chatIDs []int64
}

func NewTelegramAlerter(botToken string, chatIDs []int64) (*TelegramAlerter, error) {
	if botToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	log.Info().
		Str("component", "alerts").
		Str("bot_username", api.Self.UserName).
		Int("chat_count", len(chatIDs)).
		Msg("telegram alerter initialized")
	return &TelegramAlerter{api: api, chatIDs: chatIDs}, nil
}

// Send delivers the alert to every configured chat; it succeeds when at
// least one chat accepted the message.
func (t *TelegramAlerter) Send(ctx context.Context, alert Alert) error {
	if len(t.chatIDs) == 0 {
		log.Warn().Str("component", "alerts").Msg("no telegram chat IDs configured, skipping alert")
		return nil
	}

	message := formatAlert(alert)
	var lastErr error
	sent := 0
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, message)
		msg.ParseMode = "Markdown"
		if _, err := t.api.Send(msg); err != nil {
			log.Error().
				Str("component", "alerts").
				Err(err).
				Int64("chat_id", chatID).
				Str("title", alert.Title).
				Msg("failed to send telegram alert")
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 && lastErr != nil {
		return fmt.Errorf("failed to send alert to any chat: %w", lastErr)
	}
	return nil
}

func formatAlert(alert Alert) string {
	prefix := "[" + string(alert.Severity) + "]"
	message := fmt.Sprintf("%s *%s*\n\n%s", prefix, alert.Title, alert.Message)
	if len(alert.Metadata) > 0 {
		message += "\n\n*Details:*"
		for key, value := range alert.Metadata {
			message += fmt.Sprintf("\n- %s: `%v`", key, value)
		}
	}
	message += fmt.Sprintf("\n\n_Time: %s_", alert.Timestamp.Format("2006-01-02 15:04:05"))
	return message
}
