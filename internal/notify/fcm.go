// Package notify pushes trade and risk notifications to mobile devices
// through Firebase Cloud Messaging. Without credentials it degrades to a
// mock backend that only logs.
package notify

import (
	"context"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// Kind classifies a push notification.
type Kind string

const (
	KindFill      Kind = "fill"
	KindRiskPause Kind = "risk_pause"
	KindDrawdown  Kind = "drawdown"
	KindAlert     Kind = "alert"
)

// Notification is one push message.
type Notification struct {
	Kind     Kind
	Title    string
	Body     string
	Data     map[string]string
	Priority string // "high" for time-sensitive pushes
}

// FCM sends notifications through Firebase Cloud Messaging.
type FCM struct {
	client *messaging.Client
	mock   bool
}

// NewFCM builds the backend. A missing or empty credentials path yields
// a mock backend instead of an error so notifications stay optional.
func NewFCM(ctx context.Context, credentialsPath string) (*FCM, error) {
	if credentialsPath == "" {
		log.Warn().Str("component", "notify").Msg("no FCM credentials configured, using mock backend")
		return &FCM{mock: true}, nil
	}
	if _, err := os.Stat(credentialsPath); os.IsNotExist(err) {
		log.Warn().
			Str("component", "notify").
			Str("credentials_path", credentialsPath).
			Msg("FCM credentials file not found, using mock backend")
		return &FCM{mock: true}, nil
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("create firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("create messaging client: %w", err)
	}
	log.Info().Str("component", "notify").Msg("FCM backend initialized")
	return &FCM{client: client}, nil
}

// Mock reports whether the backend only logs.
func (f *FCM) Mock() bool { return f.mock }

// Send pushes one notification to a device token.
func (f *FCM) Send(ctx context.Context, deviceToken string, n Notification) error {
	if f.mock {
		log.Info().
			Str("component", "notify").
			Str("backend", "fcm_mock").
			Str("device_token", maskToken(deviceToken)).
			Str("kind", string(n.Kind)).
			Str("title", n.Title).
			Str("body", n.Body).
			Msg("mock FCM notification")
		return nil
	}

	msg := &messaging.Message{
		Token: deviceToken,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: n.Data,
	}
	if n.Priority == "high" {
		msg.Android = &messaging.AndroidConfig{Priority: "high"}
		msg.APNS = &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
		}
	}

	id, err := f.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("send FCM message: %w", err)
	}
	log.Debug().
		Str("component", "notify").
		Str("message_id", id).
		Str("device_token", maskToken(deviceToken)).
		Str("kind", string(n.Kind)).
		Msg("FCM notification sent")
	return nil
}

// maskToken hides all but the last four characters of a device token.
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}
