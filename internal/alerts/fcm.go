package alerts

import (
	"context"
	"fmt"

	"github.com/ajitpratap0/perpcycle/internal/notify"
)

// FCMAlerter pushes warnings and criticals to registered devices. Info
// alerts stay on the quieter channels.
type FCMAlerter struct {
	fcm    *notify.FCM
	tokens []string
}

func NewFCMAlerter(fcm *notify.FCM, tokens []string) *FCMAlerter {
	return &FCMAlerter{fcm: fcm, tokens: tokens}
}

// Send pushes the alert to every registered device, returning the last
// error.
func (f *FCMAlerter) Send(ctx context.Context, alert Alert) error {
	if alert.Severity == SeverityInfo {
		return nil
	}

	n := notify.Notification{
		Kind:  notify.KindAlert,
		Title: alert.Title,
		Body:  alert.Message,
		Data:  map[string]string{"severity": string(alert.Severity)},
	}
	if alert.Severity == SeverityCritical {
		n.Priority = "high"
	}

	var lastErr error
	for _, token := range f.tokens {
		if err := f.fcm.Send(ctx, token, n); err != nil {
			lastErr = fmt.Errorf("push to device: %w", err)
		}
	}
	return lastErr
}
