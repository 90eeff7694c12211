// Package alerts fans operational alerts out to the configured channels
// and escalates repeated warnings to critical.
package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity levels for alerts
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// escalateAfter is how many times the same warning repeats before it is
// raised to critical.
const escalateAfter = 3

// Alert is one alert message.
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter delivers alerts on one channel.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans alerts out to every configured channel. Warnings with the
// same title escalate to critical after repeated sends; an info or a
// severity change resets the streak.
type Manager struct {
	alerters []Alerter

	mu      sync.Mutex
	repeats map[string]int
}

func NewManager(alerters ...Alerter) *Manager {
	return &Manager{alerters: alerters, repeats: make(map[string]int)}
}

// Send delivers the alert to all channels, returning the last error.
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	alert.Severity = m.escalate(alert)

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().
				Str("component", "alerts").
				Err(err).
				Str("title", alert.Title).
				Msg("failed to send alert")
			lastErr = err
		}
	}
	return lastErr
}

func (m *Manager) escalate(alert Alert) Severity {
	m.mu.Lock()
	defer m.mu.Unlock()

	if alert.Severity != SeverityWarning {
		delete(m.repeats, alert.Title)
		return alert.Severity
	}
	m.repeats[alert.Title]++
	if m.repeats[alert.Title] >= escalateAfter {
		log.Warn().
			Str("component", "alerts").
			Str("title", alert.Title).
			Int("repeats", m.repeats[alert.Title]).
			Msg("repeated warning escalated to critical")
		return SeverityCritical
	}
	return SeverityWarning
}

// SendCritical sends a critical alert.
func (m *Manager) SendCritical(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityCritical, Metadata: metadata})
}

// SendWarning sends a warning alert.
func (m *Manager) SendWarning(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityWarning, Metadata: metadata})
}

// SendInfo sends an informational alert.
func (m *Manager) SendInfo(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityInfo, Metadata: metadata})
}

// LogAlerter logs alerts through zerolog.
type LogAlerter struct{}

func NewLogAlerter() *LogAlerter { return &LogAlerter{} }

// Send logs the alert at a level matching its severity.
func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	event := log.Log()
	switch alert.Severity {
	case SeverityCritical:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	case SeverityInfo:
		event = log.Info()
	}
	for key, value := range alert.Metadata {
		event = event.Interface(key, value)
	}
	event.
		Str("component", "alerts").
		Str("severity", string(alert.Severity)).
		Str("title", alert.Title).
		Msg(alert.Message)
	return nil
}
