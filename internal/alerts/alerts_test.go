package alerts

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingAlerter captures everything sent through it.
type recordingAlerter struct {
	mu    sync.Mutex
	sent  []Alert
	fail  bool
	calls int
}

func (r *recordingAlerter) Send(ctx context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail {
		return assert.AnError
	}
	r.sent = append(r.sent, alert)
	return nil
}

func TestManagerFansOut(t *testing.T) {
	a, b := &recordingAlerter{}, &recordingAlerter{}
	m := NewManager(a, b)

	err := m.SendInfo(context.Background(), "startup", "engine running", nil)
	require.NoError(t, err)
	assert.Len(t, a.sent, 1)
	assert.Len(t, b.sent, 1)
	assert.False(t, a.sent[0].Timestamp.IsZero())
}

func TestManagerReturnsLastError(t *testing.T) {
	ok, broken := &recordingAlerter{}, &recordingAlerter{fail: true}
	m := NewManager(ok, broken)

	err := m.SendWarning(context.Background(), "stream", "reconnect failed", nil)
	assert.Error(t, err)
	assert.Len(t, ok.sent, 1, "healthy channel still receives the alert")
}

func TestRepeatedWarningEscalates(t *testing.T) {
	rec := &recordingAlerter{}
	m := NewManager(rec)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, m.SendWarning(ctx, "stream failure", "BTC/USDT@3m down", nil))
	}
	assert.Equal(t, SeverityWarning, rec.sent[0].Severity)
	assert.Equal(t, SeverityWarning, rec.sent[1].Severity)

	// Third repeat crosses the escalation threshold.
	require.NoError(t, m.SendWarning(ctx, "stream failure", "BTC/USDT@3m down", nil))
	assert.Equal(t, SeverityCritical, rec.sent[2].Severity)

	// Distinct titles do not share a streak.
	require.NoError(t, m.SendWarning(ctx, "other warning", "unrelated", nil))
	assert.Equal(t, SeverityWarning, rec.sent[3].Severity)
}

func TestNonWarningResetsStreak(t *testing.T) {
	rec := &recordingAlerter{}
	m := NewManager(rec)
	ctx := context.Background()

	require.NoError(t, m.SendWarning(ctx, "stream failure", "down", nil))
	require.NoError(t, m.SendWarning(ctx, "stream failure", "down", nil))
	require.NoError(t, m.SendInfo(ctx, "stream failure", "recovered", nil))
	require.NoError(t, m.SendWarning(ctx, "stream failure", "down again", nil))

	last := rec.sent[len(rec.sent)-1]
	assert.Equal(t, SeverityWarning, last.Severity)
}

func TestTelegramRequiresToken(t *testing.T) {
	_, err := NewTelegramAlerter("", nil)
	assert.Error(t, err)
}

func TestFormatAlert(t *testing.T) {
	a := Alert{Title: "fill", Message: "BTC/USDT filled", Severity: SeverityInfo,
		Metadata: map[string]interface{}{"amount": 0.5}}
	s := formatAlert(a)
	assert.Contains(t, s, "[INFO]")
	assert.Contains(t, s, "*fill*")
	assert.Contains(t, s, "amount")
}
