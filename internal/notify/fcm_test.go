package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFCMWithoutCredentialsIsMock(t *testing.T) {
	f, err := NewFCM(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, f.Mock())
}

func TestNewFCMMissingFileIsMock(t *testing.T) {
	f, err := NewFCM(context.Background(), "/nonexistent/creds.json")
	require.NoError(t, err)
	assert.True(t, f.Mock())
}

func TestMockSendSucceeds(t *testing.T) {
	f, err := NewFCM(context.Background(), "")
	require.NoError(t, err)

	err = f.Send(context.Background(), "device-token-abcd", Notification{
		Kind:  KindFill,
		Title: "Order filled",
		Body:  "BTC/USDT long 0.5 @ 50000",
	})
	assert.NoError(t, err)
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "****", maskToken("abc"))
	assert.Equal(t, "****wxyz", maskToken("device-token-wxyz"))
}
