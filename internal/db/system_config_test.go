package db

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemConfigGet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sc := NewSystemConfig(NewWithPool(mock))
	ctx := context.Background()

	t.Run("hit is cached for subsequent reads", func(t *testing.T) {
		mock.ExpectQuery("SELECT value FROM system_configs WHERE key").
			WithArgs("debate.timeout_per_phase").
			WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("120"))

		// Single expectation, two reads: the second must come from cache.
		assert.Equal(t, 120*time.Second, sc.GetDuration(ctx, "debate.timeout_per_phase", time.Minute))
		assert.Equal(t, 120*time.Second, sc.GetDuration(ctx, "debate.timeout_per_phase", time.Minute))
	})

	t.Run("miss falls back to default and is cached", func(t *testing.T) {
		mock.ExpectQuery("SELECT value FROM system_configs WHERE key").
			WithArgs("missing.key").
			WillReturnRows(pgxmock.NewRows([]string{"value"}))

		assert.Equal(t, 42, sc.GetInt(ctx, "missing.key", 42))
		assert.Equal(t, 42, sc.GetInt(ctx, "missing.key", 42))
	})

	t.Run("typed getters parse values", func(t *testing.T) {
		mock.ExpectQuery("SELECT value FROM system_configs WHERE key").
			WithArgs("market_regime.adx_trending_threshold").
			WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("30"))
		assert.Equal(t, 30.0, sc.GetFloat(ctx, "market_regime.adx_trending_threshold", 25))

		mock.ExpectQuery("SELECT value FROM system_configs WHERE key").
			WithArgs("market_regime.continue_if_has_positions").
			WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("false"))
		assert.False(t, sc.GetBool(ctx, "market_regime.continue_if_has_positions", true))
	})

	t.Run("unparseable value returns default", func(t *testing.T) {
		mock.ExpectQuery("SELECT value FROM system_configs WHERE key").
			WithArgs("bad.float").
			WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("not-a-number"))
		assert.Equal(t, 1.5, sc.GetFloat(ctx, "bad.float", 1.5))
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSystemConfigUpsertInvalidatesCache(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sc := NewSystemConfig(NewWithPool(mock))
	ctx := context.Background()

	mock.ExpectQuery("SELECT value FROM system_configs WHERE key").
		WithArgs("cache.ttl.tickers").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("30"))
	assert.Equal(t, 30*time.Second, sc.CacheTTL(ctx, "tickers", time.Minute))

	mock.ExpectExec("INSERT INTO system_configs").
		WithArgs("cache.ttl.tickers", "45", "float").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, sc.Upsert(ctx, "cache.ttl.tickers", "45", "float"))

	// Cache was invalidated so the next read hits the database again.
	mock.ExpectQuery("SELECT value FROM system_configs WHERE key").
		WithArgs("cache.ttl.tickers").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("45"))
	assert.Equal(t, 45*time.Second, sc.CacheTTL(ctx, "tickers", time.Minute))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSystemConfigGetByPrefix(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sc := NewSystemConfig(NewWithPool(mock))

	mock.ExpectQuery("SELECT key, value FROM system_configs WHERE key LIKE").
		WithArgs("market_regime.%").
		WillReturnRows(pgxmock.NewRows([]string{"key", "value"}).
			AddRow("market_regime.adx_trending_threshold", "25").
			AddRow("market_regime.primary_timeframe", "4h"))

	got, err := sc.GetByPrefix(context.Background(), "market_regime")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"adx_trending_threshold": "25",
		"primary_timeframe":      "4h",
	}, got)

	require.NoError(t, mock.ExpectationsWereMet())
}
