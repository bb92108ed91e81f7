package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Lock.WaitTimeout)
	assert.Equal(t, 10*time.Second, cfg.Lock.LeaseTimeout)
	assert.Equal(t, 1_000_000.0, cfg.Risk.DefaultNotionalLimit)
	assert.Equal(t, 10_000.0, cfg.Risk.DefaultPositionLimit)
	assert.Equal(t, 100, cfg.Risk.DefaultOrderCountLimit)
	assert.Equal(t, time.Hour, cfg.Risk.QuotaTTL)
	assert.Equal(t, 100.0, cfg.Risk.MarketPlaceholderPrice)
	assert.Equal(t, 0.8, cfg.Matching.ExecutionProbability)
	assert.Equal(t, "trade-engine", cfg.Matching.ConsumerGroup)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("ORDEX_LOG_LEVEL", "debug")
	t.Setenv("ORDEX_MATCHING_WORKERS", "8")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.Matching.Workers)
}

func TestLoad_RejectsBadProbability(t *testing.T) {
	t.Setenv("ORDEX_MATCHING_EXECUTION_PROBABILITY", "1.5")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/ordex.yaml")
	assert.Error(t, err)
}
