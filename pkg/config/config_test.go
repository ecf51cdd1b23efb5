package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Search.DebounceCooldown)
	assert.Equal(t, "remote-query-results", cfg.Kafka.Topics.RemoteResults)
	assert.True(t, cfg.Search.HideXXX)
	assert.Positive(t, cfg.Search.EventBuffer)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
search:
  coreUrl: http://core.internal:8085
  responseTimeout: 5s
  hideXXX: false
kafka:
  topics:
    remoteResults: results-v2
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	t.Setenv("SP_SEARCH_RESPONSE_TIMEOUT", "7s")
	t.Setenv("SP_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://core.internal:8085", cfg.Search.CoreURL)
	assert.Equal(t, 7*time.Second, cfg.Search.ResponseTimeout)
	assert.False(t, cfg.Search.HideXXX)
	assert.Equal(t, "results-v2", cfg.Kafka.Topics.RemoteResults)
	assert.Equal(t, "analytics-events", cfg.Kafka.Topics.AnalyticsEvents)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadRejectsInvalidSearchConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search:\n  responseTimeout: 0s\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "responseTimeout")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsRateLimitWithoutWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  rateLimit: 10\n  rateWindow: 0s\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rateWindow")
}
