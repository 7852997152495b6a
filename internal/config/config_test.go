package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  addr: ":9000"
http:
  timeoutMs: 5000
proxies:
  residential:
    - "10.0.0.1:8000:user:pass"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.HTTP.Timeout())
	assert.Equal(t, 60*time.Second, cfg.HTTP.MaxTimeout())
	assert.True(t, cfg.HTTP.ServerErrorsRetried())
	assert.Equal(t, 3, cfg.Limits.MaxRestarts)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Len(t, cfg.Proxies["residential"], 1)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
[server]
addr = ":7000"

[http]
ignoreServerErrors = false

[task]
snapToMinute = true
retryDelayMs = 1500
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.False(t, cfg.HTTP.ServerErrorsRetried())
	assert.True(t, cfg.Task.SnapToMinute)
	assert.Equal(t, 1500*time.Millisecond, cfg.Task.RetryDelay())
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeFile(t, "config.yaml", "logging:\n  level: chatty\n")
	_, err := Load(path)
	assert.Error(t, err)

	path = writeFile(t, "config.yaml", "http:\n  timeoutMs: 5000\n  maxTimeoutMs: 1000\n")
	_, err = Load(path)
	assert.Error(t, err)

	path = writeFile(t, "config.yaml", "notify:\n  email:\n    enabled: true\n")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestDefaultDurations(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 3*time.Second, cfg.Task.RetryDelay())
	assert.Equal(t, 5*time.Second, cfg.Queue.PollInterval())
	assert.Equal(t, 110*time.Second, cfg.Challenge.TokenTTL())
	assert.Equal(t, 200*time.Millisecond, cfg.HTTP.Retry.Wait())
}
