package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.Provider)
	assert.Equal(t, 3, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, ":8432", cfg.Server.Addr)
	assert.Equal(t, DefaultProModel, cfg.Gemini.ProModel)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atelier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
provider: bridge
bridge:
  api_key: sk-test
  base_url: https://bridge.local/v1
scheduler:
  max_concurrent: 5
  spacing: 250ms
retry:
  max_retries: 2
  base_delay: 500ms
video:
  poll_interval: 2s
server:
  addr: ":9000"
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bridge", cfg.Provider)
	assert.Equal(t, "sk-test", cfg.Bridge.APIKey)
	assert.Equal(t, 5, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 250*time.Millisecond, cfg.SpacingDuration())
	assert.Equal(t, 500*time.Millisecond, cfg.BaseDelayDuration())
	assert.Equal(t, 2*time.Second, cfg.PollIntervalDuration())
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atelier.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider: gemini\nserver:\n  addr: \":9000\"\n"), 0o644))

	t.Setenv("ATELIER_PROVIDER", "bridge")
	t.Setenv("ATELIER_BRIDGE_API_KEY", "sk-env")
	t.Setenv("ATELIER_ADDR", ":7777")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bridge", cfg.Provider)
	assert.Equal(t, "sk-env", cfg.Bridge.APIKey)
	assert.Equal(t, ":7777", cfg.Server.Addr)
}

func TestLoad_BareGeminiKeyHonored(t *testing.T) {
	t.Setenv("ATELIER_GEMINI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "sdk-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sdk-key", cfg.Gemini.APIKey)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad-provider.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("provider: llama\n"), 0o644))
	_, err := Load(bad)
	assert.Error(t, err)

	zero := filepath.Join(dir, "zero-concurrency.yaml")
	require.NoError(t, os.WriteFile(zero, []byte("scheduler:\n  max_concurrent: 0\n"), 0o644))
	_, err = Load(zero)
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.yaml")
	require.NoError(t, os.WriteFile(garbage, []byte(":\n  - not yaml"), 0o644))
	_, err = Load(garbage)
	assert.Error(t, err)
}

func TestDurationFallbacks(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.Spacing = "not-a-duration"
	cfg.Retry.BaseDelay = "-2s"
	cfg.Video.PollInterval = ""

	assert.Equal(t, 100*time.Millisecond, cfg.SpacingDuration())
	assert.Equal(t, time.Second, cfg.BaseDelayDuration())
	assert.Equal(t, 5*time.Second, cfg.PollIntervalDuration())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel(" WARN "))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("nonsense"))
}
