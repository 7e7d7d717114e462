package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		FileEnvVar,
		"API_BASE_URL",
		"STREAM_URL",
		"STREAM_FALLBACK_URL",
		"STATE_PATH",
		"STATE_KEY",
		"ACCESS_TOKEN",
		"REFRESH_TOKEN",
		"BATCH_SIZE",
		"MAX_RETRIES",
		"SYNC_INTERVAL",
		"POLL_INTERVAL",
		"POLL_PATH",
		"PUSH_TIMEOUT",
		"PULL_TIMEOUT",
		"REFRESH_WAIT",
		"ENABLE_REALTIME",
		"ENABLE_POLLER",
		"ENVIRONMENT",
		"LOG_LEVEL",
		"LOG_FILE",
		"ADMIN_LISTEN_ADDR",
		"ADMIN_API_KEY",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setMinimalEnv sets the env vars every config needs.
func setMinimalEnv(t *testing.T) string {
	t.Helper()

	statePath := filepath.Join(t.TempDir(), "state.db")
	t.Setenv("API_BASE_URL", "https://api.example.com/")
	t.Setenv("STATE_PATH", statePath)

	return statePath
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	statePath := setMinimalEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.APIBaseURL)
	assert.Equal(t, "https://api.example.com/sync/stream", cfg.StreamURL)
	assert.Equal(t, statePath, cfg.StatePath)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 15*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 2*time.Minute, cfg.PollInterval)
	assert.Equal(t, "/payments", cfg.PollPath)
	assert.Equal(t, 30*time.Second, cfg.PushTimeout)
	assert.Equal(t, 60*time.Second, cfg.PullTimeout)
	assert.Equal(t, time.Second, cfg.RefreshWait)
	assert.Equal(t, "development", cfg.Environment)
	assert.True(t, cfg.RealtimeEnabled())
	assert.True(t, cfg.PollerEnabled())
	assert.Equal(t, []string{"https://api.example.com/sync/stream"}, cfg.StreamEndpoints())
}

func TestLoad_MissingBaseURL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STATE_PATH", filepath.Join(t.TempDir(), "state.db"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_BASE_URL")
}

func TestLoad_InvalidBaseURL(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("API_BASE_URL", "api.example.com")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_BASE_URL")
}

func TestLoad_StreamEndpoints(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("STREAM_URL", "wss://rt.example.com/stream")
	t.Setenv("STREAM_FALLBACK_URL", "https://api.example.com/sync/stream")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"wss://rt.example.com/stream",
		"https://api.example.com/sync/stream",
	}, cfg.StreamEndpoints())
}

func TestLoad_InvalidStreamScheme(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("STREAM_FALLBACK_URL", "ftp://example.com/stream")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STREAM_FALLBACK_URL")
}

func TestLoad_Overrides(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("BATCH_SIZE", "20")
	t.Setenv("MAX_RETRIES", "3")
	t.Setenv("SYNC_INTERVAL", "1m")
	t.Setenv("POLL_PATH", "/invoices")
	t.Setenv("ENABLE_REALTIME", "false")
	t.Setenv("ENABLE_POLLER", "false")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Minute, cfg.SyncInterval)
	assert.Equal(t, "/invoices", cfg.PollPath)
	assert.False(t, cfg.RealtimeEnabled())
	assert.False(t, cfg.PollerEnabled())
	assert.True(t, cfg.IsProduction())
}

func TestLoad_NegativeBatchSize(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("BATCH_SIZE", "-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_SIZE")
}

func TestLoad_BadPollPath(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("POLL_PATH", "payments")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLL_PATH")
}

func TestLoad_ResolvesRelativeStatePath(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("STATE_PATH", "relative/state.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.StatePath))
	assert.True(t, strings.HasSuffix(cfg.StatePath, filepath.Join("relative", "state.db")))
}

// --- State key ---

func TestLoad_StateKey(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("STATE_KEY", strings.Repeat("ab", 32))

	cfg, err := Load()
	require.NoError(t, err)

	key, err := cfg.SealKey()
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, byte(0xab), key[0])
}

func TestLoad_StateKeyWrongLength(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("STATE_KEY", "abcd")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STATE_KEY")
}

func TestSealKey_Unset(t *testing.T) {
	cfg := &Config{}

	key, err := cfg.SealKey()
	require.NoError(t, err)
	assert.Nil(t, key)
}

// --- Admin ---

func TestLoad_AdminRequiresKey(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("ADMIN_LISTEN_ADDR", ":8090")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_API_KEY")
}

func TestLoad_AdminKeyTooShort(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("ADMIN_LISTEN_ADDR", ":8090")
	t.Setenv("ADMIN_API_KEY", "short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too short")
}

func TestLoad_AdminEnabled(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("ADMIN_LISTEN_ADDR", "127.0.0.1:8090")
	t.Setenv("ADMIN_API_KEY", "0123456789abcdef0123")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8090", cfg.AdminListenAddr)
}

// --- Config file ---

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledger-sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoad_ConfigFile(t *testing.T) {
	clearConfigEnv(t)

	statePath := filepath.Join(t.TempDir(), "state.db")
	path := writeConfigFile(t, strings.Join([]string{
		"api_base_url: https://file.example.com",
		"state_path: " + statePath,
		"batch_size: 25",
		"sync_interval: 5m",
		"enable_poller: false",
	}, "\n"))
	t.Setenv(FileEnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://file.example.com", cfg.APIBaseURL)
	assert.Equal(t, statePath, cfg.StatePath)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
	assert.False(t, cfg.PollerEnabled())
	assert.True(t, cfg.RealtimeEnabled())
}

func TestLoad_EnvOverridesConfigFile(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)

	path := writeConfigFile(t, "api_base_url: https://file.example.com\nbatch_size: 25\n")
	t.Setenv(FileEnvVar, path)
	t.Setenv("BATCH_SIZE", "10")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.APIBaseURL)
	assert.Equal(t, 10, cfg.BatchSize)
}

func TestLoad_ConfigFileMissing(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv(FileEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_ConfigFileInvalid(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv(FileEnvVar, writeConfigFile(t, "batch_size: [1, 2"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

// --- IsProduction ---

func TestIsProduction_True(t *testing.T) {
	cfg := &Config{Environment: "production"}
	assert.True(t, cfg.IsProduction())
}

func TestIsProduction_False(t *testing.T) {
	for _, env := range []string{"development", "staging", ""} {
		cfg := &Config{Environment: env}
		assert.False(t, cfg.IsProduction(), "env=%q", env)
	}
}
