package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/state"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileEnvVar names the environment variable holding an optional YAML
// config file path. Values from the file are overridden by the
// environment.
const FileEnvVar = "LEDGER_SYNC_CONFIG"

// adminKeyMinLen is the minimum length of ADMIN_API_KEY.
const adminKeyMinLen = 16

// Defaults applied to unset values.
const (
	DefaultBatchSize    = 50
	DefaultMaxRetries   = 5
	DefaultSyncInterval = 15 * time.Minute
	DefaultPollInterval = 2 * time.Minute
	DefaultPollPath     = "/payments"
	DefaultPushTimeout  = 30 * time.Second
	DefaultPullTimeout  = 60 * time.Second
	DefaultRefreshWait  = 1 * time.Second
)

// Config holds all configuration for ledger-sync.
type Config struct {
	// Remote service. STREAM_URL defaults to API_BASE_URL + /sync/stream.
	APIBaseURL        string `env:"API_BASE_URL"        yaml:"api_base_url"`
	StreamURL         string `env:"STREAM_URL"          yaml:"stream_url"`
	StreamFallbackURL string `env:"STREAM_FALLBACK_URL" yaml:"stream_fallback_url"`

	// Local state. STATE_KEY is a hex encoded 32-byte key; when set,
	// stored credentials are sealed with it.
	StatePath string `env:"STATE_PATH" yaml:"state_path"`
	StateKey  string `env:"STATE_KEY"  yaml:"-"`

	// Bootstrap credentials, used when the state holds none.
	AccessToken  string `env:"ACCESS_TOKEN"  yaml:"-"`
	RefreshToken string `env:"REFRESH_TOKEN" yaml:"-"`

	// Sync tuning.
	BatchSize    int           `env:"BATCH_SIZE"    yaml:"batch_size"`
	MaxRetries   int           `env:"MAX_RETRIES"   yaml:"max_retries"`
	SyncInterval time.Duration `env:"SYNC_INTERVAL" yaml:"sync_interval"`
	PollInterval time.Duration `env:"POLL_INTERVAL" yaml:"poll_interval"`
	PollPath     string        `env:"POLL_PATH"     yaml:"poll_path"`
	PushTimeout  time.Duration `env:"PUSH_TIMEOUT"  yaml:"push_timeout"`
	PullTimeout  time.Duration `env:"PULL_TIMEOUT"  yaml:"pull_timeout"`
	RefreshWait  time.Duration `env:"REFRESH_WAIT"  yaml:"refresh_wait"`

	EnableRealtime *bool `env:"ENABLE_REALTIME" yaml:"enable_realtime"`
	EnablePoller   *bool `env:"ENABLE_POLLER"   yaml:"enable_poller"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" yaml:"environment"`
	LogLevel    string `env:"LOG_LEVEL"   yaml:"log_level"`
	LogFile     string `env:"LOG_FILE"    yaml:"log_file"`

	// Admin MCP endpoint. Disabled when the listen address is empty.
	AdminListenAddr string `env:"ADMIN_LISTEN_ADDR" yaml:"admin_listen_addr"`
	AdminAPIKey     string `env:"ADMIN_API_KEY"     yaml:"-"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration. A .env file is loaded first if present, then
// the YAML file named by LEDGER_SYNC_CONFIG, then environment variables
// override both.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}

	if path := os.Getenv(FileEnvVar); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return nil
}

func (c *Config) applyDefaults() error {
	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")

	if c.StreamURL == "" && c.APIBaseURL != "" {
		c.StreamURL = c.APIBaseURL + "/sync/stream"
	}

	if c.StatePath == "" {
		p, err := state.DefaultPath()
		if err != nil {
			return err
		}

		c.StatePath = p
	}

	// The trigger watcher and Dir() compare paths, so keep it absolute.
	abs, err := filepath.Abs(c.StatePath)
	if err != nil {
		return fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	c.StatePath = abs

	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}

	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}

	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}

	if c.PollPath == "" {
		c.PollPath = DefaultPollPath
	}

	if c.PushTimeout == 0 {
		c.PushTimeout = DefaultPushTimeout
	}

	if c.PullTimeout == 0 {
		c.PullTimeout = DefaultPullTimeout
	}

	if c.RefreshWait == 0 {
		c.RefreshWait = DefaultRefreshWait
	}

	if c.Environment == "" {
		c.Environment = "development"
	}

	return nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return errors.New("API_BASE_URL is required")
	}

	if err := checkURL("API_BASE_URL", c.APIBaseURL, "http", "https"); err != nil {
		return err
	}

	for name, v := range map[string]string{"STREAM_URL": c.StreamURL, "STREAM_FALLBACK_URL": c.StreamFallbackURL} {
		if v == "" {
			continue
		}

		if err := checkURL(name, v, "http", "https", "ws", "wss"); err != nil {
			return err
		}
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}

	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be positive, got %d", c.MaxRetries)
	}

	if !strings.HasPrefix(c.PollPath, "/") {
		return fmt.Errorf("POLL_PATH must start with '/', got %q", c.PollPath)
	}

	if c.StateKey != "" {
		if _, err := state.ParseKey(c.StateKey); err != nil {
			return fmt.Errorf("STATE_KEY: %w", err)
		}
	}

	if c.AdminListenAddr != "" {
		if c.AdminAPIKey == "" {
			return errors.New("ADMIN_API_KEY is required when ADMIN_LISTEN_ADDR is set")
		}

		if len(c.AdminAPIKey) < adminKeyMinLen {
			return fmt.Errorf("ADMIN_API_KEY too short (minimum %d characters)", adminKeyMinLen)
		}
	}

	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return fmt.Errorf("%s must be an absolute %s URL, got %q", name, strings.Join(schemes, "/"), raw)
}

// SealKey returns the parsed STATE_KEY, or nil when none is configured.
func (c *Config) SealKey() (*[32]byte, error) {
	if c.StateKey == "" {
		return nil, nil
	}

	return state.ParseKey(c.StateKey)
}

// RealtimeEnabled reports whether the realtime notifier should run.
func (c *Config) RealtimeEnabled() bool {
	return c.EnableRealtime == nil || *c.EnableRealtime
}

// PollerEnabled reports whether the fallback poller should run.
func (c *Config) PollerEnabled() bool {
	return c.EnablePoller == nil || *c.EnablePoller
}

// StreamEndpoints returns the configured stream URLs, primary first.
func (c *Config) StreamEndpoints() []string {
	var out []string

	for _, u := range []string{c.StreamURL, c.StreamFallbackURL} {
		if u != "" {
			out = append(out, u)
		}
	}

	return out
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
