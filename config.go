package relaycore

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Scheduler ordering policies.
const (
	PolicyLRU      = "lru"
	PolicyPriority = "priority"
)

// Refresh wait-timeout policies.
const (
	PolicyServeStale = "serve_stale"
	PolicyFail       = "fail"
)

// Config is the top-level relay configuration.
type Config struct {
	ListenAddr  string            `yaml:"listen_addr"`
	LogLevel    string            `yaml:"log_level"`
	Store       StoreConfig       `yaml:"store"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Refresh     RefreshConfig     `yaml:"refresh"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Identity    IdentityConfig    `yaml:"identity"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Callers     []CallerConfig    `yaml:"callers"`
}

// StoreConfig selects the shared state store.
type StoreConfig struct {
	Driver    string `yaml:"driver"`
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SchedulerConfig tunes account selection and bookkeeping.
type SchedulerConfig struct {
	Policy            string        `yaml:"policy"`
	AffinityTTL       time.Duration `yaml:"affinity_ttl"`
	WindowDuration    time.Duration `yaml:"window_duration"`
	WindowAlignment   time.Duration `yaml:"window_alignment"`
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown"`
}

// RefreshConfig tunes the token refresh coordinator.
type RefreshConfig struct {
	Skew          time.Duration `yaml:"skew"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
	WaitTimeout   time.Duration `yaml:"wait_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	OnWaitTimeout string        `yaml:"on_wait_timeout"`

	// DefaultTTL is the lifetime assumed for refreshed tokens issued
	// without an expiry.
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// UpstreamConfig lists the upstream API endpoints per platform.
type UpstreamConfig struct {
	MaxAttempts int                       `yaml:"max_attempts"`
	Platforms   map[string]PlatformConfig `yaml:"platforms"`
}

// PlatformConfig configures one upstream platform.
type PlatformConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Signing bool          `yaml:"signing"`

	// AddressPrefix publishes each signing key's bech32 address with
	// this prefix. Only used when Signing is set.
	AddressPrefix string `yaml:"address_prefix"`
}

// IdentityConfig lists the token endpoints per platform.
type IdentityConfig struct {
	Endpoints map[string]TokenEndpointConfig `yaml:"endpoints"`
}

// TokenEndpointConfig configures the refresh grant for one platform.
type TokenEndpointConfig struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// CredentialsConfig holds the key protecting stored tokens.
type CredentialsConfig struct {
	Key string `yaml:"key"`
}

// CallerConfig maps a caller credential to scheduling constraints.
type CallerConfig struct {
	Name             string     `yaml:"name"`
	Key              string     `yaml:"key"`
	DedicatedAccount string     `yaml:"dedicated_account"`
	Capability       Capability `yaml:"capability"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("relaycore: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes, applies defaults and validates.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("relaycore: parse config: %w", err)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// WithDefaults fills unset fields with default values.
func (c Config) WithDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = "relay:"
	}
	c.Scheduler = c.Scheduler.WithDefaults()
	c.Refresh = c.Refresh.WithDefaults()
	if c.Upstream.MaxAttempts == 0 {
		c.Upstream.MaxAttempts = 2
	}
	for name, p := range c.Upstream.Platforms {
		if p.Timeout == 0 {
			p.Timeout = 10 * time.Minute
		}
		c.Upstream.Platforms[name] = p
	}
	return c
}

// WithDefaults fills unset scheduler fields.
func (s SchedulerConfig) WithDefaults() SchedulerConfig {
	if s.Policy == "" {
		s.Policy = PolicyLRU
	}
	if s.AffinityTTL == 0 {
		s.AffinityTTL = time.Hour
	}
	if s.WindowDuration == 0 {
		s.WindowDuration = 5 * time.Hour
	}
	if s.WindowAlignment == 0 {
		s.WindowAlignment = time.Hour
	}
	if s.RateLimitCooldown == 0 {
		s.RateLimitCooldown = time.Hour
	}
	return s
}

// WithDefaults fills unset refresh fields.
func (r RefreshConfig) WithDefaults() RefreshConfig {
	if r.Skew == 0 {
		r.Skew = 60 * time.Second
	}
	if r.LockTTL == 0 {
		r.LockTTL = 30 * time.Second
	}
	if r.WaitTimeout == 0 {
		r.WaitTimeout = 5 * time.Second
	}
	if r.PollInterval == 0 {
		r.PollInterval = 200 * time.Millisecond
	}
	if r.OnWaitTimeout == "" {
		r.OnWaitTimeout = PolicyServeStale
	}
	if r.DefaultTTL == 0 {
		r.DefaultTTL = time.Hour
	}
	return r
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis, DriverPostgres:
		if c.Store.URL == "" {
			return fmt.Errorf("relaycore: config: store: url is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("relaycore: config: store: unknown driver %q", c.Store.Driver)
	}

	if c.Scheduler.Policy != PolicyLRU && c.Scheduler.Policy != PolicyPriority {
		return fmt.Errorf("relaycore: config: scheduler: unknown policy %q", c.Scheduler.Policy)
	}
	if c.Scheduler.WindowDuration < 0 || c.Scheduler.AffinityTTL < 0 || c.Scheduler.RateLimitCooldown < 0 {
		return fmt.Errorf("relaycore: config: scheduler: durations must not be negative")
	}

	if c.Refresh.LockTTL <= c.Refresh.PollInterval {
		return fmt.Errorf("relaycore: config: refresh: lock_ttl must exceed poll_interval")
	}
	if c.Refresh.DefaultTTL <= c.Refresh.Skew {
		return fmt.Errorf("relaycore: config: refresh: default_ttl must exceed skew")
	}
	if c.Refresh.OnWaitTimeout != PolicyServeStale && c.Refresh.OnWaitTimeout != PolicyFail {
		return fmt.Errorf("relaycore: config: refresh: invalid on_wait_timeout %q", c.Refresh.OnWaitTimeout)
	}

	if c.Upstream.MaxAttempts < 1 {
		return fmt.Errorf("relaycore: config: upstream: max_attempts must be at least 1")
	}
	if len(c.Upstream.Platforms) == 0 {
		return fmt.Errorf("relaycore: config: upstream: at least one platform is required")
	}
	for name, p := range c.Upstream.Platforms {
		if p.BaseURL == "" {
			return fmt.Errorf("relaycore: config: upstream: platform %q: base_url is required", name)
		}
	}

	for name, e := range c.Identity.Endpoints {
		if e.TokenURL == "" {
			return fmt.Errorf("relaycore: config: identity: endpoint %q: token_url is required", name)
		}
		if e.ClientID == "" {
			return fmt.Errorf("relaycore: config: identity: endpoint %q: client_id is required", name)
		}
	}

	if c.Credentials.Key != "" {
		key, err := hex.DecodeString(c.Credentials.Key)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("relaycore: config: credentials: key must be 64 hex characters")
		}
	}

	keys := make(map[string]bool, len(c.Callers))
	for i, cl := range c.Callers {
		if cl.Key == "" {
			return fmt.Errorf("relaycore: config: callers[%d]: key is required", i)
		}
		if keys[cl.Key] {
			return fmt.Errorf("relaycore: config: callers[%d] (%s): duplicate key", i, cl.Name)
		}
		keys[cl.Key] = true
	}

	return nil
}
