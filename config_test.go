package relaycore_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/relaycore"
)

const minimalConfig = `
upstream:
  platforms:
    anthropic:
      base_url: https://api.example.com
`

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := relaycore.ParseConfig([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, relaycore.DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "relay:", cfg.Store.KeyPrefix)
	assert.Equal(t, relaycore.PolicyLRU, cfg.Scheduler.Policy)
	assert.Equal(t, time.Hour, cfg.Scheduler.AffinityTTL)
	assert.Equal(t, 5*time.Hour, cfg.Scheduler.WindowDuration)
	assert.Equal(t, time.Hour, cfg.Scheduler.WindowAlignment)
	assert.Equal(t, time.Hour, cfg.Scheduler.RateLimitCooldown)
	assert.Equal(t, 60*time.Second, cfg.Refresh.Skew)
	assert.Equal(t, 30*time.Second, cfg.Refresh.LockTTL)
	assert.Equal(t, 5*time.Second, cfg.Refresh.WaitTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Refresh.PollInterval)
	assert.Equal(t, relaycore.PolicyServeStale, cfg.Refresh.OnWaitTimeout)
	assert.Equal(t, time.Hour, cfg.Refresh.DefaultTTL)
	assert.Equal(t, 2, cfg.Upstream.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Upstream.Platforms["anthropic"].Timeout)
}

func TestParseConfigFull(t *testing.T) {
	t.Setenv("RELAY_TEST_SECRET", "s3cret")
	cfg, err := relaycore.ParseConfig([]byte(`
listen_addr: 127.0.0.1:9000
log_level: debug
store:
  driver: redis
  url: redis://localhost:6379/0
  key_prefix: "prod:"
scheduler:
  policy: priority
  affinity_ttl: 30m
refresh:
  on_wait_timeout: fail
  wait_timeout: 2s
upstream:
  max_attempts: 3
  platforms:
    anthropic:
      base_url: https://api.example.com
      timeout: 90s
    keypair:
      base_url: https://node.example.com
      signing: true
identity:
  endpoints:
    anthropic:
      token_url: https://auth.example.com/token
      client_id: relay
      client_secret: ${RELAY_TEST_SECRET}
callers:
  - name: ci
    key: caller-1
    dedicated_account: acct-7
    capability: premium
`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, relaycore.DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "prod:", cfg.Store.KeyPrefix)
	assert.Equal(t, relaycore.PolicyPriority, cfg.Scheduler.Policy)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.AffinityTTL)
	assert.Equal(t, relaycore.PolicyFail, cfg.Refresh.OnWaitTimeout)
	assert.Equal(t, 2*time.Second, cfg.Refresh.WaitTimeout)
	assert.Equal(t, 3, cfg.Upstream.MaxAttempts)
	assert.Equal(t, 90*time.Second, cfg.Upstream.Platforms["anthropic"].Timeout)
	assert.True(t, cfg.Upstream.Platforms["keypair"].Signing)
	assert.Equal(t, "s3cret", cfg.Identity.Endpoints["anthropic"].ClientSecret)
	require.Len(t, cfg.Callers, 1)
	assert.Equal(t, "acct-7", cfg.Callers[0].DedicatedAccount)
	assert.Equal(t, relaycore.CapabilityPremium, cfg.Callers[0].Capability)
}

func TestParseConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no platforms", `log_level: info`, "at least one platform"},
		{"missing base url", "upstream:\n  platforms:\n    a: {}\n", "base_url is required"},
		{"unknown driver", "store:\n  driver: etcd\n" + minimalConfig, `unknown driver "etcd"`},
		{"store url", "store:\n  driver: postgres\n" + minimalConfig, "url is required"},
		{"unknown policy", "scheduler:\n  policy: random\n" + minimalConfig, `unknown policy "random"`},
		{"wait policy", "refresh:\n  on_wait_timeout: retry\n" + minimalConfig, "invalid on_wait_timeout"},
		{"default ttl", "refresh:\n  default_ttl: 30s\n" + minimalConfig, "default_ttl must exceed skew"},
		{"lock ttl", "refresh:\n  lock_ttl: 100ms\n  poll_interval: 1s\n" + minimalConfig, "lock_ttl must exceed"},
		{"bad key", "credentials:\n  key: abcd\n" + minimalConfig, "64 hex characters"},
		{"caller key", "callers:\n  - name: x\n" + minimalConfig, "key is required"},
		{"duplicate caller", "callers:\n  - {name: a, key: k}\n  - {name: b, key: k}\n" + minimalConfig, "duplicate key"},
		{"token url", "identity:\n  endpoints:\n    a: {client_id: c}\n" + minimalConfig, "token_url is required"},
		{"bad yaml", "upstream: [", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := relaycore.ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o600))

	cfg, err := relaycore.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.Upstream.Platforms["anthropic"].BaseURL)

	_, err = relaycore.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}
