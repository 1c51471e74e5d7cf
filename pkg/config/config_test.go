package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/edgebridge/pkg/secretstore"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad_YAMLWithEnvOverride(t *testing.T) {
	p := writeFile(t, "bridge.yaml", `
bridge:
  contract_id: "10000001"
  ticker: BTCUSD
  dry_run: true
upstream:
  mode: relay
  url: ws://relay:8766/ws
link:
  base_delay: 500ms
  max_delay: 5s
execution:
  tick_size: 0.5
  retry_delay: 50ms
`)
	t.Setenv("UPSTREAM_URL", "ws://other:1/ws")
	t.Setenv("EXECUTION_MAX_ATTEMPTS", "5")

	cfg, err := Load(p)
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateBridge())

	assert.Equal(t, "10000001", cfg.Bridge.ContractID)
	assert.True(t, cfg.Bridge.DryRun)
	assert.Equal(t, UpstreamRelay, cfg.Upstream.Mode)
	assert.Equal(t, "ws://other:1/ws", cfg.Upstream.URL)
	assert.Equal(t, 500*time.Millisecond, cfg.Link.BaseDelay)
	assert.Equal(t, 5*time.Second, cfg.Link.MaxDelay)
	assert.Equal(t, 0.5, cfg.Execution.TickSize)
	assert.Equal(t, 5, cfg.Execution.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Execution.RetryDelay)
	// 未配置的字段保持默认
	assert.Equal(t, 10, cfg.Link.MaxAttempts)
	assert.True(t, cfg.AutoResetEnabled())
}

func TestLoad_JSONDurations(t *testing.T) {
	p := writeFile(t, "relay.json", `{"relay":{"listen":":9000","backend_url":"ws://b"},"link":{"exhausted_cooldown":"2m"},"bridge":{"auto_reset":false}}`)
	cfg, err := Load(p)
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateRelay())
	assert.Equal(t, ":9000", cfg.Relay.Listen)
	assert.Equal(t, 2*time.Minute, cfg.Link.ExhaustedCooldown)
	assert.False(t, cfg.AutoResetEnabled())
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("DRY_RUN", "maybe")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidateBridge(t *testing.T) {
	cases := map[string]func(c *Config){
		"no contract":   func(c *Config) { c.Bridge.ContractID = "" },
		"bad mode":      func(c *Config) { c.Upstream.Mode = "carrier-pigeon" },
		"no upstream":   func(c *Config) { c.Upstream.URL = "" },
		"no backend":    func(c *Config) { c.Upstream.Mode = UpstreamEmbedded; c.Relay.BackendURL = "" },
		"zero tick":     func(c *Config) { c.Execution.TickSize = 0 },
		"big slippage":  func(c *Config) { c.Execution.EmergencySlippage = 1 },
		"bad backoff":   func(c *Config) { c.Link.MaxDelay = time.Millisecond },
		"no rest":       func(c *Config) { c.Bridge.RestURL = "" },
		"zero attempts": func(c *Config) { c.Link.MaxAttempts = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			c.Bridge.ContractID = "1"
			require.NoError(t, c.ValidateBridge())
			mutate(c)
			assert.Error(t, c.ValidateBridge())
		})
	}
}

func TestResolveCredentials(t *testing.T) {
	c := Default()
	c.Credentials.AccountID = "env-acc"
	c.Credentials.SigningKey = "env-key"

	creds, err := c.ResolveCredentials()
	require.NoError(t, err)
	assert.Equal(t, "env-acc", creds.AccountID)

	hexKey := strings.Repeat("11", 32)
	key, err := secretstore.ParseKey(hexKey)
	require.NoError(t, err)
	dir := t.TempDir()
	ss, err := secretstore.Open(secretstore.OpenOptions{Path: dir, EncryptionKey: key})
	require.NoError(t, err)
	require.NoError(t, ss.SaveCredentials(secretstore.Credentials{SigningKey: "db-key", APIKey: "api"}))
	require.NoError(t, ss.Close())

	c.Secrets = SecretsConfig{Path: dir, Key: hexKey}
	creds, err = c.ResolveCredentials()
	require.NoError(t, err)
	assert.Equal(t, secretstore.Credentials{AccountID: "env-acc", APIKey: "api", SigningKey: "db-key"}, creds)
}
