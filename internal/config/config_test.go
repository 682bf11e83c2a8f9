package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 1000, cfg.Queue.RetryDelayMs)
	assert.Equal(t, "15s", cfg.Model.Timeout().String())
	assert.Equal(t, "10s", cfg.Email.Timeout().String())
	assert.Equal(t, "20s", cfg.Marketplace.Timeout().String())
	assert.Equal(t, "30s", cfg.IMAP.PollInterval().String())
	assert.Equal(t, "INBOX", cfg.IMAP.Mailbox)
	assert.False(t, cfg.IMAP.Enabled())
	assert.True(t, cfg.Runtime.EnableAgents)
	assert.True(t, cfg.Runtime.EnableWebsocket)
}

func TestRuntimeFeaturesCanBeSwitchedOff(t *testing.T) {
	path := writeConfig(t, "runtime:\n  enable_agents: false\n")
	t.Setenv("ENABLE_WEBSOCKET", "false")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.False(t, cfg.Runtime.EnableAgents)
	assert.False(t, cfg.Runtime.EnableWebsocket)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeConfig(t, "model:\n  simple_model: file-model\n")

	t.Setenv("MODEL_PROVIDER_KEY", "key-from-env")
	t.Setenv("SIMPLE_MODEL", "env-simple")
	t.Setenv("COMPLEX_MODEL", "env-complex")
	t.Setenv("EMAIL_API_KEY", "mg-key")
	t.Setenv("FROM_EMAIL", "agent@cadence.dev")
	t.Setenv("SMS_ACCOUNT_SID", "AC123")
	t.Setenv("OUTBOUND_PHONE_NUMBER", "+15550001111")
	t.Setenv("IMAP_HOST", "imap.cadence.dev")
	t.Setenv("IMAP_PORT", "1993")
	t.Setenv("MARKETPLACE_VALID_API_KEYS", "k1, k2,k3")
	t.Setenv("QUEUE_MAX_RETRIES", "7")
	t.Setenv("ENABLE_AGENTS", "true")
	t.Setenv("MODEL_OVERRIDE_OVERLORD", "special-overlord-model")
	t.Setenv("THRESHOLD_OVERRIDE_SMS", "-10")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "key-from-env", cfg.Model.ProviderKey)
	assert.Equal(t, "env-simple", cfg.Model.SimpleModel)
	assert.Equal(t, "env-complex", cfg.Model.ComplexModel)
	assert.Equal(t, "mg-key", cfg.Email.APIKey)
	assert.Equal(t, "agent@cadence.dev", cfg.Email.FromEmail)
	assert.Equal(t, "AC123", cfg.SMS.AccountSID)
	assert.Equal(t, "+15550001111", cfg.SMS.FromNumber)
	assert.Equal(t, "imap.cadence.dev", cfg.IMAP.Host)
	assert.Equal(t, 1993, cfg.IMAP.Port)
	assert.True(t, cfg.IMAP.Enabled())
	assert.Equal(t, []string{"k1", "k2", "k3"}, cfg.Marketplace.ValidAPIKeys)
	assert.Equal(t, 7, cfg.Queue.MaxRetries)
	assert.True(t, cfg.Runtime.EnableAgents)
	assert.Equal(t, "special-overlord-model", cfg.Model.AgentModelOverrides["overlord"])
	assert.Equal(t, -10, cfg.Model.AgentThresholdOverrides["sms"])
}
