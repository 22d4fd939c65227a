package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leakd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvPostgresDSN, "")
	t.Setenv(EnvRedisAddr, "")
	t.Setenv(EnvFirestore, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.Scan.Limit)
	assert.Equal(t, time.Hour, cfg.Scan.Window)
	assert.Equal(t, int64(256*1024), cfg.Webhook.MaxBodyBytes)
	assert.Equal(t, leak.DefaultPolicy(), cfg.Policy)
	assert.Empty(t, cfg.Postgres.DSN)
}

func TestLoad_FileAndPolicyOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
postgres:
  dsn: postgres://localhost/leakguard
scan:
  limit: 2
  window: 30m
api_keys:
  0123456789abcdef: acct_1
logging:
  level: debug
  format: console
accounts:
  - id: acct_1
    webhook_token: tok_1
    webhook_secret: whsec_1
    email_reports_disabled: true
policy:
  window: 720h
  change_ratio: 0.25
  severity:
    medium: 100000
    high: 500000
    critical: 2000000
`)
	t.Setenv(EnvListenAddr, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "postgres://localhost/leakguard", cfg.Postgres.DSN)
	assert.Equal(t, 2, cfg.Scan.Limit)
	assert.Equal(t, 30*time.Minute, cfg.Scan.Window)
	assert.Equal(t, "acct_1", cfg.APIKeys["0123456789abcdef"])
	assert.InDelta(t, 0.25, cfg.Policy.ChangeRatio, 1e-9)
	assert.Equal(t, int64(100000), cfg.Policy.Severity.Medium)
	assert.Equal(t, leak.DefaultPolicy().FailedPaymentsRecoveryRate, cfg.Policy.FailedPaymentsRecoveryRate)

	require.Len(t, cfg.Accounts, 1)
	acct := cfg.Accounts[0].Account()
	assert.Equal(t, "tok_1", acct.WebhookToken)
	assert.True(t, acct.EmailReportsDisabled)
}

func TestLoad_PolicyExplicitZero(t *testing.T) {
	path := writeConfig(t, "policy:\n  churn_spike_floor: 0\n  expansion_floor: 0\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.Policy.ChurnSpikeFloor)
	assert.Zero(t, cfg.Policy.ExpansionFloor)
	assert.Equal(t, leak.DefaultPolicy().ChurnSpikeFactor, cfg.Policy.ChurnSpikeFactor)
	assert.Equal(t, leak.DefaultPolicy().Window, cfg.Policy.Window)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "postgres:\n  dsn: postgres://file\nredis:\n  addr: file:6379\n")
	t.Setenv(EnvPostgresDSN, "postgres://env")
	t.Setenv(EnvRedisAddr, "env:6379")
	t.Setenv(EnvListenAddr, ":7070")
	t.Setenv(EnvFirestore, "leakguard-prod")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "leakguard-prod", cfg.Firestore.ProjectID)
	assert.Equal(t, "postgres://env", cfg.Postgres.DSN)
	assert.Equal(t, "env:6379", cfg.Redis.Addr)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config")

	_, err = Load(writeConfig(t, "server: [not, a, map]"))
	assert.ErrorContains(t, err, "parsing config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"zero scan limit", func(c *Config) { c.Scan.Limit = 0 }, "scan.limit"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"short api key", func(c *Config) { c.APIKeys = map[string]string{"short": "acct"} }, "shorter than 16"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"policy", func(c *Config) { c.Policy.MaxConfidence = 2 }, "policy"},
		{"account without token", func(c *Config) { c.Accounts = []AccountConfig{{ID: "a"}} }, "webhook_token are required"},
		{"duplicate token", func(c *Config) {
			c.Accounts = []AccountConfig{{ID: "a", WebhookToken: "t"}, {ID: "b", WebhookToken: "t"}}
		}, "already used"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg := Default()
	cfg.Scan.Limit = 0
	cfg.Server.Addr = ""
	err := cfg.Validate()
	assert.ErrorContains(t, err, "scan.limit")
	assert.ErrorContains(t, err, "server.addr")
}
