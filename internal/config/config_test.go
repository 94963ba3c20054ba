package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.SyncInterval)
	assert.Equal(t, "cloudflare", cfg.DNS.Provider)
	assert.Equal(t, "https://api.linode.com/v4", cfg.Linode.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Linode.Timeout)
	assert.Equal(t, 8, cfg.Reconcile.Concurrency)
	assert.Equal(t, ":9090", cfg.Metrics.Address)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
syncInterval: 30s
dns:
  provider: Linode
linode:
  token: secret
  timeout: 2s
reconcile:
  dryRun: true
  concurrency: 4
  requestsPerSecond: 2.5
  protectedRecords: ["mail.example.com"]
  managedTypes: ["A", "TXT"]
retry:
  maxAttempts: 3
  maxElapsed: 10s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, "linode", cfg.DNS.Provider)
	assert.Equal(t, "secret", cfg.Linode.Token)
	assert.Equal(t, 2*time.Second, cfg.Linode.Timeout)
	assert.True(t, cfg.Reconcile.DryRun)
	assert.Equal(t, 4, cfg.Reconcile.Concurrency)
	assert.Equal(t, 2.5, cfg.Reconcile.RequestsPerSecond)
	assert.Equal(t, []string{"mail.example.com"}, cfg.Reconcile.ProtectedRecords)
	assert.Equal(t, []string{"A", "TXT"}, cfg.Reconcile.ManagedTypes)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxElapsed)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "dns:\n  provider: linode\n")
	t.Setenv("CLOUD_DNS_SYNC_PROVIDER", "route53")
	t.Setenv("CLOUD_DNS_SYNC_ROUTE53_REGION", "eu-west-1")
	t.Setenv("CLOUD_DNS_SYNC_CLOUDFLARE_ZONES", "example.com, example.org")
	t.Setenv("CLOUD_DNS_SYNC_INTERVAL", "2m")
	t.Setenv("CLOUD_DNS_SYNC_DRYRUN", "true")
	t.Setenv("CLOUD_DNS_SYNC_CONCURRENCY", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "route53", cfg.DNS.Provider)
	assert.Equal(t, "eu-west-1", cfg.Route53.Region)
	assert.Equal(t, []string{"example.com", "example.org"}, cfg.Cloudflare.Zones)
	assert.Equal(t, 2*time.Minute, cfg.SyncInterval)
	assert.True(t, cfg.Reconcile.DryRun)
	assert.Equal(t, 8, cfg.Reconcile.Concurrency)
}

func TestLoadUnknownProvider(t *testing.T) {
	path := writeConfig(t, "dns:\n  provider: bind\n")
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "cloudflare", cfg.DNS.Provider)
}
