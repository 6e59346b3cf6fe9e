package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadHubDefaults(t *testing.T) {
	cfg, err := LoadHub()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "none", cfg.ColdStorageBackend)
	assert.Equal(t, 50.0, cfg.RateLimitRPS)
	assert.Equal(t, 100, cfg.RateLimitBurst)
}

func TestLoadHubFromEnv(t *testing.T) {
	t.Setenv("ACP_HUB_ADDR", ":9999")
	t.Setenv("ACP_HUB_MASTER_SECRET", "topsecret")
	t.Setenv("ACP_HUB_COLD_STORAGE_BACKEND", "s3")
	t.Setenv("ACP_HUB_RATE_LIMIT_RPS", "10")

	cfg, err := LoadHub()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, "topsecret", cfg.MasterSecret)
	assert.Equal(t, "s3", cfg.ColdStorageBackend)
	assert.Equal(t, 10.0, cfg.RateLimitRPS)
}

func TestLoadKernelDefaults(t *testing.T) {
	cfg, err := LoadKernel()
	require.NoError(t, err)
	assert.Equal(t, "closed", cfg.FailMode)
	assert.Equal(t, ":8070", cfg.Addr)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "demo-tenant", cfg.TenantID)
}

func TestLoadProfileAndApply(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_prod.yaml"), []byte(`
name: Production
fail_mode: read-open
limits:
  default_read_per_min: 120
  delete_per_min: 5
retention:
  audit_hot_days: 90
`), 0o644))

	profile, err := LoadProfile(dir, "PROD")
	require.NoError(t, err)
	assert.Equal(t, "prod", profile.Code)
	assert.Equal(t, "read-open", profile.FailMode)
	assert.Equal(t, 120, profile.Limits.DefaultReadPerMin)
	assert.Equal(t, 5, profile.Limits.DeletePerMin)
	assert.Equal(t, 90, profile.Retention.AuditHotDays)

	cfg := &KernelConfig{FailMode: "closed"}
	profile.Apply(cfg)
	assert.Equal(t, "read-open", cfg.FailMode)
}

func TestLoadProfileMissing(t *testing.T) {
	_, err := LoadProfile(t.TempDir(), "nope")
	assert.Error(t, err)
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_dev.yaml"),
		[]byte("name: Dev\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_prod.yaml"),
		[]byte("name: Prod\ncode: prod\n"), 0o644))

	profiles, err := LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "Dev", profiles["dev"].Name, "code falls back to the filename")
	assert.Equal(t, "Prod", profiles["prod"].Name)
}
