package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearPortalcraneEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LISTEN_ADDR", "REGISTRY_URL", "SECRET_KEY", "STAGING_ROOT", "AUDIT_MAX_EVENTS",
		"ADMIN_USERNAME", "ADMIN_PASSWORD", "VULN_SCAN_SEVERITIES", "PORTALCRANE_BOOTSTRAP_FILE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func Test_Load_RequiresSecretKey(t *testing.T) {
	clearPortalcraneEnv(t)
	_, err := Load()
	assert.Error(t, err)
}

func Test_Load_AppliesDefaults(t *testing.T) {
	clearPortalcraneEnv(t)
	t.Setenv("SECRET_KEY", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8443", cfg.ListenAddr)
	assert.Equal(t, "admin", cfg.AdminUsername)
	assert.Equal(t, []string{"CRITICAL", "HIGH"}, cfg.VulnScanSeverities)
	assert.True(t, cfg.VulnScanEnabled)
}

func Test_Load_OverridesFromEnv(t *testing.T) {
	clearPortalcraneEnv(t)
	t.Setenv("SECRET_KEY", "test-secret")
	t.Setenv("VULN_SCAN_SEVERITIES", "CRITICAL, HIGH, MEDIUM")
	t.Setenv("AUDIT_MAX_EVENTS", "10")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"CRITICAL", "HIGH", "MEDIUM"}, cfg.VulnScanSeverities)
	assert.Equal(t, 10, cfg.AuditMaxEvents)
}

func Test_LoadBootstrap_NoFileConfigured(t *testing.T) {
	cfg := &Config{}
	b, err := cfg.LoadBootstrap()
	require.NoError(t, err)
	assert.Nil(t, b)
}

func Test_LoadBootstrap_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
folders:
  - name: production
    description: prod images
    permissions:
      - username: alice
        can_pull: true
        can_push: true
`), 0o644))

	cfg := &Config{BootstrapFile: path}
	b, err := cfg.LoadBootstrap()
	require.NoError(t, err)
	require.Len(t, b.Folders, 1)
	assert.Equal(t, "production", b.Folders[0].Name)
	assert.Equal(t, "alice", b.Folders[0].Permissions[0].Username)
}
