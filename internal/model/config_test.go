package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 14, cfg.Retention.HorizonDays)
	assert.Equal(t, 1000, cfg.Retention.BatchSize)
	assert.Equal(t, 7, cfg.Digest.WindowDays)
	assert.Equal(t, 20*time.Second, cfg.ConnectTimeout())
	assert.Equal(t, 100, cfg.Categorization.MonthlyQuota)
}

func TestLoadConfig_FileAndEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  addr: ":9090"
  cron_secret: from-file
categorization:
  monthly_quota: 50
  plan_quotas:
    pro: 5000
retention:
  horizon_days: 30
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("MAILFLOW_SERVER_CRON_SECRET", "from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "from-env", cfg.Server.CronSecret)
	assert.Equal(t, 30, cfg.Retention.HorizonDays)
	assert.Equal(t, 5000, cfg.QuotaFor("pro"))
	assert.Equal(t, 5000, cfg.QuotaFor("PRO"))
	assert.Equal(t, 50, cfg.QuotaFor("free"))
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultAppConfig()
	cfg.Server.Addr = ":7070"
	cfg.Sync.Workers = 9
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", loaded.Server.Addr)
	assert.Equal(t, 9, loaded.Sync.Workers)
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, 5*time.Second, seconds(5, 20))
	assert.Equal(t, 20*time.Second, seconds(0, 20))
	assert.Equal(t, 20*time.Second, seconds(-1, 20))
}
