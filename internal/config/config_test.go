package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Defaults()
	require.NoError(t, err)

	assert.Equal(t, ModePaper, cfg.App.Mode)
	assert.False(t, cfg.App.Live())
	assert.Equal(t, 30, cfg.Universe.LookbackDays)
	assert.Equal(t, 365, cfg.Backtest.WindowDays)
	assert.Equal(t, 10*time.Minute, cfg.Alerts.Cooldown)
	assert.Equal(t, 300*time.Second, cfg.Scheduler.MonitorInterval)
	assert.Equal(t, "08:55", cfg.Scheduler.PremarketAt)
	assert.Equal(t, "Asia/Kolkata", cfg.App.Location().String())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
app:
  environment: test
universe:
  symbols: ["AAA", "BBB"]
risk:
  max_open_positions: 2
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("SWING_ACCOUNT_CAPITAL", "500000")
	t.Setenv("SWING_LOCK_BACKEND", "redis")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.App.Environment)
	assert.Equal(t, []string{"AAA", "BBB"}, cfg.Universe.Symbols)
	assert.Equal(t, 2, cfg.Risk.MaxOpenPositions)
	assert.InDelta(t, 500000.0, cfg.Account.Capital, 1e-9)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	// 未覆盖的字段保持默认值
	assert.Equal(t, 10, cfg.Risk.MaxOrdersPerDay)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg, err := Defaults()
	require.NoError(t, err)

	cfg.App.Mode = "demo"
	cfg.Account.Capital = -1
	cfg.Universe.Symbols = nil

	err = cfg.Validate()
	require.Error(t, err)
	assert.GreaterOrEqual(t, len(multierr.Errors(err)), 3)
}

func TestLiveRequiresCredentials(t *testing.T) {
	cfg, err := Defaults()
	require.NoError(t, err)

	cfg.App.Mode = ModeLive
	require.Error(t, cfg.Validate())

	cfg.Broker.APIKey = "key"
	cfg.Broker.AccessToken = "token"
	require.NoError(t, cfg.Validate())
}

func TestLocationFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, AppConfig{}.Location())
	assert.Equal(t, time.UTC, AppConfig{Timezone: "Nowhere/Invalid"}.Location())
}
