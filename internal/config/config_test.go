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
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, 90.0, cfg.Risk.EmergencyMarginPct)
	assert.Equal(t, 75.0, cfg.Risk.CriticalMarginPct)
	assert.Equal(t, 50.0, cfg.Risk.WarningMarginPct)
	assert.Equal(t, 10.0, cfg.Risk.EmergencyLossPct)
	assert.Equal(t, 5.0, cfg.Risk.WarningLossPct)
	assert.Equal(t, 24, cfg.Risk.SnapshotHistorySize)
	assert.Equal(t, 10*time.Second, cfg.Watchdog.Interval)
	assert.Equal(t, 3, cfg.Watchdog.MaxHeals)
	assert.Equal(t, time.Hour, cfg.Watchdog.HealWindow)
	assert.Equal(t, 100, cfg.Watchdog.HistorySize)
	assert.Equal(t, 2*time.Hour, cfg.Breaker.Cooldown())
	assert.Equal(t, "strict", cfg.Reconcile.Mode)
}

func TestLoad_OverridesAndDurations(t *testing.T) {
	path := writeConfig(t, `
lifecycle:
  dry_run: true
  intervals:
    primary: 15s
risk:
  emergency_margin_pct: 95
circuit_breaker:
  cooldown_hours: 0.5
watchdog:
  thresholds:
    primary: 130s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Lifecycle.DryRun)
	assert.Equal(t, 15*time.Second, cfg.Lifecycle.Intervals.Primary)
	assert.Equal(t, 120*time.Second, cfg.Lifecycle.Intervals.Pyramiding)
	assert.Equal(t, 95.0, cfg.Risk.EmergencyMarginPct)
	assert.Equal(t, 30*time.Minute, cfg.Breaker.Cooldown())
	assert.Equal(t, 130*time.Second, cfg.Watchdog.ThresholdFor("primary"))
	assert.Equal(t, 150*time.Second, cfg.Watchdog.ThresholdFor("metrics"))
	assert.Equal(t, cfg.Watchdog.DefaultThreshold, cfg.Watchdog.ThresholdFor("unknown"))
}

func TestLoad_ExplicitZerosSurvive(t *testing.T) {
	path := writeConfig(t, `
lifecycle:
  max_hold: 0s
risk:
  capital_cache_ttl: 0s
circuit_breaker:
  cooldown_hours: 0
broker:
  max_retries: 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Zero(t, cfg.Lifecycle.MaxHold)
	assert.Zero(t, cfg.Risk.CapitalCacheTTL)
	assert.Zero(t, cfg.Breaker.Cooldown())
	assert.Zero(t, cfg.Broker.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Broker.CallBudget())
	assert.Equal(t, 10*time.Second, cfg.Broker.Timeout)
}

func TestDefault_ThresholdsCoverBrokerRetries(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	// 4 attempts of 10s plus 3 backoffs of at most 5s
	assert.Equal(t, 55*time.Second, cfg.Broker.CallBudget())
	for _, l := range cfg.supervisedLoops() {
		assert.GreaterOrEqual(t, cfg.Watchdog.ThresholdFor(l.name), l.interval+2*cfg.Broker.CallBudget(), l.name)
	}
}

func TestLoad_RejectsThresholdBelowBrokerBudget(t *testing.T) {
	path := writeConfig(t, `
watchdog:
  thresholds:
    metrics: 60s
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics")

	// fewer retries shrink the budget enough
	path = writeConfig(t, `
watchdog:
  thresholds:
    metrics: 60s
broker:
  max_retries: 0
`)
	_, err = Load(path)
	require.NoError(t, err)
}

func TestLoad_RejectsInvertedCutoffs(t *testing.T) {
	path := writeConfig(t, `
risk:
  warning_margin_pct: 80
  critical_margin_pct: 70
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_EnvOverridesCredentials(t *testing.T) {
	t.Setenv("BYBIT_API_KEY", "key-from-env")
	t.Setenv("BYBIT_API_SECRET", "secret-from-env")

	cfg, err := Load(writeConfig(t, "exchange:\n  api_key: file-key\n"))
	require.NoError(t, err)
	assert.Equal(t, "key-from-env", cfg.Exchange.APIKey)
	assert.Equal(t, "secret-from-env", cfg.Exchange.APISecret)
}

func TestProvider_ReloadOnChange(t *testing.T) {
	path := writeConfig(t, "lifecycle:\n  intervals:\n    primary: 10s\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	p := NewProvider(path, cfg, nil)
	changed, err := p.Reload()
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(path, []byte("lifecycle:\n  intervals:\n    primary: 20s\n"), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	changed, err = p.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 20*time.Second, p.Current().Lifecycle.Intervals.Primary)
}

func TestProvider_BrokenFileKeepsPrevious(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := Load(path)
	require.NoError(t, err)
	p := NewProvider(path, cfg, nil)

	require.NoError(t, os.WriteFile(path, []byte("risk: [not a map"), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	_, err = p.Reload()
	require.Error(t, err)
	assert.Same(t, cfg, p.Current())
}
