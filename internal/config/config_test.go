package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 500.0, cfg.Risk.DailyLossLimit)
	assert.Equal(t, 2, cfg.Risk.MaxPositionSize)
	assert.Equal(t, 5, cfg.Risk.MaxConsecutiveLosses)
	assert.Equal(t, 1000.0, cfg.Risk.AccountBalanceMin)
	assert.Equal(t, 0.70, cfg.Risk.MinSignalConfidence)
	assert.Equal(t, 0.25, cfg.Scoring.ConfluenceThresholdBase)
	assert.Equal(t, 0.70, cfg.Ensemble.MinConfidence)
	assert.True(t, cfg.Ensemble.Enabled)
	assert.Equal(t, "America/New_York", cfg.Regime.Timezone)
	assert.Equal(t, 11, cfg.Regime.EarlyCycleMinDays)
}

func TestLoadWithInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "risk.yaml", `
risk:
  daily_loss_limit: 750
  max_consecutive_losses: 3
`)
	main := writeFile(t, dir, "main.yaml", `
include:
  - risk.yaml
scoring:
  confluence_threshold_base: 0.3
ensemble:
  enabled: false
  ml_min_confidence: 0.65
`)
	cfg, err := Load(main)
	require.NoError(t, err)
	assert.Equal(t, 750.0, cfg.Risk.DailyLossLimit)
	assert.Equal(t, 3, cfg.Risk.MaxConsecutiveLosses)
	assert.Equal(t, 2, cfg.Risk.MaxPositionSize)
	assert.Equal(t, 0.3, cfg.Scoring.ConfluenceThresholdBase)
	assert.False(t, cfg.Ensemble.Enabled)
	assert.Equal(t, 0.65, cfg.Ensemble.MinConfidence)
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	var cfgErr *ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{"confidence above one", "risk:\n  min_signal_confidence: 1.5\n", "risk.min_signal_confidence"},
		{"bad timezone", "regime:\n  timezone: Mars/Olympus\n", "regime.timezone"},
		{"telegram without token", "notify:\n  telegram:\n    enabled: true\n", "notify.telegram"},
		{"remote without url", "ensemble:\n  remote:\n    - name: gbm\n", "ensemble.remote[0].url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "cfg.yaml", tc.body)
			_, err := Load(path)
			require.Error(t, err)
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestLoadEmptyPath(t *testing.T) {
	_, err := Load("")
	var cfgErr *ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "confluence.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", cfg.Regime.Timezone)
	assert.Equal(t, "configs/models.yaml", cfg.Ensemble.RegistryPath)
	assert.Equal(t, 0.15, cfg.Scoring.AuxiliaryWeights["mtf_confluence"])
	assert.Len(t, cfg.Pipeline.Middlewares, 6)
	assert.Equal(t, "DANGER", cfg.Notify.MinLevel)
}
