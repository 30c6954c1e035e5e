package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rackscale/factoryflow/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

func TestLoad_ParsesConnectionAndSettings(t *testing.T) {
	path := writeConfig(t, `
variables:
  output_mode: log
connection:
  compute:
    bmc-01:
      ip: 10.0.0.1
      user: admin
      password: secret
settings:
  default_retry_count: 3
  default_wait_after_seconds: 10
compute:
  DOT:
    enabled: true
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "log", cfg.Variables["output_mode"])
	assert.Equal(t, "10.0.0.1", cfg.Connection["compute"]["bmc-01"].IP)
	assert.Equal(t, 3, cfg.Settings.DefaultRetryCount)
	assert.Equal(t, true, cfg.DeviceClasses["compute"]["DOT"].(map[string]any)["enabled"])
}

func TestLoad_MissingIPFailsValidation(t *testing.T) {
	path := writeConfig(t, `
connection:
  compute:
    bmc-01:
      user: admin
`)

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestEffectiveLoopCap_FallsBackToDefault(t *testing.T) {
	cfg := &config.Configuration{}
	assert.Equal(t, config.DefaultLoopDetectionVisitCap, cfg.EffectiveLoopCap())

	cfg.Settings.LoopDetectionVisitCap = 7
	assert.Equal(t, 7, cfg.EffectiveLoopCap())
}

func TestStringVariable_AbsentAndWrongType(t *testing.T) {
	cfg := &config.Configuration{Variables: map[string]any{"count": 3, "mode": "json"}}

	value, ok := cfg.StringVariable("mode")
	assert.True(t, ok)
	assert.Equal(t, "json", value)

	_, ok = cfg.StringVariable("count")
	assert.False(t, ok)

	_, ok = cfg.StringVariable("missing")
	assert.False(t, ok)
}
