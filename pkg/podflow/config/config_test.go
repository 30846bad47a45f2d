package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/podflow/podflow/pkg/podflow/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Accessors(t *testing.T) {
	c := config.New(map[string]any{
		"name":    "podflow",
		"depth":   12,
		"ratio":   1.5,
		"timeout": "30s",
		"seconds": 45,
	})

	assert.Equal(t, "podflow", c.String("name", "x"))
	assert.Equal(t, "x", c.String("missing", "x"))
	assert.Equal(t, 12, c.Int("depth", 0))
	assert.Equal(t, 7, c.Int("missing", 7))
	assert.Equal(t, 1.5, c.Float("ratio", 0))
	assert.Equal(t, 30*time.Second, c.Duration("timeout", 0))
	assert.Equal(t, 45*time.Second, c.Duration("seconds", 0))
	assert.Equal(t, time.Minute, c.Duration("missing", time.Minute))
}

func TestConfig_WrongTypesFallBack(t *testing.T) {
	c := config.New(map[string]any{
		"depth": "not a number",
		"name":  42,
	})

	assert.Equal(t, 10, c.Int("depth", 10))
	assert.Equal(t, "default", c.String("name", "default"))
}

func TestResolve_Defaults(t *testing.T) {
	s := config.Resolve(config.New(nil))

	assert.Equal(t, 1.0, s.MarkupMultiplier)
	assert.Equal(t, 0.0001, s.CreditUSD)
	assert.Equal(t, 10, s.WorkerPoolDepth)
	assert.Equal(t, 180*time.Second, s.ProviderTimeout)
	assert.Equal(t, 5, s.BreakerThreshold)
	assert.Equal(t, 60*time.Second, s.BreakerCooldown)
}

func TestResolve_FromYAML(t *testing.T) {
	c, err := config.FromYAML([]byte(`
markup_multiplier: 2.0
credit_usd: 0.0002
worker_pool_depth: 4
provider_timeout: 90s
`))
	require.NoError(t, err)

	s := config.Resolve(c)
	assert.Equal(t, 2.0, s.MarkupMultiplier)
	assert.Equal(t, 0.0002, s.CreditUSD)
	assert.Equal(t, 4, s.WorkerPoolDepth)
	assert.Equal(t, 90*time.Second, s.ProviderTimeout)
}

func TestFromYAML_Invalid(t *testing.T) {
	_, err := config.FromYAML([]byte("{invalid"))
	assert.Error(t, err)
}

func TestSettingsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "podflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
markup_multiplier: 2.5
breaker_cooldown: 30s
history_limit: 7
`), 0o600))

	s, err := config.SettingsFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2.5, s.MarkupMultiplier)
	assert.Equal(t, 30*time.Second, s.BreakerCooldown)
	assert.Equal(t, 7, s.HistoryLimit)
	// Untouched keys resolve to defaults.
	assert.Equal(t, 10, s.WorkerPoolDepth)
}

func TestSettingsFromFile_Missing(t *testing.T) {
	_, err := config.SettingsFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFromFile_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "podflow.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o600))
	_, err := config.FromFile(path)
	assert.Error(t, err)
}
