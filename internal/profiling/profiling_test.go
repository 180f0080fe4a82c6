package profiling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
)

func TestConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("ENABLE_PROFILING", "")
	t.Setenv("PPROF_PORT", "")
	t.Setenv("ENABLE_CONTINUOUS_PROFILING", "")
	t.Setenv("PYROSCOPE_SERVER_URL", "")
	t.Setenv("PYROSCOPE_ENVIRONMENT", "")
	t.Setenv("APP_VERSION", "")

	cfg := ConfigFromEnv()
	assert.False(t, cfg.PprofEnabled)
	assert.False(t, cfg.PyroscopeEnabled)
	assert.Equal(t, "6060", cfg.PprofPort)
	assert.Equal(t, "http://pyroscope:4040", cfg.PyroscopeURL)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "unknown", cfg.Version)
}

func TestConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("ENABLE_PROFILING", "true")
	t.Setenv("PPROF_PORT", "7070")
	t.Setenv("ENABLE_CONTINUOUS_PROFILING", "true")
	t.Setenv("PYROSCOPE_ENVIRONMENT", "production")

	cfg := ConfigFromEnv()
	assert.True(t, cfg.PprofEnabled)
	assert.True(t, cfg.PyroscopeEnabled)
	assert.Equal(t, "7070", cfg.PprofPort)
	assert.Equal(t, "production", cfg.Environment)
}

func TestStart_Disabled(t *testing.T) {
	t.Parallel()

	p, err := Start("post-scheduler", Config{}, logger.NewNop())
	require.NoError(t, err)
	assert.False(t, p.Active())
	assert.NoError(t, p.Stop())

	var nilProfiler *Profiler
	assert.NoError(t, nilProfiler.Stop())
}
