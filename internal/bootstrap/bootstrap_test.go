package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/api"
)

func TestMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode      Mode
		api       bool
		scheduler bool
		profile   string
	}{
		{mode: ModeAll, api: true, scheduler: true, profile: "post-scheduler"},
		{mode: ModeAPI, api: true, profile: "post-scheduler-api"},
		{mode: ModeScheduler, scheduler: true, profile: "post-scheduler-scheduler"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.api, tt.mode.servesAPI(), tt.mode)
		assert.Equal(t, tt.scheduler, tt.mode.runsScheduler(), tt.mode)
		assert.True(t, tt.mode.valid())
		assert.Equal(t, tt.profile, tt.mode.profileName("post-scheduler"))
	}
	assert.False(t, Mode("worker").valid())
}

func TestBreakerCheck(t *testing.T) {
	t.Parallel()

	check := breakerCheck(func() map[string]string {
		return map[string]string{"x": "open", "facebook": "open", "linkedin": "closed"}
	})
	result := check(context.Background())
	assert.Equal(t, api.HealthStatusHealthy, result.Status)
	assert.Equal(t, "circuit open: facebook, x", result.Message)

	closed := breakerCheck(func() map[string]string { return nil })
	assert.Empty(t, closed(context.Background()).Message)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
platforms:
  publish_url: http://gateway:8080
scheduler:
  partial_success_policy: retry_failed
`), 0o600))
	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "retry_failed", cfg.Scheduler.PartialSuccessPolicy)
	assert.Equal(t, 8097, cfg.Service.Port)

	log, err := CreateLogger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: post-scheduler\n"), 0o600))
	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("PLATFORM_PUBLISH_URL", "")

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "platforms.publish_url")
}
