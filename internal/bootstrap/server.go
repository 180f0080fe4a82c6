package bootstrap

import (
	"context"
	"slices"
	"strings"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/api"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
)

const breakerOpen = "open"

// SetupHTTPServer creates the HTTP server with all handlers wired.
func SetupHTTPServer(a *App) *api.Server {
	handler := api.NewHandler(api.Dependencies{
		Scheduler:         a.Publisher,
		Runner:            a.Runner,
		Posts:             a.Posts,
		Messages:          a.Tracker,
		Consent:           a.Consent,
		Limits:            a.Limiter,
		Events:            a.Events,
		Metrics:           a.Telemetry.Handler(),
		MessageMaxRetries: domain.DefaultMessageMaxRetries,
	})

	checks := map[string]api.HealthChecker{
		"database": api.PingChecker(a.DB.PingContext),
		"redis": api.PingChecker(func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}),
		"platform_gateway": breakerCheck(a.Platforms.BreakerStates),
	}

	return api.NewServer(api.ServerConfig{
		ServiceName:    a.Config.Service.Name,
		ServiceVersion: a.Config.Service.Version,
		Port:           a.Config.Service.Port,
		Debug:          a.Config.Service.Debug,
		CORSOrigins:    a.Config.Service.CORSOrigins,
		JWTSecret:      a.Config.Auth.JWTSecret,
	}, handler, checks, a.Log.With(logger.String("component", "http")))
}

// breakerCheck reports open platform breakers without failing the health
// check; an open breaker only affects that platform.
func breakerCheck(states func() map[string]string) api.HealthChecker {
	return func(context.Context) api.CheckResult {
		var open []string
		for platform, state := range states() {
			if state == breakerOpen {
				open = append(open, platform)
			}
		}
		if len(open) == 0 {
			return api.CheckResult{Status: api.HealthStatusHealthy}
		}
		slices.Sort(open)
		return api.CheckResult{
			Status:  api.HealthStatusHealthy,
			Message: "circuit open: " + strings.Join(open, ", "),
		}
	}
}
