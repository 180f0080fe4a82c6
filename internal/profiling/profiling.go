// Package profiling starts the optional pprof endpoint and Pyroscope
// continuous profiling. Both are off unless enabled through the environment.
package profiling

import (
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof handlers on the default mux
	"os"
	"runtime"
	"time"

	"github.com/grafana/pyroscope-go"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
)

const (
	defaultPprofPort     = "6060"
	defaultPyroscopeURL  = "http://pyroscope:4040"
	defaultEnvironment   = "development"
	unknownValue         = "unknown"
	pprofReadHeaderLimit = 5 * time.Second
)

// Config controls both profilers.
type Config struct {
	PprofEnabled     bool
	PprofPort        string
	PyroscopeEnabled bool
	PyroscopeURL     string
	Environment      string
	Version          string
}

// ConfigFromEnv reads ENABLE_PROFILING, PPROF_PORT,
// ENABLE_CONTINUOUS_PROFILING, PYROSCOPE_SERVER_URL, PYROSCOPE_ENVIRONMENT
// and APP_VERSION.
func ConfigFromEnv() Config {
	return Config{
		PprofEnabled:     os.Getenv("ENABLE_PROFILING") == "true",
		PprofPort:        envOr("PPROF_PORT", defaultPprofPort),
		PyroscopeEnabled: os.Getenv("ENABLE_CONTINUOUS_PROFILING") == "true",
		PyroscopeURL:     envOr("PYROSCOPE_SERVER_URL", defaultPyroscopeURL),
		Environment:      envOr("PYROSCOPE_ENVIRONMENT", defaultEnvironment),
		Version:          envOr("APP_VERSION", unknownValue),
	}
}

// Profiler holds the running Pyroscope session, if any.
type Profiler struct {
	pyroscope *pyroscope.Profiler
}

// Start launches whichever profilers cfg enables. It returns a usable
// Profiler even when nothing is enabled.
func Start(serviceName string, cfg Config, log logger.Logger) (*Profiler, error) {
	if cfg.PprofEnabled {
		startPprof(cfg.PprofPort, log)
	}
	if !cfg.PyroscopeEnabled {
		return &Profiler{}, nil
	}

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "north-cloud." + serviceName,
		ServerAddress:   cfg.PyroscopeURL,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
		Tags: map[string]string{
			"environment": cfg.Environment,
			"version":     cfg.Version,
			"hostname":    hostname(),
			"go_version":  runtime.Version(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start pyroscope profiler: %w", err)
	}

	log.Info("Pyroscope continuous profiling started",
		logger.String("service", serviceName),
		logger.String("server", cfg.PyroscopeURL),
		logger.String("environment", cfg.Environment),
	)
	return &Profiler{pyroscope: p}, nil
}

// Stop flushes and stops the Pyroscope session.
func (p *Profiler) Stop() error {
	if p == nil || p.pyroscope == nil {
		return nil
	}
	return p.pyroscope.Stop()
}

// Active reports whether continuous profiling is running.
func (p *Profiler) Active() bool {
	return p != nil && p.pyroscope != nil
}

// startPprof serves the default mux on localhost only.
func startPprof(port string, log logger.Logger) {
	addr := "localhost:" + port
	srv := &http.Server{Addr: addr, ReadHeaderTimeout: pprofReadHeaderLimit}

	go func() {
		log.Info("Starting pprof server", logger.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("pprof server stopped", logger.Error(err))
		}
	}()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return unknownValue
	}
	return h
}
