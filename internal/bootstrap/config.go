// Package bootstrap wires the post-scheduler components together and
// manages their lifecycle.
package bootstrap

import (
	"fmt"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/config"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
)

const defaultConfigPath = "config.yml"

// LoadConfig loads and validates the service configuration. An empty path
// falls back to CONFIG_PATH and then config.yml.
func LoadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.GetConfigPath(defaultConfigPath)
	}

	cfg, loadErr := config.Load(path)
	if loadErr != nil {
		return nil, fmt.Errorf("load config: %w", loadErr)
	}
	if validateErr := cfg.Validate(); validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return cfg, nil
}

// CreateLogger creates a structured logger for the service.
func CreateLogger(cfg *config.Config) (logger.Logger, error) {
	log, logErr := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Development: cfg.Service.Debug,
	})
	if logErr != nil {
		return nil, fmt.Errorf("create logger: %w", logErr)
	}

	return log.With(logger.String("service", cfg.Service.Name)), nil
}
