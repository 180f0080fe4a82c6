package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/config"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/database"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
)

const redisPingTimeout = 5 * time.Second

// SetupDatabase opens the PostgreSQL pool.
func SetupDatabase(ctx context.Context, cfg *config.Config, log logger.Logger) (*sqlx.DB, error) {
	db, connErr := database.NewPostgresConnection(ctx, cfg.Database)
	if connErr != nil {
		return nil, fmt.Errorf("database connection: %w", connErr)
	}

	log.Info("Database connection established",
		logger.String("host", cfg.Database.Host),
		logger.String("database", cfg.Database.Database),
	)
	return db, nil
}

// SetupMigrator opens the database and wraps it in a Migrator. The returned
// close function releases the connection.
func SetupMigrator(ctx context.Context, cfg *config.Config, dir string, log logger.Logger) (*database.Migrator, func(), error) {
	db, err := SetupDatabase(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}

	migrator, err := database.NewMigrator(db.DB, dir, log)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrator: %w", err)
	}

	return migrator, func() { _ = db.Close() }, nil
}

// SetupRedis connects to the Redis instance holding the rate windows.
func SetupRedis(ctx context.Context, cfg *config.Config, log logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	log.Info("Redis connection established", logger.String("addr", cfg.Redis.Addr))
	return client, nil
}
