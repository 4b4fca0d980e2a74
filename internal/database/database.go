package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/emilioale04/steam-clone-sub003/internal/config"
)

var (
	// DB backs the key, ledger and audit repositories in store/postgres.
	// Wallet changes go through the ledger_apply_change function on it.
	DB *gorm.DB
	// Redis is nil unless REDIS_ENABLED. When set it holds the per-operation
	// cooldown marks (RedisOperationGuard) and the per-account fallback lock
	// (RedisLocker) so replicas share them; otherwise both stay in memory.
	Redis *redis.Client
)

const (
	maxRetries = 30

	// Each ledger operation holds one connection for its transaction.
	maxOpenConns = 100
	maxIdleConns = 10
)

// Connect opens PostgreSQL (with retries) and, when enabled, Redis.
func Connect(cfg *config.Config) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
			NowFunc: func() time.Time {
				return time.Now().UTC()
			},
			DisableForeignKeyConstraintWhenMigrating: true,
		})
		if err == nil {
			break
		}
		log.Warnf("Database connection attempt %d/%d failed: %v. Retrying in 2 seconds...", i+1, maxRetries, err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info("Database connected successfully")

	if !cfg.RedisEnabled {
		log.Warn("Redis disabled - operation guard and fallback lock are process-local")
		return nil
	}

	Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := Redis.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Redis connected successfully")

	return nil
}

// Ping reports whether the database (and Redis, when connected) respond.
func Ping(ctx context.Context) error {
	if DB == nil {
		return fmt.Errorf("database not connected")
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if Redis != nil {
		if err := Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func Close() {
	if DB != nil {
		if sqlDB, err := DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if Redis != nil {
		Redis.Close()
	}
}
