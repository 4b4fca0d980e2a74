package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Config holds every runtime setting. Values come from the process
// environment, optionally seeded from a .env file.
type Config struct {
	// Database
	DBHost     string `env:"DB_HOST,default=localhost"`
	DBPort     int    `env:"DB_PORT,default=5432"`
	DBUser     string `env:"DB_USER,default=steam"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME,default=steam"`
	DBSSLMode  string `env:"DB_SSLMODE,default=disable"`

	// Redis
	RedisHost     string `env:"REDIS_HOST,default=localhost"`
	RedisPort     int    `env:"REDIS_PORT,default=6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisEnabled  bool   `env:"REDIS_ENABLED,default=true"`

	// JWT
	JWTSecret      string `env:"JWT_SECRET"`
	JWTExpireHours int    `env:"JWT_EXPIRE_HOURS,default=168"`

	// API
	APIPort   int    `env:"API_PORT,default=8080"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
	RateLimit int    `env:"API_RATE_LIMIT,default=100"` // requests per minute per caller

	// Keys
	KeyEncryptionSecret string `env:"KEY_ENCRYPTION_SECRET"`
	MaxKeysPerProduct   int    `env:"MAX_KEYS_PER_PRODUCT,default=5"`

	// Ledger
	MaxDailyReloadRaw  string        `env:"MAX_DAILY_RELOAD,default=500.00"`
	UnlockThresholdRaw string        `env:"LIMITED_UNLOCK_THRESHOLD,default=5.00"`
	OperationCooldown  time.Duration `env:"OPERATION_COOLDOWN,default=5s"`
	StalePendingAfter  time.Duration `env:"STALE_PENDING_AFTER,default=10m"`
	LedgerTimezone     string        `env:"LEDGER_TIMEZONE,default=America/Guayaquil"`
	FallbackLockTTL    time.Duration `env:"FALLBACK_LOCK_TTL,default=10s"`

	// Set when the secret was generated because the env var was empty.
	JWTSecretGenerated bool
	KeySecretGenerated bool

	maxDailyReload  decimal.Decimal
	unlockThreshold decimal.Decimal
	location        *time.Location
}

var (
	defaultMaxDailyReload  = decimal.RequireFromString("500.00")
	defaultUnlockThreshold = decimal.RequireFromString("5.00")
)

// generateSecureSecret generates a cryptographically secure random secret
func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return hex.EncodeToString([]byte(os.Getenv("HOSTNAME") + string(rune(length))))
	}
	return hex.EncodeToString(bytes)
}

// Load reads envFile (when present) and then the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env (%s): %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.JWTSecret == "" {
		c.JWTSecret = generateSecureSecret(32)
		c.JWTSecretGenerated = true
		log.Warn("JWT_SECRET not set - generated random secret. Sessions will not persist across restarts.")
	}

	if c.DBPassword == "" {
		log.Warn("DB_PASSWORD not set - this is insecure for production!")
		c.DBPassword = "changeme"
	}

	if c.RedisPassword == "" && c.RedisEnabled {
		log.Warn("REDIS_PASSWORD not set - Redis is not secured!")
	}

	if c.KeyEncryptionSecret == "" {
		c.KeyEncryptionSecret = generateSecureSecret(32)
		c.KeySecretGenerated = true
		log.Warn("KEY_ENCRYPTION_SECRET not set - generated random secret. It is persisted in system_preferences; set it explicitly for production!")
	}

	if c.MaxKeysPerProduct <= 0 {
		c.MaxKeysPerProduct = 5
	}

	c.maxDailyReload = parseAmount("MAX_DAILY_RELOAD", c.MaxDailyReloadRaw, defaultMaxDailyReload)
	c.unlockThreshold = parseAmount("LIMITED_UNLOCK_THRESHOLD", c.UnlockThresholdRaw, defaultUnlockThreshold)

	loc, err := time.LoadLocation(c.LedgerTimezone)
	if err != nil {
		log.WithError(err).Warnf("LEDGER_TIMEZONE %q invalid - using UTC", c.LedgerTimezone)
		loc = time.UTC
	}
	c.location = loc
}

func parseAmount(key, raw string, fallback decimal.Decimal) decimal.Decimal {
	if raw == "" {
		return fallback
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsPositive() {
		log.Warnf("%s=%q is not a positive amount - using %s", key, raw, fallback.StringFixed(2))
		return fallback
	}
	return d
}

// MaxDailyReload is the per-account reload cap since local midnight.
func (c *Config) MaxDailyReload() decimal.Decimal { return c.maxDailyReload }

// UnlockThreshold is the reload amount that lifts the limited-account flag.
func (c *Config) UnlockThreshold() decimal.Decimal { return c.unlockThreshold }

// Location is the timezone used for daily totals.
func (c *Config) Location() *time.Location { return c.location }

// DSN builds the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// RedisAddr returns host:port for the Redis client.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
