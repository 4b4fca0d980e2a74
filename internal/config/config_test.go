package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("KEY_ENCRYPTION_SECRET", "keys")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.DBHost)
	assert.Equal(t, 5432, cfg.DBPort)
	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, 5, cfg.MaxKeysPerProduct)
	assert.Equal(t, 100, cfg.RateLimit)
	assert.Equal(t, 5*time.Second, cfg.OperationCooldown)
	assert.Equal(t, 10*time.Minute, cfg.StalePendingAfter)
	assert.False(t, cfg.JWTSecretGenerated)
	assert.Equal(t, "500", cfg.MaxDailyReload().String())
	assert.Equal(t, "5", cfg.UnlockThreshold().String())
	assert.Equal(t, "America/Guayaquil", cfg.Location().String())
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("MAX_DAILY_RELOAD=250.50\nAPI_PORT=9090\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("MAX_DAILY_RELOAD")
		os.Unsetenv("API_PORT")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, "250.5", cfg.MaxDailyReload().String())
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}

func TestLoadFallsBackOnBadValues(t *testing.T) {
	t.Setenv("MAX_DAILY_RELOAD", "-3")
	t.Setenv("LIMITED_UNLOCK_THRESHOLD", "abc")
	t.Setenv("LEDGER_TIMEZONE", "Nowhere/Land")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "500", cfg.MaxDailyReload().String())
	assert.Equal(t, "5", cfg.UnlockThreshold().String())
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadGeneratesSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("KEY_ENCRYPTION_SECRET", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Len(t, cfg.JWTSecret, 64)
	assert.Len(t, cfg.KeyEncryptionSecret, 64)
	assert.True(t, cfg.JWTSecretGenerated)
	assert.True(t, cfg.KeySecretGenerated)
}
