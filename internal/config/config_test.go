package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"APP_NAME", "APP_ENV", "PORT", "CACHE_TTL", "CACHE_TTL_SECONDS", "SHUTDOWN_TIMEOUT", "SHUTDOWN_TIMEOUT_SECONDS"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "PicoPay Payment Engine", cfg.AppName)
	require.Equal(t, "development", cfg.AppEnv)
	require.True(t, cfg.IsDev())
	require.Equal(t, ":8080", cfg.Address())
	require.Equal(t, 24*time.Hour, cfg.CacheTTL)
	require.Equal(t, 10*time.Second, cfg.ShutdownPeriod)
}

func TestLoadRequiresStoresOutsideDev(t *testing.T) {
	t.Setenv("APP_ENV", "production")

	_, err := Load()
	require.ErrorContains(t, err, "DATABASE_URL")

	t.Setenv("DATABASE_URL", "postgres://localhost/picopay")
	_, err = Load()
	require.ErrorContains(t, err, "REDIS_URL")

	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	cfg, err := Load()
	require.NoError(t, err)
	require.False(t, cfg.IsDev())
}

func TestLoadCacheTTLSeconds(t *testing.T) {
	t.Setenv("CACHE_TTL_SECONDS", "3600")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, time.Hour, cfg.CacheTTL)
}

func TestLoadCacheTTLDuration(t *testing.T) {
	t.Setenv("CACHE_TTL", "45m")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 45*time.Minute, cfg.CacheTTL)
}

func TestLoadInvalidShutdownTimeout(t *testing.T) {
	t.Setenv("SHUTDOWN_TIMEOUT_SECONDS", "soon")

	_, err := Load()
	require.Error(t, err)
}

func TestAddressKeepsExplicitColon(t *testing.T) {
	t.Setenv("PORT", ":9000")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Address())
}
