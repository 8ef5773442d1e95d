package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("PendingTTL converts seconds to duration", func(t *testing.T) {
		cfg := &Config{PendingTTLSeconds: 45}
		assert.Equal(t, 45*time.Second, cfg.PendingTTL())
	})

	t.Run("MatchTTL converts seconds to duration", func(t *testing.T) {
		cfg := &Config{MatchTTLSeconds: 600}
		assert.Equal(t, 600*time.Second, cfg.MatchTTL())
	})
}

func TestLoad(t *testing.T) {
	originalEnv := map[string]string{
		"PORT":                os.Getenv("PORT"),
		"DATABASE_URL":        os.Getenv("DATABASE_URL"),
		"REDIS_URL":           os.Getenv("REDIS_URL"),
		"PENDING_TTL_SECONDS": os.Getenv("PENDING_TTL_SECONDS"),
		"MATCH_TTL_SECONDS":   os.Getenv("MATCH_TTL_SECONDS"),
		"RESCAN_ON_REPEAT":    os.Getenv("RESCAN_ON_REPEAT"),
		"LOG_LEVEL":           os.Getenv("LOG_LEVEL"),
	}

	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	t.Run("loads config with defaults", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Unsetenv("PORT")
		os.Unsetenv("PENDING_TTL_SECONDS")
		os.Unsetenv("MATCH_TTL_SECONDS")
		os.Unsetenv("RESCAN_ON_REPEAT")
		os.Unsetenv("LOG_LEVEL")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, 45, cfg.PendingTTLSeconds)
		assert.Equal(t, 600, cfg.MatchTTLSeconds)
		assert.False(t, cfg.RescanOnRepeat)
		assert.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("respects overrides", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Setenv("PORT", "9090")
		os.Setenv("PENDING_TTL_SECONDS", "30")
		os.Setenv("RESCAN_ON_REPEAT", "true")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 9090, cfg.Port)
		assert.Equal(t, 30*time.Second, cfg.PendingTTL())
		assert.True(t, cfg.RescanOnRepeat)
	})

	t.Run("fails without required values", func(t *testing.T) {
		os.Unsetenv("DATABASE_URL")
		os.Setenv("REDIS_URL", "redis://localhost:6379")

		_, err := Load()
		assert.Error(t, err)
	})
}
