package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port               int    `env:"PORT" envDefault:"8080"`
	DatabaseURL        string `env:"DATABASE_URL,required"`
	RedisURL           string `env:"REDIS_URL,required"`
	LogLevel           string `env:"LOG_LEVEL" envDefault:"info"`
	PendingTTLSeconds  int    `env:"PENDING_TTL_SECONDS" envDefault:"45"`
	MatchTTLSeconds    int    `env:"MATCH_TTL_SECONDS" envDefault:"600"`
	GeoLookupBaseURL   string `env:"GEO_LOOKUP_BASE_URL" envDefault:""`
	RescanOnRepeat     bool   `env:"RESCAN_ON_REPEAT" envDefault:"false"`
	HitRateLimitPerMin int    `env:"HIT_RATE_LIMIT_PER_MIN" envDefault:"60"`
}

// PendingTTL is how long an unmatched hit stays in the rendezvous store.
func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLSeconds) * time.Second
}

// MatchTTL is how long a confirmed match stays retrievable.
func (c *Config) MatchTTL() time.Duration {
	return time.Duration(c.MatchTTLSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
