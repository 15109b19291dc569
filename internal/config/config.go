package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	TokenEndpoint   string `env:"AUTHROTATOR_TOKEN_ENDPOINT"`
	CatalogEndpoint string `env:"AUTHROTATOR_CATALOG_ENDPOINT"`
	QuotaEndpoint   string `env:"AUTHROTATOR_QUOTA_ENDPOINT"`
	ClientID        string `env:"AUTHROTATOR_CLIENT_ID"`

	// Store backend selection: postgres when DATABASE_URL is set, redis when
	// REDIS_URL is set, otherwise a flock-protected file store at StorePath.
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	StorePath   string `env:"AUTHROTATOR_STORE_PATH" envDefault:"./.authrotator"`

	// Domains the proactive refresh scheduler watches.
	Domains []string `env:"AUTHROTATOR_DOMAINS" envSeparator:","`

	LeaseWindowSeconds        int `env:"AUTHROTATOR_LEASE_WINDOW_SECONDS" envDefault:"30"`
	RefreshBufferSeconds      int `env:"AUTHROTATOR_REFRESH_BUFFER_SECONDS" envDefault:"300"`
	CooldownBackoffSeconds    int `env:"AUTHROTATOR_COOLDOWN_BACKOFF_SECONDS" envDefault:"60"`
	ProbeRetryCooldownSeconds int `env:"AUTHROTATOR_PROBE_RETRY_COOLDOWN_SECONDS" envDefault:"15"`
	DebounceMillis            int `env:"AUTHROTATOR_DEBOUNCE_MILLIS" envDefault:"2000"`
	SchedulerIntervalSeconds  int `env:"AUTHROTATOR_SCHEDULER_INTERVAL_SECONDS" envDefault:"60"`
	SchedulerBufferSeconds    int `env:"AUTHROTATOR_SCHEDULER_BUFFER_SECONDS" envDefault:"600"`
	OutboundTimeoutSeconds    int `env:"AUTHROTATOR_OUTBOUND_TIMEOUT_SECONDS" envDefault:"60"`
	OutboundRatePerSecond     int `env:"AUTHROTATOR_OUTBOUND_RATE_PER_SECOND" envDefault:"0"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) LeaseWindow() time.Duration {
	return time.Duration(c.LeaseWindowSeconds) * time.Second
}

func (c *Config) RefreshBuffer() time.Duration {
	return time.Duration(c.RefreshBufferSeconds) * time.Second
}

func (c *Config) CooldownBackoff() time.Duration {
	return time.Duration(c.CooldownBackoffSeconds) * time.Second
}

func (c *Config) ProbeRetryCooldown() time.Duration {
	return time.Duration(c.ProbeRetryCooldownSeconds) * time.Second
}

func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMillis) * time.Millisecond
}

func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSeconds) * time.Second
}

func (c *Config) SchedulerBuffer() time.Duration {
	return time.Duration(c.SchedulerBufferSeconds) * time.Second
}

func (c *Config) OutboundTimeout() time.Duration {
	return time.Duration(c.OutboundTimeoutSeconds) * time.Second
}

func (c *Config) Validate() error {
	if c.LeaseWindowSeconds <= 0 {
		return fmt.Errorf("AUTHROTATOR_LEASE_WINDOW_SECONDS must be positive")
	}
	if c.RefreshBufferSeconds < 0 {
		return fmt.Errorf("AUTHROTATOR_REFRESH_BUFFER_SECONDS must not be negative")
	}
	if c.LeaseWindow() >= c.RefreshBuffer() && c.RefreshBufferSeconds > 0 {
		// A lease that outlives the refresh buffer can never go stale before
		// the token it guards expires.
		return fmt.Errorf("lease window (%s) must be shorter than refresh buffer (%s)",
			c.LeaseWindow(), c.RefreshBuffer())
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
