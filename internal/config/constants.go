package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// Database ping timeout for startup checks
const DBPingTimeout = 5 * time.Second

// HTTP client timeout for token refresh, catalog and quota calls
const UpstreamCallTimeout = 10 * time.Second

// Redis store lock
const (
	RedisLockTTL           = 10 * time.Second
	RedisLockRetryInterval = 25 * time.Millisecond
	RedisLockWait          = 5 * time.Second
)

// Session affinity housekeeping
const (
	AffinityPruneAge     = 30 * 24 * time.Hour
	AffinityFlushTimeout = 5 * time.Second
)

// Catalog cache TTL
const CatalogTTL = 10 * time.Minute
