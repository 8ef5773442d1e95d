package config

import "time"

// Matching windows
const (
	// PendingMatchWindow bounds how far apart two hits may be and still be
	// considered the same physical bump for a tentative pairing.
	PendingMatchWindow = 1500 * time.Millisecond

	// MaxClockSkew is the largest tolerated difference between a client
	// timestamp and the server clock before a hit is rejected outright.
	MaxClockSkew = 10 * time.Second

	// MaxRoundTripAdjust caps how much a client-supplied round-trip estimate
	// may shift the effective hit timestamp.
	MaxRoundTripAdjust = 300 * time.Millisecond
)

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Pending-match promotion runs on a short cycle so an isolated tentative
// pairing is confirmed soon after its window elapses.
const PromotionJobInterval = 500 * time.Millisecond

// Geo lookup request timeout
const GeoLookupTimeout = 2 * time.Second
