// Package config provides configuration defaults and limits
// for the vigil daemon and client.
//
// Values here are used when the YAML configuration leaves a field unset.
// Limits (PSK lengths, identity length) are protocol constants and cannot
// be overridden.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default server listen address.
	// Override via config: listen
	DefaultListenAddress = "0.0.0.0:10051"

	// DefaultMetricsAddress is where Prometheus metrics are served.
	// Empty disables the endpoint.
	// Override via config: metrics.listen
	DefaultMetricsAddress = ""

	// DefaultMaxRequestSize limits a single request line.
	DefaultMaxRequestSize = 64 * 1024
)

// =============================================================================
// Secure Session Defaults
// =============================================================================

const (
	// DefaultTLSTimeoutSec bounds one handshake, read or write.
	// The deadline is re-checked on every retry iteration.
	// Override via config: tls.timeout_sec
	DefaultTLSTimeoutSec = 3

	// DefaultMaxHandshakeFailuresPerMinute is how many failed handshakes one
	// IP may cause before it is refused without a handshake attempt.
	// Override via config: server.handshake_failures_per_minute
	DefaultMaxHandshakeFailuresPerMinute = 20

	// DefaultStatsIntervalSec is how often handshake latency quantiles are logged.
	DefaultStatsIntervalSec = 60
)

// =============================================================================
// PSK Limits
// =============================================================================

const (
	// PSKIdentityMaxLen is the maximum PSK identity length in bytes.
	PSKIdentityMaxLen = 128

	// PSKMinHexLen is the minimum number of hex digits in a PSK.
	PSKMinHexLen = 16

	// PSKMaxHexLen is the maximum number of hex digits in a PSK (256 bytes).
	PSKMaxHexLen = 512
)

// =============================================================================
// Dynamic PSK Cache Defaults
// =============================================================================

const (
	// DefaultPSKCacheSize is the number of identities kept in memory.
	// Override via config: psk_cache.size
	DefaultPSKCacheSize = 4096

	// DefaultPSKCacheTTL bounds how long a resolved PSK is reused.
	// Override via config: psk_cache.ttl
	DefaultPSKCacheTTL = 60 * time.Second

	// DefaultRedisPSKHash is the Redis hash holding identity -> hex PSK.
	// Override via config: psk_cache.redis_hash
	DefaultRedisPSKHash = "vigil:psk"
)

// =============================================================================
// Value Cache Defaults
// =============================================================================

const (
	// DefaultValuesPerItem is the ring capacity of one item's history.
	// Override via config: valuecache.values_per_item
	DefaultValuesPerItem = 4096

	// DefaultSnapshotIntervalSec is how often the cache is written to its
	// Parquet snapshot. Zero disables periodic snapshots.
	// Override via config: valuecache.snapshot_interval_sec
	DefaultSnapshotIntervalSec = 300
)

// =============================================================================
// Evaluation Defaults
// =============================================================================

const (
	// DefaultRegexTimeout bounds one regular expression match.
	DefaultRegexTimeout = 500 * time.Millisecond

	// DefaultRegexCacheSize is the number of compiled patterns kept.
	DefaultRegexCacheSize = 1024

	// DefaultMaxValueLen truncates evaluated string results.
	DefaultMaxValueLen = 2048
)

// =============================================================================
// Metastore Defaults
// =============================================================================

const (
	// DefaultMetastorePath is the DuckDB database file.
	// Override via config: metastore.path
	DefaultMetastorePath = "vigil.db"
)
