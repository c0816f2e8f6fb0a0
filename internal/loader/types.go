// Package loader - Configuration Types
//
// Defines the YAML configuration structure for vigild and vigilctl.
//
//	listen, metrics, log   process settings
//	role                   server, proxy or agent (PSK resolution)
//	tls                    connection types, credential files, cipher overrides
//	server                 handshake rate limiting and statistics
//	metastore              DuckDB database
//	psk_cache              dynamic PSK source (metastore or redis)
//	valuecache             history ring size and Parquet snapshots
//	evaluation             regular expression limits, time zone
//	inventory              hosts, items, value maps, regexps, macros
package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/vigil/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure.
type Config struct {
	// Listen is the secure listener address.
	// Format: "host:port" or ":port"
	// Default: "0.0.0.0:10051"
	Listen string `yaml:"listen"`

	// Role decides whether dynamic PSK identities are resolved.
	// One of "server", "proxy", "agent". Default: "server"
	Role string `yaml:"role"`

	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`

	// TLS configures connection types and credentials.
	TLS TLSConfig `yaml:"tls"`

	Server     ServerConfig     `yaml:"server"`
	Metastore  MetastoreConfig  `yaml:"metastore"`
	PSKCache   PSKCacheConfig   `yaml:"psk_cache"`
	ValueCache ValueCacheConfig `yaml:"valuecache"`
	Evaluation EvaluationConfig `yaml:"evaluation"`

	// Inventory is applied to the metastore at startup.
	Inventory InventoryConfig `yaml:"inventory"`

	// Include lists additional inventory files to load.
	// Supports glob patterns. Relative to this file's directory.
	Include []string `yaml:"include"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the HTTP address of /metrics. Empty disables it.
	Listen string `yaml:"listen"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level"`

	// JSON switches the handler to JSON output.
	JSON bool `yaml:"json"`
}

// =============================================================================
// TLS Configuration
// =============================================================================

// TLSConfig configures connection types, credentials and cipher suites.
type TLSConfig struct {
	// Connect is the connection type used for outbound connections:
	// "unencrypted", "psk" or "cert". Default: "unencrypted"
	Connect string `yaml:"connect"`

	// Accept lists the connection types accepted inbound.
	// Default: ["unencrypted"]
	Accept []string `yaml:"accept"`

	// Certificate credentials. CA, certificate and key go together.
	CAFile   string `yaml:"ca_file"`
	CRLFile  string `yaml:"crl_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// PSK credentials. File and identity go together.
	PSKFile     string `yaml:"psk_file"`
	PSKIdentity string `yaml:"psk_identity"`

	// ServerCertIssuer and ServerCertSubject, when set, must match the
	// certificate of the server an outbound connection reaches.
	ServerCertIssuer  string `yaml:"server_cert_issuer"`
	ServerCertSubject string `yaml:"server_cert_subject"`

	// Cipher overrides, colon separated suite names.
	CipherCert   string `yaml:"cipher_cert"`
	CipherCert13 string `yaml:"cipher_cert13"`
	CipherPSK    string `yaml:"cipher_psk"`
	CipherPSK13  string `yaml:"cipher_psk13"`
	CipherAll    string `yaml:"cipher_all"`
	CipherAll13  string `yaml:"cipher_all13"`

	// TimeoutSec bounds each handshake, read and write.
	// Range: 1-30, Default: 3
	TimeoutSec int `yaml:"timeout_sec"`
}

// HasCertificate reports whether any certificate file is configured.
func (t *TLSConfig) HasCertificate() bool {
	return t.CAFile != "" || t.CertFile != "" || t.KeyFile != ""
}

// HasPSK reports whether any PSK setting is configured.
func (t *TLSConfig) HasPSK() bool {
	return t.PSKFile != "" || t.PSKIdentity != ""
}

// Files returns the configured credential file paths.
func (t *TLSConfig) Files() []string {
	var files []string
	for _, f := range []string{t.CAFile, t.CRLFile, t.CertFile, t.KeyFile, t.PSKFile} {
		if f != "" {
			files = append(files, f)
		}
	}
	return files
}

// =============================================================================
// Server Configuration
// =============================================================================

// ServerConfig configures the secure listener.
type ServerConfig struct {
	// HandshakeFailuresPerMinute is how many failed handshakes one IP may
	// cause before it is refused. Default: 20
	HandshakeFailuresPerMinute int `yaml:"handshake_failures_per_minute"`

	// StatsInterval is how often handshake latency quantiles are logged.
	// Default: 60s
	StatsInterval Duration `yaml:"stats_interval"`

	// MaxRequestSize limits one request line. Default: 64KB
	MaxRequestSize ByteSize `yaml:"max_request_size"`

	// ShutdownTimeout bounds how long open sessions may drain.
	// Default: 10s
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// =============================================================================
// Metastore Configuration
// =============================================================================

// MetastoreConfig configures the DuckDB metastore.
type MetastoreConfig struct {
	// Path is the database file path.
	// Special value ":memory:" for in-memory (testing only).
	// Default: "vigil.db"
	Path string `yaml:"path"`

	// MaxOpenConns is the max open database connections.
	// Default: 25
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns is the max idle connections in the pool.
	// Default: 5
	MaxIdleConns int `yaml:"max_idle_conns"`

	// ConnMaxLifetime is the max lifetime of a connection.
	// Default: 5m
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`

	// QueryTimeout is the default query timeout.
	// Default: 30s
	QueryTimeout Duration `yaml:"query_timeout"`
}

// =============================================================================
// PSK Cache Configuration
// =============================================================================

// PSKCacheConfig configures where dynamic PSK identities come from.
type PSKCacheConfig struct {
	// Source is "metastore", "redis" or "none". Default: "metastore"
	Source string `yaml:"source"`

	// Size is the number of identities kept in memory. Default: 4096
	Size int `yaml:"size"`

	// TTL bounds how long a resolved PSK is reused. Default: 60s
	TTL Duration `yaml:"ttl"`

	// LookupTimeout bounds one lookup against the source. Default: 1s
	LookupTimeout Duration `yaml:"lookup_timeout"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis PSK source.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`

	// Hash is the Redis hash of identity -> hex PSK. Default: "vigil:psk"
	Hash string `yaml:"hash"`
}

// =============================================================================
// Value Cache Configuration
// =============================================================================

// ValueCacheConfig configures item history held in memory.
type ValueCacheConfig struct {
	// ValuesPerItem is the ring capacity of one item. Default: 4096
	ValuesPerItem int `yaml:"values_per_item"`

	// SnapshotPath is the Parquet snapshot file. Empty disables snapshots.
	SnapshotPath string `yaml:"snapshot_path"`

	// SnapshotInterval is how often the snapshot is rewritten.
	// Zero writes it only at shutdown. Default: 5m
	SnapshotInterval Duration `yaml:"snapshot_interval"`
}

// =============================================================================
// Evaluation Configuration
// =============================================================================

// EvaluationConfig configures the function evaluation engine.
type EvaluationConfig struct {
	// RegexTimeout bounds one regular expression match. Default: 500ms
	RegexTimeout Duration `yaml:"regex_timeout"`

	// RegexCacheSize is the number of compiled patterns kept. Default: 1024
	RegexCacheSize int `yaml:"regex_cache_size"`

	// Timezone is used by date, time and dayofweek. Default: local
	Timezone string `yaml:"timezone"`
}

// Location returns the configured time zone.
func (e *EvaluationConfig) Location() (*time.Location, error) {
	if e.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(e.Timezone)
}

// =============================================================================
// Inventory
// =============================================================================

// InventoryConfig is the declarative metastore content.
type InventoryConfig struct {
	// Macros are global user macros, keyed by "{$NAME}" or "{$NAME:ctx}".
	Macros map[string]string `yaml:"macros"`

	Hosts     map[string]*HostConfig     `yaml:"hosts"`
	ValueMaps map[string]*ValueMapConfig `yaml:"value_maps"`
	Regexps   map[string]*RegexpConfig   `yaml:"regexps"`

	// PSKs maps identities to hex keys for the metastore PSK source.
	PSKs map[string]string `yaml:"psks"`
}

// HostConfig defines a monitored host.
type HostConfig struct {
	ID       uint64 `yaml:"id"`
	Disabled bool   `yaml:"disabled"`

	// TLSAccept lists the connection types accepted from the host.
	// Default: ["unencrypted"]
	TLSAccept      []string `yaml:"tls_accept"`
	TLSIssuer      string   `yaml:"tls_issuer"`
	TLSSubject     string   `yaml:"tls_subject"`
	TLSPSKIdentity string   `yaml:"tls_psk_identity"`

	// TLSPSK is the hex key of TLSPSKIdentity, stored with the identity.
	TLSPSK string `yaml:"tls_psk"`

	Macros map[string]string      `yaml:"macros"`
	Items  map[string]*ItemConfig `yaml:"items"`
}

// ItemConfig defines an item of a host, keyed by item key.
type ItemConfig struct {
	ID uint64 `yaml:"id"`

	// ValueType is one of float, str, log, uint64, text. Default: float
	ValueType string `yaml:"value_type"`

	Units    string `yaml:"units"`
	ValueMap string `yaml:"value_map"`
	Disabled bool   `yaml:"disabled"`
}

// ValueMapConfig defines a value map.
type ValueMapConfig struct {
	ID       uint64            `yaml:"id"`
	Mappings map[string]string `yaml:"mappings"`
}

// RegexpConfig defines a named global regular expression set.
type RegexpConfig struct {
	ID          uint64              `yaml:"id"`
	Expressions []*ExpressionConfig `yaml:"expressions"`
}

// ExpressionConfig is one expression of a global regexp set.
type ExpressionConfig struct {
	Expression string `yaml:"expression"`

	// Type is one of included, any_included, not_included, true, false.
	Type string `yaml:"type"`

	// Delimiter separates alternatives of any_included. Default: ","
	Delimiter     string `yaml:"delimiter"`
	CaseSensitive bool   `yaml:"case_sensitive"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: config.DefaultListenAddress,
		Role:   "server",

		Metrics: MetricsConfig{
			Listen: config.DefaultMetricsAddress,
		},

		Log: LogConfig{
			Level: "info",
		},

		TLS: TLSConfig{
			Connect:    "unencrypted",
			Accept:     []string{"unencrypted"},
			TimeoutSec: config.DefaultTLSTimeoutSec,
		},

		Server: ServerConfig{
			HandshakeFailuresPerMinute: config.DefaultMaxHandshakeFailuresPerMinute,
			StatsInterval:              Duration(config.DefaultStatsIntervalSec * time.Second),
			MaxRequestSize:             config.DefaultMaxRequestSize,
			ShutdownTimeout:            Duration(10 * time.Second),
		},

		Metastore: MetastoreConfig{
			Path:            config.DefaultMetastorePath,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(5 * time.Minute),
			QueryTimeout:    Duration(30 * time.Second),
		},

		PSKCache: PSKCacheConfig{
			Source:        "metastore",
			Size:          config.DefaultPSKCacheSize,
			TTL:           Duration(config.DefaultPSKCacheTTL),
			LookupTimeout: Duration(time.Second),
			Redis: RedisConfig{
				Hash: config.DefaultRedisPSKHash,
			},
		},

		ValueCache: ValueCacheConfig{
			ValuesPerItem:    config.DefaultValuesPerItem,
			SnapshotInterval: Duration(config.DefaultSnapshotIntervalSec * time.Second),
		},

		Evaluation: EvaluationConfig{
			RegexTimeout:   Duration(config.DefaultRegexTimeout),
			RegexCacheSize: config.DefaultRegexCacheSize,
		},
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Try as int (seconds)
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		// Plain numbers are seconds
		secs, convErr := strconv.Atoi(strings.TrimSpace(s))
		if convErr != nil {
			return err
		}
		dur = time.Duration(secs) * time.Second
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "64KB", "1MB", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	size, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// byteUnits is ordered longest suffix first so "KB" is not read as "B".
var byteUnits = []struct {
	suffix     string
	multiplier int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// parseByteSize parses a size string like "64KB" or "1MB".
func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.multiplier, nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}
