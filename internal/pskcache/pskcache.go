// Package pskcache provides the dynamic identity to PSK lookups used when
// accepting PSK connections from peers other than the locally configured
// identity.
//
// Lookups return the PSK as the hex string it is stored as; decoding and
// length validation happen in the resolver.
package pskcache

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/vigil/config"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/logging"
	"github.com/xtxerr/vigil/internal/metrics"
)

var log = logging.Component("pskcache")

// Source looks up the hex encoded PSK of an identity.
//
// Implementations must be safe for concurrent use.
type Source interface {
	LookupPSK(ctx context.Context, identity string) (psk string, found bool, err error)
}

func countLookup(source string, found bool, err error) {
	result := "hit"
	switch {
	case err != nil:
		result = "error"
	case !found:
		result = "miss"
	}
	metrics.PSKLookups.WithLabelValues(source, result).Inc()
}

// =============================================================================
// Metastore Source
// =============================================================================

// MetastoreBackend is the part of the metastore the source needs.
type MetastoreBackend interface {
	LookupPSK(ctx context.Context, identity string) (string, bool, error)
}

// Metastore reads identities from the metastore psk_identities table.
type Metastore struct {
	backend MetastoreBackend
}

// NewMetastore creates a metastore source.
func NewMetastore(backend MetastoreBackend) *Metastore {
	return &Metastore{backend: backend}
}

// LookupPSK implements Source.
func (m *Metastore) LookupPSK(ctx context.Context, identity string) (string, bool, error) {
	psk, found, err := m.backend.LookupPSK(ctx, identity)
	countLookup("metastore", found, err)
	return psk, found, err
}

// =============================================================================
// Redis Source
// =============================================================================

// Redis reads identities from one Redis hash mapping identity to hex PSK.
type Redis struct {
	client redis.UniversalClient
	hash   string
}

// RedisOptions configures a Redis source.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int

	// Hash is the Redis hash holding the identities.
	Hash string
}

// NewRedis connects a Redis source and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %v: %w", opts.Addr, err, errors.ErrConfiguration)
	}
	return NewRedisWithClient(client, opts.Hash), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient, hash string) *Redis {
	if hash == "" {
		hash = config.DefaultRedisPSKHash
	}
	return &Redis{client: client, hash: hash}
}

// LookupPSK implements Source.
func (r *Redis) LookupPSK(ctx context.Context, identity string) (string, bool, error) {
	psk, err := r.client.HGet(ctx, r.hash, identity).Result()
	if err == redis.Nil {
		countLookup("redis", false, nil)
		return "", false, nil
	}
	if err != nil {
		countLookup("redis", false, err)
		return "", false, fmt.Errorf("redis hget %s: %w", r.hash, err)
	}
	countLookup("redis", true, nil)
	return psk, true, nil
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// =============================================================================
// Cached Source
// =============================================================================

type entry struct {
	psk   string
	found bool
}

// Cached keeps recent answers of a slower source in memory, including
// misses, and collapses concurrent lookups of the same identity.
//
// Cached is safe for concurrent use.
type Cached struct {
	source Source
	cache  *expirable.LRU[string, entry]
	group  singleflight.Group
}

// NewCached wraps source with a size bounded cache whose entries expire
// after ttl.
func NewCached(source Source, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = config.DefaultPSKCacheSize
	}
	if ttl <= 0 {
		ttl = config.DefaultPSKCacheTTL
	}
	return &Cached{
		source: source,
		cache:  expirable.NewLRU[string, entry](size, nil, ttl),
	}
}

// LookupPSK implements Source. Source errors are not cached.
func (c *Cached) LookupPSK(ctx context.Context, identity string) (string, bool, error) {
	if e, ok := c.cache.Get(identity); ok {
		countLookup("cache", e.found, nil)
		return e.psk, e.found, nil
	}

	v, err, _ := c.group.Do(identity, func() (interface{}, error) {
		psk, found, err := c.source.LookupPSK(ctx, identity)
		if err != nil {
			return nil, err
		}
		e := entry{psk: psk, found: found}
		c.cache.Add(identity, e)
		return e, nil
	})
	if err != nil {
		log.Warn("psk lookup failed", "error", err)
		return "", false, err
	}

	e := v.(entry)
	return e.psk, e.found, nil
}

// Invalidate drops every cached answer.
func (c *Cached) Invalidate() {
	c.cache.Purge()
}
