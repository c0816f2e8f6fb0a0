package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/vigil/internal/ciphers"
	"github.com/xtxerr/vigil/internal/credentials"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/evalfunc"
	"github.com/xtxerr/vigil/internal/handler"
	"github.com/xtxerr/vigil/internal/loader"
	"github.com/xtxerr/vigil/internal/logging"
	"github.com/xtxerr/vigil/internal/metrics"
	"github.com/xtxerr/vigil/internal/pskcache"
	"github.com/xtxerr/vigil/internal/pskresolve"
	"github.com/xtxerr/vigil/internal/psktls"
	"github.com/xtxerr/vigil/internal/secure"
	"github.com/xtxerr/vigil/internal/server"
	"github.com/xtxerr/vigil/internal/store"
	"github.com/xtxerr/vigil/internal/valuecache"
)

var log = logging.Component("vigild")

// =============================================================================
// Security Context
// =============================================================================

// security is one generation of transport state. Reloads build a new one;
// the old credentials are wiped only at exit because handshakes started
// before the reload may still read them.
type security struct {
	ctx   *secure.SecurityContext
	creds *credentials.Store
	redis *pskcache.Redis
}

func (s *security) release() {
	s.creds.Wipe()
	if s.redis != nil {
		s.redis.Close()
	}
}

// buildSecurity loads credentials and assembles the security context with
// its PSK resolution chain.
func buildSecurity(ctx context.Context, cfg *loader.Config, st *store.Store) (*security, error) {
	creds, err := credentials.Load(cfg.Credentials())
	if err != nil {
		return nil, err
	}
	sec := &security{creds: creds}

	policy, err := ciphers.NewPolicy([]ciphers.Catalog{ciphers.StdCatalog{}, psktls.Catalog{}}, cfg.CipherOverrides())
	if err != nil {
		sec.release()
		return nil, err
	}

	role, err := cfg.PSKRole()
	if err != nil {
		sec.release()
		return nil, err
	}

	var source pskcache.Source
	switch cfg.PSKCache.Source {
	case "metastore":
		source = pskcache.NewMetastore(st)
	case "redis":
		r := cfg.PSKCache.Redis
		sec.redis, err = pskcache.NewRedis(ctx, pskcache.RedisOptions{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			PoolSize: r.PoolSize,
			Hash:     r.Hash,
		})
		if err != nil {
			sec.release()
			return nil, err
		}
		source = sec.redis
	}
	if source != nil {
		source = pskcache.NewCached(source, cfg.PSKCache.Size, cfg.PSKCache.TTL.Duration())
	}

	resolver := &pskresolve.Resolver{
		Local:   creds.PSK,
		Dynamic: source,
		Role:    role,
		Timeout: cfg.PSKCache.LookupTimeout.Duration(),
	}
	sec.ctx, err = secure.NewSecurityContext(cfg.SecureConfig(), creds, policy, resolver)
	if err != nil {
		sec.release()
		return nil, err
	}
	return sec, nil
}

// =============================================================================
// Daemon
// =============================================================================

// daemon owns the long lived components.
type daemon struct {
	cfgPath string
	cfg     *loader.Config

	store  *store.Store
	values *valuecache.Cache
	server *server.Server

	mu      sync.Mutex
	current *security
	retired []*security
}

func newDaemon(ctx context.Context, cfgPath string, cfg *loader.Config) (*daemon, error) {
	st, err := store.New(cfg.StoreConfig())
	if err != nil {
		return nil, err
	}
	d := &daemon{cfgPath: cfgPath, cfg: cfg, store: st}

	if err := d.applyInventory(ctx, cfg); err != nil {
		d.close()
		return nil, err
	}

	d.values = valuecache.New(cfg.ValueCacheConfig())
	if path := cfg.ValueCache.SnapshotPath; path != "" {
		n, err := d.values.LoadSnapshot(path)
		if err != nil {
			log.Warn("value cache snapshot not loaded", "path", path, "error", err)
		} else {
			log.Info("value cache snapshot loaded", "path", path, "records", n)
		}
	}

	matcher, err := evalfunc.NewMatcher(st, cfg.Evaluation.RegexCacheSize, cfg.Evaluation.RegexTimeout.Duration())
	if err != nil {
		d.close()
		return nil, err
	}
	loc, err := cfg.Evaluation.Location()
	if err != nil {
		d.close()
		return nil, fmt.Errorf("time zone %q: %v: %w", cfg.Evaluation.Timezone, err, errors.ErrConfiguration)
	}
	evaluator, err := evalfunc.New(evalfunc.Config{
		Cache:    d.values,
		Metadata: st,
		Items:    st,
		Macros:   st,
		Matcher:  matcher,
		Location: loc,
	})
	if err != nil {
		d.close()
		return nil, err
	}

	h, err := handler.New(handler.Config{
		Hosts:          st,
		Items:          st,
		Values:         d.values,
		Evaluator:      evaluator,
		MaxRequestSize: int(cfg.Server.MaxRequestSize.Bytes()),
	})
	if err != nil {
		d.close()
		return nil, err
	}

	d.current, err = buildSecurity(ctx, cfg, st)
	if err != nil {
		d.close()
		return nil, err
	}

	accept, err := cfg.AcceptModes()
	if err != nil {
		d.close()
		return nil, err
	}
	d.server, err = server.New(server.Config{
		Listen:            cfg.Listen,
		Accept:            accept,
		Security:          d.current.ctx,
		Handler:           h,
		FailuresPerMinute: cfg.Server.HandshakeFailuresPerMinute,
		StatsInterval:     cfg.Server.StatsInterval.Duration(),
		ShutdownTimeout:   cfg.Server.ShutdownTimeout.Duration(),
	})
	if err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

// applyInventory writes the inventory to the metastore. Entries the
// metastore rejects are logged and skipped.
func (d *daemon) applyInventory(ctx context.Context, cfg *loader.Config) error {
	result, err := loader.Apply(ctx, cfg, d.store)
	if result != nil {
		for _, e := range result.Errors {
			log.Warn("inventory entry skipped", "error", e)
		}
	}
	if err != nil && !errors.Is(err, errors.ErrValidation) {
		return err
	}
	return nil
}

// run serves until ctx is done.
func (d *daemon) run(ctx context.Context, watch bool) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.server.Run(ctx) })

	if addr := d.cfg.Metrics.Listen; addr != "" {
		g.Go(func() error { return serveMetrics(ctx, addr) })
	}
	if d.cfg.ValueCache.SnapshotPath != "" && d.cfg.ValueCache.SnapshotInterval > 0 {
		g.Go(func() error {
			d.snapshotLoop(ctx, d.cfg.ValueCache.SnapshotInterval.Duration())
			return nil
		})
	}
	if watch {
		files := append([]string{d.cfgPath}, d.cfg.TLS.Files()...)
		w, err := loader.NewWatcher(files, loader.DefaultWatchDebounce, func() { d.reload(ctx) })
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(ctx) })
	}

	return g.Wait()
}

// reload re-reads the configuration, applies the inventory and swaps in a
// new security context. Listener, role and cache sizes are not reloaded.
func (d *daemon) reload(ctx context.Context) {
	cfg, err := loader.Load(d.cfgPath)
	if err == nil {
		err = loader.Validate(cfg)
	}
	if err != nil {
		log.Error("reload rejected", "error", err)
		return
	}
	if err := d.applyInventory(ctx, cfg); err != nil {
		log.Error("reload: inventory not applied", "error", err)
		return
	}
	sec, err := buildSecurity(ctx, cfg, d.store)
	if err != nil {
		log.Error("reload: credentials not loaded, keeping the previous ones", "error", err)
		return
	}

	d.mu.Lock()
	d.retired = append(d.retired, d.current)
	d.current = sec
	d.mu.Unlock()

	d.server.SetSecurity(sec.ctx)
	log.Info("configuration reloaded")
}

func (d *daemon) snapshotLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.saveSnapshot()
		case <-ctx.Done():
			return
		}
	}
}

func (d *daemon) saveSnapshot() {
	path := d.cfg.ValueCache.SnapshotPath
	if path == "" {
		return
	}
	n, err := d.values.SaveSnapshot(path)
	if err != nil {
		log.Error("value cache snapshot failed", "path", path, "error", err)
		return
	}
	log.Debug("value cache snapshot written", "path", path, "records", n)
}

// close releases everything. Sessions are closed by then, so the key
// material can be wiped.
func (d *daemon) close() {
	if d.values != nil {
		d.saveSnapshot()
	}

	d.mu.Lock()
	for _, sec := range append(d.retired, d.current) {
		if sec != nil {
			sec.release()
		}
	}
	d.retired, d.current = nil, nil
	d.mu.Unlock()

	if d.store != nil {
		d.store.Close()
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	log.Info("metrics endpoint listening", "address", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics endpoint: %v: %w", err, errors.ErrIO)
	}
	return nil
}
