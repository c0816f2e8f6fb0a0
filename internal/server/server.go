// Package server accepts connections, secures them and hands the sessions
// to the request handler.
//
// Peers that keep failing the handshake or the authorization against a
// host are blocked per IP address for a while.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/vigil/config"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/handler"
	"github.com/xtxerr/vigil/internal/logging"
	"github.com/xtxerr/vigil/internal/metrics"
	"github.com/xtxerr/vigil/internal/secure"
)

var log = logging.Component("server")

// =============================================================================
// Rate Limiter for Failed Handshakes
// =============================================================================

// RateLimiter counts FAILED handshakes and authorizations per IP address
// within a time window. Successful handshakes reset the counter.
//
// Flow:
//  1. Peer connects
//  2. Check IsBlocked() - if true, reject immediately
//  3. Attempt handshake
//  4. If it FAILS: call RecordFailure()
//  5. If it SUCCEEDS: call Reset() to clear the failure count
//
// A limit of zero or less disables blocking.
type RateLimiter struct {
	mu       sync.RWMutex
	failures map[string]*rateLimitEntry
	limit    int           // max failures before blocking
	window   time.Duration // time window for counting failures
	now      func() time.Time
}

type rateLimitEntry struct {
	count     int       // number of failed attempts
	resetTime time.Time // when this entry expires
}

// NewRateLimiter creates a new rate limiter. Expired entries are dropped
// by Run.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		failures: make(map[string]*rateLimitEntry),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// IsBlocked returns true if the IP has exceeded the failure limit.
func (rl *RateLimiter) IsBlocked(ip string) bool {
	if rl.limit <= 0 {
		return false
	}

	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, ok := rl.failures[ip]
	if !ok || rl.now().After(entry.resetTime) {
		return false
	}
	return entry.count >= rl.limit
}

// RecordFailure records a failed handshake or authorization.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	entry, ok := rl.failures[ip]
	if !ok || now.After(entry.resetTime) {
		rl.failures[ip] = &rateLimitEntry{count: 1, resetTime: now.Add(rl.window)}
		return
	}
	entry.count++
}

// Reset clears the failure count for an IP.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, ip)
}

// GetFailureCount returns the current failure count for an IP.
func (rl *RateLimiter) GetFailureCount(ip string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, ok := rl.failures[ip]
	if !ok || rl.now().After(entry.resetTime) {
		return 0
	}
	return entry.count
}

// Run drops expired entries every window until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, entry := range rl.failures {
		if now.After(entry.resetTime) {
			delete(rl.failures, ip)
		}
	}
}

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Listen is the address to listen on (e.g., "0.0.0.0:10051").
	Listen string

	// Accept lists the connection types inbound peers may use.
	Accept secure.Mode

	// Security secures accepted connections (required). It can be
	// replaced at runtime with SetSecurity.
	Security *secure.SecurityContext

	// Handler serves requests on established sessions (required).
	Handler *handler.Handler

	// FailuresPerMinute blocks an IP after that many failed handshakes
	// within a minute. Zero disables blocking.
	FailuresPerMinute int

	// StatsInterval is how often handshake latency quantiles are logged.
	StatsInterval time.Duration

	// ShutdownTimeout bounds the wait for open sessions on shutdown.
	ShutdownTimeout time.Duration
}

// =============================================================================
// Server
// =============================================================================

// Server accepts peers and serves their sessions.
type Server struct {
	cfg      Config
	security atomic.Pointer[secure.SecurityContext]
	handler  *handler.Handler
	sessions *handler.SessionManager
	limiter  *RateLimiter
	stats    *HandshakeStats

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a new server.
func New(cfg Config) (*Server, error) {
	if cfg.Security == nil || cfg.Handler == nil {
		return nil, fmt.Errorf("security context and handler are required: %w", errors.ErrConfiguration)
	}
	if cfg.Accept == 0 {
		cfg.Accept = secure.ModeUnencrypted
	}
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultListenAddress
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Duration(config.DefaultStatsIntervalSec) * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	stats, err := NewHandshakeStats()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		handler:  cfg.Handler,
		sessions: handler.NewSessionManager(),
		limiter:  NewRateLimiter(cfg.FailuresPerMinute, time.Minute),
		stats:    stats,
	}
	s.security.Store(cfg.Security)
	return s, nil
}

// SetSecurity replaces the security context used for new connections.
// Established sessions keep the context they were accepted with.
func (s *Server) SetSecurity(sc *secure.SecurityContext) {
	if sc != nil {
		s.security.Store(sc)
	}
}

// Sessions returns the number of sessions being served.
func (s *Server) Sessions() int { return s.sessions.Count() }

// Stats returns the handshake statistics of the current interval.
func (s *Server) Stats() *HandshakeStats { return s.stats }

// Addr returns the listener address once the server is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %v: %w", s.cfg.Listen, err, errors.ErrIO)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes the
// open sessions and waits for their handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.Info("listening", "address", ln.Addr().String(), "accept", s.cfg.Accept)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.limiter.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.statsLoop(ctx)
	}()

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = fmt.Errorf("accept: %v: %w", err, errors.ErrIO)
			}
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	cancel()
	s.shutdown()
	return acceptErr
}

func (s *Server) shutdown() {
	log.Info("shutting down", "sessions", s.sessions.Count())
	if !s.sessions.CloseAll(s.cfg.ShutdownTimeout) {
		log.Warn("shutdown timeout reached with sessions open")
	}
	s.wg.Wait()
	log.Info("shutdown complete")
}

// =============================================================================
// Connection Handling
// =============================================================================

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	remoteIP := extractIP(remote)

	if s.limiter.IsBlocked(remoteIP) {
		metrics.RateLimitedConnections.Inc()
		log.Warn("blocked due to too many failed handshakes", "remote", remote)
		conn.Close()
		return
	}

	start := time.Now()
	sess, err := s.security.Load().Accept(ctx, conn, s.cfg.Accept)
	if err != nil {
		s.stats.Failure()
		if ctx.Err() != nil {
			return
		}
		s.limiter.RecordFailure(remoteIP)
		log.Warn("handshake failed", "remote", remote, "error", err,
			"failure_count", s.limiter.GetFailureCount(remoteIP))
		return
	}
	s.stats.Observe(time.Since(start))
	s.limiter.Reset(remoteIP)

	if !s.sessions.Add(sess.ID, remote, sess) {
		sess.Close()
		return
	}
	defer s.sessions.Remove(sess.ID)

	log.Info("session established", "session_id", sess.ID, "remote", remote,
		"connection", sess.ConnectionType(), "cipher", sess.CipherSuiteName())

	ctx = logging.ContextWithSessionID(ctx, sess.ID)
	err = s.handler.Serve(ctx, sess)
	switch {
	case err == nil:
		log.Debug("session ended", "session_id", sess.ID)
	case errors.Is(err, errors.ErrPeerVerification):
		s.limiter.RecordFailure(remoteIP)
		log.Warn("session rejected", "session_id", sess.ID, "remote", remote, "error", err)
	default:
		log.Info("session ended", "session_id", sess.ID, "error", err)
	}
}

func (s *Server) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := s.stats.Rotate()
			if snap.Count == 0 && snap.Failures == 0 {
				continue
			}
			log.Info("handshake statistics",
				"established", snap.Count,
				"failed", snap.Failures,
				"p50", snap.P50,
				"p90", snap.P90,
				"p99", snap.P99,
				"sessions", s.sessions.Count())
		case <-ctx.Done():
			return
		}
	}
}

// extractIP extracts the IP address from a remote address string.
func extractIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
