package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/xtxerr/vigil/internal/ciphers"
	"github.com/xtxerr/vigil/internal/client"
	"github.com/xtxerr/vigil/internal/credentials"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/evalfunc"
	"github.com/xtxerr/vigil/internal/handler"
	"github.com/xtxerr/vigil/internal/history"
	"github.com/xtxerr/vigil/internal/pskresolve"
	"github.com/xtxerr/vigil/internal/psktls"
	"github.com/xtxerr/vigil/internal/secure"
	"github.com/xtxerr/vigil/internal/store"
	"github.com/xtxerr/vigil/internal/testutil"
	"github.com/xtxerr/vigil/internal/valuecache"
)

// =============================================================================
// Rate Limiter
// =============================================================================

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := NewRateLimiter(3, time.Minute)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		rl.RecordFailure("10.0.0.1")
	}
	if rl.IsBlocked("10.0.0.1") {
		t.Error("blocked below the limit")
	}
	rl.RecordFailure("10.0.0.1")
	if !rl.IsBlocked("10.0.0.1") {
		t.Error("not blocked at the limit")
	}
	if rl.IsBlocked("10.0.0.2") {
		t.Error("unrelated IP blocked")
	}

	now = now.Add(61 * time.Second)
	if rl.IsBlocked("10.0.0.1") || rl.GetFailureCount("10.0.0.1") != 0 {
		t.Error("entry survived its window")
	}
	rl.cleanup()
	if len(rl.failures) != 0 {
		t.Errorf("cleanup left %d entries", len(rl.failures))
	}

	rl.RecordFailure("10.0.0.3")
	rl.Reset("10.0.0.3")
	if rl.GetFailureCount("10.0.0.3") != 0 {
		t.Error("Reset kept the failure count")
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		rl.RecordFailure("10.0.0.1")
	}
	if rl.IsBlocked("10.0.0.1") {
		t.Error("limit 0 must not block")
	}
}

func TestHandshakeStats(t *testing.T) {
	h, err := NewHandshakeStats()
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 100; i++ {
		h.Observe(time.Duration(i) * time.Millisecond)
	}
	h.Failure()

	snap := h.Rotate()
	if snap.Count != 100 || snap.Failures != 1 || snap.Max != 100*time.Millisecond {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	// 1% relative accuracy plus rank rounding.
	if snap.P50 < 48*time.Millisecond || snap.P50 > 52*time.Millisecond {
		t.Errorf("P50 = %v", snap.P50)
	}
	if snap.P99 < 97*time.Millisecond || snap.P99 > 101*time.Millisecond {
		t.Errorf("P99 = %v", snap.P99)
	}

	if empty := h.Snapshot(); empty.Count != 0 || empty.P50 != 0 {
		t.Errorf("Rotate did not reset: %+v", empty)
	}
}

// =============================================================================
// End to End
// =============================================================================

var (
	testIdentity = "psk001"
	testKey      = bytes.Repeat([]byte{0x1a}, 16)
)

type hosts map[string]*store.Host

func (h hosts) HostByName(_ context.Context, name string) (*store.Host, error) {
	if host, ok := h[name]; ok {
		return host, nil
	}
	return nil, fmt.Errorf("host %q: %w", name, errors.ErrNotFound)
}

type items map[string]*evalfunc.Item

func (m items) ItemByKey(host, key string) (*evalfunc.Item, error) {
	if it, ok := m[host+":"+key]; ok {
		return it, nil
	}
	return nil, errors.Newf(errors.ErrItemNotFound, "item %s:%s does not exist", host, key)
}

type lastValue struct {
	items items
	cache *valuecache.Cache
}

func (l lastValue) EvaluateMacroFunction(host, key, name, params string) (string, error) {
	it, err := l.items.ItemByKey(host, key)
	if err != nil {
		return "", err
	}
	rec, err := l.cache.GetValue(it.ID, it.ValueType, history.Timespec{Sec: 1 << 40})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%g", rec.Value.Float), nil
}

func testPolicy(t *testing.T) *ciphers.Policy {
	t.Helper()
	p, err := ciphers.NewPolicy([]ciphers.Catalog{ciphers.StdCatalog{}, psktls.Catalog{}}, ciphers.Overrides{})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	return p
}

func securityContext(t *testing.T, creds *credentials.Store, resolver secure.PSKResolver) *secure.SecurityContext {
	t.Helper()
	sc, err := secure.NewSecurityContext(secure.Config{Timeout: 2 * time.Second, CloseTimeout: 200 * time.Millisecond},
		creds, testPolicy(t), resolver)
	if err != nil {
		t.Fatalf("NewSecurityContext: %v", err)
	}
	return sc
}

type running struct {
	srv    *Server
	addr   string
	cache  *valuecache.Cache
	cancel context.CancelFunc
	done   chan error
}

func startServer(t *testing.T, accept secure.Mode, failuresPerMinute int) *running {
	t.Helper()

	cache := valuecache.New(valuecache.DefaultConfig())
	known := items{
		"web01:system.cpu.load": {ID: 10, HostID: 1, Host: "web01", Key: "system.cpu.load", ValueType: history.ValueTypeFloat},
		"sec01:system.cpu.load": {ID: 20, HostID: 2, Host: "sec01", Key: "system.cpu.load", ValueType: history.ValueTypeFloat},
	}
	h, err := handler.New(handler.Config{
		Hosts: hosts{
			"web01": {ID: 1, Name: "web01", TLSAccept: int(secure.ModeUnencrypted | secure.ModePSK)},
			"sec01": {ID: 2, Name: "sec01", TLSAccept: int(secure.ModePSK), TLSPSKIdentity: testIdentity},
		},
		Items:     known,
		Values:    cache,
		Evaluator: lastValue{items: known, cache: cache},
	})
	if err != nil {
		t.Fatalf("handler.New: %v", err)
	}

	local := &credentials.PSKBundle{Identity: testIdentity, Key: testKey}
	srv, err := New(Config{
		Accept:            accept,
		Security:          securityContext(t, nil, &pskresolve.Resolver{Local: local, Role: pskresolve.RoleServer}),
		Handler:           h,
		FailuresPerMinute: failuresPerMinute,
		ShutdownTimeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{srv: srv, addr: ln.Addr().String(), cache: cache, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		<-r.done
	})
	return r
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		r.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func dial(t *testing.T, addr string, creds *credentials.Store, params secure.ConnectParams) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), client.Config{
		Addr:     addr,
		Security: securityContext(t, creds, nil),
		Params:   params,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServer_Unencrypted(t *testing.T) {
	r := startServer(t, secure.ModeUnencrypted|secure.ModePSK, 0)
	c := dial(t, r.addr, nil, secure.ConnectParams{Mode: secure.ModeUnencrypted})
	ctx := context.Background()

	if err := c.Put(ctx, "web01", "system.cpu.load", history.Timespec{Sec: 1700000000}, "0.5"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := c.Eval(ctx, "web01", "system.cpu.load", "last", "")
	if err != nil || got != "0.5" {
		t.Errorf("Eval = %q, %v", got, err)
	}

	_, err = c.Eval(ctx, "web01", "nokey", "last", "")
	if !errors.Is(err, client.ErrRemote) {
		t.Errorf("unknown item err = %v, want ErrRemote", err)
	}
	if !c.IsConnected() {
		t.Error("ERROR reply dropped the session")
	}

	// sec01 only accepts PSK sessions; the server ends this one.
	if err := c.Put(ctx, "sec01", "system.cpu.load", history.Timespec{Sec: 1}, "1"); !errors.Is(err, client.ErrRemote) {
		t.Errorf("unauthorized put err = %v, want ErrRemote", err)
	}
	if _, err := c.Eval(ctx, "web01", "system.cpu.load", "last", ""); err == nil {
		t.Error("session survived an authorization failure")
	}
}

func TestServer_PSK(t *testing.T) {
	r := startServer(t, secure.ModePSK, 0)
	c := dial(t, r.addr,
		&credentials.Store{PSK: &credentials.PSKBundle{Identity: testIdentity, Key: testKey}},
		secure.ConnectParams{Mode: secure.ModePSK})

	if err := c.Put(context.Background(), "sec01", "system.cpu.load", history.Timespec{Sec: 1700000000, NS: 5}, "2.25"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec, err := r.cache.GetValue(20, history.ValueTypeFloat, history.Timespec{Sec: 1700000000, NS: 5})
	if err != nil || rec.Value.Float != 2.25 {
		t.Errorf("cached = %+v, %v", rec, err)
	}
	if r.srv.Stats().Snapshot().Count != 1 {
		t.Errorf("handshake stats = %+v", r.srv.Stats().Snapshot())
	}
}

func TestServer_BlocksAfterFailedHandshakes(t *testing.T) {
	r := startServer(t, secure.ModePSK, 1)
	ctx := context.Background()

	c := dial(t, r.addr, nil, secure.ConnectParams{Mode: secure.ModeUnencrypted})
	if _, err := c.Eval(ctx, "web01", "system.cpu.load", "last", ""); err == nil {
		t.Fatal("unencrypted request served by a PSK-only server")
	}
	if err := testutil.Eventually(2*time.Second, 10*time.Millisecond, func() bool {
		return r.srv.limiter.GetFailureCount("127.0.0.1") == 1
	}); err != nil {
		t.Fatalf("failure not recorded: %v", err)
	}

	// Blocked peers are disconnected before the handshake.
	blocked := dial(t, r.addr, nil, secure.ConnectParams{Mode: secure.ModeUnencrypted})
	if _, err := blocked.Eval(ctx, "web01", "system.cpu.load", "last", ""); err == nil {
		t.Error("blocked peer was served")
	}
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	r := startServer(t, secure.ModeUnencrypted, 0)
	c := dial(t, r.addr, nil, secure.ConnectParams{Mode: secure.ModeUnencrypted})
	if err := c.Put(context.Background(), "web01", "system.cpu.load", history.Timespec{Sec: 1}, "1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if r.srv.Sessions() != 1 {
		t.Errorf("Sessions = %d, want 1", r.srv.Sessions())
	}

	if err := r.stop(t); err != nil {
		t.Errorf("Serve = %v", err)
	}
	if r.srv.Sessions() != 0 {
		t.Errorf("Sessions after shutdown = %d", r.srv.Sessions())
	}
	if _, err := c.Eval(context.Background(), "web01", "system.cpu.load", "last", ""); err == nil {
		t.Error("request served after shutdown")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, errors.ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}
