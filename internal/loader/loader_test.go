package loader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/evalfunc"
	"github.com/xtxerr/vigil/internal/history"
	"github.com/xtxerr/vigil/internal/pskresolve"
	"github.com/xtxerr/vigil/internal/secure"
	"github.com/xtxerr/vigil/internal/store"
	"github.com/xtxerr/vigil/internal/testutil"
)

const sampleConfig = `
listen: "127.0.0.1:10051"
role: proxy
log:
  level: debug
tls:
  connect: psk
  accept: [psk, unencrypted]
  psk_file: ${VIGIL_TEST_DIR}/agent.psk
  psk_identity: psk001
  cipher_psk: PSK-AES128-GCM-SHA256
  timeout_sec: 5
psk_cache:
  source: redis
  ttl: 2m
  redis:
    addr: 127.0.0.1:6379
valuecache:
  values_per_item: 100
  snapshot_path: /var/lib/vigil/values.parquet
server:
  max_request_size: 1KB
inventory:
  macros:
    "{$LIMIT}": "10"
  value_maps:
    service:
      id: 5
      mappings: {"0": Down, "1": Up}
  regexps:
    problems:
      id: 1
      expressions:
        - {expression: "error|fail", type: "true"}
        - {expression: "debug", type: not_included, case_sensitive: true}
  hosts:
    web01:
      id: 1
      tls_accept: [psk]
      tls_psk_identity: psk001
      tls_psk: 1a1a1a1a1a1a1a1a
      macros:
        "{$LIMIT}": "20"
      items:
        system.cpu.load: {id: 10}
        service.state: {id: 11, value_type: uint64, value_map: service}
`

func loadSample(t *testing.T) *Config {
	t.Helper()
	t.Setenv("VIGIL_TEST_DIR", "/etc/vigil")
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func TestParse(t *testing.T) {
	cfg := loadSample(t)

	if cfg.Listen != "127.0.0.1:10051" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.TLS.PSKFile != "/etc/vigil/agent.psk" {
		t.Errorf("PSKFile = %q, environment not expanded", cfg.TLS.PSKFile)
	}
	if cfg.PSKCache.TTL.Duration() != 2*time.Minute {
		t.Errorf("PSKCache.TTL = %v", cfg.PSKCache.TTL.Duration())
	}
	if cfg.Server.MaxRequestSize.Bytes() != 1024 {
		t.Errorf("MaxRequestSize = %d", cfg.Server.MaxRequestSize)
	}
	// Defaults survive for unset fields.
	if cfg.PSKCache.Redis.Hash != "vigil:psk" {
		t.Errorf("Redis.Hash = %q", cfg.PSKCache.Redis.Hash)
	}
	if cfg.Metastore.Path != "vigil.db" {
		t.Errorf("Metastore.Path = %q", cfg.Metastore.Path)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("listen: [unterminated"))
	if !errors.Is(err, errors.ErrParse) {
		t.Errorf("err = %v, want ErrParse", err)
	}
}

func TestLoad_Includes(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "hosts-db.yaml", []byte(`
inventory:
  hosts:
    db01:
      id: 2
      items:
        db.size: {id: 20, value_type: uint64}
`))
	main := testutil.WriteFile(t, dir, "vigil.yaml", []byte(`
include: ["hosts-*.yaml"]
inventory:
  hosts:
    web01: {id: 1}
`))

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Inventory.Hosts) != 2 {
		t.Fatalf("hosts = %d, want 2", len(cfg.Inventory.Hosts))
	}
	if cfg.Inventory.Hosts["db01"].Items["db.size"].ID != 20 {
		t.Error("included item not merged")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, errors.ErrIO) {
		t.Errorf("err = %v, want ErrIO", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }, "listen"},
		{"unknown role", func(c *Config) { c.Role = "relay" }, "role"},
		{"bad connect", func(c *Config) { c.TLS.Connect = "tls" }, "tls.connect"},
		{"empty accept", func(c *Config) { c.TLS.Accept = nil }, "tls.accept"},
		{"cert without files", func(c *Config) { c.TLS.Accept = []string{"cert"} }, "tls.cert_file"},
		{"partial cert", func(c *Config) { c.TLS.CertFile = "a.crt" }, "tls.ca_file"},
		{"crl without cert", func(c *Config) { c.TLS.CRLFile = "ca.crl" }, "tls.crl_file"},
		{"psk without identity", func(c *Config) { c.TLS.PSKFile = "a.psk" }, "tls.psk_identity"},
		{"psk identity too long", func(c *Config) {
			c.TLS.PSKFile = "a.psk"
			c.TLS.PSKIdentity = strings.Repeat("x", 129)
		}, "tls.psk_identity"},
		{"connect psk without key", func(c *Config) { c.TLS.Connect = "psk" }, "tls.psk_file"},
		{"timeout range", func(c *Config) { c.TLS.TimeoutSec = 0 }, "tls.timeout_sec"},
		{"redis without addr", func(c *Config) { c.PSKCache.Source = "redis" }, "psk_cache.redis.addr"},
		{"unknown psk source", func(c *Config) { c.PSKCache.Source = "etcd" }, "psk_cache.source"},
		{"bad timezone", func(c *Config) { c.Evaluation.Timezone = "Mars/Olympus" }, "evaluation.timezone"},
		{"host without id", func(c *Config) {
			c.Inventory.Hosts = map[string]*HostConfig{"web01": {}}
		}, "inventory.hosts.web01.id"},
		{"bad host psk", func(c *Config) {
			c.Inventory.Hosts = map[string]*HostConfig{"web01": {ID: 1, TLSPSKIdentity: "p", TLSPSK: "abc"}}
		}, "inventory.hosts.web01.tls_psk"},
		{"bad host name", func(c *Config) {
			c.Inventory.Hosts = map[string]*HostConfig{"web/01": {ID: 1}}
		}, "inventory.hosts.web/01"},
		{"bad item key", func(c *Config) {
			c.Inventory.Hosts = map[string]*HostConfig{"web01": {ID: 1, Items: map[string]*ItemConfig{
				"net.if.in[eth0": {ID: 1},
			}}}
		}, "items[net.if.in[eth0]"},
		{"unknown value map", func(c *Config) {
			c.Inventory.Hosts = map[string]*HostConfig{"web01": {ID: 1, Items: map[string]*ItemConfig{
				"k": {ID: 1, ValueMap: "nope"},
			}}}
		}, "value_map"},
		{"bad value type", func(c *Config) {
			c.Inventory.Hosts = map[string]*HostConfig{"web01": {ID: 1, Items: map[string]*ItemConfig{
				"k": {ID: 1, ValueType: "double"},
			}}}
		}, "value_type"},
		{"bad expression type", func(c *Config) {
			c.Inventory.Regexps = map[string]*RegexpConfig{"r": {ID: 1, Expressions: []*ExpressionConfig{{Type: "maybe"}}}}
		}, "expressions[0].type"},
		{"bad macro", func(c *Config) { c.Inventory.Macros = map[string]string{"LIMIT": "1"} }, "inventory.macros"},
	}

	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if !errors.Is(err, errors.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name %s", err, tt.field)
			}
		})
	}
}

func TestConfig_Conversions(t *testing.T) {
	cfg := loadSample(t)

	accept, err := cfg.AcceptModes()
	if err != nil || accept != secure.ModePSK|secure.ModeUnencrypted {
		t.Errorf("AcceptModes = %v, %v", accept, err)
	}

	params, err := cfg.ConnectParams()
	if err != nil {
		t.Fatalf("ConnectParams: %v", err)
	}
	if params.Mode != secure.ModePSK || params.PSKIdentity != "psk001" {
		t.Errorf("ConnectParams = %+v", params)
	}

	role, err := cfg.PSKRole()
	if err != nil || role != pskresolve.RoleProxy {
		t.Errorf("PSKRole = %v, %v", role, err)
	}

	if got := cfg.SecureConfig().Timeout; got != 5*time.Second {
		t.Errorf("SecureConfig().Timeout = %v", got)
	}
	if got := cfg.CipherOverrides().PSK; got != "PSK-AES128-GCM-SHA256" {
		t.Errorf("CipherOverrides().PSK = %q", got)
	}
	if got := cfg.Credentials(); got.PSKIdentity != "psk001" || got.PSKFile != "/etc/vigil/agent.psk" {
		t.Errorf("Credentials = %+v", got)
	}
	if got := cfg.ValueCacheConfig().ValuesPerItem; got != 100 {
		t.Errorf("ValuesPerItem = %d", got)
	}
	if got := cfg.StoreConfig(); got.DSN != "vigil.db" || got.MaxOpenConns != 25 {
		t.Errorf("StoreConfig = %+v", got)
	}
	if files := cfg.TLS.Files(); len(files) != 1 {
		t.Errorf("Files = %v", files)
	}
}

func TestApply(t *testing.T) {
	cfg := loadSample(t)

	scfg := store.DefaultConfig()
	scfg.DSN = ":memory:"
	st, err := store.New(scfg)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	result, err := Apply(ctx, cfg, st)
	if err != nil {
		t.Fatalf("Apply: %v (%v)", err, result.Errors)
	}
	if result.HostsCreated != 1 || result.ItemsCreated != 2 || result.RegexpsApplied != 1 {
		t.Errorf("result = %+v", result)
	}

	h, err := st.HostByName(ctx, "web01")
	if err != nil {
		t.Fatalf("HostByName: %v", err)
	}
	if secure.Mode(h.TLSAccept) != secure.ModePSK || h.TLSPSKIdentity != "psk001" {
		t.Errorf("host = %+v", h)
	}

	it, err := st.ItemByKey("web01", "service.state")
	if err != nil {
		t.Fatalf("ItemByKey: %v", err)
	}
	if it.ValueType != history.ValueTypeUint64 || it.ValueMapID != 5 {
		t.Errorf("item = %+v", it)
	}

	if v, ok := st.UserMacro(h.ID, "{$LIMIT}"); !ok || v != "20" {
		t.Errorf("host macro = %q, %v", v, ok)
	}
	if key, ok, err := st.LookupPSK(ctx, "psk001"); err != nil || !ok || key != "1a1a1a1a1a1a1a1a" {
		t.Errorf("LookupPSK = %q, %v, %v", key, ok, err)
	}
	exprs, err := st.GlobalRegexp("problems")
	if err != nil || len(exprs) != 2 || exprs[0].Type != evalfunc.ExprTrue || exprs[1].Type != evalfunc.ExprNotIncluded {
		t.Errorf("GlobalRegexp = %+v, %v", exprs, err)
	}

	// A second apply updates in place.
	cfg.Inventory.Hosts["web01"].Items["system.cpu.load"].Units = "%"
	cfg.Inventory.Hosts["web01"].Items["service.state"].Disabled = true
	result, err = Apply(ctx, cfg, st)
	if err != nil {
		t.Fatalf("second Apply: %v (%v)", err, result.Errors)
	}
	if result.HostsUpdated != 1 || result.ItemsUpdated != 2 || result.HostsCreated != 0 {
		t.Errorf("second result = %+v", result)
	}
	if it, err := st.ItemByKey("web01", "system.cpu.load"); err != nil || it.Units != "%" {
		t.Errorf("updated item = %+v, %v", it, err)
	}
	if _, err := st.ItemByKey("web01", "service.state"); !errors.Is(err, errors.ErrItemNotFound) {
		t.Errorf("disabled item err = %v", err)
	}
}

func TestApply_HostIDConflict(t *testing.T) {
	scfg := store.DefaultConfig()
	scfg.DSN = ":memory:"
	st, err := store.New(scfg)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := st.CreateHost(ctx, &store.Host{ID: 7, Name: "web01"}); err != nil {
		t.Fatalf("CreateHost: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Inventory.Hosts = map[string]*HostConfig{"web01": {ID: 1}}
	result, err := Apply(ctx, cfg, st)
	if !errors.Is(err, errors.ErrValidation) || len(result.Errors) != 1 {
		t.Errorf("Apply = %+v, %v", result, err)
	}
}

func TestDurationAndByteSize(t *testing.T) {
	var v struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
		C ByteSize `yaml:"c"`
		D ByteSize `yaml:"d"`
		E ByteSize `yaml:"e"`
	}
	doc := "a: 90s\nb: 15\nc: 2MB\nd: 512\ne: 3 kb\n"
	if err := yaml.Unmarshal([]byte(doc), &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v.A.Duration() != 90*time.Second || v.B.Duration() != 15*time.Second {
		t.Errorf("durations = %v, %v", v.A.Duration(), v.B.Duration())
	}
	if v.C.Bytes() != 2<<20 || v.D.Bytes() != 512 || v.E.Bytes() != 3<<10 {
		t.Errorf("sizes = %d, %d, %d", v.C, v.D, v.E)
	}

	if err := yaml.Unmarshal([]byte("c: lots\n"), &v); err == nil {
		t.Error("expected error for invalid size")
	}
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	pskFile := testutil.WriteFile(t, dir, "agent.psk", []byte("1a1a1a1a1a1a1a1a\n"))
	testutil.WriteFile(t, dir, "unrelated.txt", []byte("x"))

	var reloads atomic.Int32
	w, err := NewWatcher([]string{pskFile}, 50*time.Millisecond, func() { reloads.Add(1) })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("y"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if n := reloads.Load(); n != 0 {
		t.Fatalf("reloads after unrelated change = %d", n)
	}

	// Several writes in a burst collapse into one reload.
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(pskFile, []byte("2b2b2b2b2b2b2b2b\n"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := testutil.Eventually(2*time.Second, 10*time.Millisecond, func() bool { return reloads.Load() >= 1 }); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if n := reloads.Load(); n != 1 {
		t.Errorf("reloads = %d, want 1", n)
	}
}

func TestNewWatcher_NoFiles(t *testing.T) {
	if _, err := NewWatcher(nil, 0, func() {}); !errors.Is(err, errors.ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}
