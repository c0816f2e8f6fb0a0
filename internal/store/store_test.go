package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/evalfunc"
	"github.com/xtxerr/vigil/internal/history"
)

var testStart = time.Unix(1700000000, 0)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DSN = ":memory:"
	cfg.Now = func() time.Time { return testStart }

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	hosts := []*Host{
		{ID: 1, Name: "web01", TLSAccept: 2, TLSPSKIdentity: "psk001"},
		{ID: 2, Name: "db01", Status: StatusDisabled},
	}
	for _, h := range hosts {
		if err := s.CreateHost(ctx, h); err != nil {
			t.Fatalf("CreateHost: %v", err)
		}
	}

	items := []*Item{
		{ID: 10, HostID: 1, Key: "system.cpu.load", ValueType: history.ValueTypeFloat, Created: testStart.Unix() - 3600},
		{ID: 11, HostID: 1, Key: "net.if.in", ValueType: history.ValueTypeUint64, Units: "B", Created: testStart.Unix() + 600},
		{ID: 12, HostID: 1, Key: "service.state", ValueType: history.ValueTypeUint64, ValueMapID: 5, Status: StatusDisabled},
		{ID: 20, HostID: 2, Key: "db.size", ValueType: history.ValueTypeUint64},
	}
	for _, it := range items {
		if err := s.CreateItem(ctx, it); err != nil {
			t.Fatalf("CreateItem: %v", err)
		}
	}
}

func TestStore_CloseIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestStore_TransactionContext_CancelledContext(t *testing.T) {
	s := setupTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.TransactionContext(ctx, func(_ *sql.Tx) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if called {
		t.Error("fn must not run with a cancelled context")
	}
}

func TestStore_HostByName(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)
	ctx := context.Background()

	h, err := s.HostByName(ctx, "web01")
	if err != nil {
		t.Fatalf("HostByName: %v", err)
	}
	if h.ID != 1 || h.TLSAccept != 2 || h.TLSPSKIdentity != "psk001" {
		t.Errorf("unexpected host %+v", h)
	}

	if _, err := s.HostByName(ctx, "nope"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	hosts, err := s.ListHosts(ctx)
	if err != nil {
		t.Fatalf("ListHosts: %v", err)
	}
	if len(hosts) != 2 || hosts[0].Name != "db01" {
		t.Errorf("unexpected host list %v", hosts)
	}
}

func TestStore_ItemByKey(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)

	tests := []struct {
		name    string
		host    string
		key     string
		wantID  uint64
		wantErr bool
	}{
		{"enabled", "web01", "net.if.in", 11, false},
		{"disabled item", "web01", "service.state", 0, true},
		{"disabled host", "db01", "db.size", 0, true},
		{"unknown", "web01", "missing", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it, err := s.ItemByKey(tt.host, tt.key)
			if tt.wantErr {
				if !errors.Is(err, errors.ErrItemNotFound) {
					t.Fatalf("expected ErrItemNotFound, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ItemByKey: %v", err)
			}
			if it.ID != tt.wantID || it.Host != tt.host || it.HostID != 1 {
				t.Errorf("unexpected item %+v", it)
			}
			if it.ValueType != history.ValueTypeUint64 || it.Units != "B" {
				t.Errorf("unexpected item attributes %+v", it)
			}
		})
	}
}

func TestStore_GetDataExpectedFrom(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)

	tests := []struct {
		name    string
		itemID  uint64
		want    int64
		wantErr bool
	}{
		{"created before start", 10, testStart.Unix(), false},
		{"created after start", 11, testStart.Unix() + 600, false},
		{"disabled item", 12, 0, true},
		{"disabled host", 20, 0, true},
		{"missing", 99, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.GetDataExpectedFrom(tt.itemID)
			if tt.wantErr {
				if !errors.Is(err, errors.ErrItemNotFound) {
					t.Fatalf("expected ErrItemNotFound, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetDataExpectedFrom: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStore_SetItemStatus(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)
	ctx := context.Background()

	if err := s.SetItemStatus(ctx, 12, StatusEnabled); err != nil {
		t.Fatalf("SetItemStatus: %v", err)
	}
	if _, err := s.ItemByKey("web01", "service.state"); err != nil {
		t.Errorf("item should be enabled: %v", err)
	}
	if err := s.SetItemStatus(ctx, 99, StatusEnabled); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ValueMap(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.CreateValueMap(ctx, 5, "Service state", map[string]string{"0": "Down", "1": "Up"}); err != nil {
		t.Fatalf("CreateValueMap: %v", err)
	}

	m, err := s.ValueMap(5)
	if err != nil {
		t.Fatalf("ValueMap: %v", err)
	}
	if len(m) != 2 || m["1"] != "Up" || m["0"] != "Down" {
		t.Errorf("unexpected mappings %v", m)
	}

	m, err = s.ValueMap(6)
	if err != nil || len(m) != 0 {
		t.Errorf("unknown map: got %v, %v", m, err)
	}
}

func TestStore_UserMacro(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)
	ctx := context.Background()

	macros := []struct {
		hostID uint64
		token  string
		value  string
	}{
		{0, "{$PERIOD}", "10m"},
		{1, "{$PERIOD}", "5m"},
		{0, "{$LIMIT}", "80"},
		{0, `{$LIMIT:"eth0"}`, "100"},
		{1, "{$LIMIT:eth1}", "200"},
	}
	for _, m := range macros {
		var err error
		if m.hostID == 0 {
			err = s.SetGlobalMacro(ctx, m.token, m.value)
		} else {
			err = s.SetHostMacro(ctx, m.hostID, m.token, m.value)
		}
		if err != nil {
			t.Fatalf("set %s: %v", m.token, err)
		}
	}

	// Overwrite keeps a single row.
	if err := s.SetGlobalMacro(ctx, "{$LIMIT}", "90"); err != nil {
		t.Fatalf("SetGlobalMacro: %v", err)
	}

	tests := []struct {
		hostID uint64
		token  string
		want   string
		ok     bool
	}{
		{1, "{$PERIOD}", "5m", true},
		{2, "{$PERIOD}", "10m", true},
		{1, `{$LIMIT:"eth0"}`, "100", true},
		{1, "{$LIMIT:eth1}", "200", true},
		{2, "{$LIMIT:eth1}", "90", true},
		{1, "{$LIMIT:eth2}", "90", true},
		{1, "{$MISSING}", "", false},
		{1, "not a macro", "", false},
	}
	for _, tt := range tests {
		got, ok := s.UserMacro(tt.hostID, tt.token)
		if got != tt.want || ok != tt.ok {
			t.Errorf("UserMacro(%d, %s) = %q, %v; want %q, %v", tt.hostID, tt.token, got, ok, tt.want, tt.ok)
		}
	}

	if err := s.SetGlobalMacro(ctx, "{$bad}", "x"); !errors.Is(err, errors.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestStore_GlobalRegexp(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	exprs := []evalfunc.GlobalExpression{
		{Expression: "error", Type: evalfunc.ExprIncluded, CaseSensitive: false},
		{Expression: "fail;crit", Type: evalfunc.ExprAnyIncluded, Delimiter: ';', CaseSensitive: true},
		{Expression: "^WARN", Type: evalfunc.ExprTrue, CaseSensitive: true},
	}
	if err := s.CreateRegexp(ctx, 1, "problems", exprs); err != nil {
		t.Fatalf("CreateRegexp: %v", err)
	}

	got, err := s.GlobalRegexp("problems")
	if err != nil {
		t.Fatalf("GlobalRegexp: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d expressions, want 3", len(got))
	}
	if got[0].Delimiter != ',' || got[0].CaseSensitive {
		t.Errorf("unexpected first expression %+v", got[0])
	}
	if got[1] != exprs[1] || got[2] != exprs[2] {
		t.Errorf("unexpected expressions %+v", got)
	}

	none, err := s.GlobalRegexp("unknown")
	if err != nil || len(none) != 0 {
		t.Errorf("unknown set: got %v, %v", none, err)
	}

	// The store is a usable regexp source for the matcher.
	m, err := evalfunc.NewMatcher(s, 0, 0)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	c, err := m.Resolve("@problems", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for in, want := range map[string]bool{"disk ERROR": true, "crit": true, "WARN x": true, "ok": false} {
		if ok, err := c.Match(in); err != nil || ok != want {
			t.Errorf("Match(%q) = %v, %v; want %v", in, ok, err, want)
		}
	}
}

func TestStore_PSK(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.SetPSK(ctx, "psk001", "1a1a1a1a1a1a1a1a"); err != nil {
		t.Fatalf("SetPSK: %v", err)
	}
	if err := s.SetPSK(ctx, "psk001", "2b2b2b2b2b2b2b2b"); err != nil {
		t.Fatalf("SetPSK replace: %v", err)
	}

	psk, ok, err := s.LookupPSK(ctx, "psk001")
	if err != nil || !ok || psk != "2b2b2b2b2b2b2b2b" {
		t.Errorf("LookupPSK = %q, %v, %v", psk, ok, err)
	}

	_, ok, err = s.LookupPSK(ctx, "unknown")
	if err != nil || ok {
		t.Errorf("unknown identity: ok=%v err=%v", ok, err)
	}
}

func TestStore_UpdateHost(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)
	ctx := context.Background()

	h := &Host{ID: 1, Name: "web01", TLSAccept: 4, TLSIssuer: "CN=ExampleCA", TLSSubject: "CN=web01"}
	if err := s.UpdateHost(ctx, h); err != nil {
		t.Fatalf("UpdateHost: %v", err)
	}
	got, err := s.HostByName(ctx, "web01")
	if err != nil {
		t.Fatalf("HostByName: %v", err)
	}
	if got.TLSAccept != 4 || got.TLSSubject != "CN=web01" || got.TLSPSKIdentity != "" {
		t.Errorf("unexpected host after update %+v", got)
	}

	if err := s.UpdateHost(ctx, &Host{ID: 99, Name: "ghost"}); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_UpdateItem(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)
	ctx := context.Background()

	ok, err := s.ItemExists(ctx, 11)
	if err != nil || !ok {
		t.Fatalf("ItemExists(11) = %v, %v", ok, err)
	}
	if ok, _ := s.ItemExists(ctx, 999); ok {
		t.Error("ItemExists(999) = true")
	}

	if err := s.UpdateItem(ctx, &Item{ID: 11, HostID: 1, Key: "net.if.out", ValueType: history.ValueTypeFloat, Units: "bps"}); err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if _, err := s.ItemByKey("web01", "net.if.in"); !errors.Is(err, errors.ErrItemNotFound) {
		t.Errorf("old key still resolves: %v", err)
	}
	it, err := s.ItemByKey("web01", "net.if.out")
	if err != nil {
		t.Fatalf("ItemByKey: %v", err)
	}
	if it.ID != 11 || it.ValueType != history.ValueTypeFloat || it.Units != "bps" {
		t.Errorf("unexpected item %+v", it)
	}
}

func TestStore_ReplaceDefinitions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.CreateValueMap(ctx, 5, "state", map[string]string{"0": "Down", "1": "Up"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateValueMap(ctx, 5, "state", map[string]string{"2": "Unknown"}); err != nil {
		t.Fatalf("CreateValueMap again: %v", err)
	}
	m, err := s.ValueMap(5)
	if err != nil || len(m) != 1 || m["2"] != "Unknown" {
		t.Errorf("value map not replaced: %v, %v", m, err)
	}

	first := []evalfunc.GlobalExpression{{Expression: "a", Type: evalfunc.ExprTrue}, {Expression: "b", Type: evalfunc.ExprTrue}}
	if err := s.CreateRegexp(ctx, 1, "set", first); err != nil {
		t.Fatal(err)
	}
	second := []evalfunc.GlobalExpression{{Expression: "c", Type: evalfunc.ExprFalse, Delimiter: ',', CaseSensitive: true}}
	if err := s.CreateRegexp(ctx, 1, "set", second); err != nil {
		t.Fatalf("CreateRegexp again: %v", err)
	}
	got, err := s.GlobalRegexp("set")
	if err != nil || len(got) != 1 || got[0] != second[0] {
		t.Errorf("regexp not replaced: %+v, %v", got, err)
	}
}
