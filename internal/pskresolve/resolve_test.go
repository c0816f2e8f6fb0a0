package pskresolve

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/xtxerr/vigil/config"
	"github.com/xtxerr/vigil/internal/credentials"
	"github.com/xtxerr/vigil/internal/errors"
)

type fakeSource struct {
	keys  map[string]string
	err   error
	calls []string
}

func (f *fakeSource) LookupPSK(_ context.Context, identity string) (string, bool, error) {
	f.calls = append(f.calls, identity)
	if f.err != nil {
		return "", false, f.err
	}
	key, ok := f.keys[identity]
	return key, ok, nil
}

func TestResolve(t *testing.T) {
	local := &credentials.PSKBundle{Identity: "psk001", Key: bytes.Repeat([]byte{0x1a}, 8)}
	source := &fakeSource{keys: map[string]string{
		"host-a":  "00112233445566778899aabbccddeeff",
		"broken":  "xyz",
		"psk001x": "1b1b1b1b1b1b1b1b",
	}}

	tests := []struct {
		name     string
		role     Role
		identity string
		want     []byte
		wantOK   bool
	}{
		{"local identity", RoleServer, "psk001", local.Key, true},
		{"dynamic identity", RoleServer, "host-a", []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, true},
		{"proxy uses dynamic cache", RoleProxy, "psk001x", bytes.Repeat([]byte{0x1b}, 8), true},
		{"unknown identity", RoleServer, "nobody", nil, false},
		{"invalid stored key", RoleServer, "broken", nil, false},
		{"agent ignores dynamic cache", RoleAgent, "host-a", nil, false},
		{"identity too long", RoleServer, strings.Repeat("x", config.PSKIdentityMaxLen+1), nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Resolver{Local: local, Dynamic: source, Role: tt.role}
			got, ok := r.Resolve(tt.identity)
			if ok != tt.wantOK || !bytes.Equal(got, tt.want) {
				t.Errorf("Resolve(%q) = %x, %v; want %x, %v", tt.identity, got, ok, tt.want, tt.wantOK)
			}
		})
	}

	for _, id := range source.calls {
		if len(id) > config.PSKIdentityMaxLen {
			t.Error("over-long identity reached the dynamic cache")
		}
	}
}

func TestResolve_LookupError(t *testing.T) {
	r := &Resolver{Dynamic: &fakeSource{err: errors.ErrDatabase}}
	if key, ok := r.Resolve("host-a"); ok || key != nil {
		t.Errorf("lookup error yielded a key")
	}
}

func TestResolve_NoDynamicSource(t *testing.T) {
	r := &Resolver{Role: RoleServer}
	if _, ok := r.Resolve("psk001"); ok {
		t.Error("resolver without credentials matched")
	}
}
