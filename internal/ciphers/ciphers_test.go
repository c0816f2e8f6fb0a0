package ciphers

import (
	"crypto/tls"
	"testing"

	"github.com/xtxerr/vigil/internal/errors"
)

// fakeCatalog lists a fixed set of suites.
type fakeCatalog []Suite

func (f fakeCatalog) Suites() []Suite { return f }

var pskCatalog = fakeCatalog{
	{ID: 0xD001, Name: "TLS_ECDHE_PSK_WITH_AES_128_GCM_SHA256", KeyExchange: KexECDHEPSK, Cipher: "AES-128-GCM", TLS12: true},
	{ID: 0x00A8, Name: "TLS_PSK_WITH_AES_128_GCM_SHA256", KeyExchange: KexPSK, Cipher: "AES-128-GCM", TLS12: true},
	{ID: 0x00A9, Name: "TLS_PSK_WITH_AES_256_GCM_SHA384", KeyExchange: KexPSK, Cipher: "AES-256-GCM", TLS12: true},
	{ID: 0x008A, Name: "TLS_PSK_WITH_RC4_128_SHA", KeyExchange: KexPSK, Cipher: "RC4", TLS12: true, Insecure: true},
}

func contains(ids []uint16, id uint16) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func TestBuildCertSuites(t *testing.T) {
	ids := BuildCertSuites(StdCatalog{})
	if len(ids) == 0 {
		t.Fatal("crypto/tls offers no certificate suites")
	}

	for _, id := range ids {
		name := tls.CipherSuiteName(id)
		if !contains([]uint16{
			tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_RSA_WITH_AES_128_CBC_SHA,
			tls.TLS_RSA_WITH_AES_128_CBC_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
			tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
		}, id) {
			t.Errorf("unexpected suite %s", name)
		}
	}
	if !contains(ids, tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256) {
		t.Error("ECDHE-RSA AES-128-GCM missing")
	}
	for _, excluded := range []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_RC4_128_SHA,
		tls.TLS_AES_128_GCM_SHA256,
	} {
		if contains(ids, excluded) {
			t.Errorf("%s must be excluded", tls.CipherSuiteName(excluded))
		}
	}
}

func TestBuildPSKSuites(t *testing.T) {
	got := BuildPSKSuites(pskCatalog)
	if len(got) != 2 || got[0] != 0xD001 || got[1] != 0x00A8 {
		t.Errorf("got %04X, want [D001 00A8]", got)
	}
	if len(BuildPSKSuites(StdCatalog{})) != 0 {
		t.Error("crypto/tls catalog yields PSK suites")
	}
}

func TestBuildCombinedSuites(t *testing.T) {
	catalog := append(fakeCatalog{
		{ID: 0xC02F, Name: "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256", KeyExchange: KexECDHERSA, Cipher: "AES-128-GCM", TLS12: true},
	}, pskCatalog...)

	got := BuildCombinedSuites(catalog)
	want := []uint16{0xC02F, 0xD001, 0x00A8}
	if len(got) != len(want) {
		t.Fatalf("got %04X, want %04X", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %04X, want %04X", i, got[i], want[i])
		}
	}
}

func TestNewPolicy(t *testing.T) {
	p, err := NewPolicy([]Catalog{StdCatalog{}, pskCatalog}, Overrides{})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}

	for _, class := range []Class{ClassCert, ClassPSK, ClassAll} {
		if err := p.Require(class); err != nil {
			t.Errorf("%s: %v", class, err)
		}
	}
	if n := len(p.Suites(ClassAll)); n != len(p.Suites(ClassCert))+len(p.Suites(ClassPSK)) {
		t.Errorf("combined set has %d suites", n)
	}
	if !p.AllowTLS13(ClassCert) || p.AllowTLS13(ClassPSK) || !p.AllowTLS13(ClassAll) {
		t.Error("unexpected TLS 1.3 gating")
	}

	// Accessors hand out copies.
	s := p.Suites(ClassPSK)
	s[0] = 0
	if p.Suites(ClassPSK)[0] == 0 {
		t.Error("Suites exposes internal state")
	}

	if got := p.Name(0x00A8); got != "TLS_PSK_WITH_AES_128_GCM_SHA256" {
		t.Errorf("Name: %s", got)
	}
	if got := p.Name(0xFFFE); got != "0xFFFE" {
		t.Errorf("Name of unknown suite: %s", got)
	}
}

func TestPolicy_EmptyClassFailsAtUse(t *testing.T) {
	p, err := NewPolicy([]Catalog{StdCatalog{}}, Overrides{})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	if p.Available(ClassPSK) {
		t.Fatal("PSK class available without a PSK catalog")
	}
	if err := p.Require(ClassPSK); !errors.Is(err, errors.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestPolicy_Overrides(t *testing.T) {
	catalogs := []Catalog{StdCatalog{}, pskCatalog}

	tests := []struct {
		name    string
		o       Overrides
		class   Class
		want    []uint16
		wantErr bool
	}{
		{
			name:  "psk override",
			o:     Overrides{PSK: "TLS_PSK_WITH_AES_128_GCM_SHA256"},
			class: ClassPSK,
			want:  []uint16{0x00A8},
		},
		{
			name:  "override may widen beyond AES-128",
			o:     Overrides{PSK: "TLS_PSK_WITH_AES_256_GCM_SHA384:TLS_PSK_WITH_AES_128_GCM_SHA256"},
			class: ClassPSK,
			want:  []uint16{0x00A9, 0x00A8},
		},
		{
			name:  "combined override",
			o:     Overrides{All: "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256 : TLS_PSK_WITH_AES_128_GCM_SHA256"},
			class: ClassAll,
			want:  []uint16{tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, 0x00A8},
		},
		{name: "unknown suite", o: Overrides{Cert: "TLS_FOO"}, wantErr: true},
		{name: "rc4 rejected", o: Overrides{PSK: "TLS_PSK_WITH_RC4_128_SHA"}, wantErr: true},
		{name: "wrong family", o: Overrides{Cert: "TLS_PSK_WITH_AES_128_GCM_SHA256"}, wantErr: true},
		{name: "unknown TLS 1.3 suite", o: Overrides{Cert13: "TLS_AES_999"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPolicy(catalogs, tt.o)
			if tt.wantErr {
				if !errors.Is(err, errors.ErrConfiguration) {
					t.Fatalf("expected ErrConfiguration, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewPolicy: %v", err)
			}
			got := p.Suites(tt.class)
			if len(got) != len(tt.want) {
				t.Fatalf("got %04X, want %04X", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("position %d: got %04X, want %04X", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPolicy_TLS13Override(t *testing.T) {
	names := TLS13SuiteNames()
	if len(names) == 0 {
		t.Skip("no TLS 1.3 suites")
	}
	if _, err := NewPolicy([]Catalog{StdCatalog{}}, Overrides{Cert13: names[0]}); err != nil {
		t.Errorf("valid TLS 1.3 override rejected: %v", err)
	}
}
