package credentials

import (
	"bytes"
	"crypto/x509/pkix"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/xtxerr/vigil/config"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/testutil"
)

func TestDecodePSK(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantLen int
		wantErr bool
	}{
		{"minimum", "1a1a1a1a1a1a1a1a", 8, false},
		{"upper case", "ABCDEF0123456789", 8, false},
		{"maximum", strings.Repeat("ab", config.PSKMaxHexLen/2), config.PSKMaxHexLen / 2, false},
		{"too short", "1a1a1a1a1a1a1a", 0, true},
		{"too long", strings.Repeat("ab", config.PSKMaxHexLen/2+1), 0, true},
		{"odd length", "1a1a1a1a1a1a1a1a1", 0, true},
		{"not hex", "1a1a1a1a1a1a1a1g", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := DecodePSK(tt.in)
			if tt.wantErr {
				if !errors.Is(err, errors.ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(key) != tt.wantLen {
				t.Errorf("got %d bytes, want %d", len(key), tt.wantLen)
			}
			if got := hex.EncodeToString(key); got != strings.ToLower(tt.in) {
				t.Errorf("decode is not lossless: %s", got)
			}
		})
	}
}

func TestLoadPSK(t *testing.T) {
	dir := t.TempDir()

	valid := testutil.WriteFile(t, dir, "valid.psk", []byte("1a1a1a1a1a1a1a1a\r\nignored\n"))
	empty := testutil.WriteFile(t, dir, "empty.psk", []byte("\n"))
	short := testutil.WriteFile(t, dir, "short.psk", []byte("1a1a\n"))

	tests := []struct {
		name     string
		file     string
		identity string
		wantErr  error
	}{
		{"valid", valid, "psk001", nil},
		{"empty file", empty, "psk001", errors.ErrValidation},
		{"short key", short, "psk001", errors.ErrValidation},
		{"missing file", dir + "/missing.psk", "psk001", errors.ErrIO},
		{"identity without file", "", "psk001", errors.ErrValidation},
		{"file without identity", valid, "", errors.ErrValidation},
		{"identity too long", valid, strings.Repeat("x", config.PSKIdentityMaxLen+1), errors.ErrPSKIdentityTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := LoadPSK(tt.file, tt.identity)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if b.Identity != "psk001" || !bytes.Equal(b.Key, bytes.Repeat([]byte{0x1a}, 8)) {
				t.Errorf("unexpected bundle %+v", b)
			}
		})
	}
}

func TestIdentityTooLongIsFatal(t *testing.T) {
	err := ValidateIdentity(strings.Repeat("x", config.PSKIdentityMaxLen+1))
	if !errors.IsFatal(err) {
		t.Errorf("expected fatal error, got %v", err)
	}
	if err := ValidateIdentity(strings.Repeat("x", config.PSKIdentityMaxLen)); err != nil {
		t.Errorf("maximum length rejected: %v", err)
	}
}

func TestPSKBundle_Wipe(t *testing.T) {
	b := &PSKBundle{Identity: "psk001", Key: []byte{1, 2, 3, 4}}
	key := b.Key

	allocs := testing.AllocsPerRun(10, b.Wipe)
	if allocs != 0 {
		t.Errorf("Wipe allocated %v times", allocs)
	}
	for i, c := range key {
		if c != 0 {
			t.Errorf("byte %d not zeroed", i)
		}
	}

	var nilBundle *PSKBundle
	nilBundle.Wipe()

	var nilStore *Store
	nilStore.Wipe()
}

func TestLoadCertificate(t *testing.T) {
	dir := t.TempDir()

	ca := testutil.NewCA(t, pkix.Name{CommonName: "ExampleCA"})
	leaf := ca.Issue(t, pkix.Name{CommonName: "server", Organization: []string{"Vigil"}})
	other := testutil.NewCA(t, pkix.Name{CommonName: "OtherCA"})

	caFile := testutil.WriteFile(t, dir, "ca.pem", ca.PEM)
	bundleFile := testutil.WriteFile(t, dir, "bundle.pem", append(append([]byte{}, ca.PEM...), other.PEM...))
	certFile := testutil.WriteFile(t, dir, "cert.pem", leaf.CertPEM)
	keyFile := testutil.WriteFile(t, dir, "key.pem", leaf.KeyPEM)
	crlFile := testutil.WriteFile(t, dir, "ca.crl", ca.CRL(t, leaf.Cert))
	foreignCRL := testutil.WriteFile(t, dir, "other.crl", other.CRL(t))
	garbage := testutil.WriteFile(t, dir, "garbage.pem", []byte("not pem"))

	t.Run("valid with CRL", func(t *testing.T) {
		b, err := LoadCertificate(caFile, crlFile, certFile, keyFile)
		if err != nil {
			t.Fatalf("LoadCertificate: %v", err)
		}
		if len(b.CACerts) != 1 || b.CRL == nil || b.Certificate.Leaf == nil {
			t.Fatalf("incomplete bundle %+v", b)
		}
		if len(b.CRL.RevokedCertificateEntries) != 1 {
			t.Errorf("expected one revoked entry")
		}
	})

	t.Run("multiple CA certificates", func(t *testing.T) {
		b, err := LoadCertificate(bundleFile, "", certFile, keyFile)
		if err != nil {
			t.Fatalf("LoadCertificate: %v", err)
		}
		if len(b.CACerts) != 2 {
			t.Errorf("got %d CA certs, want 2", len(b.CACerts))
		}
	})

	t.Run("CRL of unknown issuer is kept", func(t *testing.T) {
		if _, err := LoadCertificate(caFile, foreignCRL, certFile, keyFile); err != nil {
			t.Fatalf("LoadCertificate: %v", err)
		}
	})

	errTests := []struct {
		name               string
		ca, crl, cert, key string
		want               error
	}{
		{"cert without key", caFile, "", certFile, "", errors.ErrValidation},
		{"no CA", "", "", certFile, keyFile, errors.ErrValidation},
		{"unreadable CA", dir + "/missing.pem", "", certFile, keyFile, errors.ErrIO},
		{"malformed CA", garbage, "", certFile, keyFile, errors.ErrParse},
		{"key mismatch", caFile, "", certFile, certFile, errors.ErrParse},
		{"malformed CRL", caFile, garbage, certFile, keyFile, errors.ErrParse},
	}
	for _, tt := range errTests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCertificate(tt.ca, tt.crl, tt.cert, tt.key)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	pskFile := testutil.WriteFile(t, dir, "agent.psk", []byte("1a1a1a1a1a1a1a1a\n"))

	s, err := Load(Config{PSKFile: pskFile, PSKIdentity: "psk001"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Cert != nil || s.PSK == nil {
		t.Fatalf("unexpected store %+v", s)
	}
	s.Wipe()
	if !bytes.Equal(s.PSK.Key, make([]byte, 8)) {
		t.Error("store wipe left key material")
	}

	if _, err := Load(Config{CRLFile: pskFile}); !errors.Is(err, errors.ErrValidation) {
		t.Errorf("CRL without certificate: expected ErrValidation, got %v", err)
	}

	empty, err := Load(Config{})
	if err != nil || empty.Cert != nil || empty.PSK != nil {
		t.Errorf("empty config: %+v, %v", empty, err)
	}
}
