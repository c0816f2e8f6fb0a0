// Package credentials loads and holds the local secrets used by secure
// sessions: the CA chain, an optional CRL, the local certificate and key,
// and the local PSK with its identity.
//
// Credentials are loaded once at startup and are read-only afterwards.
// PSK bytes are zeroed by Wipe, which must only run after every session
// using them has been closed.
package credentials

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/xtxerr/vigil/config"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/logging"
)

var log = logging.Component("credentials")

// =============================================================================
// Certificates
// =============================================================================

// CertBundle is the certificate material of one process.
type CertBundle struct {
	// Roots verifies peer certificates.
	Roots *x509.CertPool

	// CACerts are the parsed certificates of the CA file, in file order.
	CACerts []*x509.Certificate

	// CRL is the optional revocation list.
	CRL *x509.RevocationList

	// Certificate is the local certificate chain with its private key.
	Certificate *tls.Certificate
}

// LoadCertificate loads the CA file, the optional CRL file, and the local
// certificate and key. The certificate and key must be given together, and
// a CA file requires them.
func LoadCertificate(caFile, crlFile, certFile, keyFile string) (*CertBundle, error) {
	if (certFile == "") != (keyFile == "") {
		return nil, fmt.Errorf("certificate and key files must be configured together: %w", errors.ErrValidation)
	}
	if caFile == "" || certFile == "" {
		return nil, fmt.Errorf("CA, certificate and key files are all required: %w", errors.ErrValidation)
	}

	caPEM, err := readFile("CA", caFile)
	if err != nil {
		return nil, err
	}
	caCerts, err := parseCertificates(caPEM)
	if err != nil {
		return nil, fmt.Errorf("CA file %q: %v: %w", caFile, err, errors.ErrParse)
	}
	if len(caCerts) == 0 {
		return nil, fmt.Errorf("CA file %q contains no certificates: %w", caFile, errors.ErrParse)
	}

	roots := x509.NewCertPool()
	for _, c := range caCerts {
		roots.AddCert(c)
	}

	certPEM, err := readFile("certificate", certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := readFile("key", keyFile)
	if err != nil {
		return nil, err
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("certificate %q / key %q: %v: %w", certFile, keyFile, err, errors.ErrParse)
	}
	if pair.Leaf == nil {
		if pair.Leaf, err = x509.ParseCertificate(pair.Certificate[0]); err != nil {
			return nil, fmt.Errorf("certificate %q: %v: %w", certFile, err, errors.ErrParse)
		}
	}

	b := &CertBundle{
		Roots:       roots,
		CACerts:     caCerts,
		Certificate: &pair,
	}

	if crlFile != "" {
		if b.CRL, err = loadCRL(crlFile, caCerts); err != nil {
			return nil, err
		}
	}

	log.Info("certificate loaded",
		"subject", pair.Leaf.Subject.String(),
		"issuer", pair.Leaf.Issuer.String(),
		"ca_certs", len(caCerts),
		"crl", crlFile != "")
	return b, nil
}

func readFile(what, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s file: %v: %w", what, err, errors.ErrIO)
	}
	return data, nil
}

func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	return certs, nil
}

// loadCRL reads a PEM or DER revocation list and checks its signature
// against the CA that issued it.
func loadCRL(path string, caCerts []*x509.Certificate) (*x509.RevocationList, error) {
	data, err := readFile("CRL", path)
	if err != nil {
		return nil, err
	}

	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("CRL file %q: %v: %w", path, err, errors.ErrParse)
	}

	for _, ca := range caCerts {
		if !bytes.Equal(ca.RawSubject, crl.RawIssuer) {
			continue
		}
		if err := crl.CheckSignatureFrom(ca); err != nil {
			return nil, fmt.Errorf("CRL file %q: %v: %w", path, err, errors.ErrParse)
		}
		return crl, nil
	}

	log.Warn("CRL issuer not found among CA certificates", "file", path, "issuer", crl.Issuer.String())
	return crl, nil
}

// =============================================================================
// Pre-shared Keys
// =============================================================================

// PSKBundle is the local pre-shared key and its identity.
type PSKBundle struct {
	Identity string
	Key      []byte
}

// LoadPSK reads the first line of file as a hex encoded PSK.
//
// An identity longer than config.PSKIdentityMaxLen fails with
// errors.ErrPSKIdentityTooLong, which callers must treat as fatal.
func LoadPSK(file, identity string) (*PSKBundle, error) {
	if (file == "") != (identity == "") {
		return nil, fmt.Errorf("PSK file and PSK identity must be configured together: %w", errors.ErrValidation)
	}
	if file == "" {
		return nil, fmt.Errorf("PSK file is required: %w", errors.ErrValidation)
	}
	if err := ValidateIdentity(identity); err != nil {
		return nil, err
	}

	data, err := readFile("PSK", file)
	if err != nil {
		return nil, err
	}

	line, _, _ := strings.Cut(string(data), "\n")
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return nil, fmt.Errorf("PSK file %q is empty: %w", file, errors.ErrValidation)
	}

	key, err := DecodePSK(line)
	if err != nil {
		return nil, fmt.Errorf("PSK file %q: %w", file, err)
	}

	log.Info("PSK loaded", "identity", identity, "bytes", len(key))
	return &PSKBundle{Identity: identity, Key: key}, nil
}

// ValidateIdentity checks the identity length limit.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("PSK identity is empty: %w", errors.ErrValidation)
	}
	if len(identity) > config.PSKIdentityMaxLen {
		return fmt.Errorf("PSK identity is %d bytes, maximum is %d: %w",
			len(identity), config.PSKIdentityMaxLen, errors.ErrPSKIdentityTooLong)
	}
	return nil
}

// DecodePSK decodes a hex PSK of config.PSKMinHexLen to config.PSKMaxHexLen
// digits.
func DecodePSK(s string) ([]byte, error) {
	if len(s) < config.PSKMinHexLen {
		return nil, fmt.Errorf("PSK is too short, minimum is %d hex digits: %w", config.PSKMinHexLen, errors.ErrValidation)
	}
	if len(s) > config.PSKMaxHexLen {
		return nil, fmt.Errorf("PSK is too long, maximum is %d hex digits: %w", config.PSKMaxHexLen, errors.ErrValidation)
	}
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("PSK must have an even number of hex digits: %w", errors.ErrValidation)
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("PSK is not a hex string: %w", errors.ErrValidation)
	}
	return key, nil
}

// Wipe zeroes the key in place. It does not allocate and may be called
// more than once.
func (b *PSKBundle) Wipe() {
	if b == nil {
		return
	}
	clear(b.Key)
}

// =============================================================================
// Store
// =============================================================================

// Config names the credential files of one process.
type Config struct {
	CAFile   string
	CRLFile  string
	CertFile string
	KeyFile  string

	PSKFile     string
	PSKIdentity string
}

// Store holds whichever credentials are configured.
type Store struct {
	Cert *CertBundle
	PSK  *PSKBundle
}

// Load loads the configured credentials. Sections left empty are skipped.
// A CRL without a certificate is rejected.
func Load(cfg Config) (*Store, error) {
	s := &Store{}

	hasCert := cfg.CAFile != "" || cfg.CertFile != "" || cfg.KeyFile != ""
	if cfg.CRLFile != "" && !hasCert {
		return nil, fmt.Errorf("CRL file requires a certificate: %w", errors.ErrValidation)
	}
	if hasCert {
		cert, err := LoadCertificate(cfg.CAFile, cfg.CRLFile, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		s.Cert = cert
	}

	if cfg.PSKFile != "" || cfg.PSKIdentity != "" {
		psk, err := LoadPSK(cfg.PSKFile, cfg.PSKIdentity)
		if err != nil {
			return nil, err
		}
		s.PSK = psk
	}

	return s, nil
}

// Wipe zeroes all secret material held by the store.
func (s *Store) Wipe() {
	if s == nil {
		return
	}
	s.PSK.Wipe()
}
