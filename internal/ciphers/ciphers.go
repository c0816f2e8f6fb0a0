// Package ciphers computes the certificate, PSK and combined cipher suite
// sets offered by secure sessions.
//
// Suites come from catalogs, one per crypto provider. The sets are built
// once by NewPolicy and never change afterwards; accessors hand out copies.
package ciphers

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/logging"
)

var log = logging.Component("ciphers")

// KeyExchange is the key exchange family of a suite.
type KeyExchange int

const (
	KexOther KeyExchange = iota
	KexRSA
	KexECDHERSA
	KexPSK
	KexECDHEPSK
)

func (k KeyExchange) String() string {
	switch k {
	case KexRSA:
		return "RSA"
	case KexECDHERSA:
		return "ECDHE-RSA"
	case KexPSK:
		return "PSK"
	case KexECDHEPSK:
		return "ECDHE-PSK"
	default:
		return "other"
	}
}

// IsCert reports whether the family authenticates with certificates.
func (k KeyExchange) IsCert() bool { return k == KexRSA || k == KexECDHERSA }

// IsPSK reports whether the family authenticates with a pre-shared key.
func (k KeyExchange) IsPSK() bool { return k == KexPSK || k == KexECDHEPSK }

// Suite describes one cipher suite of a catalog.
type Suite struct {
	ID          uint16
	Name        string
	KeyExchange KeyExchange

	// Cipher is the bulk cipher, e.g. "AES-128-GCM", "AES-128-CBC", "RC4".
	Cipher string

	// TLS12 is set when the suite can be used with TLS 1.2.
	TLS12 bool

	// Insecure marks suites the provider flags as weak.
	Insecure bool
}

// Catalog lists the suites a crypto provider implements.
type Catalog interface {
	Suites() []Suite
}

// =============================================================================
// crypto/tls Catalog
// =============================================================================

// StdCatalog lists the suites of crypto/tls.
type StdCatalog struct{}

// Suites implements Catalog.
func (StdCatalog) Suites() []Suite {
	var out []Suite
	add := func(list []*tls.CipherSuite, insecure bool) {
		for _, cs := range list {
			out = append(out, Suite{
				ID:          cs.ID,
				Name:        cs.Name,
				KeyExchange: stdKeyExchange(cs.Name),
				Cipher:      stdCipher(cs.Name),
				TLS12:       supports(cs.SupportedVersions, tls.VersionTLS12),
				Insecure:    insecure,
			})
		}
	}
	add(tls.CipherSuites(), false)
	add(tls.InsecureCipherSuites(), true)
	return out
}

func supports(versions []uint16, v uint16) bool {
	for _, sv := range versions {
		if sv == v {
			return true
		}
	}
	return false
}

func stdKeyExchange(name string) KeyExchange {
	switch {
	case strings.HasPrefix(name, "TLS_RSA_WITH_"):
		return KexRSA
	case strings.HasPrefix(name, "TLS_ECDHE_RSA_WITH_"):
		return KexECDHERSA
	default:
		return KexOther
	}
}

func stdCipher(name string) string {
	switch {
	case strings.Contains(name, "_AES_128_GCM_"):
		return "AES-128-GCM"
	case strings.Contains(name, "_AES_128_CBC_"):
		return "AES-128-CBC"
	case strings.Contains(name, "_AES_256_GCM_"):
		return "AES-256-GCM"
	case strings.Contains(name, "_AES_256_CBC_"):
		return "AES-256-CBC"
	case strings.Contains(name, "_RC4_"):
		return "RC4"
	case strings.Contains(name, "_3DES_"):
		return "3DES"
	case strings.Contains(name, "CHACHA20"):
		return "CHACHA20-POLY1305"
	default:
		return "other"
	}
}

// TLS13SuiteNames returns the names of the crypto/tls TLS 1.3 suites.
func TLS13SuiteNames() []string {
	var names []string
	for _, cs := range tls.CipherSuites() {
		if len(cs.SupportedVersions) == 1 && cs.SupportedVersions[0] == tls.VersionTLS13 {
			names = append(names, cs.Name)
		}
	}
	return names
}

// =============================================================================
// Filters
// =============================================================================

func eligible(s Suite) bool {
	if !s.TLS12 || s.Insecure {
		return false
	}
	return s.Cipher == "AES-128-GCM" || s.Cipher == "AES-128-CBC"
}

func build(c Catalog, match func(KeyExchange) bool) []uint16 {
	var ids []uint16
	for _, s := range c.Suites() {
		if eligible(s) && match(s.KeyExchange) {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// BuildCertSuites returns the RSA and ECDHE-RSA AES-128 suites of c.
func BuildCertSuites(c Catalog) []uint16 {
	return build(c, KeyExchange.IsCert)
}

// BuildPSKSuites returns the PSK and ECDHE-PSK AES-128 suites of c.
func BuildPSKSuites(c Catalog) []uint16 {
	return build(c, KeyExchange.IsPSK)
}

// BuildCombinedSuites returns the certificate suites followed by the PSK
// suites of c.
func BuildCombinedSuites(c Catalog) []uint16 {
	return append(BuildCertSuites(c), BuildPSKSuites(c)...)
}

// =============================================================================
// Policy
// =============================================================================

// Class selects one of the three suite sets.
type Class int

const (
	ClassCert Class = iota
	ClassPSK
	ClassAll
)

func (c Class) String() string {
	switch c {
	case ClassCert:
		return "certificate"
	case ClassPSK:
		return "PSK"
	default:
		return "combined"
	}
}

// Overrides replace computed sets with colon separated suite names.
// The 1.3 fields only decide whether TLS 1.3 may be negotiated for the
// class: crypto/tls does not allow choosing TLS 1.3 suites.
type Overrides struct {
	Cert   string
	Cert13 string
	PSK    string
	PSK13  string
	All    string
	All13  string
}

// Policy holds the three suite sets.
//
// Policy is immutable and safe for concurrent use.
type Policy struct {
	sets  [3][]uint16
	tls13 [3]bool
	byID  map[uint16]Suite
}

// NewPolicy computes the sets over all catalogs and applies overrides.
// A class may end up empty; using it fails at connection time.
func NewPolicy(catalogs []Catalog, o Overrides) (*Policy, error) {
	p := &Policy{byID: make(map[uint16]Suite)}
	byName := make(map[string]Suite)

	for _, c := range catalogs {
		for _, s := range c.Suites() {
			if _, dup := p.byID[s.ID]; dup {
				continue
			}
			p.byID[s.ID] = s
			byName[s.Name] = s
		}
		p.sets[ClassCert] = append(p.sets[ClassCert], BuildCertSuites(c)...)
		p.sets[ClassPSK] = append(p.sets[ClassPSK], BuildPSKSuites(c)...)
	}
	p.sets[ClassAll] = append(append([]uint16{}, p.sets[ClassCert]...), p.sets[ClassPSK]...)

	overrides := []struct {
		class    Class
		list     string
		list13   string
		matchKex func(KeyExchange) bool
	}{
		{ClassCert, o.Cert, o.Cert13, KeyExchange.IsCert},
		{ClassPSK, o.PSK, o.PSK13, KeyExchange.IsPSK},
		{ClassAll, o.All, o.All13, func(k KeyExchange) bool { return k.IsCert() || k.IsPSK() }},
	}

	tls13 := make(map[string]bool)
	for _, name := range TLS13SuiteNames() {
		tls13[name] = true
	}

	for _, ov := range overrides {
		if ov.list != "" {
			ids, err := parseList(ov.list, byName, ov.matchKex)
			if err != nil {
				return nil, fmt.Errorf("%s cipher list: %w", ov.class, err)
			}
			p.sets[ov.class] = ids
		}

		p.tls13[ov.class] = ov.class != ClassPSK
		if ov.list13 != "" {
			for _, name := range splitList(ov.list13) {
				if !tls13[name] {
					return nil, fmt.Errorf("%s TLS 1.3 cipher list: unknown suite %q: %w", ov.class, name, errors.ErrConfiguration)
				}
			}
		}
	}

	log.Debug("cipher suites built",
		"cert", len(p.sets[ClassCert]),
		"psk", len(p.sets[ClassPSK]),
		"all", len(p.sets[ClassAll]))
	return p, nil
}

func splitList(s string) []string {
	var names []string
	for _, name := range strings.Split(s, ":") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func parseList(s string, byName map[string]Suite, match func(KeyExchange) bool) ([]uint16, error) {
	var ids []uint16
	for _, name := range splitList(s) {
		suite, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown suite %q: %w", name, errors.ErrConfiguration)
		}
		if suite.Cipher == "RC4" || !suite.TLS12 {
			return nil, fmt.Errorf("suite %q is not allowed: %w", name, errors.ErrConfiguration)
		}
		if !match(suite.KeyExchange) {
			return nil, fmt.Errorf("suite %q has key exchange %s: %w", name, suite.KeyExchange, errors.ErrConfiguration)
		}
		ids = append(ids, suite.ID)
	}
	return ids, nil
}

// Suites returns a copy of the set of class.
func (p *Policy) Suites(class Class) []uint16 {
	return append([]uint16(nil), p.sets[class]...)
}

// Available reports whether class has at least one suite.
func (p *Policy) Available(class Class) bool {
	return len(p.sets[class]) > 0
}

// Require fails with errors.ErrConfiguration when class is empty.
func (p *Policy) Require(class Class) error {
	if !p.Available(class) {
		return fmt.Errorf("no %s cipher suites available: %w", class, errors.ErrConfiguration)
	}
	return nil
}

// AllowTLS13 reports whether TLS 1.3 may be negotiated for class.
func (p *Policy) AllowTLS13(class Class) bool {
	return p.tls13[class]
}

// Lookup returns the description of a suite id known to any catalog.
func (p *Policy) Lookup(id uint16) (Suite, bool) {
	s, ok := p.byID[id]
	return s, ok
}

// Name returns the name of a suite id, or its hex value if unknown.
func (p *Policy) Name(id uint16) string {
	if s, ok := p.byID[id]; ok {
		return s.Name
	}
	if name := tls.CipherSuiteName(id); !strings.HasPrefix(name, "0x") {
		return name
	}
	return fmt.Sprintf("0x%04X", id)
}
