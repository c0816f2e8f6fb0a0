// Package secure establishes authenticated connections between vigil
// components. A connection is unencrypted, certificate based (crypto/tls)
// or pre-shared key based (psktls); the mode is chosen per connection.
//
// A SecurityContext is built once at startup from the credential store,
// the cipher policy and the PSK resolver, and is shared read-only by all
// Connect and Accept calls.
package secure

import (
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/vigil/config"
	"github.com/xtxerr/vigil/internal/ciphers"
	"github.com/xtxerr/vigil/internal/credentials"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/logging"
)

var log = logging.Component("secure")

// Mode is a connection type. Accept masks combine modes with '|'.
type Mode uint8

const (
	ModeUnencrypted Mode = 1
	ModePSK         Mode = 2
	ModeCert        Mode = 4
)

func (m Mode) String() string {
	switch m {
	case ModeUnencrypted:
		return "unencrypted"
	case ModePSK:
		return "psk"
	case ModeCert:
		return "cert"
	}
	var parts []string
	for _, one := range []Mode{ModeUnencrypted, ModePSK, ModeCert} {
		if m&one != 0 {
			parts = append(parts, one.String())
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseMode parses "unencrypted", "psk" or "cert".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unencrypted":
		return ModeUnencrypted, nil
	case "psk":
		return ModePSK, nil
	case "cert":
		return ModeCert, nil
	}
	return 0, fmt.Errorf("invalid connection type %q: %w", s, errors.ErrConfiguration)
}

// ParseModes parses a list of connection types into an accept mask.
func ParseModes(list []string) (Mode, error) {
	var m Mode
	for _, s := range list {
		one, err := ParseMode(s)
		if err != nil {
			return 0, err
		}
		m |= one
	}
	return m, nil
}

// PSKResolver finds the key of an identity offered by an inbound peer.
type PSKResolver interface {
	Resolve(identity string) ([]byte, bool)
}

// Config is the validated transport configuration.
type Config struct {
	// Timeout bounds each handshake, read and write.
	Timeout time.Duration

	// CloseTimeout bounds the shutdown notification on Close.
	CloseTimeout time.Duration
}

// SecurityContext is the immutable per-process transport state.
type SecurityContext struct {
	creds    *credentials.Store
	policy   *ciphers.Policy
	resolver PSKResolver
	timeout  time.Duration
	closeTO  time.Duration

	tlsProvider Provider
	pskProvider Provider
}

// NewSecurityContext assembles a SecurityContext. A nil resolver means
// only the locally configured PSK is accepted.
func NewSecurityContext(cfg Config, creds *credentials.Store, policy *ciphers.Policy, resolver PSKResolver) (*SecurityContext, error) {
	if policy == nil {
		return nil, fmt.Errorf("cipher policy is required: %w", errors.ErrConfiguration)
	}
	if creds == nil {
		creds = &credentials.Store{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Duration(config.DefaultTLSTimeoutSec) * time.Second
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = time.Second
	}

	sc := &SecurityContext{
		creds:       creds,
		policy:      policy,
		resolver:    resolver,
		timeout:     cfg.Timeout,
		closeTO:     cfg.CloseTimeout,
		tlsProvider: TLSProvider{},
		pskProvider: PSKProvider{},
	}
	log.Debug("security context ready",
		"certificate", creds.Cert != nil,
		"psk", creds.PSK != nil,
		"dynamic_psk", resolver != nil)
	return sc, nil
}

// Policy returns the cipher policy.
func (sc *SecurityContext) Policy() *ciphers.Policy { return sc.policy }

// Timeout returns the default I/O timeout of sessions.
func (sc *SecurityContext) Timeout() time.Duration { return sc.timeout }

// resolvePSK is the server side PSK hook.
func (sc *SecurityContext) resolvePSK(identity string) ([]byte, bool) {
	if sc.resolver != nil {
		return sc.resolver.Resolve(identity)
	}
	if local := sc.creds.PSK; local != nil && local.Identity == identity {
		return local.Key, true
	}
	return nil, false
}

func (sc *SecurityContext) certConfig(class ciphers.Class) (*HandshakeConfig, error) {
	cert := sc.creds.Cert
	if cert == nil || cert.Certificate == nil {
		return nil, fmt.Errorf("cannot connect with certificate: no valid certificate loaded: %w", errors.ErrConfiguration)
	}
	if err := sc.policy.Require(class); err != nil {
		return nil, err
	}
	return &HandshakeConfig{
		Suites:      sc.policy.Suites(class),
		AllowTLS13:  sc.policy.AllowTLS13(class),
		Certificate: cert.Certificate,
		Roots:       cert.Roots,
		CRL:         cert.CRL,
	}, nil
}
