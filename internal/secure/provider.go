package secure

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/psktls"
)

// pollInterval bounds one blocking step of a resumable handshaker so the
// session loop can re-check its wall-clock deadline.
const pollInterval = 250 * time.Millisecond

// PeerState is what a handshaker learned about the peer.
type PeerState struct {
	CipherSuite uint16
	Version     uint16

	// UsedPSK is set when the handshake authenticated with a pre-shared key.
	UsedPSK     bool
	PSKIdentity string

	// Certificate is the verified peer leaf certificate.
	Certificate *x509.Certificate
}

// Handshaker drives one connection of a crypto provider.
//
// Step, Read, Write, Flush and Shutdown return psktls.ErrWantRead or
// psktls.ErrWantWrite when they stopped before deadline without progress
// being lost; the caller retries until its own deadline.
type Handshaker interface {
	Step(deadline time.Time) (done bool, err error)
	Read(p []byte, deadline time.Time) (int, error)
	Write(p []byte, deadline time.Time) (int, error)
	Flush(deadline time.Time) error
	Shutdown(deadline time.Time) error
	Close() error
	State() PeerState
}

// HandshakeConfig carries everything a provider needs for one handshake.
type HandshakeConfig struct {
	Suites     []uint16
	AllowTLS13 bool

	// Certificate credentials.
	Certificate *tls.Certificate
	Roots       *x509.CertPool
	CRL         *x509.RevocationList

	// PSK credentials. GetPSK is the server side lookup hook.
	Identity string
	PSK      []byte
	GetPSK   func(identity string) ([]byte, bool)
}

// Provider creates handshakers.
type Provider interface {
	Name() string
	Client(conn net.Conn, cfg *HandshakeConfig) Handshaker
	Server(conn net.Conn, cfg *HandshakeConfig) Handshaker
}

func isWouldBlock(err error) bool {
	return errors.Is(err, psktls.ErrWantRead) || errors.Is(err, psktls.ErrWantWrite)
}

func pollDeadline(deadline time.Time) time.Time {
	if poll := time.Now().Add(pollInterval); poll.Before(deadline) {
		return poll
	}
	return deadline
}

// =============================================================================
// crypto/tls Provider
// =============================================================================

// TLSProvider handles certificate sessions with crypto/tls.
type TLSProvider struct{}

func (TLSProvider) Name() string { return "crypto/tls" }

func (TLSProvider) versions(cfg *HandshakeConfig) (uint16, uint16) {
	if cfg.AllowTLS13 {
		return tls.VersionTLS12, tls.VersionTLS13
	}
	return tls.VersionTLS12, tls.VersionTLS12
}

// Client verifies the server chain without a host name: peers are
// identified by issuer and subject, not by DNS.
func (p TLSProvider) Client(conn net.Conn, cfg *HandshakeConfig) Handshaker {
	minVersion, maxVersion := p.versions(cfg)
	h := &tlsHandshaker{}
	tc := &tls.Config{
		CipherSuites:       cfg.Suites,
		MinVersion:         minVersion,
		MaxVersion:         maxVersion,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
			leaf, err := verifyChain(raw, cfg.Roots, cfg.CRL, x509.ExtKeyUsageServerAuth)
			h.leaf = leaf
			return err
		},
	}
	if cfg.Certificate != nil {
		tc.Certificates = []tls.Certificate{*cfg.Certificate}
	}
	h.conn = tls.Client(conn, tc)
	return h
}

func (p TLSProvider) Server(conn net.Conn, cfg *HandshakeConfig) Handshaker {
	minVersion, maxVersion := p.versions(cfg)
	h := &tlsHandshaker{}
	tc := &tls.Config{
		CipherSuites: cfg.Suites,
		MinVersion:   minVersion,
		MaxVersion:   maxVersion,
		ClientAuth:   tls.RequireAnyClientCert,
		VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
			leaf, err := verifyChain(raw, cfg.Roots, cfg.CRL, x509.ExtKeyUsageClientAuth)
			h.leaf = leaf
			return err
		},
	}
	if cfg.Certificate != nil {
		tc.Certificates = []tls.Certificate{*cfg.Certificate}
	}
	h.conn = tls.Server(conn, tc)
	return h
}

type tlsHandshaker struct {
	conn *tls.Conn
	leaf *x509.Certificate
}

// Step runs the whole handshake under deadline. crypto/tls handshake
// errors are permanent, so the handshake cannot be split into polls.
func (h *tlsHandshaker) Step(deadline time.Time) (bool, error) {
	h.conn.SetDeadline(deadline)
	defer h.conn.SetDeadline(time.Time{})
	if err := h.conn.HandshakeContext(context.Background()); err != nil {
		return false, err
	}
	return true, nil
}

func (h *tlsHandshaker) Read(p []byte, deadline time.Time) (int, error) {
	h.conn.SetReadDeadline(deadline)
	return h.conn.Read(p)
}

func (h *tlsHandshaker) Write(p []byte, deadline time.Time) (int, error) {
	h.conn.SetWriteDeadline(deadline)
	return h.conn.Write(p)
}

func (h *tlsHandshaker) Flush(time.Time) error { return nil }

func (h *tlsHandshaker) Shutdown(deadline time.Time) error {
	h.conn.SetWriteDeadline(deadline)
	return h.conn.CloseWrite()
}

func (h *tlsHandshaker) Close() error { return h.conn.Close() }

func (h *tlsHandshaker) State() PeerState {
	cs := h.conn.ConnectionState()
	st := PeerState{CipherSuite: cs.CipherSuite, Version: cs.Version, Certificate: h.leaf}
	if st.Certificate == nil && len(cs.PeerCertificates) > 0 {
		st.Certificate = cs.PeerCertificates[0]
	}
	return st
}

// =============================================================================
// psktls Provider
// =============================================================================

// PSKProvider handles pre-shared key sessions with psktls.
type PSKProvider struct{}

func (PSKProvider) Name() string { return "psktls" }

func (PSKProvider) Client(conn net.Conn, cfg *HandshakeConfig) Handshaker {
	return &pskHandshaker{conn: psktls.Client(conn, &psktls.Config{
		Suites:   cfg.Suites,
		Identity: cfg.Identity,
		PSK:      cfg.PSK,
	})}
}

func (PSKProvider) Server(conn net.Conn, cfg *HandshakeConfig) Handshaker {
	return &pskHandshaker{conn: psktls.Server(conn, &psktls.Config{
		Suites: cfg.Suites,
		GetPSK: cfg.GetPSK,
	})}
}

type pskHandshaker struct {
	conn *psktls.Conn
}

func (h *pskHandshaker) Step(deadline time.Time) (bool, error) {
	h.conn.SetDeadline(pollDeadline(deadline))
	return h.conn.HandshakeStep()
}

func (h *pskHandshaker) Read(p []byte, deadline time.Time) (int, error) {
	h.conn.SetReadDeadline(pollDeadline(deadline))
	return h.conn.Read(p)
}

func (h *pskHandshaker) Write(p []byte, deadline time.Time) (int, error) {
	h.conn.SetWriteDeadline(pollDeadline(deadline))
	return h.conn.Write(p)
}

func (h *pskHandshaker) Flush(deadline time.Time) error {
	h.conn.SetWriteDeadline(pollDeadline(deadline))
	return h.conn.Flush()
}

func (h *pskHandshaker) Shutdown(deadline time.Time) error {
	h.conn.SetWriteDeadline(pollDeadline(deadline))
	return h.conn.CloseWrite()
}

func (h *pskHandshaker) Close() error { return h.conn.Close() }

func (h *pskHandshaker) State() PeerState {
	cs := h.conn.ConnectionState()
	return PeerState{
		CipherSuite: cs.CipherSuite,
		Version:     cs.Version,
		UsedPSK:     cs.HandshakeComplete,
		PSKIdentity: cs.Identity,
	}
}

// =============================================================================
// Plaintext
// =============================================================================

type plainHandshaker struct {
	conn net.Conn
}

func (h *plainHandshaker) Step(time.Time) (bool, error) { return true, nil }

func (h *plainHandshaker) Read(p []byte, deadline time.Time) (int, error) {
	h.conn.SetReadDeadline(deadline)
	return h.conn.Read(p)
}

func (h *plainHandshaker) Write(p []byte, deadline time.Time) (int, error) {
	h.conn.SetWriteDeadline(deadline)
	return h.conn.Write(p)
}

func (h *plainHandshaker) Flush(time.Time) error { return nil }

func (h *plainHandshaker) Shutdown(time.Time) error {
	if cw, ok := h.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (h *plainHandshaker) Close() error      { return h.conn.Close() }
func (h *plainHandshaker) State() PeerState { return PeerState{} }
