package secure

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/vigil/internal/ciphers"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/metrics"
	"github.com/xtxerr/vigil/internal/psktls"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateIdle State = iota
	StateHandshaking
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	default:
		return "closed"
	}
}

// ConnectParams selects the outbound connection type and peer policy.
type ConnectParams struct {
	Mode Mode

	// Issuer and Subject, when not empty, must match the server
	// certificate exactly.
	Issuer  string
	Subject string

	// PSKIdentity and PSK override the locally configured PSK.
	PSKIdentity string
	PSK         []byte
}

// Session is one secured connection. A session performs exactly one
// handshake; it cannot be reused after Close.
//
// Read and Write may be used from different goroutines.
type Session struct {
	ID string

	conn   net.Conn
	h      Handshaker
	policy *ciphers.Policy
	log    *slog.Logger

	state     atomic.Int32
	closeOnce sync.Once
	closeTO   time.Duration

	// Set once by the handshake.
	mode        Mode
	cipherSuite uint16
	issuer      string
	subject     string
	pskIdentity string

	timeout atomic.Int64
}

func (sc *SecurityContext) newSession(conn net.Conn) *Session {
	s := &Session{
		ID:      uuid.NewString(),
		conn:    conn,
		policy:  sc.policy,
		closeTO: sc.closeTO,
	}
	s.timeout.Store(int64(sc.timeout))
	s.log = log.With("session_id", s.ID, "remote", conn.RemoteAddr().String())
	return s
}

// deadline combines the session timeout with the deadline of ctx.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

// =============================================================================
// Connect
// =============================================================================

// Connect secures an outbound connection. On failure conn is closed and
// the error wraps one of errors.ErrConfiguration, ErrTimeout, ErrHandshake,
// ErrPeerVerification or ErrTaintedCertificate.
func (sc *SecurityContext) Connect(ctx context.Context, conn net.Conn, p ConnectParams) (*Session, error) {
	start := time.Now()
	s := sc.newSession(conn)

	sess, err := sc.connect(ctx, s, p)
	observeHandshake("connect", p.Mode, start, err)
	if err != nil {
		s.Close()
		s.log.Debug("connect failed", "mode", p.Mode, "error", err)
		return nil, err
	}
	return sess, nil
}

func (sc *SecurityContext) connect(ctx context.Context, s *Session, p ConnectParams) (*Session, error) {
	switch p.Mode {
	case ModeUnencrypted:
		s.h = &plainHandshaker{conn: s.conn}

	case ModeCert:
		cfg, err := sc.certConfig(ciphers.ClassCert)
		if err != nil {
			return nil, err
		}
		s.h = sc.tlsProvider.Client(s.conn, cfg)

	case ModePSK:
		identity, key := p.PSKIdentity, p.PSK
		if key == nil {
			if local := sc.creds.PSK; local != nil {
				identity, key = local.Identity, local.Key
			}
		}
		if identity == "" || len(key) == 0 {
			return nil, fmt.Errorf("cannot connect with PSK: no valid PSK loaded: %w", errors.ErrConfiguration)
		}
		if err := sc.policy.Require(ciphers.ClassPSK); err != nil {
			return nil, err
		}
		s.h = sc.pskProvider.Client(s.conn, &HandshakeConfig{
			Suites:   sc.policy.Suites(ciphers.ClassPSK),
			Identity: identity,
			PSK:      key,
		})

	default:
		return nil, fmt.Errorf("invalid connect mode %s: %w", p.Mode, errors.ErrConfiguration)
	}

	if err := s.handshake(ctx); err != nil {
		return nil, err
	}
	if s.mode == ModeCert {
		if err := s.VerifyPeerCert(p.Issuer, p.Subject); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// =============================================================================
// Accept
// =============================================================================

const peekLen = 3

// peekedConn replays bytes buffered while detecting the protocol.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *peekedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Accept secures an inbound connection. The protocol is detected from the
// first bytes; accept lists the allowed connection types. Certificate
// issuer and subject are not checked here; see Session.VerifyPeerCert.
func (sc *SecurityContext) Accept(ctx context.Context, conn net.Conn, accept Mode) (*Session, error) {
	start := time.Now()
	s := sc.newSession(conn)

	mode, err := sc.accept(ctx, s, accept)
	observeHandshake("accept", mode, start, err)
	if err != nil {
		s.Close()
		s.log.Debug("accept failed", "error", err)
		return nil, err
	}
	return s, nil
}

func (sc *SecurityContext) accept(ctx context.Context, s *Session, accept Mode) (Mode, error) {
	s.setState(StateHandshaking)

	r := bufio.NewReader(s.conn)
	s.conn.SetReadDeadline(deadline(ctx, s.Timeout()))
	head, err := r.Peek(peekLen)
	s.conn.SetReadDeadline(time.Time{})
	if err != nil {
		switch {
		case isTimeout(err):
			return 0, fmt.Errorf("waiting for first bytes: %w", errors.ErrTimeout)
		case err == io.EOF:
			return 0, fmt.Errorf("peer closed before handshake: %w", errors.ErrConnectionClosed)
		default:
			return 0, fmt.Errorf("read first bytes: %v: %w", err, errors.ErrHandshake)
		}
	}
	conn := &peekedConn{Conn: s.conn, r: r}

	var mode Mode
	switch {
	case head[0] == 0x16 && head[1] == 0x03:
		mode = ModeCert
	case head[0] == 22 && binary.BigEndian.Uint16(head[1:]) == psktls.VersionPSK:
		mode = ModePSK
	default:
		mode = ModeUnencrypted
	}

	if accept&mode == 0 {
		return mode, fmt.Errorf("connection of type %q is not allowed: %w", mode, errors.ErrHandshake)
	}

	switch mode {
	case ModeUnencrypted:
		s.h = &plainHandshaker{conn: conn}

	case ModeCert:
		class := ciphers.ClassCert
		if accept&ModePSK != 0 {
			class = ciphers.ClassAll
		}
		cfg, err := sc.certConfig(class)
		if err != nil {
			return mode, err
		}
		s.h = sc.tlsProvider.Server(conn, cfg)

	case ModePSK:
		// The combined set applies when a certificate is configured too;
		// psktls ignores the certificate suites in it.
		class := ciphers.ClassPSK
		if accept&ModeCert != 0 && sc.creds.Cert != nil {
			class = ciphers.ClassAll
		}
		if err := sc.policy.Require(class); err != nil {
			return mode, err
		}
		s.h = sc.pskProvider.Server(conn, &HandshakeConfig{
			Suites: sc.policy.Suites(class),
			GetPSK: sc.resolvePSK,
		})
	}

	if err := s.handshake(ctx); err != nil {
		return mode, err
	}
	return s.mode, nil
}

// =============================================================================
// Handshake
// =============================================================================

func (s *Session) handshake(ctx context.Context) error {
	s.setState(StateHandshaking)
	until := deadline(ctx, s.Timeout())

	for {
		if time.Now().After(until) {
			return fmt.Errorf("handshake did not finish in time: %w", errors.ErrTimeout)
		}
		done, err := s.h.Step(until)
		if done {
			break
		}
		if isWouldBlock(err) {
			continue
		}
		if isTimeout(err) {
			return fmt.Errorf("handshake did not finish in time: %w", errors.ErrTimeout)
		}
		if err != nil {
			if errors.Is(err, errors.ErrConfiguration) || errors.Is(err, errors.ErrPSKIdentityTooLong) {
				return err
			}
			return fmt.Errorf("handshake failed: %v: %w", err, errors.ErrHandshake)
		}
	}

	return s.established()
}

// established records the negotiated connection type and peer identity.
func (s *Session) established() error {
	st := s.h.State()
	s.cipherSuite = st.CipherSuite

	switch {
	case st.UsedPSK:
		s.mode = ModePSK
	case st.Certificate != nil:
		s.mode = ModeCert
	default:
		if suite, ok := s.policy.Lookup(st.CipherSuite); ok && suite.KeyExchange.IsPSK() {
			s.mode = ModePSK
		} else if st.CipherSuite != 0 {
			s.mode = ModeCert
		} else {
			s.mode = ModeUnencrypted
		}
	}

	switch s.mode {
	case ModePSK:
		s.pskIdentity = st.PSKIdentity
	case ModeCert:
		if st.Certificate == nil {
			return fmt.Errorf("no peer certificate after handshake: %w", errors.ErrHandshake)
		}
		issuer, err := FormatDN(st.Certificate.RawIssuer)
		if err != nil {
			return fmt.Errorf("peer certificate issuer: %w", err)
		}
		subject, err := FormatDN(st.Certificate.RawSubject)
		if err != nil {
			return fmt.Errorf("peer certificate subject: %w", err)
		}
		s.issuer, s.subject = issuer, subject
	}

	s.setState(StateEstablished)
	metrics.ActiveSessions.Inc()
	s.log.Debug("session established",
		"mode", s.mode,
		"cipher", s.CipherSuiteName(),
		"issuer", s.issuer,
		"subject", s.subject,
		"psk_identity", s.pskIdentity)
	return nil
}

func observeHandshake(direction string, mode Mode, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = errors.Kind(err)
	}
	metrics.HandshakesTotal.WithLabelValues(direction, mode.String(), result).Inc()
	if err == nil {
		metrics.HandshakeDuration.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())
	}
}

// =============================================================================
// Session accessors
// =============================================================================

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// ConnectionType returns the negotiated connection type.
func (s *Session) ConnectionType() Mode { return s.mode }

// CipherSuite returns the negotiated suite id, zero when unencrypted.
func (s *Session) CipherSuite() uint16 { return s.cipherSuite }

// CipherSuiteName returns the name of the negotiated suite.
func (s *Session) CipherSuiteName() string {
	if s.cipherSuite == 0 {
		return "none"
	}
	return s.policy.Name(s.cipherSuite)
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Timeout returns the I/O timeout.
func (s *Session) Timeout() time.Duration { return time.Duration(s.timeout.Load()) }

// SetTimeout changes the I/O timeout of subsequent reads and writes.
func (s *Session) SetTimeout(d time.Duration) { s.timeout.Store(int64(d)) }

// PeerCertAttributes returns the issuer and subject of the peer
// certificate.
func (s *Session) PeerCertAttributes() (issuer, subject string, err error) {
	if s.mode != ModeCert {
		return "", "", fmt.Errorf("connection type is %s, not certificate: %w", s.mode, errors.ErrValidation)
	}
	return s.issuer, s.subject, nil
}

// PeerPSKIdentity returns the PSK identity used by the handshake.
func (s *Session) PeerPSKIdentity() (string, error) {
	if s.mode != ModePSK {
		return "", fmt.Errorf("connection type is %s, not PSK: %w", s.mode, errors.ErrValidation)
	}
	return s.pskIdentity, nil
}

// VerifyPeerCert compares the peer certificate issuer and subject with the
// required values. Empty values are not checked. On mismatch the session
// is closed and the error wraps errors.ErrPeerVerification.
func (s *Session) VerifyPeerCert(issuer, subject string) error {
	if s.mode != ModeCert {
		return fmt.Errorf("connection type is %s, not certificate: %w", s.mode, errors.ErrPeerVerification)
	}
	var err error
	switch {
	case issuer != "" && s.issuer != issuer:
		err = fmt.Errorf("certificate issuer %q does not match %q: %w", s.issuer, issuer, errors.ErrPeerVerification)
	case subject != "" && s.subject != subject:
		err = fmt.Errorf("certificate subject %q does not match %q: %w", s.subject, subject, errors.ErrPeerVerification)
	}
	if err != nil {
		metrics.PeerVerificationFailures.WithLabelValues(s.mode.String()).Inc()
		s.Close()
	}
	return err
}

// =============================================================================
// I/O
// =============================================================================

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *Session) checkOpen() error {
	if s.State() != StateEstablished {
		return fmt.Errorf("session %s is %s: %w", s.ID, s.State(), errors.ErrSessionClosed)
	}
	return nil
}

// Read reads application data. A clean shutdown by the peer is reported
// as errors.ErrConnectionClosed.
func (s *Session) Read(p []byte) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	until := time.Now().Add(s.Timeout())

	for {
		n, err := s.h.Read(p, until)
		switch {
		case err == nil || n > 0:
			return n, nil
		case isWouldBlock(err) || isTimeout(err):
			if time.Now().Before(until) {
				continue
			}
			return 0, fmt.Errorf("read timed out: %w", errors.ErrTimeout)
		case err == io.EOF:
			return 0, fmt.Errorf("read: %w", errors.ErrConnectionClosed)
		default:
			return 0, fmt.Errorf("read: %v: %w", err, errors.ErrHandshake)
		}
	}
}

// Write writes all of p. A peer that went away during the write is
// reported as errors.ErrWriteClosed.
func (s *Session) Write(p []byte) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	until := time.Now().Add(s.Timeout())

	written := 0
	for written < len(p) {
		n, err := s.h.Write(p[written:], until)
		written += n
		if errors.Is(err, psktls.ErrWantWrite) {
			if err = s.flush(until); err == nil {
				continue
			}
		}
		if err != nil {
			return written, s.writeError(err)
		}
	}
	return written, nil
}

func (s *Session) flush(until time.Time) error {
	for {
		err := s.h.Flush(until)
		if !isWouldBlock(err) {
			return err
		}
		if !time.Now().Before(until) {
			return err
		}
	}
}

func (s *Session) writeError(err error) error {
	switch {
	case isWouldBlock(err) || isTimeout(err):
		return fmt.Errorf("write timed out: %w", errors.ErrTimeout)
	case errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return fmt.Errorf("write: %v: %w", err, errors.ErrWriteClosed)
	default:
		return fmt.Errorf("write: %v: %w", err, errors.ErrHandshake)
	}
}

// Close sends a best effort shutdown notification and releases the
// connection. It is idempotent and may be called on a session whose
// handshake failed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateClosed)))
		if s.h != nil {
			if prev == StateEstablished {
				metrics.ActiveSessions.Dec()
				until := time.Now().Add(s.closeTO)
				err := s.h.Shutdown(until)
				for isWouldBlock(err) && time.Now().Before(until) {
					err = s.h.Flush(until)
				}
				if err != nil {
					s.log.Debug("shutdown notification failed", "error", err)
				}
			}
			s.h.Close()
		} else {
			s.conn.Close()
		}
	})
	return nil
}
