package psktls

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/vigil/internal/errors"
)

const (
	recordHeaderLen = 5
	maxPlaintext    = 16384
	maxCiphertext   = maxPlaintext + 256
	readChunk       = 4096
)

type recordType uint8

const (
	recordAlert       recordType = 21
	recordHandshake   recordType = 22
	recordApplication recordType = 23
)

var (
	// ErrWantRead reports that a step or read hit the deadline while
	// waiting for peer data. Partial data is kept.
	ErrWantRead = errors.New("psktls: operation would block on read")

	// ErrWantWrite reports that queued output could not be fully written
	// before the deadline. Call Flush or step again.
	ErrWantWrite = errors.New("psktls: operation would block on write")

	// ErrShutdown is returned by Write after CloseWrite.
	ErrShutdown = errors.New("psktls: write after close notify")

	// ErrUnknownIdentity is returned by a server that has no key for the
	// identity offered by the client.
	ErrUnknownIdentity = errors.New("psktls: unknown PSK identity")

	errHandshakeIncomplete = errors.New("psktls: handshake not complete")
)

// Config configures one side of a psktls connection.
type Config struct {
	// Suites lists acceptable suite ids in preference order. Ids this
	// package does not implement are ignored.
	Suites []uint16

	// Identity and PSK are the client credentials.
	Identity string
	PSK      []byte

	// GetPSK returns the key of an identity offered by a client.
	GetPSK func(identity string) ([]byte, bool)

	// Rand is the entropy source. Defaults to crypto/rand.
	Rand io.Reader
}

func (c *Config) rand() io.Reader {
	if c.Rand != nil {
		return c.Rand
	}
	return rand.Reader
}

func (c *Config) suites() []uint16 {
	var ids []uint16
	for _, id := range c.Suites {
		if _, ok := implemented[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// ConnectionState describes a connection.
type ConnectionState struct {
	HandshakeComplete bool
	Version           uint16
	CipherSuite       uint16

	// Identity is the PSK identity used by the handshake.
	Identity string
}

// =============================================================================
// Record Protection
// =============================================================================

type halfConn struct {
	aead cipher.AEAD
	iv   []byte
	seq  uint64
}

func newHalfConn(key, iv []byte) (*halfConn, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &halfConn{aead: aead, iv: iv}, nil
}

func (h *halfConn) nonce() []byte {
	nonce := append([]byte(nil), h.iv...)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], h.seq)
	for i, b := range seq {
		nonce[len(nonce)-8+i] ^= b
	}
	return nonce
}

func (h *halfConn) additionalData(typ recordType, n int) []byte {
	ad := make([]byte, 13)
	binary.BigEndian.PutUint64(ad, h.seq)
	ad[8] = byte(typ)
	binary.BigEndian.PutUint16(ad[9:], VersionPSK)
	binary.BigEndian.PutUint16(ad[11:], uint16(n))
	return ad
}

func (h *halfConn) seal(typ recordType, payload []byte) []byte {
	if h == nil {
		return payload
	}
	out := h.aead.Seal(nil, h.nonce(), payload, h.additionalData(typ, len(payload)))
	h.seq++
	return out
}

func (h *halfConn) open(typ recordType, payload []byte) ([]byte, error) {
	if h == nil {
		return payload, nil
	}
	n := len(payload) - h.aead.Overhead()
	if n < 0 {
		return nil, AlertBadRecordMAC
	}
	out, err := h.aead.Open(nil, h.nonce(), payload, h.additionalData(typ, n))
	if err != nil {
		return nil, AlertBadRecordMAC
	}
	h.seq++
	return out, nil
}

// =============================================================================
// Conn
// =============================================================================

// Conn is a psktls connection over an underlying net.Conn.
type Conn struct {
	conn     net.Conn
	isClient bool
	config   *Config

	// hsState and hs are guarded by holding both inMu and outMu.
	hsState  handshakeState
	hs       *handshake
	hsErr    error
	suite    uint16
	identity string
	complete atomic.Bool

	inMu     sync.Mutex
	in       *halfConn
	rawInput []byte
	input    []byte
	readErr  error

	outMu           sync.Mutex
	out             *halfConn
	pending         []byte
	closeNotifySent bool
}

// Client returns a client side connection.
func Client(conn net.Conn, config *Config) *Conn {
	return &Conn{conn: conn, isClient: true, config: config, hsState: stateClientStart}
}

// Server returns a server side connection.
func Server(conn net.Conn, config *Config) *Conn {
	return &Conn{conn: conn, config: config, hsState: stateServerWaitHello}
}

// Handshake runs the handshake to completion. The deadline of ctx bounds
// every network operation.
func (c *Conn) Handshake(ctx context.Context) error {
	for {
		if deadline, ok := ctx.Deadline(); ok {
			c.conn.SetDeadline(deadline)
		}
		done, err := c.HandshakeStep()
		if done {
			c.conn.SetDeadline(time.Time{})
			return nil
		}
		if err == ErrWantRead || err == ErrWantWrite {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		return err
	}
}

// HandshakeStep advances the handshake as far as the connection deadline
// allows. It returns done once the connection is established.
func (c *Conn) HandshakeStep() (done bool, err error) {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	c.outMu.Lock()
	defer c.outMu.Unlock()

	if c.hsErr != nil {
		return false, c.hsErr
	}

	err = c.advance()
	if err == ErrWantRead || err == ErrWantWrite {
		return false, err
	}
	if err != nil {
		c.hsErr = err
		c.hs = nil
		return false, err
	}
	return c.hsState == stateDone, nil
}

// ConnectionState returns the state of the connection.
func (c *Conn) ConnectionState() ConnectionState {
	if !c.complete.Load() {
		return ConnectionState{}
	}
	return ConnectionState{
		HandshakeComplete: true,
		Version:           VersionPSK,
		CipherSuite:       c.suite,
		Identity:          c.identity,
	}
}

// Read reads application data. It returns io.EOF after the peer's close
// notify and ErrWantRead when the read deadline passes.
func (c *Conn) Read(b []byte) (int, error) {
	if !c.complete.Load() {
		return 0, errHandshakeIncomplete
	}
	c.inMu.Lock()
	defer c.inMu.Unlock()

	for len(c.input) == 0 {
		if c.readErr != nil {
			return 0, c.readErr
		}
		typ, payload, err := c.readRecord()
		if err == ErrWantRead {
			return 0, err
		}
		if err != nil {
			c.readErr = err
			if alert, ok := err.(Alert); ok {
				c.sendAlert(alert)
			}
			return 0, err
		}

		switch typ {
		case recordApplication:
			c.input = payload
		case recordAlert:
			c.readErr = alertFromPeer(payload)
		default:
			c.readErr = AlertUnexpectedMessage
			c.sendAlert(AlertUnexpectedMessage)
		}
	}

	n := copy(b, c.input)
	c.input = c.input[n:]
	return n, nil
}

// Write writes application data. When the write deadline passes before
// all records are sent, the data has been accepted and ErrWantWrite is
// returned; Flush sends the rest.
func (c *Conn) Write(b []byte) (int, error) {
	if !c.complete.Load() {
		return 0, errHandshakeIncomplete
	}
	c.outMu.Lock()
	defer c.outMu.Unlock()

	if c.closeNotifySent {
		return 0, ErrShutdown
	}
	if err := c.flush(); err != nil {
		return 0, err
	}

	c.queueRecord(recordApplication, b)
	if err := c.flush(); err != nil {
		if err == ErrWantWrite {
			return len(b), err
		}
		return 0, err
	}
	return len(b), nil
}

// Flush writes output queued by an interrupted Write.
func (c *Conn) Flush() error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return c.flush()
}

// CloseWrite sends close notify. Further writes fail with ErrShutdown.
func (c *Conn) CloseWrite() error {
	if !c.complete.Load() {
		return errHandshakeIncomplete
	}
	c.outMu.Lock()
	defer c.outMu.Unlock()

	if !c.closeNotifySent {
		c.closeNotifySent = true
		c.queueRecord(recordAlert, []byte{alertLevelWarning, byte(AlertCloseNotify)})
	}
	return c.flush()
}

// Close closes the underlying connection without sending close notify.
func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// =============================================================================
// Record I/O
// =============================================================================

const (
	alertLevelWarning = 1
	alertLevelFatal   = 2
)

type remoteAlert struct {
	alert Alert
}

func (e remoteAlert) Error() string { return "psktls: remote error: " + e.alert.String() }
func (e remoteAlert) Unwrap() error { return e.alert }

// alertFromPeer converts a received alert into the error reported to the
// reader. Close notify becomes io.EOF.
func alertFromPeer(payload []byte) error {
	if len(payload) != 2 {
		return AlertUnexpectedMessage
	}
	if Alert(payload[1]) == AlertCloseNotify {
		return io.EOF
	}
	return remoteAlert{Alert(payload[1])}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// readRecord returns the next record, decrypted when keys are active.
// Caller holds inMu.
func (c *Conn) readRecord() (recordType, []byte, error) {
	buf := make([]byte, readChunk)
	for {
		if len(c.rawInput) >= recordHeaderLen {
			typ := recordType(c.rawInput[0])
			vers := binary.BigEndian.Uint16(c.rawInput[1:3])
			n := int(binary.BigEndian.Uint16(c.rawInput[3:5]))
			if vers != VersionPSK {
				return 0, nil, AlertProtocolVersion
			}
			if n > maxCiphertext {
				return 0, nil, AlertUnexpectedMessage
			}
			if len(c.rawInput) >= recordHeaderLen+n {
				payload := append([]byte(nil), c.rawInput[recordHeaderLen:recordHeaderLen+n]...)
				c.rawInput = c.rawInput[recordHeaderLen+n:]
				plain, err := c.in.open(typ, payload)
				if err != nil {
					return 0, nil, err
				}
				if len(plain) > maxPlaintext {
					return 0, nil, AlertUnexpectedMessage
				}
				return typ, plain, nil
			}
		}

		n, err := c.conn.Read(buf)
		c.rawInput = append(c.rawInput, buf[:n]...)
		if err == nil || (err == io.EOF && n > 0) {
			continue
		}
		if isTimeout(err) {
			return 0, nil, ErrWantRead
		}
		if err == io.EOF && len(c.rawInput) > 0 {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
}

// queueRecord frames, protects and queues payload. Caller holds outMu.
func (c *Conn) queueRecord(typ recordType, payload []byte) {
	for first := true; first || len(payload) > 0; first = false {
		chunk := payload
		if len(chunk) > maxPlaintext {
			chunk = chunk[:maxPlaintext]
		}
		payload = payload[len(chunk):]

		data := c.out.seal(typ, chunk)
		var hdr [recordHeaderLen]byte
		hdr[0] = byte(typ)
		binary.BigEndian.PutUint16(hdr[1:], VersionPSK)
		binary.BigEndian.PutUint16(hdr[3:], uint16(len(data)))
		c.pending = append(c.pending, hdr[:]...)
		c.pending = append(c.pending, data...)
	}
}

// flush writes queued output. Caller holds outMu.
func (c *Conn) flush() error {
	for len(c.pending) > 0 {
		n, err := c.conn.Write(c.pending)
		c.pending = c.pending[n:]
		if err != nil {
			if isTimeout(err) {
				return ErrWantWrite
			}
			return err
		}
	}
	c.pending = nil
	return nil
}

// sendAlertLocked queues and writes a fatal alert, best effort.
// Caller holds outMu.
func (c *Conn) sendAlertLocked(alert Alert) {
	level := byte(alertLevelFatal)
	if alert == AlertCloseNotify {
		level = alertLevelWarning
	}
	c.queueRecord(recordAlert, []byte{level, byte(alert)})
	c.flush()
}

func (c *Conn) sendAlert(alert Alert) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	c.sendAlertLocked(alert)
}

// fail sends alert and returns err annotated with it. Caller holds outMu.
func (c *Conn) fail(alert Alert, format string, args ...any) error {
	c.sendAlertLocked(alert)
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), alert)
}
