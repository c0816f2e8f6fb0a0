package psktls

import (
	"crypto/hmac"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/xtxerr/vigil/config"
	"github.com/xtxerr/vigil/internal/errors"
)

type handshakeState int

const (
	stateClientStart handshakeState = iota
	stateClientWaitServerHello
	stateClientWaitServerFinished
	stateServerWaitHello
	stateServerWaitFinished
	stateFlushFinal
	stateDone
)

const (
	msgClientHello uint8 = 1
	msgServerHello uint8 = 2
	msgFinished    uint8 = 20
)

const (
	randomLen   = 32
	ivLen       = 12
	x25519Len   = 32
	expandLabel = "vigil psk key expansion"
)

// handshake holds transient handshake material. It is dropped once the
// connection is established.
type handshake struct {
	params       *suiteParams
	offered      []uint16
	clientRandom []byte
	serverRandom []byte
	privateKey   []byte
	publicKey    []byte
	psk          []byte
	transcript   []byte

	clientKey, serverKey       []byte
	clientIV, serverIV         []byte
	clientFinKey, serverFinKey []byte
}

func (hs *handshake) wipe() {
	clear(hs.psk)
	clear(hs.privateKey)
	clear(hs.clientKey)
	clear(hs.serverKey)
	clear(hs.clientFinKey)
	clear(hs.serverFinKey)
}

// advance runs the state machine until it blocks, fails or completes.
// Caller holds inMu and outMu.
func (c *Conn) advance() error {
	for {
		var err error
		switch c.hsState {
		case stateClientStart:
			err = c.sendClientHello()
		case stateClientWaitServerHello:
			err = c.readServerHello()
		case stateClientWaitServerFinished:
			err = c.readServerFinished()
		case stateServerWaitHello:
			err = c.readClientHello()
		case stateServerWaitFinished:
			err = c.readClientFinished()
		case stateFlushFinal:
			if err = c.flush(); err == nil {
				c.hs.wipe()
				c.hs = nil
				c.hsState = stateDone
				c.complete.Store(true)
			}
		case stateDone:
			return nil
		}
		if err != nil {
			if c.hs != nil && err != ErrWantRead && err != ErrWantWrite {
				c.hs.wipe()
			}
			return err
		}
	}
}

// readHandshake flushes pending output and returns the body of the next
// handshake message of type want.
func (c *Conn) readHandshake(want uint8) (cryptobyte.String, error) {
	if err := c.flush(); err != nil {
		return nil, err
	}
	typ, payload, err := c.readRecord()
	if err == ErrWantRead {
		return nil, err
	}
	if err != nil {
		if alert, ok := err.(Alert); ok {
			c.sendAlertLocked(alert)
		}
		return nil, err
	}

	switch typ {
	case recordHandshake:
	case recordAlert:
		return nil, alertFromPeer(payload)
	default:
		return nil, c.fail(AlertUnexpectedMessage, "unexpected record type %d", typ)
	}

	s := cryptobyte.String(payload)
	var msgType uint8
	var body cryptobyte.String
	if !s.ReadUint8(&msgType) || !s.ReadUint24LengthPrefixed(&body) || !s.Empty() {
		return nil, c.fail(AlertUnexpectedMessage, "malformed handshake message")
	}
	if msgType != want {
		return nil, c.fail(AlertUnexpectedMessage, "unexpected handshake message %d, want %d", msgType, want)
	}
	c.hs.transcript = append(c.hs.transcript, payload...)
	return body, nil
}

func (c *Conn) writeHandshake(msgType uint8, body func(*cryptobyte.Builder)) {
	var b cryptobyte.Builder
	b.AddUint8(msgType)
	b.AddUint24LengthPrefixed(body)
	msg := b.BytesOrPanic()
	c.hs.transcript = append(c.hs.transcript, msg...)
	c.queueRecord(recordHandshake, msg)
}

func (c *Conn) random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(c.config.rand(), b); err != nil {
		return nil, fmt.Errorf("psktls: read random: %w", err)
	}
	return b, nil
}

func (c *Conn) generateShare() error {
	priv, err := c.random(x25519Len)
	if err != nil {
		return err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("psktls: generate key share: %w", err)
	}
	c.hs.privateKey = priv
	c.hs.publicKey = pub
	return nil
}

// =============================================================================
// Client
// =============================================================================

func (c *Conn) sendClientHello() error {
	if err := validateIdentity(c.config.Identity); err != nil {
		return err
	}
	if len(c.config.PSK) == 0 {
		return fmt.Errorf("psktls: no pre-shared key configured: %w", errors.ErrConfiguration)
	}
	offered := c.config.suites()
	if len(offered) == 0 {
		return fmt.Errorf("psktls: no usable cipher suites: %w", errors.ErrConfiguration)
	}

	c.hs = &handshake{offered: offered, psk: append([]byte(nil), c.config.PSK...)}
	var err error
	if c.hs.clientRandom, err = c.random(randomLen); err != nil {
		return err
	}
	for _, id := range offered {
		if implemented[id].ecdhe {
			if err := c.generateShare(); err != nil {
				return err
			}
			break
		}
	}

	c.writeHandshake(msgClientHello, func(b *cryptobyte.Builder) {
		b.AddBytes(c.hs.clientRandom)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, id := range offered {
				b.AddUint16(id)
			}
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(c.config.Identity))
		})
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(c.hs.publicKey)
		})
	})
	c.identity = c.config.Identity
	c.hsState = stateClientWaitServerHello
	return nil
}

func (c *Conn) readServerHello() error {
	body, err := c.readHandshake(msgServerHello)
	if err != nil {
		return err
	}

	var random, share []byte
	var id uint16
	if !body.ReadBytes(&random, randomLen) || !body.ReadUint16(&id) ||
		!readUint8Bytes(&body, &share) || !body.Empty() {
		return c.fail(AlertUnexpectedMessage, "malformed server hello")
	}

	params, ok := implemented[id]
	if !ok || !contains(c.hs.offered, id) {
		return c.fail(AlertHandshakeFailure, "server selected suite 0x%04X that was not offered", id)
	}
	if params.ecdhe && len(share) != x25519Len {
		return c.fail(AlertHandshakeFailure, "server key share has length %d", len(share))
	}

	c.hs.params = params
	c.hs.serverRandom = append([]byte(nil), random...)
	if err := c.deriveKeys(share); err != nil {
		return err
	}
	c.suite = id
	c.hsState = stateClientWaitServerFinished
	return nil
}

func (c *Conn) readServerFinished() error {
	want := finishedMAC(c.hs.params.hash, c.hs.serverFinKey, c.hs.transcript)
	body, err := c.readHandshake(msgFinished)
	if err != nil {
		return err
	}
	if !hmac.Equal(body, want) {
		return c.fail(AlertDecryptError, "server finished verification failed")
	}
	if c.in, err = newHalfConn(c.hs.serverKey, c.hs.serverIV); err != nil {
		return c.fail(AlertInternalError, "install read keys: %v", err)
	}

	verify := finishedMAC(c.hs.params.hash, c.hs.clientFinKey, c.hs.transcript)
	c.writeHandshake(msgFinished, func(b *cryptobyte.Builder) { b.AddBytes(verify) })
	if c.out, err = newHalfConn(c.hs.clientKey, c.hs.clientIV); err != nil {
		return c.fail(AlertInternalError, "install write keys: %v", err)
	}
	c.hsState = stateFlushFinal
	return nil
}

// =============================================================================
// Server
// =============================================================================

func (c *Conn) readClientHello() error {
	if c.hs == nil {
		c.hs = &handshake{}
	}
	body, err := c.readHandshake(msgClientHello)
	if err != nil {
		return err
	}

	var random, identity, share []byte
	var suites cryptobyte.String
	if !body.ReadBytes(&random, randomLen) ||
		!body.ReadUint16LengthPrefixed(&suites) ||
		!body.ReadUint16LengthPrefixed((*cryptobyte.String)(&identity)) ||
		!readUint8Bytes(&body, &share) || !body.Empty() {
		return c.fail(AlertUnexpectedMessage, "malformed client hello")
	}
	for !suites.Empty() {
		var id uint16
		if !suites.ReadUint16(&id) {
			return c.fail(AlertUnexpectedMessage, "malformed client hello suite list")
		}
		c.hs.offered = append(c.hs.offered, id)
	}
	c.hs.clientRandom = append([]byte(nil), random...)

	if err := validateIdentity(string(identity)); err != nil {
		return c.fail(AlertUnknownPSKIdentity, "%v", err)
	}
	c.identity = string(identity)

	var params *suiteParams
	for _, id := range c.config.suites() {
		p := implemented[id]
		if !contains(c.hs.offered, id) || (p.ecdhe && len(share) != x25519Len) {
			continue
		}
		params = p
		break
	}
	if params == nil {
		return c.fail(AlertHandshakeFailure, "no shared cipher suite")
	}

	if c.config.GetPSK == nil {
		return c.fail(AlertInternalError, "no PSK callback configured")
	}
	psk, ok := c.config.GetPSK(c.identity)
	if !ok || len(psk) == 0 {
		c.sendAlertLocked(AlertUnknownPSKIdentity)
		return fmt.Errorf("%w %q", ErrUnknownIdentity, c.identity)
	}
	c.hs.psk = append([]byte(nil), psk...)
	c.hs.params = params

	if c.hs.serverRandom, err = c.random(randomLen); err != nil {
		return err
	}
	if params.ecdhe {
		if err := c.generateShare(); err != nil {
			return err
		}
	}

	c.writeHandshake(msgServerHello, func(b *cryptobyte.Builder) {
		b.AddBytes(c.hs.serverRandom)
		b.AddUint16(params.id)
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(c.hs.publicKey)
		})
	})
	if err := c.deriveKeys(share); err != nil {
		return err
	}
	c.suite = params.id

	verify := finishedMAC(params.hash, c.hs.serverFinKey, c.hs.transcript)
	c.writeHandshake(msgFinished, func(b *cryptobyte.Builder) { b.AddBytes(verify) })
	if c.out, err = newHalfConn(c.hs.serverKey, c.hs.serverIV); err != nil {
		return c.fail(AlertInternalError, "install write keys: %v", err)
	}
	c.hsState = stateServerWaitFinished
	return nil
}

func (c *Conn) readClientFinished() error {
	want := finishedMAC(c.hs.params.hash, c.hs.clientFinKey, c.hs.transcript)
	body, err := c.readHandshake(msgFinished)
	if err != nil {
		return err
	}
	if !hmac.Equal(body, want) {
		return c.fail(AlertDecryptError, "client finished verification failed")
	}
	if c.in, err = newHalfConn(c.hs.clientKey, c.hs.clientIV); err != nil {
		return c.fail(AlertInternalError, "install read keys: %v", err)
	}
	c.hsState = stateFlushFinal
	return nil
}

// =============================================================================
// Key Schedule
// =============================================================================

// deriveKeys computes the traffic and finished keys from the pre-shared
// key, the optional X25519 secret and the transcript so far.
func (c *Conn) deriveKeys(peerShare []byte) error {
	hs := c.hs
	p := hs.params

	var other []byte
	if p.ecdhe {
		secret, err := curve25519.X25519(hs.privateKey, peerShare)
		if err != nil {
			return c.fail(AlertHandshakeFailure, "key agreement: %v", err)
		}
		other = secret
	} else {
		other = make([]byte, len(hs.psk))
	}

	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(other) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(hs.psk) })
	premaster := b.BytesOrPanic()
	defer clear(premaster)
	defer clear(other)

	salt := append(append([]byte(nil), hs.clientRandom...), hs.serverRandom...)
	prk := hkdf.Extract(p.hash, premaster, salt)
	defer clear(prk)

	info := append([]byte(expandLabel), transcriptHash(p.hash, hs.transcript)...)
	r := hkdf.Expand(p.hash, prk, info)

	size := p.hash().Size()
	for _, out := range []struct {
		dst *[]byte
		n   int
	}{
		{&hs.clientKey, p.keyLen},
		{&hs.serverKey, p.keyLen},
		{&hs.clientIV, ivLen},
		{&hs.serverIV, ivLen},
		{&hs.clientFinKey, size},
		{&hs.serverFinKey, size},
	} {
		*out.dst = make([]byte, out.n)
		if _, err := io.ReadFull(r, *out.dst); err != nil {
			return c.fail(AlertInternalError, "key expansion: %v", err)
		}
	}
	return nil
}

func transcriptHash(h func() hash.Hash, transcript []byte) []byte {
	d := h()
	d.Write(transcript)
	return d.Sum(nil)
}

func finishedMAC(h func() hash.Hash, key, transcript []byte) []byte {
	mac := hmac.New(h, key)
	mac.Write(transcriptHash(h, transcript))
	return mac.Sum(nil)
}

// =============================================================================
// Helpers
// =============================================================================

func validateIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("psktls: empty PSK identity: %w", errors.ErrConfiguration)
	}
	if len(identity) > config.PSKIdentityMaxLen {
		return fmt.Errorf("psktls: PSK identity of %d bytes exceeds %d: %w",
			len(identity), config.PSKIdentityMaxLen, errors.ErrPSKIdentityTooLong)
	}
	return nil
}

func readUint8Bytes(s *cryptobyte.String, out *[]byte) bool {
	var v cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&v) {
		return false
	}
	*out = v
	return true
}

func contains(ids []uint16, id uint16) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
