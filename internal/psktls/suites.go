// Package psktls implements pre-shared key transport security: a record
// layer with AES-GCM protection and a PSK or ECDHE-PSK handshake keyed
// with HKDF.
//
// The wire format follows TLS 1.2 (RFC 5246) record framing with its own
// protocol version so that a listener can tell psktls and TLS peers apart
// from the first record header. The premaster secret is built as in
// RFC 4279 and RFC 5489; key derivation and Finished messages use HKDF and
// HMAC over the handshake transcript.
//
// Conn exposes the handshake as resumable steps. A read or write that hits
// the connection deadline reports ErrWantRead or ErrWantWrite and keeps
// partial data, so the caller may extend the deadline and step again.
package psktls

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"strconv"

	"github.com/xtxerr/vigil/internal/ciphers"
)

// VersionPSK is the record layer protocol version.
const VersionPSK uint16 = 0x7e01

// Cipher suite identifiers.
const (
	TLS_PSK_WITH_RC4_128_SHA              uint16 = 0x008A
	TLS_PSK_WITH_AES_128_GCM_SHA256       uint16 = 0x00A8
	TLS_PSK_WITH_AES_256_GCM_SHA384       uint16 = 0x00A9
	TLS_ECDHE_PSK_WITH_AES_128_GCM_SHA256 uint16 = 0xD001
	TLS_ECDHE_PSK_WITH_AES_256_GCM_SHA384 uint16 = 0xD002
)

type suiteParams struct {
	id     uint16
	keyLen int
	ecdhe  bool
	hash   func() hash.Hash
}

var implemented = map[uint16]*suiteParams{
	TLS_PSK_WITH_AES_128_GCM_SHA256:       {TLS_PSK_WITH_AES_128_GCM_SHA256, 16, false, sha256.New},
	TLS_PSK_WITH_AES_256_GCM_SHA384:       {TLS_PSK_WITH_AES_256_GCM_SHA384, 32, false, sha512.New384},
	TLS_ECDHE_PSK_WITH_AES_128_GCM_SHA256: {TLS_ECDHE_PSK_WITH_AES_128_GCM_SHA256, 16, true, sha256.New},
	TLS_ECDHE_PSK_WITH_AES_256_GCM_SHA384: {TLS_ECDHE_PSK_WITH_AES_256_GCM_SHA384, 32, true, sha512.New384},
}

var catalog = []ciphers.Suite{
	{ID: TLS_ECDHE_PSK_WITH_AES_128_GCM_SHA256, Name: "TLS_ECDHE_PSK_WITH_AES_128_GCM_SHA256",
		KeyExchange: ciphers.KexECDHEPSK, Cipher: "AES-128-GCM", TLS12: true},
	{ID: TLS_PSK_WITH_AES_128_GCM_SHA256, Name: "TLS_PSK_WITH_AES_128_GCM_SHA256",
		KeyExchange: ciphers.KexPSK, Cipher: "AES-128-GCM", TLS12: true},
	{ID: TLS_ECDHE_PSK_WITH_AES_256_GCM_SHA384, Name: "TLS_ECDHE_PSK_WITH_AES_256_GCM_SHA384",
		KeyExchange: ciphers.KexECDHEPSK, Cipher: "AES-256-GCM", TLS12: true},
	{ID: TLS_PSK_WITH_AES_256_GCM_SHA384, Name: "TLS_PSK_WITH_AES_256_GCM_SHA384",
		KeyExchange: ciphers.KexPSK, Cipher: "AES-256-GCM", TLS12: true},
	{ID: TLS_PSK_WITH_RC4_128_SHA, Name: "TLS_PSK_WITH_RC4_128_SHA",
		KeyExchange: ciphers.KexPSK, Cipher: "RC4", TLS12: true, Insecure: true},
}

// Catalog lists the psktls suites for cipher policy construction.
type Catalog struct{}

// Suites implements ciphers.Catalog.
func (Catalog) Suites() []ciphers.Suite {
	return append([]ciphers.Suite(nil), catalog...)
}

// SuiteName returns the name of a psktls suite id.
func SuiteName(id uint16) string {
	for _, s := range catalog {
		if s.ID == id {
			return s.Name
		}
	}
	return ""
}

// =============================================================================
// Alerts
// =============================================================================

// Alert is a protocol alert. Alerts received from the peer are wrapped in
// errors as "remote error"; alerts sent locally wrap the local cause.
type Alert uint8

const (
	AlertCloseNotify          Alert = 0
	AlertUnexpectedMessage    Alert = 10
	AlertBadRecordMAC         Alert = 20
	AlertHandshakeFailure     Alert = 40
	AlertDecryptError         Alert = 51
	AlertProtocolVersion      Alert = 70
	AlertInsufficientSecurity Alert = 71
	AlertInternalError        Alert = 80
	AlertUnknownPSKIdentity   Alert = 115
)

var alertText = map[Alert]string{
	AlertCloseNotify:          "close notify",
	AlertUnexpectedMessage:    "unexpected message",
	AlertBadRecordMAC:         "bad record MAC",
	AlertHandshakeFailure:     "handshake failure",
	AlertDecryptError:         "error decrypting message",
	AlertProtocolVersion:      "protocol version not supported",
	AlertInsufficientSecurity: "insufficient security level",
	AlertInternalError:        "internal error",
	AlertUnknownPSKIdentity:   "unknown PSK identity",
}

func (a Alert) String() string {
	if s, ok := alertText[a]; ok {
		return s
	}
	return "alert(" + strconv.Itoa(int(a)) + ")"
}

func (a Alert) Error() string {
	return "psktls: " + a.String()
}
