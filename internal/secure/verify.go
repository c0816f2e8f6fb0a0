package secure

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xtxerr/vigil/internal/errors"
)

// verifyChain parses the presented chain, verifies it against roots and
// checks every chain certificate issued by the CRL issuer for revocation.
// Host names are not checked.
func verifyChain(raw [][]byte, roots *x509.CertPool, crl *x509.RevocationList, usage x509.ExtKeyUsage) (*x509.Certificate, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("peer presented no certificate")
	}

	certs := make([]*x509.Certificate, 0, len(raw))
	for _, der := range raw {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse peer certificate: %w", err)
		}
		certs = append(certs, c)
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}

	chains, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{usage},
	})
	if err != nil {
		return nil, err
	}

	if crl != nil {
		for _, chain := range chains {
			if err := checkRevocation(chain, crl); err != nil {
				return nil, err
			}
		}
	}
	return certs[0], nil
}

func checkRevocation(chain []*x509.Certificate, crl *x509.RevocationList) error {
	for _, c := range chain {
		if !bytes.Equal(c.RawIssuer, crl.RawIssuer) {
			continue
		}
		for _, entry := range crl.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(c.SerialNumber) == 0 {
				return fmt.Errorf("certificate %s (serial %s) is revoked", c.Subject, c.SerialNumber)
			}
		}
	}
	return nil
}

// =============================================================================
// Distinguished Names
// =============================================================================

var attributeNames = map[string]string{
	"2.5.4.3":                    "CN",
	"2.5.4.5":                    "serialNumber",
	"2.5.4.6":                    "C",
	"2.5.4.7":                    "L",
	"2.5.4.8":                    "ST",
	"2.5.4.9":                    "STREET",
	"2.5.4.10":                   "O",
	"2.5.4.11":                   "OU",
	"0.9.2342.19200300.100.1.1":  "UID",
	"0.9.2342.19200300.100.1.25": "DC",
	"1.2.840.113549.1.9.1":       "emailAddress",
}

// FormatDN renders a DER encoded name in RFC 4514 form: RDNs in reverse
// order joined by commas, multi-valued RDNs joined by '+', special
// characters escaped and UTF-8 passed through. Values containing control
// characters fail with errors.ErrTaintedCertificate.
func FormatDN(raw []byte) (string, error) {
	var seq pkix.RDNSequence
	rest, err := asn1.Unmarshal(raw, &seq)
	if err != nil {
		return "", fmt.Errorf("parse distinguished name: %v: %w", err, errors.ErrParse)
	}
	if len(rest) != 0 {
		return "", fmt.Errorf("trailing data after distinguished name: %w", errors.ErrParse)
	}

	var b strings.Builder
	for i := len(seq) - 1; i >= 0; i-- {
		if i != len(seq)-1 {
			b.WriteByte(',')
		}
		for j, atv := range seq[i] {
			if j > 0 {
				b.WriteByte('+')
			}
			if err := writeAttribute(&b, atv); err != nil {
				return "", err
			}
		}
	}
	return b.String(), nil
}

func writeAttribute(b *strings.Builder, atv pkix.AttributeTypeAndValue) error {
	oid := atv.Type.String()
	if name, ok := attributeNames[oid]; ok {
		b.WriteString(name)
	} else {
		b.WriteString(oid)
	}
	b.WriteByte('=')

	s, ok := atv.Value.(string)
	if !ok {
		der, err := asn1.Marshal(atv.Value)
		if err != nil {
			return fmt.Errorf("encode attribute %s: %v: %w", oid, err, errors.ErrParse)
		}
		b.WriteByte('#')
		b.WriteString(hex.EncodeToString(der))
		return nil
	}

	for _, r := range s {
		if r < 0x20 || r == 0x7f || r == utf8.RuneError {
			return fmt.Errorf("attribute %s contains control character 0x%02x: %w", oid, r, errors.ErrTaintedCertificate)
		}
	}
	b.WriteString(escapeValue(s))
	return nil
}

func escapeValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case strings.IndexByte(`,+"\<>;`, c) >= 0,
			i == 0 && (c == '#' || c == ' '),
			i == len(s)-1 && c == ' ':
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}
