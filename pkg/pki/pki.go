package pki

import (
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	gwerrors "github.com/LuanEdCosta/dojot/pkg/errors"
)

const certificatePEMBlockType = "CERTIFICATE"

func ErrInvalidPEM() error {
	return &gwerrors.ValidationError{Msg: "Invalid PEM: expected a single CERTIFICATE block"}
}

func ErrInvalidCertificate(err error) error {
	return &gwerrors.ValidationError{Msg: "Invalid certificate: " + err.Error()}
}

// ParseCert decodes a PEM encoded certificate. Anything after the first
// block is rejected.
func ParseCert(pemCert string) (*x509.Certificate, error) {
	block, rest := pem.Decode([]byte(strings.TrimSpace(pemCert)))
	if block == nil || block.Type != certificatePEMBlockType || len(strings.TrimSpace(string(rest))) != 0 {
		return nil, ErrInvalidPEM()
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, ErrInvalidCertificate(err)
	}
	return cert, nil
}

// EncodeCert returns the PEM form of cert.
func EncodeCert(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: certificatePEMBlockType, Bytes: cert.Raw}))
}

// GetFingerprint hashes the DER encoding with SHA-256 and renders it as
// colon separated upper case hex pairs.
func GetFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	var b strings.Builder
	b.Grow(len(sum)*3 - 1)
	for i, octet := range sum {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", octet)
	}
	return b.String()
}

func GetFingerprintFromPEM(pemCert string) (string, error) {
	cert, err := ParseCert(pemCert)
	if err != nil {
		return "", err
	}
	return GetFingerprint(cert), nil
}

// CheckRemainingDays fails unless cert stays valid for strictly more than
// minDays after now.
func CheckRemainingDays(cert *x509.Certificate, minDays int, now time.Time) error {
	if now.Before(cert.NotBefore) {
		return &gwerrors.ValidationError{Msg: "The certificate is not yet valid"}
	}
	threshold := time.Duration(minDays) * 24 * time.Hour
	if cert.NotAfter.Sub(now) <= threshold {
		return &gwerrors.ValidationError{
			Msg: fmt.Sprintf("The certificate must have more than %d days of validity remaining", minDays),
		}
	}
	return nil
}

// AssertRootCA checks the certificate is a CA whose issuer is itself and
// whose signature verifies with its own key.
func AssertRootCA(cert *x509.Certificate) error {
	if !cert.BasicConstraintsValid || !cert.IsCA {
		return &gwerrors.ValidationError{Msg: "The certificate is not a CA certificate"}
	}
	if string(cert.RawSubject) != string(cert.RawIssuer) {
		return &gwerrors.ValidationError{Msg: "The certificate is not a root CA certificate: subject and issuer differ"}
	}
	if err := cert.CheckSignatureFrom(cert); err != nil {
		return &gwerrors.ValidationError{Msg: "The certificate is not a root CA certificate: " + err.Error()}
	}
	return nil
}

// CheckRootExternalCN rejects external roots whose Common Name is the one
// reserved for the platform root CA.
func CheckRootExternalCN(cert *x509.Certificate, rootCA *x509.Certificate) error {
	if rootCA == nil {
		return nil
	}
	if cert.Subject.CommonName == "" {
		return &gwerrors.ValidationError{Msg: "The external CA certificate must have a Common Name"}
	}
	if strings.EqualFold(cert.Subject.CommonName, rootCA.Subject.CommonName) {
		return &gwerrors.ValidationError{
			Msg: fmt.Sprintf("The external CA certificate Common Name %q is reserved for the platform root CA", cert.Subject.CommonName),
		}
	}
	return nil
}

var dnOrder = []struct {
	oid   asn1.ObjectIdentifier
	label string
}{
	{asn1.ObjectIdentifier{2, 5, 4, 6}, "C"},
	{asn1.ObjectIdentifier{2, 5, 4, 8}, "ST"},
	{asn1.ObjectIdentifier{2, 5, 4, 7}, "L"},
	{asn1.ObjectIdentifier{2, 5, 4, 10}, "O"},
	{asn1.ObjectIdentifier{2, 5, 4, 11}, "OU"},
	{asn1.ObjectIdentifier{2, 5, 4, 3}, "CN"},
}

// FormatDN renders a distinguished name as "/C=../ST=../L=../O=../OU=../CN=..".
// Known attributes come first in that fixed order, the rest follow as
// dotted OIDs in their original order.
func FormatDN(name pkix.Name) string {
	var b strings.Builder
	used := make([]bool, len(name.Names))
	for _, attr := range dnOrder {
		for i, atv := range name.Names {
			if used[i] || !atv.Type.Equal(attr.oid) {
				continue
			}
			used[i] = true
			fmt.Fprintf(&b, "/%s=%v", attr.label, atv.Value)
		}
	}
	for i, atv := range name.Names {
		if used[i] {
			continue
		}
		fmt.Fprintf(&b, "/%s=%v", atv.Type.String(), atv.Value)
	}
	return b.String()
}
