// Package pkitest issues throwaway certificates for tests.
package pkitest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

type Options struct {
	CommonName   string
	Organization string
	NotBefore    time.Time
	NotAfter     time.Time
	IsCA         bool
	Parent       *Issued
}

type Issued struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
	PEM  string
}

// Issue creates a certificate signed by opts.Parent, or self-signed when no
// parent is given.
func Issue(t testing.TB, opts Options) *Issued {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Could not generate key: %s", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		t.Fatalf("Could not generate serial number: %s", err)
	}

	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = time.Now().Add(365 * 24 * time.Hour)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: []string{opts.Organization},
			Country:      []string{"BR"},
		},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotAfter,
		BasicConstraintsValid: true,
		IsCA:                  opts.IsCA,
	}
	if opts.IsCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	} else {
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	parentCert, parentKey := tmpl, key
	if opts.Parent != nil {
		parentCert, parentKey = opts.Parent.Cert, opts.Parent.Key
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parentCert, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatalf("Could not create certificate: %s", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Could not parse certificate: %s", err)
	}
	return &Issued{
		Cert: cert,
		Key:  key,
		PEM:  string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
	}
}

func RootCA(t testing.TB, cn string) *Issued {
	t.Helper()
	return Issue(t, Options{CommonName: cn, Organization: "dojot", IsCA: true})
}

func Device(t testing.TB, cn string, parent *Issued) *Issued {
	t.Helper()
	return Issue(t, Options{CommonName: cn, Organization: "dojot", Parent: parent})
}
