package utils

import (
	"crypto/x509"
	"errors"
	"os"
)

var ErrNoCertificatesInBundle = errors.New("no PEM encoded certificates found")

// CreateCAPool reads the PEM bundle at CAPath. The raw bundle is returned
// along with the pool so it can be merged with other trust anchors later.
func CreateCAPool(CAPath string) ([]byte, *x509.CertPool, error) {
	caCert, err := os.ReadFile(CAPath)
	if err != nil {
		return nil, nil, err
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, nil, ErrNoCertificatesInBundle
	}
	return caCert, caCertPool, nil
}
