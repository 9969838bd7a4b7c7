package mtls

import (
	"context"
	"crypto/x509"
	"errors"
	stdhttp "net/http"
	"sync"

	"github.com/LuanEdCosta/dojot/pkg/identity"

	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/transport/http"
)

type contextKey string

const (
	CredentialsContextKey contextKey = "DeviceCredentialsContextKey"
)

var (
	ErrCredentialsContextMissing = errors.New("device credentials were not passed through the context")
	ErrNoTrustAnchors            = errors.New("no trusted CA certificates loaded")
)

// Verifier checks client certificate chains against a pool of trust anchors
// that can be swapped while requests are in flight.
type Verifier struct {
	mtx   sync.RWMutex
	roots *x509.CertPool
}

func NewVerifier(roots *x509.CertPool) *Verifier {
	return &Verifier{roots: roots}
}

func (v *Verifier) SetRoots(roots *x509.CertPool) {
	v.mtx.Lock()
	v.roots = roots
	v.mtx.Unlock()
}

// Verify validates chain[0] for client authentication, using the rest of
// the chain as intermediates.
func (v *Verifier) Verify(chain []*x509.Certificate) error {
	v.mtx.RLock()
	roots := v.roots
	v.mtx.RUnlock()
	if roots == nil {
		return ErrNoTrustAnchors
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	return err
}

// HTTPToContext stores the presented client certificate and the outcome of
// its chain verification in the context.
func HTTPToContext(v *Verifier) http.RequestFunc {
	return func(ctx context.Context, r *stdhttp.Request) context.Context {
		creds := identity.Credentials{}
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			creds.Certificate = r.TLS.PeerCertificates[0]
			creds.ChainErr = v.Verify(r.TLS.PeerCertificates)
		}
		return context.WithValue(ctx, CredentialsContextKey, creds)
	}
}

// UnsecureHTTPToContext takes the identity from the tenant and deviceId
// query parameters.
func UnsecureHTTPToContext() http.RequestFunc {
	return func(ctx context.Context, r *stdhttp.Request) context.Context {
		q := r.URL.Query()
		return context.WithValue(ctx, CredentialsContextKey, identity.Credentials{
			Unsecure: true,
			Tenant:   q.Get("tenant"),
			DeviceID: q.Get("deviceId"),
		})
	}
}

// NewParser authenticates the credentials found in the context and hands the
// resolved identity to the next endpoint.
func NewParser(auth *identity.Authenticator) endpoint.Middleware {
	return func(next endpoint.Endpoint) endpoint.Endpoint {
		return func(ctx context.Context, request interface{}) (response interface{}, err error) {
			creds, ok := ctx.Value(CredentialsContextKey).(identity.Credentials)
			if !ok {
				return nil, ErrCredentialsContextMissing
			}

			id, err := auth.Authenticate(ctx, creds)
			if err != nil {
				return nil, err
			}
			return next(identity.NewContext(ctx, id), request)
		}
	}
}
