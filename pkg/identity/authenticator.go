package identity

import (
	"context"
	"crypto/x509"

	gwerrors "github.com/LuanEdCosta/dojot/pkg/errors"
)

// Credentials is what the transport knows about the caller.
type Credentials struct {
	// Unsecure is set by the routes that skip certificate authentication.
	Unsecure bool
	Tenant   string
	DeviceID string

	Certificate *x509.Certificate
	// ChainErr is the outcome of chain verification done by the TLS layer.
	ChainErr error
}

type Authenticator struct {
	unsecureMode bool
	resolver     Resolver
}

func NewAuthenticator(unsecureMode bool, resolver Resolver) *Authenticator {
	return &Authenticator{unsecureMode: unsecureMode, resolver: resolver}
}

func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (Identity, error) {
	if creds.Unsecure {
		// Guards handlers that forward unsecure credentials without
		// checking the mode themselves; the HTTP transport never does.
		if !a.unsecureMode {
			return Identity{}, ErrUnsecureModeOff
		}
		return unsecureIdentity(creds)
	}

	if creds.Certificate == nil {
		return Identity{}, ErrMissingCertificate
	}
	if creds.ChainErr != nil {
		return Identity{}, ErrInvalidCertificate
	}
	return a.resolver.Resolve(ctx, creds.Certificate)
}

func unsecureIdentity(creds Credentials) (Identity, error) {
	if creds.Tenant == "" {
		return Identity{}, &gwerrors.ValidationError{Msg: `"tenant" is required`}
	}
	if creds.DeviceID == "" {
		return Identity{}, &gwerrors.ValidationError{Msg: `"deviceId" is required`}
	}
	return Identity{Tenant: creds.Tenant, DeviceID: creds.DeviceID}, nil
}
