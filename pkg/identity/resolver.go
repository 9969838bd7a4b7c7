package identity

import (
	"context"
	"crypto/x509"
	"errors"

	"github.com/LuanEdCosta/dojot/pkg/config"
	"github.com/LuanEdCosta/dojot/pkg/pki"
	"github.com/LuanEdCosta/dojot/pkg/utils"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Cache is the fingerprint to identity lookup sitting in front of the
// certificate-acl service.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (Identity, bool, error)
	Set(ctx context.Context, fingerprint string, id Identity) error
}

// ACLResolver asks the certificate-acl service who owns a fingerprint. The
// returned string is expected to be "tenant:deviceId".
type ACLResolver interface {
	GetACLEntry(ctx context.Context, fingerprint string) (string, error)
}

// Resolver turns an already verified client certificate into an identity.
type Resolver interface {
	Resolve(ctx context.Context, cert *x509.Certificate) (Identity, error)
}

// NewResolver picks the strategy for the configured authorization mode.
func NewResolver(mode string, cache Cache, acl ACLResolver, logger log.Logger) (Resolver, error) {
	switch mode {
	case config.AuthorizationModeFingerprint:
		if cache == nil || acl == nil {
			return nil, errors.New("fingerprint authorization requires a cache and a certificate-acl client")
		}
		return &fingerprintResolver{cache: cache, acl: acl, logger: logger}, nil
	case config.AuthorizationModeCN:
		return commonNameResolver{}, nil
	default:
		return nil, config.ErrUnknownAuthorizationMode
	}
}

type fingerprintResolver struct {
	cache  Cache
	acl    ACLResolver
	logger log.Logger
}

func (r *fingerprintResolver) Resolve(ctx context.Context, cert *x509.Certificate) (Identity, error) {
	logger := utils.LoggerFromContext(ctx, r.logger)
	fingerprint := pki.GetFingerprint(cert)

	id, found, err := r.cache.Get(ctx, fingerprint)
	if err != nil {
		level.Warn(logger).Log("err", err, "msg", "Could not read fingerprint cache, falling back to certificate-acl", "fingerprint", fingerprint)
	} else if found {
		return id, nil
	}

	entry, err := r.acl.GetACLEntry(ctx, fingerprint)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not get ACL entry from certificate-acl", "fingerprint", fingerprint)
		return Identity{}, ErrACLResolutionFailed
	}
	id, ok := ParseIdentity(entry)
	if !ok {
		level.Error(logger).Log("msg", "Malformed ACL entry returned by certificate-acl", "fingerprint", fingerprint, "entry", entry)
		return Identity{}, ErrACLResolutionFailed
	}

	if err := r.cache.Set(ctx, fingerprint, id); err != nil {
		level.Warn(logger).Log("err", err, "msg", "Could not write fingerprint cache", "fingerprint", fingerprint)
	}
	return id, nil
}

// commonNameResolver reads the identity straight from the certificate
// subject. The certificate is re-verified on every connection so nothing is
// cached.
type commonNameResolver struct{}

func (commonNameResolver) Resolve(ctx context.Context, cert *x509.Certificate) (Identity, error) {
	id, ok := ParseIdentity(cert.Subject.CommonName)
	if !ok {
		return Identity{}, ErrInvalidCertificate
	}
	return id, nil
}
