package api

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	gwerrors "github.com/LuanEdCosta/dojot/pkg/errors"
	"github.com/LuanEdCosta/dojot/pkg/pki"
	"github.com/LuanEdCosta/dojot/pkg/trustedca/models/ca"
	castore "github.com/LuanEdCosta/dojot/pkg/trustedca/models/ca/store"
	certstore "github.com/LuanEdCosta/dojot/pkg/trustedca/models/certs/store"
	"github.com/LuanEdCosta/dojot/pkg/utils"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

const resourceType = "Trusted CA certificate"

// Service manages the trusted CA certificates of one tenant.
type Service interface {
	Health(ctx context.Context) bool
	GetCertificate(ctx context.Context, fields []string, filter ca.Filter) (ca.TrustedCA, error)
	ListCertificates(ctx context.Context, fields []string, filter ca.Filter, opts ca.ListOptions) (ca.List, error)
	// GetCertificateBundle is not tenant scoped.
	GetCertificateBundle(ctx context.Context) ([]string, error)
	RegisterCertificate(ctx context.Context, caPem string, allowAutoRegistration bool) (string, error)
	ChangeAutoRegistration(ctx context.Context, filter ca.Filter, allowAutoRegistration bool) error
	DeleteCertificate(ctx context.Context, c ca.TrustedCA) error
}

// ServiceFactory builds the Service bound to a tenant.
type ServiceFactory func(tenant string) Service

// Notifier queues change events once they are persisted.
type Notifier interface {
	NotifyCreation(ctx context.Context, c ca.TrustedCA) error
	NotifyRemoval(ctx context.Context, c ca.TrustedCA) error
}

type Options struct {
	CaStore   castore.DB
	CertStore certstore.DB
	Notifier  Notifier
	// CaCertLimit caps the CAs of a tenant. Negative means no limit.
	CaCertLimit         int
	MinimumValidityDays int
	// RootCA is the platform root. Its Common Name cannot be used by
	// external CAs.
	RootCA *x509.Certificate
	Now    func() time.Time
}

func NewServiceFactory(opts Options, logger log.Logger, middlewares ...Middleware) ServiceFactory {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return func(tenant string) Service {
		var s Service = &trustedCAService{
			tenant: tenant,
			opts:   opts,
			logger: logger,
		}
		for _, mw := range middlewares {
			s = mw(s)
		}
		return s
	}
}

type trustedCAService struct {
	tenant string
	opts   Options
	logger log.Logger
}

func ErrCaCertLimitReached(limit int) error {
	return &gwerrors.ValidationError{
		Msg: fmt.Sprintf("The number of registered CAs has reached the limit of %d", limit),
	}
}

func ErrManualCertificatesIssued(count int) error {
	return &gwerrors.ValidationError{
		Msg: fmt.Sprintf("There are %d certificates issued by this CA that were not auto-registered; remove them before removing the CA", count),
	}
}

func (s *trustedCAService) Health(ctx context.Context) bool {
	return true
}

func (s *trustedCAService) GetCertificate(ctx context.Context, fields []string, filter ca.Filter) (ca.TrustedCA, error) {
	return s.opts.CaStore.FindOne(ctx, s.tenant, fields, filter)
}

func (s *trustedCAService) ListCertificates(ctx context.Context, fields []string, filter ca.Filter, opts ca.ListOptions) (ca.List, error) {
	return s.opts.CaStore.Find(ctx, s.tenant, fields, filter, opts)
}

func (s *trustedCAService) GetCertificateBundle(ctx context.Context) ([]string, error) {
	return s.opts.CaStore.Bundle(ctx)
}

func (s *trustedCAService) RegisterCertificate(ctx context.Context, caPem string, allowAutoRegistration bool) (string, error) {
	logger := utils.LoggerFromContext(ctx, s.logger)

	cert, err := pki.ParseCert(caPem)
	if err != nil {
		return "", err
	}
	fingerprint := pki.GetFingerprint(cert)

	if err := pki.CheckRemainingDays(cert, s.opts.MinimumValidityDays, s.opts.Now()); err != nil {
		return "", err
	}
	if err := pki.AssertRootCA(cert); err != nil {
		return "", err
	}
	if err := pki.CheckRootExternalCN(cert, s.opts.RootCA); err != nil {
		return "", err
	}

	// Not atomic with the insert: concurrent registrations may overshoot.
	if s.opts.CaCertLimit >= 0 {
		count, err := s.opts.CaStore.Count(ctx, s.tenant, nil)
		if err != nil {
			return "", err
		}
		if count >= s.opts.CaCertLimit {
			return "", ErrCaCertLimitReached(s.opts.CaCertLimit)
		}
	}

	count, err := s.opts.CaStore.Count(ctx, s.tenant, ca.Filter{"caFingerprint": fingerprint})
	if err != nil {
		return "", err
	}
	if count > 0 {
		return "", &gwerrors.DuplicateResourceError{ResourceType: resourceType, ResourceId: fingerprint}
	}

	record, err := s.opts.CaStore.Insert(ctx, ca.TrustedCA{
		CaFingerprint: fingerprint,
		CaPem:         pki.EncodeCert(cert),
		SubjectDN:     pki.FormatDN(cert.Subject),
		Validity: ca.Validity{
			NotBefore: cert.NotBefore.UTC(),
			NotAfter:  cert.NotAfter.UTC(),
		},
		AllowAutoRegistration: allowAutoRegistration,
		Tenant:                s.tenant,
	})
	if err != nil {
		return "", err
	}

	if err := s.opts.Notifier.NotifyCreation(ctx, record); err != nil {
		level.Warn(logger).Log("err", err, "msg", "Trusted CA certificate registered but its creation was not notified", "ca_fingerprint", fingerprint)
	}
	return fingerprint, nil
}

func (s *trustedCAService) ChangeAutoRegistration(ctx context.Context, filter ca.Filter, allowAutoRegistration bool) error {
	count, err := s.opts.CaStore.UpdateAutoRegistration(ctx, s.tenant, filter, allowAutoRegistration)
	if err != nil {
		return err
	}
	if count == 0 {
		return &gwerrors.ResourceNotFoundError{ResourceType: resourceType, ResourceId: filter["caFingerprint"]}
	}
	return nil
}

// DeleteCertificate removes the auto-registered certificates issued by c
// before c itself. Certificates registered by hand block the removal.
func (s *trustedCAService) DeleteCertificate(ctx context.Context, c ca.TrustedCA) error {
	logger := utils.LoggerFromContext(ctx, s.logger)

	manual, err := s.opts.CertStore.CountNotAutoRegistered(ctx, s.tenant, c.CaFingerprint)
	if err != nil {
		return err
	}
	if manual > 0 {
		return ErrManualCertificatesIssued(manual)
	}

	if _, err := s.opts.CertStore.DeleteAutoRegistered(ctx, s.tenant, c.CaFingerprint); err != nil {
		return err
	}
	if err := s.opts.CaStore.Delete(ctx, s.tenant, c.ID); err != nil {
		return err
	}

	if err := s.opts.Notifier.NotifyRemoval(ctx, c); err != nil {
		level.Warn(logger).Log("err", err, "msg", "Trusted CA certificate removed but its removal was not notified", "ca_fingerprint", c.CaFingerprint)
	}
	return nil
}
