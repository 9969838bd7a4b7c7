package store

import (
	"context"

	"github.com/LuanEdCosta/dojot/pkg/trustedca/models/ca"
)

// DB persists trusted CA records. Every method except Bundle is scoped to
// the given tenant.
type DB interface {
	Count(ctx context.Context, tenant string, filter ca.Filter) (int, error)
	FindOne(ctx context.Context, tenant string, fields []string, filter ca.Filter) (ca.TrustedCA, error)
	Find(ctx context.Context, tenant string, fields []string, filter ca.Filter, opts ca.ListOptions) (ca.List, error)
	Insert(ctx context.Context, c ca.TrustedCA) (ca.TrustedCA, error)
	UpdateAutoRegistration(ctx context.Context, tenant string, filter ca.Filter, allow bool) (int64, error)
	Delete(ctx context.Context, tenant string, id string) error
	// Bundle returns one PEM per distinct fingerprint across all tenants.
	Bundle(ctx context.Context) ([]string, error)
}
