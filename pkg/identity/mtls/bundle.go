package mtls

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// BundleSource provides PEM encoded CA certificates to trust in addition to
// the static client CA file.
type BundleSource interface {
	GetCertificateBundle(ctx context.Context) ([]string, error)
}

// Refresh rebuilds the trust pool from base and the current bundle.
func (v *Verifier) Refresh(ctx context.Context, base []byte, source BundleSource) (int, error) {
	bundle, err := source.GetCertificateBundle(ctx)
	if err != nil {
		return 0, err
	}

	pool := x509.NewCertPool()
	if len(base) > 0 {
		pool.AppendCertsFromPEM(base)
	}
	loaded := 0
	for _, caPem := range bundle {
		if pool.AppendCertsFromPEM([]byte(caPem)) {
			loaded++
		}
	}
	v.SetRoots(pool)
	return loaded, nil
}

// RunRefresher refreshes the trust pool every interval until ctx is done.
// Failed refreshes keep the previous pool.
func (v *Verifier) RunRefresher(ctx context.Context, interval time.Duration, base []byte, source BundleSource, logger log.Logger) {
	refresh := func() {
		loaded, err := v.Refresh(ctx, base, source)
		if err != nil {
			level.Error(logger).Log("err", err, "msg", "Could not refresh trusted CA bundle")
			return
		}
		level.Debug(logger).Log("msg", "Trusted CA bundle refreshed", "trusted_cas", loaded)
	}

	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
