package api

import (
	"context"
	"fmt"
	"time"

	"github.com/LuanEdCosta/dojot/pkg/trustedca/models/ca"

	"github.com/go-kit/kit/metrics"
)

type instrumentingMiddleware struct {
	requestCount   metrics.Counter
	requestLatency metrics.Histogram
	next           Service
}

func NewInstrumentingMiddleware(counter metrics.Counter, latency metrics.Histogram) Middleware {
	return func(next Service) Service {
		return &instrumentingMiddleware{
			requestCount:   counter,
			requestLatency: latency,
			next:           next,
		}
	}
}

func (mw *instrumentingMiddleware) observe(method string, err error, begin time.Time) {
	lvs := []string{"method", method, "error", fmt.Sprint(err != nil)}
	mw.requestCount.With(lvs...).Add(1)
	mw.requestLatency.With(lvs...).Observe(time.Since(begin).Seconds())
}

func (mw *instrumentingMiddleware) Health(ctx context.Context) bool {
	defer mw.observe("Health", nil, time.Now())
	return mw.next.Health(ctx)
}

func (mw *instrumentingMiddleware) GetCertificate(ctx context.Context, fields []string, filter ca.Filter) (c ca.TrustedCA, err error) {
	defer func(begin time.Time) { mw.observe("GetCertificate", err, begin) }(time.Now())
	return mw.next.GetCertificate(ctx, fields, filter)
}

func (mw *instrumentingMiddleware) ListCertificates(ctx context.Context, fields []string, filter ca.Filter, opts ca.ListOptions) (list ca.List, err error) {
	defer func(begin time.Time) { mw.observe("ListCertificates", err, begin) }(time.Now())
	return mw.next.ListCertificates(ctx, fields, filter, opts)
}

func (mw *instrumentingMiddleware) GetCertificateBundle(ctx context.Context) (pems []string, err error) {
	defer func(begin time.Time) { mw.observe("GetCertificateBundle", err, begin) }(time.Now())
	return mw.next.GetCertificateBundle(ctx)
}

func (mw *instrumentingMiddleware) RegisterCertificate(ctx context.Context, caPem string, allowAutoRegistration bool) (fingerprint string, err error) {
	defer func(begin time.Time) { mw.observe("RegisterCertificate", err, begin) }(time.Now())
	return mw.next.RegisterCertificate(ctx, caPem, allowAutoRegistration)
}

func (mw *instrumentingMiddleware) ChangeAutoRegistration(ctx context.Context, filter ca.Filter, allowAutoRegistration bool) (err error) {
	defer func(begin time.Time) { mw.observe("ChangeAutoRegistration", err, begin) }(time.Now())
	return mw.next.ChangeAutoRegistration(ctx, filter, allowAutoRegistration)
}

func (mw *instrumentingMiddleware) DeleteCertificate(ctx context.Context, c ca.TrustedCA) (err error) {
	defer func(begin time.Time) { mw.observe("DeleteCertificate", err, begin) }(time.Now())
	return mw.next.DeleteCertificate(ctx, c)
}
