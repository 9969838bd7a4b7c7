package api

import (
	"context"
	"time"

	"github.com/LuanEdCosta/dojot/pkg/trustedca/models/ca"

	"github.com/go-kit/kit/log"
	"github.com/opentracing/opentracing-go"
)

type Middleware func(Service) Service

func LoggingMiddleware(logger log.Logger) Middleware {
	return func(next Service) Service {
		return &loggingMiddleware{
			next:   next,
			logger: logger,
		}
	}
}

type loggingMiddleware struct {
	next   Service
	logger log.Logger
}

func (mw loggingMiddleware) Health(ctx context.Context) (healthy bool) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "Health",
			"took", time.Since(begin),
			"healthy", healthy,
			"trace_id", opentracing.SpanFromContext(ctx),
		)
	}(time.Now())
	return mw.next.Health(ctx)
}

func (mw loggingMiddleware) GetCertificate(ctx context.Context, fields []string, filter ca.Filter) (c ca.TrustedCA, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "GetCertificate",
			"filter", filter,
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.GetCertificate(ctx, fields, filter)
}

func (mw loggingMiddleware) ListCertificates(ctx context.Context, fields []string, filter ca.Filter, opts ca.ListOptions) (list ca.List, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "ListCertificates",
			"filter", filter,
			"limit", opts.Limit,
			"offset", opts.Offset,
			"sort_by", opts.SortBy,
			"item_count", list.ItemCount,
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.ListCertificates(ctx, fields, filter, opts)
}

func (mw loggingMiddleware) GetCertificateBundle(ctx context.Context) (pems []string, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "GetCertificateBundle",
			"number_certificates", len(pems),
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.GetCertificateBundle(ctx)
}

func (mw loggingMiddleware) RegisterCertificate(ctx context.Context, caPem string, allowAutoRegistration bool) (fingerprint string, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "RegisterCertificate",
			"allow_auto_registration", allowAutoRegistration,
			"ca_fingerprint", fingerprint,
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.RegisterCertificate(ctx, caPem, allowAutoRegistration)
}

func (mw loggingMiddleware) ChangeAutoRegistration(ctx context.Context, filter ca.Filter, allowAutoRegistration bool) (err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "ChangeAutoRegistration",
			"filter", filter,
			"allow_auto_registration", allowAutoRegistration,
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.ChangeAutoRegistration(ctx, filter, allowAutoRegistration)
}

func (mw loggingMiddleware) DeleteCertificate(ctx context.Context, c ca.TrustedCA) (err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "DeleteCertificate",
			"ca_fingerprint", c.CaFingerprint,
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.DeleteCertificate(ctx, c)
}
