package api

import (
	"context"
	"time"

	"github.com/LuanEdCosta/dojot/pkg/identity"
	"github.com/LuanEdCosta/dojot/pkg/incoming/models/message"

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

func (mw loggingMiddleware) PublishMessage(ctx context.Context, id identity.Identity, msg message.Message) (err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "PublishMessage",
			"tenant", id.Tenant,
			"device_id", id.DeviceID,
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.PublishMessage(ctx, id, msg)
}

func (mw loggingMiddleware) PublishMessages(ctx context.Context, id identity.Identity, msgs []message.Message) (err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "PublishMessages",
			"tenant", id.Tenant,
			"device_id", id.DeviceID,
			"number_messages", len(msgs),
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.PublishMessages(ctx, id, msgs)
}
