package api

import (
	"context"
	"fmt"
	"time"

	"github.com/LuanEdCosta/dojot/pkg/identity"
	"github.com/LuanEdCosta/dojot/pkg/incoming/models/message"

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

func (mw *instrumentingMiddleware) Health(ctx context.Context) bool {
	defer func(begin time.Time) {
		lvs := []string{"method", "Health", "error", "false"}
		mw.requestCount.With(lvs...).Add(1)
		mw.requestLatency.With(lvs...).Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.Health(ctx)
}

func (mw *instrumentingMiddleware) PublishMessage(ctx context.Context, id identity.Identity, msg message.Message) (err error) {
	defer func(begin time.Time) {
		lvs := []string{"method", "PublishMessage", "error", fmt.Sprint(err != nil)}
		mw.requestCount.With(lvs...).Add(1)
		mw.requestLatency.With(lvs...).Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.PublishMessage(ctx, id, msg)
}

func (mw *instrumentingMiddleware) PublishMessages(ctx context.Context, id identity.Identity, msgs []message.Message) (err error) {
	defer func(begin time.Time) {
		lvs := []string{"method", "PublishMessages", "error", fmt.Sprint(err != nil)}
		mw.requestCount.With(lvs...).Add(float64(len(msgs)))
		mw.requestLatency.With(lvs...).Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.PublishMessages(ctx, id, msgs)
}
