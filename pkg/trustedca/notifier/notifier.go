package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/LuanEdCosta/dojot/pkg/incoming/producer"
	"github.com/LuanEdCosta/dojot/pkg/trustedca/models/ca"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/opentracing/opentracing-go"
)

const (
	EventCreate = "create"
	EventRemove = "remove"
)

var ErrClosed = errors.New("notifier is closed")

// Event is the payload published for every trusted CA change.
type Event struct {
	Event string       `json:"event"`
	Data  ca.TrustedCA `json:"data"`
}

type job struct {
	ctx    context.Context
	tenant string
	event  Event
}

// Notifier publishes trusted CA changes asynchronously. Events are queued
// after the change is persisted and delivered at least once, with up to
// maxAttempts publications each. Close delivers what is still queued.
type Notifier struct {
	producer      producer.Producer
	topicSuffix   string
	maxAttempts   int
	retryInterval time.Duration
	logger        log.Logger

	mtx    sync.RWMutex
	closed bool
	queue  chan job
	done   chan struct{}
}

func New(p producer.Producer, topicSuffix string, queueSize int, maxAttempts int, logger log.Logger) *Notifier {
	return newNotifier(p, topicSuffix, queueSize, maxAttempts, 500*time.Millisecond, logger)
}

func newNotifier(p producer.Producer, topicSuffix string, queueSize int, maxAttempts int, retryInterval time.Duration, logger log.Logger) *Notifier {
	if queueSize < 1 {
		queueSize = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	n := &Notifier{
		producer:      p,
		topicSuffix:   topicSuffix,
		maxAttempts:   maxAttempts,
		retryInterval: retryInterval,
		logger:        logger,
		queue:         make(chan job, queueSize),
		done:          make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *Notifier) NotifyCreation(ctx context.Context, c ca.TrustedCA) error {
	return n.enqueue(ctx, c.Tenant, Event{Event: EventCreate, Data: c})
}

func (n *Notifier) NotifyRemoval(ctx context.Context, c ca.TrustedCA) error {
	return n.enqueue(ctx, c.Tenant, Event{Event: EventRemove, Data: c})
}

// enqueue blocks while the queue is full, until ctx is done.
func (n *Notifier) enqueue(ctx context.Context, tenant string, e Event) error {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	if n.closed {
		return ErrClosed
	}

	// Detach from the request so delivery outlives it, keeping the trace.
	jobCtx := context.Background()
	if span := opentracing.SpanFromContext(ctx); span != nil {
		jobCtx = opentracing.ContextWithSpan(jobCtx, span)
	}
	select {
	case n.queue <- job{ctx: jobCtx, tenant: tenant, event: e}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for j := range n.queue {
		n.deliver(j)
	}
}

func (n *Notifier) deliver(j job) {
	payload, err := json.Marshal(j.event)
	if err != nil {
		level.Error(n.logger).Log("err", err, "msg", "Could not encode trusted CA notification")
		return
	}
	topic := j.tenant + "." + n.topicSuffix

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = n.retryInterval
	policy.MaxElapsedTime = 0

	attempt := 0
	err = backoff.RetryNotify(
		func() error {
			attempt++
			return n.producer.Send(j.ctx, topic, j.event.Data.CaFingerprint, payload)
		},
		backoff.WithMaxRetries(policy, uint64(n.maxAttempts-1)),
		func(err error, wait time.Duration) {
			level.Warn(n.logger).Log("err", err, "msg", "Could not publish trusted CA notification", "event", j.event.Event, "attempt", attempt, "retry_in", wait)
		},
	)
	if err != nil {
		level.Error(n.logger).Log("err", err, "msg", "Giving up on trusted CA notification", "event", j.event.Event, "tenant", j.tenant, "ca_fingerprint", j.event.Data.CaFingerprint, "attempts", attempt)
		return
	}
	level.Debug(n.logger).Log("msg", "Trusted CA notification published", "event", j.event.Event, "topic", topic)
}

// Close stops accepting events and waits for the queued ones to be handled.
func (n *Notifier) Close() {
	n.mtx.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mtx.Unlock()
	<-n.done
}
