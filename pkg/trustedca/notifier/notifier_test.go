package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LuanEdCosta/dojot/pkg/trustedca/models/ca"

	"github.com/go-kit/kit/log"
)

type published struct {
	topic string
	key   string
	value []byte
}

type flakyProducer struct {
	mtx      sync.Mutex
	failures int
	calls    int
	sent     []published
}

func (p *flakyProducer) Send(ctx context.Context, topic string, key string, value []byte) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.calls++
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, published{topic: topic, key: key, value: value})
	return nil
}

func (p *flakyProducer) Close() error {
	return nil
}

func newTestNotifier(p *flakyProducer, maxAttempts int) *Notifier {
	return newNotifier(p, "dojot.x509-identity-mgmt.trusted-ca", 10, maxAttempts, time.Millisecond, log.NewNopLogger())
}

func TestNotifyCreation(t *testing.T) {
	p := &flakyProducer{}
	n := newTestNotifier(p, 3)

	rec := ca.TrustedCA{CaFingerprint: "AA:BB", Tenant: "admin"}
	if err := n.NotifyCreation(context.Background(), rec); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if err := n.NotifyRemoval(context.Background(), rec); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	n.Close()

	if len(p.sent) != 2 {
		t.Fatalf("Got %d published events; want 2", len(p.sent))
	}
	if p.sent[0].topic != "admin.dojot.x509-identity-mgmt.trusted-ca" {
		t.Errorf("Got topic %s; want admin.dojot.x509-identity-mgmt.trusted-ca", p.sent[0].topic)
	}
	if p.sent[0].key != "AA:BB" {
		t.Errorf("Got key %s; want AA:BB", p.sent[0].key)
	}

	var events []Event
	for _, s := range p.sent {
		var e Event
		if err := json.Unmarshal(s.value, &e); err != nil {
			t.Fatalf("Unexpected error decoding event: %s", err)
		}
		events = append(events, e)
	}
	if events[0].Event != EventCreate || events[1].Event != EventRemove {
		t.Errorf("Got events %s, %s; want %s, %s", events[0].Event, events[1].Event, EventCreate, EventRemove)
	}
	if events[1].Data.CaFingerprint != "AA:BB" {
		t.Errorf("Got data %+v; want fingerprint AA:BB", events[1].Data)
	}
}

func TestRedelivery(t *testing.T) {
	testCases := []struct {
		name        string
		failures    int
		maxAttempts int
		wantCalls   int
		wantSent    int
	}{
		{"Delivered first time", 0, 3, 1, 1},
		{"Delivered after retries", 2, 3, 3, 1},
		{"Attempts exhausted", 5, 3, 3, 0},
		{"Single attempt", 2, 1, 1, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := &flakyProducer{failures: tc.failures}
			n := newTestNotifier(p, tc.maxAttempts)
			if err := n.NotifyCreation(context.Background(), ca.TrustedCA{CaFingerprint: "AA:BB", Tenant: "admin"}); err != nil {
				t.Fatalf("Unexpected error: %s", err)
			}
			n.Close()

			if p.calls != tc.wantCalls {
				t.Errorf("Got %d publish attempts; want %d", p.calls, tc.wantCalls)
			}
			if len(p.sent) != tc.wantSent {
				t.Errorf("Got %d published events; want %d", len(p.sent), tc.wantSent)
			}
		})
	}
}

func TestNotifyAfterClose(t *testing.T) {
	n := newTestNotifier(&flakyProducer{}, 1)
	n.Close()
	n.Close()

	err := n.NotifyCreation(context.Background(), ca.TrustedCA{Tenant: "admin"})
	if err != ErrClosed {
		t.Errorf("Got error %v; want %v", err, ErrClosed)
	}
}
