package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/LuanEdCosta/dojot/pkg/config"
	"github.com/LuanEdCosta/dojot/pkg/pki"
	"github.com/LuanEdCosta/dojot/pkg/pki/pkitest"

	"github.com/go-kit/kit/log"
)

type fakeCache struct {
	mtx     sync.Mutex
	entries map[string]Identity
	getErr  error
	setErr  error
	gets    int
	sets    []Identity
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]Identity{}}
}

func (c *fakeCache) Get(ctx context.Context, fingerprint string) (Identity, bool, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.gets++
	if c.getErr != nil {
		return Identity{}, false, c.getErr
	}
	id, ok := c.entries[fingerprint]
	return id, ok, nil
}

func (c *fakeCache) Set(ctx context.Context, fingerprint string, id Identity) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.sets = append(c.sets, id)
	if c.setErr != nil {
		return c.setErr
	}
	c.entries[fingerprint] = id
	return nil
}

type fakeACL struct {
	entry string
	err   error
	calls int
}

func (a *fakeACL) GetACLEntry(ctx context.Context, fingerprint string) (string, error) {
	a.calls++
	return a.entry, a.err
}

func TestParseIdentity(t *testing.T) {
	testCases := []struct {
		in   string
		want Identity
		ok   bool
	}{
		{"admin:abc123", Identity{Tenant: "admin", DeviceID: "abc123"}, true},
		{"admin:", Identity{}, false},
		{":abc123", Identity{}, false},
		{"admin", Identity{}, false},
		{"admin:abc:123", Identity{}, false},
		{"", Identity{}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := ParseIdentity(tc.in)
			if ok != tc.ok || got != tc.want {
				t.Errorf("Got %v, %t; want %v, %t", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestFingerprintResolver(t *testing.T) {
	root := pkitest.RootCA(t, "Root")
	device := pkitest.Device(t, "whatever", root)
	fingerprint := pki.GetFingerprint(device.Cert)
	want := Identity{Tenant: "admin", DeviceID: "abc123"}
	ctx := context.Background()

	t.Run("Cache hit skips certificate-acl", func(t *testing.T) {
		cache := newFakeCache()
		cache.entries[fingerprint] = want
		acl := &fakeACL{}
		r, _ := NewResolver(config.AuthorizationModeFingerprint, cache, acl, log.NewNopLogger())

		got, err := r.Resolve(ctx, device.Cert)
		if err != nil {
			t.Fatalf("Unexpected error: %s", err)
		}
		if got != want {
			t.Errorf("Got %v; want %v", got, want)
		}
		if acl.calls != 0 {
			t.Errorf("certificate-acl called %d times; want 0", acl.calls)
		}
	})

	t.Run("Cache miss writes through", func(t *testing.T) {
		cache := newFakeCache()
		acl := &fakeACL{entry: "admin:abc123"}
		r, _ := NewResolver(config.AuthorizationModeFingerprint, cache, acl, log.NewNopLogger())

		got, err := r.Resolve(ctx, device.Cert)
		if err != nil {
			t.Fatalf("Unexpected error: %s", err)
		}
		if got != want {
			t.Errorf("Got %v; want %v", got, want)
		}
		if len(cache.sets) != 1 || cache.sets[0] != want {
			t.Errorf("Got cache writes %v; want exactly [%v]", cache.sets, want)
		}
		if cached := cache.entries[fingerprint]; cached != want {
			t.Errorf("Cached %v under the fingerprint; want %v", cached, want)
		}
	})

	t.Run("Cache read failure falls through", func(t *testing.T) {
		cache := newFakeCache()
		cache.getErr = errors.New("connection refused")
		acl := &fakeACL{entry: "admin:abc123"}
		r, _ := NewResolver(config.AuthorizationModeFingerprint, cache, acl, log.NewNopLogger())

		got, err := r.Resolve(ctx, device.Cert)
		if err != nil || got != want {
			t.Errorf("Got %v, %v; want %v, nil", got, err, want)
		}
		if acl.calls != 1 {
			t.Errorf("certificate-acl called %d times; want 1", acl.calls)
		}
	})

	t.Run("Cache write failure is not fatal", func(t *testing.T) {
		cache := newFakeCache()
		cache.setErr = errors.New("read only replica")
		acl := &fakeACL{entry: "admin:abc123"}
		r, _ := NewResolver(config.AuthorizationModeFingerprint, cache, acl, log.NewNopLogger())

		got, err := r.Resolve(ctx, device.Cert)
		if err != nil || got != want {
			t.Errorf("Got %v, %v; want %v, nil", got, err, want)
		}
	})

	failures := []struct {
		name string
		acl  *fakeACL
	}{
		{"Empty entry", &fakeACL{entry: ""}},
		{"Missing device", &fakeACL{entry: "admin:"}},
		{"No separator", &fakeACL{entry: "admin"}},
		{"Transport error", &fakeACL{err: errors.New("context deadline exceeded")}},
	}
	for _, tc := range failures {
		t.Run(tc.name, func(t *testing.T) {
			cache := newFakeCache()
			r, _ := NewResolver(config.AuthorizationModeFingerprint, cache, tc.acl, log.NewNopLogger())

			_, err := r.Resolve(ctx, device.Cert)
			if err != ErrACLResolutionFailed {
				t.Errorf("Got error %v; want %v", err, ErrACLResolutionFailed)
			}
			if len(cache.sets) != 0 {
				t.Errorf("Got %d cache writes; want 0", len(cache.sets))
			}
		})
	}
}

func TestCommonNameResolver(t *testing.T) {
	root := pkitest.RootCA(t, "Root")
	r, err := NewResolver(config.AuthorizationModeCN, nil, nil, log.NewNopLogger())
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	testCases := []struct {
		name string
		cn   string
		want Identity
		ret  error
	}{
		{"Well formed CN", "admin:abc123", Identity{Tenant: "admin", DeviceID: "abc123"}, nil},
		{"Missing device", "admin:", Identity{}, ErrInvalidCertificate},
		{"Plain hostname", "device.example.com", Identity{}, ErrInvalidCertificate},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			device := pkitest.Device(t, tc.cn, root)
			got, err := r.Resolve(context.Background(), device.Cert)
			if err != tc.ret || got != tc.want {
				t.Errorf("Got %v, %v; want %v, %v", got, err, tc.want, tc.ret)
			}
		})
	}
}

func TestNewResolver(t *testing.T) {
	if _, err := NewResolver("token", nil, nil, log.NewNopLogger()); err != config.ErrUnknownAuthorizationMode {
		t.Errorf("Got error %v; want %v", err, config.ErrUnknownAuthorizationMode)
	}
	if _, err := NewResolver(config.AuthorizationModeFingerprint, nil, nil, log.NewNopLogger()); err == nil {
		t.Error("Fingerprint mode without collaborators must fail")
	}
}
