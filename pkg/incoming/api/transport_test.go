package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/LuanEdCosta/dojot/pkg/config"
	"github.com/LuanEdCosta/dojot/pkg/identity"
	"github.com/LuanEdCosta/dojot/pkg/identity/mtls"
	"github.com/LuanEdCosta/dojot/pkg/pki"
	"github.com/LuanEdCosta/dojot/pkg/pki/pkitest"

	"github.com/go-kit/kit/log"
	stdopentracing "github.com/opentracing/opentracing-go"
)

const mount = "/http-agent/v1"

type fakeCache struct {
	mtx     sync.Mutex
	entries map[string]identity.Identity
	gets    int
	sets    []identity.Identity
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]identity.Identity)}
}

func (c *fakeCache) Get(ctx context.Context, fingerprint string) (identity.Identity, bool, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.gets++
	id, ok := c.entries[fingerprint]
	return id, ok, nil
}

func (c *fakeCache) Set(ctx context.Context, fingerprint string, id identity.Identity) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.sets = append(c.sets, id)
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

type testServer struct {
	handler  http.Handler
	producer *fakeProducer
	cache    *fakeCache
	acl      *fakeACL
	root     *pkitest.Issued
}

func newTestServer(t *testing.T, mode string, unsecure bool, acl *fakeACL) *testServer {
	t.Helper()
	root := pkitest.RootCA(t, "Devices CA")
	pool := x509.NewCertPool()
	pool.AddCert(root.Cert)

	cache := newFakeCache()
	resolver, err := identity.NewResolver(mode, cache, acl, log.NewNopLogger())
	if err != nil {
		t.Fatalf("Unexpected error building resolver: %s", err)
	}
	p := &fakeProducer{}
	s := NewIncomingService(p, "device-data", log.NewNopLogger())
	auth := identity.NewAuthenticator(unsecure, resolver)

	h := MakeHTTPHandler(s, auth, mtls.NewVerifier(pool), HTTPOptions{
		Mount:        mount,
		UnsecureMode: unsecure,
		BodyLimit:    1024,
	}, log.NewNopLogger(), stdopentracing.NoopTracer{})
	return &testServer{handler: h, producer: p, cache: cache, acl: acl, root: root}
}

func (ts *testServer) do(path string, body string, peer *x509.Certificate) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if peer != nil {
		req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{peer}}
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func assertResponse(t *testing.T, rec *httptest.ResponseRecorder, wantStatus int, wantBody string) {
	t.Helper()
	if rec.Code != wantStatus {
		t.Errorf("Got status %d; want %d (body %s)", rec.Code, wantStatus, rec.Body.String())
	}
	var got, want interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Response is not JSON: %s", rec.Body.String())
	}
	if err := json.Unmarshal([]byte(wantBody), &want); err != nil {
		t.Fatalf("Bad expected body %s", wantBody)
	}
	gotJSON, _ := json.Marshal(got)
	wantJSON, _ := json.Marshal(want)
	if string(gotJSON) != string(wantJSON) {
		t.Errorf("Got body %s; want %s", gotJSON, wantJSON)
	}
}

const (
	validMessage   = `{"ts": "2021-02-01T00:00:00Z", "attrs": {"temperature": 21}}`
	publishedBody  = `{"success": true, "message": "Successfully published!"}`
	aclFailureBody = `{"error": "Error trying to get tenant and deviceId in certificate-acl."}`
)

func TestPostMessageFingerprintCacheHit(t *testing.T) {
	acl := &fakeACL{}
	ts := newTestServer(t, config.AuthorizationModeFingerprint, false, acl)
	device := pkitest.Device(t, "some device", ts.root)
	ts.cache.entries[pki.GetFingerprint(device.Cert)] = identity.Identity{Tenant: "admin", DeviceID: "abc123"}

	rec := ts.do(mount+"/incoming-messages", validMessage, device.Cert)

	assertResponse(t, rec, http.StatusOK, publishedBody)
	if acl.calls != 0 {
		t.Errorf("Got %d certificate-acl calls; want 0", acl.calls)
	}
	if ts.producer.count() != 1 {
		t.Fatalf("Got %d published messages; want 1", ts.producer.count())
	}
	if ts.producer.sent[0].topic != "admin.device-data" {
		t.Errorf("Got topic %s; want admin.device-data", ts.producer.sent[0].topic)
	}
}

func TestPostMessageFingerprintCacheMiss(t *testing.T) {
	testCases := []struct {
		name       string
		acl        *fakeACL
		wantStatus int
		wantBody   string
		wantSets   int
	}{
		{"Resolved by certificate-acl", &fakeACL{entry: "admin:abc123"}, http.StatusOK, publishedBody, 1},
		{"Empty entry", &fakeACL{entry: ""}, http.StatusUnauthorized, aclFailureBody, 0},
		{"Non string entry", &fakeACL{err: errors.New("unexpected certificate-acl payload")}, http.StatusUnauthorized, aclFailureBody, 0},
		{"Malformed entry", &fakeACL{entry: "admin"}, http.StatusUnauthorized, aclFailureBody, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, config.AuthorizationModeFingerprint, false, tc.acl)
			device := pkitest.Device(t, "some device", ts.root)

			rec := ts.do(mount+"/incoming-messages", validMessage, device.Cert)

			assertResponse(t, rec, tc.wantStatus, tc.wantBody)
			if len(ts.cache.sets) != tc.wantSets {
				t.Fatalf("Got %d cache writes; want %d", len(ts.cache.sets), tc.wantSets)
			}
			if tc.wantSets == 1 {
				want := identity.Identity{Tenant: "admin", DeviceID: "abc123"}
				if ts.cache.sets[0] != want {
					t.Errorf("Got cached identity %v; want %v", ts.cache.sets[0], want)
				}
			}
		})
	}
}

func TestPostMessageCommonNameMode(t *testing.T) {
	acl := &fakeACL{entry: "other:device"}
	ts := newTestServer(t, config.AuthorizationModeCN, false, acl)
	device := pkitest.Device(t, "admin:abc123", ts.root)

	rec := ts.do(mount+"/incoming-messages", validMessage, device.Cert)

	assertResponse(t, rec, http.StatusOK, publishedBody)
	if ts.cache.gets != 0 || len(ts.cache.sets) != 0 {
		t.Errorf("Got %d cache reads and %d writes; want none", ts.cache.gets, len(ts.cache.sets))
	}
	if acl.calls != 0 {
		t.Errorf("Got %d certificate-acl calls; want 0", acl.calls)
	}
	if ts.producer.sent[0].key != "admin:abc123" {
		t.Errorf("Got key %s; want admin:abc123", ts.producer.sent[0].key)
	}
}

func TestPostMessageCertificateErrors(t *testing.T) {
	ts := newTestServer(t, config.AuthorizationModeCN, false, &fakeACL{})
	stranger := pkitest.Device(t, "admin:abc123", pkitest.RootCA(t, "Unknown CA"))

	testCases := []struct {
		name     string
		peer     *x509.Certificate
		wantBody string
	}{
		{"Missing certificate", nil, `{"error": "Missing client certificate"}`},
		{"Untrusted certificate", stranger.Cert, `{"error": "Client certificate is invalid"}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(mount+"/incoming-messages", validMessage, tc.peer)
			assertResponse(t, rec, http.StatusUnauthorized, tc.wantBody)
		})
	}
	if ts.producer.count() != 0 {
		t.Errorf("Got %d published messages; want 0", ts.producer.count())
	}
}

func TestPostMessageValidation(t *testing.T) {
	ts := newTestServer(t, config.AuthorizationModeCN, false, &fakeACL{})
	device := pkitest.Device(t, "admin:abc123", ts.root)

	testCases := []struct {
		name     string
		path     string
		body     string
		wantBody string
	}{
		{"Missing attrs", "/incoming-messages", `{"ts": 1612137600000}`, `{"success": false, "message": "\"attrs\" is required"}`},
		{"Missing ts", "/incoming-messages", `{"attrs": {}}`, `{"success": false, "message": "\"ts\" is required"}`},
		{"Invalid JSON", "/incoming-messages", `{"ts": `, `{"success": false, "message": "Invalid JSON payload"}`},
		{
			"Batch with two messages missing attrs",
			"/incoming-messages/create-many",
			`[{"ts": 1}, {"ts": 2}]`,
			`{"success": false, "message": {"0": "\"attrs\" is required", "1": "\"attrs\" is required"}}`,
		},
		{
			"Batch with one bad message",
			"/incoming-messages/create-many",
			`[{"ts": 1, "attrs": {}}, {"ts": "yesterday", "attrs": {}}]`,
			`{"success": false, "message": {"1": "\"ts\" must be a valid date"}}`,
		},
		{"Batch that is not an array", "/incoming-messages/create-many", `{"ts": 1, "attrs": {}}`, `{"success": false, "message": "\"value\" must be an array"}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(mount+tc.path, tc.body, device.Cert)
			assertResponse(t, rec, http.StatusBadRequest, tc.wantBody)
		})
	}
	if ts.producer.count() != 0 {
		t.Errorf("Got %d published messages; want 0", ts.producer.count())
	}
}

func TestPostMessagesBatch(t *testing.T) {
	ts := newTestServer(t, config.AuthorizationModeCN, false, &fakeACL{})
	device := pkitest.Device(t, "admin:abc123", ts.root)

	body := `[{"ts": 1, "attrs": {"a": 1}}, {"ts": 2, "attrs": {"a": 2}}, {"ts": 3, "attrs": {"a": 3}}]`
	rec := ts.do(mount+"/incoming-messages/create-many", body, device.Cert)

	assertResponse(t, rec, http.StatusOK, publishedBody)
	if ts.producer.count() != 3 {
		t.Errorf("Got %d published messages; want 3", ts.producer.count())
	}
}

func TestUnsecureRoutes(t *testing.T) {
	t.Run("Enabled", func(t *testing.T) {
		ts := newTestServer(t, config.AuthorizationModeFingerprint, true, &fakeACL{})

		rec := ts.do(mount+"/unsecure/incoming-messages?tenant=admin&deviceId=abc123", validMessage, nil)
		assertResponse(t, rec, http.StatusOK, publishedBody)

		rec = ts.do(mount+"/unsecure/incoming-messages/create-many?tenant=admin&deviceId=abc123", "["+validMessage+"]", nil)
		assertResponse(t, rec, http.StatusOK, publishedBody)

		if ts.cache.gets != 0 || ts.acl.calls != 0 {
			t.Errorf("Got %d cache reads and %d certificate-acl calls; want none", ts.cache.gets, ts.acl.calls)
		}
		if ts.producer.count() != 2 {
			t.Errorf("Got %d published messages; want 2", ts.producer.count())
		}
		if ts.producer.sent[0].key != "admin:abc123" {
			t.Errorf("Got key %s; want admin:abc123", ts.producer.sent[0].key)
		}
	})

	t.Run("Missing device id", func(t *testing.T) {
		ts := newTestServer(t, config.AuthorizationModeFingerprint, true, &fakeACL{})
		rec := ts.do(mount+"/unsecure/incoming-messages?tenant=admin", validMessage, nil)
		assertResponse(t, rec, http.StatusBadRequest, `{"success": false, "message": "\"deviceId\" is required"}`)
	})

	t.Run("Disabled", func(t *testing.T) {
		ts := newTestServer(t, config.AuthorizationModeFingerprint, false, &fakeACL{})
		rec := ts.do(mount+"/unsecure/incoming-messages?tenant=admin&deviceId=abc123", validMessage, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("Got status %d; want %d", rec.Code, http.StatusNotFound)
		}
	})
}

func TestPostMessageBodyLimit(t *testing.T) {
	ts := newTestServer(t, config.AuthorizationModeCN, false, &fakeACL{})
	device := pkitest.Device(t, "admin:abc123", ts.root)
	body := `{"ts": 1, "attrs": {"blob": "` + strings.Repeat("x", 2048) + `"}}`

	testCases := []struct {
		name       string
		path       string
		peer       *x509.Certificate
		wantStatus int
	}{
		{"Authenticated message", "/incoming-messages", device.Cert, http.StatusRequestEntityTooLarge},
		{"Authenticated batch", "/incoming-messages/create-many", device.Cert, http.StatusRequestEntityTooLarge},
		{"Missing certificate", "/incoming-messages", nil, http.StatusUnauthorized},
		{"Missing certificate on batch", "/incoming-messages/create-many", nil, http.StatusUnauthorized},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(mount+tc.path, body, tc.peer)
			if rec.Code != tc.wantStatus {
				t.Errorf("Got status %d; want %d", rec.Code, tc.wantStatus)
			}
		})
	}
	if ts.producer.count() != 0 {
		t.Errorf("Got %d published messages; want 0", ts.producer.count())
	}
}

func TestRemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", mount+"/health", nil)
	req.RemoteAddr = "10.0.0.1:4000"
	req.Header.Set("X-Forwarded-For", "192.168.1.7, 10.0.0.1")

	if got := remoteAddr(req, false); got != "10.0.0.1:4000" {
		t.Errorf("Got %s; want 10.0.0.1:4000", got)
	}
	if got := remoteAddr(req, true); got != "192.168.1.7" {
		t.Errorf("Got %s; want 192.168.1.7", got)
	}
}
