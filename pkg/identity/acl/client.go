package acl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/tracing/opentracing"
	httptransport "github.com/go-kit/kit/transport/http"
	stdopentracing "github.com/opentracing/opentracing-go"
)

const aclEntriesPath = "/internal/api/v1/acl-entries/"

var ErrUnexpectedPayload = errors.New("certificate-acl returned a non string payload")

type Client struct {
	getACLEntry endpoint.Endpoint
	timeout     time.Duration
}

// NewClient builds a client for the certificate-acl service at instance. A
// single request is made per lookup, bounded by timeout.
func NewClient(instance string, timeout time.Duration, otTracer stdopentracing.Tracer, logger log.Logger) (*Client, error) {
	if !strings.HasPrefix(instance, "http") {
		instance = "http://" + instance
	}
	u, err := url.Parse(instance)
	if err != nil {
		return nil, err
	}

	var getACLEntry endpoint.Endpoint
	{
		getACLEntry = httptransport.NewClient(
			"GET",
			u,
			encodeGetACLEntryRequest,
			decodeGetACLEntryResponse,
			httptransport.SetClient(&http.Client{Timeout: timeout}),
			httptransport.ClientBefore(opentracing.ContextToHTTP(otTracer, logger)),
		).Endpoint()
		getACLEntry = opentracing.TraceClient(otTracer, "GetACLEntry")(getACLEntry)
	}

	return &Client{getACLEntry: getACLEntry, timeout: timeout}, nil
}

func (c *Client) GetACLEntry(ctx context.Context, fingerprint string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	response, err := c.getACLEntry(ctx, fingerprint)
	if err != nil {
		return "", err
	}
	return response.(string), nil
}

func encodeGetACLEntryRequest(_ context.Context, r *http.Request, request interface{}) error {
	fingerprint := request.(string)
	r.URL.Path = strings.TrimSuffix(r.URL.Path, "/") + aclEntriesPath + url.PathEscape(fingerprint)
	r.Header.Set("Accept", "application/json")
	return nil
}

func decodeGetACLEntryResponse(_ context.Context, r *http.Response) (interface{}, error) {
	if r.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("certificate-acl responded with status %d", r.StatusCode)
	}
	var payload interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return nil, err
	}
	entry, ok := payload.(string)
	if !ok {
		return nil, ErrUnexpectedPayload
	}
	return entry, nil
}
