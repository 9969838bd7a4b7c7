package api

import (
	"context"
	"encoding/json"
	"strconv"

	gwerrors "github.com/LuanEdCosta/dojot/pkg/errors"
	"github.com/LuanEdCosta/dojot/pkg/identity"
	"github.com/LuanEdCosta/dojot/pkg/identity/mtls"
	"github.com/LuanEdCosta/dojot/pkg/incoming/models/message"

	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/tracing/opentracing"
	stdopentracing "github.com/opentracing/opentracing-go"
)

const publishedMessage = "Successfully published!"

type Endpoints struct {
	HealthEndpoint       endpoint.Endpoint
	PostMessageEndpoint  endpoint.Endpoint
	PostMessagesEndpoint endpoint.Endpoint
}

func MakeServerEndpoints(s Service, auth *identity.Authenticator, otTracer stdopentracing.Tracer) Endpoints {
	var healthEndpoint endpoint.Endpoint
	{
		healthEndpoint = MakeHealthEndpoint(s)
		healthEndpoint = opentracing.TraceServer(otTracer, "Health")(healthEndpoint)
	}
	var postMessageEndpoint endpoint.Endpoint
	{
		postMessageEndpoint = MakePostMessageEndpoint(s)
		postMessageEndpoint = mtls.NewParser(auth)(postMessageEndpoint)
		postMessageEndpoint = opentracing.TraceServer(otTracer, "PostMessage")(postMessageEndpoint)
	}
	var postMessagesEndpoint endpoint.Endpoint
	{
		postMessagesEndpoint = MakePostMessagesEndpoint(s)
		postMessagesEndpoint = mtls.NewParser(auth)(postMessagesEndpoint)
		postMessagesEndpoint = opentracing.TraceServer(otTracer, "PostMessages")(postMessagesEndpoint)
	}

	return Endpoints{
		HealthEndpoint:       healthEndpoint,
		PostMessageEndpoint:  postMessageEndpoint,
		PostMessagesEndpoint: postMessagesEndpoint,
	}
}

func MakeHealthEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		healthy := s.Health(ctx)
		return HealthResponse{Healthy: healthy}, nil
	}
}

func MakePostMessageEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(PostMessageRequest)
		if req.TooLarge {
			return nil, ErrPayloadTooLarge()
		}
		id, _ := identity.FromContext(ctx)

		msg, err := message.Decode(req.Body)
		if err != nil {
			return nil, &gwerrors.ValidationError{Msg: err.Error()}
		}
		if err := s.PublishMessage(ctx, id, msg); err != nil {
			return nil, err
		}
		return PostMessageResponse{Success: true, Message: publishedMessage}, nil
	}
}

// MakePostMessagesEndpoint validates every message of the batch before
// publishing any of them and reports all failures keyed by position.
func MakePostMessagesEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(PostMessagesRequest)
		if req.TooLarge {
			return nil, ErrPayloadTooLarge()
		}
		id, _ := identity.FromContext(ctx)

		raws, err := message.SplitBatch(req.Body)
		if err != nil {
			return nil, &gwerrors.ValidationError{Msg: err.Error()}
		}

		msgs := make([]message.Message, 0, len(raws))
		failures := make(map[string]string)
		for i, raw := range raws {
			msg, err := message.Decode(raw)
			if err != nil {
				failures[strconv.Itoa(i)] = err.Error()
				continue
			}
			msgs = append(msgs, msg)
		}
		if len(failures) > 0 {
			return nil, &BatchValidationError{Failures: failures}
		}

		if err := s.PublishMessages(ctx, id, msgs); err != nil {
			return nil, err
		}
		return PostMessageResponse{Success: true, Message: publishedMessage}, nil
	}
}

// BatchValidationError maps the index of each rejected message to the
// reason it was rejected.
type BatchValidationError struct {
	Failures map[string]string
}

func (e *BatchValidationError) Error() string {
	b, _ := json.Marshal(e.Failures)
	return string(b)
}

type HealthResponse struct {
	Healthy bool `json:"healthy"`
}

type PostMessageRequest struct {
	Body     []byte
	TooLarge bool
}

type PostMessagesRequest struct {
	Body     []byte
	TooLarge bool
}

type PostMessageResponse struct {
	Success bool        `json:"success"`
	Message interface{} `json:"message"`
}

type UnauthorizedResponse struct {
	Error string `json:"error"`
}
