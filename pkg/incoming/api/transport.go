package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	gwerrors "github.com/LuanEdCosta/dojot/pkg/errors"
	"github.com/LuanEdCosta/dojot/pkg/identity"
	"github.com/LuanEdCosta/dojot/pkg/identity/mtls"
	"github.com/LuanEdCosta/dojot/pkg/utils"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/tracing/opentracing"
	"github.com/go-kit/kit/transport"
	httptransport "github.com/go-kit/kit/transport/http"
	"github.com/gorilla/mux"
	stdopentracing "github.com/opentracing/opentracing-go"
)

type errorer interface {
	error() error
}

type HTTPOptions struct {
	// Mount is the path prefix of every device route, e.g. /http-agent/v1.
	Mount        string
	UnsecureMode bool
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool
	// BodyLimit is the maximum request body size in bytes. Zero disables it.
	BodyLimit int64
}

func ErrPayloadTooLarge() error {
	return &gwerrors.GenericError{
		Message:    "request entity too large",
		StatusCode: http.StatusRequestEntityTooLarge,
	}
}

func HTTPToContext(logger log.Logger, trustProxy bool) httptransport.RequestFunc {
	return func(ctx context.Context, req *http.Request) context.Context {
		reqLogger := log.With(logger, "remote_addr", remoteAddr(req, trustProxy))
		if uberTraceId := req.Header.Values("Uber-Trace-Id"); uberTraceId != nil {
			reqLogger = log.With(reqLogger, "span_id", uberTraceId)
		} else if span := stdopentracing.SpanFromContext(ctx); span != nil {
			reqLogger = log.With(reqLogger, "span_id", span)
		}
		return context.WithValue(ctx, utils.LoggerContextKey, reqLogger)
	}
}

func remoteAddr(req *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
			return strings.TrimSpace(strings.Split(fwd, ",")[0])
		}
	}
	return req.RemoteAddr
}

func MakeHTTPHandler(s Service, auth *identity.Authenticator, verifier *mtls.Verifier, opts HTTPOptions, logger log.Logger, otTracer stdopentracing.Tracer) http.Handler {
	r := mux.NewRouter()
	e := MakeServerEndpoints(s, auth, otTracer)
	options := []httptransport.ServerOption{
		httptransport.ServerErrorHandler(transport.NewLogErrorHandler(logger)),
		httptransport.ServerErrorEncoder(encodeError),
	}
	mount := strings.TrimSuffix(opts.Mount, "/")

	r.Methods("GET").Path(mount + "/health").Handler(httptransport.NewServer(
		e.HealthEndpoint,
		decodeHealthRequest,
		encodeResponse,
		append(
			options,
			httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "Health", logger)),
			httptransport.ServerBefore(HTTPToContext(logger, opts.TrustProxy)),
		)...,
	))

	r.Methods("POST").Path(mount + "/incoming-messages").Handler(httptransport.NewServer(
		e.PostMessageEndpoint,
		decodePostMessageRequest(opts.BodyLimit),
		encodeResponse,
		append(
			options,
			httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "PostMessage", logger)),
			httptransport.ServerBefore(HTTPToContext(logger, opts.TrustProxy)),
			httptransport.ServerBefore(mtls.HTTPToContext(verifier)),
		)...,
	))

	r.Methods("POST").Path(mount + "/incoming-messages/create-many").Handler(httptransport.NewServer(
		e.PostMessagesEndpoint,
		decodePostMessagesRequest(opts.BodyLimit),
		encodeResponse,
		append(
			options,
			httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "PostMessages", logger)),
			httptransport.ServerBefore(HTTPToContext(logger, opts.TrustProxy)),
			httptransport.ServerBefore(mtls.HTTPToContext(verifier)),
		)...,
	))

	if opts.UnsecureMode {
		r.Methods("POST").Path(mount + "/unsecure/incoming-messages").Handler(httptransport.NewServer(
			e.PostMessageEndpoint,
			decodePostMessageRequest(opts.BodyLimit),
			encodeResponse,
			append(
				options,
				httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "PostUnsecureMessage", logger)),
				httptransport.ServerBefore(HTTPToContext(logger, opts.TrustProxy)),
				httptransport.ServerBefore(mtls.UnsecureHTTPToContext()),
			)...,
		))

		r.Methods("POST").Path(mount + "/unsecure/incoming-messages/create-many").Handler(httptransport.NewServer(
			e.PostMessagesEndpoint,
			decodePostMessagesRequest(opts.BodyLimit),
			encodeResponse,
			append(
				options,
				httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "PostUnsecureMessages", logger)),
				httptransport.ServerBefore(HTTPToContext(logger, opts.TrustProxy)),
				httptransport.ServerBefore(mtls.UnsecureHTTPToContext()),
			)...,
		))
	}

	return r
}

func decodeHealthRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	return nil, nil
}

// The body is only read here. Parsing and the size limit are left to the
// endpoints so that an unauthenticated device gets 401 whatever it sent.
func decodePostMessageRequest(limit int64) httptransport.DecodeRequestFunc {
	return func(ctx context.Context, r *http.Request) (interface{}, error) {
		body, tooLarge, err := readBody(r, limit)
		if err != nil {
			return nil, err
		}
		return PostMessageRequest{Body: body, TooLarge: tooLarge}, nil
	}
}

func decodePostMessagesRequest(limit int64) httptransport.DecodeRequestFunc {
	return func(ctx context.Context, r *http.Request) (interface{}, error) {
		body, tooLarge, err := readBody(r, limit)
		if err != nil {
			return nil, err
		}
		return PostMessagesRequest{Body: body, TooLarge: tooLarge}, nil
	}
}

// readBody reads at most limit+1 bytes and reports whether the body went
// over limit.
func readBody(r *http.Request, limit int64) ([]byte, bool, error) {
	var reader io.Reader = r.Body
	if limit > 0 {
		reader = io.LimitReader(r.Body, limit+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, false, err
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, true, nil
	}
	return body, false, nil
}

func encodeResponse(ctx context.Context, w http.ResponseWriter, response interface{}) error {
	if e, ok := response.(errorer); ok && e.error() != nil {
		encodeError(ctx, e.error(), w)
		return nil
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	return json.NewEncoder(w).Encode(response)
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	if err == nil {
		panic("encodeError with nil error")
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(codeFrom(err))

	var unauthorized *gwerrors.UnauthorizedError
	var batch *BatchValidationError
	switch {
	case errors.As(err, &unauthorized):
		json.NewEncoder(w).Encode(UnauthorizedResponse{Error: unauthorized.Reason})
	case errors.As(err, &batch):
		json.NewEncoder(w).Encode(PostMessageResponse{Success: false, Message: batch.Failures})
	default:
		json.NewEncoder(w).Encode(PostMessageResponse{Success: false, Message: err.Error()})
	}
}

func codeFrom(err error) int {
	var unauthorized *gwerrors.UnauthorizedError
	var validation *gwerrors.ValidationError
	var batch *BatchValidationError
	var generic *gwerrors.GenericError
	switch {
	case errors.As(err, &unauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &validation), errors.As(err, &batch):
		return http.StatusBadRequest
	case errors.As(err, &generic):
		return generic.StatusCode
	default:
		return http.StatusInternalServerError
	}
}
