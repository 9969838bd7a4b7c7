package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/LuanEdCosta/dojot/pkg/auth"
	gwerrors "github.com/LuanEdCosta/dojot/pkg/errors"
	"github.com/LuanEdCosta/dojot/pkg/trustedca/models/ca"
	"github.com/LuanEdCosta/dojot/pkg/utils"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/tracing/opentracing"
	"github.com/go-kit/kit/transport"
	httptransport "github.com/go-kit/kit/transport/http"
	"github.com/gorilla/mux"
	stdopentracing "github.com/opentracing/opentracing-go"
)

const (
	defaultLimit = 25
	maxLimit     = 250
)

// Query parameters that are not filters.
var listParams = map[string]bool{
	"fields": true,
	"limit":  true,
	"offset": true,
	"sortBy": true,
}

type errorer interface {
	error() error
}

func ErrMissingCaFingerprint() error {
	return &gwerrors.GenericError{
		Message:    "CA fingerprint not specified",
		StatusCode: http.StatusBadRequest,
	}
}

func HTTPToContext(logger log.Logger) httptransport.RequestFunc {
	return func(ctx context.Context, req *http.Request) context.Context {
		reqLogger := logger
		if uberTraceId := req.Header.Values("Uber-Trace-Id"); uberTraceId != nil {
			reqLogger = log.With(reqLogger, "span_id", uberTraceId)
		} else if span := stdopentracing.SpanFromContext(ctx); span != nil {
			reqLogger = log.With(reqLogger, "span_id", span)
		}
		return context.WithValue(ctx, utils.LoggerContextKey, reqLogger)
	}
}

// MakeHTTPHandler serves the tenant facing API under /api/v1 and the
// internal API under /internal/api/v1.
func MakeHTTPHandler(factory ServiceFactory, a auth.Auth, logger log.Logger, otTracer stdopentracing.Tracer) http.Handler {
	r := mux.NewRouter()
	e := MakeServerEndpoints(factory, a, otTracer)
	options := []httptransport.ServerOption{
		httptransport.ServerErrorHandler(transport.NewLogErrorHandler(logger)),
		httptransport.ServerErrorEncoder(encodeError),
	}

	r.Methods("GET").Path("/health").Handler(httptransport.NewServer(
		e.HealthEndpoint,
		decodeHealthRequest,
		encodeResponse,
		append(
			options,
			httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "Health", logger)),
			httptransport.ServerBefore(HTTPToContext(logger)),
		)...,
	))

	r.Methods("POST").Path("/api/v1/trusted-cas").Handler(httptransport.NewServer(
		e.PostTrustedCAEndpoint,
		decodePostTrustedCARequest,
		encodeResponse,
		append(
			options,
			httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "PostTrustedCA", logger)),
			httptransport.ServerBefore(HTTPToContext(logger)),
			httptransport.ServerBefore(auth.HTTPToContext()),
		)...,
	))

	r.Methods("GET").Path("/api/v1/trusted-cas").Handler(httptransport.NewServer(
		e.GetTrustedCAsEndpoint,
		decodeGetTrustedCAsRequest,
		encodeResponse,
		append(
			options,
			httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "GetTrustedCAs", logger)),
			httptransport.ServerBefore(HTTPToContext(logger)),
			httptransport.ServerBefore(auth.HTTPToContext()),
		)...,
	))

	r.Methods("GET").Path("/api/v1/trusted-cas/{caFingerprint}").Handler(httptransport.NewServer(
		e.GetTrustedCAEndpoint,
		decodeGetTrustedCARequest,
		encodeResponse,
		append(
			options,
			httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "GetTrustedCA", logger)),
			httptransport.ServerBefore(HTTPToContext(logger)),
			httptransport.ServerBefore(auth.HTTPToContext()),
		)...,
	))

	r.Methods("PATCH").Path("/api/v1/trusted-cas/{caFingerprint}").Handler(httptransport.NewServer(
		e.PatchTrustedCAEndpoint,
		decodePatchTrustedCARequest,
		encodeResponse,
		append(
			options,
			httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "PatchTrustedCA", logger)),
			httptransport.ServerBefore(HTTPToContext(logger)),
			httptransport.ServerBefore(auth.HTTPToContext()),
		)...,
	))

	r.Methods("DELETE").Path("/api/v1/trusted-cas/{caFingerprint}").Handler(httptransport.NewServer(
		e.DeleteTrustedCAEndpoint,
		decodeDeleteTrustedCARequest,
		encodeResponse,
		append(
			options,
			httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "DeleteTrustedCA", logger)),
			httptransport.ServerBefore(HTTPToContext(logger)),
			httptransport.ServerBefore(auth.HTTPToContext()),
		)...,
	))

	r.Methods("GET").Path("/internal/api/v1/trusted-cas/bundle").Handler(httptransport.NewServer(
		e.GetCertificateBundleEndpoint,
		decodeHealthRequest,
		encodeResponse,
		append(
			options,
			httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "GetCertificateBundle", logger)),
			httptransport.ServerBefore(HTTPToContext(logger)),
		)...,
	))

	return r
}

func decodeHealthRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	return nil, nil
}

func decodePostTrustedCARequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	var req PostTrustedCARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, &gwerrors.ValidationError{Msg: "Invalid JSON payload"}
	}
	return req, nil
}

func decodeGetTrustedCAsRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	q := r.URL.Query()
	req := GetTrustedCAsRequest{
		Fields:  splitFields(q.Get("fields")),
		Filter:  ca.Filter{},
		Options: ca.ListOptions{Limit: defaultLimit, SortBy: q.Get("sortBy")},
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxLimit {
			return nil, &gwerrors.ValidationError{Msg: `"limit" must be an integer between 1 and ` + strconv.Itoa(maxLimit)}
		}
		req.Options.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return nil, &gwerrors.ValidationError{Msg: `"offset" must be a non negative integer`}
		}
		req.Options.Offset = offset
	}
	for k := range q {
		if !listParams[k] {
			req.Filter[k] = q.Get(k)
		}
	}
	return req, nil
}

func decodeGetTrustedCARequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	fingerprint, ok := mux.Vars(r)["caFingerprint"]
	if !ok {
		return nil, ErrMissingCaFingerprint()
	}
	return GetTrustedCARequest{
		CaFingerprint: fingerprint,
		Fields:        splitFields(r.URL.Query().Get("fields")),
	}, nil
}

func decodePatchTrustedCARequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	fingerprint, ok := mux.Vars(r)["caFingerprint"]
	if !ok {
		return nil, ErrMissingCaFingerprint()
	}
	var req PatchTrustedCARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, &gwerrors.ValidationError{Msg: "Invalid JSON payload"}
	}
	req.CaFingerprint = fingerprint
	return req, nil
}

func decodeDeleteTrustedCARequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	fingerprint, ok := mux.Vars(r)["caFingerprint"]
	if !ok {
		return nil, ErrMissingCaFingerprint()
	}
	return DeleteTrustedCARequest{CaFingerprint: fingerprint}, nil
}

func splitFields(v string) []string {
	if v == "" {
		return nil
	}
	fields := make([]string, 0)
	for _, f := range strings.Split(v, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

func encodeResponse(ctx context.Context, w http.ResponseWriter, response interface{}) error {
	if e, ok := response.(errorer); ok && e.error() != nil {
		encodeError(ctx, e.error(), w)
		return nil
	}
	if sc, ok := response.(httptransport.StatusCoder); ok && sc.StatusCode() == http.StatusNoContent {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if sc, ok := response.(httptransport.StatusCoder); ok {
		w.WriteHeader(sc.StatusCode())
	}
	return json.NewEncoder(w).Encode(response)
}

type errorResponse struct {
	Error string `json:"error"`
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	if err == nil {
		panic("encodeError with nil error")
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(codeFrom(err))
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func codeFrom(err error) int {
	var unauthorized *gwerrors.UnauthorizedError
	var validation *gwerrors.ValidationError
	var duplicate *gwerrors.DuplicateResourceError
	var notFound *gwerrors.ResourceNotFoundError
	var generic *gwerrors.GenericError
	switch {
	case errors.As(err, &unauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &duplicate):
		return http.StatusConflict
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &generic):
		return generic.StatusCode
	default:
		return http.StatusInternalServerError
	}
}
