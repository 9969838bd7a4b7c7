package api

import (
	"context"
	"net/http"

	"github.com/LuanEdCosta/dojot/pkg/auth"
	gwerrors "github.com/LuanEdCosta/dojot/pkg/errors"
	"github.com/LuanEdCosta/dojot/pkg/trustedca/models/ca"

	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/tracing/opentracing"
	"github.com/go-playground/validator/v10"
	stdopentracing "github.com/opentracing/opentracing-go"
)

type Endpoints struct {
	HealthEndpoint               endpoint.Endpoint
	PostTrustedCAEndpoint        endpoint.Endpoint
	GetTrustedCAsEndpoint        endpoint.Endpoint
	GetTrustedCAEndpoint         endpoint.Endpoint
	PatchTrustedCAEndpoint       endpoint.Endpoint
	DeleteTrustedCAEndpoint      endpoint.Endpoint
	GetCertificateBundleEndpoint endpoint.Endpoint
}

func MakeServerEndpoints(factory ServiceFactory, a auth.Auth, otTracer stdopentracing.Tracer) Endpoints {
	var healthEndpoint endpoint.Endpoint
	{
		healthEndpoint = MakeHealthEndpoint(factory)
		healthEndpoint = opentracing.TraceServer(otTracer, "Health")(healthEndpoint)
	}
	var postTrustedCAEndpoint endpoint.Endpoint
	{
		postTrustedCAEndpoint = MakePostTrustedCAEndpoint(factory)
		postTrustedCAEndpoint = auth.NewParser(a)(postTrustedCAEndpoint)
		postTrustedCAEndpoint = opentracing.TraceServer(otTracer, "PostTrustedCA")(postTrustedCAEndpoint)
	}
	var getTrustedCAsEndpoint endpoint.Endpoint
	{
		getTrustedCAsEndpoint = MakeGetTrustedCAsEndpoint(factory)
		getTrustedCAsEndpoint = auth.NewParser(a)(getTrustedCAsEndpoint)
		getTrustedCAsEndpoint = opentracing.TraceServer(otTracer, "GetTrustedCAs")(getTrustedCAsEndpoint)
	}
	var getTrustedCAEndpoint endpoint.Endpoint
	{
		getTrustedCAEndpoint = MakeGetTrustedCAEndpoint(factory)
		getTrustedCAEndpoint = auth.NewParser(a)(getTrustedCAEndpoint)
		getTrustedCAEndpoint = opentracing.TraceServer(otTracer, "GetTrustedCA")(getTrustedCAEndpoint)
	}
	var patchTrustedCAEndpoint endpoint.Endpoint
	{
		patchTrustedCAEndpoint = MakePatchTrustedCAEndpoint(factory)
		patchTrustedCAEndpoint = auth.NewParser(a)(patchTrustedCAEndpoint)
		patchTrustedCAEndpoint = opentracing.TraceServer(otTracer, "PatchTrustedCA")(patchTrustedCAEndpoint)
	}
	var deleteTrustedCAEndpoint endpoint.Endpoint
	{
		deleteTrustedCAEndpoint = MakeDeleteTrustedCAEndpoint(factory)
		deleteTrustedCAEndpoint = auth.NewParser(a)(deleteTrustedCAEndpoint)
		deleteTrustedCAEndpoint = opentracing.TraceServer(otTracer, "DeleteTrustedCA")(deleteTrustedCAEndpoint)
	}
	var getCertificateBundleEndpoint endpoint.Endpoint
	{
		getCertificateBundleEndpoint = MakeGetCertificateBundleEndpoint(factory)
		getCertificateBundleEndpoint = opentracing.TraceServer(otTracer, "GetCertificateBundle")(getCertificateBundleEndpoint)
	}

	return Endpoints{
		HealthEndpoint:               healthEndpoint,
		PostTrustedCAEndpoint:        postTrustedCAEndpoint,
		GetTrustedCAsEndpoint:        getTrustedCAsEndpoint,
		GetTrustedCAEndpoint:         getTrustedCAEndpoint,
		PatchTrustedCAEndpoint:       patchTrustedCAEndpoint,
		DeleteTrustedCAEndpoint:      deleteTrustedCAEndpoint,
		GetCertificateBundleEndpoint: getCertificateBundleEndpoint,
	}
}

func tenantService(ctx context.Context, factory ServiceFactory) (Service, error) {
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return nil, auth.ErrTenantMissing
	}
	return factory(tenant), nil
}

func MakeHealthEndpoint(factory ServiceFactory) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		healthy := factory("").Health(ctx)
		return HealthResponse{Healthy: healthy}, nil
	}
}

func MakePostTrustedCAEndpoint(factory ServiceFactory) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(PostTrustedCARequest)
		if err := ValidatePostTrustedCARequest(req); err != nil {
			return nil, err
		}
		s, err := tenantService(ctx, factory)
		if err != nil {
			return nil, err
		}
		fingerprint, err := s.RegisterCertificate(ctx, req.CaPem, req.AllowAutoRegistration)
		if err != nil {
			return nil, err
		}
		return PostTrustedCAResponse{CaFingerprint: fingerprint}, nil
	}
}

func MakeGetTrustedCAsEndpoint(factory ServiceFactory) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(GetTrustedCAsRequest)
		s, err := tenantService(ctx, factory)
		if err != nil {
			return nil, err
		}
		list, err := s.ListCertificates(ctx, req.Fields, req.Filter, req.Options)
		if err != nil {
			return nil, err
		}
		results := make([]map[string]interface{}, 0, len(list.Results))
		for _, c := range list.Results {
			results = append(results, c.Project(req.Fields))
		}
		return GetTrustedCAsResponse{ItemCount: list.ItemCount, Results: results}, nil
	}
}

func MakeGetTrustedCAEndpoint(factory ServiceFactory) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(GetTrustedCARequest)
		s, err := tenantService(ctx, factory)
		if err != nil {
			return nil, err
		}
		c, err := s.GetCertificate(ctx, req.Fields, ca.Filter{"caFingerprint": req.CaFingerprint})
		if err != nil {
			return nil, err
		}
		return c.Project(req.Fields), nil
	}
}

func MakePatchTrustedCAEndpoint(factory ServiceFactory) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(PatchTrustedCARequest)
		if err := ValidatePatchTrustedCARequest(req); err != nil {
			return nil, err
		}
		s, err := tenantService(ctx, factory)
		if err != nil {
			return nil, err
		}
		err = s.ChangeAutoRegistration(ctx, ca.Filter{"caFingerprint": req.CaFingerprint}, *req.AllowAutoRegistration)
		if err != nil {
			return nil, err
		}
		return NoContentResponse{}, nil
	}
}

func MakeDeleteTrustedCAEndpoint(factory ServiceFactory) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(DeleteTrustedCARequest)
		s, err := tenantService(ctx, factory)
		if err != nil {
			return nil, err
		}
		c, err := s.GetCertificate(ctx, nil, ca.Filter{"caFingerprint": req.CaFingerprint})
		if err != nil {
			return nil, err
		}
		if err := s.DeleteCertificate(ctx, c); err != nil {
			return nil, err
		}
		return NoContentResponse{}, nil
	}
}

// MakeGetCertificateBundleEndpoint serves the bundle of every tenant, so it
// is only mounted on the internal API.
func MakeGetCertificateBundleEndpoint(factory ServiceFactory) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		pems, err := factory("").GetCertificateBundle(ctx)
		if err != nil {
			return nil, err
		}
		return pems, nil
	}
}

var validate = validator.New()

func ValidatePostTrustedCARequest(request PostTrustedCARequest) error {
	if err := validate.Struct(request); err != nil {
		return &gwerrors.ValidationError{Msg: `"caPem" is required`}
	}
	return nil
}

func ValidatePatchTrustedCARequest(request PatchTrustedCARequest) error {
	if err := validate.Struct(request); err != nil {
		return &gwerrors.ValidationError{Msg: `"allowAutoRegistration" is required`}
	}
	return nil
}

type HealthResponse struct {
	Healthy bool `json:"healthy"`
}

type PostTrustedCARequest struct {
	CaPem                 string `json:"caPem" validate:"required"`
	AllowAutoRegistration bool   `json:"allowAutoRegistration"`
}

type PostTrustedCAResponse struct {
	CaFingerprint string `json:"caFingerprint"`
}

func (r PostTrustedCAResponse) StatusCode() int {
	return http.StatusCreated
}

type GetTrustedCAsRequest struct {
	Fields  []string
	Filter  ca.Filter
	Options ca.ListOptions
}

type GetTrustedCAsResponse struct {
	ItemCount int                      `json:"itemCount"`
	Results   []map[string]interface{} `json:"results"`
}

type GetTrustedCARequest struct {
	CaFingerprint string
	Fields        []string
}

type PatchTrustedCARequest struct {
	CaFingerprint         string `json:"-"`
	AllowAutoRegistration *bool  `json:"allowAutoRegistration" validate:"required"`
}

type DeleteTrustedCARequest struct {
	CaFingerprint string
}

type NoContentResponse struct{}

func (r NoContentResponse) StatusCode() int {
	return http.StatusNoContent
}
