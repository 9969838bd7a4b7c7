package docs

import (
	"strings"

	"github.com/LuanEdCosta/dojot/pkg/config"

	"github.com/getkin/kin-openapi/openapi3"
)

// NewOpenAPI3 describes the device API mounted under cfg.HTTPMount and the
// trusted CA admin API.
func NewOpenAPI3(cfg config.Config) openapi3.T {
	mount := strings.TrimSuffix(cfg.HTTPMount, "/")

	arrayOf := func(items *openapi3.SchemaRef) *openapi3.SchemaRef {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: "array", Items: items}}
	}
	ref := func(name string) *openapi3.ResponseRef {
		return &openapi3.ResponseRef{Ref: "#/components/responses/" + name}
	}
	withErrors := func(status string, success *openapi3.ResponseRef, errorRef string, codes ...string) openapi3.Responses {
		responses := openapi3.Responses{status: success}
		for _, code := range codes {
			responses[code] = ref(errorRef)
		}
		return responses
	}
	messageResponses := func(codes ...string) openapi3.Responses {
		responses := withErrors("200", ref("PublishedResponse"), "ErrorResponse", codes...)
		responses["400"] = ref("MessageErrorResponse")
		return responses
	}
	fingerprintParam := &openapi3.ParameterRef{
		Value: openapi3.NewPathParameter("caFingerprint").
			WithDescription("SHA-256 fingerprint, colon separated upper case hex").
			WithSchema(openapi3.NewStringSchema()),
	}
	fieldsParam := &openapi3.ParameterRef{
		Value: openapi3.NewQueryParameter("fields").
			WithDescription("Comma separated list of fields to return").
			WithSchema(openapi3.NewStringSchema()),
	}

	openapiSpec := openapi3.T{
		OpenAPI: "3.0.0",
		Info: &openapi3.Info{
			Title:       "dojot device gateway API",
			Description: "Device message ingestion over mutual TLS and trusted CA management",
			Version:     "0.0.0",
			License: &openapi3.License{
				Name: "Apache 2.0",
				URL:  "https://www.apache.org/licenses/LICENSE-2.0",
			},
			Contact: &openapi3.Contact{
				URL: "https://github.com/dojot",
			},
		},
		Servers: openapi3.Servers{
			&openapi3.Server{
				Description: "Current Server",
				URL:         "/",
			},
		},
	}

	openapiSpec.Components.Schemas = openapi3.Schemas{
		"Message": openapi3.NewSchemaRef("",
			openapi3.NewObjectSchema().
				WithProperty("ts", openapi3.NewStringSchema().WithFormat("date-time")).
				WithProperty("attrs", openapi3.NewObjectSchema().WithAnyAdditionalProperties()),
		),
		"TrustedCA": openapi3.NewSchemaRef("",
			openapi3.NewObjectSchema().
				WithProperty("id", openapi3.NewUUIDSchema()).
				WithProperty("caFingerprint", openapi3.NewStringSchema()).
				WithProperty("caPem", openapi3.NewStringSchema()).
				WithProperty("subjectDN", openapi3.NewStringSchema()).
				WithProperty("validity", openapi3.NewObjectSchema().
					WithProperty("notBefore", openapi3.NewDateTimeSchema()).
					WithProperty("notAfter", openapi3.NewDateTimeSchema())).
				WithProperty("allowAutoRegistration", openapi3.NewBoolSchema()).
				WithProperty("tenant", openapi3.NewStringSchema()).
				WithProperty("createdAt", openapi3.NewDateTimeSchema()).
				WithProperty("modifiedAt", openapi3.NewDateTimeSchema()),
		),
	}

	openapiSpec.Components.RequestBodies = openapi3.RequestBodies{
		"postMessageRequest": &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithDescription("Message published on behalf of the authenticated device").
				WithRequired(true).
				WithJSONSchemaRef(&openapi3.SchemaRef{Ref: "#/components/schemas/Message"}),
		},
		"postMessagesRequest": &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithDescription("Messages published in order on behalf of the authenticated device").
				WithRequired(true).
				WithJSONSchemaRef(arrayOf(&openapi3.SchemaRef{Ref: "#/components/schemas/Message"})),
		},
		"postTrustedCARequest": &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithDescription("Root CA certificate to trust for the tenant").
				WithRequired(true).
				WithJSONSchema(openapi3.NewSchema().
					WithProperty("caPem", openapi3.NewStringSchema()).
					WithProperty("allowAutoRegistration", openapi3.NewBoolSchema()),
				),
		},
		"patchTrustedCARequest": &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithDescription("New auto-registration policy").
				WithRequired(true).
				WithJSONSchema(openapi3.NewSchema().
					WithProperty("allowAutoRegistration", openapi3.NewBoolSchema()),
				),
		},
	}

	openapiSpec.Components.Responses = openapi3.Responses{
		"ErrorResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Response when errors happen.").
				WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewSchema().
					WithProperty("error", openapi3.NewStringSchema()))),
		},
		"MessageErrorResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Rejected message. For batches, message maps each rejected index to its reason.").
				WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewSchema().
					WithProperty("success", openapi3.NewBoolSchema()).
					WithProperty("message", openapi3.NewSchema()))),
		},
		"HealthResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Response returned back after healthchecking.").
				WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewSchema().
					WithProperty("healthy", openapi3.NewBoolSchema())),
				),
		},
		"PublishedResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Response returned back after publishing messages.").
				WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewSchema().
					WithProperty("success", openapi3.NewBoolSchema()).
					WithProperty("message", openapi3.NewStringSchema())),
				),
		},
		"PostTrustedCAResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Response returned back after registering a CA.").
				WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewSchema().
					WithProperty("caFingerprint", openapi3.NewStringSchema())),
				),
		},
		"GetTrustedCAsResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Page of trusted CAs of the tenant.").
				WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewSchema().
					WithProperty("itemCount", openapi3.NewIntegerSchema()).
					WithPropertyRef("results", arrayOf(&openapi3.SchemaRef{
						Ref: "#/components/schemas/TrustedCA",
					}))),
				),
		},
		"GetTrustedCAResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Trusted CA restricted to the requested fields.").
				WithContent(openapi3.NewContentWithJSONSchemaRef(&openapi3.SchemaRef{
					Ref: "#/components/schemas/TrustedCA",
				})),
		},
		"GetCertificateBundleResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("One PEM per distinct trusted CA across all tenants.").
				WithContent(openapi3.NewContentWithJSONSchemaRef(arrayOf(openapi3.NewStringSchema().NewRef()))),
		},
		"NoContentResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Done."),
		},
	}

	openapiSpec.Paths = openapi3.Paths{
		mount + "/health": &openapi3.PathItem{
			Get: &openapi3.Operation{
				OperationID: "Health",
				Description: "Get health status of the device API",
				Responses:   openapi3.Responses{"200": ref("HealthResponse")},
			},
		},
		mount + "/incoming-messages": &openapi3.PathItem{
			Post: &openapi3.Operation{
				OperationID: "PostMessage",
				Description: "Publish a message authenticated by the client certificate",
				RequestBody: &openapi3.RequestBodyRef{Ref: "#/components/requestBodies/postMessageRequest"},
				Responses:   messageResponses("401", "413", "500"),
			},
		},
		mount + "/incoming-messages/create-many": &openapi3.PathItem{
			Post: &openapi3.Operation{
				OperationID: "PostMessages",
				Description: "Publish many messages authenticated by the client certificate",
				RequestBody: &openapi3.RequestBodyRef{Ref: "#/components/requestBodies/postMessagesRequest"},
				Responses:   messageResponses("401", "413", "500"),
			},
		},
		"/api/v1/trusted-cas": &openapi3.PathItem{
			Post: &openapi3.Operation{
				OperationID: "PostTrustedCA",
				Description: "Register a root CA for the tenant",
				RequestBody: &openapi3.RequestBodyRef{Ref: "#/components/requestBodies/postTrustedCARequest"},
				Responses:   withErrors("201", ref("PostTrustedCAResponse"), "ErrorResponse", "400", "401", "409", "500"),
			},
			Get: &openapi3.Operation{
				OperationID: "GetTrustedCAs",
				Description: "List the trusted CAs of the tenant",
				Parameters: []*openapi3.ParameterRef{
					fieldsParam,
					{Value: openapi3.NewQueryParameter("limit").WithSchema(openapi3.NewIntegerSchema())},
					{Value: openapi3.NewQueryParameter("offset").WithSchema(openapi3.NewIntegerSchema())},
					{Value: openapi3.NewQueryParameter("sortBy").
						WithDescription("field, asc:field or desc:field").
						WithSchema(openapi3.NewStringSchema())},
				},
				Responses: withErrors("200", ref("GetTrustedCAsResponse"), "ErrorResponse", "400", "401", "500"),
			},
		},
		"/api/v1/trusted-cas/{caFingerprint}": &openapi3.PathItem{
			Get: &openapi3.Operation{
				OperationID: "GetTrustedCA",
				Description: "Get a trusted CA by fingerprint",
				Parameters:  []*openapi3.ParameterRef{fingerprintParam, fieldsParam},
				Responses:   withErrors("200", ref("GetTrustedCAResponse"), "ErrorResponse", "400", "401", "404", "500"),
			},
			Patch: &openapi3.Operation{
				OperationID: "PatchTrustedCA",
				Description: "Change the auto-registration policy of a trusted CA",
				Parameters:  []*openapi3.ParameterRef{fingerprintParam},
				RequestBody: &openapi3.RequestBodyRef{Ref: "#/components/requestBodies/patchTrustedCARequest"},
				Responses:   withErrors("204", ref("NoContentResponse"), "ErrorResponse", "400", "401", "404", "500"),
			},
			Delete: &openapi3.Operation{
				OperationID: "DeleteTrustedCA",
				Description: "Remove a trusted CA and the certificates auto-registered under it",
				Parameters:  []*openapi3.ParameterRef{fingerprintParam},
				Responses:   withErrors("204", ref("NoContentResponse"), "ErrorResponse", "400", "401", "404", "500"),
			},
		},
		"/internal/api/v1/trusted-cas/bundle": &openapi3.PathItem{
			Get: &openapi3.Operation{
				OperationID: "GetCertificateBundle",
				Description: "Get the trust bundle of every tenant",
				Responses:   withErrors("200", ref("GetCertificateBundleResponse"), "ErrorResponse", "500"),
			},
		},
	}

	if cfg.UnsecureMode {
		tenantParams := []*openapi3.ParameterRef{
			{Value: openapi3.NewQueryParameter("tenant").WithRequired(true).WithSchema(openapi3.NewStringSchema())},
			{Value: openapi3.NewQueryParameter("deviceId").WithRequired(true).WithSchema(openapi3.NewStringSchema())},
		}
		openapiSpec.Paths[mount+"/unsecure/incoming-messages"] = &openapi3.PathItem{
			Post: &openapi3.Operation{
				OperationID: "PostUnsecureMessage",
				Description: "Publish a message for the device named in the query",
				Parameters:  tenantParams,
				RequestBody: &openapi3.RequestBodyRef{Ref: "#/components/requestBodies/postMessageRequest"},
				Responses:   messageResponses("413", "500"),
			},
		}
		openapiSpec.Paths[mount+"/unsecure/incoming-messages/create-many"] = &openapi3.PathItem{
			Post: &openapi3.Operation{
				OperationID: "PostUnsecureMessages",
				Description: "Publish many messages for the device named in the query",
				Parameters:  tenantParams,
				RequestBody: &openapi3.RequestBodyRef{Ref: "#/components/requestBodies/postMessagesRequest"},
				Responses:   messageResponses("413", "500"),
			},
		}
	}

	return openapiSpec
}
