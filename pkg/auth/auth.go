package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdhttp "net/http"
	"strings"
	"sync"

	gwerrors "github.com/LuanEdCosta/dojot/pkg/errors"

	stdjwt "github.com/dgrijalva/jwt-go"
	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/transport/http"
)

type contextKey string

const (
	JWTTokenContextKey  contextKey = "JWTToken"
	JWTClaimsContextKey contextKey = "JWTClaims"
	TenantContextKey    contextKey = "Tenant"

	bearer = "bearer"
)

var (
	ErrTokenContextMissing = &gwerrors.UnauthorizedError{Reason: "Missing access token"}
	ErrTokenInvalid        = &gwerrors.UnauthorizedError{Reason: "Invalid access token"}
	ErrTenantMissing       = &gwerrors.UnauthorizedError{Reason: "Access token does not identify a tenant"}

	errBadKey              = errors.New("Unexpected JWT key signing method")
	errBadPublicKeyRequest = errors.New("Error verifying token")
)

type Roles struct {
	RoleNames []string `json:"roles"`
}

type KeycloakClaims struct {
	Type              string `json:"typ,omitempty"`
	AuthorizedParty   string `json:"azp,omitempty"`
	SessionState      string `json:"session_state,omitempty"`
	RealmAccess       Roles  `json:"realm_access,omitempty"`
	Scope             string `json:"scope,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	stdjwt.StandardClaims
}

// Tenant is the Keycloak realm that issued the token.
func (c *KeycloakClaims) Tenant() string {
	i := strings.LastIndex(c.Issuer, "/realms/")
	if i < 0 {
		return ""
	}
	return strings.Trim(c.Issuer[i+len("/realms/"):], "/")
}

type KeycloakPublic struct {
	Realm           string `json:"realm"`
	PublicKey       string `json:"public_key"`
	TokenService    string `json:"token-service"`
	AccountService  string `json:"account-service"`
	TokensNotBefore int    `json:"tokens-not-before"`
}

type Auth interface {
	Kf(token *stdjwt.Token) (interface{}, error)
	KeycloakClaimsFactory() stdjwt.Claims
	// VerifyToken tells whether token signatures are checked at all.
	VerifyToken() bool
}

type auth struct {
	keycloakURL string
	verify      bool
	client      *stdhttp.Client

	mtx  sync.RWMutex
	keys map[string]interface{}
}

func NewAuth(keycloakHost string, keycloakPort string, keycloakProtocol string, verify bool, client *stdhttp.Client) Auth {
	if client == nil {
		client = stdhttp.DefaultClient
	}
	return &auth{
		keycloakURL: keycloakProtocol + "://" + keycloakHost + ":" + keycloakPort,
		verify:      verify,
		client:      client,
		keys:        make(map[string]interface{}),
	}
}

func (a *auth) KeycloakClaimsFactory() stdjwt.Claims {
	return &KeycloakClaims{}
}

func (a *auth) VerifyToken() bool {
	return a.verify
}

// Kf fetches the public key of the realm named in the token issuer. Keys
// are kept for the lifetime of the process.
func (a *auth) Kf(token *stdjwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*stdjwt.SigningMethodRSA); !ok {
		return nil, errBadKey
	}
	claims, ok := token.Claims.(*KeycloakClaims)
	if !ok || claims.Tenant() == "" {
		return nil, ErrTenantMissing
	}
	realm := claims.Tenant()

	a.mtx.RLock()
	key, found := a.keys[realm]
	a.mtx.RUnlock()
	if found {
		return key, nil
	}

	r, err := a.client.Get(a.keycloakURL + "/auth/realms/" + realm)
	if err != nil {
		return nil, errBadPublicKeyRequest
	}
	defer r.Body.Close()
	if r.StatusCode != stdhttp.StatusOK {
		return nil, fmt.Errorf("%w: keycloak answered %d", errBadPublicKeyRequest, r.StatusCode)
	}
	var keyPublic KeycloakPublic
	if err := json.NewDecoder(r.Body).Decode(&keyPublic); err != nil {
		return nil, err
	}
	pubKey, err := stdjwt.ParseRSAPublicKeyFromPEM([]byte("-----BEGIN PUBLIC KEY-----\n" + keyPublic.PublicKey + "\n-----END PUBLIC KEY-----"))
	if err != nil {
		return nil, err
	}

	a.mtx.Lock()
	a.keys[realm] = pubKey
	a.mtx.Unlock()
	return pubKey, nil
}

// HTTPToContext moves a bearer token from the Authorization header to the
// context.
func HTTPToContext() http.RequestFunc {
	return func(ctx context.Context, r *stdhttp.Request) context.Context {
		token, ok := extractTokenFromAuthHeader(r.Header.Get("Authorization"))
		if !ok {
			return ctx
		}
		return context.WithValue(ctx, JWTTokenContextKey, token)
	}
}

func extractTokenFromAuthHeader(val string) (string, bool) {
	authHeaderParts := strings.SplitN(val, " ", 2)
	if len(authHeaderParts) != 2 || !strings.EqualFold(authHeaderParts[0], bearer) {
		return "", false
	}
	return strings.TrimSpace(authHeaderParts[1]), true
}

// NewParser validates the token in the context and stores its claims and
// tenant for the next endpoint.
func NewParser(a Auth) endpoint.Middleware {
	return func(next endpoint.Endpoint) endpoint.Endpoint {
		return func(ctx context.Context, request interface{}) (response interface{}, err error) {
			tokenString, ok := ctx.Value(JWTTokenContextKey).(string)
			if !ok || tokenString == "" {
				return nil, ErrTokenContextMissing
			}

			claims := a.KeycloakClaimsFactory()
			if a.VerifyToken() {
				token, err := stdjwt.ParseWithClaims(tokenString, claims, a.Kf)
				if err != nil || !token.Valid {
					return nil, ErrTokenInvalid
				}
			} else {
				if _, _, err := new(stdjwt.Parser).ParseUnverified(tokenString, claims); err != nil {
					return nil, ErrTokenInvalid
				}
			}

			kc, ok := claims.(*KeycloakClaims)
			if !ok || kc.Tenant() == "" {
				return nil, ErrTenantMissing
			}
			ctx = context.WithValue(ctx, JWTClaimsContextKey, kc)
			ctx = context.WithValue(ctx, TenantContextKey, kc.Tenant())
			return next(ctx, request)
		}
	}
}

func TenantFromContext(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(TenantContextKey).(string)
	return tenant, ok && tenant != ""
}
