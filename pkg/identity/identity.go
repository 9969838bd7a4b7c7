package identity

import (
	"context"
	"strings"

	gwerrors "github.com/LuanEdCosta/dojot/pkg/errors"
)

var (
	ErrMissingCertificate  = &gwerrors.UnauthorizedError{Reason: "Missing client certificate"}
	ErrInvalidCertificate  = &gwerrors.UnauthorizedError{Reason: "Client certificate is invalid"}
	ErrACLResolutionFailed = &gwerrors.UnauthorizedError{Reason: "Error trying to get tenant and deviceId in certificate-acl."}
	ErrUnsecureModeOff     = &gwerrors.UnauthorizedError{Reason: "Unsecure mode is disabled"}
)

// Identity is the owner of a device message.
type Identity struct {
	Tenant   string `json:"tenant"`
	DeviceID string `json:"deviceId"`
}

// String encodes the identity as "tenant:deviceId", the format shared by the
// certificate-acl service, the cache and certificate Common Names.
func (i Identity) String() string {
	return i.Tenant + ":" + i.DeviceID
}

// ParseIdentity decodes "tenant:deviceId". Both parts must be non-empty and
// no further separator is allowed.
func ParseIdentity(s string) (Identity, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Identity{}, false
	}
	return Identity{Tenant: parts[0], DeviceID: parts[1]}, true
}

type contextKey string

const identityContextKey contextKey = "DeviceIdentity"

func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}
