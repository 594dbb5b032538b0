package server

import (
	"fmt"

	"github.com/taskwire/taskwire-go/pkg/envelope"
)

// Claims describe an authenticated identity: user id, role and arbitrary
// extensible attributes.
type Claims struct {
	UserId string
	Role   string
	Attrs  map[string]interface{}
}

// Satisfies reports whether one required claim holds, either as the role
// itself or as a true attribute.
func (claims Claims) Satisfies(claim string) bool {
	if claims.Role == claim {
		return true
	}

	attr, ok := claims.Attrs[claim].(bool)
	return ok && attr
}

// AuthError carries a machine-readable code from a failed token validation
// so the client can decide whether a refresh attempt is worth it.
type AuthError struct {
	Code    string
	Message string
}

func (err *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", err.Code, err.Message)
}

// authErrorCode maps a validation error onto its wire code.
func authErrorCode(err error) string {
	if authErr, ok := err.(*AuthError); ok && authErr.Code != "" {
		return authErr.Code
	}
	return envelope.CodeTokenInvalid
}

// IdentityProvider validates opaque bearer tokens. It is an external
// collaborator; credential issuance is none of the protocol layer's
// business. Implementations must be safe for concurrent use by many
// connections simultaneously.
type IdentityProvider interface {
	Validate(token string) (Claims, error)
}
