package hub

import (
	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/sergium/precursor/protocol"
)

// who is behind a session. derived from the session token once at
// connect time.
type Principal struct {
	UserId        protocol.Id
	Name          string
	Authenticated bool
}

func AnonymousPrincipal() *Principal {
	return &Principal{}
}

// extracts the principal from a session jwt without verifying the
// signature. the auth service terminates and verifies tokens before
// they reach the hub; this only reads the claims back out.
func ParsePrincipalUnverified(jwt string) (*Principal, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	principal := &Principal{
		Authenticated: true,
	}
	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := protocol.ParseId(userIdStr); err == nil {
			principal.UserId = userId
		}
	}
	if name, ok := claims["name"].(string); ok {
		principal.Name = name
	}
	return principal, nil
}
