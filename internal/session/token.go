package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedToken is returned when claim extraction fails or a required
// claim is missing.
var ErrMalformedToken = errors.New("session: malformed token")

// Claims are the token fields the session layer consumes. Signature
// verification happens at the gateway before a request reaches this layer,
// so extraction here only decodes.
type Claims struct {
	JTI       string
	Subject   string
	TokenType string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

type tokenClaims struct {
	TokenType string `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// ExtractClaims decodes the registered claims from a pre-verified bearer
// token. The JTI and subject are required: the JTI keys the session and the
// subject identifies its user.
func ExtractClaims(token string) (*Claims, error) {
	var tc tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &tc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if tc.ID == "" {
		return nil, fmt.Errorf("%w: missing jti claim", ErrMalformedToken)
	}
	if tc.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrMalformedToken)
	}

	claims := &Claims{
		JTI:       tc.ID,
		Subject:   tc.Subject,
		TokenType: tc.TokenType,
	}
	if claims.TokenType == "" {
		claims.TokenType = "access"
	}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	if tc.IssuedAt != nil {
		claims.IssuedAt = tc.IssuedAt.Time
	}
	return claims, nil
}
