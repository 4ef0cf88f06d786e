package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractClaims(t *testing.T) {
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	issued := time.Now().Truncate(time.Second)

	token := signedToken(t, tokenClaims{
		TokenType: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-42",
			Subject:   "user-7",
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(issued),
		},
	})

	claims, err := ExtractClaims(token)
	require.NoError(t, err)

	assert.Equal(t, "jti-42", claims.JTI)
	assert.Equal(t, "user-7", claims.Subject)
	assert.Equal(t, "refresh", claims.TokenType)
	assert.True(t, claims.ExpiresAt.Equal(expiry))
	assert.True(t, claims.IssuedAt.Equal(issued))
}

func TestExtractClaimsDefaultsTokenType(t *testing.T) {
	token := signedToken(t, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{ID: "jti-1", Subject: "user-1"},
	})

	claims, err := ExtractClaims(token)
	require.NoError(t, err)
	assert.Equal(t, "access", claims.TokenType)
}

func TestExtractClaimsRequiredFields(t *testing.T) {
	missingJTI := signedToken(t, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	})
	_, err := ExtractClaims(missingJTI)
	require.ErrorIs(t, err, ErrMalformedToken)
	assert.ErrorContains(t, err, "jti")

	missingSubject := signedToken(t, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{ID: "jti-1"},
	})
	_, err = ExtractClaims(missingSubject)
	require.ErrorIs(t, err, ErrMalformedToken)
	assert.ErrorContains(t, err, "sub")
}

func TestExtractClaimsGarbage(t *testing.T) {
	_, err := ExtractClaims("not-a-token")
	assert.ErrorIs(t, err, ErrMalformedToken)
}
