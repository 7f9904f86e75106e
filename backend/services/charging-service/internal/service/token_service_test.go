package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	tokens := NewTokenService("secret", time.Hour)

	raw, err := tokens.GenerateToken("u1", ScopeOperator)
	require.NoError(t, err)

	claims, err := tokens.ValidateToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, ScopeOperator, claims.Scope)
	assert.Equal(t, Caller{UserID: "u1", Scope: ScopeOperator}, claims.Caller())
}

func TestTokenRejectsWrongSecretAndExpiry(t *testing.T) {
	issuer := NewTokenService("secret", time.Minute)
	raw, err := issuer.GenerateToken("u1", ScopeDriver)
	require.NoError(t, err)

	_, err = NewTokenService("other", time.Minute).ValidateToken(raw)
	assert.Error(t, err)

	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := issuer.GenerateToken("u1", ScopeDriver)
	require.NoError(t, err)
	_, err = NewTokenService("secret", time.Minute).ValidateToken(expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = issuer.GenerateToken("", ScopeDriver)
	assert.Error(t, err)
	_, err = issuer.GenerateToken("u1", Scope("admin"))
	assert.Error(t, err)
}

func TestTokenRejectsForeignAudienceAndScope(t *testing.T) {
	tokens := NewTokenService("secret", time.Hour)
	sign := func(claims Claims) string {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		return raw
	}
	registered := func(audience string) jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
	}

	_, err := tokens.ValidateToken(sign(Claims{UserID: "u1", Scope: ScopeDriver, RegisteredClaims: registered("billing-api")}))
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidAudience)

	_, err = tokens.ValidateToken(sign(Claims{UserID: "u1", Scope: "admin", RegisteredClaims: registered(tokenAudience)}))
	assert.Error(t, err)

	_, err = tokens.ValidateToken(sign(Claims{UserID: "u1", Scope: ScopeDriver, RegisteredClaims: jwt.RegisteredClaims{
		Issuer:   tokenIssuer,
		Audience: jwt.ClaimStrings{tokenAudience},
	}}))
	assert.Error(t, err, "expiry is mandatory")
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("driver")
	require.NoError(t, err)
	assert.Equal(t, ScopeDriver, s)

	_, err = ParseScope("")
	assert.Error(t, err)
}
