package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer   = "chargeflow"
	tokenAudience = "charging-api"
)

// Scope limits what a bearer may do with charging sessions.
type Scope string

const (
	// ScopeDriver acts on the driver's own sessions only.
	ScopeDriver Scope = "driver"
	// ScopeOperator belongs to station staff and may stop any session.
	ScopeOperator Scope = "operator"
)

// ParseScope validates a scope name.
func ParseScope(raw string) (Scope, error) {
	switch s := Scope(raw); s {
	case ScopeDriver, ScopeOperator:
		return s, nil
	default:
		return "", fmt.Errorf("token: unknown scope %q", raw)
	}
}

// Claims is the payload of a charging API bearer token.
type Claims struct {
	UserID string `json:"user_id"`
	Scope  Scope  `json:"scope"`
	jwt.RegisteredClaims
}

// Caller returns the identity the claims grant.
func (c *Claims) Caller() Caller {
	return Caller{UserID: c.UserID, Scope: c.Scope}
}

// Caller identifies who issued a request. The zero value is an anonymous caller.
type Caller struct {
	UserID string
	Scope  Scope
}

// owns reports whether the caller may act on a session held by ownerID.
func (c Caller) owns(ownerID string) error {
	switch {
	case ownerID == "", c.Scope == ScopeOperator:
		return nil
	case c.UserID == "":
		return ErrUnauthorized
	case c.UserID != ownerID:
		return ErrForbidden
	default:
		return nil
	}
}

// TokenService issues and verifies HS256 bearer tokens for the charging API.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
	now       func() time.Time
}

// NewTokenService returns configured token service.
func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return &TokenService{secret: []byte(secret), expiresIn: expiresIn, now: time.Now}
}

// GenerateToken issues a token for userID with the given scope.
func (t *TokenService) GenerateToken(userID string, scope Scope) (string, error) {
	if userID == "" {
		return "", errors.New("token: user id is required")
	}
	if _, err := ParseScope(string(scope)); err != nil {
		return "", err
	}

	now := t.now().UTC()
	claims := Claims{
		UserID: userID,
		Scope:  scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// ValidateToken verifies signature, issuer, audience and expiry and returns the claims.
func (t *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, errors.New("token: missing user id")
	}
	if _, err := ParseScope(string(claims.Scope)); err != nil {
		return nil, err
	}
	return claims, nil
}
