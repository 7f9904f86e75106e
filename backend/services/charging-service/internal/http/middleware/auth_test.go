package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chargeflow/backend/services/charging-service/internal/service"
)

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := UserIDFromContext(r.Context())
		if !ok {
			id = "anonymous"
		}
		_, _ = w.Write([]byte(id))
	})
}

func serve(h http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	tokens := service.NewTokenService("secret", time.Hour)
	token, err := tokens.GenerateToken("u1", service.ScopeDriver)
	require.NoError(t, err)

	h := Chain(echoUser(), AuthMiddleware(tokens))

	rec := serve(h, "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", rec.Body.String())

	assert.Equal(t, http.StatusUnauthorized, serve(h, "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, "Basic abc").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, "Bearer garbage").Code)
}

func TestOptionalAuthMiddleware(t *testing.T) {
	tokens := service.NewTokenService("secret", time.Hour)
	token, err := tokens.GenerateToken("u1", service.ScopeDriver)
	require.NoError(t, err)

	h := Chain(echoUser(), OptionalAuthMiddleware(tokens))

	rec := serve(h, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", rec.Body.String())

	rec = serve(h, "bearer "+token)
	assert.Equal(t, "u1", rec.Body.String())

	assert.Equal(t, http.StatusUnauthorized, serve(h, "Bearer garbage").Code)
}

func TestClaimsCarryScope(t *testing.T) {
	tokens := service.NewTokenService("secret", time.Hour)
	token, err := tokens.GenerateToken("staff", service.ScopeOperator)
	require.NoError(t, err)

	var got service.Caller
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		got = claims.Caller()
	}), OptionalAuthMiddleware(tokens))

	assert.Equal(t, http.StatusOK, serve(h, "Bearer "+token).Code)
	assert.Equal(t, service.Caller{UserID: "staff", Scope: service.ScopeOperator}, got)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	serve(Chain(echoUser(), mark("outer"), mark("inner")), "")
	assert.Equal(t, []string{"outer", "inner"}, order)
}
