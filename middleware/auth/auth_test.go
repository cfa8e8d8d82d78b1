package auth_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otero/cachefabric/middleware"
	"github.com/otero/cachefabric/middleware/auth"
)

func signToken(t *testing.T, secret string, claims auth.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func ctxWithHeader(name, value string) *middleware.Context {
	ctx := middleware.NewContext("GET", "/cache/widgets", http.Header{})
	if value != "" {
		ctx.Headers.Set(name, value)
	}
	return ctx
}

func TestJWTProviderAcceptsValidToken(t *testing.T) {
	provider, err := auth.NewJWTProvider(auth.JWTConfig{SigningMethod: "HS256", SecretKey: "s3cret"})
	require.NoError(t, err)

	token := signToken(t, "s3cret", auth.Claims{
		UserID: "u1", Username: "alice", Roles: []string{"admin"},
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})

	authCtx, err := provider.Authenticate(&auth.Request{Headers: http.Header{"Authorization": []string{"Bearer " + token}}})
	require.NoError(t, err)
	assert.True(t, authCtx.Authenticated)
	assert.Equal(t, "u1", authCtx.UserID)
	assert.Equal(t, []string{"admin"}, authCtx.Roles)
}

func TestJWTProviderRejectsExpiredToken(t *testing.T) {
	provider, err := auth.NewJWTProvider(auth.JWTConfig{SigningMethod: "HS256", SecretKey: "s3cret"})
	require.NoError(t, err)

	token := signToken(t, "s3cret", auth.Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
	})

	_, err = provider.Authenticate(&auth.Request{Headers: http.Header{"Authorization": []string{"Bearer " + token}}})
	assert.Error(t, err)
}

func TestJWTProviderRejectsWrongSecret(t *testing.T) {
	provider, err := auth.NewJWTProvider(auth.JWTConfig{SigningMethod: "HS256", SecretKey: "s3cret"})
	require.NoError(t, err)

	token := signToken(t, "wrong-secret", auth.Claims{UserID: "u1"})
	_, err = provider.Authenticate(&auth.Request{Headers: http.Header{"Authorization": []string{"Bearer " + token}}})
	assert.Error(t, err)
}

func TestAPIKeyProviderLooksUpStoreAndTouchesLastUsed(t *testing.T) {
	store := auth.NewMemoryAPIKeyStore(auth.APIKeyRecord{Key: "abc123", UserID: "u2", Roles: []string{"viewer"}})
	provider := auth.NewAPIKeyProvider(auth.APIKeyConfig{}, store)

	authCtx, err := provider.Authenticate(&auth.Request{Headers: http.Header{"X-Api-Key": []string{"abc123"}}})
	require.NoError(t, err)
	assert.Equal(t, "u2", authCtx.UserID)

	rec, ok := store.Lookup("abc123")
	require.True(t, ok)
	assert.False(t, rec.LastUsedAt.IsZero())
}

func TestAPIKeyProviderFallsBackToQueryParam(t *testing.T) {
	store := auth.NewMemoryAPIKeyStore(auth.APIKeyRecord{Key: "fromquery", UserID: "u3"})
	provider := auth.NewAPIKeyProvider(auth.APIKeyConfig{}, store)

	authCtx, err := provider.Authenticate(&auth.Request{Query: map[string][]string{"api_key": {"fromquery"}}})
	require.NoError(t, err)
	assert.Equal(t, "u3", authCtx.UserID)
}

func TestBasicProviderDecodesAndDelegates(t *testing.T) {
	provider := auth.NewBasicProvider(func(username, password string) (*auth.AuthenticationContext, bool) {
		if username == "bob" && password == "hunter2" {
			return &auth.AuthenticationContext{UserID: "u4", Username: username}, true
		}
		return nil, false
	})

	ctx := ctxWithHeader("Authorization", "Basic Ym9iOmh1bnRlcjI=") // bob:hunter2
	authCtx, err := provider.Authenticate(&auth.Request{Headers: ctx.Headers})
	require.NoError(t, err)
	assert.Equal(t, "u4", authCtx.UserID)
	assert.Equal(t, "basic", authCtx.Provider)
}

func TestBasicProviderRejectsBadCredentials(t *testing.T) {
	provider := auth.NewBasicProvider(func(username, password string) (*auth.AuthenticationContext, bool) {
		return nil, false
	})
	ctx := ctxWithHeader("Authorization", "Basic Ym9iOndyb25n")
	_, err := provider.Authenticate(&auth.Request{Headers: ctx.Headers})
	assert.Error(t, err)
}

func TestOrchestratorTriesProvidersInOrderAndStoresContext(t *testing.T) {
	store := auth.NewMemoryAPIKeyStore(auth.APIKeyRecord{Key: "goodkey", UserID: "u5"})
	orchestrator := auth.New("auth", middleware.PriorityHighest, auth.Config{
		Providers: []auth.Provider{auth.NewAPIKeyProvider(auth.APIKeyConfig{}, store)},
	})

	ctx := ctxWithHeader("X-Api-Key", "goodkey")
	result := orchestrator.ProcessRequest(ctx)
	require.True(t, result.Continue)

	authCtx, ok := auth.FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u5", authCtx.UserID)
	assert.Equal(t, "u5", ctx.UserData["user_id"])
}

func TestOrchestratorRejectsWithoutAllowAnonymous(t *testing.T) {
	orchestrator := auth.New("auth", middleware.PriorityHighest, auth.Config{
		Providers: []auth.Provider{auth.NewAPIKeyProvider(auth.APIKeyConfig{}, auth.NewMemoryAPIKeyStore())},
	})

	result := orchestrator.ProcessRequest(ctxWithHeader("X-Api-Key", ""))
	assert.False(t, result.Continue)
	assert.Equal(t, http.StatusUnauthorized, result.Status)
	assert.Nil(t, result.Err)
}

func TestOrchestratorAllowsAnonymousWhenConfigured(t *testing.T) {
	orchestrator := auth.New("auth", middleware.PriorityHighest, auth.Config{
		Providers:      []auth.Provider{auth.NewAPIKeyProvider(auth.APIKeyConfig{}, auth.NewMemoryAPIKeyStore())},
		AllowAnonymous: true,
	})

	ctx := ctxWithHeader("X-Api-Key", "")
	result := orchestrator.ProcessRequest(ctx)
	assert.True(t, result.Continue)

	authCtx, ok := auth.FromContext(ctx)
	require.True(t, ok)
	assert.True(t, authCtx.Anonymous)
}

func TestOrchestratorSkipPathsBypassAuthenticationEntirely(t *testing.T) {
	orchestrator := auth.New("auth", middleware.PriorityHighest, auth.Config{
		Providers: []auth.Provider{auth.NewAPIKeyProvider(auth.APIKeyConfig{}, auth.NewMemoryAPIKeyStore())},
		SkipPaths: []string{"/health*"},
	})

	ctx := middleware.NewContext("GET", "/health", http.Header{})
	result := orchestrator.ProcessRequest(ctx)
	assert.True(t, result.Continue)
	_, ok := auth.FromContext(ctx)
	assert.False(t, ok)
}
