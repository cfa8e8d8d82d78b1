package cors_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otero/cachefabric/middleware"
	"github.com/otero/cachefabric/middleware/cors"
)

func ctxWithOrigin(method, origin string, preflightMethod string) *middleware.Context {
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	if preflightMethod != "" {
		headers.Set("Access-Control-Request-Method", preflightMethod)
	}
	return middleware.NewContext(method, "/api/widgets", headers)
}

func TestNonCORSRequestPassesThroughUntouched(t *testing.T) {
	mw := cors.New("cors", middleware.PriorityHighest, cors.Config{AllowAllOrigins: true})
	result := mw.ProcessRequest(ctxWithOrigin("GET", "", ""))
	assert.True(t, result.Continue)
}

func TestExactOriginMatchAllowsRequest(t *testing.T) {
	mw := cors.New("cors", middleware.PriorityHighest, cors.Config{
		AllowOrigins: []cors.OriginMatch{{Pattern: "https://app.example.com", Kind: cors.MatchExact}},
	})
	result := mw.ProcessRequest(ctxWithOrigin("GET", "https://app.example.com", ""))
	assert.True(t, result.Continue)
}

func TestWildcardOriginMatchesSubdomain(t *testing.T) {
	mw := cors.New("cors", middleware.PriorityHighest, cors.Config{
		AllowOrigins: []cors.OriginMatch{{Pattern: "*.example.com", Kind: cors.MatchWildcard}},
	})
	result := mw.ProcessRequest(ctxWithOrigin("GET", "https://anything.example.com", ""))
	assert.True(t, result.Continue)

	denied := mw.ProcessRequest(ctxWithOrigin("GET", "https://evil.com", ""))
	assert.True(t, denied.Continue, "non-strict mode proceeds without CORS headers rather than blocking")
}

func TestRegexOriginMatch(t *testing.T) {
	mw := cors.New("cors", middleware.PriorityHighest, cors.Config{
		AllowOrigins: []cors.OriginMatch{{Pattern: `^https://[a-z]+\.example\.com$`, Kind: cors.MatchRegex}},
	})
	result := mw.ProcessRequest(ctxWithOrigin("GET", "https://staging.example.com", ""))
	assert.True(t, result.Continue)
}

func TestStrictModeRejectsDisallowedOriginWithForbidden(t *testing.T) {
	mw := cors.New("cors", middleware.PriorityHighest, cors.Config{
		AllowOrigins: []cors.OriginMatch{{Pattern: "https://app.example.com", Kind: cors.MatchExact}},
		Strict:       true,
	})
	result := mw.ProcessRequest(ctxWithOrigin("GET", "https://evil.com", ""))
	assert.False(t, result.Continue)
	assert.Equal(t, http.StatusForbidden, result.Status)
}

func TestPreflightRequestShortCircuitsWithAllowHeaders(t *testing.T) {
	mw := cors.New("cors", middleware.PriorityHighest, cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST"},
		AllowHeaders:    []string{"Content-Type"},
		MaxAge:          10 * time.Minute,
	})

	ctx := ctxWithOrigin(http.MethodOptions, "https://app.example.com", "POST")
	result := mw.ProcessRequest(ctx)
	require.False(t, result.Continue)
	assert.Equal(t, http.StatusNoContent, result.Status)
	assert.Equal(t, "*", result.Headers["Access-Control-Allow-Origin"])
	assert.Equal(t, "GET, POST", result.Headers["Access-Control-Allow-Methods"])
	assert.Equal(t, "600", result.Headers["Access-Control-Max-Age"])
}

func TestActualRequestResponsePhaseAddsAllowOriginAndExposeHeaders(t *testing.T) {
	mw := cors.New("cors", middleware.PriorityHighest, cors.Config{
		AllowOrigins:  []cors.OriginMatch{{Pattern: "https://app.example.com", Kind: cors.MatchExact}},
		ExposeHeaders: []string{"X-Cache"},
	})

	ctx := ctxWithOrigin("GET", "https://app.example.com", "")
	require.True(t, mw.ProcessRequest(ctx).Continue)

	ctx.Response = &middleware.Response{Status: 200, Body: []byte("ok")}
	mw.ProcessResponse(ctx)

	require.NotNil(t, ctx.Response.Headers)
	assert.Equal(t, "https://app.example.com", ctx.Response.Headers.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "X-Cache", ctx.Response.Headers.Get("Access-Control-Expose-Headers"))
}

func TestCredentialedRequestsNeverUseWildcardOrigin(t *testing.T) {
	mw := cors.New("cors", middleware.PriorityHighest, cors.Config{
		AllowAllOrigins:  true,
		AllowCredentials: true,
	})

	ctx := ctxWithOrigin("GET", "https://app.example.com", "")
	require.True(t, mw.ProcessRequest(ctx).Continue)
	ctx.Response = &middleware.Response{Status: 200}
	mw.ProcessResponse(ctx)

	assert.Equal(t, "https://app.example.com", ctx.Response.Headers.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", ctx.Response.Headers.Get("Access-Control-Allow-Credentials"))
}
