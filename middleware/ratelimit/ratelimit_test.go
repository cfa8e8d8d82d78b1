package ratelimit_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otero/cachefabric/middleware"
	"github.com/otero/cachefabric/middleware/ratelimit"
)

func newCtx(remoteAddr, path string) *middleware.Context {
	ctx := middleware.NewContext("GET", path, nil)
	ctx.RemoteAddr = remoteAddr
	return ctx
}

func TestTokenBucketAllowsBurstThenBlocks(t *testing.T) {
	cfg := ratelimit.Config{
		Rules: []ratelimit.Rule{{
			ID: "burst", PathPattern: "/api/*", Algorithm: ratelimit.AlgorithmTokenBucket,
			Scope: ratelimit.ScopeIP, RequestsPerMinute: 600, BurstSize: 3,
		}},
	}
	limiter := ratelimit.New("rl", middleware.PriorityNormal, cfg)

	for i := 0; i < 3; i++ {
		result := limiter.ProcessRequest(newCtx("1.2.3.4", "/api/widgets"))
		require.True(t, result.Continue, "request %d should be allowed", i+1)
	}

	blocked := limiter.ProcessRequest(newCtx("1.2.3.4", "/api/widgets"))
	assert.False(t, blocked.Continue)
	assert.Equal(t, http.StatusTooManyRequests, blocked.Status)
	assert.NotEmpty(t, blocked.Headers["Retry-After"])
}

func TestTokenBucketScopesByRemoteAddr(t *testing.T) {
	cfg := ratelimit.Config{
		Rules: []ratelimit.Rule{{
			ID: "perip", PathPattern: "/api/*", Algorithm: ratelimit.AlgorithmTokenBucket,
			Scope: ratelimit.ScopeIP, RequestsPerMinute: 60, BurstSize: 1,
		}},
	}
	limiter := ratelimit.New("rl", middleware.PriorityNormal, cfg)

	first := limiter.ProcessRequest(newCtx("1.1.1.1", "/api/x"))
	second := limiter.ProcessRequest(newCtx("2.2.2.2", "/api/x"))
	assert.True(t, first.Continue)
	assert.True(t, second.Continue, "a different IP must have its own bucket")
}

func TestFixedWindowResetsOnNewBucket(t *testing.T) {
	cfg := ratelimit.Config{
		Rules: []ratelimit.Rule{{
			ID: "fixed", PathPattern: "/api/*", Algorithm: ratelimit.AlgorithmFixedWindow,
			Scope: ratelimit.ScopeIP, RequestsPerMinute: 120, WindowSize: 100 * time.Millisecond,
		}},
	}
	limiter := ratelimit.New("rl", middleware.PriorityNormal, cfg)
	ctx := func() *middleware.Context { return newCtx("9.9.9.9", "/api/x") }

	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.ProcessRequest(ctx()).Continue {
			allowed++
		}
	}
	assert.LessOrEqual(t, allowed, 10)

	time.Sleep(150 * time.Millisecond)
	assert.True(t, limiter.ProcessRequest(ctx()).Continue, "new window must allow again")
}

func TestSlidingWindowRejectsOverCapacityThenRecovers(t *testing.T) {
	cfg := ratelimit.Config{
		Rules: []ratelimit.Rule{{
			ID: "sliding", PathPattern: "/api/*", Algorithm: ratelimit.AlgorithmSlidingWindow,
			Scope: ratelimit.ScopeIP, RequestsPerMinute: 60, WindowSize: 100 * time.Millisecond,
		}},
	}
	limiter := ratelimit.New("rl", middleware.PriorityNormal, cfg)
	ctx := func() *middleware.Context { return newCtx("3.3.3.3", "/api/x") }

	require.True(t, limiter.ProcessRequest(ctx()).Continue)
	blocked := limiter.ProcessRequest(ctx())
	assert.False(t, blocked.Continue)

	time.Sleep(150 * time.Millisecond)
	assert.True(t, limiter.ProcessRequest(ctx()).Continue, "window must have slid past the first hit")
}

func TestUnmatchedPathFallsBackToDefaultLimit(t *testing.T) {
	cfg := ratelimit.Config{
		Rules:                    []ratelimit.Rule{{ID: "api-only", PathPattern: "/api/*", RequestsPerMinute: 1, BurstSize: 1}},
		DefaultRequestsPerMinute: 600,
		DefaultBurstSize:         2,
	}
	limiter := ratelimit.New("rl", middleware.PriorityNormal, cfg)

	first := limiter.ProcessRequest(newCtx("5.5.5.5", "/health"))
	second := limiter.ProcessRequest(newCtx("5.5.5.5", "/health"))
	assert.True(t, first.Continue)
	assert.True(t, second.Continue)
}

func TestHighestPriorityRuleWinsOnMultipleMatches(t *testing.T) {
	cfg := ratelimit.Config{
		Rules: []ratelimit.Rule{
			{ID: "loose", PathPattern: "/api/*", Priority: 100, RequestsPerMinute: 600, BurstSize: 50},
			{ID: "strict", PathPattern: "/api/widgets", Priority: 1, RequestsPerMinute: 60, BurstSize: 1},
		},
	}
	limiter := ratelimit.New("rl", middleware.PriorityNormal, cfg)

	require.True(t, limiter.ProcessRequest(newCtx("7.7.7.7", "/api/widgets")).Continue)
	blocked := limiter.ProcessRequest(newCtx("7.7.7.7", "/api/widgets"))
	assert.False(t, blocked.Continue, "the more specific, higher-priority rule must win")
}
