// Package ratelimit implements the Rate Limiter middleware of spec §4.11:
// per-rule token bucket, sliding window, and fixed window algorithms keyed
// by a configurable scope, with a glob-matched rule table falling back to
// a default limit.
//
// Grounded on the teacher's pkg/middleware/ratelimit.go TokenBucket
// (per-key sync.Map of buckets, on-demand refill, no background
// goroutines) but replacing its hand-rolled CAS-loop refill with
// golang.org/x/time/rate, which implements the identical algorithm as a
// maintained library.
package ratelimit

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/otero/cachefabric/middleware"
	"github.com/otero/cachefabric/pkg/errs"
	"github.com/otero/cachefabric/pkg/utils"
)

// Algorithm selects which limiting strategy a Rule enforces.
type Algorithm string

const (
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmFixedWindow   Algorithm = "fixed_window"
)

// Scope selects what part of the request derives the limiter key.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeIP       Scope = "ip"
	ScopeUser     Scope = "user"
	ScopeEndpoint Scope = "endpoint"
)

// Rule binds a path/method glob to a limiting algorithm and its
// parameters. Rules are matched in Priority order, lowest first; the
// first match wins.
type Rule struct {
	ID                string
	PathPattern       string
	Methods           []string // empty means any method
	Priority          int
	Algorithm         Algorithm
	Scope             Scope
	RequestsPerMinute float64
	BurstSize         int
	WindowSize        time.Duration // sliding/fixed window size
}

func (r Rule) matches(method, path string) bool {
	if len(r.Methods) > 0 {
		found := false
		for _, m := range r.Methods {
			if m == method {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	ok, err := utils.MatchPattern(r.PathPattern, path)
	return err == nil && ok
}

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Config configures the Limiter middleware.
type Config struct {
	Rules                    []Rule
	DefaultRequestsPerMinute float64
	DefaultBurstSize         int
}

func (c Config) withDefaults() Config {
	if c.DefaultRequestsPerMinute <= 0 {
		c.DefaultRequestsPerMinute = 60
	}
	if c.DefaultBurstSize <= 0 {
		c.DefaultBurstSize = 10
	}
	return c
}

// Limiter is the Rate Limiter middleware: spec §4.7-compliant, embeds
// middleware.Base for its lifecycle/response-phase defaults.
type Limiter struct {
	middleware.Base

	cfg Config

	mu           sync.Mutex
	tokenBuckets map[string]*rate.Limiter
	windows      map[string]*windowState
}

// New builds a Limiter registered under id at the given priority.
func New(id string, priority middleware.Priority, cfg Config) *Limiter {
	return &Limiter{
		Base:         middleware.NewBase(id, priority, "rate_limit", true),
		cfg:          cfg.withDefaults(),
		tokenBuckets: make(map[string]*rate.Limiter),
		windows:      make(map[string]*windowState),
	}
}

// windowState backs both the sliding and fixed window algorithms.
type windowState struct {
	mu        sync.Mutex
	hits      []time.Time // sliding window: timestamps within the window
	bucketKey int64       // fixed window: which window bucket is active
	count     int         // fixed window: hits in the active bucket
}

func (l *Limiter) ruleFor(method, path string) (Rule, bool) {
	var best Rule
	found := false
	for _, r := range l.cfg.Rules {
		if !r.matches(method, path) {
			continue
		}
		if !found || r.Priority < best.Priority {
			best = r
			found = true
		}
	}
	return best, found
}

func (l *Limiter) keyFor(rule Rule, ctx *middleware.Context) string {
	scope := rule.Scope
	if scope == "" {
		scope = ScopeIP
	}
	switch scope {
	case ScopeGlobal:
		return fmt.Sprintf("%s:global", rule.ID)
	case ScopeUser:
		if uid, ok := ctx.UserData["user_id"]; ok {
			return fmt.Sprintf("%s:user:%v", rule.ID, uid)
		}
		return fmt.Sprintf("%s:ip:%s", rule.ID, ctx.RemoteAddr)
	case ScopeEndpoint:
		return fmt.Sprintf("%s:endpoint:%s:%s", rule.ID, ctx.Method, ctx.Path)
	default:
		return fmt.Sprintf("%s:ip:%s", rule.ID, ctx.RemoteAddr)
	}
}

// ProcessRequest enforces the matching rule's limit, or the default
// limit when no rule matches.
func (l *Limiter) ProcessRequest(ctx *middleware.Context) middleware.Result {
	rule, matched := l.ruleFor(ctx.Method, ctx.Path)
	if !matched {
		rule = Rule{
			ID:                "default",
			Algorithm:         AlgorithmTokenBucket,
			Scope:             ScopeIP,
			RequestsPerMinute: l.cfg.DefaultRequestsPerMinute,
			BurstSize:         l.cfg.DefaultBurstSize,
		}
	}

	key := l.keyFor(rule, ctx)
	decision := l.check(rule, key)

	if !decision.Allowed {
		ctx.MiddlewareData["rate_limit_decision"] = decision
		result := middleware.StopResult(http.StatusTooManyRequests, []byte(`{"error":"rate limited"}`))
		result.Headers = map[string]string{
			"Retry-After":           fmt.Sprintf("%.0f", decision.RetryAfter.Seconds()),
			"X-RateLimit-Remaining": fmt.Sprintf("%d", decision.Remaining),
		}
		result.Meta = map[string]interface{}{"reason": errs.ErrRateLimited.Error()}
		return result
	}

	ctx.MiddlewareData["rate_limit_decision"] = decision
	return middleware.SuccessResult()
}

func (l *Limiter) check(rule Rule, key string) Decision {
	switch rule.Algorithm {
	case AlgorithmSlidingWindow:
		return l.checkSlidingWindow(rule, key)
	case AlgorithmFixedWindow:
		return l.checkFixedWindow(rule, key)
	default:
		return l.checkTokenBucket(rule, key)
	}
}

func (l *Limiter) checkTokenBucket(rule Rule, key string) Decision {
	l.mu.Lock()
	lim, ok := l.tokenBuckets[key]
	if !ok {
		burst := rule.BurstSize
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(rule.RequestsPerMinute/60.0), burst)
		l.tokenBuckets[key] = lim
	}
	l.mu.Unlock()

	reservation := lim.ReserveN(time.Now(), 1)
	if !reservation.OK() {
		return Decision{Allowed: false, RetryAfter: time.Second}
	}
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
		return Decision{Allowed: false, RetryAfter: delay, ResetAt: time.Now().Add(delay)}
	}
	return Decision{Allowed: true, Remaining: int(lim.Tokens())}
}

func (l *Limiter) windowFor(key string) *windowState {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		w = &windowState{}
		l.windows[key] = w
	}
	return w
}

func (l *Limiter) checkSlidingWindow(rule Rule, key string) Decision {
	window := rule.WindowSize
	if window <= 0 {
		window = time.Minute
	}
	maxRequests := int(rule.RequestsPerMinute * window.Minutes())
	if maxRequests <= 0 {
		maxRequests = 1
	}

	w := l.windowFor(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)
	kept := w.hits[:0]
	for _, h := range w.hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	w.hits = kept

	if len(w.hits) >= maxRequests {
		oldest := w.hits[0]
		return Decision{Allowed: false, RetryAfter: oldest.Add(window).Sub(now), ResetAt: oldest.Add(window)}
	}
	w.hits = append(w.hits, now)
	return Decision{Allowed: true, Remaining: maxRequests - len(w.hits), ResetAt: now.Add(window)}
}

func (l *Limiter) checkFixedWindow(rule Rule, key string) Decision {
	window := rule.WindowSize
	if window <= 0 {
		window = time.Minute
	}
	maxRequests := int(rule.RequestsPerMinute * window.Minutes())
	if maxRequests <= 0 {
		maxRequests = 1
	}

	w := l.windowFor(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	bucket := now.UnixNano() / int64(window)
	if bucket != w.bucketKey {
		w.bucketKey = bucket
		w.count = 0
	}

	resetAt := time.Unix(0, (bucket+1)*int64(window))
	if w.count >= maxRequests {
		return Decision{Allowed: false, RetryAfter: resetAt.Sub(now), ResetAt: resetAt}
	}
	w.count++
	return Decision{Allowed: true, Remaining: maxRequests - w.count, ResetAt: resetAt}
}
