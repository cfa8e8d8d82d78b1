// Package caching implements the Caching middleware of spec §4.12: a
// rule table selects a strategy (cache_only, cache_first, network_first,
// stale_while_revalidate, no_cache) for each matched request, generates a
// stable fingerprint from method/path/query/vary-headers, and delegates
// storage to a coordinator.Coordinator.
//
// Grounded on the teacher's cache-manager/service.go fetchWithFallback
// (L1/L2 read-through with an async backfill goroutine) generalized into
// the spec's five explicit strategies, and on pkg/utils/pattern.go's
// MatchPattern for rule selection.
package caching

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/otero/cachefabric/middleware"
	"github.com/otero/cachefabric/pkg/cachekey"
	"github.com/otero/cachefabric/pkg/cachevalue"
	"github.com/otero/cachefabric/pkg/utils"
)

// Strategy selects how the request and response phases treat the cache.
type Strategy string

const (
	StrategyCacheOnly            Strategy = "cache_only"
	StrategyCacheFirst           Strategy = "cache_first"
	StrategyNetworkFirst         Strategy = "network_first"
	StrategyStaleWhileRevalidate Strategy = "stale_while_revalidate"
	StrategyNoCache              Strategy = "no_cache"
)

// Scope selects what part of the request contributes to the cache key:
// ScopeUser adds the authenticated user id and ScopeIP the remote
// address. ScopeSession adds nothing beyond the scope name, so
// session-scoped requests share one key per method, path, query and
// vary headers.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeUser     Scope = "user"
	ScopeSession  Scope = "session"
	ScopeIP       Scope = "ip"
	ScopeEndpoint Scope = "endpoint"
)

// Rule binds a path/method glob to a caching Strategy and its TTL
// parameters. Rules are matched in Priority order, lowest first.
type Rule struct {
	ID           string
	PathPattern  string
	Methods      []string
	Priority     int
	Strategy     Strategy
	Namespace    string
	Scope        Scope
	TTL          time.Duration
	MaxTTL       time.Duration
	StaleGrace   time.Duration // extra window stale_while_revalidate tolerates
	VaryHeaders  []string
	SkipMethods  []string // default POST/PUT/DELETE, never cached
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

func (r Rule) skipsMethod(method string) bool {
	skip := r.SkipMethods
	if len(skip) == 0 {
		skip = []string{http.MethodPost, http.MethodPut, http.MethodDelete}
	}
	for _, m := range skip {
		if m == method {
			return true
		}
	}
	return false
}

// Store is the subset of coordinator.Coordinator this middleware needs,
// kept narrow so it can be unit-tested against a fake.
type Store interface {
	Get(ctx context.Context, key cachekey.Key) (*cachevalue.Value, bool, error)
	Set(ctx context.Context, key cachekey.Key, value *cachevalue.Value, ttl time.Duration) error
}

// Config configures the Middleware.
type Config struct {
	Rules            []Rule
	DefaultNamespace string
}

// Middleware is the Caching middleware: spec §4.12-compliant, embeds
// middleware.Base for its default Initialize/Shutdown.
type Middleware struct {
	middleware.Base
	cfg   Config
	store Store
}

// New builds a caching Middleware registered under id at the given
// priority, delegating storage to store.
func New(id string, priority middleware.Priority, cfg Config, store Store) *Middleware {
	if cfg.DefaultNamespace == "" {
		cfg.DefaultNamespace = "http"
	}
	return &Middleware{
		Base:  middleware.NewBase(id, priority, "caching", true),
		cfg:   cfg,
		store: store,
	}
}

type requestState struct {
	rule Rule
	key  cachekey.Key
}

const middlewareDataKey = "caching_request_state"

func (m *Middleware) ruleFor(method, path string) (Rule, bool) {
	var best Rule
	found := false
	for _, r := range m.cfg.Rules {
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

// ProcessRequest implements middleware.Middleware.
func (m *Middleware) ProcessRequest(ctx *middleware.Context) middleware.Result {
	rule, matched := m.ruleFor(ctx.Method, ctx.Path)
	if !matched || rule.Strategy == StrategyNoCache || rule.Strategy == "" || rule.skipsMethod(ctx.Method) {
		return middleware.SuccessResult()
	}

	key := m.fingerprint(rule, ctx)
	ctx.MiddlewareData[middlewareDataKey] = requestState{rule: rule, key: key}

	switch rule.Strategy {
	case StrategyCacheOnly:
		return m.serveFromCacheOrMiss(ctx, key)
	case StrategyCacheFirst:
		if result, hit := m.tryServe(ctx, key, false); hit {
			return result
		}
		return middleware.SuccessResult()
	case StrategyStaleWhileRevalidate:
		if result, hit := m.tryServe(ctx, key, true); hit {
			return result
		}
		return middleware.SuccessResult()
	case StrategyNetworkFirst:
		return middleware.SuccessResult()
	default:
		return middleware.SuccessResult()
	}
}

func (m *Middleware) serveFromCacheOrMiss(ctx *middleware.Context, key cachekey.Key) middleware.Result {
	value, hit, err := m.store.Get(context.Background(), key)
	if err != nil || !hit {
		return middleware.StopResult(http.StatusNotFound, []byte(`{"error":"not found in cache"}`))
	}
	result := middleware.StopResult(http.StatusOK, value.Payload)
	result.Headers = map[string]string{"X-Cache": "HIT"}
	return result
}

// tryServe attempts to serve from cache. allowStale permits the
// stale_while_revalidate grace window, marking the response X-Cache:
// STALE and setting MiddlewareData["caching_needs_revalidation"]; this
// middleware does not fetch a fresh copy itself.
func (m *Middleware) tryServe(ctx *middleware.Context, key cachekey.Key, allowStale bool) (middleware.Result, bool) {
	value, hit, err := m.store.Get(context.Background(), key)
	if err != nil || !hit {
		return middleware.Result{}, false
	}

	if !value.IsExpired() {
		result := middleware.StopResult(http.StatusOK, value.Payload)
		result.Headers = map[string]string{"X-Cache": "HIT"}
		return result, true
	}

	if allowStale {
		state, _ := ctx.MiddlewareData[middlewareDataKey].(requestState)
		if withinStaleGrace(value, state.rule.StaleGrace) {
			result := middleware.StopResult(http.StatusOK, value.Payload)
			result.Headers = map[string]string{"X-Cache": "STALE"}
			ctx.MiddlewareData["caching_needs_revalidation"] = true
			return result, true
		}
	}
	return middleware.Result{}, false
}

func withinStaleGrace(v *cachevalue.Value, grace time.Duration) bool {
	if v.ExpiresAt == nil {
		return false
	}
	return time.Since(*v.ExpiresAt) <= grace
}

// ProcessResponse implements middleware.Middleware: stores a freshly
// produced response when the matched rule's strategy calls for it and
// the response's status is cacheable.
func (m *Middleware) ProcessResponse(ctx *middleware.Context) middleware.Result {
	state, ok := ctx.MiddlewareData[middlewareDataKey].(requestState)
	if !ok || ctx.Response == nil {
		return middleware.SuccessResult()
	}
	if state.rule.Strategy == StrategyCacheOnly {
		return middleware.SuccessResult()
	}
	if !shouldCacheStatus(ctx.Response.Status) {
		return middleware.SuccessResult()
	}

	ttl := effectiveTTL(state.rule, ctx.Response.Headers)
	value := cachevalue.New(ctx.Response.Body).WithTTL(ttl)
	_ = m.store.Set(context.Background(), state.key, value, ttl)
	return middleware.SuccessResult()
}

func shouldCacheStatus(status int) bool {
	return status >= 200 && status < 300
}

// effectiveTTL computes min(rule.TTL, Cache-Control max-age, Expires,
// rule.MaxTTL), per spec §4.12.
func effectiveTTL(rule Rule, headers http.Header) time.Duration {
	ttl := rule.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	if headers != nil {
		if cc := headers.Get("Cache-Control"); cc != "" {
			if maxAge, ok := parseMaxAge(cc); ok {
				d := time.Duration(maxAge) * time.Second
				if d < ttl {
					ttl = d
				}
			}
		}
		if expires := headers.Get("Expires"); expires != "" {
			if t, err := http.ParseTime(expires); err == nil {
				if d := time.Until(t); d < ttl {
					ttl = d
				}
			}
		}
	}

	if rule.MaxTTL > 0 && ttl > rule.MaxTTL {
		ttl = rule.MaxTTL
	}
	if ttl < 0 {
		ttl = 0
	}
	return ttl
}

func parseMaxAge(cacheControl string) (int, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		if strings.HasPrefix(directive, "max-age=") {
			v, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
			if err == nil {
				return v, true
			}
		}
	}
	return 0, false
}

// fingerprint builds the cache key for a request: prefix + scope +
// method + path + a stable hash of the query map and vary header
// values, per spec §4.12.
func (m *Middleware) fingerprint(rule Rule, ctx *middleware.Context) cachekey.Key {
	namespace := rule.Namespace
	if namespace == "" {
		namespace = m.cfg.DefaultNamespace
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s:%s:%s", string(rule.Scope), ctx.Method, ctx.Path)
	switch rule.Scope {
	case ScopeUser:
		fmt.Fprintf(&b, ":user=%v", ctx.UserData["user_id"])
	case ScopeIP:
		fmt.Fprintf(&b, ":ip=%s", ctx.RemoteAddr)
	}
	writeStableMap(&b, ctx.Query)

	if len(rule.VaryHeaders) > 0 && ctx.Headers != nil {
		for _, h := range rule.VaryHeaders {
			fmt.Fprintf(&b, ":%s=%s", h, ctx.Headers.Get(h))
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	name := hex.EncodeToString(sum[:16])

	key, err := cachekey.New(namespace, name)
	if err != nil {
		// namespace/name are derived from internal config, never empty in
		// practice; fall back to a key in the "http" namespace rather than panic.
		key = cachekey.Key{Namespace: "http", Name: name}
	}
	return key
}

func writeStableMap(b *strings.Builder, values map[string][]string) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		fmt.Fprintf(b, ":%s=%s", k, strings.Join(vs, ","))
	}
}
