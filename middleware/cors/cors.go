// Package cors implements the CORS middleware of spec §4.13: simple,
// preflight, and actual-CORS request classification, with exact/
// wildcard/regex origin matching and a deny-on-no-match default.
//
// Grounded on blueberrycongee-llmux's cmd/server/cors.go (origin
// allow/deny lists, Access-Control-* header assembly, OPTIONS short-
// circuit), generalized from llmux's plain-string allowlist into the
// spec's three origin-matching modes.
package cors

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/otero/cachefabric/middleware"
)

// OriginMatch is one configured origin pattern and how to interpret it.
type OriginMatch struct {
	Pattern string
	Kind    MatchKind
}

// MatchKind selects how OriginMatch.Pattern is interpreted.
type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchWildcard MatchKind = "wildcard" // e.g. "*.example.com"
	MatchRegex    MatchKind = "regex"
)

func (m OriginMatch) matches(origin string) bool {
	switch m.Kind {
	case MatchWildcard:
		suffix := strings.TrimPrefix(m.Pattern, "*")
		return strings.HasSuffix(origin, suffix) && m.Pattern != suffix
	case MatchRegex:
		re, err := regexp.Compile(m.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(origin)
	default:
		return origin == m.Pattern
	}
}

// Config configures the CORS middleware.
type Config struct {
	AllowOrigins     []OriginMatch
	AllowAllOrigins  bool
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           time.Duration
	Strict           bool // ambiguous requests are denied rather than allowed
}

// Middleware is the CORS middleware: spec §4.7-compliant, embeds
// middleware.Base for its default lifecycle.
type Middleware struct {
	middleware.Base
	cfg          Config
	allowMethods string
	allowHeaders string
	exposeHdrs   string
}

// New builds a CORS Middleware registered under id at the given priority.
// It should run at PriorityHighest so its response-phase headers survive
// even when a later middleware short-circuits the chain.
func New(id string, priority middleware.Priority, cfg Config) *Middleware {
	return &Middleware{
		Base:         middleware.NewBase(id, priority, "cors", true),
		cfg:          cfg,
		allowMethods: strings.Join(cfg.AllowMethods, ", "),
		allowHeaders: strings.Join(cfg.AllowHeaders, ", "),
		exposeHdrs:   strings.Join(cfg.ExposeHeaders, ", "),
	}
}

const middlewareDataKey = "cors_origin"

// ProcessRequest implements middleware.Middleware: classifies the
// request, validates the origin, and handles preflight with a 204
// short-circuit carrying the full Access-Control-Allow-* header set.
func (m *Middleware) ProcessRequest(ctx *middleware.Context) middleware.Result {
	origin := ""
	if ctx.Headers != nil {
		origin = ctx.Headers.Get("Origin")
	}
	if origin == "" {
		return middleware.SuccessResult() // not a CORS request at all
	}

	if !m.originAllowed(origin) {
		if m.cfg.Strict {
			return middleware.StopResult(http.StatusForbidden, []byte(`{"error":"origin not allowed"}`))
		}
		return middleware.SuccessResult()
	}

	ctx.MiddlewareData[middlewareDataKey] = origin

	if m.isPreflight(ctx) {
		headers := m.preflightHeaders(origin)
		result := middleware.StopResult(http.StatusNoContent, nil)
		result.Headers = headers
		return result
	}

	return middleware.SuccessResult()
}

func (m *Middleware) isPreflight(ctx *middleware.Context) bool {
	return ctx.Method == http.MethodOptions && ctx.Headers != nil && ctx.Headers.Get("Access-Control-Request-Method") != ""
}

func (m *Middleware) originAllowed(origin string) bool {
	if m.cfg.AllowAllOrigins {
		return true
	}
	for _, match := range m.cfg.AllowOrigins {
		if match.matches(origin) {
			return true
		}
	}
	return false
}

func (m *Middleware) preflightHeaders(origin string) map[string]string {
	headers := map[string]string{"Access-Control-Allow-Origin": m.allowOriginValue(origin)}
	if m.cfg.AllowCredentials {
		headers["Access-Control-Allow-Credentials"] = "true"
	}
	if m.allowMethods != "" {
		headers["Access-Control-Allow-Methods"] = m.allowMethods
	}
	if m.allowHeaders != "" {
		headers["Access-Control-Allow-Headers"] = m.allowHeaders
	}
	if m.cfg.MaxAge > 0 {
		headers["Access-Control-Max-Age"] = strconv.FormatInt(int64(m.cfg.MaxAge.Seconds()), 10)
	}
	return headers
}

func (m *Middleware) allowOriginValue(origin string) string {
	if m.cfg.AllowAllOrigins && !m.cfg.AllowCredentials {
		return "*"
	}
	return origin
}

// ProcessResponse implements middleware.Middleware: adds the
// Access-Control-Allow-Origin/Expose-Headers pair to an actual (non-
// preflight) CORS response.
func (m *Middleware) ProcessResponse(ctx *middleware.Context) middleware.Result {
	origin, ok := ctx.MiddlewareData[middlewareDataKey].(string)
	if !ok || ctx.Response == nil {
		return middleware.SuccessResult()
	}

	if ctx.Response.Headers == nil {
		ctx.Response.Headers = http.Header{}
	}
	ctx.Response.Headers.Set("Access-Control-Allow-Origin", m.allowOriginValue(origin))
	if !m.cfg.AllowAllOrigins || m.cfg.AllowCredentials {
		ctx.Response.Headers.Add("Vary", "Origin")
	}
	if m.cfg.AllowCredentials {
		ctx.Response.Headers.Set("Access-Control-Allow-Credentials", "true")
	}
	if m.exposeHdrs != "" {
		ctx.Response.Headers.Set("Access-Control-Expose-Headers", m.exposeHdrs)
	}
	return middleware.SuccessResult()
}
