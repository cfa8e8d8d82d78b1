package auth

import (
	"errors"
	"net/http"

	"github.com/otero/cachefabric/middleware"
	"github.com/otero/cachefabric/pkg/errs"
	"github.com/otero/cachefabric/pkg/utils"
)

// errNoCredentials is returned by a Provider when the request simply
// carries none of its credential forms; the Orchestrator treats this as
// "try the next provider", not as a failure to record.
var errNoCredentials = errors.New("auth: no credentials present")

// AuthenticationContext is the resolved identity stored in
// middleware.Context.MiddlewareData under MiddlewareDataKey, and mirrored
// field-by-field into UserData for convenience.
type AuthenticationContext struct {
	Authenticated bool
	Anonymous     bool
	Provider      string
	UserID        string
	Username      string
	Email         string
	Roles         []string
	Permissions   []string
	RawClaims     interface{}
}

// MiddlewareDataKey is the well-known Context.MiddlewareData key the
// Orchestrator stores its result under.
const MiddlewareDataKey = "authentication_context"

// Provider is one authentication method the Orchestrator can try.
type Provider interface {
	Name() string
	Authenticate(r *Request) (*AuthenticationContext, error)
}

// Config configures the Orchestrator.
type Config struct {
	Providers      []Provider
	SkipPaths      []string // glob patterns bypassing authentication entirely
	AllowAnonymous bool
}

// Orchestrator is the Authentication middleware: it tries each configured
// Provider in order, short-circuiting on the first success, per spec
// §4.9.
type Orchestrator struct {
	middleware.Base
	cfg Config
}

// New builds an Orchestrator registered under id at the given priority.
func New(id string, priority middleware.Priority, cfg Config) *Orchestrator {
	return &Orchestrator{
		Base: middleware.NewBase(id, priority, "authentication", true),
		cfg:  cfg,
	}
}

// ProcessRequest implements middleware.Middleware.
func (o *Orchestrator) ProcessRequest(ctx *middleware.Context) middleware.Result {
	for _, pattern := range o.cfg.SkipPaths {
		if ok, err := utils.MatchPattern(pattern, ctx.Path); err == nil && ok {
			return middleware.SuccessResult()
		}
	}

	req := &Request{Headers: ctx.Headers, Query: ctx.Query}

	var lastErr error
	for _, provider := range o.cfg.Providers {
		authCtx, err := provider.Authenticate(req)
		if err == nil {
			o.store(ctx, authCtx)
			return middleware.SuccessResult()
		}
		if !errors.Is(err, errNoCredentials) {
			lastErr = err
		}
	}

	if o.cfg.AllowAnonymous {
		o.store(ctx, &AuthenticationContext{Anonymous: true})
		return middleware.SuccessResult()
	}

	if lastErr == nil {
		lastErr = errs.ErrUnauthenticated
	}
	// A stop result, not an error result: the chain must still run its
	// response phase (e.g. CORS headers) over this 401, so the failure
	// reason travels in Meta rather than Result.Err.
	result := middleware.StopResult(http.StatusUnauthorized, []byte(`{"error":"unauthenticated"}`))
	result.Meta = map[string]interface{}{"reason": lastErr.Error()}
	return result
}

func (o *Orchestrator) store(ctx *middleware.Context, authCtx *AuthenticationContext) {
	ctx.MiddlewareData[MiddlewareDataKey] = authCtx
	ctx.UserData["user_id"] = authCtx.UserID
	ctx.UserData["username"] = authCtx.Username
	ctx.UserData["email"] = authCtx.Email
	ctx.UserData["roles"] = authCtx.Roles
	ctx.UserData["permissions"] = authCtx.Permissions
	ctx.UserData["anonymous"] = authCtx.Anonymous
}

// FromContext recovers the AuthenticationContext stored by a prior
// Orchestrator pass, for use by downstream authorization middlewares.
func FromContext(ctx *middleware.Context) (*AuthenticationContext, bool) {
	v, ok := ctx.MiddlewareData[MiddlewareDataKey]
	if !ok {
		return nil, false
	}
	authCtx, ok := v.(*AuthenticationContext)
	return authCtx, ok
}
