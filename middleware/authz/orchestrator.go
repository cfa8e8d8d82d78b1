package authz

import (
	"net/http"

	"github.com/otero/cachefabric/middleware"
	"github.com/otero/cachefabric/middleware/auth"
	"github.com/otero/cachefabric/pkg/utils"
)

// Enforcement selects what happens when every engine denies a request.
type Enforcement string

const (
	EnforcementStrict     Enforcement = "strict"
	EnforcementPermissive Enforcement = "permissive"
)

// Engine is one authorization engine the Orchestrator tries, in order,
// until one allows the request.
type Engine interface {
	Allow(authCtx *auth.AuthenticationContext, ctx *middleware.Context) bool
}

// RBACEngineAdapter adapts RBACEngine to the Engine interface, deriving
// the casbin action from the HTTP method per spec §4.10.
type RBACEngineAdapter struct {
	Engine *RBACEngine
}

// Allow implements Engine.
func (a RBACEngineAdapter) Allow(authCtx *auth.AuthenticationContext, ctx *middleware.Context) bool {
	if authCtx == nil || authCtx.UserID == "" {
		return false
	}
	ok, err := a.Engine.Allow(authCtx.UserID, ctx.Path, actionForMethod(ctx.Method))
	return err == nil && ok
}

// ACLEngineAdapter adapts ACLEngine to the Engine interface.
type ACLEngineAdapter struct {
	Engine *ACLEngine
}

// Allow implements Engine.
func (a ACLEngineAdapter) Allow(authCtx *auth.AuthenticationContext, ctx *middleware.Context) bool {
	subject := "anonymous"
	if authCtx != nil && authCtx.UserID != "" {
		subject = authCtx.UserID
	}
	return a.Engine.Allow(subject, ctx.Path, ctx.Method)
}

// PolicyEngineAdapter adapts PolicyEngine to the Engine interface.
type PolicyEngineAdapter struct {
	Engine *PolicyEngine
}

// Allow implements Engine.
func (a PolicyEngineAdapter) Allow(authCtx *auth.AuthenticationContext, ctx *middleware.Context) bool {
	attrs := map[string]string{"method": ctx.Method, "path": ctx.Path}
	if authCtx != nil {
		attrs["user_id"] = authCtx.UserID
		if len(authCtx.Roles) > 0 {
			attrs["role"] = authCtx.Roles[0]
		}
	}
	return a.Engine.Evaluate(attrs)
}

// Config configures the Orchestrator.
type Config struct {
	Engines     []Engine
	Enforcement Enforcement
	AdminPaths  []string // require an "admin" role regardless of engine outcome
}

// Orchestrator is the Authorization middleware: it tries each configured
// Engine in order until one allows, enforcing admin_paths and strict/
// permissive denial per spec §4.10.
type Orchestrator struct {
	middleware.Base
	cfg Config
}

// New builds an Orchestrator registered under id at the given priority.
// It should run after the Authentication Orchestrator in the chain.
func New(id string, priority middleware.Priority, cfg Config) *Orchestrator {
	if cfg.Enforcement == "" {
		cfg.Enforcement = EnforcementStrict
	}
	return &Orchestrator{
		Base: middleware.NewBase(id, priority, "authorization", true),
		cfg:  cfg,
	}
}

// ProcessRequest implements middleware.Middleware.
func (o *Orchestrator) ProcessRequest(ctx *middleware.Context) middleware.Result {
	authCtx, _ := auth.FromContext(ctx)

	if o.requiresAdmin(ctx.Path) && !hasAdminRole(authCtx) {
		return o.deny(ctx, "admin path requires admin role")
	}

	for _, engine := range o.cfg.Engines {
		if engine.Allow(authCtx, ctx) {
			return middleware.SuccessResult()
		}
	}

	return o.deny(ctx, "no authorization engine allowed this request")
}

func (o *Orchestrator) requiresAdmin(path string) bool {
	for _, pattern := range o.cfg.AdminPaths {
		if ok, err := utils.MatchPattern(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}

func hasAdminRole(authCtx *auth.AuthenticationContext) bool {
	if authCtx == nil {
		return false
	}
	for _, role := range authCtx.Roles {
		if role == "admin" {
			return true
		}
	}
	return false
}

func (o *Orchestrator) deny(ctx *middleware.Context, reason string) middleware.Result {
	if o.cfg.Enforcement == EnforcementPermissive {
		ctx.MiddlewareData["authorization_denied"] = reason
		return middleware.SuccessResult()
	}
	result := middleware.StopResult(http.StatusForbidden, []byte(`{"error":"forbidden"}`))
	result.Meta = map[string]interface{}{"reason": reason}
	return result
}
