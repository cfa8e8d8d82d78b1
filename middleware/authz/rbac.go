// Package authz implements the Authorization middleware of spec §4.10:
// an RBAC engine (via casbin), an ACL engine, and a priority-based Policy
// engine, tried in order by an Orchestrator that enforces strict or
// permissive denial and honors admin_paths.
//
// Grounded on blueberrycongee-llmux's internal/auth/casbin.go, which
// wraps a casbin.Enforcer behind a small role/grouping-policy API with a
// fixed RBAC model string; this package keeps that wrapping approach
// but derives the casbin action from the HTTP method the way spec §4.10
// describes (GET->read, POST->create, PUT/PATCH->update, DELETE->delete).
package authz

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (r.obj == p.obj || p.obj == "*" || keyMatch(r.obj, p.obj)) && (r.act == p.act || p.act == "*")
`

// RBACEngine wraps a casbin.Enforcer configured with the role-based
// access-control model, exposing the role/permission-registry vocabulary
// spec §4.10 describes on top of casbin's subject/object/action triples.
type RBACEngine struct {
	enforcer *casbin.Enforcer
}

// NewRBACEngine builds an empty RBACEngine; policies and role grants are
// added with AddPermission/AddRoleForUser/AddRoleParent.
func NewRBACEngine() (*RBACEngine, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("authz: building rbac model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("authz: building rbac enforcer: %w", err)
	}
	return &RBACEngine{enforcer: enforcer}, nil
}

// AddPermission grants role the right to perform action on resources
// matching the given object pattern ("*" for any resource).
func (e *RBACEngine) AddPermission(role, resourcePattern, action string) error {
	_, err := e.enforcer.AddPolicy(roleSub(role), resourcePattern, action)
	return err
}

// AddRoleForUser grants userID the given role.
func (e *RBACEngine) AddRoleForUser(userID, role string) error {
	_, err := e.enforcer.AddGroupingPolicy(userSub(userID), roleSub(role))
	return err
}

// AddRoleParent makes child inherit every permission granted to parent,
// giving the role registry its transitive-closure semantics.
func (e *RBACEngine) AddRoleParent(child, parent string) error {
	_, err := e.enforcer.AddGroupingPolicy(roleSub(child), roleSub(parent))
	return err
}

// AddUserPermission grants a permission straight to a user subject,
// bypassing the role layer (used for one-off per-user grants).
func (e *RBACEngine) AddUserPermission(userID, resourcePattern, action string) error {
	_, err := e.enforcer.AddPolicy(userSub(userID), resourcePattern, action)
	return err
}

// Allow reports whether userID (carrying roles, already granted via
// AddRoleForUser) may perform action on resource. Admin is a convention,
// not a special case here — callers wire "admin" as a parent role with a
// "*"/"*" grant the same way llmux's AddDefaultPolicies does.
func (e *RBACEngine) Allow(userID, resource, action string) (bool, error) {
	return e.enforcer.Enforce(userSub(userID), resource, action)
}

func roleSub(role string) string { return "role:" + role }
func userSub(userID string) string { return "user:" + userID }

// actionForMethod derives the RBAC action verb from an HTTP method, per
// spec §4.10: GET->read, POST->create, PUT/PATCH->update, DELETE->delete.
func actionForMethod(method string) string {
	switch method {
	case "GET", "HEAD":
		return "read"
	case "POST":
		return "create"
	case "PUT", "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	default:
		return "read"
	}
}
