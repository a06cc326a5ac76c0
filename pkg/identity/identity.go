// Package identity is the authentication and authorization port the
// engine consumes. The engine never stores users itself; it asks the
// provider whether a principal may perform (resource, action).
package identity

import (
	"context"
	"time"
)

// Resource/action pairs checked by the engine. The API layer maps
// endpoints onto these; the orchestrator and alerting engines check them
// on every mutating operation.
const (
	PermDeploymentCreate  = "deployment.create"
	PermDeploymentExecute = "deployment.execute"
	PermDeploymentView    = "deployment.view"
	PermServiceManage     = "service.manage"
	PermServerManage      = "server.manage"
	PermSystemManage      = "system.manage"
)

// Role names understood by the static provider.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// User is an authenticated principal.
type User struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// AuthResult is the outcome of a successful authentication.
type AuthResult struct {
	User      *User     `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Provider authenticates users and answers permission checks.
type Provider interface {
	// Authenticate verifies credentials and issues a bearer token.
	// Invalid credentials fail with PermissionDenied.
	Authenticate(ctx context.Context, username, password string) (*AuthResult, error)
	// Verify validates a bearer token and returns its principal.
	Verify(ctx context.Context, token string) (*User, error)
	// HasPermission reports whether the user may perform the permission,
	// a "resource.action" pair.
	HasPermission(ctx context.Context, userID, permission string) (bool, error)
	// GetUserRoles lists the user's roles for diagnostic surfaces.
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
}

// rolePermissions maps each role onto the permissions it grants.
// Operator includes everything viewer has; admin includes everything.
var rolePermissions = map[string]map[string]bool{
	RoleViewer: {
		PermDeploymentView: true,
	},
	RoleOperator: {
		PermDeploymentView:    true,
		PermDeploymentCreate:  true,
		PermDeploymentExecute: true,
		PermServiceManage:     true,
		PermServerManage:      true,
	},
	RoleAdmin: {
		PermDeploymentView:    true,
		PermDeploymentCreate:  true,
		PermDeploymentExecute: true,
		PermServiceManage:     true,
		PermServerManage:      true,
		PermSystemManage:      true,
	},
}

// RoleGrants reports whether any of the roles grants the permission.
func RoleGrants(roles []string, permission string) bool {
	for _, role := range roles {
		if rolePermissions[role][permission] {
			return true
		}
	}
	return false
}
