package permissions

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownRole indicates a role claim outside the fixed enumeration.
	ErrUnknownRole = errors.New("permissions: unknown role")
	// ErrStoreUnavailable indicates the override store could not be reached.
	ErrStoreUnavailable = errors.New("permissions: override store unavailable")
	// ErrUnauthorized indicates the actor attempted to grant a permission they do not hold.
	ErrUnauthorized = errors.New("permissions: not authorized to grant")
	// ErrOverrideNotFound indicates the delete target does not exist.
	ErrOverrideNotFound = errors.New("permissions: override not found")
)

// Role identifies one entry of the fixed role enumeration.
type Role string

const (
	RoleDeveloper  Role = "developer"
	RoleOrgAdmin   Role = "org_admin"
	RoleManager    Role = "manager"
	RoleConsultant Role = "consultant"
	RoleViewer     Role = "viewer"
)

// ParseRole validates a raw role claim.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.TrimSpace(strings.ToLower(raw))) {
	case RoleDeveloper:
		return RoleDeveloper, nil
	case RoleOrgAdmin:
		return RoleOrgAdmin, nil
	case RoleManager:
		return RoleManager, nil
	case RoleConsultant:
		return RoleConsultant, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
}

// Permission is a concrete (resource, action) pair. It is constructed once at
// the boundary; the engine never re-splits permission strings internally.
type Permission struct {
	Resource string
	Action   string
}

// Key renders the canonical external form "resource:action".
func (p Permission) Key() string {
	return p.Resource + ":" + p.Action
}

// ParseKey parses the canonical external form "resource:action".
func ParseKey(key string) (Permission, error) {
	resource, action, ok := strings.Cut(key, ":")
	if !ok || resource == "" || action == "" || strings.Contains(action, ":") {
		return Permission{}, fmt.Errorf("permissions: malformed permission key %q", key)
	}
	return Permission{Resource: resource, Action: action}, nil
}

// Source tells where an effective permission decision came from.
type Source string

const (
	SourceRole         Source = "role"
	SourceRoleOverride Source = "role_override"
	SourceUserOverride Source = "user_override"
)

// Override is a per-user exception that grants or denies a single concrete
// (resource, operation) pair. Overrides are never wildcarded.
type Override struct {
	ID         string
	UserID     string
	Resource   string
	Operation  string
	Granted    bool
	CreatedAt  time.Time
	CreatedBy  string
	ExpiresAt  *time.Time
	Role       *Role
	Conditions map[string]any
}

// Permission returns the pair the override targets.
func (o Override) Permission() Permission {
	return Permission{Resource: o.Resource, Action: o.Operation}
}

// Expired reports whether the override has lapsed as of now.
func (o Override) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// EffectivePermission is the resolved decision for one (resource, action) pair.
type EffectivePermission struct {
	Resource   string         `json:"resource"`
	Action     string         `json:"action"`
	Granted    bool           `json:"granted"`
	Source     Source         `json:"source"`
	GrantedBy  string         `json:"granted_by"`
	Conditions map[string]any `json:"conditions,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

// Key renders the canonical external form "resource:action".
func (e EffectivePermission) Key() string {
	return e.Resource + ":" + e.Action
}
