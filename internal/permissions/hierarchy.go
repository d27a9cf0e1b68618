package permissions

import "fmt"

// roleDef couples a role with its rank and base pattern set. Higher rank
// means more privilege; a role inherits the base patterns of every role
// ranked below it.
type roleDef struct {
	role     Role
	rank     int
	patterns []Pattern
}

// Hierarchy is the static, immutable role hierarchy table. It is built once
// at startup and read concurrently without locking.
type Hierarchy struct {
	defs  []roleDef
	index map[Role]int
}

// NewHierarchy builds the default payroll platform hierarchy.
func NewHierarchy() *Hierarchy {
	defs := []roleDef{
		{role: RoleDeveloper, rank: 100, patterns: []Pattern{"*"}},
		{role: RoleOrgAdmin, rank: 80, patterns: []Pattern{"users.*", "roles.*", "settings.*", "audit.read"}},
		{role: RoleManager, rank: 60, patterns: []Pattern{"clients.*", "billing.*", "invoices.*", "reports.export"}},
		{role: RoleConsultant, rank: 40, patterns: []Pattern{"payrolls.*", "clients.read", "reports.*"}},
		{role: RoleViewer, rank: 20, patterns: []Pattern{"dashboard.read", "payrolls.read", "reports.read"}},
	}
	index := make(map[Role]int, len(defs))
	for i, def := range defs {
		index[def.role] = i
	}
	return &Hierarchy{defs: defs, index: index}
}

// Rank returns the privilege rank of role.
func (h *Hierarchy) Rank(role Role) (int, error) {
	i, ok := h.index[role]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return h.defs[i].rank, nil
}

// BasePatterns returns the role's own pattern set, without inheritance.
func (h *Hierarchy) BasePatterns(role Role) ([]Pattern, error) {
	i, ok := h.index[role]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	patterns := make([]Pattern, len(h.defs[i].patterns))
	copy(patterns, h.defs[i].patterns)
	return patterns, nil
}

// InheritedPatterns returns the union of base patterns for role and every
// role ranked below it, ordered lowest rank first.
func (h *Hierarchy) InheritedPatterns(role Role) ([]Pattern, error) {
	i, ok := h.index[role]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	var patterns []Pattern
	seen := make(map[Pattern]struct{})
	for j := len(h.defs) - 1; j >= i; j-- {
		for _, p := range h.defs[j].patterns {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			patterns = append(patterns, p)
		}
	}
	return patterns, nil
}

// AllowedRoles returns role and every role ranked at or below it, highest
// rank first. Used for "can this role manage that lower role" checks.
func (h *Hierarchy) AllowedRoles(role Role) ([]Role, error) {
	i, ok := h.index[role]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	roles := make([]Role, 0, len(h.defs)-i)
	for _, def := range h.defs[i:] {
		roles = append(roles, def.role)
	}
	return roles, nil
}

// Roles lists the full enumeration, highest rank first.
func (h *Hierarchy) Roles() []Role {
	roles := make([]Role, len(h.defs))
	for i, def := range h.defs {
		roles[i] = def.role
	}
	return roles
}
