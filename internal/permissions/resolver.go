package permissions

import (
	"sort"
	"time"
)

// Resolver computes effective permission lists from the static hierarchy and
// a set of per-user overrides. It is pure computation and holds no state
// beyond the hierarchy table.
type Resolver struct {
	hierarchy *Hierarchy
}

// NewResolver constructs a Resolver.
func NewResolver(h *Hierarchy) *Resolver {
	return &Resolver{hierarchy: h}
}

// Resolve returns the materialised effective permission list for role with
// overrides applied. Concrete role grants are listed with source "role";
// wildcard role patterns stay unexpanded and are answered by the pattern
// matcher at query time. Expired overrides are excluded, the latest
// createdAt wins per (resource, operation) and a strictly personal override
// beats a role-scoped one on an exact timestamp tie. Winning overrides
// replace role grants for the same pair whether they grant or deny.
func (r *Resolver) Resolve(role Role, overrides []Override, now time.Time) ([]EffectivePermission, error) {
	allowed, err := r.hierarchy.AllowedRoles(role)
	if err != nil {
		return nil, err
	}

	effective := make(map[string]EffectivePermission)
	// Walk lowest rank first so a higher role's own grant is recorded as the
	// grantor when the same concrete pattern appears at several ranks.
	for i := len(allowed) - 1; i >= 0; i-- {
		base, err := r.hierarchy.BasePatterns(allowed[i])
		if err != nil {
			return nil, err
		}
		for _, pattern := range base {
			pair, ok := pattern.Concrete()
			if !ok {
				continue
			}
			effective[pair.Key()] = EffectivePermission{
				Resource:  pair.Resource,
				Action:    pair.Action,
				Granted:   true,
				Source:    SourceRole,
				GrantedBy: string(allowed[i]),
			}
		}
	}

	for _, winner := range selectWinners(overrides, now) {
		ep := EffectivePermission{
			Resource:   winner.Resource,
			Action:     winner.Operation,
			Granted:    winner.Granted,
			Source:     SourceUserOverride,
			GrantedBy:  winner.CreatedBy,
			Conditions: winner.Conditions,
			ExpiresAt:  winner.ExpiresAt,
		}
		if winner.Role != nil {
			ep.Source = SourceRoleOverride
			ep.GrantedBy = string(*winner.Role)
		}
		effective[winner.Permission().Key()] = ep
	}

	list := make([]EffectivePermission, 0, len(effective))
	for _, ep := range effective {
		list = append(list, ep)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key() < list[j].Key() })
	return list, nil
}

// selectWinners filters expired overrides and keeps one winner per
// (resource, operation).
func selectWinners(overrides []Override, now time.Time) map[string]Override {
	winners := make(map[string]Override)
	for _, ov := range overrides {
		if ov.Expired(now) {
			continue
		}
		key := ov.Permission().Key()
		current, ok := winners[key]
		if !ok || beats(ov, current) {
			winners[key] = ov
		}
	}
	return winners
}

// beats reports whether challenger wins over incumbent for the same pair.
func beats(challenger, incumbent Override) bool {
	if challenger.CreatedAt.After(incumbent.CreatedAt) {
		return true
	}
	if incumbent.CreatedAt.After(challenger.CreatedAt) {
		return false
	}
	// Exact tie: a strictly personal override takes precedence over a
	// role-scoped one.
	return challenger.Role == nil && incumbent.Role != nil
}
