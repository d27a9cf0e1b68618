package permissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/payflow-hq/payflow/internal/shared"
)

// AuditRecorder receives change events emitted by the mutation API.
// Delivery is fire-and-forget: a failed audit write never fails the
// permission mutation itself.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Invalidator broadcasts cache invalidations to other instances.
type Invalidator interface {
	Publish(ctx context.Context, userID string)
	PublishAll(ctx context.Context)
}

// ServiceParams groups dependencies for the calculation service.
type ServiceParams struct {
	Store     OverrideStore
	Cache     *Cache
	Hierarchy *Hierarchy
	Fanout    Invalidator
	Audit     AuditRecorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// Service is the calculation façade orchestrating hierarchy, store, resolver
// and cache.
type Service struct {
	hierarchy *Hierarchy
	resolver  *Resolver
	store     OverrideStore
	cache     *Cache
	fanout    Invalidator
	audit     AuditRecorder
	logger    *slog.Logger
	now       func() time.Time
	group     singleflight.Group
}

// NewService constructs a Service. Hierarchy defaults to the built-in table,
// Fanout and Audit may be nil.
func NewService(p ServiceParams) *Service {
	if p.Hierarchy == nil {
		p.Hierarchy = NewHierarchy()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Service{
		hierarchy: p.Hierarchy,
		resolver:  NewResolver(p.Hierarchy),
		store:     p.Store,
		cache:     p.Cache,
		fanout:    p.Fanout,
		audit:     p.Audit,
		logger:    p.Logger,
		now:       p.Now,
	}
}

// Hierarchy exposes the immutable role table.
func (s *Service) Hierarchy() *Hierarchy {
	return s.hierarchy
}

// Calculation is the result of one permission computation for a (user, role)
// pair. Treat it as read-only; cached calculations are shared.
type Calculation struct {
	Permissions  []string              `json:"permissions"`
	Effective    []EffectivePermission `json:"effective"`
	CalculatedAt time.Time             `json:"calculated_at"`
	FromCache    bool                  `json:"from_cache"`
	Degraded     bool                  `json:"degraded"`

	index map[string]EffectivePermission
}

// Lookup returns the materialised decision for an exact pair, if any.
func (c Calculation) Lookup(pair Permission) (EffectivePermission, bool) {
	ep, ok := c.index[pair.Key()]
	return ep, ok
}

// Calculate returns the effective permissions for (userID, role). Cache hits
// are served unless forceRefresh is set; a miss fetches overrides, resolves
// and stores the result with a fresh TTL window. When the override store is
// unavailable the calculation degrades to role-only permissions: degraded
// results are flagged, logged and never cached.
func (s *Service) Calculate(ctx context.Context, userID string, role Role, forceRefresh bool) (Calculation, error) {
	role = s.effectiveRole(role)
	if !forceRefresh {
		if entry, ok := s.cache.Get(userID, role, s.now()); ok {
			return calculationFromEntry(entry, true), nil
		}
	}
	v, err, _ := s.group.Do(userID+"\x00"+string(role), func() (any, error) {
		return s.recalculate(ctx, userID, role)
	})
	if err != nil {
		return Calculation{}, err
	}
	return v.(Calculation), nil
}

func (s *Service) recalculate(ctx context.Context, userID string, role Role) (Calculation, error) {
	now := s.now()
	overrides, err := s.store.ActiveOverrides(ctx, userID)
	if err != nil {
		s.logger.Warn("permission calculation degraded to role baseline",
			slog.String("user_id", userID), slog.String("role", string(role)), slog.Any("error", err))
		effective, rerr := s.resolver.Resolve(role, nil, now)
		if rerr != nil {
			return Calculation{}, rerr
		}
		calc := calculationFromEntry(NewCacheEntry(effective, now), false)
		calc.Degraded = true
		return calc, nil
	}
	effective, err := s.resolver.Resolve(role, overrides, now)
	if err != nil {
		return Calculation{}, err
	}
	entry := NewCacheEntry(effective, now)
	s.cache.Put(userID, role, entry)
	return calculationFromEntry(entry, false), nil
}

// HasPermission reports whether (userID, role) may perform action on
// resource. Materialised decisions are consulted first so an explicit deny
// override wins even where a wildcard role pattern would grant; wildcard
// patterns are evaluated through the matcher only when no exact decision
// exists.
func (s *Service) HasPermission(ctx context.Context, userID string, role Role, resource, action string) (bool, error) {
	role = s.effectiveRole(role)
	calc, err := s.Calculate(ctx, userID, role, false)
	if err != nil {
		return false, err
	}
	if ep, ok := calc.Lookup(Permission{Resource: resource, Action: action}); ok {
		return ep.Granted, nil
	}
	patterns, err := s.hierarchy.InheritedPatterns(role)
	if err != nil {
		return false, err
	}
	for _, p := range patterns {
		if p.IsWildcard() && p.Matches(resource, action) {
			return true, nil
		}
	}
	return false, nil
}

// HasAny reports whether at least one of the permission keys
// ("resource:action") is held. Malformed keys count as not granted.
func (s *Service) HasAny(ctx context.Context, userID string, role Role, keys []string) (bool, error) {
	for _, key := range keys {
		pair, err := ParseKey(key)
		if err != nil {
			continue
		}
		ok, err := s.HasPermission(ctx, userID, role, pair.Resource, pair.Action)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// HasAll reports whether every permission key is held.
func (s *Service) HasAll(ctx context.Context, userID string, role Role, keys []string) (bool, error) {
	for _, key := range keys {
		pair, err := ParseKey(key)
		if err != nil {
			return false, nil
		}
		ok, err := s.HasPermission(ctx, userID, role, pair.Resource, pair.Action)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// CanAccessResource reports whether any permission exists for resource,
// either a granted materialised entry or a role pattern covering it.
func (s *Service) CanAccessResource(ctx context.Context, userID string, role Role, resource string) (bool, error) {
	role = s.effectiveRole(role)
	calc, err := s.Calculate(ctx, userID, role, false)
	if err != nil {
		return false, err
	}
	for _, ep := range calc.Effective {
		if ep.Granted && ep.Resource == resource {
			return true, nil
		}
	}
	patterns, err := s.hierarchy.InheritedPatterns(role)
	if err != nil {
		return false, err
	}
	for _, p := range patterns {
		if p.MatchesResource(resource) {
			return true, nil
		}
	}
	return false, nil
}

// AddOverrideInput carries the fields for a new override plus the actor
// performing the mutation.
type AddOverrideInput struct {
	UserID     string
	Resource   string
	Operation  string
	Granted    bool
	ExpiresAt  *time.Time
	Role       *Role
	Conditions map[string]any

	ActorID   string
	ActorRole Role
}

// AddOverride validates that the actor holds the target permission
// themselves, persists the override and synchronously invalidates the
// affected user's cache before returning. Write failures always propagate.
func (s *Service) AddOverride(ctx context.Context, in AddOverrideInput) (Override, error) {
	if in.UserID == "" || in.Resource == "" || in.Operation == "" || in.ActorID == "" {
		return Override{}, errors.New("permissions: user, resource, operation and actor are required")
	}
	now := s.now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return Override{}, errors.New("permissions: override expiry must be in the future")
	}
	if in.Role != nil {
		if _, err := s.hierarchy.Rank(*in.Role); err != nil {
			return Override{}, err
		}
	}

	held, err := s.HasPermission(ctx, in.ActorID, in.ActorRole, in.Resource, in.Operation)
	if err != nil {
		return Override{}, err
	}
	if !held {
		return Override{}, fmt.Errorf("%w: %s on %s", ErrUnauthorized, in.Operation, in.Resource)
	}

	ov := Override{
		ID:         uuid.NewString(),
		UserID:     in.UserID,
		Resource:   in.Resource,
		Operation:  in.Operation,
		Granted:    in.Granted,
		CreatedAt:  now.UTC(),
		CreatedBy:  in.ActorID,
		ExpiresAt:  in.ExpiresAt,
		Role:       in.Role,
		Conditions: in.Conditions,
	}
	created, err := s.store.InsertOverride(ctx, ov)
	if err != nil {
		return Override{}, err
	}

	// Synchronous invalidation guarantees read-after-write for this user.
	s.cache.Invalidate(created.UserID)
	if s.fanout != nil {
		s.fanout.Publish(ctx, created.UserID)
	}
	s.recordAudit(ctx, shared.AuditLog{
		Actor:    in.ActorID,
		Action:   "permission_override.created",
		Entity:   "permission_override",
		EntityID: created.ID,
		Meta: map[string]any{
			"user_id":    created.UserID,
			"permission": created.Permission().Key(),
			"granted":    created.Granted,
			"expires_at": created.ExpiresAt,
		},
		At: now,
	})
	return created, nil
}

// RemoveOverride deletes an override and invalidates the cache for the user
// it belonged to. Returns the affected user id.
func (s *Service) RemoveOverride(ctx context.Context, id, actorID string) (string, error) {
	userID, err := s.store.DeleteOverride(ctx, id)
	if err != nil {
		return "", err
	}
	s.cache.Invalidate(userID)
	if s.fanout != nil {
		s.fanout.Publish(ctx, userID)
	}
	s.recordAudit(ctx, shared.AuditLog{
		Actor:    actorID,
		Action:   "permission_override.removed",
		Entity:   "permission_override",
		EntityID: id,
		Meta:     map[string]any{"user_id": userID},
		At:       s.now(),
	})
	return userID, nil
}

// ClearUserCache drops every cached calculation for one user.
func (s *Service) ClearUserCache(ctx context.Context, userID string) {
	s.cache.Invalidate(userID)
	if s.fanout != nil {
		s.fanout.Publish(ctx, userID)
	}
}

// ClearAllCache drops every cached calculation.
func (s *Service) ClearAllCache(ctx context.Context) {
	s.cache.InvalidateAll()
	if s.fanout != nil {
		s.fanout.PublishAll(ctx)
	}
}

func (s *Service) effectiveRole(role Role) Role {
	if _, err := s.hierarchy.Rank(role); err != nil {
		s.logger.Warn("unknown role claim, downgrading to viewer", slog.String("role", string(role)))
		return RoleViewer
	}
	return role
}

func (s *Service) recordAudit(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("record audit event", slog.String("action", log.Action), slog.Any("error", err))
	}
}

func calculationFromEntry(entry *CacheEntry, fromCache bool) Calculation {
	permissions := make([]string, 0, len(entry.Granted))
	for key := range entry.Granted {
		permissions = append(permissions, key)
	}
	sort.Strings(permissions)
	return Calculation{
		Permissions:  permissions,
		Effective:    entry.Effective,
		CalculatedAt: entry.CalculatedAt,
		FromCache:    fromCache,
		index:        entry.Index,
	}
}
