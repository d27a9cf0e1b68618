package permissions

import "strings"

// Pattern is a role-level permission descriptor in stored form. Exactly three
// shapes are recognised: "*", "resource.*" and "resource.action". Anything
// else never matches, so a malformed pattern fails closed.
type Pattern string

// Matches reports whether the concrete (resource, action) satisfies the pattern.
func (p Pattern) Matches(resource, action string) bool {
	s := string(p)
	if s == "*" {
		return true
	}
	res, act, ok := strings.Cut(s, ".")
	if !ok || res == "" || act == "" || res == "*" || strings.Contains(act, ".") {
		return false
	}
	if act == "*" {
		return res == resource
	}
	return res == resource && act == action
}

// MatchesResource reports whether the pattern covers any action on resource.
func (p Pattern) MatchesResource(resource string) bool {
	s := string(p)
	if s == "*" {
		return true
	}
	res, act, ok := strings.Cut(s, ".")
	if !ok || res == "" || act == "" || res == "*" || strings.Contains(act, ".") {
		return false
	}
	return res == resource
}

// IsWildcard reports whether the pattern needs lazy evaluation. Concrete
// patterns are materialised into the effective permission list; wildcards are
// consulted through the matcher at query time instead.
func (p Pattern) IsWildcard() bool {
	if p == "*" {
		return true
	}
	_, act, ok := strings.Cut(string(p), ".")
	return ok && act == "*"
}

// Concrete returns the pair for a "resource.action" pattern. The second
// return is false for wildcard or malformed patterns.
func (p Pattern) Concrete() (Permission, bool) {
	if p.IsWildcard() {
		return Permission{}, false
	}
	res, act, ok := strings.Cut(string(p), ".")
	if !ok || res == "" || act == "" || res == "*" || strings.Contains(act, ".") {
		return Permission{}, false
	}
	return Permission{Resource: res, Action: act}, true
}
