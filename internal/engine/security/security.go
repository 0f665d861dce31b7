// Package security decides whether a caller may invoke a method.
package security

import (
	"sort"
	"sync"
)

// Anonymous is the identity of unauthenticated callers.
const Anonymous = "anonymous"

// Authorizer checks a caller against the roles a method requires.
type Authorizer interface {
	// IsCallerAuthorized reports whether identity holds one of roles. An empty
	// role list means the method is unchecked.
	IsCallerAuthorized(identity string, roles []string) bool
}

// AllowAll authorizes every call.
type AllowAll struct{}

// IsCallerAuthorized always returns true.
func (AllowAll) IsCallerAuthorized(string, []string) bool { return true }

// StaticRoles authorizes from a fixed identity to roles mapping.
type StaticRoles struct {
	mu    sync.RWMutex
	roles map[string]map[string]struct{}
}

// NewStaticRoles creates an authorizer from identity -> roles.
func NewStaticRoles(assignments map[string][]string) *StaticRoles {
	s := &StaticRoles{roles: make(map[string]map[string]struct{}, len(assignments))}
	for identity, roles := range assignments {
		s.Grant(identity, roles...)
	}
	return s
}

// Grant adds roles to identity.
func (s *StaticRoles) Grant(identity string, roles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.roles[identity]
	if !ok {
		set = make(map[string]struct{}, len(roles))
		s.roles[identity] = set
	}
	for _, r := range roles {
		set[r] = struct{}{}
	}
}

// Revoke removes roles from identity.
func (s *StaticRoles) Revoke(identity string, roles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.roles[identity]
	if !ok {
		return
	}
	for _, r := range roles {
		delete(set, r)
	}
	if len(set) == 0 {
		delete(s.roles, identity)
	}
}

// RolesOf returns the sorted roles of identity.
func (s *StaticRoles) RolesOf(identity string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.roles[identity]))
	for r := range s.roles[identity] {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// IsCallerAuthorized implements Authorizer.
func (s *StaticRoles) IsCallerAuthorized(identity string, roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	if identity == "" {
		identity = Anonymous
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	held := s.roles[identity]
	for _, r := range roles {
		if _, ok := held[r]; ok {
			return true
		}
	}
	return false
}
