// Package rbac resolves user roles and explicit grants into permission
// decisions. The role hierarchy is fixed (Viewer < Operator < Admin);
// custom grants extend a role without changing it. All state is held in
// memory behind a single mutex.
package rbac

import (
	"log/slog"
	"sync"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

// Role is a named rung in the fixed hierarchy.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// roleLevels orders roles for hierarchy comparisons.
var roleLevels = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// Valid reports whether the role is one of the known rungs.
func (r Role) Valid() bool {
	_, ok := roleLevels[r]
	return ok
}

// Permission names an allowed operation on a resource class.
type Permission string

const (
	PermAgentsView     Permission = "agents:view"
	PermAgentsSpawn    Permission = "agents:spawn"
	PermAgentsManage   Permission = "agents:manage"
	PermMemoryRead     Permission = "memory:read"
	PermMemoryWrite    Permission = "memory:write"
	PermSwarmsView     Permission = "swarms:view"
	PermSwarmsManage   Permission = "swarms:manage"
	PermSessionsView   Permission = "sessions:view"
	PermSessionsCreate Permission = "sessions:create"
	PermSessionsManage Permission = "sessions:manage"
	PermProvidersView  Permission = "providers:view"
	PermProvidersAdmin Permission = "providers:admin"
	PermConfigView     Permission = "config:view"
	PermConfigManage   Permission = "config:manage"
	PermAuditView      Permission = "audit:view"
	PermUsersManage    Permission = "users:manage"
)

// defaultGrants is the default permission table. Admin is handled
// specially: every permission check short-circuits to true.
var defaultGrants = map[Role][]Permission{
	RoleViewer: {
		PermAgentsView,
		PermMemoryRead,
		PermSwarmsView,
		PermSessionsView,
		PermProvidersView,
		PermConfigView,
	},
	RoleOperator: {
		PermAgentsView,
		PermAgentsSpawn,
		PermAgentsManage,
		PermMemoryRead,
		PermMemoryWrite,
		PermSwarmsView,
		PermSwarmsManage,
		PermSessionsView,
		PermSessionsCreate,
		PermSessionsManage,
		PermProvidersView,
		PermConfigView,
	},
}

// adminOnly are permissions the owner override never satisfies.
var adminOnly = map[Permission]bool{
	PermUsersManage:    true,
	PermConfigManage:   true,
	PermProvidersAdmin: true,
}

// resourceActions maps (resourceType, action) pairs to the permission
// that authorizes them.
var resourceActions = map[[2]string]Permission{
	{"agent", "view"}:      PermAgentsView,
	{"agent", "spawn"}:     PermAgentsSpawn,
	{"agent", "manage"}:    PermAgentsManage,
	{"agent", "delete"}:    PermAgentsManage,
	{"memory", "read"}:     PermMemoryRead,
	{"memory", "write"}:    PermMemoryWrite,
	{"swarm", "view"}:      PermSwarmsView,
	{"swarm", "manage"}:    PermSwarmsManage,
	{"session", "view"}:    PermSessionsView,
	{"session", "create"}:  PermSessionsCreate,
	{"session", "manage"}:  PermSessionsManage,
	{"session", "delete"}:  PermSessionsManage,
	{"provider", "view"}:   PermProvidersView,
	{"provider", "manage"}: PermProvidersAdmin,
	{"config", "view"}:     PermConfigView,
	{"config", "manage"}:   PermConfigManage,
	{"audit", "view"}:      PermAuditView,
	{"user", "manage"}:     PermUsersManage,
}

type userRecord struct {
	role   Role
	grants map[Permission]bool
}

// Store holds user role assignments and custom grants.
type Store struct {
	mu    sync.RWMutex
	users map[string]*userRecord
}

// NewStore creates an empty RBAC store.
func NewStore() *Store {
	return &Store{users: make(map[string]*userRecord)}
}

// AddUser registers a user with the given role.
func (s *Store) AddUser(userID string, role Role) error {
	if userID == "" {
		return apperr.InvalidInput("user id is required")
	}
	if !role.Valid() {
		return apperr.InvalidInput("unknown role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[userID]; exists {
		return apperr.InvalidInput("user %s already exists", userID)
	}
	s.users[userID] = &userRecord{role: role, grants: make(map[Permission]bool)}
	return nil
}

// RemoveUser deletes a user. The last Admin cannot be removed.
func (s *Store) RemoveUser(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return apperr.NotFound("user %s not found", userID)
	}
	if u.role == RoleAdmin && s.adminCountLocked() == 1 {
		return apperr.InvalidState("cannot remove the last admin")
	}
	delete(s.users, userID)
	return nil
}

// Role returns the user's role or NotFound.
func (s *Store) Role(userID string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return "", apperr.NotFound("user %s not found", userID)
	}
	return u.role, nil
}

// SetRole changes a user's role. Only an Admin actor may change roles,
// and the last Admin cannot be demoted.
func (s *Store) SetRole(actorID, userID string, role Role) error {
	if !role.Valid() {
		return apperr.InvalidInput("unknown role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	actor, ok := s.users[actorID]
	if !ok || actor.role != RoleAdmin {
		return apperr.Forbidden("role changes require an admin actor")
	}
	u, ok := s.users[userID]
	if !ok {
		return apperr.NotFound("user %s not found", userID)
	}
	if u.role == RoleAdmin && role != RoleAdmin && s.adminCountLocked() == 1 {
		return apperr.InvalidState("cannot demote the last admin")
	}

	slog.Info("Role changed", "actor", actorID, "user", userID, "from", u.role, "to", role)
	u.role = role
	return nil
}

// Grant adds an explicit permission on top of the user's role.
func (s *Store) Grant(actorID, userID string, p Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	actor, ok := s.users[actorID]
	if !ok || actor.role != RoleAdmin {
		return apperr.Forbidden("grants require an admin actor")
	}
	u, ok := s.users[userID]
	if !ok {
		return apperr.NotFound("user %s not found", userID)
	}
	u.grants[p] = true
	return nil
}

// Revoke removes an explicit grant. Role-derived permissions are not
// affected.
func (s *Store) Revoke(actorID, userID string, p Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	actor, ok := s.users[actorID]
	if !ok || actor.role != RoleAdmin {
		return apperr.Forbidden("revocations require an admin actor")
	}
	u, ok := s.users[userID]
	if !ok {
		return apperr.NotFound("user %s not found", userID)
	}
	delete(u.grants, p)
	return nil
}

// HasPermission reports whether the user's role or an explicit grant
// covers the permission. Admin always passes.
func (s *Store) HasPermission(userID string, p Permission) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return false
	}
	if u.role == RoleAdmin {
		return true
	}
	if u.grants[p] {
		return true
	}
	for _, granted := range defaultGrants[u.role] {
		if granted == p {
			return true
		}
	}
	return false
}

// CheckResourceAction authorizes an action on a resource. The resource
// owner may act on it without the mapped permission, except for
// admin-only permissions.
func (s *Store) CheckResourceAction(userID, resourceType, action, resourceID, ownerID string) error {
	perm, ok := resourceActions[[2]string{resourceType, action}]
	if !ok {
		return apperr.InvalidInput("unknown resource action %s:%s", resourceType, action)
	}

	if s.HasPermission(userID, perm) {
		return nil
	}
	if ownerID != "" && ownerID == userID && !adminOnly[perm] {
		return nil
	}
	return apperr.Forbidden("user %s may not %s %s %s", userID, action, resourceType, resourceID).
		WithDetail("permission", string(perm))
}

// AtLeast reports whether the user's role is at or above the given rung.
func (s *Store) AtLeast(userID string, role Role) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return false
	}
	return roleLevels[u.role] >= roleLevels[role]
}

func (s *Store) adminCountLocked() int {
	n := 0
	for _, u := range s.users {
		if u.role == RoleAdmin {
			n++
		}
	}
	return n
}
