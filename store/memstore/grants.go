package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/braybrandon/rbacauth"
	"github.com/braybrandon/rbacauth/permission"
)

// ErrUnknownPermission is returned when a permission id was never defined.
var ErrUnknownPermission = errors.New("memstore: unknown permission")

// Grants is an in-memory rbacauth.GrantStore with the mutations an admin
// surface needs. Callers run the matching Engine cache hook after each
// mutation returns.
type Grants struct {
	mu          sync.RWMutex
	permissions map[int64]permission.Permission
	rolePerms   map[int64]map[int64]struct{}
	userRoles   map[int64]map[int64]struct{}
}

func NewGrants() *Grants {
	return &Grants{
		permissions: make(map[int64]permission.Permission),
		rolePerms:   make(map[int64]map[int64]struct{}),
		userRoles:   make(map[int64]map[int64]struct{}),
	}
}

// DefinePermission registers or replaces a permission.
func (s *Grants) DefinePermission(p permission.Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions[p.ID] = p
}

// DeletePermission removes the permission and every grant of it, returning
// the removed definition for OnPermissionDeleted.
func (s *Grants) DeletePermission(_ context.Context, id int64) (permission.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[id]
	if !ok {
		return permission.Permission{}, ErrUnknownPermission
	}
	delete(s.permissions, id)
	for _, perms := range s.rolePerms {
		delete(perms, id)
	}
	return p, nil
}

// Grant gives permissionID to roleID. Granting twice is a no-op.
func (s *Grants) Grant(_ context.Context, roleID, permissionID int64) (permission.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[permissionID]
	if !ok {
		return permission.Permission{}, ErrUnknownPermission
	}
	set(s.rolePerms, roleID)[permissionID] = struct{}{}
	return p, nil
}

// Revoke removes permissionID from roleID.
func (s *Grants) Revoke(_ context.Context, roleID, permissionID int64) (permission.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[permissionID]
	if !ok {
		return permission.Permission{}, ErrUnknownPermission
	}
	delete(s.rolePerms[roleID], permissionID)
	return p, nil
}

func (s *Grants) AssignRole(_ context.Context, userID, roleID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set(s.userRoles, userID)[roleID] = struct{}{}
}

func (s *Grants) UnassignRole(_ context.Context, userID, roleID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.userRoles[userID], roleID)
}

// RolesWithPermission lists the roles currently granted permissionID.
func (s *Grants) RolesWithPermission(_ context.Context, permissionID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for roleID, perms := range s.rolePerms {
		if _, ok := perms[permissionID]; ok {
			out = append(out, roleID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Grants) UserRoleIDs(_ context.Context, userID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.userRoles[userID]), nil
}

func (s *Grants) RoleGrants(_ context.Context, roleID int64) ([]permission.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grantsLocked(roleID, 0), nil
}

func (s *Grants) RoleFeatureGrants(_ context.Context, roleID, featureID int64) ([]permission.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grantsLocked(roleID, featureID), nil
}

// grantsLocked returns roleID's grants, restricted to featureID when it is
// non-zero.
func (s *Grants) grantsLocked(roleID, featureID int64) []permission.Grant {
	var out []permission.Grant
	for _, pid := range sortedKeys(s.rolePerms[roleID]) {
		p := s.permissions[pid]
		if featureID != 0 && p.FeatureID != featureID {
			continue
		}
		out = append(out, permission.Grant{
			PermissionID: p.ID,
			FeatureID:    p.FeatureID,
			FeatureKey:   p.FeatureKey,
			Value:        p.Value,
		})
	}
	return out
}

func set(m map[int64]map[int64]struct{}, k int64) map[int64]struct{} {
	s, ok := m[k]
	if !ok {
		s = make(map[int64]struct{})
		m[k] = s
	}
	return s
}

func sortedKeys(m map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var _ rbacauth.GrantStore = (*Grants)(nil)
