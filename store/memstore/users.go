package memstore

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/braybrandon/rbacauth"
)

// ErrDuplicateEmail is returned by Users.Create for an email already in use.
var ErrDuplicateEmail = errors.New("memstore: email already registered")

// Users is an in-memory rbacauth.UserStore. Emails are matched case
// insensitively.
type Users struct {
	mu      sync.RWMutex
	nextID  int64
	byID    map[int64]*rbacauth.User
	byEmail map[string]int64
}

func NewUsers() *Users {
	return &Users{
		byID:    make(map[int64]*rbacauth.User),
		byEmail: make(map[string]int64),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Create stores u with a fresh id and returns it. u.ID is ignored.
func (s *Users) Create(_ context.Context, u rbacauth.User) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizeEmail(u.Email)
	if _, ok := s.byEmail[key]; ok {
		return 0, ErrDuplicateEmail
	}
	s.nextID++
	u.ID = s.nextID
	s.byID[u.ID] = &u
	s.byEmail[key] = u.ID
	return u.ID, nil
}

// Delete removes a user. Missing ids are ignored.
func (s *Users) Delete(_ context.Context, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.byID[id]; ok {
		delete(s.byEmail, normalizeEmail(u.Email))
		delete(s.byID, id)
	}
}

func (s *Users) FindByEmail(_ context.Context, email string) (*rbacauth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, rbacauth.ErrUserNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *Users) FindByID(_ context.Context, id int64) (*rbacauth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, rbacauth.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// UpdatePasswordHash stores hash and clears MustChangePassword.
func (s *Users) UpdatePasswordHash(_ context.Context, id int64, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return rbacauth.ErrUserNotFound
	}
	u.PasswordHash = hash
	u.MustChangePassword = false
	return nil
}

func (s *Users) IncrementTokenVersion(_ context.Context, id int64) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return 0, rbacauth.ErrUserNotFound
	}
	u.TokenVersion++
	return u.TokenVersion, nil
}

var _ rbacauth.UserStore = (*Users)(nil)
