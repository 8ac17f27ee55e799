package rbacauth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/braybrandon/rbacauth/password"
	"github.com/braybrandon/rbacauth/permission"
)

const testPassword = "correct-password-123"

type fakeUsers struct {
	mu      sync.Mutex
	byID    map[int64]*User
	findErr error

	updatePasswordCalls int
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byID: make(map[int64]*User)}
}

func (f *fakeUsers) put(u User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := u
	f.byID[u.ID] = &cp
}

func (f *fakeUsers) get(id int64) User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.byID[id]
}

func (f *fakeUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, u := range f.byID {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (f *fakeUsers) FindByID(_ context.Context, id int64) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	u, ok := f.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) UpdatePasswordHash(_ context.Context, id int64, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updatePasswordCalls++
	u, ok := f.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (f *fakeUsers) IncrementTokenVersion(_ context.Context, id int64) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return 0, ErrUserNotFound
	}
	u.TokenVersion++
	return u.TokenVersion, nil
}

type fakeGrants struct {
	mu        sync.Mutex
	userRoles map[int64][]int64
	grants    map[int64][]permission.Grant
	rolesErr  error
}

func newFakeGrants() *fakeGrants {
	return &fakeGrants{
		userRoles: make(map[int64][]int64),
		grants:    make(map[int64][]permission.Grant),
	}
}

func (f *fakeGrants) assign(userID int64, roles ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userRoles[userID] = append(f.userRoles[userID], roles...)
}

func (f *fakeGrants) grant(roleID int64, g permission.Grant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants[roleID] = append(f.grants[roleID], g)
}

func (f *fakeGrants) revoke(roleID, permissionID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.grants[roleID][:0]
	for _, g := range f.grants[roleID] {
		if g.PermissionID != permissionID {
			kept = append(kept, g)
		}
	}
	f.grants[roleID] = kept
}

func (f *fakeGrants) UserRoleIDs(_ context.Context, userID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rolesErr != nil {
		return nil, f.rolesErr
	}
	return append([]int64(nil), f.userRoles[userID]...), nil
}

func (f *fakeGrants) RoleGrants(_ context.Context, roleID int64) ([]permission.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]permission.Grant(nil), f.grants[roleID]...), nil
}

func (f *fakeGrants) RoleFeatureGrants(_ context.Context, roleID, featureID int64) ([]permission.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []permission.Grant
	for _, g := range f.grants[roleID] {
		if g.FeatureID == featureID {
			out = append(out, g)
		}
	}
	return out, nil
}

// brokenCacheStore fails every call, standing in for an unreachable cache
// backend.
type brokenCacheStore struct{}

var errCacheDown = errors.New("cache backend down")

func (brokenCacheStore) Load(context.Context, int64) (permission.RoleState, error) {
	return permission.RoleState{}, errCacheDown
}
func (brokenCacheStore) Bump(context.Context, int64) (uint64, error) { return 0, errCacheDown }
func (brokenCacheStore) Merge(context.Context, int64, permission.Entry) (uint64, error) {
	return 0, errCacheDown
}
func (brokenCacheStore) StoreRole(context.Context, int64, uint64, []permission.Entry) (bool, error) {
	return false, errCacheDown
}
func (brokenCacheStore) StoreFeature(context.Context, int64, uint64, permission.Entry) (bool, error) {
	return false, errCacheDown
}
func (brokenCacheStore) Invalidate(context.Context, int64) error { return errCacheDown }
func (brokenCacheStore) RolesWithFeature(context.Context, int64) ([]int64, error) {
	return nil, errCacheDown
}
func (brokenCacheStore) Clear(context.Context) (int, error) { return 0, errCacheDown }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Password.Memory = 8192
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	return cfg
}

func testHasher(t *testing.T) *password.Argon2 {
	t.Helper()
	cfg := testConfig().Password
	h, err := password.NewArgon2(password.Config{
		Memory:           cfg.Memory,
		Time:             cfg.Time,
		Parallelism:      cfg.Parallelism,
		SaltLength:       cfg.SaltLength,
		KeyLength:        cfg.KeyLength,
		MinPasswordBytes: cfg.MinLength,
		MaxPasswordBytes: cfg.MaxLength,
	})
	if err != nil {
		t.Fatalf("NewArgon2: %v", err)
	}
	return h
}

type testEnv struct {
	engine *Engine
	users  *fakeUsers
	grants *fakeGrants
	clock  *testClock
	mr     *miniredis.Miniredis
	rdb    *redis.Client
}

type envOption func(*Builder)

// newTestEnv builds an engine over miniredis with one user (id 7,
// alice@example.com) whose password is testPassword.
func newTestEnv(t *testing.T, cfg Config, opts ...envOption) *testEnv {
	t.Helper()

	mr, rdb := newTestRedis(t)
	users := newFakeUsers()
	grants := newFakeGrants()
	clock := newTestClock()

	hash, err := testHasher(t).Hash(testPassword)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	users.put(User{ID: 7, Email: "alice@example.com", Name: "Alice", PasswordHash: hash})

	b := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(users).
		WithGrantStore(grants).
		WithLogger(zerolog.Nop()).
		WithClock(clock.Now)
	for _, opt := range opts {
		opt(b)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEnv{engine: engine, users: users, grants: grants, clock: clock, mr: mr, rdb: rdb}
}

func (env *testEnv) login(t *testing.T) *LoginResult {
	t.Helper()
	res, err := env.engine.Authenticate(context.Background(), "alice@example.com", testPassword)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return res
}
