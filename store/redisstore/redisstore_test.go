package redisstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/braybrandon/rbacauth/permission"
	"github.com/braybrandon/rbacauth/refresh"
	"github.com/redis/go-redis/v9"
)

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

func issue(uid int64, hash string) refresh.Issue {
	now := time.Now()
	return refresh.Issue{UserID: uid, TokenHash: hash, ExpiresAt: now.Add(time.Hour), CreatedAt: now}
}

func TestLedgerCreateGetAndLookupByHash(t *testing.T) {
	_, rdb := newTestRedis(t)
	l := NewLedger(rdb, LedgerOptions{Prefix: "t"})
	ctx := context.Background()

	id, err := l.Create(ctx, issue(5, "h1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec, err := l.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.ID != id || rec.UserID != 5 || rec.TokenHash != "h1" || rec.Revoked {
		t.Fatalf("unexpected record: %+v", rec)
	}
	byHash, err := l.GetByHash(ctx, "h1")
	if err != nil || byHash.ID != id {
		t.Fatalf("GetByHash: %+v %v", byHash, err)
	}

	if _, err := l.Get(ctx, id+100); !errors.Is(err, refresh.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := l.GetByHash(ctx, "missing"); !errors.Is(err, refresh.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLedgerRotateIsSingleUse(t *testing.T) {
	_, rdb := newTestRedis(t)
	l := NewLedger(rdb, LedgerOptions{})
	ctx := context.Background()

	id, err := l.Create(ctx, issue(1, "old"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	next, err := l.Rotate(ctx, id, issue(1, "new"))
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if next == id {
		t.Fatal("rotation must allocate a new row")
	}
	old, _ := l.Get(ctx, id)
	if !old.Revoked {
		t.Fatal("rotated row must be revoked")
	}
	if _, err := l.Rotate(ctx, id, issue(1, "again")); !errors.Is(err, refresh.ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}
	if _, err := l.GetByHash(ctx, "again"); !errors.Is(err, refresh.ErrNotFound) {
		t.Fatal("failed rotation must not insert")
	}
	if _, err := l.Rotate(ctx, 999, issue(1, "x")); !errors.Is(err, refresh.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLedgerConcurrentRotateSingleWinner(t *testing.T) {
	_, rdb := newTestRedis(t)
	l := NewLedger(rdb, LedgerOptions{})
	ctx := context.Background()

	id, err := l.Create(ctx, issue(1, "seed"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Rotate(ctx, id, issue(1, "next-"+string(rune('a'+i))))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, refresh.ErrAlreadyRevoked):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestLedgerRevokeAndRevokeAll(t *testing.T) {
	_, rdb := newTestRedis(t)
	l := NewLedger(rdb, LedgerOptions{})
	ctx := context.Background()

	a, _ := l.Create(ctx, issue(1, "a"))
	_, _ = l.Create(ctx, issue(1, "b"))
	_, _ = l.Create(ctx, issue(1, "c"))
	other, _ := l.Create(ctx, issue(2, "d"))

	if err := l.Revoke(ctx, a); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := l.Revoke(ctx, a); err != nil {
		t.Fatalf("second Revoke must be idempotent: %v", err)
	}
	if err := l.RevokeByHash(ctx, "nope"); !errors.Is(err, refresh.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	n, err := l.RevokeAllForUser(ctx, 1)
	if err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 newly revoked rows, got %d", n)
	}
	rec, _ := l.Get(ctx, other)
	if rec.Revoked {
		t.Fatal("other user's row must be untouched")
	}
}

func TestLedgerRetentionExpiresRows(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewLedger(rdb, LedgerOptions{Retention: time.Minute})
	ctx := context.Background()

	id, err := l.Create(ctx, issue(1, "short"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ttl := mr.TTL("rbac:rt:1"); ttl <= 0 {
		t.Fatalf("expected row ttl, got %v", ttl)
	}
	mr.FastForward(2 * time.Hour)
	if _, err := l.Get(ctx, id); !errors.Is(err, refresh.ErrNotFound) {
		t.Fatalf("expected expired row to be gone, got %v", err)
	}
}

func TestCacheStoreLifecycle(t *testing.T) {
	_, rdb := newTestRedis(t)
	s := NewCacheStore(rdb, "t")
	ctx := context.Background()

	st, err := s.Load(ctx, 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Computed || st.Generation != 0 || len(st.Entries) != 0 {
		t.Fatalf("unknown role must be an empty miss: %+v", st)
	}

	ok, err := s.StoreRole(ctx, 1, 0, []permission.Entry{
		{FeatureID: 10, FeatureKey: "users", Mask: permission.Read},
		{FeatureID: 20, FeatureKey: "roles", Mask: 0},
	})
	if err != nil || !ok {
		t.Fatalf("StoreRole: ok=%v err=%v", ok, err)
	}
	st, _ = s.Load(ctx, 1)
	if !st.Computed || len(st.Entries) != 1 || st.Entries[0].FeatureKey != "users" {
		t.Fatalf("unexpected state after store: %+v", st)
	}

	gen, err := s.Merge(ctx, 1, permission.Entry{FeatureID: 10, FeatureKey: "users", Mask: permission.Update})
	if err != nil || gen != 1 {
		t.Fatalf("Merge: gen=%d err=%v", gen, err)
	}
	st, _ = s.Load(ctx, 1)
	if st.Entries[0].Mask != permission.Read|permission.Update {
		t.Fatalf("expected OR-ed mask, got %v", st.Entries[0].Mask)
	}

	if ok, _ := s.StoreRole(ctx, 1, 0, nil); ok {
		t.Fatal("stale generation must not store")
	}

	roles, err := s.RolesWithFeature(ctx, 10)
	if err != nil || len(roles) != 1 || roles[0] != 1 {
		t.Fatalf("RolesWithFeature: %v %v", roles, err)
	}

	gen, _ = s.Bump(ctx, 1)
	ok, err = s.StoreFeature(ctx, 1, gen, permission.Entry{FeatureID: 10, Mask: 0})
	if err != nil || !ok {
		t.Fatalf("StoreFeature: ok=%v err=%v", ok, err)
	}
	st, _ = s.Load(ctx, 1)
	if !st.Computed || len(st.Entries) != 0 {
		t.Fatalf("expected computed empty role: %+v", st)
	}
	if roles, _ := s.RolesWithFeature(ctx, 10); len(roles) != 0 {
		t.Fatalf("feature index must drop role: %v", roles)
	}
}

func TestCacheStoreMergeIgnoresUncomputedRole(t *testing.T) {
	_, rdb := newTestRedis(t)
	s := NewCacheStore(rdb, "")
	ctx := context.Background()

	if _, err := s.Merge(ctx, 3, permission.Entry{FeatureID: 1, FeatureKey: "f", Mask: permission.Read}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	st, _ := s.Load(ctx, 3)
	if st.Computed || st.Generation != 1 || len(st.Entries) != 0 {
		t.Fatalf("merge on uncomputed role must only bump: %+v", st)
	}
}

func TestCacheStoreInvalidateAndClear(t *testing.T) {
	_, rdb := newTestRedis(t)
	s := NewCacheStore(rdb, "t")
	ctx := context.Background()

	for _, role := range []int64{1, 2} {
		if ok, err := s.StoreRole(ctx, role, 0, []permission.Entry{{FeatureID: 5, FeatureKey: "x", Mask: permission.Read}}); err != nil || !ok {
			t.Fatalf("StoreRole(%d): %v %v", role, ok, err)
		}
	}
	if err := s.Invalidate(ctx, 1); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	st, _ := s.Load(ctx, 1)
	if st.Computed || st.Generation != 1 {
		t.Fatalf("unexpected state after invalidate: %+v", st)
	}

	n, err := s.Clear(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Clear: n=%d err=%v", n, err)
	}
	st, _ = s.Load(ctx, 2)
	if st.Computed {
		t.Fatal("role 2 must be invalidated by clear")
	}
	if roles, _ := s.RolesWithFeature(ctx, 5); len(roles) != 0 {
		t.Fatalf("feature index must be empty after clear: %v", roles)
	}
}

func TestCacheStoreUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	s := NewCacheStore(rdb, "t")
	mr.Close()

	if _, err := s.Load(context.Background(), 1); !errors.Is(err, permission.ErrCacheUnavailable) {
		t.Fatalf("expected ErrCacheUnavailable, got %v", err)
	}
}

func TestCacheOverRedisEndToEnd(t *testing.T) {
	_, rdb := newTestRedis(t)
	src := staticSource{1: {
		{PermissionID: 1, FeatureID: 10, FeatureKey: "users", Value: permission.Read},
		{PermissionID: 2, FeatureID: 10, FeatureKey: "users", Value: permission.Delete},
	}}
	c, err := permission.NewCache(NewCacheStore(rdb, "t"), src, permission.CacheOptions{})
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	got, err := c.Get(context.Background(), []int64{1})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["users"] != permission.Read|permission.Delete {
		t.Fatalf("unexpected masks: %v", got)
	}
}

// lockedSource is a mutable grant source safe for concurrent use.
type lockedSource struct {
	mu     sync.Mutex
	grants map[int64][]permission.Grant
}

func (s *lockedSource) set(roleID int64, grants ...permission.Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[roleID] = grants
}

func (s *lockedSource) add(roleID int64, g permission.Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[roleID] = append(s.grants[roleID], g)
}

func (s *lockedSource) drop(roleID, permissionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []permission.Grant
	for _, g := range s.grants[roleID] {
		if g.PermissionID != permissionID {
			kept = append(kept, g)
		}
	}
	s.grants[roleID] = kept
}

func (s *lockedSource) RoleGrants(_ context.Context, roleID int64) ([]permission.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]permission.Grant(nil), s.grants[roleID]...), nil
}

func (s *lockedSource) RoleFeatureGrants(ctx context.Context, roleID, featureID int64) ([]permission.Grant, error) {
	all, _ := s.RoleGrants(ctx, roleID)
	var out []permission.Grant
	for _, g := range all {
		if g.FeatureID == featureID {
			out = append(out, g)
		}
	}
	return out, nil
}

func TestCacheConcurrentGrantAndRevokeConverge(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	read := permission.Grant{PermissionID: 1, FeatureID: 10, FeatureKey: "users", Value: permission.Read}
	create := permission.Grant{PermissionID: 2, FeatureID: 10, FeatureKey: "users", Value: permission.Create}

	src := &lockedSource{grants: make(map[int64][]permission.Grant)}
	c, err := permission.NewCache(NewCacheStore(rdb, "t"), src, permission.CacheOptions{})
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	for i := 0; i < 100; i++ {
		src.set(1, read)
		if err := c.Invalidate(ctx, 1); err != nil {
			t.Fatalf("Invalidate: %v", err)
		}
		if _, err := c.Get(ctx, []int64{1}); err != nil {
			t.Fatalf("Get: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			src.drop(1, read.PermissionID)
			_ = c.OnRevoke(ctx, 1, read.FeatureID)
		}()
		go func() {
			defer wg.Done()
			src.add(1, create)
			_ = c.OnGrant(ctx, 1, permission.Permission{ID: create.PermissionID, FeatureID: 10, FeatureKey: "users", Value: permission.Create})
		}()
		go func() {
			defer wg.Done()
			_, _ = c.Get(ctx, []int64{1})
		}()
		wg.Wait()

		got, err := c.Get(ctx, []int64{1})
		if err != nil {
			t.Fatalf("iteration %d: Get: %v", i, err)
		}
		if got["users"] != permission.Create {
			t.Fatalf("iteration %d: users = %v, source has create", i, got["users"])
		}
	}
}

type staticSource map[int64][]permission.Grant

func (s staticSource) RoleGrants(_ context.Context, roleID int64) ([]permission.Grant, error) {
	return s[roleID], nil
}

func (s staticSource) RoleFeatureGrants(_ context.Context, roleID, featureID int64) ([]permission.Grant, error) {
	var out []permission.Grant
	for _, g := range s[roleID] {
		if g.FeatureID == featureID {
			out = append(out, g)
		}
	}
	return out, nil
}
