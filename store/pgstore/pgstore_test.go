package pgstore

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/braybrandon/rbacauth"
	"github.com/braybrandon/rbacauth/permission"
	"github.com/braybrandon/rbacauth/refresh"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return New(db), mock
}

func q(fragment string) string { return regexp.QuoteMeta(fragment) }

var errConnReset = errors.New("connection reset by peer")

func TestMigrateExecutesSchema(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(q("create table if not exists refresh_tokens")).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
}

func TestUsersFind(t *testing.T) {
	s, mock := newMockStore(t)
	users := s.Users()
	ctx := context.Background()
	cols := []string{"id", "email", "name", "password_hash", "token_version", "must_change_password"}

	mock.ExpectQuery(q("from users where email = lower($1)")).
		WithArgs("Alice@Example.com").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(7), "alice@example.com", "Alice", nil, int64(3), true))

	u, err := users.FindByEmail(ctx, "Alice@Example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if u.ID != 7 || u.PasswordHash != "" || u.TokenVersion != 3 || !u.MustChangePassword {
		t.Fatalf("unexpected user: %+v", u)
	}

	mock.ExpectQuery(q("from users where id = $1")).WithArgs(int64(8)).WillReturnRows(sqlmock.NewRows(cols))
	if _, err := users.FindByID(ctx, 8); !errors.Is(err, rbacauth.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	mock.ExpectQuery(q("from users where id = $1")).WithArgs(int64(9)).WillReturnError(errConnReset)
	_, err = users.FindByID(ctx, 9)
	if err == nil || errors.Is(err, rbacauth.ErrUserNotFound) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestUsersMutations(t *testing.T) {
	s, mock := newMockStore(t)
	users := s.Users()
	ctx := context.Background()

	mock.ExpectQuery(q("insert into users")).
		WithArgs("dup@example.com", "", nil, false).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	if _, err := users.Create(ctx, rbacauth.User{Email: "dup@example.com"}); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}

	mock.ExpectExec(q("update users set password_hash = $2")).
		WithArgs(int64(7), "hash").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := users.UpdatePasswordHash(ctx, 7, "hash"); err != nil {
		t.Fatalf("UpdatePasswordHash: %v", err)
	}

	mock.ExpectExec(q("update users set password_hash = $2")).
		WithArgs(int64(404), "hash").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := users.UpdatePasswordHash(ctx, 404, "hash"); !errors.Is(err, rbacauth.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	mock.ExpectQuery(q("set token_version = token_version + 1")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"token_version"}).AddRow(int64(4)))
	tv, err := users.IncrementTokenVersion(ctx, 7)
	if err != nil || tv != 4 {
		t.Fatalf("IncrementTokenVersion = %d, %v", tv, err)
	}
}

func TestGrantsQueries(t *testing.T) {
	s, mock := newMockStore(t)
	grants := s.Grants()
	ctx := context.Background()

	mock.ExpectQuery(q("select role_id from user_roles")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"role_id"}).AddRow(int64(1)).AddRow(int64(2)))
	roles, err := grants.UserRoleIDs(ctx, 7)
	if err != nil || len(roles) != 2 {
		t.Fatalf("UserRoleIDs = %v, %v", roles, err)
	}

	cols := []string{"id", "feature_id", "key", "value"}
	mock.ExpectQuery(q("where rp.role_id = $1 and p.feature_id = $2")).
		WithArgs(int64(1), int64(10)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(100), int64(10), "users", int64(permission.Read)).
			AddRow(int64(101), int64(10), "users", int64(permission.Update)))
	got, err := grants.RoleFeatureGrants(ctx, 1, 10)
	if err != nil {
		t.Fatalf("RoleFeatureGrants: %v", err)
	}
	if m := permission.FeatureMask(got, 10); m != permission.Read|permission.Update {
		t.Fatalf("feature mask = %v", m)
	}

	mock.ExpectQuery(q("from permissions p join features f")).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows(cols))
	if _, err := grants.Grant(ctx, 1, 99); !errors.Is(err, ErrUnknownPermission) {
		t.Fatalf("expected ErrUnknownPermission, got %v", err)
	}
}

func TestGrantsDeletePermission(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(q("from permissions p join features f")).
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "feature_id", "key", "value"}).
			AddRow(int64(100), int64(10), "users", int64(permission.Read)))
	mock.ExpectExec(q("delete from role_permissions where permission_id = $1")).
		WithArgs(int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(q("delete from permissions where id = $1")).
		WithArgs(int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p, err := s.Grants().DeletePermission(ctx, 100)
	if err != nil {
		t.Fatalf("DeletePermission: %v", err)
	}
	if p.FeatureID != 10 || p.FeatureKey != "users" || p.Value != permission.Read {
		t.Fatalf("unexpected permission: %+v", p)
	}
}

func nextIssue() refresh.Issue {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return refresh.Issue{UserID: 7, TokenHash: "h2", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
}

func TestLedgerRotate(t *testing.T) {
	s, mock := newMockStore(t)
	ledger := s.Ledger()
	ctx := context.Background()
	in := nextIssue()

	mock.ExpectBegin()
	mock.ExpectExec(q("update refresh_tokens set revoked = true where id = $1 and not revoked")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("insert into refresh_tokens")).
		WithArgs(in.UserID, in.TokenHash, in.ExpiresAt, in.CreatedAt).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectCommit()

	id, err := ledger.Rotate(ctx, 1, in)
	if err != nil || id != 2 {
		t.Fatalf("Rotate = %d, %v", id, err)
	}
}

func TestLedgerRotateLosers(t *testing.T) {
	s, mock := newMockStore(t)
	ledger := s.Ledger()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(q("and not revoked")).WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("select revoked from refresh_tokens")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"revoked"}).AddRow(true))
	mock.ExpectRollback()
	if _, err := ledger.Rotate(ctx, 1, nextIssue()); !errors.Is(err, refresh.ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(q("and not revoked")).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("select revoked from refresh_tokens")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"revoked"}))
	mock.ExpectRollback()
	if _, err := ledger.Rotate(ctx, 5, nextIssue()); !errors.Is(err, refresh.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mock.ExpectBegin().WillReturnError(errConnReset)
	if _, err := ledger.Rotate(ctx, 1, nextIssue()); !errors.Is(err, refresh.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestLedgerLookupsAndRevocation(t *testing.T) {
	s, mock := newMockStore(t)
	ledger := s.Ledger()
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(q("from refresh_tokens where token_hash = $1")).
		WithArgs("h1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "token_hash", "expires_at", "revoked", "created_at"}).
			AddRow(int64(1), int64(7), "h1", now.Add(time.Hour), false, now))
	rec, err := ledger.GetByHash(ctx, "h1")
	if err != nil || rec.UserID != 7 || rec.Revoked {
		t.Fatalf("GetByHash = %+v, %v", rec, err)
	}

	mock.ExpectExec(q("where token_hash = $1")).WithArgs("gone").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := ledger.RevokeByHash(ctx, "gone"); !errors.Is(err, refresh.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mock.ExpectExec(q("where user_id = $1 and not revoked")).WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := ledger.RevokeAllForUser(ctx, 7)
	if err != nil || n != 3 {
		t.Fatalf("RevokeAllForUser = %d, %v", n, err)
	}

	mock.ExpectExec(q("delete from refresh_tokens where expires_at < $1")).WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 5))
	pruned, err := ledger.Prune(ctx, now)
	if err != nil || pruned != 5 {
		t.Fatalf("Prune = %d, %v", pruned, err)
	}
}

func TestCacheStoreLoad(t *testing.T) {
	s, mock := newMockStore(t)
	cache := s.CacheStore()
	ctx := context.Background()
	cols := []string{"generation", "computed", "feature_id", "feature_key", "bitmask"}

	mock.ExpectQuery(q("from role_permission_cache_state s")).WithArgs(int64(1)).WillReturnRows(sqlmock.NewRows(cols))
	st, err := cache.Load(ctx, 1)
	if err != nil || st.Computed || st.Generation != 0 || len(st.Entries) != 0 {
		t.Fatalf("unknown role = %+v, %v", st, err)
	}

	mock.ExpectQuery(q("from role_permission_cache_state s")).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(4), true, int64(10), "users", int64(permission.Read|permission.Update)).
			AddRow(int64(4), true, int64(20), "reports", int64(permission.Create)))
	st, err = cache.Load(ctx, 2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !st.Computed || st.Generation != 4 || len(st.Entries) != 2 || st.Entries[1].FeatureKey != "reports" {
		t.Fatalf("computed role = %+v", st)
	}

	mock.ExpectQuery(q("from role_permission_cache_state s")).WithArgs(int64(3)).WillReturnError(errConnReset)
	if _, err := cache.Load(ctx, 3); !errors.Is(err, permission.ErrCacheUnavailable) {
		t.Fatalf("expected ErrCacheUnavailable, got %v", err)
	}
}

func expectLockState(mock sqlmock.Sqlmock, roleID int64, inserted int64, rows *sqlmock.Rows) {
	mock.ExpectExec(q("on conflict (role_id) do nothing")).WithArgs(roleID).
		WillReturnResult(sqlmock.NewResult(0, inserted))
	mock.ExpectQuery(q("for update")).WithArgs(roleID).WillReturnRows(rows)
}

func stateRows(gen int64, computed bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"generation", "computed"}).AddRow(gen, computed)
}

func TestCacheStoreStoreRoleComparesGeneration(t *testing.T) {
	s, mock := newMockStore(t)
	cache := s.CacheStore()
	ctx := context.Background()
	entries := []permission.Entry{{FeatureID: 10, FeatureKey: "users", Mask: permission.Read}}

	mock.ExpectBegin()
	expectLockState(mock, 1, 0, stateRows(5, false))
	mock.ExpectRollback()
	ok, err := cache.StoreRole(ctx, 1, 4, entries)
	if err != nil || ok {
		t.Fatalf("stale StoreRole = %v, %v", ok, err)
	}

	mock.ExpectBegin()
	expectLockState(mock, 1, 0, stateRows(5, false))
	mock.ExpectExec(q("delete from role_feature_permissions where role_id = $1")).WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("insert into role_feature_permissions")).WithArgs(int64(1), int64(10), "users", int64(permission.Read)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("update role_permission_cache_state set computed = true")).WithArgs(int64(1), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	ok, err = cache.StoreRole(ctx, 1, 5, entries)
	if err != nil || !ok {
		t.Fatalf("StoreRole = %v, %v", ok, err)
	}
}

// A fill that loaded a role with no state row must lose to a Merge that
// created the row (generation 1) before the fill wrote.
func TestCacheStoreStoreRoleLosesToStateCreatedSinceLoad(t *testing.T) {
	s, mock := newMockStore(t)
	entries := []permission.Entry{{FeatureID: 10, FeatureKey: "users", Mask: permission.Read}}

	mock.ExpectBegin()
	expectLockState(mock, 2, 0, stateRows(1, false))
	mock.ExpectRollback()

	ok, err := s.CacheStore().StoreRole(context.Background(), 2, 0, entries)
	if err != nil || ok {
		t.Fatalf("StoreRole = %v, %v; want lost compare-and-set", ok, err)
	}
}

func TestCacheStoreStoreRoleFirstFillCreatesState(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectLockState(mock, 3, 1, stateRows(0, false))
	mock.ExpectExec(q("delete from role_feature_permissions where role_id = $1")).WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("update role_permission_cache_state set computed = true")).WithArgs(int64(3), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := s.CacheStore().StoreRole(context.Background(), 3, 0, nil)
	if err != nil || !ok {
		t.Fatalf("StoreRole = %v, %v", ok, err)
	}
}

func TestCacheStoreStoreRoleUnchangedStateRowIsLost(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectLockState(mock, 4, 0, stateRows(2, false))
	mock.ExpectExec(q("delete from role_feature_permissions where role_id = $1")).WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("update role_permission_cache_state set computed = true")).WithArgs(int64(4), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ok, err := s.CacheStore().StoreRole(context.Background(), 4, 2, nil)
	if err != nil || ok {
		t.Fatalf("StoreRole = %v, %v; want lost compare-and-set", ok, err)
	}
}

func TestCacheStoreStoreFeatureSkipsUncomputedRole(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	expectLockState(mock, 1, 1, stateRows(0, false))
	mock.ExpectRollback()

	ok, err := s.CacheStore().StoreFeature(ctx, 1, 0, permission.Entry{FeatureID: 10, Mask: permission.Read})
	if err != nil || !ok {
		t.Fatalf("StoreFeature = %v, %v", ok, err)
	}
}

func TestCacheStoreClear(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("update role_permission_cache_state set generation = generation + 1")).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(q("delete from role_feature_permissions")).WillReturnResult(sqlmock.NewResult(0, 9))
	mock.ExpectCommit()

	n, err := s.CacheStore().Clear(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Clear = %d, %v", n, err)
	}
}
