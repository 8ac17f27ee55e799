package pgstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/braybrandon/rbacauth/permission"
)

// CacheStore implements permission.CacheStore with the
// role_permission_cache_state and role_feature_permissions tables. Writes
// that compare generations lock the state row for the transaction.
type CacheStore struct {
	db *sql.DB
}

func cacheUnavailable(err error) error {
	return fmt.Errorf("%w: %v", permission.ErrCacheUnavailable, err)
}

const bumpState = `
	insert into role_permission_cache_state (role_id, generation, computed)
	values ($1, 1, false)
	on conflict (role_id) do update
	set generation = role_permission_cache_state.generation + 1`

func (s *CacheStore) Load(ctx context.Context, roleID int64) (permission.RoleState, error) {
	rows, err := s.db.QueryContext(ctx, `
		select s.generation, s.computed, f.feature_id, f.feature_key, f.bitmask
		from role_permission_cache_state s
		left join role_feature_permissions f on f.role_id = s.role_id
		where s.role_id = $1
		order by f.feature_id
	`, roleID)
	if err != nil {
		return permission.RoleState{}, cacheUnavailable(err)
	}
	defer rows.Close()

	var st permission.RoleState
	for rows.Next() {
		var (
			gen       int64
			featureID sql.NullInt64
			key       sql.NullString
			mask      sql.NullInt64
		)
		if err := rows.Scan(&gen, &st.Computed, &featureID, &key, &mask); err != nil {
			return permission.RoleState{}, cacheUnavailable(err)
		}
		st.Generation = uint64(gen)
		if featureID.Valid && mask.Int64 != 0 {
			st.Entries = append(st.Entries, permission.Entry{
				FeatureID:  featureID.Int64,
				FeatureKey: key.String,
				Mask:       permission.Mask(mask.Int64),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return permission.RoleState{}, cacheUnavailable(err)
	}
	if !st.Computed {
		st.Entries = nil
	}
	return st, nil
}

func (s *CacheStore) Bump(ctx context.Context, roleID int64) (uint64, error) {
	var gen int64
	if err := s.db.QueryRowContext(ctx, bumpState+` returning generation`, roleID).Scan(&gen); err != nil {
		return 0, cacheUnavailable(err)
	}
	return uint64(gen), nil
}

func (s *CacheStore) Merge(ctx context.Context, roleID int64, e permission.Entry) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, cacheUnavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		gen      int64
		computed bool
	)
	if err := tx.QueryRowContext(ctx, bumpState+` returning generation, computed`, roleID).Scan(&gen, &computed); err != nil {
		return 0, cacheUnavailable(err)
	}
	if computed && e.Mask != 0 {
		if _, err := tx.ExecContext(ctx, `
			insert into role_feature_permissions (role_id, feature_id, feature_key, bitmask)
			values ($1, $2, $3, $4)
			on conflict (role_id, feature_id) do update
			set bitmask = role_feature_permissions.bitmask | excluded.bitmask,
			    feature_key = coalesce(nullif(excluded.feature_key, ''), role_feature_permissions.feature_key)
		`, roleID, e.FeatureID, e.FeatureKey, int64(e.Mask)); err != nil {
			return 0, cacheUnavailable(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, cacheUnavailable(err)
	}
	return uint64(gen), nil
}

// lockState returns the role's generation and computed marker under a row
// lock. A missing state row is first created at generation 0, so there is
// always a row to lock and a concurrent Bump or Merge serializes behind us.
func lockState(ctx context.Context, tx *sql.Tx, roleID int64) (uint64, bool, error) {
	if _, err := tx.ExecContext(ctx, `
		insert into role_permission_cache_state (role_id, generation, computed)
		values ($1, 0, false)
		on conflict (role_id) do nothing
	`, roleID); err != nil {
		return 0, false, err
	}
	var (
		gen      int64
		computed bool
	)
	err := tx.QueryRowContext(ctx, `
		select generation, computed from role_permission_cache_state where role_id = $1 for update
	`, roleID).Scan(&gen, &computed)
	if err != nil {
		return 0, false, err
	}
	return uint64(gen), computed, nil
}

func (s *CacheStore) StoreRole(ctx context.Context, roleID int64, gen uint64, entries []permission.Entry) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, cacheUnavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, _, err := lockState(ctx, tx, roleID)
	if err != nil {
		return false, cacheUnavailable(err)
	}
	if cur != gen {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `delete from role_feature_permissions where role_id = $1`, roleID); err != nil {
		return false, cacheUnavailable(err)
	}
	for _, e := range entries {
		if e.Mask == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			insert into role_feature_permissions (role_id, feature_id, feature_key, bitmask)
			values ($1, $2, $3, $4)
		`, roleID, e.FeatureID, e.FeatureKey, int64(e.Mask)); err != nil {
			return false, cacheUnavailable(err)
		}
	}
	res, err := tx.ExecContext(ctx, `
		update role_permission_cache_state set computed = true
		where role_id = $1 and generation = $2
	`, roleID, int64(gen))
	if err != nil {
		return false, cacheUnavailable(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, cacheUnavailable(err)
	} else if n != 1 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, cacheUnavailable(err)
	}
	return true, nil
}

func (s *CacheStore) StoreFeature(ctx context.Context, roleID int64, gen uint64, e permission.Entry) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, cacheUnavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, computed, err := lockState(ctx, tx, roleID)
	if err != nil {
		return false, cacheUnavailable(err)
	}
	if cur != gen {
		return false, nil
	}
	if !computed {
		return true, nil
	}
	if e.Mask == 0 {
		_, err = tx.ExecContext(ctx, `
			delete from role_feature_permissions where role_id = $1 and feature_id = $2
		`, roleID, e.FeatureID)
	} else {
		_, err = tx.ExecContext(ctx, `
			insert into role_feature_permissions (role_id, feature_id, feature_key, bitmask)
			values ($1, $2, $3, $4)
			on conflict (role_id, feature_id) do update
			set bitmask = excluded.bitmask,
			    feature_key = coalesce(nullif(excluded.feature_key, ''), role_feature_permissions.feature_key)
		`, roleID, e.FeatureID, e.FeatureKey, int64(e.Mask))
	}
	if err != nil {
		return false, cacheUnavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return false, cacheUnavailable(err)
	}
	return true, nil
}

func (s *CacheStore) Invalidate(ctx context.Context, roleID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cacheUnavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, bumpState+`, computed = false`, roleID); err != nil {
		return cacheUnavailable(err)
	}
	if _, err := tx.ExecContext(ctx, `delete from role_feature_permissions where role_id = $1`, roleID); err != nil {
		return cacheUnavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return cacheUnavailable(err)
	}
	return nil
}

func (s *CacheStore) RolesWithFeature(ctx context.Context, featureID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		select role_id from role_feature_permissions where feature_id = $1 order by role_id
	`, featureID)
	if err != nil {
		return nil, cacheUnavailable(err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, cacheUnavailable(err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, cacheUnavailable(err)
	}
	return out, nil
}

func (s *CacheStore) Clear(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, cacheUnavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update role_permission_cache_state set generation = generation + 1, computed = false
	`)
	if err != nil {
		return 0, cacheUnavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, cacheUnavailable(err)
	}
	if _, err := tx.ExecContext(ctx, `delete from role_feature_permissions`); err != nil {
		return 0, cacheUnavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, cacheUnavailable(err)
	}
	return int(n), nil
}

var _ permission.CacheStore = (*CacheStore)(nil)
