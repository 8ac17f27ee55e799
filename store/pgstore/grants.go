package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/braybrandon/rbacauth"
	"github.com/braybrandon/rbacauth/permission"
)

var (
	ErrUnknownPermission = errors.New("pgstore: unknown permission")
	ErrUnknownRole       = errors.New("pgstore: unknown role or user")
)

// Grants implements rbacauth.GrantStore plus the mutations whose results
// feed the Engine cache hooks.
type Grants struct {
	db *sql.DB
}

const grantSelect = `
	select p.id, p.feature_id, f.key, p.value
	from role_permissions rp
	join permissions p on p.id = rp.permission_id
	join features f on f.id = p.feature_id
	where rp.role_id = $1`

func (s *Grants) UserRoleIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `select role_id from user_roles where user_id = $1 order by role_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: user roles: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pgstore: user roles: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Grants) RoleGrants(ctx context.Context, roleID int64) ([]permission.Grant, error) {
	return s.queryGrants(ctx, grantSelect+` order by p.id`, roleID)
}

func (s *Grants) RoleFeatureGrants(ctx context.Context, roleID, featureID int64) ([]permission.Grant, error) {
	return s.queryGrants(ctx, grantSelect+` and p.feature_id = $2 order by p.id`, roleID, featureID)
}

func (s *Grants) queryGrants(ctx context.Context, query string, args ...any) ([]permission.Grant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: role grants: %w", err)
	}
	defer rows.Close()

	var out []permission.Grant
	for rows.Next() {
		var (
			g     permission.Grant
			value int64
		)
		if err := rows.Scan(&g.PermissionID, &g.FeatureID, &g.FeatureKey, &value); err != nil {
			return nil, fmt.Errorf("pgstore: role grants: %w", err)
		}
		g.Value = permission.Mask(value)
		out = append(out, g)
	}
	return out, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lookupPermission(ctx context.Context, q querier, id int64) (permission.Permission, error) {
	var (
		p     permission.Permission
		value int64
	)
	err := q.QueryRowContext(ctx, `
		select p.id, p.feature_id, f.key, p.value
		from permissions p join features f on f.id = p.feature_id
		where p.id = $1
	`, id).Scan(&p.ID, &p.FeatureID, &p.FeatureKey, &value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return permission.Permission{}, ErrUnknownPermission
		}
		return permission.Permission{}, fmt.Errorf("pgstore: load permission: %w", err)
	}
	p.Value = permission.Mask(value)
	return p, nil
}

// Grant gives permissionID to roleID and returns the permission for
// Engine.OnGrant. Granting twice is a no-op.
func (s *Grants) Grant(ctx context.Context, roleID, permissionID int64) (permission.Permission, error) {
	p, err := lookupPermission(ctx, s.db, permissionID)
	if err != nil {
		return permission.Permission{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id) values ($1, $2)
		on conflict do nothing
	`, roleID, permissionID)
	if err != nil {
		if isCode(err, pgErrForeignKeyViolation) {
			return permission.Permission{}, ErrUnknownRole
		}
		return permission.Permission{}, fmt.Errorf("pgstore: grant: %w", err)
	}
	return p, nil
}

// Revoke removes permissionID from roleID and returns the permission for
// Engine.OnRevoke.
func (s *Grants) Revoke(ctx context.Context, roleID, permissionID int64) (permission.Permission, error) {
	p, err := lookupPermission(ctx, s.db, permissionID)
	if err != nil {
		return permission.Permission{}, err
	}
	if _, err := s.db.ExecContext(ctx, `
		delete from role_permissions where role_id = $1 and permission_id = $2
	`, roleID, permissionID); err != nil {
		return permission.Permission{}, fmt.Errorf("pgstore: revoke: %w", err)
	}
	return p, nil
}

// DeletePermission removes the permission and its grants in one
// transaction, returning the definition for Engine.OnPermissionDeleted.
func (s *Grants) DeletePermission(ctx context.Context, permissionID int64) (permission.Permission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return permission.Permission{}, fmt.Errorf("pgstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := lookupPermission(ctx, tx, permissionID)
	if err != nil {
		return permission.Permission{}, err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where permission_id = $1`, permissionID); err != nil {
		return permission.Permission{}, fmt.Errorf("pgstore: delete grants: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `delete from permissions where id = $1`, permissionID); err != nil {
		return permission.Permission{}, fmt.Errorf("pgstore: delete permission: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return permission.Permission{}, fmt.Errorf("pgstore: commit: %w", err)
	}
	return p, nil
}

func (s *Grants) AssignRole(ctx context.Context, userID, roleID int64) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id) values ($1, $2) on conflict do nothing
	`, userID, roleID)
	if err != nil {
		if isCode(err, pgErrForeignKeyViolation) {
			return ErrUnknownRole
		}
		return fmt.Errorf("pgstore: assign role: %w", err)
	}
	return nil
}

func (s *Grants) UnassignRole(ctx context.Context, userID, roleID int64) error {
	if _, err := s.db.ExecContext(ctx, `delete from user_roles where user_id = $1 and role_id = $2`, userID, roleID); err != nil {
		return fmt.Errorf("pgstore: unassign role: %w", err)
	}
	return nil
}

// RoleIDs lists every defined role.
func (s *Grants) RoleIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `select id from roles order by id`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list roles: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pgstore: list roles: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

var _ rbacauth.GrantStore = (*Grants)(nil)
