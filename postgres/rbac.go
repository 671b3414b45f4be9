package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/authcore-dev/authcore/rbac"
)

// RoleDirectory implements rbac.Directory over Postgres, plus the
// write side for managing roles and assignments.
type RoleDirectory struct {
	db *sql.DB
}

// NewRoleDirectory wraps an open database handle.
func NewRoleDirectory(db *sql.DB) *RoleDirectory {
	return &RoleDirectory{db: db}
}

func (d *RoleDirectory) AssignmentsForUser(ctx context.Context, userID string) ([]rbac.Assignment, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT role_name, active, expires_at
		FROM auth_role_assignments
		WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}
	defer rows.Close()

	var assignments []rbac.Assignment
	for rows.Next() {
		var (
			assignment rbac.Assignment
			expiresAt  sql.NullTime
		)
		if err := rows.Scan(&assignment.RoleName, &assignment.Active, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			assignment.ExpiresAt = &t
		}
		assignments = append(assignments, assignment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}
	return assignments, nil
}

func (d *RoleDirectory) RolesByName(ctx context.Context, names []string) (map[string]rbac.Role, error) {
	if len(names) == 0 {
		return map[string]rbac.Role{}, nil
	}

	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = name
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT name, priority, permissions
		FROM auth_roles
		WHERE name IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	defer rows.Close()

	roles := make(map[string]rbac.Role, len(names))
	for rows.Next() {
		var (
			role        rbac.Role
			permissions []byte
		)
		if err := rows.Scan(&role.Name, &role.Priority, &permissions); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		if err := json.Unmarshal(permissions, &role.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions for role %s: %w", role.Name, err)
		}
		roles[role.Name] = role
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	return roles, nil
}

// UpsertRole creates or updates a role definition.
func (d *RoleDirectory) UpsertRole(ctx context.Context, role rbac.Role) error {
	permissions, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO auth_roles (name, priority, permissions)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET priority = EXCLUDED.priority, permissions = EXCLUDED.permissions`,
		role.Name, role.Priority, permissions,
	)
	if err != nil {
		return fmt.Errorf("upsert role: %w", err)
	}
	return nil
}

// AssignRole grants a role to a user, optionally with an expiry.
// Re-granting reactivates an inactive assignment and resets its expiry.
func (d *RoleDirectory) AssignRole(ctx context.Context, userID, roleName string, expiresAt *time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO auth_role_assignments (user_id, role_name, active, expires_at)
		VALUES ($1, $2, TRUE, $3)
		ON CONFLICT (user_id, role_name) DO UPDATE
		SET active = TRUE, expires_at = EXCLUDED.expires_at`,
		userID, roleName, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

// RevokeRole deactivates an assignment. The row survives for audit.
func (d *RoleDirectory) RevokeRole(ctx context.Context, userID, roleName string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE auth_role_assignments
		SET active = FALSE
		WHERE user_id = $1 AND role_name = $2`,
		userID, roleName,
	)
	if err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	return nil
}
