// Package rbac assembles the denormalized authorization snapshot that
// gets stamped into access tokens at issuance. Tokens carry the
// snapshot for their whole lifetime; role or permission changes apply
// on the next issuance, not retroactively.
package rbac

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Role is a named permission set with an issuance priority. Priority
// only breaks ties when choosing the primary role; it grants nothing.
type Role struct {
	Name        string
	Priority    int
	Permissions []string
}

// Assignment links a user to a role. Expiry and the active flag are
// evaluated when the snapshot is assembled, never ahead of time.
type Assignment struct {
	RoleName  string
	Active    bool
	ExpiresAt *time.Time
}

// Directory is the read side of the role store.
type Directory interface {
	AssignmentsForUser(ctx context.Context, userID string) ([]Assignment, error)
	RolesByName(ctx context.Context, names []string) (map[string]Role, error)
}

// Snapshot is the flattened authorization state at one instant.
type Snapshot struct {
	// PrimaryRole is the highest-priority active role, used where a
	// single role string is needed (token claims, display).
	PrimaryRole string
	// Roles lists all active role names, highest priority first.
	Roles []string
	// Permissions is the deduplicated union over all active roles,
	// sorted for stable serialization.
	Permissions []string
}

// HasPermission reports whether the snapshot grants a permission.
func (s Snapshot) HasPermission(permission string) bool {
	for _, p := range s.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// DefaultRole is the fallback applied when a user has no usable
// assignments. Every authenticated user holds at least this.
func DefaultRole() Role {
	return Role{
		Name:     "user",
		Priority: 0,
		Permissions: []string{
			"profile:read",
			"profile:write",
		},
	}
}

// Config tunes the assembler. Zero values fall back to [DefaultRole]
// and time.Now.
type Config struct {
	DefaultRole Role
	Now         func() time.Time
}

// Assembler builds snapshots from a [Directory].
type Assembler struct {
	directory   Directory
	defaultRole Role
	now         func() time.Time
}

// NewAssembler creates an [Assembler] over the given directory.
func NewAssembler(directory Directory, cfg Config) *Assembler {
	defaultRole := cfg.DefaultRole
	if defaultRole.Name == "" {
		defaultRole = DefaultRole()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Assembler{
		directory:   directory,
		defaultRole: defaultRole,
		now:         now,
	}
}

// Snapshot assembles the authorization state for a user. Inactive and
// expired assignments are skipped; assignments referencing roles the
// directory no longer knows are skipped as well. A user left with
// nothing receives the default role.
func (a *Assembler) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	assignments, err := a.directory.AssignmentsForUser(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load assignments: %w", err)
	}

	now := a.now()
	names := make([]string, 0, len(assignments))
	seen := make(map[string]bool, len(assignments))
	for _, assignment := range assignments {
		if !assignment.Active {
			continue
		}
		if assignment.ExpiresAt != nil && !assignment.ExpiresAt.After(now) {
			continue
		}
		if seen[assignment.RoleName] {
			continue
		}
		seen[assignment.RoleName] = true
		names = append(names, assignment.RoleName)
	}

	var roles []Role
	if len(names) > 0 {
		byName, err := a.directory.RolesByName(ctx, names)
		if err != nil {
			return Snapshot{}, fmt.Errorf("load roles: %w", err)
		}
		for _, name := range names {
			if role, ok := byName[name]; ok {
				roles = append(roles, role)
			}
		}
	}

	if len(roles) == 0 {
		roles = []Role{a.defaultRole}
	}

	sort.SliceStable(roles, func(i, j int) bool {
		if roles[i].Priority != roles[j].Priority {
			return roles[i].Priority > roles[j].Priority
		}
		return roles[i].Name < roles[j].Name
	})

	snapshot := Snapshot{
		PrimaryRole: roles[0].Name,
		Roles:       make([]string, 0, len(roles)),
	}
	permSet := make(map[string]bool)
	for _, role := range roles {
		snapshot.Roles = append(snapshot.Roles, role.Name)
		for _, permission := range role.Permissions {
			permSet[permission] = true
		}
	}

	snapshot.Permissions = make([]string, 0, len(permSet))
	for permission := range permSet {
		snapshot.Permissions = append(snapshot.Permissions, permission)
	}
	sort.Strings(snapshot.Permissions)

	return snapshot, nil
}
