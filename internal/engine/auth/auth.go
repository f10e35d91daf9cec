// Package auth answers project-scoped role and permission questions.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ForbiddenError means the actor lacks a permission or every listed role.
type ForbiddenError struct {
	Permission string
	Roles      []string
}

func (e ForbiddenError) Error() string {
	if len(e.Roles) > 0 {
		return fmt.Sprintf("one of roles [%s] required", strings.Join(e.Roles, ", "))
	}
	return fmt.Sprintf("permission %s required", e.Permission)
}

// RoleChecker answers whether an actor holds any of the given roles on a project.
type RoleChecker interface {
	HasAnyRole(ctx context.Context, projectID, actorID string, roles ...string) (bool, error)
}

// Service reads grants from actor_roles and role_permissions.
type Service struct {
	DB *sql.DB
}

func (s Service) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s Service) HasAnyRole(ctx context.Context, projectID, actorID string, roles ...string) (bool, error) {
	if len(roles) == 0 || actorID == "" {
		return false, nil
	}
	args := []any{projectID, actorID}
	for _, r := range roles {
		args = append(args, r)
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(roles)), ",")
	return s.exists(ctx, `SELECT 1 FROM actor_roles WHERE project_id=? AND actor_id=? AND role_id IN (`+marks+`) LIMIT 1`, args...)
}

func (s Service) ActorHasPermission(ctx context.Context, projectID, actorID, perm string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.project_id=? AND ar.actor_id=? AND rp.permission_id=? LIMIT 1`, projectID, actorID, perm)
}

func (s Service) ActorRoles(ctx context.Context, projectID, actorID string) ([]string, error) {
	return s.column(ctx, `SELECT role_id FROM actor_roles WHERE project_id=? AND actor_id=? ORDER BY role_id`, projectID, actorID)
}

func (s Service) ActorPermissions(ctx context.Context, projectID, actorID string) ([]string, error) {
	return s.column(ctx, `SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.project_id=? AND ar.actor_id=?
ORDER BY rp.permission_id`, projectID, actorID)
}

func (s Service) column(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
