package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"drdflow/internal/config"
	"drdflow/internal/domain"
	"drdflow/internal/events"
	"drdflow/internal/repo"
)

// ProjectInput are parameters for InitProject.
type ProjectInput struct {
	ID          string
	Name        string
	Description string
	// Config overrides the default template when set.
	Config *config.Config
}

// InitProject creates a project at the CONTEXT phase, stores its config, seeds
// RBAC from it and grants the creator the owner role.
func (e Engine) InitProject(ctx context.Context, in ProjectInput, actorID string) (p domain.Project, err error) {
	ctx, span := startSpan(ctx, "InitProject", attribute.String("project_id", in.ID))
	defer func() { endSpan(span, err) }()

	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return p, &domain.InvalidArgumentError{Field: "id", Reason: "required"}
	}
	if actorID == "" {
		return p, &domain.InvalidArgumentError{Field: "actor_id", Reason: "required"}
	}
	cfg := in.Config
	if cfg == nil {
		cfg = config.Default(in.ID)
	}
	if in.Name == "" {
		in.Name = cfg.Project.Name
	}
	if in.Name == "" {
		in.Name = in.ID
	}

	unlock := e.lockProject(in.ID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()

	if existing, err := e.Repo.GetProject(ctx, tx, in.ID); err == nil {
		return p, &domain.InvalidStateError{Entity: "project", ID: existing.ID, State: "already initialized", Op: "init"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return p, err
	}
	p = domain.Project{
		ID:           in.ID,
		Name:         in.Name,
		Description:  in.Description,
		CurrentPhase: domain.PhaseContext,
		CreatedAt:    e.ts(),
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return p, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfig(ctx, tx, p.ID, cfg); err != nil {
		return p, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.seedRBAC(ctx, tx, cfg); err != nil {
		return p, err
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, p.CreatedAt); err != nil {
		return p, err
	}
	if _, ok := cfg.RBAC.Roles["owner"]; ok {
		if err := e.Repo.AssignRole(ctx, tx, p.ID, actorID, "owner"); err != nil {
			return p, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.ProjectInit, p.ID, "project", p.ID, actorID, events.EventPayload{
		"name":  p.Name,
		"phase": p.CurrentPhase,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	e.log().Info("project initialized", "project_id", p.ID, "actor_id", actorID)
	return p, nil
}

// ImportConfig replaces a project's stored config and re-seeds roles from it.
func (e Engine) ImportConfig(ctx context.Context, projectID string, cfg *config.Config, actorID string) (err error) {
	ctx, span := startSpan(ctx, "ImportConfig", attribute.String("project_id", projectID))
	defer func() { endSpan(span, err) }()

	if cfg == nil {
		return &domain.InvalidArgumentError{Field: "config", Reason: "required"}
	}
	unlock := e.lockProject(projectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProject(ctx, tx, projectID); err != nil {
		return err
	}
	if err := e.Repo.UpsertProjectConfig(ctx, tx, projectID, cfg); err != nil {
		return err
	}
	if err := e.seedRBAC(ctx, tx, cfg); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ProjectConfigImported, projectID, "project", projectID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) seedRBAC(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	roleIDs := make([]string, 0, len(cfg.RBAC.Roles))
	for id := range cfg.RBAC.Roles {
		roleIDs = append(roleIDs, id)
	}
	sort.Strings(roleIDs)
	for _, roleID := range roleIDs {
		role := cfg.RBAC.Roles[roleID]
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return fmt.Errorf("seed role %s: %w", roleID, err)
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return fmt.Errorf("seed permission %s: %w", perm, err)
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return fmt.Errorf("seed role permission %s/%s: %w", roleID, perm, err)
			}
		}
	}
	return nil
}

func (e Engine) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, nil, projectID)
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

func (e Engine) ProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	if _, err := e.Repo.GetProject(ctx, nil, projectID); err != nil {
		return nil, err
	}
	return e.projectConfig(ctx, nil, projectID)
}

// AssignRole grants roleID on the project to actorID.
func (e Engine) AssignRole(ctx context.Context, projectID, grantedBy, actorID, roleID string) (err error) {
	ctx, span := startSpan(ctx, "AssignRole", attribute.String("project_id", projectID), attribute.String("role_id", roleID))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(actorID) == "" {
		return &domain.InvalidArgumentError{Field: "actor_id", Reason: "required"}
	}
	unlock := e.lockProject(projectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProject(ctx, tx, projectID); err != nil {
		return err
	}
	ok, err := e.Repo.RoleExists(ctx, tx, roleID)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.NotFoundError{Kind: "role", ID: roleID}
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, e.ts()); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, projectID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.RoleAssigned, projectID, "rbac", actorID, grantedBy, events.EventPayload{"role_id": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RevokeRole(ctx context.Context, projectID, revokedBy, actorID, roleID string) (err error) {
	ctx, span := startSpan(ctx, "RevokeRole", attribute.String("project_id", projectID), attribute.String("role_id", roleID))
	defer func() { endSpan(span, err) }()

	unlock := e.lockProject(projectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	removed, err := e.Repo.RevokeRole(ctx, tx, projectID, actorID, roleID)
	if err != nil {
		return err
	}
	if !removed {
		return &domain.NotFoundError{Kind: "role grant", ID: actorID + "/" + roleID}
	}
	if err := e.Events.Append(ctx, tx, events.RoleRevoked, projectID, "rbac", actorID, revokedBy, events.EventPayload{"role_id": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// WhoAmI lists an actor's roles and permissions on a project.
type WhoAmI struct {
	ActorID     string
	Roles       []string
	Permissions []string
}

func (e Engine) WhoAmI(ctx context.Context, projectID, actorID string) (WhoAmI, error) {
	roles, err := e.Auth.ActorRoles(ctx, projectID, actorID)
	if err != nil {
		return WhoAmI{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, projectID, actorID)
	if err != nil {
		return WhoAmI{}, err
	}
	return WhoAmI{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

// CreateAPIKey mints a key for actorID. The plaintext is returned once and only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, createdBy string) (string, domain.APIKey, error) {
	if strings.TrimSpace(actorID) == "" {
		return "", domain.APIKey{}, &domain.InvalidArgumentError{Field: "actor_id", Reason: "required"}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "drd_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.ts(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyCreated, "", "api_key", key.ID, createdBy, events.EventPayload{"actor_id": actorID}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}
