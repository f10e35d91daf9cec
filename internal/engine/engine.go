package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	charmLog "github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"drdflow/internal/config"
	"drdflow/internal/engine/auth"
	"drdflow/internal/events"
	"drdflow/internal/logging"
	"drdflow/internal/repo"
)

var tracer = otel.Tracer("drdflow/engine")

// Engine owns every state transition. All mutations for one assessment or
// one project are serialized on a per-key lock and commit in a single
// transaction together with their audit event.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Roles    auth.RoleChecker
	Criteria CriteriaProvider
	// Config is the workspace config, used when a project has none stored.
	Config *config.Config
	Log    *charmLog.Logger
	Now    func() time.Time

	locks *keyLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	svc := auth.Service{DB: db}
	e := Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Auth:   svc,
		Roles:  svc,
		Config: cfg,
		Now:    time.Now,
		locks:  newKeyLocks(),
	}
	e.Criteria = ConfigCriteria{Repo: r, Fallback: cfg}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *charmLog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logging.Discard()
}

func (e Engine) keyLocks() *keyLocks {
	if e.locks != nil {
		return e.locks
	}
	return sharedLocks
}

func (e Engine) lockAssessment(id string) func() {
	return e.keyLocks().lock("assessment:" + id)
}

func (e Engine) lockProject(id string) func() {
	return e.keyLocks().lock("project:" + id)
}

func (e Engine) roles() auth.RoleChecker {
	if e.Roles != nil {
		return e.Roles
	}
	return e.Auth
}

func (e Engine) criteria() CriteriaProvider {
	if e.Criteria != nil {
		return e.Criteria
	}
	return ConfigCriteria{Repo: e.Repo, Fallback: e.Config}
}

// projectConfig returns the stored project config, then the workspace config
// when it names the same project, then the built-in default.
func (e Engine) projectConfig(ctx context.Context, tx *sql.Tx, projectID string) (*config.Config, error) {
	cfg, err := e.Repo.GetProjectConfig(ctx, tx, projectID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if e.Config != nil && e.Config.Project.ID == projectID {
		return e.Config, nil
	}
	return config.Default(projectID), nil
}

func startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func strPtr(s string) *string {
	return &s
}
