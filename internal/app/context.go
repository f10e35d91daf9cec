package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	charmLog "github.com/charmbracelet/log"

	"drdflow/internal/config"
	"drdflow/internal/db"
	"drdflow/internal/engine"
	"drdflow/internal/logging"
	"drdflow/internal/migrate"
)

// Workspace is an opened .drdflow directory: the migrated database, the
// optional drdflow.yml next to it and an engine bound to both.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open migrates the workspace database and loads drdflow.yml when present.
func Open(dir string, logger *charmLog.Logger) (*Workspace, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, err
	}
	var cfg *config.Config
	if _, err := os.Stat(config.Path(dir)); err == nil {
		cfg, err = config.Load(dir)
		if err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Migrate(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	for _, m := range applied {
		logger.Info("schema migrated", "version", m.Version, "name", m.Name)
	}
	e := engine.New(conn, cfg)
	e.Log = logger
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: e}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// ResolveProject picks the active project: the override, then the project
// named in drdflow.yml, then the only project in the database.
func (w *Workspace) ResolveProject(ctx context.Context, override string) (string, error) {
	if id := strings.TrimSpace(override); id != "" {
		return id, nil
	}
	if w.Config != nil && w.Config.Project.ID != "" {
		return w.Config.Project.ID, nil
	}
	projects, err := w.Engine.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	switch len(projects) {
	case 0:
		return "", errors.New("no project found; run drd project init")
	case 1:
		return projects[0].ID, nil
	default:
		return "", fmt.Errorf("%d projects in workspace; use --project", len(projects))
	}
}
