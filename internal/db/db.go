package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".drdflow"
	defaultDBName = "drdflow.db"
)

type Config struct {
	Workspace string
	// BusyTimeoutMS bounds how long a writer waits for the database lock.
	BusyTimeoutMS int
}

// Path is where the database of a workspace lives.
func Path(workspace string) string {
	return filepath.Join(stateDir(workspace), defaultDBName)
}

func stateDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir)
}

// EnsureWorkspace creates the .drdflow state directory.
func EnsureWorkspace(workspace string) (string, error) {
	dir := stateDir(workspace)
	return dir, os.MkdirAll(dir, 0o755)
}

// DSN builds the sqlite connection string. Transactions take the write lock
// up front so concurrent writers queue on busy_timeout instead of failing on upgrade.
func DSN(cfg Config) string {
	busy := cfg.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		Path(cfg.Workspace), busy)
}

// Open creates the state directory if needed and opens the database.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	return sql.Open("sqlite", DSN(cfg))
}
