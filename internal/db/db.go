package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".reflowline"
	defaultDBName = "reflowline.db"
)

type Config struct {
	Workspace string
	// InMemory opens a private in-memory database (tests, one-shot previews).
	InMemory bool
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}

// EnsureWorkspace creates the workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on and a busy timeout
// so the API server and the CLI can share a workspace.
func Open(cfg Config) (*sql.DB, error) {
	var dsn string
	if cfg.InMemory {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	} else {
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath(cfg.Workspace))
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.InMemory {
		// every pooled connection would otherwise get its own empty database
		conn.SetMaxOpenConns(1)
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}

// Exists reports whether the workspace database has been created.
func Exists(workspace string) bool {
	_, err := os.Stat(dbPath(workspace))
	return err == nil
}
