// Package persistence keeps the history of pipeline runs in SQLite: one row
// per run and one per job, so that past outcomes can be listed without
// re-planning the pipeline.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/ruleflow/internal/orchestrator"
)

// ErrRunNotFound is returned by GetRun for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Store is the run history.
type Store interface {
	SaveReport(ctx context.Context, report *orchestrator.Report) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	JobHistory(ctx context.Context, jobID string, limit int) ([]JobResult, error)

	Close() error
}

// SQLiteStore is a Store backed by a single SQLite connection.
type SQLiteStore struct {
	db *sql.DB
}

// Pragmas applied to every on-disk history database. Several ruleflow
// processes may share one file, hence WAL and the busy timeout.
var filePragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// dsn builds a modernc.org/sqlite connection string.
func dsn(name string, params []string, pragmas []string) string {
	q := append([]string{}, params...)
	for _, p := range pragmas {
		q = append(q, "_pragma="+p)
	}
	return "file:" + name + "?" + strings.Join(q, "&")
}

// NewSQLiteStore opens the history database at dbPath, creating it and its
// parent directories on first use.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	return open(ctx, dsn(dbPath, nil, filePragmas))
}

// NewMemoryStore returns an empty store that lives as long as it is open.
// Every call gets a database of its own.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, dsn(uuid.NewString(), []string{"mode=memory", "cache=shared"}, []string{"foreign_keys(1)"}))
}

func open(ctx context.Context, conn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", conn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// More than one connection would see separate in-memory databases.
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
