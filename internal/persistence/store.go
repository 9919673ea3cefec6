// Package persistence archives coordination history in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// TaskRecord is the archived outcome of one task.
type TaskRecord struct {
	TaskID      string
	TaskType    string
	AgentID     string
	Status      string
	Result      string
	Error       string
	Attempts    int
	Duration    time.Duration
	CompletedAt time.Time
}

// ConflictRecord is the archived outcome of one resolved conflict.
type ConflictRecord struct {
	ConflictID string
	Kind       string
	SubjectID  string
	Agents     []string
	Winner     string
	Strategy   string
	Reason     string
	DetectedAt time.Time
	ResolvedAt time.Time
}

// DeadlockRecord is one broken wait-for cycle.
type DeadlockRecord struct {
	Agents     []string
	Resources  []string
	Victim     string
	DetectedAt time.Time
}

// Store defines the persistence interface for coordination history.
type Store interface {
	SaveTaskRecord(ctx context.Context, rec TaskRecord) error
	ListTaskRecords(ctx context.Context, limit int) ([]TaskRecord, error)

	SaveConflictRecord(ctx context.Context, rec ConflictRecord) error
	ListConflictRecords(ctx context.Context, limit int) ([]ConflictRecord, error)

	SaveDeadlockRecord(ctx context.Context, rec DeadlockRecord) error
	CountDeadlocks(ctx context.Context) (int, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed store at the given path. Creates
// parent directories if needed. Enables WAL mode and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := "file::memory:?mode=memory&cache=shared"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
