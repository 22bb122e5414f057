// Package store persists suggestions and named settings blobs in SQLite
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mrcode/nightscout-loop/internal/models"
)

// ErrNotFound is returned when no suggestion has been saved yet
var ErrNotFound = errors.New("not found")

// timeLayout is fixed width so stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is the SQLite-backed suggestion and settings store
type Store struct {
	db *sql.DB
}

// New opens or creates the database at path and migrates the schema
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS suggestions (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		enacted    INTEGER NOT NULL DEFAULT 0,
		body       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_suggestions_created ON suggestions(created_at);

	CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSuggestion inserts the suggestion, or replaces it when the same ID was
// saved before (stamping the enactment outcome).
func (s *Store) SaveSuggestion(ctx context.Context, sg *models.Suggestion) error {
	body, err := json.Marshal(sg)
	if err != nil {
		return fmt.Errorf("encode suggestion: %w", err)
	}
	created := sg.Timestamp.UTC().Format(timeLayout)

	return withRetry(ctx, writePolicy, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO suggestions (id, created_at, enacted, body)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET enacted = excluded.enacted, body = excluded.body`,
			sg.ID, created, boolInt(sg.Enacted), string(body),
		)
		return err
	})
}

// LatestSuggestion returns the most recently created suggestion
func (s *Store) LatestSuggestion(ctx context.Context) (*models.Suggestion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM suggestions ORDER BY created_at DESC, seq DESC LIMIT 1`)
	return scanSuggestion(row)
}

// Suggestions returns suggestions created at or after since, newest first
func (s *Store) Suggestions(ctx context.Context, since time.Time, limit int) ([]models.Suggestion, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM suggestions WHERE created_at >= ? ORDER BY created_at DESC, seq DESC LIMIT ?`,
		since.UTC().Format(timeLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("query suggestions: %w", err)
	}
	defer rows.Close()

	var out []models.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sg)
	}
	return out, rows.Err()
}

// GetSetting reads a named blob. ok is false when the key was never written.
func (s *Store) GetSetting(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

// PutSetting writes a named blob
func (s *Store) PutSetting(ctx context.Context, key string, value []byte) error {
	now := time.Now().UTC().Format(timeLayout)
	return withRetry(ctx, writePolicy, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, now,
		)
		return err
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSuggestion(row scanner) (*models.Suggestion, error) {
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan suggestion: %w", err)
	}
	var sg models.Suggestion
	if err := json.Unmarshal([]byte(body), &sg); err != nil {
		return nil, fmt.Errorf("decode suggestion: %w", err)
	}
	return &sg, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
