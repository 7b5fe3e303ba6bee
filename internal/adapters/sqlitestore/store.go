// Package sqlitestore implements ports.Store on SQLite, keeping documents and
// pushed records in two tables.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"botfleet/internal/docpath"
	"botfleet/internal/ports"
	"botfleet/internal/pushid"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store implements the ports.Store interface using SQLite.
type Store struct {
	db     *sql.DB
	logger ports.Logger
	now    func() time.Time
}

// Config holds configuration for the SQLite store.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// New creates a new SQLite store instance.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite store")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/botfleet.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000") // WAL mode for better concurrency
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w: %w", dbPath, ports.ErrStoreUnavailable, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrStoreUnavailable, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from a
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{db: db, logger: cfg.Logger, now: time.Now}
	if err := store.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite store opened", map[string]interface{}{"path": dbPath})

	return store, nil
}

// initializeSchema creates tables if they don't exist.
func (s *Store) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS documents (
		path TEXT PRIMARY KEY,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_collection ON records (collection, id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Get retrieves the raw JSON document at path. Pushed records are addressable
// as <collection>/<id>.
func (s *Store) Get(ctx context.Context, path string) (json.RawMessage, error) {
	path = docpath.Join(path)

	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM documents WHERE path = ?`, path).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		collection, id := docpath.Split(path)
		if collection != "" {
			err = s.db.QueryRowContext(ctx,
				`SELECT data FROM records WHERE collection = ? AND id = ?`, collection, id).Scan(&data)
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %q: %w", path, ports.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w: %w", path, ports.ErrQueryFailed, err)
	}
	return json.RawMessage(data), nil
}

// Set replaces the document at path with the JSON encoding of value.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode document %q: %w", path, err)
	}
	const query = `
	INSERT INTO documents (path, data) VALUES (?, ?)
	ON CONFLICT(path) DO UPDATE SET data = excluded.data`
	if _, err := s.db.ExecContext(ctx, query, docpath.Join(path), string(data)); err != nil {
		return fmt.Errorf("set %q: %w: %w", path, ports.ErrUpdateFailed, err)
	}
	return nil
}

// Update merges fields into the documents rooted at path inside one
// transaction.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	grouped := docpath.GroupFields(path, fields)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update %q: %w: %w", path, ports.ErrUpdateFailed, err)
	}
	defer tx.Rollback()

	for docPath, docFields := range grouped {
		var existing sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT data FROM documents WHERE path = ?`, docPath).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update %q: %w: %w", path, ports.ErrUpdateFailed, err)
		}

		merged, err := docpath.Merge([]byte(existing.String), docFields)
		if err != nil {
			return fmt.Errorf("document %q: %w", docPath, err)
		}

		const upsert = `
		INSERT INTO documents (path, data) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET data = excluded.data`
		if _, err := tx.ExecContext(ctx, upsert, docPath, string(merged)); err != nil {
			return fmt.Errorf("update %q: %w: %w", path, ports.ErrUpdateFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update %q: %w: %w", path, ports.ErrUpdateFailed, err)
	}
	return nil
}

// Push appends record to collection under a generated time-ordered key.
func (s *Store) Push(ctx context.Context, collection string, record any) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode record for %q: %w", collection, err)
	}
	id := pushid.New(s.now())

	const query = `INSERT INTO records (id, collection, data) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, id, docpath.Join(collection), string(data)); err != nil {
		return "", fmt.Errorf("push to %q: %w: %w", collection, ports.ErrUpdateFailed, err)
	}
	return id, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		s.logger.Info(context.Background(), "Closing SQLite store")
		return s.db.Close()
	}
	return nil
}
