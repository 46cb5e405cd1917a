package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists fallback results so they survive restarts.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	_, _ = db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, SchemaVersion)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO results (key, tool, result, stored_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			tool = excluded.tool,
			result = excluded.result,
			stored_at = excluded.stored_at
	`, e.Key, e.Tool, []byte(e.Result), e.StoredAt.UTC())
	if err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return nil
}

func (s *Store) Get(key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := Entry{Key: key}
	var result []byte
	var storedAt time.Time
	err := s.db.QueryRow(`SELECT tool, result, stored_at FROM results WHERE key = ?`, key).
		Scan(&e.Tool, &result, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("load result: %w", err)
	}

	e.Result = json.RawMessage(result)
	e.StoredAt = storedAt
	return e, true, nil
}

func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM results`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM results`)
	return err
}
