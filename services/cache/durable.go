package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DurableStore is the shared durable cache tier, a sqlite database that can
// sit on shared storage for cross-instance reuse. The in-process store treats
// it as best effort: every error here degrades to local-only operation.
type DurableStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenDurableStore opens (or creates) the durable cache database at path.
func OpenDurableStore(path string) (*DurableStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping cache store: %w", err)
	}

	store := &DurableStore{db: db}
	if err := store.createTable(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (d *DurableStore) createTable() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	schema := `
		CREATE TABLE IF NOT EXISTS cache_entries (
			key VARCHAR PRIMARY KEY,
			payload BLOB,
			expires_at TIMESTAMP,
			inserted_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create cache_entries table: %w", err)
	}
	return nil
}

// Get returns the payload and expiry for key. Expired rows count as absent.
func (d *DurableStore) Get(key string) ([]byte, time.Time, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var payload []byte
	var expiresAt time.Time
	row := d.db.QueryRow(`SELECT payload, expires_at FROM cache_entries WHERE key = ?`, key)
	if err := row.Scan(&payload, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, err
	}
	if time.Now().After(expiresAt) {
		return nil, time.Time{}, nil
	}
	return payload, expiresAt, nil
}

// Set upserts a payload with its absolute expiry.
func (d *DurableStore) Set(key string, payload []byte, expiresAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO cache_entries (key, payload, expires_at, inserted_at)
		VALUES (?, ?, ?, ?)
	`, key, payload, expiresAt, time.Now())
	return err
}

// Delete removes a key.
func (d *DurableStore) Delete(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

// DeleteExpired purges rows whose expiry has passed and returns the count.
func (d *DurableStore) DeleteExpired(now time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`DELETE FROM cache_entries WHERE expires_at < ?`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the underlying database.
func (d *DurableStore) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}
