// Package sqlitestore implements store.Store on a single SQLite file.
package sqlitestore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"iter"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/wardrobekit/backend/internal/db"
	"github.com/wardrobekit/backend/internal/logging"
	"github.com/wardrobekit/backend/internal/store"
)

const versionKey = "schema_version"

// Store is a store.Store backed by SQLite.
type Store struct {
	db  *db.DB
	now func() time.Time

	mu          sync.RWMutex
	collections map[string]struct{}
	version     int
	closed      bool
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the store in dataDir and provisions store.Schema.
func Open(dataDir string) (*Store, error) {
	return OpenWithSchema(dataDir, store.Schema)
}

// OpenWithSchema opens the store and provisions the given schema. Collections
// present on disk but absent from schema are kept.
func OpenWithSchema(dataDir string, schema []store.SchemaVersion) (*Store, error) {
	conn, err := db.Open(dataDir)
	if err != nil {
		return nil, store.Unavailable("open database", err)
	}
	if err := db.Migrate(conn.DB); err != nil {
		conn.Close()
		return nil, store.Unavailable("migrate database", err)
	}

	s := &Store{db: conn, now: time.Now}
	if err := s.provision(schema); err != nil {
		conn.Close()
		return nil, store.Unavailable("provision collections", err)
	}
	return s, nil
}

// provision adds the collections introduced after the stored version and
// loads the full collection set.
func (s *Store) provision(schema []store.SchemaVersion) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stored := 0
	var raw string
	err = tx.QueryRow("SELECT value FROM store_meta WHERE key = ?", versionKey).Scan(&raw)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		if stored, err = strconv.Atoi(raw); err != nil {
			return err
		}
	}

	added, target := store.Upgrade(stored, schema)
	since := make(map[string]int)
	for _, v := range schema {
		for _, c := range v.Collections {
			since[c] = v.Version
		}
	}
	now := s.now().UnixMilli()
	for _, name := range added {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO collections (name, since, created_at) VALUES (?, ?, ?)",
			name, since[name], now,
		); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(
		"INSERT INTO store_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		versionKey, strconv.Itoa(target),
	); err != nil {
		return err
	}

	rows, err := tx.Query("SELECT name FROM collections")
	if err != nil {
		return err
	}
	collections := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		collections[name] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if len(added) > 0 {
		logging.Info("provisioned store collections", map[string]interface{}{
			"from_version": stored,
			"to_version":   target,
			"added":        added,
		})
	}

	s.mu.Lock()
	s.collections = collections
	s.version = target
	s.mu.Unlock()
	return nil
}

// check validates the store is open and the collection exists.
func (s *Store) check(collection string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	if _, ok := s.collections[collection]; !ok {
		return store.UnknownCollection(collection)
	}
	return nil
}

// Put upserts a record.
func (s *Store) Put(ctx context.Context, collection, key string, rec store.Record) error {
	if err := s.check(collection); err != nil {
		return err
	}
	if err := store.CheckKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (collection, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		collection, key, []byte(rec), s.now().UnixMilli())
	if err != nil {
		return store.Unavailable("put record", err)
	}
	return nil
}

// Get returns a record by key.
func (s *Store) Get(ctx context.Context, collection, key string) (store.Record, error) {
	if err := s.check(collection); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM records WHERE collection = ? AND key = ?", collection, key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound(collection, key)
	}
	if err != nil {
		return nil, store.Unavailable("get record", err)
	}
	return store.Record(value), nil
}

// GetAll yields a snapshot of the collection. Rows are read before the first
// yield so the single connection is free while the caller ranges.
func (s *Store) GetAll(ctx context.Context, collection string) iter.Seq2[store.Entry, error] {
	return func(yield func(store.Entry, error) bool) {
		entries, err := s.snapshot(ctx, collection)
		if err != nil {
			yield(store.Entry{}, err)
			return
		}
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *Store) snapshot(ctx context.Context, collection string) ([]store.Entry, error) {
	if err := s.check(collection); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM records WHERE collection = ?", collection)
	if err != nil {
		return nil, store.Unavailable("list records", err)
	}
	defer rows.Close()

	var entries []store.Entry
	for rows.Next() {
		var e store.Entry
		var value []byte
		if err := rows.Scan(&e.Key, &value); err != nil {
			return nil, store.Unavailable("scan record", err)
		}
		e.Record = value
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("list records", err)
	}
	return entries, nil
}

// Delete removes a record if present.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if err := s.check(collection); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE collection = ? AND key = ?", collection, key); err != nil {
		return store.Unavailable("delete record", err)
	}
	return nil
}

// Clear removes every record of a collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	if err := s.check(collection); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE collection = ?", collection); err != nil {
		return store.Unavailable("clear collection", err)
	}
	return nil
}

// Count returns the number of records in a collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	if err := s.check(collection); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE collection = ?", collection).Scan(&n); err != nil {
		return 0, store.Unavailable("count records", err)
	}
	return n, nil
}

// Collections returns the provisioned collection names, sorted.
func (s *Store) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Version returns the provisioned schema version.
func (s *Store) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Close closes the database. Later calls fail with StorageUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}
