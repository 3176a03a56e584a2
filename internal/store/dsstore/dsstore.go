// Package dsstore implements store.Store on an ipfs go-datastore. The
// in-memory backend serves tests and ephemeral sessions; the badger backend
// persists to a directory.
//
// Layout:
//
//	/records/<collection>/<base64url key>  record bytes
//	/meta/version                          schema version
//	/meta/collections/<collection>         provisioned marker
package dsstore

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"iter"
	"slices"
	"strconv"
	"sync"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	badger "github.com/ipfs/go-ds-badger"

	"github.com/wardrobekit/backend/internal/logging"
	"github.com/wardrobekit/backend/internal/store"
)

var (
	versionKey     = ds.NewKey("/meta/version")
	collectionsKey = ds.NewKey("/meta/collections")
	recordsKey     = ds.NewKey("/records")
)

// Store is a store.Store over a batching datastore.
type Store struct {
	d ds.Batching

	mu          sync.RWMutex
	collections map[string]struct{}
	version     int
	closed      bool
}

var _ store.Store = (*Store)(nil)

// NewMemory returns a store over a thread-safe in-memory map datastore.
func NewMemory() (*Store, error) {
	return New(context.Background(), dssync.MutexWrap(ds.NewMapDatastore()), store.Schema)
}

// OpenBadger opens a badger datastore in dir. Badger holds an exclusive lock
// on dir, so only one process may open it at a time.
func OpenBadger(dir string) (*Store, error) {
	return OpenBadgerWithSchema(dir, store.Schema)
}

// OpenBadgerWithSchema opens a badger datastore and provisions schema.
func OpenBadgerWithSchema(dir string, schema []store.SchemaVersion) (*Store, error) {
	opts := badger.DefaultOptions
	d, err := badger.NewDatastore(dir, &opts)
	if err != nil {
		return nil, store.Unavailable("open badger datastore", err)
	}
	s, err := New(context.Background(), d, schema)
	if err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

// New provisions schema on d and returns a store using it. Closing the store
// closes d.
func New(ctx context.Context, d ds.Batching, schema []store.SchemaVersion) (*Store, error) {
	s := &Store{d: d}
	if err := s.provision(ctx, schema); err != nil {
		return nil, store.Unavailable("provision collections", err)
	}
	return s, nil
}

func (s *Store) provision(ctx context.Context, schema []store.SchemaVersion) error {
	stored := 0
	raw, err := s.d.Get(ctx, versionKey)
	switch {
	case stderrors.Is(err, ds.ErrNotFound):
	case err != nil:
		return err
	default:
		if stored, err = strconv.Atoi(string(raw)); err != nil {
			return err
		}
	}

	added, target := store.Upgrade(stored, schema)
	b, err := s.d.Batch(ctx)
	if err != nil {
		return err
	}
	for _, name := range added {
		if err := b.Put(ctx, collectionsKey.ChildString(name), []byte{1}); err != nil {
			return err
		}
	}
	if err := b.Put(ctx, versionKey, []byte(strconv.Itoa(target))); err != nil {
		return err
	}
	if err := b.Commit(ctx); err != nil {
		return err
	}

	res, err := s.d.Query(ctx, query.Query{Prefix: collectionsKey.String(), KeysOnly: true})
	if err != nil {
		return err
	}
	entries, err := res.Rest()
	if err != nil {
		return err
	}
	collections := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		k := ds.RawKey(e.Key)
		if k.Parent().Equal(collectionsKey) {
			collections[k.BaseNamespace()] = struct{}{}
		}
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

func collectionKey(collection string) ds.Key {
	return recordsKey.ChildString(collection)
}

// recordKey encodes key so that slashes and other reserved characters in
// application keys cannot escape the collection namespace.
func recordKey(collection, key string) ds.Key {
	return collectionKey(collection).ChildString(base64.RawURLEncoding.EncodeToString([]byte(key)))
}

func decodeKey(k ds.Key) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(k.BaseNamespace())
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

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
	if err := s.d.Put(ctx, recordKey(collection, key), []byte(rec)); err != nil {
		return store.Unavailable("put record", err)
	}
	return nil
}

// Get returns a record by key.
func (s *Store) Get(ctx context.Context, collection, key string) (store.Record, error) {
	if err := s.check(collection); err != nil {
		return nil, err
	}
	value, err := s.d.Get(ctx, recordKey(collection, key))
	if stderrors.Is(err, ds.ErrNotFound) {
		return nil, store.NotFound(collection, key)
	}
	if err != nil {
		return nil, store.Unavailable("get record", err)
	}
	return store.Record(value), nil
}

// query returns the direct children of a collection.
func (s *Store) query(ctx context.Context, collection string, keysOnly bool) ([]query.Entry, error) {
	prefix := collectionKey(collection)
	res, err := s.d.Query(ctx, query.Query{Prefix: prefix.String(), KeysOnly: keysOnly})
	if err != nil {
		return nil, err
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if ds.RawKey(e.Key).Parent().Equal(prefix) {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetAll yields a snapshot of the collection taken when ranging starts.
func (s *Store) GetAll(ctx context.Context, collection string) iter.Seq2[store.Entry, error] {
	return func(yield func(store.Entry, error) bool) {
		if err := s.check(collection); err != nil {
			yield(store.Entry{}, err)
			return
		}
		entries, err := s.query(ctx, collection, false)
		if err != nil {
			yield(store.Entry{}, store.Unavailable("list records", err))
			return
		}
		for _, e := range entries {
			key, err := decodeKey(ds.RawKey(e.Key))
			if err != nil {
				if !yield(store.Entry{}, store.Unavailable("decode record key", err)) {
					return
				}
				continue
			}
			if !yield(store.Entry{Key: key, Record: e.Value}, nil) {
				return
			}
		}
	}
}

// Delete removes a record if present.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if err := s.check(collection); err != nil {
		return err
	}
	err := s.d.Delete(ctx, recordKey(collection, key))
	if err != nil && !stderrors.Is(err, ds.ErrNotFound) {
		return store.Unavailable("delete record", err)
	}
	return nil
}

// Clear removes every record of a collection in one batch.
func (s *Store) Clear(ctx context.Context, collection string) error {
	if err := s.check(collection); err != nil {
		return err
	}
	entries, err := s.query(ctx, collection, true)
	if err != nil {
		return store.Unavailable("list records", err)
	}
	b, err := s.d.Batch(ctx)
	if err != nil {
		return store.Unavailable("clear collection", err)
	}
	for _, e := range entries {
		if err := b.Delete(ctx, ds.RawKey(e.Key)); err != nil {
			return store.Unavailable("clear collection", err)
		}
	}
	if err := b.Commit(ctx); err != nil {
		return store.Unavailable("clear collection", err)
	}
	return nil
}

// Count returns the number of records in a collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	if err := s.check(collection); err != nil {
		return 0, err
	}
	entries, err := s.query(ctx, collection, true)
	if err != nil {
		return 0, store.Unavailable("count records", err)
	}
	return len(entries), nil
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

// Close closes the underlying datastore.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.d.Close()
}
