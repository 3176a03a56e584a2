// Package store defines the local durable store: keyed records grouped into
// named collections that survive process restarts.
package store

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/wardrobekit/backend/internal/errors"
)

// Record is an opaque application payload. Records are stored as JSON.
type Record = json.RawMessage

// Entry is one keyed record yielded by GetAll.
type Entry struct {
	Key    string
	Record Record
}

// Store is implemented by every durable backend.
//
// Any method may fail with errors.ErrStorageUnavailable. Callers treat that
// as degraded offline capability, not as a fatal condition.
type Store interface {
	// Put inserts or overwrites the record stored under key. An empty key is
	// rejected with errors.ErrInvalid.
	Put(ctx context.Context, collection, key string, rec Record) error
	// Get returns the record or an errors.ErrNotFound error.
	Get(ctx context.Context, collection, key string) (Record, error)
	// GetAll yields every record of a collection in unspecified order. Each
	// range over the returned sequence reads a fresh snapshot; the store may
	// be written to while ranging.
	GetAll(ctx context.Context, collection string) iter.Seq2[Entry, error]
	// Delete removes a record. Deleting a missing key is not an error.
	Delete(ctx context.Context, collection, key string) error
	// Clear removes every record of a collection.
	Clear(ctx context.Context, collection string) error
	// Count returns the number of records in a collection.
	Count(ctx context.Context, collection string) (int, error)
	// Collections lists the provisioned collections.
	Collections() []string
	// Version returns the schema version the store was provisioned to.
	Version() int
	Close() error
}

// NotFound builds the error returned by Get for a missing key.
func NotFound(collection, key string) error {
	return errors.Newf(errors.ErrNotFound, "no record %q in collection %q", key, collection)
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, errors.ErrNotFound)
}

// Unavailable wraps a backend failure as StorageUnavailable.
func Unavailable(op string, err error) error {
	return errors.Wrap(errors.ErrStorageUnavailable, op, err)
}

// IsUnavailable reports whether err means the store could not be used.
func IsUnavailable(err error) bool {
	return errors.Is(err, errors.ErrStorageUnavailable)
}

// UnknownCollection builds the error for a collection that was never provisioned.
func UnknownCollection(name string) error {
	return errors.Newf(errors.ErrUnknownCollection, "collection %q is not provisioned", name)
}

// CheckKey rejects keys no backend can address.
func CheckKey(key string) error {
	if key == "" {
		return errors.New(errors.ErrInvalid, "record key must not be empty")
	}
	return nil
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New(errors.ErrStorageUnavailable, "store is closed")

// Collect drains a GetAll sequence into a map keyed by record key.
func Collect(seq iter.Seq2[Entry, error]) (map[string]Record, error) {
	out := make(map[string]Record)
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		out[e.Key] = e.Record
	}
	return out, nil
}
