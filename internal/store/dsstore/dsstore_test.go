package dsstore

import (
	"context"
	"sync"
	"testing"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardrobekit/backend/internal/store"
	"github.com/wardrobekit/backend/internal/store/storetest"
)

// memoryDirs maps a test directory onto a shared map datastore so a reopen
// sees earlier writes.
type memoryDirs struct {
	mu sync.Mutex
	m  map[string]ds.Batching
}

func (d *memoryDirs) get(dir string) ds.Batching {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.m == nil {
		d.m = make(map[string]ds.Batching)
	}
	if _, ok := d.m[dir]; !ok {
		d.m[dir] = dssync.MutexWrap(ds.NewMapDatastore())
	}
	return d.m[dir]
}

func TestConformance_memory(t *testing.T) {
	var dirs memoryDirs
	storetest.Run(t, func(t *testing.T, dir string, schema []store.SchemaVersion) store.Store {
		s, err := New(context.Background(), dirs.get(dir), schema)
		require.NoError(t, err)
		return s
	})
}

func TestConformance_badger(t *testing.T) {
	if testing.Short() {
		t.Skip("badger conformance is slow")
	}
	storetest.Run(t, func(t *testing.T, dir string, schema []store.SchemaVersion) store.Store {
		s, err := OpenBadgerWithSchema(dir, schema)
		require.NoError(t, err)
		return s
	})
}

func TestNewMemory(t *testing.T) {
	s, err := NewMemory()
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, store.AllCollections(store.Schema), s.Collections())
	assert.Equal(t, 2, s.Version())
}

func TestRecordKey_encodesSeparators(t *testing.T) {
	k := recordKey(store.WardrobeItems, "a/b")
	assert.True(t, k.Parent().Equal(collectionKey(store.WardrobeItems)))

	decoded, err := decodeKey(k)
	require.NoError(t, err)
	assert.Equal(t, "a/b", decoded)
}
