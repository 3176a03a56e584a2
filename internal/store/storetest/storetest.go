// Package storetest is a conformance suite run against every store.Store
// backend.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardrobekit/backend/internal/errors"
	"github.com/wardrobekit/backend/internal/store"
)

// Opener opens a store rooted at dir provisioned with schema. Opening the
// same dir twice must observe the records written through the first handle
// once it is closed.
type Opener func(t *testing.T, dir string, schema []store.SchemaVersion) store.Store

// Run executes the suite.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, open Opener)
	}{
		{"PutGet", testPutGet},
		{"PutOverwrites", testPutOverwrites},
		{"GetMissing", testGetMissing},
		{"UnknownCollection", testUnknownCollection},
		{"GetAllSnapshot", testGetAllSnapshot},
		{"GetAllWriteWhileRanging", testGetAllWriteWhileRanging},
		{"GetAllEarlyBreak", testGetAllEarlyBreak},
		{"DeleteIdempotent", testDeleteIdempotent},
		{"ClearIsolatesCollections", testClearIsolatesCollections},
		{"KeysWithSeparators", testKeysWithSeparators},
		{"EmptyKeyRejected", testEmptyKeyRejected},
		{"DurableAcrossReopen", testDurableAcrossReopen},
		{"SchemaUpgrade", testSchemaUpgrade},
		{"Closed", testClosed},
		{"ConcurrentPuts", testConcurrentPuts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open)
		})
	}
}

func openFresh(t *testing.T, open Opener) store.Store {
	t.Helper()
	s := open(t, t.TempDir(), store.Schema)
	t.Cleanup(func() { s.Close() })
	return s
}

func rec(format string, args ...any) store.Record {
	return store.Record(fmt.Sprintf(format, args...))
}

func testPutGet(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openFresh(t, open)

	require.NoError(t, s.Put(ctx, store.WardrobeItems, "i1", rec(`{"name":"Blue Shirt"}`)))

	got, err := s.Get(ctx, store.WardrobeItems, "i1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Blue Shirt"}`, string(got))

	n, err := s.Count(ctx, store.WardrobeItems)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testPutOverwrites(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openFresh(t, open)

	require.NoError(t, s.Put(ctx, store.Outfits, "o1", rec(`{"v":1}`)))
	require.NoError(t, s.Put(ctx, store.Outfits, "o1", rec(`{"v":2}`)))

	got, err := s.Get(ctx, store.Outfits, "o1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got))

	n, err := s.Count(ctx, store.Outfits)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testGetMissing(t *testing.T, open Opener) {
	s := openFresh(t, open)

	_, err := s.Get(context.Background(), store.WardrobeItems, "nope")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err), "got %v", err)
}

func testUnknownCollection(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openFresh(t, open)

	err := s.Put(ctx, "hats", "h1", rec(`{}`))
	assert.True(t, errors.Is(err, errors.ErrUnknownCollection), "got %v", err)

	_, err = s.Get(ctx, "hats", "h1")
	assert.True(t, errors.Is(err, errors.ErrUnknownCollection), "got %v", err)

	for _, err := range s.GetAll(ctx, "hats") {
		assert.True(t, errors.Is(err, errors.ErrUnknownCollection), "got %v", err)
	}
}

func testGetAllSnapshot(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openFresh(t, open)

	want := map[string]store.Record{}
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("i%02d", i)
		want[key] = rec(`{"n":%d}`, i)
		require.NoError(t, s.Put(ctx, store.WardrobeItems, key, want[key]))
	}
	require.NoError(t, s.Put(ctx, store.Outfits, "o1", rec(`{}`)))

	seq := s.GetAll(ctx, store.WardrobeItems)

	first, err := store.Collect(seq)
	require.NoError(t, err)
	assert.Len(t, first, 20)
	for k, v := range want {
		assert.JSONEq(t, string(v), string(first[k]))
	}

	// a second range over the same sequence reads a fresh snapshot
	require.NoError(t, s.Put(ctx, store.WardrobeItems, "late", rec(`{}`)))
	second, err := store.Collect(seq)
	require.NoError(t, err)
	assert.Len(t, second, 21)
	assert.Contains(t, second, "late")
}

func testGetAllWriteWhileRanging(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openFresh(t, open)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, store.WardrobeItems, fmt.Sprintf("k%d", i), rec(`{}`)))
	}

	seen := 0
	for e, err := range s.GetAll(ctx, store.WardrobeItems) {
		require.NoError(t, err)
		seen++
		require.NoError(t, s.Put(ctx, store.WardrobeItems, e.Key, rec(`{"touched":true}`)))
	}
	assert.Equal(t, 5, seen)

	got, err := s.Get(ctx, store.WardrobeItems, "k3")
	require.NoError(t, err)
	assert.JSONEq(t, `{"touched":true}`, string(got))
}

func testGetAllEarlyBreak(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openFresh(t, open)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, store.Outfits, fmt.Sprintf("o%d", i), rec(`{}`)))
	}

	seen := 0
	for _, err := range s.GetAll(ctx, store.Outfits) {
		require.NoError(t, err)
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)

	// the store remains usable after abandoning a sequence
	require.NoError(t, s.Put(ctx, store.Outfits, "after", rec(`{}`)))
}

func testDeleteIdempotent(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openFresh(t, open)

	require.NoError(t, s.Put(ctx, store.WardrobeItems, "i1", rec(`{}`)))
	require.NoError(t, s.Delete(ctx, store.WardrobeItems, "i1"))
	require.NoError(t, s.Delete(ctx, store.WardrobeItems, "i1"))
	require.NoError(t, s.Delete(ctx, store.WardrobeItems, "never-existed"))

	_, err := s.Get(ctx, store.WardrobeItems, "i1")
	assert.True(t, store.IsNotFound(err))
}

func testClearIsolatesCollections(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openFresh(t, open)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Put(ctx, store.WardrobeItems, fmt.Sprintf("i%d", i), rec(`{}`)))
	}
	require.NoError(t, s.Put(ctx, store.Outfits, "o1", rec(`{}`)))

	require.NoError(t, s.Clear(ctx, store.WardrobeItems))

	n, err := s.Count(ctx, store.WardrobeItems)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.Count(ctx, store.Outfits)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testKeysWithSeparators(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openFresh(t, open)

	keys := []string{"a/b", "a", "ü nicode", "../escape", "x:y"}
	for _, k := range keys {
		require.NoError(t, s.Put(ctx, store.WardrobeItems, k, rec(`{"k":%q}`, k)))
	}

	all, err := store.Collect(s.GetAll(ctx, store.WardrobeItems))
	require.NoError(t, err)
	assert.Len(t, all, len(keys))
	for _, k := range keys {
		var v struct{ K string }
		require.NoError(t, json.Unmarshal(all[k], &v), "key %q", k)
		assert.Equal(t, k, v.K)
	}

	n, err := s.Count(ctx, store.Outfits)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testDurableAcrossReopen(t *testing.T, open Opener) {
	ctx := context.Background()
	dir := t.TempDir()

	s := open(t, dir, store.Schema)
	require.NoError(t, s.Put(ctx, store.WardrobeItems, "i1", rec(`{"name":"Blue Shirt"}`)))
	require.NoError(t, s.Put(ctx, store.WearMetrics, "m1", rec(`{"wears":4}`)))
	require.NoError(t, s.Close())

	s = open(t, dir, store.Schema)
	defer s.Close()

	got, err := s.Get(ctx, store.WardrobeItems, "i1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Blue Shirt"}`, string(got))

	got, err = s.Get(ctx, store.WearMetrics, "m1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"wears":4}`, string(got))
	assert.Equal(t, store.LatestVersion(store.Schema), s.Version())
}

func testSchemaUpgrade(t *testing.T, open Opener) {
	ctx := context.Background()
	dir := t.TempDir()

	v1 := store.Schema[:1]
	s := open(t, dir, v1)
	assert.Equal(t, 1, s.Version())
	assert.NotContains(t, s.Collections(), store.WearMetrics)
	require.NoError(t, s.Put(ctx, store.Outfits, "o1", rec(`{"name":"Friday"}`)))
	err := s.Put(ctx, store.WearMetrics, "m1", rec(`{}`))
	assert.True(t, errors.Is(err, errors.ErrUnknownCollection), "got %v", err)
	require.NoError(t, s.Close())

	s = open(t, dir, store.Schema)
	defer s.Close()
	assert.Equal(t, 2, s.Version())
	assert.Equal(t, store.AllCollections(store.Schema), s.Collections())

	got, err := s.Get(ctx, store.Outfits, "o1")
	require.NoError(t, err, "upgrade must not lose records")
	assert.JSONEq(t, `{"name":"Friday"}`, string(got))
	require.NoError(t, s.Put(ctx, store.WearMetrics, "m1", rec(`{}`)))
}

func testClosed(t *testing.T, open Opener) {
	ctx := context.Background()
	s := open(t, t.TempDir(), store.Schema)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.Put(ctx, store.WardrobeItems, "i1", rec(`{}`))
	assert.True(t, store.IsUnavailable(err), "got %v", err)
	_, err = s.Get(ctx, store.WardrobeItems, "i1")
	assert.True(t, store.IsUnavailable(err), "got %v", err)
	_, err = s.Count(ctx, store.WardrobeItems)
	assert.True(t, store.IsUnavailable(err), "got %v", err)
}

func testConcurrentPuts(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openFresh(t, open)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, s.Put(ctx, store.WardrobeItems, fmt.Sprintf("w%d-%d", w, j), rec(`{}`)))
			}
		}(i)
	}
	wg.Wait()

	n, err := s.Count(ctx, store.WardrobeItems)
	require.NoError(t, err)
	assert.Equal(t, 80, n)
}

func testEmptyKeyRejected(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openFresh(t, open)

	err := s.Put(ctx, store.WardrobeItems, "", rec(`{}`))
	assert.True(t, errors.Is(err, errors.ErrInvalid), "got %v", err)

	n, err := s.Count(ctx, store.WardrobeItems)
	require.NoError(t, err)
	assert.Zero(t, n)
}
