// Package queue provides the durable, ordered queue of pending mutations.
// Entries live in the store's pendingMutations collection keyed by mutation
// id; List orders by id, never by storage order.
package queue

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/wardrobekit/backend/internal/errors"
	"github.com/wardrobekit/backend/internal/logging"
	"github.com/wardrobekit/backend/internal/models"
	"github.com/wardrobekit/backend/internal/observe"
	"github.com/wardrobekit/backend/internal/store"
	"github.com/wardrobekit/backend/internal/uuid"
)

// CorruptEntry is a persisted entry that could not be decoded.
type CorruptEntry struct {
	ID  string
	Raw []byte
	Err error
}

// Queue manages pending mutations on top of a store.Store.
type Queue struct {
	store   store.Store
	clock   clock.Clock
	ids     *uuid.MutationIDs
	maxSize int

	// countMu serializes Count and publish so the last published count
	// always comes from the latest count taken
	countMu sync.Mutex
	pending *observe.Value[int]
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for ids and enqueue timestamps.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithMaxSize caps the number of pending mutations. Zero means unlimited.
func WithMaxSize(n int) Option {
	return func(q *Queue) { q.maxSize = n }
}

// New opens the queue. The id generator is seeded from the newest persisted
// mutation so ids issued after a restart still sort after existing entries.
func New(ctx context.Context, s store.Store, opts ...Option) (*Queue, error) {
	q := &Queue{
		store:   s,
		clock:   clock.New(),
		pending: observe.NewValue(0),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.ids = uuid.NewMutationIDs(q.clock.Now)

	n := 0
	for e, err := range s.GetAll(ctx, store.PendingMutations) {
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending mutations: %w", err)
		}
		q.ids.Observe(e.Key)
		n++
	}
	q.pending.Set(n)

	if n > 0 {
		logging.Info("pending mutations found on startup", map[string]interface{}{"count": n})
	}
	return q, nil
}

// Enqueue persists a create, update or delete mutation and returns its id.
func (q *Queue) Enqueue(ctx context.Context, action models.Action, collection, key string, payload store.Record) (string, error) {
	if action == models.ActionCustom {
		return "", errors.New(errors.ErrInvalid, "custom mutations need a name, use EnqueueCustom")
	}
	return q.enqueue(ctx, &models.PendingMutation{
		Action:     action,
		Collection: collection,
		Key:        key,
		Payload:    payload,
	})
}

// EnqueueCustom persists a named custom action.
func (q *Queue) EnqueueCustom(ctx context.Context, collection, key, name string, payload store.Record) (string, error) {
	return q.enqueue(ctx, &models.PendingMutation{
		Action:     models.ActionCustom,
		Collection: collection,
		Key:        key,
		Name:       name,
		Payload:    payload,
	})
}

func (q *Queue) enqueue(ctx context.Context, m *models.PendingMutation) (string, error) {
	if q.maxSize > 0 && q.pending.Get() >= q.maxSize {
		return "", errors.Newf(errors.ErrStorageUnavailable, "queue is full (max size: %d)", q.maxSize)
	}

	m.ID = q.ids.Next()
	m.EnqueuedAt = q.clock.Now().UnixMilli()
	if err := m.Validate(); err != nil {
		return "", errors.Wrap(errors.ErrInvalid, "invalid mutation", err)
	}

	data, err := m.Marshal()
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalid, "failed to encode mutation", err)
	}
	if err := q.store.Put(ctx, store.PendingMutations, m.ID, data); err != nil {
		return "", fmt.Errorf("failed to enqueue %s %s/%s: %w", m.Action, m.Collection, m.Key, err)
	}

	logging.Debug("enqueued mutation", map[string]interface{}{
		"id":         m.ID,
		"action":     string(m.Action),
		"collection": m.Collection,
		"key":        m.Key,
	})
	q.refresh(ctx)
	return m.ID, nil
}

// List returns every pending mutation oldest first, plus the entries that
// failed to decode. Corrupt entries are reported, not removed.
func (q *Queue) List(ctx context.Context) ([]*models.PendingMutation, []CorruptEntry, error) {
	var (
		mutations []*models.PendingMutation
		corrupt   []CorruptEntry
	)
	for e, err := range q.store.GetAll(ctx, store.PendingMutations) {
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list pending mutations: %w", err)
		}
		m, err := models.UnmarshalPendingMutation(e.Record)
		if err == nil && m.ID != e.Key {
			err = fmt.Errorf("entry stored under %q carries id %q", e.Key, m.ID)
		}
		if err != nil {
			corrupt = append(corrupt, CorruptEntry{
				ID:  e.Key,
				Raw: e.Record,
				Err: errors.Wrap(errors.ErrQueueCorruption, "undecodable pending mutation", err),
			})
			continue
		}
		mutations = append(mutations, m)
	}

	slices.SortFunc(mutations, func(a, b *models.PendingMutation) int {
		return strings.Compare(a.ID, b.ID)
	})
	slices.SortFunc(corrupt, func(a, b CorruptEntry) int {
		return strings.Compare(a.ID, b.ID)
	})
	return mutations, corrupt, nil
}

// Remove deletes a mutation by id. Removing an unknown id is not an error.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := q.store.Delete(ctx, store.PendingMutations, id); err != nil {
		return fmt.Errorf("failed to remove mutation %s: %w", id, err)
	}
	q.refresh(ctx)
	return nil
}

// Clear drops every pending mutation. Only used for a full local wipe.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.store.Clear(ctx, store.PendingMutations); err != nil {
		return fmt.Errorf("failed to clear pending mutations: %w", err)
	}
	q.refresh(ctx)
	return nil
}

// Len counts the persisted mutations and publishes the result.
func (q *Queue) Len(ctx context.Context) (int, error) {
	q.countMu.Lock()
	defer q.countMu.Unlock()

	n, err := q.store.Count(ctx, store.PendingMutations)
	if err != nil {
		return 0, err
	}
	q.pending.Set(n)
	return n, nil
}

// refresh republishes the pending count after a change.
func (q *Queue) refresh(ctx context.Context) {
	if _, err := q.Len(ctx); err != nil {
		logging.Warn("failed to count pending mutations", map[string]interface{}{"error": err.Error()})
	}
}

// Pending returns the last published pending count without touching storage.
func (q *Queue) Pending() int {
	return q.pending.Get()
}

// OnPendingCount registers fn for changes of the pending count.
func (q *Queue) OnPendingCount(fn func(int)) *observe.Subscription {
	return q.pending.Subscribe(fn)
}
