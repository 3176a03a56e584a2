// Package remotetest provides an in-memory remote.Backend that records every
// call, de-duplicates by mutation id and can be scripted to fail.
package remotetest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/wardrobekit/backend/internal/models"
	"github.com/wardrobekit/backend/internal/sync/remote"
)

// Call is one dispatch received by the fake.
type Call struct {
	Action     models.Action
	Collection string
	Key        string
	Name       string
	Payload    json.RawMessage
	MutationID string
}

// Backend is a fake remote.Backend.
type Backend struct {
	mu       sync.Mutex
	calls    []Call
	applied  []Call
	seen     map[string]bool
	records  map[string]map[string]json.RawMessage
	failures map[string][]error
	gate     chan struct{}
}

var _ remote.Backend = (*Backend)(nil)

// New returns an empty fake.
func New() *Backend {
	return &Backend{
		seen:     make(map[string]bool),
		records:  make(map[string]map[string]json.RawMessage),
		failures: make(map[string][]error),
	}
}

// FailKey makes the next len(errs) dispatches for key return errs in order.
func (b *Backend) FailKey(key string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[key] = append(b.failures[key], errs...)
}

// Hold blocks every dispatch until the returned release function is called
// or the dispatch context ends.
func (b *Backend) Hold() (release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gate := make(chan struct{})
	b.gate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.gate == gate {
				b.gate = nil
			}
			b.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns every dispatch received, including replays and failures.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// Applied returns the dispatches that took effect, in order. A replayed
// mutation id appears once.
func (b *Backend) Applied() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.applied...)
}

// Records returns a copy of the remote state of a collection.
func (b *Backend) Records(collection string) map[string]json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]json.RawMessage, len(b.records[collection]))
	for k, v := range b.records[collection] {
		out[k] = v
	}
	return out
}

func (b *Backend) dispatch(ctx context.Context, c Call) error {
	b.mu.Lock()
	gate := b.gate
	b.calls = append(b.calls, c)
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if errs := b.failures[c.Key]; len(errs) > 0 {
		b.failures[c.Key] = errs[1:]
		return errs[0]
	}
	if b.seen[c.MutationID] {
		return nil
	}
	b.seen[c.MutationID] = true
	b.applied = append(b.applied, c)

	if c.Action == models.ActionCustom {
		return nil
	}
	coll := b.records[c.Collection]
	if coll == nil {
		coll = make(map[string]json.RawMessage)
		b.records[c.Collection] = coll
	}
	if c.Action == models.ActionDelete {
		delete(coll, c.Key)
	} else {
		coll[c.Key] = c.Payload
	}
	return nil
}

// CreateRecord implements remote.Backend.
func (b *Backend) CreateRecord(ctx context.Context, collection, key string, payload json.RawMessage, mutationID string) error {
	return b.dispatch(ctx, Call{Action: models.ActionCreate, Collection: collection, Key: key, Payload: payload, MutationID: mutationID})
}

// UpdateRecord implements remote.Backend.
func (b *Backend) UpdateRecord(ctx context.Context, collection, key string, payload json.RawMessage, mutationID string) error {
	return b.dispatch(ctx, Call{Action: models.ActionUpdate, Collection: collection, Key: key, Payload: payload, MutationID: mutationID})
}

// DeleteRecord implements remote.Backend.
func (b *Backend) DeleteRecord(ctx context.Context, collection, key string, mutationID string) error {
	return b.dispatch(ctx, Call{Action: models.ActionDelete, Collection: collection, Key: key, MutationID: mutationID})
}

// CustomAction implements remote.Backend.
func (b *Backend) CustomAction(ctx context.Context, collection, key, name string, payload json.RawMessage, mutationID string) error {
	return b.dispatch(ctx, Call{Action: models.ActionCustom, Collection: collection, Key: key, Name: name, Payload: payload, MutationID: mutationID})
}
