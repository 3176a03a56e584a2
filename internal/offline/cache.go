// Package offline provides the read/write façade the application uses for
// wardrobe data. Writes land in the local store and are queued for sync;
// nothing here waits on the network.
package offline

import (
	"context"
	"encoding/json"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/wardrobekit/backend/internal/errors"
	"github.com/wardrobekit/backend/internal/logging"
	"github.com/wardrobekit/backend/internal/models"
	"github.com/wardrobekit/backend/internal/observe"
	"github.com/wardrobekit/backend/internal/store"
	syncpkg "github.com/wardrobekit/backend/internal/sync"
)

// Queue is the part of the pending mutation queue the cache writes to.
type Queue interface {
	Enqueue(ctx context.Context, action models.Action, collection, key string, payload store.Record) (string, error)
	EnqueueCustom(ctx context.Context, collection, key, name string, payload store.Record) (string, error)
	Clear(ctx context.Context) error
	Pending() int
	OnPendingCount(fn func(int)) *observe.Subscription
}

// Connectivity is the network monitor as seen by the cache.
type Connectivity interface {
	Status() bool
	OnChange(fn func(online bool)) *observe.Subscription
}

// Cache is the offline-first façade over the store, the queue and the sync
// coordinator.
type Cache struct {
	store store.Store
	queue Queue
	net   Connectivity
	sync  syncpkg.Coordinator

	degraded atomic.Bool
	warnOnce sync.Once
}

// New wires a cache. sync may be nil, in which case writes are queued but
// never nudged.
func New(s store.Store, q Queue, net Connectivity, coord syncpkg.Coordinator) *Cache {
	return &Cache{
		store: s,
		queue: q,
		net:   net,
		sync:  coord,
	}
}

func validateTarget(collection, key string) error {
	if collection == store.PendingMutations {
		return errors.Newf(errors.ErrInvalid, "collection %q is reserved", collection)
	}
	if collection == "" {
		return errors.New(errors.ErrInvalid, "collection is required")
	}
	if key == "" {
		return errors.New(errors.ErrInvalid, "key is required")
	}
	return nil
}

// Write persists rec locally and queues it for sync. It returns the mutation
// id once the local write is durable. The mutation is a create when key has
// no local record yet and an update otherwise.
//
// If the record was saved but could not be queued, the returned error wraps
// the queue failure and the local write is kept.
func (c *Cache) Write(ctx context.Context, collection, key string, rec store.Record) (string, error) {
	if err := validateTarget(collection, key); err != nil {
		return "", err
	}
	if !json.Valid(rec) {
		return "", errors.New(errors.ErrInvalid, "record is not valid JSON")
	}

	action := models.ActionUpdate
	if _, err := c.store.Get(ctx, collection, key); err != nil {
		if !store.IsNotFound(err) {
			return "", c.storageFailure("read before write", err)
		}
		action = models.ActionCreate
	}

	if err := c.store.Put(ctx, collection, key, rec); err != nil {
		return "", c.storageFailure("write", err)
	}

	id, err := c.queue.Enqueue(ctx, action, collection, key, rec)
	if err != nil {
		return "", c.queueFailure(collection, key, err)
	}

	logging.Debug("record written", map[string]interface{}{
		"collection":  collection,
		"key":         key,
		"action":      string(action),
		"mutation_id": id,
	})
	c.nudge()
	return id, nil
}

// Read returns the local copy of a record. It never touches the network.
func (c *Cache) Read(ctx context.Context, collection, key string) (store.Record, error) {
	if err := validateTarget(collection, key); err != nil {
		return nil, err
	}
	rec, err := c.store.Get(ctx, collection, key)
	if err != nil && !store.IsNotFound(err) {
		return nil, c.storageFailure("read", err)
	}
	return rec, err
}

// ReadAll yields every local record of a collection.
func (c *Cache) ReadAll(ctx context.Context, collection string) iter.Seq2[store.Entry, error] {
	if collection == store.PendingMutations {
		return func(yield func(store.Entry, error) bool) {
			yield(store.Entry{}, errors.Newf(errors.ErrInvalid, "collection %q is reserved", collection))
		}
	}
	seq := c.store.GetAll(ctx, collection)
	return func(yield func(store.Entry, error) bool) {
		for e, err := range seq {
			if err != nil && store.IsUnavailable(err) {
				err = c.storageFailure("read all", err)
			}
			if !yield(e, err) {
				return
			}
		}
	}
}

// Delete removes a record locally and queues a delete mutation.
func (c *Cache) Delete(ctx context.Context, collection, key string) (string, error) {
	if err := validateTarget(collection, key); err != nil {
		return "", err
	}
	if err := c.store.Delete(ctx, collection, key); err != nil {
		return "", c.storageFailure("delete", err)
	}
	id, err := c.queue.Enqueue(ctx, models.ActionDelete, collection, key, nil)
	if err != nil {
		return "", c.queueFailure(collection, key, err)
	}
	c.nudge()
	return id, nil
}

// Custom queues a named backend action. No local record is written.
func (c *Cache) Custom(ctx context.Context, collection, key, name string, payload store.Record) (string, error) {
	if err := validateTarget(collection, key); err != nil {
		return "", err
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return "", errors.New(errors.ErrInvalid, "payload is not valid JSON")
	}
	id, err := c.queue.EnqueueCustom(ctx, collection, key, name, payload)
	if err != nil {
		if errors.Is(err, errors.ErrInvalid) {
			return "", err
		}
		return "", c.storageFailure("enqueue custom action", err)
	}
	c.nudge()
	return id, nil
}

// Wipe clears every collection, pending mutations included. It is meant for
// sign-out and account deletion; unsynced changes are lost.
func (c *Cache) Wipe(ctx context.Context) error {
	if err := c.queue.Clear(ctx); err != nil {
		return c.storageFailure("wipe pending mutations", err)
	}
	for _, name := range c.store.Collections() {
		if name == store.PendingMutations {
			continue
		}
		if err := c.store.Clear(ctx, name); err != nil {
			return c.storageFailure("wipe "+name, err)
		}
	}
	logging.Info("local data wiped", map[string]interface{}{"collections": len(c.store.Collections())})
	return nil
}

// Flush asks the coordinator for an immediate pass, cutting a retry wait
// short. It reports whether a pass is now running.
func (c *Cache) Flush() bool {
	if c.sync == nil {
		return false
	}
	return c.sync.Trigger(syncpkg.ReasonFlush)
}

// Resume is called when the application returns to the foreground.
func (c *Cache) Resume() bool {
	if c.sync == nil {
		return false
	}
	return c.sync.Trigger(syncpkg.ReasonResume)
}

// SyncState returns the coordinator state, or Idle when there is none.
func (c *Cache) SyncState() syncpkg.State {
	if c.sync == nil {
		return syncpkg.StateIdle
	}
	return c.sync.State()
}

// Degraded reports whether local storage has failed since the cache opened.
func (c *Cache) Degraded() bool {
	return c.degraded.Load()
}

// PendingCount returns the number of mutations not yet confirmed.
func (c *Cache) PendingCount() int {
	return c.queue.Pending()
}

// OnPendingCount registers fn for changes of the pending count.
func (c *Cache) OnPendingCount(fn func(int)) *observe.Subscription {
	return c.queue.OnPendingCount(fn)
}

// Online returns the current connectivity.
func (c *Cache) Online() bool {
	return c.net.Status()
}

// OnConnectivity registers fn for connectivity transitions.
func (c *Cache) OnConnectivity(fn func(online bool)) *observe.Subscription {
	return c.net.OnChange(fn)
}

// OnSyncEvent registers h for sync events, including permanent failures
// the user should be told about.
func (c *Cache) OnSyncEvent(h syncpkg.EventHandler) *observe.Subscription {
	if c.sync == nil {
		return nil
	}
	return c.sync.OnEvent(h)
}

func (c *Cache) nudge() {
	if c.sync != nil && c.net.Status() {
		c.sync.Trigger(syncpkg.ReasonWrite)
	}
}

// storageFailure marks the cache degraded on StorageUnavailable and warns
// the first time. Other errors pass through.
func (c *Cache) storageFailure(op string, err error) error {
	if !store.IsUnavailable(err) {
		return err
	}
	c.degraded.Store(true)
	c.warnOnce.Do(func() {
		logging.Warn("local storage unavailable, offline capability degraded", map[string]interface{}{
			"op":    op,
			"error": err.Error(),
		})
	})
	return err
}

func (c *Cache) queueFailure(collection, key string, err error) error {
	err = c.storageFailure("enqueue", err)
	logging.ErrorWithCode("record saved locally but not queued for sync", string(errors.CodeOf(err)), err,
		map[string]interface{}{"collection": collection, "key": key})
	return errors.Wrap(errors.CodeOf(err), "record saved locally but not queued for sync", err)
}
