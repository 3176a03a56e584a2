package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardrobekit/backend/internal/errors"
	"github.com/wardrobekit/backend/internal/models"
	"github.com/wardrobekit/backend/internal/observe"
	"github.com/wardrobekit/backend/internal/store"
	"github.com/wardrobekit/backend/internal/store/dsstore"
	syncpkg "github.com/wardrobekit/backend/internal/sync"
	"github.com/wardrobekit/backend/internal/sync/network"
	"github.com/wardrobekit/backend/internal/sync/queue"
	"github.com/wardrobekit/backend/internal/sync/remote/remotetest"
)

const maxBackoff = 10 * time.Second

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  store.Store
	queue  *queue.Queue
	src    *network.ManualSource
	remote *remotetest.Backend
	clock  *clock.Mock
	coord  *Coordinator

	mu     sync.Mutex
	events []syncpkg.Event
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	ctx := context.Background()

	s, err := dsstore.NewMemory()
	require.NoError(t, err)
	q, err := queue.New(ctx, s)
	require.NoError(t, err)

	src := network.NewManualSource(online)
	mon, err := network.NewMonitor(ctx, src)
	require.NoError(t, err)

	h := &harness{
		t:      t,
		ctx:    ctx,
		store:  s,
		queue:  q,
		src:    src,
		remote: remotetest.New(),
		clock:  clock.NewMock(),
	}
	h.coord = New(q, h.remote, mon, &Config{
		InitialBackoff:  time.Second,
		MaxBackoff:      maxBackoff,
		DispatchTimeout: 5 * time.Second,
		Clock:           h.clock,
	})
	h.coord.OnEvent(func(ev syncpkg.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})

	t.Cleanup(func() {
		h.coord.Stop()
		mon.Close()
		s.Close()
	})
	return h
}

func (h *harness) enqueue(keys ...string) []string {
	h.t.Helper()
	var ids []string
	for _, k := range keys {
		id, err := h.queue.Enqueue(h.ctx, models.ActionCreate, store.WardrobeItems, k, store.Record(`{"key":"`+k+`"}`))
		require.NoError(h.t, err)
		ids = append(ids, id)
	}
	return ids
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.coord.Start(h.ctx))
}

func (h *harness) settle() syncpkg.State {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	state, err := h.coord.Wait(ctx)
	require.NoError(h.t, err)
	return state
}

func (h *harness) pendingIDs() []string {
	h.t.Helper()
	list, _, err := h.queue.List(h.ctx)
	require.NoError(h.t, err)
	ids := make([]string, len(list))
	for i, m := range list {
		ids[i] = m.ID
	}
	return ids
}

func (h *harness) appliedKeys() []string {
	var keys []string
	for _, c := range h.remote.Applied() {
		keys = append(keys, c.Key)
	}
	return keys
}

func (h *harness) eventsOf(typ syncpkg.EventType) []syncpkg.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []syncpkg.Event
	for _, ev := range h.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) waitEvents(typ syncpkg.EventType, n int) []syncpkg.Event {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.eventsOf(typ)) >= n }, 5*time.Second, 5*time.Millisecond)
	return h.eventsOf(typ)
}

func retryable(msg string) error { return errors.New(errors.ErrSyncRetryable, msg) }

// =====================================================
// Drain
// =====================================================

func TestDrain_completeness(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue("a", "b", "c", "d", "e")

	h.start()

	assert.Equal(t, syncpkg.StateIdle, h.settle())
	assert.Empty(t, h.pendingIDs())
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, h.appliedKeys())
	assert.Equal(t, 0, h.queue.Pending())

	session := h.coord.LastSession()
	require.NotNil(t, session)
	assert.Equal(t, syncpkg.ReasonStartup, session.Reason)
	assert.Equal(t, 5, session.Count(syncpkg.OutcomeApplied))
	assert.Zero(t, session.Remaining)
}

func TestDrain_stopOnRetryable(t *testing.T) {
	h := newHarness(t, true)
	ids := h.enqueue("A", "B", "C")
	h.remote.FailKey("B", retryable("503 from backend"))

	h.start()

	assert.Equal(t, syncpkg.StateBackoff, h.settle())
	assert.Equal(t, ids[1:], h.pendingIDs(), "B must stay first, C untouched")
	assert.Equal(t, []string{"A"}, h.appliedKeys())
	for _, c := range h.remote.Calls() {
		assert.NotEqual(t, "C", c.Key, "no skip-ahead past a retryable failure")
	}

	session := h.coord.LastSession()
	require.Len(t, session.Outcomes, 2)
	assert.Equal(t, syncpkg.OutcomeApplied, session.Outcomes[0].Outcome)
	assert.Equal(t, syncpkg.OutcomeFailed, session.Outcomes[1].Outcome)
	assert.True(t, session.Outcomes[1].Retained)
	assert.Equal(t, errors.ErrSyncRetryable, session.Outcomes[1].Code)

	retries := h.waitEvents(syncpkg.EventRetryScheduled, 1)
	assert.LessOrEqual(t, retries[0].RetryIn, maxBackoff)

	// the backoff timer returns the coordinator to Draining
	h.clock.Add(maxBackoff)
	require.Eventually(t, func() bool {
		return h.coord.State() == syncpkg.StateIdle && h.queue.Pending() == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B", "C"}, h.appliedKeys())
	assert.Equal(t, syncpkg.ReasonRetry, h.coord.LastSession().Reason)
}

func TestDrain_permanentFailureRemoved(t *testing.T) {
	h := newHarness(t, true)
	ids := h.enqueue("A", "B")
	h.remote.FailKey("A", errors.New(errors.ErrValidation, "name is required"))

	h.start()

	assert.Equal(t, syncpkg.StateIdle, h.settle())
	assert.Empty(t, h.pendingIDs())
	assert.Equal(t, []string{"B"}, h.appliedKeys())

	h.waitEvents(syncpkg.EventPassCompleted, 1)
	failures := h.eventsOf(syncpkg.EventPermanentFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, ids[0], failures[0].MutationID)
	assert.Equal(t, errors.ErrValidation, failures[0].Code)
	assert.Contains(t, failures[0].Message, "name is required")

	session := h.coord.LastSession()
	assert.Equal(t, 1, session.Count(syncpkg.OutcomeFailed))
	assert.False(t, session.Outcomes[0].Retained)
}

func TestDrain_corruptEntrySkipped(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue("A")
	require.NoError(t, h.store.Put(h.ctx, store.PendingMutations, "0000000000000000-bad00000", store.Record(`{"id":`)))
	_, err := h.queue.Len(h.ctx)
	require.NoError(t, err)

	h.start()

	assert.Equal(t, syncpkg.StateIdle, h.settle())
	assert.Empty(t, h.pendingIDs())
	assert.Equal(t, []string{"A"}, h.appliedKeys())

	corrupt := h.waitEvents(syncpkg.EventQueueCorruption, 1)
	require.Len(t, corrupt, 1)
	assert.Equal(t, "0000000000000000-bad00000", corrupt[0].MutationID)
	assert.Equal(t, 1, h.coord.LastSession().Count(syncpkg.OutcomeSkipped))
}

func TestDrain_picksUpWritesDuringPass(t *testing.T) {
	h := newHarness(t, true)
	release := h.remote.Hold()
	h.enqueue("A")

	h.start()
	require.Eventually(t, func() bool { return len(h.remote.Calls()) == 1 }, 5*time.Second, 5*time.Millisecond)

	h.enqueue("B")
	assert.True(t, h.coord.Trigger(syncpkg.ReasonWrite), "trigger while draining folds into the pass")
	assert.Equal(t, syncpkg.StateDraining, h.coord.State())
	release()

	assert.Equal(t, syncpkg.StateIdle, h.settle())
	assert.Equal(t, []string{"A", "B"}, h.appliedKeys())
	assert.Len(t, h.remote.Calls(), 2, "no double dispatch")
}

// =====================================================
// Connectivity
// =====================================================

func TestStart_offlineWaitsForOnline(t *testing.T) {
	h := newHarness(t, false)
	h.enqueue("A", "B")

	h.start()
	assert.Equal(t, syncpkg.StateIdle, h.coord.State())
	assert.False(t, h.coord.Flush(), "flush does nothing offline")
	assert.Empty(t, h.remote.Calls())

	h.src.Set(true)
	require.Eventually(t, func() bool { return h.queue.Pending() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, syncpkg.StateIdle, h.settle())
	assert.Equal(t, []string{"A", "B"}, h.appliedKeys())
	assert.Equal(t, syncpkg.ReasonOnline, h.coord.LastSession().Reason)
}

func TestStart_emptyQueueStaysIdle(t *testing.T) {
	h := newHarness(t, true)
	h.start()

	assert.Equal(t, syncpkg.StateIdle, h.coord.State())
	assert.False(t, h.coord.Flush())
	assert.False(t, h.coord.Resume())
	assert.Nil(t, h.coord.LastSession())
}

func TestDrain_connectivityLostMidPass(t *testing.T) {
	h := newHarness(t, true)
	ids := h.enqueue("A", "B")
	release := h.remote.Hold()

	h.start()
	require.Eventually(t, func() bool { return len(h.remote.Calls()) == 1 }, 5*time.Second, 5*time.Millisecond)

	h.src.Set(false)
	release()

	assert.Equal(t, syncpkg.StateIdle, h.settle())
	assert.Equal(t, []string{"A"}, h.appliedKeys(), "in-flight call completes")
	assert.Equal(t, ids[1:], h.pendingIDs(), "nothing dispatched after going offline")
	assert.Len(t, h.remote.Calls(), 1)

	h.src.Set(true)
	require.Eventually(t, func() bool { return h.queue.Pending() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B"}, h.appliedKeys())
}

// flappingConnectivity reports offline once, on the call after blip is set,
// and announces an offline then online transition before answering.
type flappingConnectivity struct {
	online atomic.Bool
	blip   atomic.Bool
	feed   observe.Feed[bool]
}

func (n *flappingConnectivity) Status() bool {
	if n.blip.CompareAndSwap(true, false) {
		n.online.Store(false)
		n.feed.Publish(false)
		n.online.Store(true)
		n.feed.Publish(true)
		return false
	}
	return n.online.Load()
}

func (n *flappingConnectivity) OnChange(fn func(bool)) *observe.Subscription {
	return n.feed.Subscribe(fn)
}

func TestDrain_onlineTransitionWhilePassEndsOffline(t *testing.T) {
	ctx := context.Background()
	s, err := dsstore.NewMemory()
	require.NoError(t, err)
	q, err := queue.New(ctx, s)
	require.NoError(t, err)
	conn := &flappingConnectivity{}
	conn.online.Store(true)
	rb := remotetest.New()
	coord := New(q, rb, conn, &Config{DispatchTimeout: 5 * time.Second, Clock: clock.NewMock()})
	t.Cleanup(func() {
		coord.Stop()
		s.Close()
	})

	for _, k := range []string{"A", "B"} {
		_, err := q.Enqueue(ctx, models.ActionCreate, store.WardrobeItems, k, store.Record(`{}`))
		require.NoError(t, err)
	}
	release := rb.Hold()
	require.NoError(t, coord.Start(ctx))
	require.Eventually(t, func() bool { return len(rb.Calls()) == 1 }, 5*time.Second, 5*time.Millisecond)

	conn.blip.Store(true)
	release()

	require.Eventually(t, func() bool { return q.Pending() == 0 }, 5*time.Second, 5*time.Millisecond,
		"a pass restarts once connectivity is back")
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	state, err := coord.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, syncpkg.StateIdle, state)
	require.Len(t, rb.Applied(), 2)
	assert.Equal(t, "B", rb.Applied()[1].Key)
	assert.Equal(t, syncpkg.ReasonOnline, coord.LastSession().Reason)
}

func TestDrain_pendingCountSettlesWithConcurrentWrites(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue("seed")
	h.start()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				_, err := h.queue.Enqueue(h.ctx, models.ActionCreate, store.WardrobeItems, key, store.Record(`{}`))
				assert.NoError(t, err)
				h.coord.Trigger(syncpkg.ReasonWrite)
			}
		}(w)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(h.remote.Applied()) == 41 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, syncpkg.StateIdle, h.settle())

	n, err := h.queue.Len(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 0, h.queue.Pending())
	assert.Equal(t, 0, h.coord.LastSession().Remaining)
}

func TestBackoff_connectivityLostRevertsToIdle(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue("A")
	h.remote.FailKey("A", retryable("timeout"))

	h.start()
	require.Equal(t, syncpkg.StateBackoff, h.settle())

	h.src.Set(false)
	assert.Equal(t, syncpkg.StateIdle, h.coord.State())

	// the cancelled timer must not retry blindly
	h.clock.Add(maxBackoff * 2)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, syncpkg.StateIdle, h.coord.State())
	assert.Len(t, h.remote.Calls(), 1)

	h.src.Set(true)
	require.Eventually(t, func() bool { return h.queue.Pending() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A"}, h.appliedKeys())
}

func TestBackoff_flushCutsShort(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue("A")
	h.remote.FailKey("A", retryable("503"))

	h.start()
	require.Equal(t, syncpkg.StateBackoff, h.settle())

	assert.False(t, h.coord.Resume(), "resume waits for the backoff timer")
	assert.False(t, h.coord.Trigger(syncpkg.ReasonWrite))
	assert.Equal(t, syncpkg.StateBackoff, h.coord.State())

	assert.True(t, h.coord.Flush())
	assert.Equal(t, syncpkg.StateIdle, h.settle())
	assert.Equal(t, []string{"A"}, h.appliedKeys())

	// the superseded timer is inert
	h.clock.Add(maxBackoff)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.remote.Calls(), 2)
}

func TestBackoff_growsBetweenRetries(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue("A")
	h.remote.FailKey("A", retryable("1"), retryable("2"), retryable("3"))

	h.start()
	require.Equal(t, syncpkg.StateBackoff, h.settle())
	for i := 2; i <= 3; i++ {
		h.clock.Add(maxBackoff)
		h.waitEvents(syncpkg.EventRetryScheduled, i)
	}
	h.clock.Add(maxBackoff)
	require.Eventually(t, func() bool { return h.queue.Pending() == 0 }, 5*time.Second, 5*time.Millisecond)

	retries := h.eventsOf(syncpkg.EventRetryScheduled)
	require.Len(t, retries, 3)
	for _, r := range retries {
		assert.Greater(t, r.RetryIn, time.Duration(0))
		assert.LessOrEqual(t, r.RetryIn, maxBackoff)
	}
	assert.Len(t, h.remote.Calls(), 4)
}

// =====================================================
// Events / lifecycle
// =====================================================

func TestEvents_stateTransitionsInOrder(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue("A")

	h.start()
	h.settle()
	h.waitEvents(syncpkg.EventPassCompleted, 1)
	require.Eventually(t, func() bool { return len(h.eventsOf(syncpkg.EventStateChanged)) == 2 }, 5*time.Second, 5*time.Millisecond)

	changes := h.eventsOf(syncpkg.EventStateChanged)
	assert.Equal(t, syncpkg.StateIdle, changes[0].Previous)
	assert.Equal(t, syncpkg.StateDraining, changes[0].State)
	assert.Equal(t, syncpkg.StateDraining, changes[1].Previous)
	assert.Equal(t, syncpkg.StateIdle, changes[1].State)

	h.mu.Lock()
	defer h.mu.Unlock()
	var types []syncpkg.EventType
	for _, ev := range h.events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []syncpkg.EventType{
		syncpkg.EventStateChanged,
		syncpkg.EventPassCompleted,
		syncpkg.EventStateChanged,
	}, types)
}

func TestEvents_handlerMayCallBack(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue("A")

	states := make(chan syncpkg.State, 10)
	h.coord.OnEvent(func(ev syncpkg.Event) {
		if ev.Type == syncpkg.EventPassCompleted {
			states <- h.coord.State()
		}
	})

	h.start()
	select {
	case <-states:
	case <-time.After(5 * time.Second):
		t.Fatal("handler calling State() deadlocked")
	}
}

func TestStop_duringBackoff(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue("A")
	h.remote.FailKey("A", retryable("503"))

	h.start()
	require.Equal(t, syncpkg.StateBackoff, h.settle())

	h.coord.Stop()
	h.coord.Stop()
	assert.Equal(t, syncpkg.StateIdle, h.coord.State())
	assert.False(t, h.coord.Flush())

	h.clock.Add(maxBackoff)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.remote.Calls(), 1)
}

func TestStop_cancelsInFlightDispatch(t *testing.T) {
	h := newHarness(t, true)
	ids := h.enqueue("A")
	h.remote.Hold()

	h.start()
	require.Eventually(t, func() bool { return len(h.remote.Calls()) == 1 }, 5*time.Second, 5*time.Millisecond)

	h.coord.Stop()
	assert.Equal(t, syncpkg.StateIdle, h.coord.State())
	assert.Equal(t, ids, h.pendingIDs(), "cancelled mutation stays queued")
}

// TestRestart_rederivesFromQueue verifies a new coordinator drains what a
// previous process left behind.
func TestRestart_rederivesFromQueue(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue("A", "B")

	// a coordinator that never started stands in for a crashed process
	h.coord.Stop()

	mon, err := network.NewMonitor(h.ctx, h.src)
	require.NoError(t, err)
	defer mon.Close()
	next := New(h.queue, h.remote, mon, &Config{Clock: h.clock})
	require.NoError(t, next.Start(h.ctx))
	defer next.Stop()

	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	state, err := next.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncpkg.StateIdle, state)
	assert.Equal(t, []string{"A", "B"}, h.appliedKeys())
}
