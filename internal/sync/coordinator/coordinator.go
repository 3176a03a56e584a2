// Package coordinator drains the pending mutation queue against the remote
// backend. It is an explicit three-state machine:
//
//	Idle -> Draining   online transition, flush, resume or write while online,
//	                   only when the queue is non-empty
//	Draining -> Idle   queue empty, or connectivity lost mid-pass
//	Draining -> Backoff  retryable failure; a timer re-enters Draining
//	Backoff -> Idle    connectivity lost while waiting
//
// At most one pass runs at a time. Mutations are dispatched strictly in queue
// order and a pass stops at the first retryable failure.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"

	"github.com/wardrobekit/backend/internal/logging"
	"github.com/wardrobekit/backend/internal/models"
	"github.com/wardrobekit/backend/internal/observe"
	syncpkg "github.com/wardrobekit/backend/internal/sync"
	"github.com/wardrobekit/backend/internal/sync/queue"
	"github.com/wardrobekit/backend/internal/sync/remote"
)

// Queue is the part of queue.Queue the coordinator uses. The coordinator
// only reads and removes entries.
type Queue interface {
	List(ctx context.Context) ([]*models.PendingMutation, []queue.CorruptEntry, error)
	Remove(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
	Pending() int
}

// Connectivity is the part of network.Monitor the coordinator uses.
type Connectivity interface {
	Status() bool
	OnChange(fn func(online bool)) *observe.Subscription
}

// Config holds coordinator configuration.
type Config struct {
	InitialBackoff  time.Duration // first retry delay (default: 1 second)
	MaxBackoff      time.Duration // retry delay cap (default: 5 minutes)
	DispatchTimeout time.Duration // bound on one remote call (default: 30 seconds)
	Clock           clock.Clock
}

// DefaultConfig returns default coordinator configuration.
func DefaultConfig() *Config {
	return &Config{
		InitialBackoff:  time.Second,
		MaxBackoff:      5 * time.Minute,
		DispatchTimeout: 30 * time.Second,
		Clock:           clock.New(),
	}
}

// Coordinator is the sync state machine.
type Coordinator struct {
	queue   Queue
	backend remote.Backend
	net     Connectivity
	cfg     Config
	clock   clock.Clock

	mu      sync.Mutex
	state   syncpkg.State
	changed chan struct{} // closed and replaced on every transition
	rerun   bool
	timer   *clock.Timer
	backoff *backoff.ExponentialBackOff
	last    *syncpkg.Session
	running bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	netSub *observe.Subscription

	// events are queued under mu and published in order by dispatchEvents
	events       []syncpkg.Event
	eventsClosed bool
	eventReady   chan struct{}
	eventsDone   chan struct{}
	feed         observe.Feed[syncpkg.Event]
}

var _ syncpkg.Coordinator = (*Coordinator)(nil)

// New creates a coordinator in the Idle state. Call Start to begin reacting
// to connectivity.
func New(q Queue, backend remote.Backend, net Connectivity, cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	c := *cfg
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = def.DispatchTimeout
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialBackoff
	bo.MaxInterval = c.MaxBackoff

	return &Coordinator{
		queue:      q,
		backend:    backend,
		net:        net,
		cfg:        c,
		clock:      c.Clock,
		state:      syncpkg.StateIdle,
		changed:    make(chan struct{}),
		backoff:    bo,
		eventReady: make(chan struct{}, 1),
		eventsDone: make(chan struct{}),
	}
}

// Start subscribes to connectivity and re-derives whether a drain is needed
// from the persisted queue. In-memory state from a previous process is never
// trusted.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()

	go c.dispatchEvents()
	c.netSub = c.net.OnChange(c.onConnectivity)

	n, err := c.queue.Len(ctx)
	if err != nil {
		logging.Warn("failed to read queue length on start", map[string]interface{}{"error": err.Error()})
		return err
	}

	logging.Info("sync coordinator started", map[string]interface{}{
		"pending": n,
		"online":  c.net.Status(),
	})
	if n > 0 {
		c.Trigger(syncpkg.ReasonStartup)
	}
	return nil
}

// Stop halts the coordinator. An in-flight remote call is cancelled, no
// further passes start, and queued events are delivered before Stop returns.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running || c.stopped {
		c.stopped = true
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	c.netSub.Close()
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	if c.state != syncpkg.StateIdle {
		c.transition(syncpkg.StateIdle)
	}
	c.eventsClosed = true
	c.mu.Unlock()

	close(c.eventReady)
	<-c.eventsDone
	logging.Info("sync coordinator stopped", nil)
}

// State returns the current state.
func (c *Coordinator) State() syncpkg.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSession returns the report of the most recent completed pass.
func (c *Coordinator) LastSession() *syncpkg.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// OnEvent registers h for sync events. Events are delivered in order on a
// dedicated goroutine; h may call back into the coordinator.
func (c *Coordinator) OnEvent(h syncpkg.EventHandler) *observe.Subscription {
	return c.feed.Subscribe(h)
}

// Flush requests an immediate pass, cutting a Backoff wait short.
func (c *Coordinator) Flush() bool {
	return c.Trigger(syncpkg.ReasonFlush)
}

// Resume is called when the application returns to the foreground.
func (c *Coordinator) Resume() bool {
	return c.Trigger(syncpkg.ReasonResume)
}

// Trigger requests a drain pass and returns immediately. While Draining the
// request is folded into the running pass. While in Backoff only a flush
// starts a pass early. Nothing starts while offline or with an empty queue.
func (c *Coordinator) Trigger(reason syncpkg.Reason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.stopped {
		return false
	}
	switch c.state {
	case syncpkg.StateDraining:
		c.rerun = true
		return true
	case syncpkg.StateBackoff:
		if reason != syncpkg.ReasonFlush {
			return false
		}
	}
	if !c.net.Status() || c.queue.Pending() == 0 {
		return false
	}

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.startPass(reason)
	return true
}

// Wait blocks until the coordinator is not Draining and returns the state it
// settled in.
func (c *Coordinator) Wait(ctx context.Context) (syncpkg.State, error) {
	for {
		c.mu.Lock()
		state, changed := c.state, c.changed
		c.mu.Unlock()
		if state != syncpkg.StateDraining {
			return state, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}

// onConnectivity reacts to monitor transitions.
func (c *Coordinator) onConnectivity(online bool) {
	if online {
		c.Trigger(syncpkg.ReasonOnline)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped && c.state == syncpkg.StateBackoff {
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		logging.Info("connectivity lost during backoff, waiting for next online transition", nil)
		c.transition(syncpkg.StateIdle)
	}
}

// onBackoffElapsed re-enters Draining when the retry delay is over.
func (c *Coordinator) onBackoffElapsed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.state != syncpkg.StateBackoff {
		return
	}
	c.timer = nil
	if !c.net.Status() {
		c.transition(syncpkg.StateIdle)
		return
	}
	c.startPass(syncpkg.ReasonRetry)
}

// startPass moves to Draining and runs a pass. Caller holds mu.
func (c *Coordinator) startPass(reason syncpkg.Reason) {
	c.rerun = false
	c.transition(syncpkg.StateDraining)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		session, result := c.drain(c.ctx, reason)
		c.finish(session, result)
	}()
}

// finish applies the transition out of Draining.
func (c *Coordinator) finish(session *syncpkg.Session, result passResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session.Remaining = c.queue.Pending()
	c.last = session
	c.emit(syncpkg.Event{Type: syncpkg.EventPassCompleted, Session: session})

	logging.Info("drain pass finished", map[string]interface{}{
		"session":   session.ID,
		"reason":    string(session.Reason),
		"result":    result.String(),
		"applied":   session.Count(syncpkg.OutcomeApplied),
		"failed":    session.Count(syncpkg.OutcomeFailed),
		"skipped":   session.Count(syncpkg.OutcomeSkipped),
		"remaining": session.Remaining,
	})

	rerun := c.rerun
	c.rerun = false

	switch {
	case c.stopped:
		c.transition(syncpkg.StateIdle)

	case result == passDone:
		c.backoff.Reset()
		if rerun && c.net.Status() && c.queue.Pending() > 0 {
			c.startPass(syncpkg.ReasonWrite)
			return
		}
		c.transition(syncpkg.StateIdle)

	case result == passOffline || !c.net.Status():
		// connectivity came back before the pass wound down
		if rerun && c.net.Status() && c.queue.Pending() > 0 {
			c.startPass(syncpkg.ReasonOnline)
			return
		}
		c.transition(syncpkg.StateIdle)

	default:
		delay := c.backoff.NextBackOff()
		if delay == backoff.Stop || delay > c.cfg.MaxBackoff {
			delay = c.cfg.MaxBackoff
		}
		c.transition(syncpkg.StateBackoff)
		c.timer = c.clock.AfterFunc(delay, c.onBackoffElapsed)
		c.emit(syncpkg.Event{Type: syncpkg.EventRetryScheduled, RetryIn: delay})
		logging.Info("sync retry scheduled", map[string]interface{}{"delay_ms": delay.Milliseconds()})
	}
}

// transition records a state change. Caller holds mu.
func (c *Coordinator) transition(next syncpkg.State) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	close(c.changed)
	c.changed = make(chan struct{})

	logging.Debug("sync state changed", map[string]interface{}{
		"from": string(prev),
		"to":   string(next),
	})
	c.emit(syncpkg.Event{Type: syncpkg.EventStateChanged, State: next, Previous: prev})
}

// emit queues an event for ordered delivery. Caller holds mu.
func (c *Coordinator) emit(ev syncpkg.Event) {
	if c.eventsClosed {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.clock.Now()
	}
	c.events = append(c.events, ev)
	select {
	case c.eventReady <- struct{}{}:
	default:
	}
}

// dispatchEvents delivers queued events until Stop.
func (c *Coordinator) dispatchEvents() {
	defer close(c.eventsDone)
	for {
		_, ok := <-c.eventReady
		c.mu.Lock()
		batch := c.events
		c.events = nil
		c.mu.Unlock()

		for _, ev := range batch {
			c.feed.Publish(ev)
		}
		if !ok {
			return
		}
	}
}
