// Package sync holds the types shared by the sync coordinator and its
// consumers: coordinator states, drain session reports and sync events.
package sync

import (
	"time"

	"github.com/wardrobekit/backend/internal/errors"
	"github.com/wardrobekit/backend/internal/observe"
)

// State is a sync coordinator state.
type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
	StateBackoff  State = "backoff"
)

// Reason says why a drain pass was requested.
type Reason string

const (
	ReasonStartup Reason = "startup"
	ReasonOnline  Reason = "online"
	ReasonFlush   Reason = "flush"
	ReasonResume  Reason = "resume"
	ReasonWrite   Reason = "write"
	ReasonRetry   Reason = "retry"
)

// Outcome is the result of one mutation within a drain pass.
type Outcome string

const (
	// OutcomeApplied means the remote confirmed the mutation and it left the queue.
	OutcomeApplied Outcome = "applied"
	// OutcomeFailed means the remote rejected the mutation permanently or the
	// pass stopped on it; see MutationOutcome.Retained.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped means the entry was corrupt and dropped undispatched.
	OutcomeSkipped Outcome = "skipped"
)

// MutationOutcome records what happened to one queue entry.
type MutationOutcome struct {
	MutationID string           `json:"mutation_id"`
	Action     string           `json:"action,omitempty"`
	Collection string           `json:"collection,omitempty"`
	Key        string           `json:"key,omitempty"`
	Outcome    Outcome          `json:"outcome"`
	Code       errors.ErrorCode `json:"code,omitempty"`
	Error      string           `json:"error,omitempty"`
	// Retained is true when the mutation is still queued for a later pass.
	Retained bool `json:"retained,omitempty"`
}

// Session is the transient report of one drain pass. It is never persisted.
type Session struct {
	ID        string            `json:"id"`
	Reason    Reason            `json:"reason"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	Outcomes  []MutationOutcome `json:"outcomes"`
	// Remaining is the queue length when the pass ended.
	Remaining int `json:"remaining"`
}

// Count returns the number of outcomes of kind o.
func (s *Session) Count(o Outcome) int {
	n := 0
	for _, out := range s.Outcomes {
		if out.Outcome == o {
			n++
		}
	}
	return n
}

// Duration returns how long the pass ran.
func (s *Session) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// EventType identifies a sync event.
type EventType string

const (
	EventStateChanged     EventType = "sync.state_changed"
	EventPassCompleted    EventType = "sync.pass_completed"
	EventPermanentFailure EventType = "sync.permanent_failure"
	EventQueueCorruption  EventType = "sync.queue_corruption"
	EventRetryScheduled   EventType = "sync.retry_scheduled"
)

// Event is delivered asynchronously to sync event handlers.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// state_changed
	State    State `json:"state,omitempty"`
	Previous State `json:"previous,omitempty"`

	// permanent_failure, queue_corruption
	MutationID string           `json:"mutation_id,omitempty"`
	Code       errors.ErrorCode `json:"code,omitempty"`
	Message    string           `json:"message,omitempty"`

	// retry_scheduled
	RetryIn time.Duration `json:"retry_in,omitempty"`

	// pass_completed
	Session *Session `json:"session,omitempty"`
}

// EventHandler receives sync events.
type EventHandler func(Event)

// Coordinator is the surface of the sync coordinator used by the façade and
// the status hub.
type Coordinator interface {
	// Trigger requests a drain pass without waiting for it. It reports
	// whether the request started or extended a pass.
	Trigger(reason Reason) bool
	// State returns the current coordinator state.
	State() State
	// OnEvent registers h for sync events.
	OnEvent(h EventHandler) *observe.Subscription
}
