package coordinator

import (
	"context"
	stderrors "errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wardrobekit/backend/internal/errors"
	"github.com/wardrobekit/backend/internal/logging"
	"github.com/wardrobekit/backend/internal/models"
	syncpkg "github.com/wardrobekit/backend/internal/sync"
	"github.com/wardrobekit/backend/internal/sync/remote"
	"github.com/wardrobekit/backend/internal/uuid"
)

// passResult is how a drain pass ended.
type passResult int

const (
	passDone    passResult = iota // queue observed empty
	passOffline                   // connectivity lost between dispatches
	passRetry                     // retryable failure, queue paused at the failing entry
	passStopped                   // coordinator stopped mid-pass
)

func (r passResult) String() string {
	switch r {
	case passDone:
		return "done"
	case passOffline:
		return "offline"
	case passRetry:
		return "retry"
	case passStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const tracerName = "wardrobe-sync/coordinator"

// drain runs one pass. The queue is re-listed after each full sweep so
// mutations enqueued during the pass are picked up; the pass ends when a
// listing comes back empty.
func (c *Coordinator) drain(ctx context.Context, reason syncpkg.Reason) (*syncpkg.Session, passResult) {
	session := &syncpkg.Session{
		ID:        uuid.New(),
		Reason:    reason,
		StartedAt: c.clock.Now(),
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "sync.drain", trace.WithAttributes(
		attribute.String("sync.session", session.ID),
		attribute.String("sync.reason", string(reason)),
	))
	defer span.End()

	logging.Info("drain pass started", map[string]interface{}{
		"session": session.ID,
		"reason":  string(reason),
		"pending": c.queue.Pending(),
	})

	result := c.sweepUntilEmpty(ctx, session)
	session.EndedAt = c.clock.Now()

	span.SetAttributes(
		attribute.String("sync.result", result.String()),
		attribute.Int("sync.applied", session.Count(syncpkg.OutcomeApplied)),
		attribute.Int("sync.failed", session.Count(syncpkg.OutcomeFailed)),
		attribute.Int("sync.skipped", session.Count(syncpkg.OutcomeSkipped)),
	)
	if result == passRetry {
		span.SetStatus(codes.Error, "paused on retryable failure")
	}
	return session, result
}

func (c *Coordinator) sweepUntilEmpty(ctx context.Context, session *syncpkg.Session) passResult {
	for {
		if ctx.Err() != nil {
			return passStopped
		}

		mutations, corrupt, err := c.queue.List(ctx)
		if err != nil {
			logging.ErrorWithCode("failed to list pending mutations", string(errors.CodeOf(err)), err, nil)
			return passRetry
		}
		if len(mutations) == 0 && len(corrupt) == 0 {
			if _, err := c.queue.Len(ctx); err != nil {
				logging.Warn("failed to recount pending mutations", map[string]interface{}{"error": err.Error()})
			}
			return passDone
		}

		for _, entry := range corrupt {
			if err := c.queue.Remove(ctx, entry.ID); err != nil {
				logging.ErrorWithCode("failed to drop corrupt mutation", string(errors.CodeOf(err)), err,
					map[string]interface{}{"mutation_id": entry.ID})
				return passRetry
			}
			session.Outcomes = append(session.Outcomes, syncpkg.MutationOutcome{
				MutationID: entry.ID,
				Outcome:    syncpkg.OutcomeSkipped,
				Code:       errors.ErrQueueCorruption,
				Error:      entry.Err.Error(),
			})
			logging.Warn("dropped corrupt pending mutation", map[string]interface{}{
				"mutation_id": entry.ID,
				"error":       entry.Err.Error(),
			})
			c.report(syncpkg.Event{
				Type:       syncpkg.EventQueueCorruption,
				MutationID: entry.ID,
				Code:       errors.ErrQueueCorruption,
				Message:    entry.Err.Error(),
			})
		}

		for _, m := range mutations {
			if ctx.Err() != nil {
				return passStopped
			}
			if !c.net.Status() {
				logging.Info("connectivity lost mid-pass, stopping before next dispatch",
					map[string]interface{}{"next_mutation": m.ID})
				return passOffline
			}
			if result, stop := c.apply(ctx, session, m); stop {
				return result
			}
		}
	}
}

// apply dispatches one mutation and reconciles the queue. It reports whether
// the pass must stop.
func (c *Coordinator) apply(ctx context.Context, session *syncpkg.Session, m *models.PendingMutation) (passResult, bool) {
	outcome := syncpkg.MutationOutcome{
		MutationID: m.ID,
		Action:     string(m.Action),
		Collection: m.Collection,
		Key:        m.Key,
	}

	err := c.dispatch(ctx, m)
	switch {
	case err == nil:
		if rmErr := c.queue.Remove(ctx, m.ID); rmErr != nil {
			// applied remotely but still queued; the replay is de-duplicated by id
			outcome.Outcome = syncpkg.OutcomeFailed
			outcome.Code = errors.CodeOf(rmErr)
			outcome.Error = rmErr.Error()
			outcome.Retained = true
			session.Outcomes = append(session.Outcomes, outcome)
			logging.ErrorWithCode("failed to remove applied mutation", string(outcome.Code), rmErr,
				map[string]interface{}{"mutation_id": m.ID})
			return passRetry, true
		}
		outcome.Outcome = syncpkg.OutcomeApplied
		session.Outcomes = append(session.Outcomes, outcome)
		logging.Debug("mutation applied", map[string]interface{}{
			"mutation_id": m.ID,
			"action":      string(m.Action),
			"collection":  m.Collection,
			"key":         m.Key,
		})
		return passDone, false

	case ctx.Err() != nil:
		outcome.Outcome = syncpkg.OutcomeFailed
		outcome.Error = err.Error()
		outcome.Retained = true
		session.Outcomes = append(session.Outcomes, outcome)
		return passStopped, true

	case errors.IsRetryable(err):
		outcome.Outcome = syncpkg.OutcomeFailed
		outcome.Code = errors.CodeOf(err)
		if outcome.Code == errors.ErrInternal {
			outcome.Code = errors.ErrSyncRetryable
			if stderrors.Is(err, context.DeadlineExceeded) {
				outcome.Code = errors.ErrSyncTimeout
			}
		}
		outcome.Error = err.Error()
		outcome.Retained = true
		session.Outcomes = append(session.Outcomes, outcome)
		logging.Warn("retryable sync failure, pausing queue", map[string]interface{}{
			"mutation_id": m.ID,
			"error":       outcome.Error,
		})
		return passRetry, true

	default: // permanent rejection
		outcome.Outcome = syncpkg.OutcomeFailed
		outcome.Code = errors.CodeOf(err)
		outcome.Error = err.Error()
		if rmErr := c.queue.Remove(ctx, m.ID); rmErr != nil {
			outcome.Retained = true
			session.Outcomes = append(session.Outcomes, outcome)
			logging.ErrorWithCode("failed to remove rejected mutation", string(errors.CodeOf(rmErr)), rmErr,
				map[string]interface{}{"mutation_id": m.ID})
			return passRetry, true
		}
		session.Outcomes = append(session.Outcomes, outcome)
		logging.Warn("mutation rejected by remote, dropped from queue", map[string]interface{}{
			"mutation_id": m.ID,
			"code":        string(outcome.Code),
			"error":       outcome.Error,
		})
		c.report(syncpkg.Event{
			Type:       syncpkg.EventPermanentFailure,
			MutationID: m.ID,
			Code:       outcome.Code,
			Message:    outcome.Error,
		})
		return passDone, false
	}
}

// dispatch performs one bounded remote call inside a span.
func (c *Coordinator) dispatch(ctx context.Context, m *models.PendingMutation) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "sync.dispatch", trace.WithAttributes(
		attribute.String("mutation.id", m.ID),
		attribute.String("mutation.action", string(m.Action)),
		attribute.String("mutation.collection", m.Collection),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
	defer cancel()
	return remote.Dispatch(ctx, c.backend, m)
}

// report queues an event from the pass goroutine.
func (c *Coordinator) report(ev syncpkg.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emit(ev)
}
