// Package remote defines the calls the sync coordinator makes against the
// remote backend, one per mutation action. Every call carries the mutation
// id so the backend can discard a replay of an already applied mutation.
package remote

import (
	"context"
	"encoding/json"

	"github.com/wardrobekit/backend/internal/errors"
	"github.com/wardrobekit/backend/internal/models"
)

// Backend is the remote side of synchronization. Implementations return nil
// on confirmed success, an error classified by errors.IsPermanent for a
// definitive rejection, and any other error for a transient failure.
type Backend interface {
	CreateRecord(ctx context.Context, collection, key string, payload json.RawMessage, mutationID string) error
	UpdateRecord(ctx context.Context, collection, key string, payload json.RawMessage, mutationID string) error
	DeleteRecord(ctx context.Context, collection, key string, mutationID string) error
	CustomAction(ctx context.Context, collection, key, name string, payload json.RawMessage, mutationID string) error
}

// Dispatch routes a pending mutation to the matching backend call.
func Dispatch(ctx context.Context, b Backend, m *models.PendingMutation) error {
	switch m.Action {
	case models.ActionCreate:
		return b.CreateRecord(ctx, m.Collection, m.Key, m.Payload, m.ID)
	case models.ActionUpdate:
		return b.UpdateRecord(ctx, m.Collection, m.Key, m.Payload, m.ID)
	case models.ActionDelete:
		return b.DeleteRecord(ctx, m.Collection, m.Key, m.ID)
	case models.ActionCustom:
		return b.CustomAction(ctx, m.Collection, m.Key, m.Name, m.Payload, m.ID)
	default:
		return errors.Newf(errors.ErrSyncPermanent, "unknown action %q", m.Action)
	}
}
