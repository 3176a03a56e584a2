// Package models provides the persisted data shapes of the offline cache.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is the kind of remote call a pending mutation replays.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionCustom Action = "custom"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionCustom:
		return true
	}
	return false
}

// PendingMutation is a durable write intent awaiting remote confirmation.
// ID orders mutations; see uuid.MutationIDs.
type PendingMutation struct {
	ID         string          `json:"id"`
	Action     Action          `json:"action"`
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Name       string          `json:"name,omitempty"` // custom actions only
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt int64           `json:"enqueued_at"` // unix millis
}

// Validate checks the fields every persisted mutation must carry.
func (m *PendingMutation) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("mutation has no id")
	case !m.Action.Valid():
		return fmt.Errorf("mutation %s has unknown action %q", m.ID, m.Action)
	case m.Collection == "":
		return fmt.Errorf("mutation %s has no collection", m.ID)
	case m.Action == ActionCustom && m.Name == "":
		return fmt.Errorf("custom mutation %s has no name", m.ID)
	case m.Action != ActionCustom && m.Key == "":
		return fmt.Errorf("mutation %s has no key", m.ID)
	case len(m.Payload) > 0 && !json.Valid(m.Payload):
		return fmt.Errorf("mutation %s has a malformed payload", m.ID)
	}
	return nil
}

// Time returns EnqueuedAt as time.Time.
func (m *PendingMutation) Time() time.Time {
	return time.UnixMilli(m.EnqueuedAt)
}

// Marshal encodes the mutation for storage.
func (m *PendingMutation) Marshal() (json.RawMessage, error) {
	return json.Marshal(m)
}

// UnmarshalPendingMutation decodes and validates a stored mutation.
func UnmarshalPendingMutation(data []byte) (*PendingMutation, error) {
	var m PendingMutation
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
