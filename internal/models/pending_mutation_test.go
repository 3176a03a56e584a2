// Package models tests for pending mutation records.
package models

import (
	"encoding/json"
	"testing"
	"time"
)

// TestAction_Valid verifies the known action set.
func TestAction_Valid(t *testing.T) {
	for _, a := range []Action{ActionCreate, ActionUpdate, ActionDelete, ActionCustom} {
		if !a.Valid() {
			t.Errorf("%q.Valid() = false", a)
		}
	}
	if Action("upsert").Valid() {
		t.Error(`"upsert".Valid() = true`)
	}
}

// TestPendingMutation_Validate verifies required fields per action.
func TestPendingMutation_Validate(t *testing.T) {
	base := func() PendingMutation {
		return PendingMutation{
			ID:         "0190000000000000-abcdef01",
			Action:     ActionCreate,
			Collection: "wardrobeItems",
			Key:        "i1",
			Payload:    json.RawMessage(`{"name":"Blue Shirt"}`),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*PendingMutation)
		wantErr bool
	}{
		{"valid create", func(*PendingMutation) {}, false},
		{"delete without payload", func(m *PendingMutation) { m.Action = ActionDelete; m.Payload = nil }, false},
		{"custom with name and no key", func(m *PendingMutation) { m.Action = ActionCustom; m.Name = "markWorn"; m.Key = "" }, false},
		{"missing id", func(m *PendingMutation) { m.ID = "" }, true},
		{"unknown action", func(m *PendingMutation) { m.Action = "patch" }, true},
		{"missing collection", func(m *PendingMutation) { m.Collection = "" }, true},
		{"custom without name", func(m *PendingMutation) { m.Action = ActionCustom }, true},
		{"update without key", func(m *PendingMutation) { m.Action = ActionUpdate; m.Key = "" }, true},
		{"malformed payload", func(m *PendingMutation) { m.Payload = json.RawMessage(`{"name":`) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			tt.mutate(&m)
			err := m.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestUnmarshalPendingMutation verifies decoding of stored entries.
func TestUnmarshalPendingMutation(t *testing.T) {
	m := &PendingMutation{
		ID:         "0190000000000001-abcdef01",
		Action:     ActionUpdate,
		Collection: "outfits",
		Key:        "o1",
		Payload:    json.RawMessage(`{"items":["i1","i2"]}`),
		EnqueuedAt: 1_760_000_000_000,
	}
	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := UnmarshalPendingMutation(data)
	if err != nil {
		t.Fatalf("UnmarshalPendingMutation() error = %v", err)
	}
	if got.ID != m.ID || got.Key != "o1" || string(got.Payload) != string(m.Payload) {
		t.Errorf("round trip = %+v", got)
	}
	if !got.Time().Equal(time.UnixMilli(1_760_000_000_000)) {
		t.Errorf("Time() = %v", got.Time())
	}

	if _, err := UnmarshalPendingMutation([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed json")
	}
	if _, err := UnmarshalPendingMutation([]byte(`{"id":"x","action":"bogus","collection":"c","key":"k"}`)); err == nil {
		t.Error("expected error for invalid mutation")
	}
}
