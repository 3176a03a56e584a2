package network

import (
	"context"

	"github.com/wardrobekit/backend/internal/observe"
)

// ManualSource is a Platform whose state is set by the application, used by
// tests and by hosts that learn about connectivity out of band.
type ManualSource struct {
	feed  observe.Feed[bool]
	state *observe.Value[bool]
}

// NewManualSource returns a source in the given initial state.
func NewManualSource(online bool) *ManualSource {
	return &ManualSource{state: observe.NewValue(online)}
}

// Set reports a connectivity notification. Repeated states are forwarded;
// the Monitor filters them.
func (s *ManualSource) Set(online bool) {
	s.state.Set(online)
	s.feed.Publish(online)
}

// CurrentStatus implements Platform.
func (s *ManualSource) CurrentStatus(context.Context) (bool, error) {
	return s.state.Get(), nil
}

// Subscribe implements Platform.
func (s *ManualSource) Subscribe(_ context.Context, fn func(bool)) (func(), error) {
	sub := s.feed.Subscribe(fn)
	return sub.Close, nil
}
