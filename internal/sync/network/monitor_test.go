package network

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingPlatform cannot report its initial state.
type failingPlatform struct {
	*ManualSource
}

func (failingPlatform) CurrentStatus(context.Context) (bool, error) {
	return false, errors.New("no connectivity api")
}

type unsubscribable struct{ *ManualSource }

func (unsubscribable) Subscribe(context.Context, func(bool)) (func(), error) {
	return nil, errors.New("denied")
}

// lateQueryPlatform answers the initial query with a stale offline state after
// a notification reporting online has already been delivered.
type lateQueryPlatform struct {
	*ManualSource
}

func (p lateQueryPlatform) CurrentStatus(context.Context) (bool, error) {
	p.Set(true)
	return false, nil
}

func TestMonitor_seedsFromPlatform(t *testing.T) {
	for _, online := range []bool{true, false} {
		m, err := NewMonitor(context.Background(), NewManualSource(online))
		require.NoError(t, err)
		assert.Equal(t, online, m.Status())
		m.Close()
	}
}

func TestMonitor_edgeTriggered(t *testing.T) {
	src := NewManualSource(false)
	m, err := NewMonitor(context.Background(), src)
	require.NoError(t, err)
	defer m.Close()

	var got []bool
	sub := m.OnChange(func(online bool) { got = append(got, online) })
	defer sub.Close()

	src.Set(false)
	src.Set(true)
	src.Set(true)
	src.Set(true)
	src.Set(false)
	src.Set(true)

	assert.Equal(t, []bool{true, false, true}, got)
	assert.True(t, m.Status())
}

func TestMonitor_disposer(t *testing.T) {
	src := NewManualSource(false)
	m, err := NewMonitor(context.Background(), src)
	require.NoError(t, err)
	defer m.Close()

	calls := 0
	sub := m.OnChange(func(bool) { calls++ })
	src.Set(true)
	sub.Close()
	src.Set(false)

	assert.Equal(t, 1, calls)
}

func TestMonitor_initErrorSeedsOffline(t *testing.T) {
	src := NewManualSource(true)
	m, err := NewMonitor(context.Background(), failingPlatform{src})
	require.NoError(t, err)
	defer m.Close()

	assert.False(t, m.Status())

	// later platform notifications still apply
	src.Set(true)
	assert.True(t, m.Status())
}

func TestMonitor_notificationDuringSeedWins(t *testing.T) {
	m, err := NewMonitor(context.Background(), lateQueryPlatform{NewManualSource(false)})
	require.NoError(t, err)
	defer m.Close()

	assert.True(t, m.Status(), "stale initial query must not overwrite a newer notification")
}

func TestMonitor_subscribeError(t *testing.T) {
	_, err := NewMonitor(context.Background(), unsubscribable{NewManualSource(true)})
	assert.Error(t, err)
}

func TestMonitor_closeDetaches(t *testing.T) {
	src := NewManualSource(true)
	m, err := NewMonitor(context.Background(), src)
	require.NoError(t, err)

	m.Close()
	m.Close()
	src.Set(false)

	assert.True(t, m.Status(), "closed monitor must ignore platform events")
}

func TestMonitor_concurrentTransitions(t *testing.T) {
	src := NewManualSource(false)
	m, err := NewMonitor(context.Background(), src)
	require.NoError(t, err)
	defer m.Close()

	var mu sync.Mutex
	var got []bool
	m.OnChange(func(online bool) {
		mu.Lock()
		got = append(got, online)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src.Set(i%2 == 0)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(got); i++ {
		assert.NotEqual(t, got[i-1], got[i], "consecutive notifications must differ")
	}
	if len(got) > 0 {
		assert.Equal(t, m.Status(), got[len(got)-1])
	}
}
