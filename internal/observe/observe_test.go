package observe

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_edgeTriggered(t *testing.T) {
	v := NewValue(false)

	var got []bool
	sub := v.Subscribe(func(b bool) { got = append(got, b) })
	defer sub.Close()

	assert.False(t, v.Set(false), "same value must not notify")
	assert.True(t, v.Set(true))
	assert.False(t, v.Set(true))
	assert.True(t, v.Set(false))

	assert.Equal(t, []bool{true, false}, got)
	assert.False(t, v.Get())
}

func TestValue_closeDeregisters(t *testing.T) {
	v := NewValue(0)

	calls := 0
	sub := v.Subscribe(func(int) { calls++ })
	require.Equal(t, 1, v.Subscribers())

	v.Set(1)
	sub.Close()
	sub.Close()
	v.Set(2)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, v.Subscribers())
}

func TestValue_registrationOrder(t *testing.T) {
	v := NewValue("")

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		v.Subscribe(func(string) { order = append(order, i) })
	}
	v.Set("x")

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestValue_concurrentSetsSerialized(t *testing.T) {
	v := NewValue(0)

	var mu sync.Mutex
	inFlight, maxInFlight, calls := 0, 0, 0
	v.Subscribe(func(int) {
		mu.Lock()
		inFlight++
		calls++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		mu.Lock()
		inFlight--
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			v.Set(n)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, maxInFlight)
	assert.Equal(t, 50, calls)
}

func TestSubscription_nilClose(t *testing.T) {
	var s *Subscription
	assert.NotPanics(t, s.Close)
}

func TestFeed(t *testing.T) {
	var f Feed[string]

	var a, b []string
	subA := f.Subscribe(func(s string) { a = append(a, s) })
	f.Subscribe(func(s string) { b = append(b, s) })

	f.Publish("one")
	f.Publish("one")
	subA.Close()
	f.Publish("two")

	assert.Equal(t, []string{"one", "one"}, a)
	assert.Equal(t, []string{"one", "one", "two"}, b)
	assert.Equal(t, 1, f.Subscribers())
}
