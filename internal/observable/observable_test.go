package observable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestValue_ReplaysCurrentAndPublishesChanges(t *testing.T) {
	v := NewValue("idle")
	sub := v.Subscribe(4)
	defer sub.Unsubscribe()

	assert.Equal(t, "idle", receive(t, sub))

	assert.True(t, v.Set("busy"))
	assert.False(t, v.Set("busy"), "unchanged value must not be republished")
	assert.True(t, v.Set("done"))

	assert.Equal(t, "busy", receive(t, sub))
	assert.Equal(t, "done", receive(t, sub))
	assert.Equal(t, "done", v.Get())
	assert.Equal(t, 0, len(sub.C()))
}

func TestValue_Update(t *testing.T) {
	v := NewValue(1)
	sub := v.Subscribe(4)
	defer sub.Unsubscribe()
	receive(t, sub)

	got := v.Update(func(x int) int { return x + 41 })

	assert.Equal(t, 42, got)
	assert.Equal(t, 42, receive(t, sub))
}

func TestValue_SlowSubscriberKeepsLatest(t *testing.T) {
	v := NewValue(0)
	sub := v.Subscribe(2)
	defer sub.Unsubscribe()

	for i := 1; i <= 10; i++ {
		v.Set(i)
	}

	assert.Equal(t, 9, receive(t, sub))
	assert.Equal(t, 10, receive(t, sub))
	assert.Equal(t, int64(9), sub.Dropped())
}

func TestStream_OnlyForwardsLaterValues(t *testing.T) {
	s := NewStream[int]()
	s.Publish(1)

	sub := s.Subscribe(0)
	defer sub.Unsubscribe()
	require.Equal(t, 1, s.Subscribers())

	s.Publish(2)
	s.Publish(3)

	assert.Equal(t, 2, receive(t, sub))
	assert.Equal(t, 3, receive(t, sub))
}

func TestStream_UnsubscribeDetaches(t *testing.T) {
	s := NewStream[int]()
	sub := s.Subscribe(1)
	sub.Unsubscribe()
	sub.Unsubscribe()

	assert.Equal(t, 0, s.Subscribers())
	assert.NotPanics(t, func() { s.Publish(1) })

	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestStream_CloseClosesSubscribers(t *testing.T) {
	s := NewStream[int]()
	a := s.Subscribe(1)
	b := s.Subscribe(1)

	s.Close()

	_, okA := <-a.C()
	_, okB := <-b.C()
	assert.False(t, okA)
	assert.False(t, okB)

	late := s.Subscribe(1)
	_, ok := <-late.C()
	assert.False(t, ok, "subscribing to a closed stream yields a closed subscription")
}

func TestValue_CloseClosesSubscribersButKeepsValue(t *testing.T) {
	v := NewValue(5)
	sub := v.Subscribe(1)
	v.Close()

	assert.Equal(t, 5, receive(t, sub))
	_, ok := <-sub.C()
	assert.False(t, ok)

	v.Set(6)
	assert.Equal(t, 6, v.Get())
}
