// Package observable provides small publish/subscribe primitives used to expose
// connection state, speed samples and distance totals.
//
// Value holds a current value and replays it to new subscribers. Stream only
// forwards values published after subscription. Both fan out through per
// subscriber drop-oldest buffers, so a slow consumer loses stale values but
// never its subscription, and the publisher never blocks.
package observable

import (
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/srg/obdtrip/internal/ringchan"
)

// DefaultBuffer is the per-subscriber buffer used when Subscribe gets a non-positive size.
const DefaultBuffer = 16

// Subscription is a single consumer's view of a Value or Stream.
type Subscription[T any] struct {
	id     uint64
	ring   *ringchan.RingChannel[T]
	cancel func(uint64)
	once   sync.Once
}

// C delivers published values. It is closed by Unsubscribe or when the source is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ring.C()
}

// Unsubscribe detaches the subscription and closes C. Safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		s.cancel(s.id)
		s.ring.Close()
	})
}

// Dropped returns how many values were overwritten before the consumer read them.
func (s *Subscription[T]) Dropped() int64 {
	return s.ring.Metrics().Overwritten
}

type registry[T any] struct {
	subs   *hashmap.Map[uint64, *Subscription[T]]
	nextID atomic.Uint64
}

func newRegistry[T any]() registry[T] {
	return registry[T]{subs: hashmap.New[uint64, *Subscription[T]]()}
}

func (r *registry[T]) add(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription[T]{
		id:     r.nextID.Add(1),
		ring:   ringchan.New[T](buffer),
		cancel: func(id uint64) { r.subs.Del(id) },
	}
	r.subs.Set(sub.id, sub)
	return sub
}

func (r *registry[T]) publish(v T) {
	r.subs.Range(func(_ uint64, sub *Subscription[T]) bool {
		sub.ring.Send(v)
		return true
	})
}

func (r *registry[T]) closeAll() {
	r.subs.Range(func(_ uint64, sub *Subscription[T]) bool {
		sub.Unsubscribe()
		return true
	})
}

func (r *registry[T]) len() int {
	return r.subs.Len()
}

// Stream is a hot stream without a current value.
type Stream[T any] struct {
	mu     sync.Mutex
	reg    registry[T]
	closed bool
}

// NewStream creates an empty stream.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{reg: newRegistry[T]()}
}

// Publish delivers v to every current subscriber, in publish order.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.reg.publish(v)
}

// Subscribe registers a consumer with the given buffer size.
func (s *Stream[T]) Subscribe(buffer int) *Subscription[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.reg.add(buffer)
	if s.closed {
		sub.Unsubscribe()
	}
	return sub
}

// Subscribers returns the number of attached consumers.
func (s *Stream[T]) Subscribers() int {
	return s.reg.len()
}

// Close detaches all subscribers; later publishes are dropped.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.reg.closeAll()
}

// Value is a state holder that publishes every change.
type Value[T comparable] struct {
	mu     sync.Mutex
	cur    T
	reg    registry[T]
	closed bool
}

// NewValue creates a Value holding initial.
func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{cur: initial, reg: newRegistry[T]()}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Set stores x and publishes it if it differs from the current value.
// It reports whether the value changed.
func (v *Value[T]) Set(x T) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cur == x {
		return false
	}
	v.cur = x
	if !v.closed {
		v.reg.publish(x)
	}
	return true
}

// Update applies fn to the current value under the lock and publishes the result.
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := fn(v.cur)
	if next != v.cur {
		v.cur = next
		if !v.closed {
			v.reg.publish(next)
		}
	}
	return v.cur
}

// Subscribe registers a consumer. The current value is delivered first.
func (v *Value[T]) Subscribe(buffer int) *Subscription[T] {
	v.mu.Lock()
	defer v.mu.Unlock()
	sub := v.reg.add(buffer)
	sub.ring.Send(v.cur)
	if v.closed {
		sub.Unsubscribe()
	}
	return sub
}

// Subscribers returns the number of attached consumers.
func (v *Value[T]) Subscribers() int {
	return v.reg.len()
}

// Close detaches all subscribers. Get and Set keep working.
func (v *Value[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	v.reg.closeAll()
}
