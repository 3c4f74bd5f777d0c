package feed

import (
	"sync"
	"sync/atomic"
)

// Subscription is one consumer handle of a Latest or Stream broadcaster.
// Params: receive channel and unregister hook.
// Returns: consumer lifecycle handle.
type Subscription[T any] struct {
	ch     chan T
	cancel func()
	once   sync.Once
}

// C returns receive channel; it is closed after Close or broadcaster shutdown.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close unregisters subscription and closes its channel.
// Params: none.
// Returns: none; safe to call repeatedly.
func (s *Subscription[T]) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Latest is replay-latest broadcaster: new subscribers get current value immediately.
// Params: initial value; zero value is usable after NewLatest.
// Returns: publisher that never blocks on slow subscribers.
type Latest[T any] struct {
	mu     sync.Mutex
	value  T
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// NewLatest creates replay-latest broadcaster.
// Params: initial value published to first subscribers.
// Returns: broadcaster.
func NewLatest[T any](initial T) *Latest[T] {
	return &Latest[T]{
		value: initial,
		subs:  make(map[*Subscription[T]]struct{}),
	}
}

// Subscribe registers consumer and delivers current value synchronously.
// Params: none.
// Returns: subscription whose channel already holds current value.
func (l *Latest[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{ch: make(chan T, 1)}
	sub.cancel = func() { l.remove(sub) }

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		close(sub.ch)
		return sub
	}
	sub.ch <- l.value
	l.subs[sub] = struct{}{}
	return sub
}

// Publish stores value and replaces any unread value of every subscriber.
// Params: next value.
// Returns: none.
func (l *Latest[T]) Publish(value T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.value = value
	for sub := range l.subs {
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- value
	}
}

// Value returns last published value.
func (l *Latest[T]) Value() T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}

// Subscribers returns count of registered consumers.
func (l *Latest[T]) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Close closes every subscription; later publishes are ignored.
func (l *Latest[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for sub := range l.subs {
		delete(l.subs, sub)
		close(sub.ch)
	}
}

func (l *Latest[T]) remove(sub *Subscription[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[sub]; !ok {
		return
	}
	delete(l.subs, sub)
	close(sub.ch)
}

// Stream fans out individual events to buffered subscribers, dropping on full buffers.
// Params: per-subscriber buffer size.
// Returns: lossy event broadcaster.
type Stream[T any] struct {
	mu      sync.Mutex
	buffer  int
	subs    map[*Subscription[T]]struct{}
	closed  bool
	dropped atomic.Uint64
}

// NewStream creates lossy event broadcaster.
// Params: buffer size per subscriber (minimum 1).
// Returns: broadcaster.
func NewStream[T any](buffer int) *Stream[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Stream[T]{
		buffer: buffer,
		subs:   make(map[*Subscription[T]]struct{}),
	}
}

// Subscribe registers consumer for events published after this call.
func (s *Stream[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{ch: make(chan T, s.buffer)}
	sub.cancel = func() { s.remove(sub) }

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(sub.ch)
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

// Publish delivers event to every subscriber with free buffer space.
// Params: event value.
// Returns: number of subscribers that dropped the event.
func (s *Stream[T]) Publish(event T) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	dropped := 0
	for sub := range s.subs {
		select {
		case sub.ch <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		s.dropped.Add(uint64(dropped))
	}
	return dropped
}

// Dropped returns total events dropped for slow subscribers.
func (s *Stream[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Close closes every subscription; later publishes are ignored.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

func (s *Stream[T]) remove(sub *Subscription[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	close(sub.ch)
}
