package realtime

import (
	"context"
	"sync"
)

// Subscription is a live, cancellable stream of query results.
// Events are queued without bound so a slow reader never loses one;
// the channel returned by C is closed once the subscription ends.
type Subscription[T any] struct {
	out    chan T
	done   chan struct{}
	signal chan struct{}

	mu    sync.Mutex
	queue []T

	once  sync.Once
	unsub func()
}

func newSubscription[T any](unsub func()) *Subscription[T] {
	return &Subscription[T]{
		out:    make(chan T),
		done:   make(chan struct{}),
		signal: make(chan struct{}, 1),
		unsub:  unsub,
	}
}

// C returns the event channel.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.unsub != nil {
			s.unsub()
		}
	})
}

// Done is closed when the subscription has been closed.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) run(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			case <-ctx.Done():
				s.Close()
				return
			}
		}
		next := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		case <-ctx.Done():
			s.Close()
			return
		}
	}
}

type broker[T any] struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription[T]]struct{}
}

func newBroker[T any]() *broker[T] {
	return &broker[T]{topics: make(map[string]map[*Subscription[T]]struct{})}
}

// subscribe registers a subscriber and queues initial as its first event.
func (b *broker[T]) subscribe(ctx context.Context, topic string, initial T) *Subscription[T] {
	var sub *Subscription[T]
	sub = newSubscription[T](func() { b.remove(topic, sub) })
	sub.push(initial)

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription[T]]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(ctx)
	return sub
}

func (b *broker[T]) remove(topic string, sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

func (b *broker[T]) publish(topic string, v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.topics[topic] {
		sub.push(v)
	}
}

func (b *broker[T]) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// NewStream returns a standalone subscription and the function feeding it.
// It lets other implementations of the store interfaces, test doubles
// included, produce the same stream type.
func NewStream[T any](ctx context.Context) (*Subscription[T], func(T)) {
	sub := newSubscription[T](nil)
	go sub.run(ctx)
	return sub, sub.push
}
