package agent

import (
	"context"
	"sync"

	"github.com/rewired-gh/trendpilot/internal/logger"
	"github.com/rewired-gh/trendpilot/internal/models"
)

// broker fans events out to subscribers. Publish never blocks on a slow
// subscriber: each subscription buffers without bound and a pump goroutine
// feeds its channel in order.
type broker struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[*Subscription]struct{})}
}

func (b *broker) subscribe() *Subscription {
	out := make(chan models.Event)
	s := &Subscription{
		C:      out,
		out:    out,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		b:      b,
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	go s.pump()
	return s
}

func (b *broker) publish(ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// each subscriber gets its own copy so a sink cannot mutate another's view
	for s := range b.subs {
		s.push(models.CloneEvent(ev))
	}
}

func (b *broker) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// drainAll detaches every subscription. Each one still delivers what it has
// queued and then closes C.
func (b *broker) drainAll() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.drain()
	}
}

// Subscription receives every event published after it was created, in
// emission order. C is closed after Close.
type Subscription struct {
	C <-chan models.Event

	out      chan models.Event
	mu       sync.Mutex
	queue    []models.Event
	closed   bool
	draining bool
	signal   chan struct{}
	done   chan struct{}
	once   sync.Once
	b      *broker
}

func (s *Subscription) push(ev models.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return
			}
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

// Pending returns the number of events queued but not yet received.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// drain stops accepting events; C closes once the queue is empty.
func (s *Subscription) drain() {
	s.mu.Lock()
	s.closed = true
	s.draining = true
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Close stops delivery and releases the subscription. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.remove(s)
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}

// Sink consumes agent events, e.g. a journal, notifier, or metrics collector.
type Sink interface {
	Handle(ctx context.Context, ev models.Event) error
}

// Dispatch feeds events from sub to sink until sub is closed or ctx is done.
// Handler errors are logged and do not stop delivery.
func Dispatch(ctx context.Context, sub *Subscription, name string, sink Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := sink.Handle(ctx, ev); err != nil {
				logger.Warn("Sink %s failed to handle %s event: %v", name, ev.Type(), err)
			}
		}
	}
}
