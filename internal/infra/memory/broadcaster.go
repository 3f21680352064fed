package memory

import (
	"context"
	"sync"

	"hoot-game-service/internal/domain"
)

// Broadcaster fans events out to in-process subscribers. Each subscriber has a
// bounded buffer; one that falls behind has its channel closed so it re-reads
// state and resubscribes instead of silently missing events.
type Broadcaster struct {
	buffer int

	mu     sync.Mutex
	topics map[string]map[*subscriber]struct{}
}

type subscriber struct {
	ch     chan domain.Event
	closed bool
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 16
	}
	return &Broadcaster{
		buffer: buffer,
		topics: make(map[string]map[*subscriber]struct{}),
	}
}

func (b *Broadcaster) Publish(_ context.Context, topic string, event domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- event:
		default:
			b.dropLocked(topic, sub)
		}
	}
	return nil
}

// Subscribe registers a subscriber until cancel is called or ctx is done.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan domain.Event, func(), error) {
	sub := &subscriber{ch: make(chan domain.Event, b.buffer)}

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*subscriber]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	drop := func() {
		once.Do(func() {
			b.mu.Lock()
			b.dropLocked(topic, sub)
			b.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, drop)
	return sub.ch, func() { stop(); drop() }, nil
}

// Subscribers reports how many subscribers a topic has.
func (b *Broadcaster) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

func (b *Broadcaster) dropLocked(topic string, sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if subs, ok := b.topics[topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}
