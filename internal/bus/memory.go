package bus

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/callsight/callsight/internal/id"
)

var (
	memoryOnce sync.Once
	memoryInst *memoryBus
)

func sharedMemory() Bus {
	memoryOnce.Do(func() {
		memoryInst = newMemoryBus()
	})
	return memoryInst
}

// NewMemory returns a fresh, non-shared in-memory bus. Tests use this to
// avoid cross-test state; production code goes through New, which shares one
// instance per process.
func NewMemory() Bus {
	return newMemoryBus()
}

func newMemoryBus() *memoryBus {
	return &memoryBus{ids: id.New(), topics: make(map[string]*memTopic)}
}

type memoryBus struct {
	mu     sync.Mutex
	ids    *id.Generator
	topics map[string]*memTopic
	closed bool
}

type memTopic struct {
	entries []memEntry
	groups  map[string]*memGroup
}

type memEntry struct {
	id      string
	payload []byte
}

// memGroup tracks the group's delivery cursor plus entries that were
// delivered but not acked (handler error), which are redelivered first.
type memGroup struct {
	cursor  int
	pending []int // entry indexes awaiting redelivery, FIFO
	acked   map[string]bool
	notify  chan struct{}
}

func (b *memoryBus) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{groups: make(map[string]*memGroup)}
		b.topics[name] = t
	}
	return t
}

func (t *memTopic) group(name string) *memGroup {
	g, ok := t.groups[name]
	if !ok {
		// First join reads from the oldest position: cursor starts at 0.
		g = &memGroup{acked: make(map[string]bool), notify: make(chan struct{}, 1)}
		t.groups[name] = g
	}
	return g
}

func (b *memoryBus) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	msgID := b.ids.GenerateMessageID()
	t := b.topic(topic)
	t.entries = append(t.entries, memEntry{id: msgID, payload: append([]byte(nil), payload...)})
	groups := make([]*memGroup, 0, len(t.groups))
	for _, g := range t.groups {
		groups = append(groups, g)
	}
	b.mu.Unlock()

	for _, g := range groups {
		select {
		case g.notify <- struct{}{}:
		default:
		}
	}
	return msgID, nil
}

func (b *memoryBus) Subscribe(ctx context.Context, topic, group, consumer string, h Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	g := b.topic(topic).group(group)
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memSubscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		b.deliverLoop(subCtx, topic, g, h)
	}()

	return sub, nil
}

func (b *memoryBus) deliverLoop(ctx context.Context, topic string, g *memGroup, h Handler) {
	for {
		entry, idx, ok := b.next(topic, g)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-g.notify:
				continue
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		msg := Message{ID: entry.id, Topic: topic, Payload: entry.payload}
		if err := h(ctx, msg); err != nil {
			b.mu.Lock()
			g.pending = append(g.pending, idx)
			b.mu.Unlock()
			// Brief pause so a persistently failing handler does not spin.
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		b.mu.Lock()
		g.acked[entry.id] = true
		b.mu.Unlock()
	}
}

// next pops the oldest redelivery candidate, else advances the cursor.
func (b *memoryBus) next(topic string, g *memGroup) (memEntry, int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return memEntry{}, 0, false
	}
	if len(g.pending) > 0 {
		idx := g.pending[0]
		g.pending = g.pending[1:]
		return t.entries[idx], idx, true
	}
	if g.cursor < len(t.entries) {
		idx := g.cursor
		g.cursor++
		return t.entries[idx], idx, true
	}
	return memEntry{}, 0, false
}

func (b *memoryBus) ListTopics(ctx context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for name := range b.topics {
		if ok, _ := path.Match(pattern, name); ok {
			out = append(out, name)
		}
	}
	return out, nil
}

func (b *memoryBus) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type memSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *memSubscription) Cancel() {
	s.cancel()
	<-s.done
}
