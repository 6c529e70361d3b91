package push

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryTransport is an in-process Transport. Publish delivers only to
// channels currently subscribed, like a real broker.
type MemoryTransport struct {
	mu     sync.Mutex
	subs   map[string]bool
	queue  chan Message
	closed bool
}

// NewMemoryTransport returns an empty MemoryTransport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: map[string]bool{}, queue: make(chan Message, 256)}
}

func (m *MemoryTransport) Subscribe(_ context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.subs[channel] = true
	return nil
}

func (m *MemoryTransport) Unsubscribe(_ context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, channel)
	return nil
}

// Subscribed reports whether channel currently has a subscriber.
func (m *MemoryTransport) Subscribed(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[channel]
}

// Publish queues event with data marshalled as JSON. It returns false when
// nobody is subscribed to channel.
func (m *MemoryTransport) Publish(ctx context.Context, channel, event string, data any) (bool, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrClosed
	}
	if !m.subs[channel] {
		m.mu.Unlock()
		return false, nil
	}
	m.mu.Unlock()
	select {
	case m.queue <- Message{Channel: channel, Event: event, Data: raw}:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (m *MemoryTransport) Run(ctx context.Context, deliver func(Message)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.queue:
			deliver(msg)
		}
	}
}

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.subs = map[string]bool{}
	m.mu.Unlock()
	return nil
}
