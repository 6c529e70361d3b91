// Package push is a client for publish/subscribe push-messaging services.
//
// A Client multiplexes many named channels over one Transport. Callers
// subscribe to a channel, bind handlers per event name and unsubscribe when
// done; the Transport carries the wire protocol (Redis pub/sub, Pusher
// websocket, or in-process memory).
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gaspardpetit/pushql/internal/logx"
)

var (
	// ErrAlreadySubscribed is returned when a channel is already in use.
	ErrAlreadySubscribed = errors.New("channel already subscribed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("push client closed")
	// ErrInvalidChannel is returned for an empty channel name.
	ErrInvalidChannel = errors.New("invalid channel name")
)

// maxPending bounds the events buffered for an event name with no handler.
const maxPending = 64

// opTimeout bounds transport subscribe/unsubscribe calls.
const opTimeout = 5 * time.Second

// Handler receives the data of one event.
type Handler func(data json.RawMessage)

// Message is one event delivered on a channel.
type Message struct {
	Channel string
	Event   string
	Data    json.RawMessage
}

// Transport carries channel subscriptions and events over a wire protocol.
type Transport interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	// Run delivers incoming messages until ctx is done or the transport
	// fails permanently.
	Run(ctx context.Context, deliver func(Message)) error
	Close() error
}

// Channel is a subscribed channel.
type Channel interface {
	Name() string
	// Bind registers h for event. Events received before the first Bind
	// for that name are replayed to h in arrival order.
	Bind(event string, h Handler)
}

// Client is safe for concurrent use and shared by all sessions.
type Client struct {
	transport Transport

	mu       sync.Mutex
	channels map[string]*channel
	closed   bool
}

// NewClient returns a Client over t. Call Run to start delivery.
func NewClient(t Transport) *Client {
	return &Client{transport: t, channels: map[string]*channel{}}
}

// Run delivers transport messages to subscribed channels until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	return c.transport.Run(ctx, c.dispatch)
}

// Subscribe opens name. Each channel may only be held once at a time.
func (c *Client) Subscribe(name string) (Channel, error) {
	if name == "" {
		return nil, ErrInvalidChannel
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := c.channels[name]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, name)
	}
	ch := &channel{name: name, handlers: map[string]Handler{}, pending: map[string][]json.RawMessage{}}
	c.channels[name] = ch
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.transport.Subscribe(ctx, name); err != nil {
		c.mu.Lock()
		if c.channels[name] == ch {
			delete(c.channels, name)
		}
		c.mu.Unlock()
		return nil, err
	}
	logx.Log.Debug().Str("channel", name).Msg("push channel subscribed")
	return ch, nil
}

// Unsubscribe closes name. Unknown channels are ignored.
func (c *Client) Unsubscribe(name string) {
	c.mu.Lock()
	ch, ok := c.channels[name]
	delete(c.channels, name)
	c.mu.Unlock()
	if !ok {
		return
	}
	ch.close()
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.transport.Unsubscribe(ctx, name); err != nil {
		logx.Log.Warn().Err(err).Str("channel", name).Msg("push unsubscribe")
		return
	}
	logx.Log.Debug().Str("channel", name).Msg("push channel unsubscribed")
}

// Channels returns the number of open channels.
func (c *Client) Channels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// Close releases every channel and the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	chans := c.channels
	c.channels = map[string]*channel{}
	c.mu.Unlock()
	for _, ch := range chans {
		ch.close()
	}
	return c.transport.Close()
}

func (c *Client) dispatch(m Message) {
	c.mu.Lock()
	ch := c.channels[m.Channel]
	c.mu.Unlock()
	if ch == nil {
		logx.Log.Trace().Str("channel", m.Channel).Str("event", m.Event).Msg("push event for unknown channel")
		return
	}
	ch.deliver(m.Event, m.Data)
}

type channel struct {
	name string

	// deliverMu serialises handler calls so events keep arrival order
	// across the replay done by Bind.
	deliverMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string][]json.RawMessage
	closed   bool
}

func (ch *channel) Name() string { return ch.name }

func (ch *channel) Bind(event string, h Handler) {
	ch.deliverMu.Lock()
	defer ch.deliverMu.Unlock()
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.handlers[event] = h
	backlog := ch.pending[event]
	delete(ch.pending, event)
	ch.mu.Unlock()
	for _, data := range backlog {
		if ch.isClosed() {
			return
		}
		h(data)
	}
}

func (ch *channel) deliver(event string, data json.RawMessage) {
	ch.deliverMu.Lock()
	defer ch.deliverMu.Unlock()
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	h, ok := ch.handlers[event]
	if !ok {
		if q := ch.pending[event]; len(q) < maxPending {
			ch.pending[event] = append(q, data)
		}
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()
	h(data)
}

func (ch *channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *channel) close() {
	ch.mu.Lock()
	ch.closed = true
	ch.handlers = map[string]Handler{}
	ch.pending = map[string][]json.RawMessage{}
	ch.mu.Unlock()
}
