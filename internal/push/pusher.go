package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/pushql/internal/logx"
	"github.com/gaspardpetit/pushql/internal/reconnect"
)

// Pusher protocol event names.
const (
	pusherConnectionEstablished = "pusher:connection_established"
	pusherSubscribe             = "pusher:subscribe"
	pusherUnsubscribe           = "pusher:unsubscribe"
	pusherPing                  = "pusher:ping"
	pusherPong                  = "pusher:pong"
	pusherError                 = "pusher:error"
	pusherInternalPrefix        = "pusher_internal:"
)

const (
	pusherReadLimit     = 4 << 20
	pusherHandshakeWait = 10 * time.Second
	pusherWriteTimeout  = 5 * time.Second
)

// ErrRejected is returned by Run when the server refuses the application
// with a 4000-4099 error code. The connection is not retried.
var ErrRejected = errors.New("pusher rejected connection")

// ErrHandshake is returned when the server does not open the session with
// pusher:connection_established.
var ErrHandshake = errors.New("pusher handshake failed")

type pusherFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type pusherErrorData struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// PusherTransport speaks the Pusher channels websocket protocol. It only
// handles public channels.
type PusherTransport struct {
	url  string
	opts *websocket.DialOptions

	mu       sync.Mutex
	conn     *websocket.Conn
	socketID string
	channels map[string]bool
	closed   bool
}

// NewPusherTransport returns a transport dialing url, for example
// wss://ws-mt1.pusher.com/app/<key>?protocol=7&client=pushql&version=1.0.
func NewPusherTransport(url string, opts *websocket.DialOptions) *PusherTransport {
	return &PusherTransport{url: url, opts: opts, channels: map[string]bool{}}
}

func (p *PusherTransport) Subscribe(ctx context.Context, channel string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.channels[channel] = true
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		// sent once connected
		return nil
	}
	return writeFrame(ctx, conn, pusherSubscribe, map[string]string{"channel": channel})
}

func (p *PusherTransport) Unsubscribe(ctx context.Context, channel string) error {
	p.mu.Lock()
	delete(p.channels, channel)
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeFrame(ctx, conn, pusherUnsubscribe, map[string]string{"channel": channel})
}

// SocketID returns the id assigned by the server on the current connection.
func (p *PusherTransport) SocketID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.socketID
}

// Run keeps a connection open, redialing on failure, and delivers channel
// events until ctx is done, Close is called or the server rejects the
// application.
func (p *PusherTransport) Run(ctx context.Context, deliver func(Message)) error {
	err := reconnect.Run(ctx, func(ctx context.Context, reset func()) error {
		err := p.session(ctx, deliver, reset)
		if err != nil && !p.isClosed() && ctx.Err() == nil && !errors.Is(err, ErrRejected) {
			logx.Log.Warn().Err(err).Str("url", p.url).Msg("pusher connection lost; reconnecting")
		}
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *PusherTransport) session(ctx context.Context, deliver func(Message), reset func()) error {
	conn, _, err := websocket.Dial(ctx, p.url, p.opts)
	if err != nil {
		return err
	}
	conn.SetReadLimit(pusherReadLimit)
	defer func() {
		p.mu.Lock()
		if p.conn == conn {
			p.conn = nil
		}
		p.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
	}()

	hsCtx, cancel := context.WithTimeout(ctx, pusherHandshakeWait)
	first, err := readFrame(hsCtx, conn)
	cancel()
	if err != nil {
		return err
	}
	if first.Event != pusherConnectionEstablished {
		return fmt.Errorf("%w: got %q", ErrHandshake, first.Event)
	}
	var est struct {
		SocketID string `json:"socket_id"`
	}
	_ = json.Unmarshal(unwrapData(first.Data), &est)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.conn = conn
	p.socketID = est.SocketID
	active := make([]string, 0, len(p.channels))
	for ch := range p.channels {
		active = append(active, ch)
	}
	p.mu.Unlock()
	for _, ch := range active {
		if err := writeFrame(ctx, conn, pusherSubscribe, map[string]string{"channel": ch}); err != nil {
			return err
		}
	}
	reset()
	logx.Log.Info().Str("socket_id", est.SocketID).Int("channels", len(active)).Msg("pusher connected")

	for {
		f, err := readFrame(ctx, conn)
		if err != nil {
			if p.isClosed() {
				return nil
			}
			return err
		}
		switch {
		case f.Event == pusherPing:
			if err := writeFrame(ctx, conn, pusherPong, struct{}{}); err != nil {
				return err
			}
		case f.Event == pusherError:
			var pe pusherErrorData
			_ = json.Unmarshal(unwrapData(f.Data), &pe)
			// 4000-4099: the server asks clients not to reconnect
			if pe.Code >= 4000 && pe.Code < 4100 {
				logx.Log.Error().Int("code", pe.Code).Str("message", pe.Message).Msg("pusher rejected connection")
				return reconnect.Permanent(fmt.Errorf("%w: %d %s", ErrRejected, pe.Code, pe.Message))
			}
			logx.Log.Warn().Int("code", pe.Code).Str("message", pe.Message).Msg("pusher error")
		case strings.HasPrefix(f.Event, pusherInternalPrefix):
			logx.Log.Debug().Str("event", f.Event).Str("channel", f.Channel).Msg("pusher internal event")
		case f.Channel == "":
			logx.Log.Trace().Str("event", f.Event).Msg("pusher connection event ignored")
		default:
			deliver(Message{Channel: f.Channel, Event: f.Event, Data: unwrapData(f.Data)})
		}
	}
}

func (p *PusherTransport) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *PusherTransport) Close() error {
	p.mu.Lock()
	p.closed = true
	conn := p.conn
	p.conn = nil
	p.channels = map[string]bool{}
	p.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	return nil
}

func readFrame(ctx context.Context, conn *websocket.Conn) (pusherFrame, error) {
	var f pusherFrame
	_, data, err := conn.Read(ctx)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode pusher frame: %w", err)
	}
	return f, nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	b, err := json.Marshal(pusherFrame{Event: event, Data: raw})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pusherWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

// unwrapData returns the JSON inside a string-encoded data field, which is
// how Pusher servers send event payloads. Other values pass through.
func unwrapData(data json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return data
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return data
}
