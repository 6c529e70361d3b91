package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// fakePusher accepts connections, acknowledges subscriptions and then
// publishes one event per subscribed channel with string-encoded data.
func fakePusher(t *testing.T, connections *atomic.Int32, dropFirst bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		n := connections.Add(1)
		ctx := r.Context()
		send := func(v any) {
			b, _ := json.Marshal(v)
			_ = c.Write(ctx, websocket.MessageText, b)
		}
		send(map[string]any{"event": "pusher:connection_established", "data": `{"socket_id":"123.456","activity_timeout":120}`})
		if dropFirst && n == 1 {
			_ = c.Close(websocket.StatusGoingAway, "restart")
			return
		}
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var f pusherFrame
			if json.Unmarshal(data, &f) != nil {
				continue
			}
			switch f.Event {
			case pusherSubscribe:
				var sub struct {
					Channel string `json:"channel"`
				}
				_ = json.Unmarshal(f.Data, &sub)
				send(map[string]any{"event": "pusher_internal:subscription_succeeded", "channel": sub.Channel, "data": "{}"})
				send(map[string]any{"event": "pusher:ping", "data": "{}"})
				send(map[string]any{"event": "lighthouse-subscription", "channel": sub.Channel, "data": `{"more":false,"result":{"data":{"x":1}}}`})
			case pusherPong:
				send(map[string]any{"event": "pong-seen", "channel": "control", "data": "{}"})
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/app/key?protocol=7"
}

func TestPusherTransportDeliversChannelEvents(t *testing.T) {
	var conns atomic.Int32
	srv := fakePusher(t, &conns, false)
	defer srv.Close()

	pt := NewPusherTransport(wsURL(srv), nil)
	c := NewClient(pt)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	defer func() { _ = c.Close() }()

	ch, err := c.Subscribe("private-lighthouse-9")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	got := make(chan json.RawMessage, 1)
	ch.Bind("lighthouse-subscription", func(d json.RawMessage) { got <- d })

	select {
	case d := <-got:
		if string(d) != `{"more":false,"result":{"data":{"x":1}}}` {
			t.Fatalf("unexpected data %s", d)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no event delivered")
	}
	if pt.SocketID() != "123.456" {
		t.Fatalf("socket id = %q", pt.SocketID())
	}
}

func TestPusherTransportResubscribesAfterReconnect(t *testing.T) {
	var conns atomic.Int32
	srv := fakePusher(t, &conns, true)
	defer srv.Close()

	pt := NewPusherTransport(wsURL(srv), nil)
	c := NewClient(pt)
	ch, err := c.Subscribe("chan-r")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	got := make(chan json.RawMessage, 1)
	ch.Bind("lighthouse-subscription", func(d json.RawMessage) { got <- d })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	defer func() { _ = c.Close() }()

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatalf("no event after reconnect")
	}
	if n := conns.Load(); n < 2 {
		t.Fatalf("expected a reconnect, saw %d connections", n)
	}
}

func TestPusherTransportStopsWhenRejected(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		conns.Add(1)
		ctx := r.Context()
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"event":"pusher:connection_established","data":"{\"socket_id\":\"1.2\"}"}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"event":"pusher:error","data":{"code":4001,"message":"App key not in this cluster"}}`))
		_, _, _ = c.Read(ctx)
	}))
	defer srv.Close()

	c := NewClient(NewPusherTransport(wsURL(srv), nil))
	defer func() { _ = c.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Run(ctx)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if n := conns.Load(); n != 1 {
		t.Fatalf("rejected connection was retried: %d connections", n)
	}
}

func TestUnwrapData(t *testing.T) {
	if got := unwrapData(json.RawMessage(`"{\"a\":1}"`)); string(got) != `{"a":1}` {
		t.Fatalf("string json: %s", got)
	}
	if got := unwrapData(json.RawMessage(`{"a":1}`)); string(got) != `{"a":1}` {
		t.Fatalf("object: %s", got)
	}
	if got := unwrapData(json.RawMessage(`"plain"`)); string(got) != `"plain"` {
		t.Fatalf("plain string: %s", got)
	}
}
