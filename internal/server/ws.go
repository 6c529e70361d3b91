package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/pushql/internal/gql"
	"github.com/gaspardpetit/pushql/internal/logx"
	"github.com/gaspardpetit/pushql/internal/serverstate"
	"github.com/gaspardpetit/pushql/internal/stream"
)

const (
	wsProtocol         = "graphql-transport-ws"
	defaultInitTimeout = 10 * time.Second
)

// graphql-transport-ws message types.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

// graphql-transport-ws close codes.
const (
	closeBadRequest       websocket.StatusCode = 4400
	closeUnauthorized     websocket.StatusCode = 4401
	closeInitTimeout      websocket.StatusCode = 4408
	closeSubscriberExists websocket.StatusCode = 4409
	closeTooManyInits     websocket.StatusCode = 4429
)

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsHandler struct {
	exec        Executor
	sessions    *serverstate.Counter
	origins     []string
	initTimeout time.Duration
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{wsProtocol},
		OriginPatterns: h.origins,
	})
	if err != nil {
		logx.Log.Debug().Err(err).Msg("websocket accept")
		return
	}
	if serverstate.IsDraining() {
		_ = c.Close(websocket.StatusTryAgainLater, errDraining.Error())
		return
	}
	if c.Subprotocol() != wsProtocol {
		_ = c.Close(websocket.StatusPolicyViolation, "subprotocol "+wsProtocol+" required")
		return
	}
	conn := &wsConn{
		h:    h,
		c:    c,
		log:  logx.Log.With().Str("conn_id", uuid.NewString()).Logger(),
		subs: map[string]context.CancelFunc{},
	}
	conn.serve(r.Context())
}

// wsConn is one graphql-transport-ws connection.
type wsConn struct {
	h   *wsHandler
	c   *websocket.Conn
	log zerolog.Logger

	mu    sync.Mutex
	init  bool
	acked bool
	subs  map[string]context.CancelFunc

	wg sync.WaitGroup
}

func (wc *wsConn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		wc.wg.Wait()
		_ = wc.c.CloseNow()
	}()

	timer := time.AfterFunc(wc.h.initTimeout, func() {
		wc.mu.Lock()
		acked := wc.acked
		wc.mu.Unlock()
		if !acked {
			_ = wc.c.Close(closeInitTimeout, "Connection initialisation timeout")
		}
	})
	defer timer.Stop()

	for {
		_, data, err := wc.c.Read(ctx)
		if err != nil {
			wc.log.Debug().Err(err).Msg("websocket read ended")
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			_ = wc.c.Close(closeBadRequest, "Invalid message received")
			return
		}
		if code, reason, ok := wc.handle(ctx, msg); !ok {
			_ = wc.c.Close(code, reason)
			return
		}
	}
}

// handle processes one client message. It returns false with a close code
// when the connection must be closed.
func (wc *wsConn) handle(ctx context.Context, msg wsMessage) (websocket.StatusCode, string, bool) {
	switch msg.Type {
	case msgConnectionInit:
		wc.mu.Lock()
		if wc.init {
			wc.mu.Unlock()
			return closeTooManyInits, "Too many initialisation requests", false
		}
		wc.init = true
		wc.acked = true
		wc.mu.Unlock()
		wc.write(ctx, wsMessage{Type: msgConnectionAck})
	case msgPing:
		wc.write(ctx, wsMessage{Type: msgPong})
	case msgPong:
	case msgSubscribe:
		return wc.subscribe(ctx, msg)
	case msgComplete:
		wc.mu.Lock()
		cancel, ok := wc.subs[msg.ID]
		delete(wc.subs, msg.ID)
		wc.mu.Unlock()
		if ok {
			cancel()
			wc.log.Debug().Str("id", msg.ID).Msg("client completed subscription")
		}
	default:
		return closeBadRequest, fmt.Sprintf("Invalid message type %q", msg.Type), false
	}
	return 0, "", true
}

func (wc *wsConn) subscribe(ctx context.Context, msg wsMessage) (websocket.StatusCode, string, bool) {
	if msg.ID == "" {
		return closeBadRequest, "Invalid message received", false
	}
	var op gql.Operation
	if err := json.Unmarshal(msg.Payload, &op); err != nil {
		return closeBadRequest, "Invalid message received", false
	}

	wc.mu.Lock()
	if !wc.acked {
		wc.mu.Unlock()
		return closeUnauthorized, "Unauthorized", false
	}
	if _, exists := wc.subs[msg.ID]; exists {
		wc.mu.Unlock()
		return closeSubscriberExists, fmt.Sprintf("Subscriber for %s already exists", msg.ID), false
	}
	if serverstate.IsDraining() {
		wc.mu.Unlock()
		wc.write(ctx, wsMessage{ID: msg.ID, Type: msgError, Payload: errorPayload(errDraining)})
		return 0, "", true
	}
	subCtx, cancel := context.WithCancel(ctx)
	wc.subs[msg.ID] = cancel
	wc.mu.Unlock()

	wc.wg.Add(1)
	go wc.run(subCtx, cancel, msg.ID, &op)
	return 0, "", true
}

// run relays one subscription until it ends or subCtx is cancelled.
func (wc *wsConn) run(subCtx context.Context, cancel context.CancelFunc, id string, op *gql.Operation) {
	defer wc.wg.Done()
	defer cancel()
	wc.h.sessions.Inc()
	defer wc.h.sessions.Dec()

	notes := wc.h.exec.Execute(op).Chan(subCtx, notificationBuffer)
	for n := range notes {
		// a client complete or a closed socket silences the session
		if subCtx.Err() != nil {
			return
		}
		switch n.Kind {
		case stream.KindNext:
			b, err := json.Marshal(n.Value)
			if err != nil {
				wc.log.Error().Err(err).Str("id", id).Msg("encode result")
				continue
			}
			wc.write(subCtx, wsMessage{ID: id, Type: msgNext, Payload: b})
		case stream.KindError:
			wc.release(id)
			wc.write(subCtx, wsMessage{ID: id, Type: msgError, Payload: errorPayload(n.Err)})
		case stream.KindComplete:
			wc.release(id)
			wc.write(subCtx, wsMessage{ID: id, Type: msgComplete})
		}
	}
}

// release forgets id so the client may reuse it.
func (wc *wsConn) release(id string) {
	wc.mu.Lock()
	delete(wc.subs, id)
	wc.mu.Unlock()
}

func (wc *wsConn) write(ctx context.Context, msg wsMessage) {
	if err := wsjson.Write(ctx, wc.c, msg); err != nil {
		wc.log.Debug().Err(err).Str("type", msg.Type).Msg("websocket write")
	}
}

func errorPayload(err error) json.RawMessage {
	b, _ := json.Marshal(gql.ErrorResponse(err).Errors)
	return b
}
