package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gaspardpetit/pushql/internal/gql"
	"github.com/gaspardpetit/pushql/internal/logx"
	"github.com/gaspardpetit/pushql/internal/serverstate"
	"github.com/gaspardpetit/pushql/internal/stream"
)

// notificationBuffer sizes the channel between a session and its writer.
const notificationBuffer = 64

var errDraining = errors.New("server is draining")

type handler struct {
	exec     Executor
	sessions *serverstate.Counter
}

func (h *handler) serveGraphQL(w http.ResponseWriter, r *http.Request) {
	if serverstate.IsDraining() {
		writeJSON(w, http.StatusServiceUnavailable, gql.ErrorResponse(errDraining))
		return
	}
	var op gql.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		writeJSON(w, http.StatusBadRequest, gql.ErrorResponse(errors.New("invalid request body")))
		return
	}
	if strings.TrimSpace(op.Query) == "" {
		writeJSON(w, http.StatusBadRequest, gql.ErrorResponse(errors.New("query is required")))
		return
	}

	h.sessions.Inc()
	defer h.sessions.Dec()
	ctx, cancel := context.WithCancel(r.Context())
	// cancel releases the session once the response is written
	defer cancel()
	notes := h.exec.Execute(&op).Chan(ctx, notificationBuffer)

	if wantsEventStream(r) {
		streamEvents(ctx, w, notes)
		return
	}
	firstResult(w, notes)
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// firstResult answers with the first emitted response.
func firstResult(w http.ResponseWriter, notes <-chan stream.Notification[*gql.Response]) {
	for n := range notes {
		switch n.Kind {
		case stream.KindNext:
			writeJSON(w, http.StatusOK, n.Value)
			return
		case stream.KindError:
			writeJSON(w, http.StatusBadGateway, gql.ErrorResponse(n.Err))
			return
		case stream.KindComplete:
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	// closed by client disconnect
}

// streamEvents relays every notification as a server-sent event.
func streamEvents(ctx context.Context, w http.ResponseWriter, notes <-chan stream.Notification[*gql.Response]) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for n := range notes {
		if ctx.Err() != nil {
			return
		}
		var err error
		switch n.Kind {
		case stream.KindNext:
			err = writeEvent(w, "next", n.Value)
		case stream.KindError:
			err = writeEvent(w, "error", gql.ErrorResponse(n.Err).Errors)
		case stream.KindComplete:
			err = writeEvent(w, "complete", nil)
		}
		if err != nil {
			logx.Log.Debug().Err(err).Msg("write event")
			return
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data := []byte{}
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		data = b
	}
	if _, err := w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("encode response")
	}
}
