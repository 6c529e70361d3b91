// Package server exposes a bridge over HTTP: single-shot and server-sent
// event requests on /graphql and graphql-transport-ws on /graphql/ws.
package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/pushql/internal/config"
	"github.com/gaspardpetit/pushql/internal/gql"
	"github.com/gaspardpetit/pushql/internal/serverstate"
	"github.com/gaspardpetit/pushql/internal/stream"
)

// Executor turns an operation into a result stream. *bridge.Bridge
// implements it.
type Executor interface {
	Execute(op *gql.Operation) stream.Stream[*gql.Response]
}

// New constructs the HTTP handler for the server. gatherer backs /metrics
// when metrics share the API port; nil uses the default gatherer.
func New(cfg config.BridgeConfig, exec Executor, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range middlewareChain() {
		r.Use(m)
	}

	h := &handler{exec: exec, sessions: serverstate.Sessions()}
	ws := &wsHandler{
		exec:        exec,
		sessions:    serverstate.Sessions(),
		origins:     cfg.AllowedOrigins,
		initTimeout: defaultInitTimeout,
	}

	r.Get("/healthz", healthz)
	r.Post("/graphql", h.serveGraphQL)
	r.Get("/graphql/ws", ws.ServeHTTP)

	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if serverstate.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	_, _ = w.Write([]byte("ok"))
}
