package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/portbroker/internal/controlplane"
	"github.com/matst80/portbroker/internal/dataplane"
)

type broker struct {
	mgr     *controlplane.Manager
	dp      *dataplane.Server
	ready   atomic.Bool
	closing atomic.Bool
}

// Stats represents current broker state for the API.
type Stats struct {
	Sessions    []controlplane.SessionInfo `json:"sessions"`
	Listeners   []dataplane.ListenerInfo   `json:"listeners"`
	Bridges     int                        `json:"bridges"`
	OpenSockets int                        `json:"open_sockets"`
	Now         string                     `json:"now"`
}

func (b *broker) stats() Stats {
	return Stats{
		Sessions:    b.mgr.Sessions(),
		Listeners:   b.dp.Listeners(),
		Bridges:     b.mgr.Bridges(),
		OpenSockets: b.dp.Resources(),
		Now:         time.Now().UTC().Format(time.RFC3339),
	}
}

// routes serves Prometheus metrics, health endpoints, the state API and the
// WebSocket control endpoint.
func (b *broker) routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if b.closing.Load() || !b.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(b.stats())
	})
	mux.Handle("/connect", b.mgr.WebSocketHandler(ctx))
	return mux
}
