package app

import (
	"context"
	"net/http"
	"time"

	"warden/cmd/internal/realtime"
	sessionapi "warden/cmd/internal/session/api"
	"warden/cmd/internal/snapshot"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (a *App) registerHTTP(mux *http.ServeMux, api *sessionapi.Handler, ws *realtime.WSGateway) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", a.handleReady)

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))

	api.Register(mux)

	mux.Handle("GET /ws", ws)
}

// handleReady reports ready once the session is settled and the snapshot
// backend answers.
func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	select {
	case <-a.machine.Settled():
	default:
		http.Error(w, "session not settled", http.StatusServiceUnavailable)
		return
	}

	if p, ok := a.store.(snapshot.Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			a.log.Info("readyz.snapshot.not_ready", "err", err)
			http.Error(w, "snapshot backend not ready", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
