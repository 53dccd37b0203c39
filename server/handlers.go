package main

import (
	"fmt"
	"net/http"
)

// newMux wires the HTTP surface: the websocket endpoint, a landing page,
// a liveness check and, when enabled, Prometheus metrics.
func newMux(hub *Hub, dir *Directory, metrics *Metrics, cfg *Config) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "chatrelay: %d users online\nConnect a client to ws://%s/chat\n", dir.Len(), r.Host)
	})

	mux.HandleFunc("/chat", hub.ServeWS)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.Metrics.Enabled && metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}
	return mux
}
