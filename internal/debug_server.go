package internal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"
)

type StatsProvider func() map[string]any

// StartDebugServer exposes a liveness endpoint, a JSON snapshot of the
// relay's occupancy, and pprof, on a side port kept off the public listener.
func StartDebugServer(log *slog.Logger, port int, statsProvider StatsProvider) {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("/inspect", func(w http.ResponseWriter, r *http.Request) {
		stats := map[string]any{"time": time.Now().Format(time.RFC822)}
		if statsProvider != nil {
			for k, v := range statsProvider() {
				stats[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(stats)
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)

	go func() {
		addr := fmt.Sprintf("0.0.0.0:%d", port)
		log.Info("Debug server listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warn("Debug server stopped", "error", err)
		}
	}()
}
