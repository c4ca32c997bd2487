package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"cinder/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready   bool   `json:"ready"`
	Backend string `json:"backend"`
	Store   string `json:"store"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready reports whether the store answers. Memory and SQLite are local, so
// this mostly matters for the networked backends.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	resp := ReadyResponse{
		Ready:   true,
		Backend: s.cfg.StoreBackend,
		Store:   "up",
	}
	if err := s.store.Ping(ctx); err != nil {
		util.Error().Err(err).Str("backend", s.cfg.StoreBackend).Msg("store health check failed")
		resp.Ready = false
		resp.Store = "down"
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
