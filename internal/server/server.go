// Package server implements the read-only status HTTP surface for the
// bgpd daemon: a plain JSON API exposing peer protocol state, serving
// the supplemented-feature decision to carry operator introspection
// tooling as an ambient concern even though the spec's own Non-goals
// exclude a CLI as a feature surface.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// StatusSource is the narrow surface the status server needs from the
// runtime: a snapshot of every configured peer's last-known protocol
// state, keyed by remote address string.
type StatusSource interface {
	Statuses() map[string]string
}

// PeerStatus is the JSON shape returned for each peer.
type PeerStatus struct {
	RemoteAddr string `json:"remote_addr"`
	State      string `json:"state"`
}

// StatusServer implements the status HTTP handler.
type StatusServer struct {
	source StatusSource
	logger *slog.Logger
}

// New creates a StatusServer and returns the path/handler pair to mount
// on an *http.ServeMux, with logging and panic-recovery middleware
// applied.
func New(source StatusSource, logger *slog.Logger) (string, http.Handler) {
	srv := &StatusServer{
		source: source,
		logger: logger.With(slog.String("component", "server")),
	}
	return "/v1/peers", RecoveryMiddleware(srv.logger, LoggingMiddleware(srv.logger, http.HandlerFunc(srv.handlePeers)))
}

func (s *StatusServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statuses := s.source.Statuses()
	out := make([]PeerStatus, 0, len(statuses))
	for addr, state := range statuses {
		out = append(out, PeerStatus{RemoteAddr: addr, State: state})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Error("failed to encode peer status response", slog.String("error", err.Error()))
	}
}

// HealthHandler reports liveness unconditionally; readiness is carried
// by systemd's READY notification, not this endpoint.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
