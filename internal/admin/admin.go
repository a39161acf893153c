// Package admin exposes a read-only JSON status surface over the
// Manager's listeners: current live session counts per listener and
// overall, for operators and monitoring.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/aixiwang/maproxy/internal/manager"
)

// Server serves GET /status and GET /healthz over the Manager's state.
type Server struct {
	mgr    *manager.Manager
	logger zerolog.Logger
	http   *http.Server
}

// New builds an admin Server bound to addr, not yet listening.
func New(addr string, mgr *manager.Manager, logger zerolog.Logger) *Server {
	s := &Server{mgr: mgr, logger: logger.With().Str("component", "admin").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)

	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// ListenAndServe blocks, serving until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("admin server started")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the admin server immediately; it carries no session
// state of its own, so it needs no graceful drain.
func (s *Server) Shutdown() error {
	return s.http.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type listenerStatus struct {
	Address      string `json:"address"`
	LiveSessions int    `json:"live_sessions"`
}

type statusResponse struct {
	Listeners    []listenerStatus `json:"listeners"`
	LiveSessions int              `json:"live_sessions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	listeners := s.mgr.Listeners()
	resp := statusResponse{Listeners: make([]listenerStatus, 0, len(listeners))}

	for _, ln := range listeners {
		count := ln.LiveSessionCount()
		resp.LiveSessions += count
		resp.Listeners = append(resp.Listeners, listenerStatus{
			Address:      ln.Address(),
			LiveSessions: count,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("encode status response")
	}
}
