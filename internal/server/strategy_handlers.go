package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/avendel/cryptodesk/internal/domain"
	"github.com/avendel/cryptodesk/internal/modules/strategy"
)

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	strategies, err := s.deps.Strategies.List(r.URL.Query().Get("owner"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": strategies,
		"count":      len(strategies),
	})
}

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var strat strategy.Strategy
	if err := s.decodeJSON(r, &strat); err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.deps.Strategies.Create(strat)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	strat, err := s.deps.Strategies.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, strat)
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	var strat strategy.Strategy
	if err := s.decodeJSON(r, &strat); err != nil {
		s.writeError(w, err)
		return
	}
	strat.ID = chi.URLParam(r, "id")
	updated, err := s.deps.Strategies.Update(strat)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Strategies.Delete(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleControlStrategy drives the lifecycle: start, stop, pause, resume.
func (s *Server) handleControlStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	var err error
	switch req.Action {
	case "start":
		err = s.deps.Strategies.Start(id)
	case "stop":
		err = s.deps.Strategies.Stop(id)
	case "pause":
		err = s.deps.Strategies.Pause(id)
	case "resume":
		err = s.deps.Strategies.Resume(id)
	default:
		err = domain.Errorf(domain.KindBadRequest, "unknown action %q", req.Action)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	strat, err := s.deps.Strategies.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, strat)
}

func (s *Server) handleStrategySignals(w http.ResponseWriter, r *http.Request) {
	signals, err := s.deps.Strategies.Signals(chi.URLParam(r, "id"), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"signals": signals,
		"count":   len(signals),
	})
}

func (s *Server) handleStrategyTypes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"types": strategy.HandlerNames(),
	})
}
