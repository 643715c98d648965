package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/avendel/cryptodesk/internal/modules/collector"
)

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.deps.Collector.ListConfigs()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"configs": configs,
		"count":   len(configs),
	})
}

func (s *Server) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg collector.DataCollectionConfig
	if err := s.decodeJSON(r, &cfg); err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.deps.Collector.CreateConfig(cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Collector.GetConfig(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg collector.DataCollectionConfig
	if err := s.decodeJSON(r, &cfg); err != nil {
		s.writeError(w, err)
		return
	}
	cfg.ID = chi.URLParam(r, "id")
	updated, err := s.deps.Collector.UpdateConfig(cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Collector.DeleteConfig(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleEnableConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Collector.EnableConfig(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (s *Server) handleDisableConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Collector.DisableConfig(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

// handleCollectNow runs one collection pass inline rather than through the
// scheduler, so the caller sees the outcome directly.
func (s *Server) handleCollectNow(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Collector.Collect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "collected",
		"records": records,
	})
}
