// Package server is the HTTP edge: REST surfaces for the scheduler,
// collector, strategies, and trading engines, plus the socket endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/avendel/cryptodesk/internal/config"
	"github.com/avendel/cryptodesk/internal/database"
	"github.com/avendel/cryptodesk/internal/domain"
	"github.com/avendel/cryptodesk/internal/hub"
	"github.com/avendel/cryptodesk/internal/modules/collector"
	"github.com/avendel/cryptodesk/internal/modules/marketdata"
	"github.com/avendel/cryptodesk/internal/modules/paper"
	"github.com/avendel/cryptodesk/internal/modules/strategy"
	"github.com/avendel/cryptodesk/internal/modules/symbols"
	"github.com/avendel/cryptodesk/internal/modules/trading"
	"github.com/avendel/cryptodesk/internal/scheduler"
)

// Deps carries everything the HTTP surface needs. All services are
// constructed in main and shared with the scheduler jobs.
type Deps struct {
	Log        zerolog.Logger
	Config     *config.Config
	DB         *database.DB
	Scheduler  scheduler.Scheduler
	Logs       *scheduler.LogRepository
	Collector  *collector.Service
	Strategies *strategy.Service
	Portfolios *paper.Service
	Router     *trading.Router
	Candles    *marketdata.CandleRepository
	Indicators *marketdata.IndicatorRepository
	Symbols    *symbols.Registry
	Hub        *hub.Hub
}

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	deps   Deps
}

// New creates the server and mounts every route.
func New(deps Deps) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    deps.Log.With().Str("component", "server").Logger(),
		deps:   deps,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", deps.Config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// The socket paths are long-lived; the timeout middleware only
		// wraps the request/response surface.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/system/status", s.handleSystemStatus)

			r.Route("/scheduler", func(r chi.Router) {
				r.Get("/jobs", s.handleListJobs)
				r.Get("/jobs/{id}", s.handleGetJob)
				r.Post("/jobs/{id}/trigger", s.handleTriggerJob)
				r.Post("/jobs/{id}/pause", s.handlePauseJob)
				r.Post("/jobs/{id}/resume", s.handleResumeJob)
				r.Delete("/jobs/{id}", s.handleRemoveJob)
				r.Get("/logs", s.handleExecutionLogs)
				r.Get("/stats", s.handleSchedulerStats)
			})

			r.Route("/collector/configs", func(r chi.Router) {
				r.Get("/", s.handleListConfigs)
				r.Post("/", s.handleCreateConfig)
				r.Get("/{id}", s.handleGetConfig)
				r.Put("/{id}", s.handleUpdateConfig)
				r.Delete("/{id}", s.handleDeleteConfig)
				r.Post("/{id}/enable", s.handleEnableConfig)
				r.Post("/{id}/disable", s.handleDisableConfig)
				r.Post("/{id}/collect", s.handleCollectNow)
			})

			r.Route("/strategies", func(r chi.Router) {
				r.Get("/", s.handleListStrategies)
				r.Post("/", s.handleCreateStrategy)
				r.Get("/{id}", s.handleGetStrategy)
				r.Put("/{id}", s.handleUpdateStrategy)
				r.Delete("/{id}", s.handleDeleteStrategy)
				r.Post("/{id}/control", s.handleControlStrategy)
				r.Get("/{id}/signals", s.handleStrategySignals)
				r.Get("/types", s.handleStrategyTypes)
			})

			r.Route("/trading", func(r chi.Router) {
				r.Post("/portfolios", s.handleCreatePortfolio)
				r.Get("/portfolios", s.handleListPortfolios)
				r.Route("/portfolios/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetPortfolio)
					r.Get("/positions", s.handlePositions)
					r.Get("/balances", s.handleBalances)
					r.Get("/balances/{asset}", s.handleBalance)
					r.Get("/trades", s.handleTradeHistory)
					r.Post("/buy", s.handleBuy)
					r.Post("/sell", s.handleSell)
					r.Post("/close", s.handleClosePosition)
					r.Post("/stop-loss", s.handleSetStopLoss)
					r.Post("/take-profit", s.handleSetTakeProfit)
					r.Post("/mark-to-market", s.handleMarkToMarket)
				})
			})

			r.Route("/market", func(r chi.Router) {
				r.Get("/candles/{symbol}/{timeframe}", s.handleCandles)
				r.Get("/indicators/{symbol}/{timeframe}/{name}", s.handleIndicator)
				r.Get("/symbols/popular", s.handlePopularSymbols)
				r.Get("/symbols/{symbol}", s.handleSymbolInfo)
			})
		})
	})

	s.router.Route("/ws", func(r chi.Router) {
		r.Get("/portfolio", s.deps.Hub.Handler(hub.TopicPortfolio))
		r.Get("/orders", s.deps.Hub.Handler(hub.TopicOrders))
		r.Get("/market_data", s.deps.Hub.Handler(hub.TopicMarketData))
		r.Get("/notifications", s.deps.Hub.Handler(hub.TopicNotifications))
	})
}

// Start starts the HTTP server. Blocks until shutdown.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.deps.Config.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.DB.HealthCheck(r.Context()); err != nil {
		s.writeError(w, domain.WrapError(domain.KindTransient, "database unavailable", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "cryptodesk",
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps a kinded error to its status code. Internal causes are
// logged but not leaked to the client.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := domain.HTTPStatus(err)
	kind := domain.KindOf(err)

	msg := err.Error()
	if status >= 500 {
		s.log.Error().Err(err).Msg("Request failed")
		msg = "internal error"
	}

	s.writeJSON(w, status, map[string]interface{}{
		"error": msg,
		"kind":  string(kind),
	})
}

// decodeJSON decodes a request body, rejecting unknown fields.
func (s *Server) decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.WrapError(domain.KindBadRequest, "invalid request body", err)
	}
	return nil
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
