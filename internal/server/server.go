package server

import (
	"log/slog"
	"net/http"

	"dvf-dashboard/internal/handlers"
	"dvf-dashboard/internal/observability"
	"dvf-dashboard/internal/services"
)

type Server struct {
	analytics   *services.Analytics
	mux         *http.ServeMux
	logger      *slog.Logger
	metrics     *observability.Metrics
	apiHandlers *handlers.APIHandlers
	sseHandlers *handlers.SSEHandlers
}

type TemplateHandlers struct {
	Dashboard http.HandlerFunc
}

// NewServer registers every dashboard route. metrics may be nil, in which
// case /metrics is not served and SSE streams are not counted.
func NewServer(analytics *services.Analytics, logger *slog.Logger, metrics *observability.Metrics, templateHandlers *TemplateHandlers) *Server {
	var conns handlers.ConnectionTracker
	if metrics != nil {
		conns = metrics
	}
	s := &Server{
		analytics:   analytics,
		mux:         http.NewServeMux(),
		logger:      logger,
		metrics:     metrics,
		apiHandlers: handlers.NewAPIHandlers(analytics, logger),
		sseHandlers: handlers.NewSSEHandlers(analytics, logger, conns),
	}
	s.setupRoutes(templateHandlers)
	return s
}

func (s *Server) setupRoutes(templateHandlers *TemplateHandlers) {
	s.mux.HandleFunc("GET /{$}", templateHandlers.Dashboard)
	s.mux.HandleFunc("GET /health", s.apiHandlers.HandleHealth)
	s.mux.HandleFunc("GET /admin/stats", s.apiHandlers.HandleStats)
	s.mux.HandleFunc("POST /admin/reload", s.apiHandlers.HandleReload)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux.HandleFunc("GET /api/overview", s.apiHandlers.HandleOverview)
	s.mux.HandleFunc("GET /api/wards", s.apiHandlers.HandleWards)
	s.mux.HandleFunc("GET /api/trajectory", s.apiHandlers.HandleTrajectory)
	s.mux.HandleFunc("GET /api/quarters", s.apiHandlers.HandleQuarters)
	s.mux.HandleFunc("GET /api/bands", s.apiHandlers.HandleBands)
	s.mux.HandleFunc("GET /api/mix", s.apiHandlers.HandleMix)
	s.mux.HandleFunc("GET /api/map", s.apiHandlers.HandleMap)
	s.mux.HandleFunc("GET /api/filters", s.apiHandlers.HandleFilters)
	s.mux.HandleFunc("GET /api/coverage", s.apiHandlers.HandleCoverage)

	// Datastar SSE endpoints
	s.mux.HandleFunc("GET /sse/overview", s.sseHandlers.HandleOverview)
	s.mux.HandleFunc("GET /sse/wards", s.sseHandlers.HandleWards)
	s.mux.HandleFunc("GET /sse/trajectory", s.sseHandlers.HandleTrajectory)
	s.mux.HandleFunc("GET /sse/bands", s.sseHandlers.HandleBands)
	s.mux.HandleFunc("GET /sse/refresh-all", s.sseHandlers.HandleRefreshAll)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
