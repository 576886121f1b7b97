package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"dvf-dashboard/internal/config"
	"dvf-dashboard/internal/dataset"
	"dvf-dashboard/internal/middleware"
	"dvf-dashboard/internal/observability"
	"dvf-dashboard/internal/server"
	"dvf-dashboard/internal/services"
	"dvf-dashboard/internal/ui/templates"
)

const (
	renderTimeout         = 10 * time.Second
	loadTimeout           = 2 * time.Minute
	dashboardCacheControl = "no-cache"
)

type dashboardHandler struct {
	analytics *services.Analytics
	logger    *slog.Logger
}

func (h *dashboardHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), renderTimeout)
	defer cancel()

	// Without a dataset the page still renders; the panels show the load error.
	opts, _ := h.analytics.FilterOptions()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", dashboardCacheControl)
	if err := templates.Dashboard(opts).Render(ctx, w); err != nil {
		h.logger.Error("render dashboard", "error", err)
		http.Error(w, "render error", http.StatusInternalServerError)
	}
}

func buildAnalytics(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*services.Analytics, error) {
	loader := dataset.NewLoader(dataset.LoaderOptions{
		Pattern:       cfg.Data.Pattern,
		CacheDir:      cfg.Data.CacheDir,
		Workers:       cfg.Data.Workers,
		ExpectedYears: cfg.Data.ExpectedYears,
		Logger:        observability.Component(logger, "loader"),
		Recorder:      metrics,
	})

	preparer, err := dataset.NewPreparer(dataset.PrepareOptions{
		Bands: dataset.BandPolicy{
			Edges:     cfg.Prepare.BandEdges,
			Labels:    cfg.Prepare.BandLabels,
			Quantiles: cfg.Prepare.BandQuantiles,
		},
		MinPricePerSqm: cfg.Prepare.MinPricePerSqm,
		MaxPricePerSqm: cfg.Prepare.MaxPricePerSqm,
	}, observability.Component(logger, "prepare"))
	if err != nil {
		return nil, err
	}

	return services.NewAnalytics(services.Options{
		DataDir:  cfg.Data.Dir,
		Loader:   loader,
		Preparer: preparer,
		Logger:   observability.Component(logger, "analytics"),
		Recorder: metrics,
	}), nil
}

func buildHandler(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, analytics *services.Analytics) http.Handler {
	templateHandlers := &server.TemplateHandlers{
		Dashboard: (&dashboardHandler{analytics: analytics, logger: logger}).ServeHTTP,
	}
	srv := server.NewServer(analytics, logger, metrics, templateHandlers)

	rateLimiter := middleware.NewRateLimiter(cfg.Security)

	// Metrics wraps the mux directly so the matched route pattern is visible.
	middlewareChain := middleware.Chain(
		middleware.Recovery(logger),
		middleware.RequestID(),
		middleware.Tracing(),
		middleware.Logger(logger),
		middleware.SecurityHeaders(),
		middleware.CORS(cfg.Security),
		middleware.TrustedProxy(cfg.Security),
		middleware.RateLimit(rateLimiter, logger),
		middleware.Metrics(metrics),
	)
	return middlewareChain(srv)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logger)
	slog.SetDefault(logger)

	logger.Info("starting application",
		"version", "1.0.0",
		"data_dir", cfg.Data.Dir,
		"cache_dir", cfg.Data.CacheDir,
		"addr", cfg.Address(),
	)

	tracing, err := observability.SetupTracing(cfg.Tracing, logger)
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}

	metrics := observability.NewMetrics()

	analytics, err := buildAnalytics(cfg, logger, metrics)
	if err != nil {
		logger.Error("invalid preparation settings", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	if err := analytics.Reload(ctx, cfg.Data.ForceRebuild); err != nil {
		logger.Error("initial dataset load failed, serving without data",
			"dir", cfg.Data.Dir,
			"error", err,
		)
	}
	cancel()

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      buildHandler(cfg, logger, metrics, analytics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	gracefulServer := server.NewGracefulServer(httpServer, logger, cfg.Server)
	gracefulServer.RegisterShutdownHook("tracing", tracing.Shutdown)

	if err := gracefulServer.ListenAndServe(context.Background()); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("application stopped gracefully")
}
