package handlers

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"dvf-dashboard/internal/dataset"
	"dvf-dashboard/internal/errors"
	"dvf-dashboard/internal/services"
)

const (
	cacheControl = "public, max-age=300"
	maxMapLimit  = 20000
	reloadBudget = 5 * time.Minute
)

type APIHandlers struct {
	analytics *services.Analytics
	logger    *slog.Logger
}

func NewAPIHandlers(analytics *services.Analytics, logger *slog.Logger) *APIHandlers {
	return &APIHandlers{
		analytics: analytics,
		logger:    logger,
	}
}

// writeFailure maps service and loader errors onto the JSON error envelope.
func writeFailure(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	errors.WriteError(w, r, logger, classify(err))
}

// classify picks the envelope code. A load failure that left the dashboard
// without data reports the load error rather than the generic not-loaded one.
func classify(err error) *errors.AppError {
	var appErr *errors.AppError
	switch {
	case stderrors.As(err, &appErr):
		return appErr
	case stderrors.Is(err, services.ErrInvalidFilter):
		return errors.ValidationWrap(err, err.Error())
	case stderrors.Is(err, services.ErrReloadInProgress):
		return errors.Wrap(err, errors.CodeReloadInProgress, "a reload is already running")
	case stderrors.Is(err, dataset.ErrDataSourceMissing), stderrors.Is(err, dataset.ErrSchemaMismatch):
		return errors.FromLoad(err)
	case stderrors.Is(err, services.ErrNotLoaded):
		return errors.Wrap(err, errors.CodeServiceUnavail, "dataset is not loaded yet")
	default:
		return errors.FromLoad(err)
	}
}

func writeCached(w http.ResponseWriter, data any) {
	w.Header().Set("Cache-Control", cacheControl)
	errors.WriteSuccess(w, data)
}

// serve runs a filtered query and writes its result.
func serve[T any](h *APIHandlers, query func(services.Filter) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := ParseFilter(r)
		if err != nil {
			writeFailure(w, r, h.logger, err)
			return
		}
		data, err := query(f)
		if err != nil {
			writeFailure(w, r, h.logger, err)
			return
		}
		writeCached(w, data)
	}
}

func (h *APIHandlers) HandleOverview(w http.ResponseWriter, r *http.Request) {
	serve(h, h.analytics.Overview)(w, r)
}

func (h *APIHandlers) HandleWards(w http.ResponseWriter, r *http.Request) {
	serve(h, h.analytics.WardRanking)(w, r)
}

func (h *APIHandlers) HandleTrajectory(w http.ResponseWriter, r *http.Request) {
	serve(h, h.analytics.Trajectory)(w, r)
}

func (h *APIHandlers) HandleQuarters(w http.ResponseWriter, r *http.Request) {
	serve(h, h.analytics.QuarterTrend)(w, r)
}

func (h *APIHandlers) HandleBands(w http.ResponseWriter, r *http.Request) {
	serve(h, h.analytics.BandDistribution)(w, r)
}

func (h *APIHandlers) HandleMix(w http.ResponseWriter, r *http.Request) {
	serve(h, h.analytics.Mix)(w, r)
}

func (h *APIHandlers) HandleMap(w http.ResponseWriter, r *http.Request) {
	limit := services.DefaultMapLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxMapLimit {
			writeFailure(w, r, h.logger, errors.BadRequest("limit must be between 1 and "+strconv.Itoa(maxMapLimit)))
			return
		}
		limit = n
	}
	serve(h, func(f services.Filter) (any, error) {
		return h.analytics.MapPoints(f, limit)
	})(w, r)
}

func (h *APIHandlers) HandleFilters(w http.ResponseWriter, r *http.Request) {
	opts, err := h.analytics.FilterOptions()
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	def, err := h.analytics.DefaultFilter()
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	writeCached(w, map[string]any{
		"options":  opts,
		"defaults": def,
	})
}

func (h *APIHandlers) HandleCoverage(w http.ResponseWriter, r *http.Request) {
	cov, err := h.analytics.Coverage()
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	errors.WriteSuccess(w, map[string]any{
		"expected": cov.Expected,
		"found":    cov.Found,
		"missing":  cov.Missing,
		"complete": cov.Complete(),
	})
}

func (h *APIHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"version":   "1.0.0",
	}
	code := http.StatusOK
	if !h.analytics.Ready() {
		body["status"] = "loading"
		code = http.StatusServiceUnavailable
		if err := h.analytics.LastError(); err != nil {
			body["status"] = "no_data"
			body["error"] = err.Error()
		}
	}

	errors.WriteSuccessStatus(w, code, body)
}

func (h *APIHandlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.analytics.Stats()
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	errors.WriteSuccess(w, stats)
}

// HandleReload rebuilds the dataset; force=true bypasses the cache.
func (h *APIHandlers) HandleReload(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeFailure(w, r, h.logger, errors.BadRequest("force must be a boolean"))
			return
		}
		force = b
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), reloadBudget)
	defer cancel()

	if err := h.analytics.Reload(ctx, force); err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	stats, err := h.analytics.Stats()
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	errors.WriteSuccess(w, stats)
}
