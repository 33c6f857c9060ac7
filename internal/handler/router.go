// Package handler provides the admin HTTP surface of the mail blob store.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-mailblob/internal/domain"
	"github.com/prn-tf/alexander-mailblob/internal/lock"
	"github.com/prn-tf/alexander-mailblob/internal/service"
)

// ConsistencyChecker audits one mailbox.
type ConsistencyChecker interface {
	Check(ctx context.Context, req service.CheckRequest) (*domain.ConsistencyReport, error)
}

// GarbageCollector runs and reports single-instance garbage collection.
type GarbageCollector interface {
	RunOnce(ctx context.Context) service.GCResult
	GetStats(ctx context.Context) (*service.GCStats, error)
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Router serves the admin endpoints.
type Router struct {
	checker          ConsistencyChecker
	gc               GarbageCollector
	health           HealthChecker
	metricsHandler   http.Handler
	metricsPath      string
	defaultCheckSize bool
	logger           zerolog.Logger
}

// RouterConfig contains configuration for the router.
type RouterConfig struct {
	Checker ConsistencyChecker

	// GC is optional; without it the /gc routes are not mounted.
	GC GarbageCollector

	// Health is optional; without it /health always reports healthy.
	Health HealthChecker

	// MetricsHandler is mounted at MetricsPath when set.
	MetricsHandler http.Handler
	MetricsPath    string

	// DefaultCheckSize applies when a request omits check_size.
	DefaultCheckSize bool

	Logger zerolog.Logger
}

// NewRouter creates a new Router.
func NewRouter(config RouterConfig) *Router {
	return &Router{
		checker:          config.Checker,
		gc:               config.GC,
		health:           config.Health,
		metricsHandler:   config.MetricsHandler,
		metricsPath:      config.MetricsPath,
		defaultCheckSize: config.DefaultCheckSize,
		logger:           config.Logger.With().Str("component", "router").Logger(),
	}
}

// Handler returns the main HTTP handler.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(rt.requestLogger)

	// Health check
	r.Get("/health", rt.handleHealth)

	if rt.metricsHandler != nil && rt.metricsPath != "" {
		r.Method(http.MethodGet, rt.metricsPath, rt.metricsHandler)
	}

	r.Post("/mailboxes/{mailboxID}/consistency", rt.handleConsistency)

	if rt.gc != nil {
		r.Get("/gc", rt.handleGCStats)
		r.Post("/gc/run", rt.handleGCRun)
	}

	return r
}

func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		rt.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// handleHealth handles health check requests.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if rt.health != nil {
		if err := rt.health.Health(r.Context()); err != nil {
			rt.logger.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleConsistency runs a consistency check of one mailbox.
// Query parameters: check_size (bool), volumes (comma separated ids),
// report_used (bool).
func (rt *Router) handleConsistency(w http.ResponseWriter, r *http.Request) {
	mailboxID, err := strconv.ParseInt(chi.URLParam(r, "mailboxID"), 10, 64)
	if err != nil || mailboxID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid mailbox id")
		return
	}

	query := r.URL.Query()
	req := service.CheckRequest{MailboxID: mailboxID, CheckSize: rt.defaultCheckSize}

	if v := query.Get("check_size"); v != "" {
		if req.CheckSize, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid check_size")
			return
		}
	}
	if v := query.Get("report_used"); v != "" {
		if req.ReportUsed, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid report_used")
			return
		}
	}
	if req.Volumes, err = parseVolumes(query.Get("volumes")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := rt.checker.Check(r.Context(), req)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			writeError(w, http.StatusConflict, "a consistency check of this mailbox is already running")
			return
		}
		rt.logger.Error().Err(err).Int64("mailbox_id", mailboxID).Msg("consistency check failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (rt *Router) handleGCStats(w http.ResponseWriter, r *http.Request) {
	stats, err := rt.gc.GetStats(r.Context())
	if err != nil {
		rt.logger.Error().Err(err).Msg("failed to read gc stats")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (rt *Router) handleGCRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.gc.RunOnce(r.Context()))
}

// parseVolumes parses a comma separated list of volume ids.
func parseVolumes(s string) ([]int16, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	volumes := make([]int16, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseInt(p, 10, 16)
		if err != nil {
			return nil, errors.New("invalid volume id: " + p)
		}
		volumes = append(volumes, int16(v))
	}
	return volumes, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
