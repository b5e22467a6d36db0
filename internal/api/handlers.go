package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sokoni/llm-router/internal/cache"
	"github.com/sokoni/llm-router/internal/health"
	"github.com/sokoni/llm-router/internal/router"
	"github.com/sokoni/llm-router/internal/usage"
)

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Server exposes the routing engine over HTTP.
type Server struct {
	dispatcher  *router.Dispatcher
	recorder    *usage.Recorder
	tracker     *health.Tracker
	cache       *cache.Store
	log         *zap.Logger
	adminSecret string
}

func NewServer(
	dispatcher *router.Dispatcher,
	recorder *usage.Recorder,
	tracker *health.Tracker,
	cacheStore *cache.Store,
	log *zap.Logger,
	adminSecret string,
) *Server {
	return &Server{
		dispatcher:  dispatcher,
		recorder:    recorder,
		tracker:     tracker,
		cache:       cacheStore,
		log:         log,
		adminSecret: adminSecret,
	}
}

// Routes builds the full HTTP router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/dispatch", s.Dispatch)
		r.Get("/analytics/{tenant}", s.GetAnalytics)
		r.Get("/health/providers", s.GetProviderHealth)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.AdminAuth)
		r.Post("/cache/global", s.SeedGlobalCache)
	})

	return r
}

// Dispatch routes one inference request.
func (s *Server) Dispatch(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	var req router.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := s.dispatcher.Dispatch(r.Context(), &req)
	if err != nil {
		s.log.Warn("dispatch failed",
			zap.String("request_id", requestID),
			zap.String("tenant", req.TenantID),
			zap.Error(err))

		switch {
		case errors.Is(err, router.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		case isExhaustion(err):
			writeError(w, http.StatusBadGateway, err.Error())
		case errors.Is(err, context.Canceled):
			// Client went away; the status is for the access log only.
			writeError(w, http.StatusRequestTimeout, "request cancelled")
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "dispatch deadline exceeded")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.Header().Set("X-Request-Id", requestID)
	writeJSON(w, http.StatusOK, resp)
}

func isExhaustion(err error) bool {
	var failed *router.AllProvidersFailed
	return errors.As(err, &failed)
}

// GetAnalytics returns a tenant's usage summary. The window defaults to
// the trailing 30 days; since/until accept YYYY-MM-DD dates and until is
// inclusive of the named day.
func (s *Server) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)

	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse("2006-01-02", since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be YYYY-MM-DD")
			return
		}
		start = t
	}
	if until := r.URL.Query().Get("until"); until != "" {
		t, err := time.Parse("2006-01-02", until)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be YYYY-MM-DD")
			return
		}
		end = t.AddDate(0, 0, 1)
	}

	analytics, err := s.recorder.Analytics(r.Context(), tenant, start, end)
	if err != nil {
		s.log.Error("analytics query failed", zap.String("tenant", tenant), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to compute analytics")
		return
	}

	writeJSON(w, http.StatusOK, analytics)
}

// GetProviderHealth lists health records for a region (default US).
func (s *Server) GetProviderHealth(w http.ResponseWriter, r *http.Request) {
	region := r.URL.Query().Get("region")
	if region == "" {
		region = "US"
	}

	rows, err := s.tracker.Snapshot(r.Context(), region)
	if err != nil {
		s.log.Error("health snapshot failed", zap.String("region", region), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to read provider health")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"region":    region,
		"providers": rows,
	})
}

// SeedGlobalCache writes a global cache entry every tenant can hit.
func (s *Server) SeedGlobalCache(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fingerprint string   `json:"fingerprint"`
		Content     string   `json:"content"`
		Provider    string   `json:"provider"`
		Model       string   `json:"model"`
		TotalTokens int64    `json:"total_tokens"`
		CostUSD     float64  `json:"cost_usd"`
		TTLSeconds  int64    `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Fingerprint == "" || body.Content == "" {
		writeError(w, http.StatusBadRequest, "fingerprint and content are required")
		return
	}

	payload := &cache.Payload{
		Content:     body.Content,
		Provider:    body.Provider,
		Model:       body.Model,
		TotalTokens: body.TotalTokens,
		CostUSD:     body.CostUSD,
		Currency:    "USD",
	}
	ttl := time.Duration(body.TTLSeconds) * time.Second
	if err := s.cache.PutGlobal(r.Context(), body.Fingerprint, payload, ttl); err != nil {
		s.log.Error("global cache seed failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to seed cache")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

// HealthCheck reports service liveness.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
