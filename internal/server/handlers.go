package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/apperrors"
	"github.com/xkilldash9x/scalpel-review/internal/status"
)

// maxBodyBytes bounds an analyze request body.
const maxBodyBytes = 4 << 20

// Handlers serves the review API on top of an Analyzer.
type Handlers struct {
	log      *zap.Logger
	analyzer Analyzer
	// analyzeLimiter throttles POST /analyze when set.
	analyzeLimiter *rate.Limiter
}

// NewHandlers creates the API handlers.
func NewHandlers(logger *zap.Logger, analyzer Analyzer) *Handlers {
	return &Handlers{
		log:      logger.Named("handlers"),
		analyzer: analyzer,
	}
}

// RegisterRoutes mounts the API on the given router.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(h.limitAnalyze).Post("/analyze", h.HandleAnalyze)
		r.Get("/analyses", h.HandleListAnalyses)
		r.Get("/analyses/{id}", h.HandleGetAnalysis)
		r.Get("/engines", h.HandleEngines)
		r.Get("/queues", h.HandleQueues)
		r.Get("/cache/stats", h.HandleCacheStats)
		r.Delete("/cache", h.HandleClearCache)
	})
}

// HandleHealthCheck reports liveness.
func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondWithSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

// limitAnalyze rejects analyze requests beyond the configured rate with 429.
func (h *Handlers) limitAnalyze(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.analyzeLimiter != nil && !h.analyzeLimiter.Allow() {
			w.Header().Set("Retry-After", "1")
			h.respondWithError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many analyze requests, retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleAnalyze runs a single-engine or combined analysis synchronously.
func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "", fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	switch {
	case len(req.Engines) > 0 || req.Engine == combinedEngine:
		res, err := h.analyzer.AnalyzeMulti(r.Context(), req.Engines, &req.AnalysisRequest)
		if err != nil {
			h.respondWithAppError(w, err)
			return
		}
		h.respondWithSuccess(w, http.StatusOK, res)
	case req.Engine != "":
		res, err := h.analyzer.Analyze(r.Context(), req.Engine, &req.AnalysisRequest)
		if err != nil {
			h.respondWithAppError(w, err)
			return
		}
		h.respondWithSuccess(w, http.StatusOK, res)
	default:
		h.respondWithError(w, http.StatusBadRequest, apperrors.KindValidation.Code(), "engine or engines is required")
	}
}

// HandleGetAnalysis returns the lifecycle entry of one analysis.
func (h *Handlers) HandleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := h.analyzer.Status(id)
	if err != nil {
		h.respondWithAppError(w, err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, entry)
}

// HandleListAnalyses lists retained analyses, optionally filtered by ?state=.
func (h *Handlers) HandleListAnalyses(w http.ResponseWriter, r *http.Request) {
	state := schemas.AnalysisState(r.URL.Query().Get("state"))
	switch state {
	case "", schemas.StatePending, schemas.StateInProgress, schemas.StateCompleted, schemas.StateFailed:
	default:
		h.respondWithError(w, http.StatusBadRequest, apperrors.KindValidation.Code(), fmt.Sprintf("unknown state %q", state))
		return
	}
	h.respondWithSuccess(w, http.StatusOK, h.analyzer.ListStatus(state))
}

// HandleEngines reports which engine executables resolve and validate.
func (h *Handlers) HandleEngines(w http.ResponseWriter, r *http.Request) {
	h.respondWithSuccess(w, http.StatusOK, h.analyzer.Detect())
}

// HandleQueues reports per-engine admission queue depth.
func (h *Handlers) HandleQueues(w http.ResponseWriter, r *http.Request) {
	h.respondWithSuccess(w, http.StatusOK, h.analyzer.QueueStats())
}

// HandleCacheStats reports cache counters.
func (h *Handlers) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.analyzer.CacheStats(r.Context())
	if err != nil {
		h.respondWithAppError(w, err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, stats)
}

// HandleClearCache drops every entry, or only those of ?source=.
func (h *Handlers) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	n, err := h.analyzer.ClearCache(r.Context(), source)
	if err != nil {
		h.respondWithAppError(w, err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, map[string]any{"removed": n, "source": source})
}

// statusFor maps an error to its HTTP status code.
func statusFor(err error) int {
	if errors.Is(err, status.ErrNotFound) {
		return http.StatusNotFound
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindSecurity:
		return http.StatusForbidden
	case apperrors.KindTimeout:
		return http.StatusGatewayTimeout
	case apperrors.KindCLIExecution, apperrors.KindParse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) respondWithAppError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("Request failed", zap.Error(err))
	} else {
		h.log.Debug("Request rejected", zap.Int("status", code), zap.Error(err))
	}
	errCode := apperrors.Code(err)
	if code == http.StatusNotFound {
		errCode = "NOT_FOUND"
	}
	h.respondWithError(w, code, errCode, err.Error())
}

// respondWithError sends a standardized JSON error response.
func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, code, message string) {
	h.respondWithStatus(w, statusCode, Response{Status: "error", Error: message, Code: code})
}

// respondWithSuccess sends a standardized JSON success response.
func (h *Handlers) respondWithSuccess(w http.ResponseWriter, statusCode int, data any) {
	h.respondWithStatus(w, statusCode, Response{Status: "success", Data: data})
}

func (h *Handlers) respondWithStatus(w http.ResponseWriter, statusCode int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
