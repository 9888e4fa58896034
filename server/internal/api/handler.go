package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"

	"github.com/streamchecker/streamchecker/pkg/types"
	"github.com/streamchecker/streamchecker/server/internal/alerts"
	"github.com/streamchecker/streamchecker/server/internal/security"
	"github.com/streamchecker/streamchecker/server/internal/selection"
	"github.com/streamchecker/streamchecker/server/internal/service"
	"github.com/streamchecker/streamchecker/server/internal/store"
)

const (
	serviceName = "stream_checker_api"

	// maxBodyBytes bounds the check request body.
	maxBodyBytes = 64 << 10

	retryAfterSeconds = 3600
)

// Service is the check entry point the handler drives. *service.Service
// satisfies it.
type Service interface {
	Submit(ctx context.Context, req service.Request) (*service.Result, error)
	Stats(ctx context.Context, ip string) (service.Stats, error)
	Job(ctx context.Context, testRunID string) (*store.Request, error)
	Results(ctx context.Context, testRunID string) (*types.ResultRecord, error)
	RateLimit() int
}

// AlertSource lists current alerts. *alerts.Engine satisfies it.
type AlertSource interface {
	Active() []*alerts.Alert
}

// Handler is the HTTP handler for all /api/* endpoints.
type Handler struct {
	svc    Service
	alerts AlertSource
	log    *slog.Logger
	mux    *http.ServeMux
}

var bodyValidator = validator.New()

// New creates a Handler and registers all routes. alerts and logger may be nil.
func New(svc Service, al AlertSource, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Handler{svc: svc, alerts: al, log: logger, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/health", h.health)
	h.mux.HandleFunc("/api/streams/check", h.check)
	h.mux.HandleFunc("/api/jobs/", h.jobs) // subtree: {id} and {id}/results
	h.mux.HandleFunc("/api/requests/stats", h.stats)
	h.mux.HandleFunc("/api/alerts", h.listAlerts)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, HealthResponse{Status: "healthy", Service: serviceName})
}

// check handles POST /api/streams/check. The check runs synchronously; the
// response carries the finished record.
func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	req, ok := decodeCheck(r)
	if !ok {
		jsonErr(w, http.StatusBadRequest, "Request body required")
		return
	}
	if err := bodyValidator.Struct(req); err != nil {
		jsonErr(w, http.StatusBadRequest, "URL is required")
		return
	}

	res, err := h.svc.Submit(r.Context(), service.Request{
		URL:       req.URL,
		Tests:     req.Tests,
		Phase:     req.Phase,
		IPAddress: security.ClientIP(r),
		UserAgent: security.UserAgent(r),
		Referer:   r.Referer(),
	})
	switch {
	case err == nil:
	case errors.Is(err, service.ErrRateLimited):
		jsonResp(w, http.StatusTooManyRequests, rateLimitResponse{
			Error:      "Rate limit exceeded",
			Message:    fmt.Sprintf("Maximum %d requests per hour", h.svc.RateLimit()),
			RetryAfter: retryAfterSeconds,
		})
		return
	case errors.Is(err, selection.ErrSelection), errors.Is(err, security.ErrInvalidURL):
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	default:
		h.log.Error("api: check failed", "err", err)
		jsonErr(w, http.StatusInternalServerError, "internal error")
		return
	}

	jsonResp(w, http.StatusOK, CheckResponse{
		TestRunID: res.TestRunID,
		StreamID:  res.StreamID,
		Status:    "completed",
		Results:   res.Record,
	})
}

// jobs serves GET /api/jobs/{testRunId} and GET /api/jobs/{testRunId}/results.
func (h *Handler) jobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" || (sub != "" && sub != "results") {
		jsonErr(w, http.StatusNotFound, "not found")
		return
	}

	if sub == "results" {
		rec, err := h.svc.Results(r.Context(), id)
		if err != nil {
			h.lookupErr(w, err, "Results not found")
			return
		}
		jsonResp(w, http.StatusOK, ResultsResponse{TestRunID: id, Results: rec})
		return
	}

	req, err := h.svc.Job(r.Context(), id)
	if err != nil {
		h.lookupErr(w, err, "Job not found")
		return
	}
	jsonResp(w, http.StatusOK, JobResponse{
		TestRunID:        id,
		Status:           "completed",
		RequestTimestamp: req.RequestedAt.UTC(),
	})
}

// stats returns GET /api/requests/stats for the calling client.
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st, err := h.svc.Stats(r.Context(), security.ClientIP(r))
	if err != nil {
		h.log.Error("api: request stats failed", "err", err)
		jsonErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	jsonResp(w, http.StatusOK, st)
}

// listAlerts returns GET /api/alerts.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.alerts == nil {
		jsonResp(w, http.StatusOK, []struct{}{})
		return
	}
	jsonResp(w, http.StatusOK, h.alerts.Active())
}

// --- helpers ----------------------------------------------------------------

// decodeCheck parses the check body. A missing, malformed, null or empty
// object body is rejected. A url that is not a string counts as missing.
func decodeCheck(r *http.Request) (*checkRequest, bool) {
	var raw map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&raw); err != nil || len(raw) == 0 {
		return nil, false
	}
	req := &checkRequest{Tests: raw["tests"], Phase: raw["phase"]}
	req.URL, _ = raw["url"].(string)
	return req, true
}

func (h *Handler) lookupErr(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, store.ErrNotFound) {
		jsonErr(w, http.StatusNotFound, notFound)
		return
	}
	h.log.Error("api: lookup failed", "err", err)
	jsonErr(w, http.StatusInternalServerError, "internal error")
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
