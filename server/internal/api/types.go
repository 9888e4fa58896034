package api

import (
	"time"

	"github.com/streamchecker/streamchecker/pkg/types"
)

// checkRequest is the body of POST /api/streams/check. Tests and Phase keep
// whatever JSON produced; nil means absent.
type checkRequest struct {
	URL   string      `json:"url" validate:"required"`
	Tests interface{} `json:"tests"`
	Phase interface{} `json:"phase"`
}

// HealthResponse is the payload for GET /api/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// CheckResponse is the payload for a completed POST /api/streams/check.
type CheckResponse struct {
	TestRunID string              `json:"testRunId"`
	StreamID  string              `json:"streamId"`
	Status    string              `json:"status"`
	Results   *types.ResultRecord `json:"results"`
}

// JobResponse is the payload for GET /api/jobs/{testRunId}.
type JobResponse struct {
	TestRunID        string    `json:"testRunId"`
	Status           string    `json:"status"`
	RequestTimestamp time.Time `json:"requestTimestamp"`
}

// ResultsResponse is the payload for GET /api/jobs/{testRunId}/results.
type ResultsResponse struct {
	TestRunID string              `json:"testRunId"`
	Results   *types.ResultRecord `json:"results"`
}

// rateLimitResponse is the 429 body.
type rateLimitResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"` // seconds
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
