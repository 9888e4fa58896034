package service

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/streamchecker/streamchecker/pkg/types"
	"github.com/streamchecker/streamchecker/server/internal/pipeline"
	"github.com/streamchecker/streamchecker/server/internal/security"
	"github.com/streamchecker/streamchecker/server/internal/selection"
	"github.com/streamchecker/streamchecker/server/internal/store"
)

// ErrRateLimited is returned when the client has used its hourly allowance.
var ErrRateLimited = errors.New("Rate limit exceeded")

// Rate accounting windows.
const (
	hour = time.Hour
	day  = 24 * time.Hour
)

// URLValidator admits or rejects stream URLs.
type URLValidator interface {
	Validate(ctx context.Context, raw string) error
}

// Orchestrator runs the stages of one check.
type Orchestrator interface {
	Orchestrate(ctx context.Context, job pipeline.Job, sel selection.Selection) *types.ResultRecord
}

// Request is one check submission.
type Request struct {
	URL   string
	Tests interface{}
	Phase interface{}

	IPAddress string
	UserAgent string
	Referer   string

	// Unlimited skips rate accounting. Used by the scheduler.
	Unlimited bool
}

// Result is a finished check.
type Result struct {
	TestRunID string
	StreamID  string
	Record    *types.ResultRecord
}

// Stats is a client's request accounting.
type Stats struct {
	IPAddress         string `json:"ipAddress"`
	RequestsLastHour  int    `json:"requestsLastHour"`
	RequestsLastDay   int    `json:"requestsLastDay"`
	RateLimitPerHour  int    `json:"rateLimitPerHour"`
	RemainingThisHour int    `json:"remainingThisHour"`
}

// Settings are the values that may change on configuration reload.
type Settings struct {
	MaxRequestsPerHour int
	Defaults           types.CheckConfig
	Validator          URLValidator
}

// Service runs pre-flight checks and orchestrates accepted requests.
type Service struct {
	store store.Store
	coord Orchestrator
	log   *slog.Logger
	now   func() time.Time
	newID func() string

	mu       sync.RWMutex
	settings Settings
}

// New returns a Service. logger may be nil.
func New(st store.Store, coord Orchestrator, settings Settings, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		store:    st,
		coord:    coord,
		log:      logger,
		now:      time.Now,
		newID:    security.NewTestRunID,
		settings: settings,
	}
}

// Reconfigure swaps the reloadable settings. Runs already in flight keep the
// settings they started with.
func (s *Service) Reconfigure(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

func (s *Service) current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// RateLimit returns the per-IP hourly allowance.
func (s *Service) RateLimit() int {
	return s.current().MaxRequestsPerHour
}

// Submit validates req and, if it is admitted, runs the check to completion.
// The returned error is nil, or wraps selection.ErrSelection,
// ErrRateLimited or security.ErrInvalidURL; stage failures are part of the
// returned record instead.
func (s *Service) Submit(ctx context.Context, req Request) (*Result, error) {
	settings := s.current()
	url := strings.TrimSpace(req.URL)
	if url == "" {
		return nil, errors.Mark(errors.New("URL is required"), security.ErrInvalidURL)
	}

	sel, err := selection.Resolve(selection.Input{Tests: req.Tests, Phase: req.Phase}, settings.Defaults)
	if err != nil {
		return nil, err
	}

	if !req.Unlimited {
		if err := s.checkRate(ctx, req.IPAddress, settings.MaxRequestsPerHour); err != nil {
			return nil, err
		}
	}

	if settings.Validator != nil {
		if err := settings.Validator.Validate(ctx, url); err != nil {
			return nil, err
		}
	}

	job := pipeline.Job{TestRunID: s.newID(), StreamID: security.StreamID(url), URL: url}
	log := s.log.With("test_run_id", job.TestRunID, "stream_id", job.StreamID)

	if err := s.store.LogRequest(ctx, store.Request{
		TestRunID:   job.TestRunID,
		IPAddress:   req.IPAddress,
		UserAgent:   req.UserAgent,
		Referer:     req.Referer,
		StreamURL:   url,
		RequestedAt: s.now(),
	}); err != nil {
		log.Warn("service: request log failed", "err", err)
	}
	if err := s.store.AddStream(ctx, job.StreamID, url); err != nil {
		log.Warn("service: stream catalog update failed", "err", err)
	}

	log.Info("service: check accepted", "ip", req.IPAddress, "tests", sel.Requested())
	rec := s.coord.Orchestrate(ctx, job, sel)
	return &Result{TestRunID: job.TestRunID, StreamID: job.StreamID, Record: rec}, nil
}

// checkRate rejects ip once it has reached limit requests in the last hour.
// Accounting failures admit the request.
func (s *Service) checkRate(ctx context.Context, ip string, limit int) error {
	if limit <= 0 {
		return nil
	}
	n, err := s.store.RequestCount(ctx, ip, hour)
	if err != nil {
		s.log.Warn("service: rate accounting unavailable", "ip", ip, "err", err)
		return nil
	}
	if n >= limit {
		s.log.Info("service: rate limit exceeded", "ip", ip, "count", n, "limit", limit)
		return ErrRateLimited
	}
	return nil
}

// Stats returns the request accounting for ip.
func (s *Service) Stats(ctx context.Context, ip string) (Stats, error) {
	lastHour, err := s.store.RequestCount(ctx, ip, hour)
	if err != nil {
		return Stats{}, err
	}
	lastDay, err := s.store.RequestCount(ctx, ip, day)
	if err != nil {
		return Stats{}, err
	}
	limit := s.RateLimit()
	remaining := limit - lastHour
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		IPAddress:         ip,
		RequestsLastHour:  lastHour,
		RequestsLastDay:   lastDay,
		RateLimitPerHour:  limit,
		RemainingThisHour: remaining,
	}, nil
}

// Job returns the logged request for a run, or store.ErrNotFound.
func (s *Service) Job(ctx context.Context, testRunID string) (*store.Request, error) {
	return s.store.FindRequest(ctx, testRunID)
}

// Results returns the latest persisted record of a run, or store.ErrNotFound.
func (s *Service) Results(ctx context.Context, testRunID string) (*types.ResultRecord, error) {
	return s.store.LatestResult(ctx, testRunID)
}
