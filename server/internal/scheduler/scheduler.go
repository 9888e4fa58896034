package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"github.com/streamchecker/streamchecker/server/internal/config"
	"github.com/streamchecker/streamchecker/server/internal/service"
)

// ClientIP is the address recorded for scheduled checks.
const ClientIP = "scheduler"

const userAgent = "streamcheck-scheduler"

// Submitter runs one check. *service.Service satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req service.Request) (*service.Result, error)
}

// Scheduler owns a cron instance whose entries are replaced on Load.
type Scheduler struct {
	sub  Submitter
	log  *slog.Logger
	cron *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	entries []cron.EntryID
}

// New returns a Scheduler. logger may be nil.
func New(sub Submitter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cl := cronLogger{logger}
	return &Scheduler{
		sub: sub,
		log: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx: context.Background(),
	}
}

// Load replaces all entries with checks. On error the previous entries stay
// in place.
func (s *Scheduler) Load(checks []config.ScheduledCheck) error {
	parsed := make([]cron.Schedule, len(checks))
	for i, sc := range checks {
		sched, err := cron.ParseStandard(sc.Cron)
		if err != nil {
			return errors.Wrapf(err, "schedule %q", sc.Name)
		}
		parsed[i] = sched
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = s.entries[:0]
	for i, sc := range checks {
		sc := sc
		id := s.cron.Schedule(parsed[i], cron.FuncJob(func() { s.RunCheck(s.context(), sc) }))
		s.entries = append(s.entries, id)
	}
	s.log.Info("scheduler: loaded", "entries", len(checks))
	return nil
}

// Len returns the number of scheduled entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run starts the cron loop and blocks until ctx is cancelled. Running checks
// are cancelled through ctx and waited for before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
}

// RunCheck submits sc once and logs the outcome.
func (s *Scheduler) RunCheck(ctx context.Context, sc config.ScheduledCheck) {
	req := service.Request{
		URL:       sc.URL,
		IPAddress: ClientIP,
		UserAgent: userAgent,
		Unlimited: true,
	}
	if len(sc.Tests) > 0 {
		req.Tests = sc.Tests
	}
	if sc.Phase > 0 {
		req.Phase = sc.Phase
	}

	log := s.log.With("schedule", sc.Name, "url", sc.URL)
	res, err := s.sub.Submit(ctx, req)
	if err != nil {
		log.Error("scheduler: check rejected", "err", err)
		return
	}
	attrs := []interface{}{"test_run_id", res.TestRunID, "completed", res.Record.TestsCompleted}
	if res.Record.HealthScore != nil {
		attrs = append(attrs, "health_score", *res.Record.HealthScore, "health_state", res.Record.HealthState)
	}
	log.Info("scheduler: check finished", attrs...)
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("scheduler: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("scheduler: "+msg, append(keysAndValues, "err", err)...)
}
