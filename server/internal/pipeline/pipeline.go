package pipeline

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/streamchecker/streamchecker/pkg/types"
	"github.com/streamchecker/streamchecker/server/internal/compute"
	"github.com/streamchecker/streamchecker/server/internal/selection"
)

// DefaultStageGrace is added to each stage's own time budget before the
// runner abandons a checker that has not returned.
const DefaultStageGrace = 15 * time.Second

// Checker runs one stage against a stream URL. rec is the record so far and
// must be treated as read-only. A non-nil error (including a context error)
// is captured as that stage's failure.
type Checker interface {
	Check(ctx context.Context, url string, rec *types.ResultRecord, cfg types.CheckConfig) (types.StageBlock, error)
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, url string, rec *types.ResultRecord, cfg types.CheckConfig) (types.StageBlock, error)

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context, url string, rec *types.ResultRecord, cfg types.CheckConfig) (types.StageBlock, error) {
	return f(ctx, url, rec, cfg)
}

// Checkers holds one checker per stage. A nil checker for an enabled stage
// is reported as that stage's failure.
type Checkers struct {
	Connectivity  Checker
	PlayerTest    Checker
	AudioAnalysis Checker
	AdDetection   Checker
}

func (c Checkers) get(k types.StageKind) Checker {
	switch k {
	case types.StageConnectivity:
		return c.Connectivity
	case types.StagePlayerTest:
		return c.PlayerTest
	case types.StageAudioAnalysis:
		return c.AudioAnalysis
	case types.StageAdDetection:
		return c.AdDetection
	}
	return nil
}

// Storage receives a snapshot of the record after every attempted stage.
// Implementations must serialize rec before returning and must be safe for
// concurrent use by independent runs.
type Storage interface {
	PersistStage(ctx context.Context, testRunID, streamID string, stage int, rec *types.ResultRecord) error
}

// Observer is notified as a run progresses. Calls are synchronous; rec must
// not be retained or modified.
type Observer interface {
	StageFinished(job Job, outcome types.StageOutcome, rec *types.ResultRecord)
	RunFinished(job Job, rec *types.ResultRecord)
}

// Scorer computes the health verdict of a record.
type Scorer func(rec *types.ResultRecord) (compute.Output, error)

// Job identifies one run.
type Job struct {
	TestRunID string
	StreamID  string
	URL       string
}

// Options configures a Coordinator. Zero values select the defaults.
type Options struct {
	Logger     *slog.Logger
	Observers  []Observer
	Scorer     Scorer
	StageGrace time.Duration
}

// Coordinator runs the stages of one check in their fixed order. It holds no
// per-run state, so one Coordinator serves concurrent runs.
type Coordinator struct {
	checkers  Checkers
	store     Storage
	observers []Observer
	score     Scorer
	grace     time.Duration
	log       *slog.Logger
}

// New returns a Coordinator. store may be nil, in which case nothing is
// persisted.
func New(checkers Checkers, store Storage, opts Options) *Coordinator {
	c := &Coordinator{
		checkers:  checkers,
		store:     store,
		observers: opts.Observers,
		score:     opts.Scorer,
		grace:     opts.StageGrace,
		log:       opts.Logger,
	}
	if c.score == nil {
		c.score = compute.Compute
	}
	if c.grace <= 0 {
		c.grace = DefaultStageGrace
	}
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// Orchestrate runs every stage enabled by sel against job.URL and returns the
// accumulated record. Stage failures are captured in the record; Orchestrate
// itself never fails.
//
// Every stage slot is reported to the observers; a stage the selection does
// not enable is reported as skipped and is neither run nor persisted.
//
// The record is persisted after each attempted stage. When ad detection was
// attempted the record is scored before its final snapshot is persisted; a
// scoring failure leaves the record without verdict fields.
func (c *Coordinator) Orchestrate(ctx context.Context, job Job, sel selection.Selection) *types.ResultRecord {
	rec := types.NewRecord(job.TestRunID, job.StreamID, job.URL, sel.Requested())
	c.log.Info("pipeline: run started",
		"test_run_id", job.TestRunID, "stream_id", job.StreamID, "tests", rec.TestsRequested)

	for _, k := range types.Stages {
		if !sel.Enabled(k) {
			c.notifyStage(job, types.Skipped(k), rec)
			continue
		}
		outcome := c.runStage(ctx, job, k, rec, sel)
		if k == types.StageAdDetection {
			c.applyScore(job, rec)
		}
		c.persist(ctx, job, k, rec)
		c.notifyStage(job, outcome, rec)
	}

	c.log.Info("pipeline: run finished",
		"test_run_id", job.TestRunID, "completed", rec.TestsCompleted, "scored", rec.Scored())
	c.notifyRun(job, rec)
	return rec
}

// applyScore writes the verdict into rec. Scorer errors are swallowed: the
// record is returned without score fields.
func (c *Coordinator) applyScore(job Job, rec *types.ResultRecord) {
	out, err := c.safeScore(rec)
	if err != nil {
		c.log.Debug("pipeline: scoring skipped", "test_run_id", job.TestRunID, "err", err)
		return
	}
	rec.SetVerdict(out.Score, out.State, out.Issues, out.Recommendations)
}

func (c *Coordinator) safeScore(rec *types.ResultRecord) (out compute.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return c.score(rec)
}

// persist is best effort: a storage failure is logged and the run continues.
func (c *Coordinator) persist(ctx context.Context, job Job, k types.StageKind, rec *types.ResultRecord) {
	if c.store == nil {
		return
	}
	if err := c.store.PersistStage(context.WithoutCancel(ctx), job.TestRunID, job.StreamID, k.Index(), rec); err != nil {
		c.log.Warn("pipeline: persist failed",
			"test_run_id", job.TestRunID, "stage", k.String(), "err", err)
	}
}

func (c *Coordinator) notifyStage(job Job, outcome types.StageOutcome, rec *types.ResultRecord) {
	for _, o := range c.observers {
		c.guard("stage", func() { o.StageFinished(job, outcome, rec) })
	}
}

func (c *Coordinator) notifyRun(job Job, rec *types.ResultRecord) {
	for _, o := range c.observers {
		c.guard("run", func() { o.RunFinished(job, rec) })
	}
}

// guard keeps a misbehaving observer from taking the run down with it.
func (c *Coordinator) guard(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("pipeline: observer panicked", "event", event, "panic", r)
		}
	}()
	fn()
}
