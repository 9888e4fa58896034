package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/streamchecker/streamchecker/pkg/types"
	"github.com/streamchecker/streamchecker/server/internal/selection"
)

// ErrStageFailed marks every captured stage failure. It never escapes
// Orchestrate; it is visible only to observers and logs.
var ErrStageFailed = errors.New("stage failed")

// stageLabel prefixes the error message stored in a failed stage's block.
func stageLabel(k types.StageKind) string {
	switch k {
	case types.StageConnectivity:
		return "Connectivity test"
	case types.StagePlayerTest:
		return "Player test"
	case types.StageAudioAnalysis:
		return "Audio analysis"
	case types.StageAdDetection:
		return "Ad detection"
	}
	return k.String()
}

// StageBudget returns how long stage k may take under cfg, excluding grace.
// Zero means unbounded.
func StageBudget(k types.StageKind, cfg types.CheckConfig) time.Duration {
	switch k {
	case types.StageConnectivity:
		return cfg.ConnectionTimeout + cfg.ReadTimeout
	case types.StagePlayerTest:
		return cfg.ConnectionTimeout + cfg.PlayerDuration
	case types.StageAudioAnalysis:
		return cfg.ConnectionTimeout + cfg.AudioDuration
	case types.StageAdDetection:
		return cfg.ConnectionTimeout + cfg.AdDuration
	}
	return 0
}

// runStage executes one stage and folds its result into rec. On success the
// checker's block is merged and the stage is marked completed; on failure an
// error block is written and the stage is left out of testsCompleted.
func (c *Coordinator) runStage(ctx context.Context, job Job, k types.StageKind, rec *types.ResultRecord, sel selection.Selection) types.StageOutcome {
	start := time.Now()
	block, err := c.invoke(ctx, k, job.URL, rec, sel.Config)
	if err == nil && (block == nil || block.Stage() != k) {
		err = errors.Newf("checker returned no %s result", k)
	}
	if err != nil {
		err = errors.Mark(errors.Wrapf(err, "%s failed", stageLabel(k)), ErrStageFailed)
		rec.MarkFailed(k, err.Error())
		c.log.Error("pipeline: stage failed",
			"test_run_id", job.TestRunID, "stage", k.String(),
			"duration", time.Since(start), "err", err)
		return types.Failed(k, err.Error())
	}

	rec.Merge(block)
	rec.MarkCompleted(k.String())
	if k == types.StageConnectivity {
		applyFacets(rec, sel)
	}
	c.log.Info("pipeline: stage completed",
		"test_run_id", job.TestRunID, "stage", k.String(), "duration", time.Since(start))
	return types.Succeeded(k)
}

// applyFacets drops connectivity sub-facets the caller did not ask for and
// records the ones it did.
func applyFacets(rec *types.ResultRecord, sel selection.Selection) {
	if !sel.StreamInfo {
		rec.StreamInfo = nil
	} else if rec.StreamInfo != nil {
		rec.MarkCompleted(types.NameStreamInfo)
	}
	if !sel.Metadata {
		rec.Metadata = nil
	} else if rec.Metadata != nil {
		rec.MarkCompleted(types.NameMetadata)
	}
}

// invoke calls the stage's checker under the stage deadline. Panics become
// errors. A checker that ignores its context is abandoned once the deadline
// passes; it works on a shallow copy of the record so it never observes the
// coordinator's later writes.
func (c *Coordinator) invoke(ctx context.Context, k types.StageKind, url string, rec *types.ResultRecord, cfg types.CheckConfig) (types.StageBlock, error) {
	checker := c.checkers.get(k)
	if checker == nil {
		return nil, errors.Newf("no checker configured for %s", k)
	}

	var limit time.Duration
	if budget := StageBudget(k, cfg); budget > 0 {
		limit = budget + c.grace
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	type result struct {
		block types.StageBlock
		err   error
	}
	done := make(chan result, 1)
	snapshot := *rec
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: panicError(r)}
			}
		}()
		b, err := checker.Check(ctx, url, &snapshot, cfg)
		done <- result{block: b, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && limit > 0 {
			return nil, errors.Newf("timed out after %s", limit)
		}
		return r.block, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && limit > 0 {
			return nil, errors.Newf("timed out after %s", limit)
		}
		return nil, ctx.Err()
	}
}

func panicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return errors.Wrap(err, "panic")
	}
	return errors.Newf("panic: %s", fmt.Sprint(r))
}
