package checks

import (
	"bytes"
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/streamchecker/streamchecker/pkg/types"
)

// defaultPlayerDuration is used when the run configuration leaves it unset.
const defaultPlayerDuration = 5 * time.Second

// stableRatio is the share of the requested time that must play for the
// connection to count as stable.
const stableRatio = 0.9

// Player plays the stream through ffmpeg into a null sink.
type Player struct {
	ffmpeg  string
	command CommandFunc
	now     func() time.Time
}

// NewPlayer returns a Player that runs the ffmpeg binary at path.
func NewPlayer(path string, command CommandFunc) *Player {
	if command == nil {
		command = defaultCommand
	}
	return &Player{ffmpeg: path, command: command, now: time.Now}
}

// Check implements pipeline.Checker.
func (p *Player) Check(ctx context.Context, url string, _ *types.ResultRecord, cfg types.CheckConfig) (types.StageBlock, error) {
	duration := cfg.PlayerDuration
	if duration <= 0 {
		duration = defaultPlayerDuration
	}

	args := append([]string{"-nostats", "-progress", "pipe:1"}, inputArgs(url, cfg.ConnectionTimeout, duration)...)
	args = append(args, "-vn", "-f", "null", "-")
	cmd := p.command(ctx, p.ffmpeg, args...)
	cmd.WaitDelay = waitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg stdout")
	}

	start := p.now()
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start ffmpeg")
	}
	played, startup := readProgress(stdout, func() time.Duration { return p.now().Sub(start) })
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	lines := stderrLines(stderr.String())
	if played == 0 {
		if len(lines) > 0 {
			return nil, errors.Newf("no audio played: %s", lines[0])
		}
		if waitErr != nil {
			return nil, errors.Wrap(waitErr, "no audio played")
		}
	}

	block := &types.PlayerTestBlock{
		Status:           types.StatusSuccess,
		Player:           "ffmpeg",
		RequestedSeconds: duration.Seconds(),
		PlayedSeconds:    played,
		StartupTimeMs:    float64(startup.Microseconds()) / 1000,
		Errors:           lines,
	}
	if played == 0 {
		block.Status = types.StatusFailed
		block.Error = "stream ended before any audio was decoded"
	}
	lossy := packetLoss(lines)
	return &types.PlayerResult{
		Player: block,
		Quality: types.ConnectionQuality{
			Stable:             waitErr == nil && !lossy && played >= stableRatio*duration.Seconds(),
			PacketLossDetected: lossy,
		},
	}, nil
}
