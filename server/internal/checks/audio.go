package checks

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/streamchecker/streamchecker/pkg/types"
)

// Decoding parameters for the audio sample.
const (
	analysisRate      = 8000
	analysisWindow    = 100 * time.Millisecond
	defaultAudioTime  = 10 * time.Second
	defaultSilenceDB  = -40.0
	defaultSilenceMin = 2 * time.Second

	// clipLevel is the absolute sample value treated as clipped.
	clipLevel = 32767
	// clipThresholdPct is the clipped-sample share above which clipping is reported.
	clipThresholdPct = 0.1
)

// Audio decodes a sample of the stream to 8 kHz mono PCM and analyzes it.
type Audio struct {
	ffmpeg  string
	command CommandFunc
}

// NewAudio returns an Audio checker that runs the ffmpeg binary at path.
func NewAudio(path string, command CommandFunc) *Audio {
	if command == nil {
		command = defaultCommand
	}
	return &Audio{ffmpeg: path, command: command}
}

// Check implements pipeline.Checker.
func (a *Audio) Check(ctx context.Context, url string, _ *types.ResultRecord, cfg types.CheckConfig) (types.StageBlock, error) {
	duration := cfg.AudioDuration
	if duration <= 0 {
		duration = defaultAudioTime
	}

	args := append(inputArgs(url, cfg.ConnectionTimeout, duration),
		"-vn", "-ac", "1", "-ar", strconv.Itoa(analysisRate), "-f", "s16le", "-acodec", "pcm_s16le", "-")
	cmd := a.command(ctx, a.ffmpeg, args...)
	cmd.WaitDelay = waitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start ffmpeg")
	}

	// Twice the expected size leaves room for a server that bursts.
	limit := int64(2 * analysisRate * 2 * (duration.Seconds() + 1))
	pcm, readErr := io.ReadAll(io.LimitReader(stdout, limit))
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(pcm) < 2 {
		if lines := stderrLines(stderr.String()); len(lines) > 0 {
			return nil, errors.Newf("no audio decoded: %s", lines[0])
		}
		if waitErr != nil {
			return nil, errors.Wrap(waitErr, "no audio decoded")
		}
		if readErr != nil {
			return nil, errors.Wrap(readErr, "no audio decoded")
		}
		return nil, errors.New("no audio decoded")
	}

	block := AnalyzePCM(decodePCM(pcm), analysisRate, cfg)
	block.SampleSeconds = duration.Seconds()
	return block, nil
}

// decodePCM converts little-endian signed 16-bit samples.
func decodePCM(raw []byte) []int16 {
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return out
}

// AnalyzePCM measures volume, silence and clipping of mono samples at rate Hz.
// Loudness is computed per 100 ms window; a silence period is a run of
// windows below cfg.SilenceThresholdDB lasting at least cfg.SilenceMinDuration.
func AnalyzePCM(samples []int16, rate int, cfg types.CheckConfig) *types.AudioAnalysisBlock {
	threshold := cfg.SilenceThresholdDB
	if threshold == 0 {
		threshold = defaultSilenceDB
	}
	minSilence := cfg.SilenceMinDuration
	if minSilence <= 0 {
		minSilence = defaultSilenceMin
	}

	block := &types.AudioAnalysisBlock{Status: types.StatusSuccess}
	if len(samples) == 0 || rate <= 0 {
		return block
	}
	total := float64(len(samples)) / float64(rate)
	block.AnalyzedSeconds = round(total, 2)

	var sumSquares float64
	var peak, clipped int
	for _, s := range samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
		if v >= clipLevel {
			clipped++
		}
		sumSquares += float64(s) * float64(s)
	}
	block.MeanVolumeDB = round(toDB(math.Sqrt(sumSquares/float64(len(samples)))), 1)
	block.PeakVolumeDB = round(toDB(float64(peak)), 1)
	block.ClippingPercent = round(float64(clipped)/float64(len(samples))*100, 2)
	block.ClippingDetected = block.ClippingPercent > clipThresholdPct

	window := int(float64(rate) * analysisWindow.Seconds())
	if window < 1 {
		window = 1
	}
	var silentTime float64
	runStart, runLen := -1, 0
	flush := func() {
		if runStart < 0 {
			return
		}
		secs := float64(runLen) / float64(rate)
		if secs >= minSilence.Seconds() {
			block.SilencePeriods = append(block.SilencePeriods, types.SilencePeriod{
				StartSeconds:    round(float64(runStart)/float64(rate), 2),
				DurationSeconds: round(secs, 2),
			})
			silentTime += secs
		}
		runStart, runLen = -1, 0
	}
	for off := 0; off < len(samples); off += window {
		end := off + window
		if end > len(samples) {
			end = len(samples)
		}
		if windowDB(samples[off:end]) < threshold {
			if runStart < 0 {
				runStart = off
			}
			runLen += end - off
			continue
		}
		flush()
	}
	flush()

	block.SilenceDetected = len(block.SilencePeriods) > 0
	block.SilencePercent = round(math.Min(silentTime/total*100, 100), 1)
	return block
}

// windowDB is the RMS level of w in dBFS.
func windowDB(w []int16) float64 {
	var sum float64
	for _, s := range w {
		sum += float64(s) * float64(s)
	}
	return toDB(math.Sqrt(sum / float64(len(w))))
}

// toDB converts an amplitude to dBFS; digital silence maps to -91 dB.
func toDB(amplitude float64) float64 {
	if amplitude < 1 {
		return -91
	}
	return 20 * math.Log10(amplitude/32768)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
