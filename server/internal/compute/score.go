package compute

import (
	"fmt"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/streamchecker/streamchecker/pkg/types"
)

// State constants returned by the scorer.
const (
	StateHealthy  = "healthy"
	StateDegraded = "degraded"
	StateCritical = "critical"
)

// Thresholds that map a score to a health state.
const (
	ThresholdHealthy  = 85.0
	ThresholdDegraded = 60.0
)

// MaxScore is the starting score of every record.
const MaxScore = 100.0

// Connectivity rules.
const (
	// ConnectivityFailedCap is the highest score a record whose connectivity
	// stage failed can receive.
	ConnectivityFailedCap = 25.0

	SlowResponseMs      = 2000.0
	PenaltySlowResponse = 10.0
	PenaltyCertExpired  = 20.0
	PenaltyCertExpiring = 5.0
	PenaltyPlainHTTP    = 5.0
	LowBitrateKbps      = 64
	PenaltyLowBitrate   = 10.0
)

// Player rules.
const (
	PenaltyPlayerFailed = 30.0
	SlowStartupMs       = 5000.0
	PenaltySlowStartup  = 10.0
	PenaltyPacketLoss   = 10.0
)

// Audio rules.
const (
	PenaltyAudioError    = 10.0
	SilenceMajorPct      = 50.0
	PenaltySilenceMajor  = 30.0
	PenaltySilencePeriod = 10.0
	PenaltyClipping      = 10.0
	QuietMeanVolumeDB    = -30.0
	PenaltyQuiet         = 5.0
)

// Ad detection rules.
const (
	PenaltyAdError = 5.0
	PenaltyAds     = 10.0
)

// ErrMalformedRecord is returned when a record carries measurements the
// scorer cannot interpret (NaN, negative durations, out-of-range percentages).
var ErrMalformedRecord = errors.New("malformed result record")

// Output is the result of scoring one record.
type Output struct {
	// Score is the health score in the range 0–100.
	Score float64

	// State is the health state derived from Score.
	State string

	// Issues and Recommendations are ordered by stage. Both are non-nil.
	Issues          []string
	Recommendations []string
}

// verdict accumulates penalties in rule order.
type verdict struct {
	score float64
	cap   float64
	out   Output
}

func (v *verdict) penalize(points float64, issue, recommendation string) {
	v.score -= points
	v.out.Issues = append(v.out.Issues, issue)
	if recommendation != "" {
		v.out.Recommendations = append(v.out.Recommendations, recommendation)
	}
}

// Compute scores rec. Stages that are absent contribute nothing; stages that
// carry an error block contribute their failure penalty only. Compute is pure
// and deterministic.
func Compute(rec *types.ResultRecord) (Output, error) {
	if rec == nil {
		return Output{}, errors.Wrap(ErrMalformedRecord, "nil record")
	}
	if err := check(rec); err != nil {
		return Output{}, err
	}

	v := &verdict{
		score: MaxScore,
		cap:   MaxScore,
		out:   Output{Issues: []string{}, Recommendations: []string{}},
	}
	scoreConnectivity(v, rec)
	scorePlayer(v, rec)
	scoreAudio(v, rec)
	scoreAds(v, rec)

	score := math.Min(v.score, v.cap)
	score = MaxScore * clamp01(score/MaxScore)
	v.out.Score = score
	v.out.State = stateFromScore(score)
	return v.out, nil
}

func scoreConnectivity(v *verdict, rec *types.ResultRecord) {
	c := rec.Connectivity
	if c == nil {
		return
	}
	if c.Status != types.StatusSuccess {
		v.cap = ConnectivityFailedCap
		v.out.Issues = append(v.out.Issues, "Stream is not reachable: "+orDefault(c.Error, "connectivity check failed"))
		v.out.Recommendations = append(v.out.Recommendations,
			"Verify the stream URL is correct and the streaming server is running and reachable.")
		return
	}

	if c.ResponseTimeMs > SlowResponseMs {
		v.penalize(PenaltySlowResponse,
			fmt.Sprintf("Slow server response (%.0f ms)", c.ResponseTimeMs),
			"Check server load or move the stream closer to listeners with a CDN.")
	}
	if c.TLS != nil {
		switch c.TLS.Status {
		case "expired":
			v.penalize(PenaltyCertExpired,
				"TLS certificate has expired",
				"Renew the TLS certificate; players will refuse the stream.")
		case "expiring":
			v.penalize(PenaltyCertExpiring,
				fmt.Sprintf("TLS certificate expires in %d days", c.TLS.DaysLeft),
				"Renew the TLS certificate before it expires.")
		}
	}
	if !c.HTTPS {
		v.penalize(PenaltyPlainHTTP,
			"Stream is served over plain HTTP",
			"Serve the stream over HTTPS so browsers on secure pages can play it.")
	}
	if si := rec.StreamInfo; si != nil && si.BitrateKbps > 0 && si.BitrateKbps < LowBitrateKbps {
		v.penalize(PenaltyLowBitrate,
			fmt.Sprintf("Low bitrate (%d kbps)", si.BitrateKbps),
			fmt.Sprintf("Encode the stream at %d kbps or more for acceptable quality.", LowBitrateKbps))
	}
}

func scorePlayer(v *verdict, rec *types.ResultRecord) {
	p := rec.PlayerTest
	if p == nil {
		return
	}
	if p.Status != types.StatusSuccess {
		v.penalize(PenaltyPlayerFailed,
			"Stream failed to play: "+orDefault(p.Error, "playback failed"),
			"Check the stream codec and container are supported by common players.")
		return
	}
	if p.StartupTimeMs > SlowStartupMs {
		v.penalize(PenaltySlowStartup,
			fmt.Sprintf("Slow playback startup (%.0f ms)", p.StartupTimeMs),
			"Reduce the initial buffer or burst size on the streaming server.")
	}
	if q := rec.ConnectionQuality; q != nil && q.PacketLossDetected {
		v.penalize(PenaltyPacketLoss,
			"Packet loss or stream corruption detected during playback",
			"Investigate network stability between the encoder and the server.")
	}
}

func scoreAudio(v *verdict, rec *types.ResultRecord) {
	a := rec.AudioAnalysis
	if a == nil {
		return
	}
	if a.Status != types.StatusSuccess {
		v.penalize(PenaltyAudioError,
			"Audio analysis failed: "+orDefault(a.Error, "no audio could be decoded"),
			"")
		return
	}
	switch {
	case a.SilencePercent >= SilenceMajorPct:
		v.penalize(PenaltySilenceMajor,
			fmt.Sprintf("Stream is mostly silent (%.0f%% silence)", a.SilencePercent),
			"Check the audio source feeding the encoder; the stream is broadcasting dead air.")
	case a.SilenceDetected || len(a.SilencePeriods) > 0:
		v.penalize(PenaltySilencePeriod,
			fmt.Sprintf("Silence detected (%d periods)", len(a.SilencePeriods)),
			"Check for gaps in the playout schedule.")
	}
	if a.ClippingDetected {
		v.penalize(PenaltyClipping,
			fmt.Sprintf("Audio clipping detected (%.1f%% of samples)", a.ClippingPercent),
			"Lower the input gain or add a limiter before the encoder.")
	}
	if a.MeanVolumeDB != 0 && a.MeanVolumeDB < QuietMeanVolumeDB {
		v.penalize(PenaltyQuiet,
			fmt.Sprintf("Low average volume (%.1f dB)", a.MeanVolumeDB),
			"Normalize loudness at the encoder.")
	}
}

func scoreAds(v *verdict, rec *types.ResultRecord) {
	ad := rec.AdDetection
	if ad == nil {
		return
	}
	if ad.Status != types.StatusSuccess {
		v.penalize(PenaltyAdError,
			"Ad detection failed: "+orDefault(ad.Error, "monitoring did not complete"),
			"")
		return
	}
	if ad.AdsDetected {
		v.penalize(PenaltyAds,
			fmt.Sprintf("Ad interruptions detected (%d breaks)", len(ad.AdBreaks)),
			"Review ad insertion frequency; frequent breaks drive listeners away.")
	}
}

// check rejects records whose measurements would make the score meaningless.
func check(rec *types.ResultRecord) error {
	bad := func(field string, v float64) error {
		return errors.Wrapf(ErrMalformedRecord, "%s = %v", field, v)
	}
	negative := func(v float64) bool { return math.IsNaN(v) || v < 0 }

	if c := rec.Connectivity; c != nil {
		if negative(c.ResponseTimeMs) {
			return bad("connectivity.responseTimeMs", c.ResponseTimeMs)
		}
		if negative(c.ThroughputKbps) {
			return bad("connectivity.throughputKbps", c.ThroughputKbps)
		}
	}
	if p := rec.PlayerTest; p != nil {
		if negative(p.StartupTimeMs) {
			return bad("playerTest.startupTimeMs", p.StartupTimeMs)
		}
		if negative(p.PlayedSeconds) {
			return bad("playerTest.playedSeconds", p.PlayedSeconds)
		}
	}
	if a := rec.AudioAnalysis; a != nil {
		if math.IsNaN(a.SilencePercent) || a.SilencePercent < 0 || a.SilencePercent > 100 {
			return bad("audioAnalysis.silencePercent", a.SilencePercent)
		}
		if math.IsNaN(a.ClippingPercent) || a.ClippingPercent < 0 || a.ClippingPercent > 100 {
			return bad("audioAnalysis.clippingPercent", a.ClippingPercent)
		}
		if math.IsNaN(a.MeanVolumeDB) {
			return bad("audioAnalysis.meanVolumeDb", a.MeanVolumeDB)
		}
	}
	if ad := rec.AdDetection; ad != nil && negative(ad.MonitoredSeconds) {
		return bad("adDetection.monitoredSeconds", ad.MonitoredSeconds)
	}
	return nil
}

// stateFromScore maps a numeric score to a named health state.
func stateFromScore(score float64) string {
	switch {
	case score >= ThresholdHealthy:
		return StateHealthy
	case score >= ThresholdDegraded:
		return StateDegraded
	default:
		return StateCritical
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// clamp01 restricts v to the range [0, 1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
