package types

import "time"

// CheckConfig is the per-run checker configuration resolved by the selector
// from process-wide configuration and request parameters.
type CheckConfig struct {
	ConnectionTimeout time.Duration
	ReadTimeout       time.Duration
	VerifySSL         bool

	// PlayerDuration is how long the player test keeps the stream playing.
	PlayerDuration time.Duration

	// AudioDuration is how much audio the analyzer samples.
	AudioDuration      time.Duration
	SilenceThresholdDB float64
	SilenceMinDuration time.Duration

	// AdDuration is the ad monitoring window, already clamped to [10s, 300s].
	AdDuration      time.Duration
	AdCheckInterval time.Duration
}
