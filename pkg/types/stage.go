package types

// StageKind identifies one of the four ordered diagnostic stages.
// The numeric value is the stage index used for gating and persistence.
type StageKind int

const (
	StageConnectivity  StageKind = 1
	StagePlayerTest    StageKind = 2
	StageAudioAnalysis StageKind = 3
	StageAdDetection   StageKind = 4
)

// Stages is the canonical execution order.
var Stages = []StageKind{StageConnectivity, StagePlayerTest, StageAudioAnalysis, StageAdDetection}

// Names used in testsRequested / testsCompleted. The two connectivity
// sub-facets have names but no StageKind: they never execute on their own.
const (
	NameConnectivity  = "connectivity"
	NameStreamInfo    = "stream_info"
	NameMetadata      = "metadata"
	NamePlayerTest    = "player_test"
	NameAudioAnalysis = "audio_analysis"
	NameAdDetection   = "ad_detection"
)

// Index returns the 1-based stage index.
func (k StageKind) Index() int { return int(k) }

// String returns the stage name as it appears in testsCompleted.
func (k StageKind) String() string {
	switch k {
	case StageConnectivity:
		return NameConnectivity
	case StagePlayerTest:
		return NamePlayerTest
	case StageAudioAnalysis:
		return NameAudioAnalysis
	case StageAdDetection:
		return NameAdDetection
	default:
		return "unknown"
	}
}

// Outcome states.
const (
	OutcomeSkipped   = "skipped"
	OutcomeSucceeded = "success"
	OutcomeFailed    = "failed"
)

// StageOutcome is the tagged result of one stage slot in a run.
// Error is set only when State is OutcomeFailed.
type StageOutcome struct {
	Stage StageKind
	State string
	Error string
}

// Skipped reports a stage that was not selected.
func Skipped(k StageKind) StageOutcome { return StageOutcome{Stage: k, State: OutcomeSkipped} }

// Succeeded reports a stage whose checker returned a payload.
func Succeeded(k StageKind) StageOutcome { return StageOutcome{Stage: k, State: OutcomeSucceeded} }

// Failed reports a stage whose checker errored, panicked or timed out.
func Failed(k StageKind, msg string) StageOutcome {
	return StageOutcome{Stage: k, State: OutcomeFailed, Error: msg}
}
