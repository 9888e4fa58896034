package types

import "encoding/json"

// Block status values written into every per-stage block.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
)

// ResultRecord is the single accumulating diagnosis record for one check run.
// It has one optional slot per stage (nil = not attempted) plus the verdict
// fields written by the health scorer.
//
// A ResultRecord is owned by exactly one orchestration call while it runs and
// must not be shared between goroutines until the run has finished.
type ResultRecord struct {
	TestRunID      string   `json:"testRunId"`
	StreamID       string   `json:"streamId"`
	StreamURL      string   `json:"streamUrl"`
	TestsRequested []string `json:"testsRequested"`
	TestsCompleted []string `json:"testsCompleted"`

	Connectivity      *ConnectivityBlock  `json:"connectivity,omitempty"`
	StreamInfo        *StreamInfo         `json:"streamInfo,omitempty"`
	Metadata          *StreamMetadata     `json:"metadata,omitempty"`
	PlayerTest        *PlayerTestBlock    `json:"playerTest,omitempty"`
	ConnectionQuality *ConnectionQuality  `json:"connectionQuality,omitempty"`
	AudioAnalysis     *AudioAnalysisBlock `json:"audioAnalysis,omitempty"`
	AdDetection       *AdDetectionBlock   `json:"adDetection,omitempty"`

	// Verdict. HealthScore is nil until the scorer has run successfully;
	// Issues and Recommendations are serialized only alongside a score.
	HealthScore     *float64 `json:"healthScore,omitempty"`
	HealthState     string   `json:"healthState,omitempty"`
	Issues          []string `json:"-"`
	Recommendations []string `json:"-"`
}

// NewRecord returns an empty record for a run.
func NewRecord(testRunID, streamID, url string, requested []string) *ResultRecord {
	return &ResultRecord{
		TestRunID:      testRunID,
		StreamID:       streamID,
		StreamURL:      url,
		TestsRequested: append([]string{}, requested...),
		TestsCompleted: []string{},
	}
}

// StageBlock is a successful checker payload. Only the block types in this
// package implement it.
type StageBlock interface {
	Stage() StageKind
	mergeInto(rec *ResultRecord)
}

// Merge writes b into its stage namespace, replacing any previous block.
func (r *ResultRecord) Merge(b StageBlock) {
	b.mergeInto(r)
}

// MarkCompleted appends name to TestsCompleted.
func (r *ResultRecord) MarkCompleted(name string) {
	r.TestsCompleted = append(r.TestsCompleted, name)
}

// MarkFailed writes a stage-scoped error block for k.
func (r *ResultRecord) MarkFailed(k StageKind, msg string) {
	switch k {
	case StageConnectivity:
		r.Connectivity = &ConnectivityBlock{Status: StatusError, Error: msg}
	case StagePlayerTest:
		r.PlayerTest = &PlayerTestBlock{Status: StatusError, Error: msg}
	case StageAudioAnalysis:
		r.AudioAnalysis = &AudioAnalysisBlock{Status: StatusError, Error: msg}
	case StageAdDetection:
		r.AdDetection = &AdDetectionBlock{Status: StatusError, Error: msg}
	}
}

// Attempted reports whether stage k has a block (successful or error).
func (r *ResultRecord) Attempted(k StageKind) bool {
	return r.StageStatus(k) != ""
}

// StageStatus returns the status of stage k's block, or "" when absent.
func (r *ResultRecord) StageStatus(k StageKind) string {
	switch k {
	case StageConnectivity:
		if r.Connectivity != nil {
			return r.Connectivity.Status
		}
	case StagePlayerTest:
		if r.PlayerTest != nil {
			return r.PlayerTest.Status
		}
	case StageAudioAnalysis:
		if r.AudioAnalysis != nil {
			return r.AudioAnalysis.Status
		}
	case StageAdDetection:
		if r.AdDetection != nil {
			return r.AdDetection.Status
		}
	}
	return ""
}

// SetVerdict records the scorer output. Nil slices are stored as empty so a
// scored record always carries both lists.
func (r *ResultRecord) SetVerdict(score float64, state string, issues, recommendations []string) {
	if issues == nil {
		issues = []string{}
	}
	if recommendations == nil {
		recommendations = []string{}
	}
	r.HealthScore = &score
	r.HealthState = state
	r.Issues = issues
	r.Recommendations = recommendations
}

// Scored reports whether a verdict has been written.
func (r *ResultRecord) Scored() bool { return r.HealthScore != nil }

type plainRecord ResultRecord

type scoredRecord struct {
	*plainRecord
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// MarshalJSON emits issues and recommendations only for scored records, so an
// unscored record carries no verdict fields at all.
func (r ResultRecord) MarshalJSON() ([]byte, error) {
	p := plainRecord(r)
	if r.HealthScore == nil {
		return json.Marshal(&p)
	}
	out := scoredRecord{plainRecord: &p, Issues: r.Issues, Recommendations: r.Recommendations}
	if out.Issues == nil {
		out.Issues = []string{}
	}
	if out.Recommendations == nil {
		out.Recommendations = []string{}
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *ResultRecord) UnmarshalJSON(data []byte) error {
	in := scoredRecord{plainRecord: (*plainRecord)(r)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.Issues = in.Issues
	r.Recommendations = in.Recommendations
	return nil
}

// --- connectivity -----------------------------------------------------------

// ConnectivityBlock is the connectivity stage's namespace.
type ConnectivityBlock struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	Reachable      bool    `json:"reachable"`
	HTTPStatus     int     `json:"httpStatus,omitempty"`
	ResponseTimeMs float64 `json:"responseTimeMs,omitempty"`
	ContentType    string  `json:"contentType,omitempty"`
	Server         string  `json:"server,omitempty"`
	BytesReceived  int64   `json:"bytesReceived,omitempty"`
	ThroughputKbps float64 `json:"throughputKbps,omitempty"`
	HTTPS          bool    `json:"https"`

	// MetadataInterval is the icy-metaint announced by the server; 0 when the
	// stream carries no in-band metadata.
	MetadataInterval int `json:"metadataInterval,omitempty"`

	TLS *CertStatus `json:"tls,omitempty"`
}

// CertStatus describes the leaf certificate presented by an HTTPS stream.
type CertStatus struct {
	Status   string `json:"status"` // valid | expiring | expired
	Issuer   string `json:"issuer,omitempty"`
	NotAfter string `json:"notAfter,omitempty"` // RFC3339
	DaysLeft int    `json:"daysLeft"`
}

// StreamInfo is the stream_info sub-facet of the connectivity stage.
type StreamInfo struct {
	StreamType   string `json:"streamType"`
	Codec        string `json:"codec,omitempty"`
	BitrateKbps  int    `json:"bitrateKbps,omitempty"`
	SampleRateHz int    `json:"sampleRateHz,omitempty"`
	Channels     int    `json:"channels,omitempty"`
}

// StreamMetadata is the metadata sub-facet of the connectivity stage.
type StreamMetadata struct {
	Name        string `json:"name,omitempty"`
	Genre       string `json:"genre,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Public      bool   `json:"public"`
	Title       string `json:"title,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
}

// ConnectivityResult is the connectivity checker's payload. The sub-facets
// are always produced; the stage runner drops the ones not requested.
type ConnectivityResult struct {
	Connectivity *ConnectivityBlock
	StreamInfo   *StreamInfo
	Metadata     *StreamMetadata
}

func (c *ConnectivityResult) Stage() StageKind { return StageConnectivity }

func (c *ConnectivityResult) mergeInto(r *ResultRecord) {
	r.Connectivity = c.Connectivity
	r.StreamInfo = c.StreamInfo
	r.Metadata = c.Metadata
}

// --- player -----------------------------------------------------------------

// PlayerTestBlock is the player-compatibility stage's namespace.
type PlayerTestBlock struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	Player           string   `json:"player,omitempty"`
	RequestedSeconds float64  `json:"requestedSeconds,omitempty"`
	PlayedSeconds    float64  `json:"playedSeconds,omitempty"`
	StartupTimeMs    float64  `json:"startupTimeMs,omitempty"`
	Errors           []string `json:"errors,omitempty"`
}

// ConnectionQuality is derived from the player test.
type ConnectionQuality struct {
	Stable             bool `json:"stable"`
	PacketLossDetected bool `json:"packetLossDetected"`
}

// PlayerResult is the player checker's payload.
type PlayerResult struct {
	Player  *PlayerTestBlock
	Quality ConnectionQuality
}

func (p *PlayerResult) Stage() StageKind { return StagePlayerTest }

func (p *PlayerResult) mergeInto(r *ResultRecord) {
	r.PlayerTest = p.Player
	q := p.Quality
	r.ConnectionQuality = &q
}

// --- audio ------------------------------------------------------------------

// AudioAnalysisBlock is the audio-content stage's namespace.
type AudioAnalysisBlock struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	SampleSeconds    float64         `json:"sampleSeconds,omitempty"`
	AnalyzedSeconds  float64         `json:"analyzedSeconds,omitempty"`
	MeanVolumeDB     float64         `json:"meanVolumeDb,omitempty"`
	PeakVolumeDB     float64         `json:"peakVolumeDb,omitempty"`
	SilenceDetected  bool            `json:"silenceDetected"`
	SilencePercent   float64         `json:"silencePercent"`
	SilencePeriods   []SilencePeriod `json:"silencePeriods,omitempty"`
	ClippingDetected bool            `json:"clippingDetected"`
	ClippingPercent  float64         `json:"clippingPercent,omitempty"`
}

// SilencePeriod is one contiguous run below the silence threshold.
type SilencePeriod struct {
	StartSeconds    float64 `json:"startSeconds"`
	DurationSeconds float64 `json:"durationSeconds"`
}

func (a *AudioAnalysisBlock) Stage() StageKind { return StageAudioAnalysis }

func (a *AudioAnalysisBlock) mergeInto(r *ResultRecord) { r.AudioAnalysis = a }

// --- ads --------------------------------------------------------------------

// AdDetectionBlock is the ad-interruption stage's namespace.
type AdDetectionBlock struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	Method            string    `json:"method,omitempty"` // icy-metadata | none
	MonitoredSeconds  float64   `json:"monitoredSeconds,omitempty"`
	MetadataSupported bool      `json:"metadataSupported"`
	MetadataChanges   int       `json:"metadataChanges"`
	AdsDetected       bool      `json:"adsDetected"`
	AdBreaks          []AdBreak `json:"adBreaks,omitempty"`
	Titles            []string  `json:"titles,omitempty"`
}

// AdBreak is one detected ad interruption.
type AdBreak struct {
	OffsetSeconds float64 `json:"offsetSeconds"`
	Title         string  `json:"title,omitempty"`
	Marker        string  `json:"marker"`
}

func (a *AdDetectionBlock) Stage() StageKind { return StageAdDetection }

func (a *AdDetectionBlock) mergeInto(r *ResultRecord) { r.AdDetection = a }
