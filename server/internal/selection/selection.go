// Package selection normalizes the two request shapes accepted by the stream
// checker (a legacy integer "phase" or a "tests" selection map) into one
// canonical Selection and resolves the per-run checker configuration.
package selection

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/streamchecker/streamchecker/pkg/types"
)

// Ad monitoring window bounds.
const (
	MinAdDuration     = 10 * time.Second
	MaxAdDuration     = 300 * time.Second
	DefaultAdDuration = 60 * time.Second
)

// ErrSelection marks every selection-level validation error. Such errors are
// surfaced verbatim to the caller and orchestration never starts.
var ErrSelection = errors.New("selection error")

var (
	// ErrInvalidSelection covers a tests value that is not a mapping, is
	// empty or selects nothing.
	ErrInvalidSelection = errors.New("invalid selection")

	// ErrInvalidPhase covers a phase outside [1, 4] or not an integer.
	ErrInvalidPhase = errors.New("invalid phase")
)

func invalidSelection(format string, args ...interface{}) error {
	return errors.Mark(errors.Mark(errors.Newf(format, args...), ErrInvalidSelection), ErrSelection)
}

func invalidPhase() error {
	return errors.Mark(errors.Mark(errors.New("Phase must be 1-4"), ErrInvalidPhase), ErrSelection)
}

// Input is the raw, decoded request. Tests and Phase hold whatever the JSON or
// YAML decoder produced; nil means the field was absent.
type Input struct {
	Tests interface{}
	Phase interface{}
}

// Selection is the canonical set of requested stages and sub-facets.
type Selection struct {
	Connectivity  bool
	StreamInfo    bool
	Metadata      bool
	PlayerTest    bool
	AudioAnalysis bool
	AdDetection   bool

	// MaxStage is the highest stage index the request needs. A stage runs
	// only when it is requested and its index is within MaxStage.
	MaxStage int

	// Config is the resolved checker configuration for this run.
	Config types.CheckConfig
}

// Enabled reports whether stage k runs under this selection.
func (s Selection) Enabled(k types.StageKind) bool {
	if k.Index() > s.MaxStage {
		return false
	}
	switch k {
	case types.StageConnectivity:
		return s.Connectivity
	case types.StagePlayerTest:
		return s.PlayerTest
	case types.StageAudioAnalysis:
		return s.AudioAnalysis
	case types.StageAdDetection:
		return s.AdDetection
	}
	return false
}

// Stages returns the enabled stages in execution order.
func (s Selection) Stages() []types.StageKind {
	var out []types.StageKind
	for _, k := range types.Stages {
		if s.Enabled(k) {
			out = append(out, k)
		}
	}
	return out
}

// Requested returns the names of every requested stage and sub-facet in
// canonical order, as reported in testsRequested.
func (s Selection) Requested() []string {
	out := []string{}
	add := func(on bool, name string) {
		if on {
			out = append(out, name)
		}
	}
	add(s.Connectivity, types.NameConnectivity)
	add(s.StreamInfo, types.NameStreamInfo)
	add(s.Metadata, types.NameMetadata)
	add(s.PlayerTest, types.NamePlayerTest)
	add(s.AudioAnalysis, types.NameAudioAnalysis)
	add(s.AdDetection, types.NameAdDetection)
	return out
}

// All returns the selection used when a request names neither tests nor phase.
func All(base types.CheckConfig) Selection {
	sel := Selection{
		Connectivity: true, StreamInfo: true, Metadata: true,
		PlayerTest: true, AudioAnalysis: true, AdDetection: true,
		MaxStage: types.StageAdDetection.Index(),
		Config:   base,
	}
	sel.Config.AdDuration = ClampAdDuration(base.AdDuration)
	return sel
}

// Resolve normalizes in into a Selection. base carries the process-wide
// checker defaults; a nested adDetection.durationSeconds overrides the ad
// monitoring window. Tests wins when both tests and phase are supplied.
func Resolve(in Input, base types.CheckConfig) (Selection, error) {
	if in.Tests != nil {
		return fromTests(in.Tests, base)
	}
	if in.Phase != nil {
		phase, ok := asPhase(in.Phase)
		if !ok {
			return Selection{}, invalidPhase()
		}
		return FromPhase(phase, base)
	}
	return All(base), nil
}

// FromPhase translates a legacy phase into the equivalent tests selection:
// connectivity and both sub-facets always, later stages by threshold.
func FromPhase(phase int, base types.CheckConfig) (Selection, error) {
	if phase < 1 || phase > 4 {
		return Selection{}, invalidPhase()
	}
	sel := Selection{
		Connectivity:  true,
		StreamInfo:    true,
		Metadata:      true,
		PlayerTest:    phase >= 2,
		AudioAnalysis: phase >= 3,
		AdDetection:   phase >= 4,
		MaxStage:      phase,
		Config:        base,
	}
	sel.Config.AdDuration = ClampAdDuration(base.AdDuration)
	return sel, nil
}

// ClampAdDuration bounds d to [MinAdDuration, MaxAdDuration]; zero means
// DefaultAdDuration.
func ClampAdDuration(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultAdDuration
	case d < MinAdDuration:
		return MinAdDuration
	case d > MaxAdDuration:
		return MaxAdDuration
	}
	return d
}

func fromTests(raw interface{}, base types.CheckConfig) (Selection, error) {
	tests, ok := asMap(raw)
	if !ok {
		return Selection{}, invalidSelection("tests must be an object")
	}

	sel := Selection{Config: base}
	selected := false
	sawConnectivity := false
	var adParams map[string]interface{}
	for key, v := range tests {
		on := truthy(v)
		selected = selected || on
		switch canonicalKey(key) {
		case "connectivity":
			sel.Connectivity = on
			sawConnectivity = true
		case "streaminfo":
			sel.StreamInfo = on
		case "metadata":
			sel.Metadata = on
		case "playertest":
			sel.PlayerTest = on
		case "audioanalysis":
			sel.AudioAnalysis = on
		case "addetection":
			sel.AdDetection = on
			adParams, _ = asMap(v)
		}
	}
	if !selected {
		return Selection{}, invalidSelection("At least one test must be selected")
	}

	// Unknown keys are ignored but still count as a selection; connectivity
	// runs unless the caller turned it off.
	if !sawConnectivity {
		sel.Connectivity = true
	}
	if len(sel.Requested()) == 0 {
		return Selection{}, invalidSelection("At least one test must be selected")
	}

	// A later stage or sub-facet needs the connectivity context.
	if sel.StreamInfo || sel.Metadata || sel.PlayerTest || sel.AudioAnalysis || sel.AdDetection {
		sel.Connectivity = true
	}

	sel.MaxStage = types.StageConnectivity.Index()
	if sel.PlayerTest {
		sel.MaxStage = types.StagePlayerTest.Index()
	}
	if sel.AudioAnalysis {
		sel.MaxStage = types.StageAudioAnalysis.Index()
	}
	if sel.AdDetection {
		sel.MaxStage = types.StageAdDetection.Index()
	}

	sel.Config.AdDuration = ClampAdDuration(base.AdDuration)
	if sel.AdDetection && adParams != nil {
		d, present, err := durationParam(adParams)
		if err != nil {
			return Selection{}, err
		}
		if present {
			sel.Config.AdDuration = d
		}
	}
	return sel, nil
}

// durationParam reads adDetection.durationSeconds (or duration_seconds),
// clamped to [MinAdDuration, MaxAdDuration]. The clamp happens in seconds so
// huge inputs cannot overflow a Duration.
func durationParam(params map[string]interface{}) (time.Duration, bool, error) {
	for key, v := range params {
		if canonicalKey(key) != "durationseconds" {
			continue
		}
		secs, ok := asNumber(v)
		if !ok {
			return 0, true, invalidSelection("adDetection.durationSeconds must be a number")
		}
		secs = math.Max(MinAdDuration.Seconds(), math.Min(secs, MaxAdDuration.Seconds()))
		return time.Duration(secs * float64(time.Second)), true, nil
	}
	return 0, false, nil
}

// canonicalKey folds snake_case and camelCase spellings together.
func canonicalKey(k string) string {
	return strings.ToLower(strings.ReplaceAll(k, "_", ""))
}

// truthy mirrors JSON truthiness: false, null, 0, "" and empty containers
// are not a selection.
func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case map[string]interface{}:
		return len(x) > 0
	case []interface{}:
		return len(x) > 0
	}
	if n, ok := asNumber(v); ok {
		return n != 0
	}
	return true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch x := v.(type) {
	case map[string]interface{}:
		return x, true
	case json.RawMessage:
		var m map[string]interface{}
		if err := json.Unmarshal(x, &m); err != nil || m == nil {
			return nil, false
		}
		return m, true
	}
	return nil, false
}

func asNumber(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x)
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func asPhase(v interface{}) (int, bool) {
	n, ok := asNumber(v)
	if !ok || n != math.Trunc(n) {
		return 0, false
	}
	return int(n), true
}
