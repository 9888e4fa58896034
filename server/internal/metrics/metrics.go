package metrics

import (
	"net/http"
	"sort"
	"sync"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/streamchecker/streamchecker/pkg/types"
	"github.com/streamchecker/streamchecker/server/internal/pipeline"
)

// Metric names.
const (
	StageOutcomes = "streamcheck_stage_outcomes_total"
	RunsTotal     = "streamcheck_runs_total"
	RunsScored    = "streamcheck_runs_scored_total"
	HealthScore   = "streamcheck_health_score"
	AdBreaks      = "streamcheck_ad_breaks_total"
)

type outcomeKey struct {
	stage   string
	outcome string
}

// Registry accumulates counters from pipeline events. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.Mutex
	outcomes map[outcomeKey]float64
	runs     float64
	scored   float64
	adBreaks float64
	// scores holds the last health score per stream.
	scores map[string]float64
}

var _ pipeline.Observer = (*Registry)(nil)

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		outcomes: make(map[outcomeKey]float64),
		scores:   make(map[string]float64),
	}
}

// StageFinished implements pipeline.Observer.
func (r *Registry) StageFinished(_ pipeline.Job, outcome types.StageOutcome, _ *types.ResultRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcomeKey{stage: outcome.Stage.String(), outcome: outcome.State}]++
}

// RunFinished implements pipeline.Observer.
func (r *Registry) RunFinished(job pipeline.Job, rec *types.ResultRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	if rec.HealthScore != nil {
		r.scored++
		r.scores[job.StreamID] = *rec.HealthScore
	}
	if a := rec.AdDetection; a != nil {
		r.adBreaks += float64(len(a.AdBreaks))
	}
}

// Gather returns the current metric families sorted by name.
func (r *Registry) Gather() []*dto.MetricFamily {
	r.mu.Lock()
	defer r.mu.Unlock()

	outcomes := family(StageOutcomes, "Stage outcomes by stage and outcome.", dto.MetricType_COUNTER)
	keys := make([]outcomeKey, 0, len(r.outcomes))
	for k := range r.outcomes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].stage != keys[j].stage {
			return keys[i].stage < keys[j].stage
		}
		return keys[i].outcome < keys[j].outcome
	})
	for _, k := range keys {
		outcomes.Metric = append(outcomes.Metric, counter(r.outcomes[k], label("stage", k.stage), label("outcome", k.outcome)))
	}

	runs := family(RunsTotal, "Finished check runs.", dto.MetricType_COUNTER)
	runs.Metric = []*dto.Metric{counter(r.runs)}
	scored := family(RunsScored, "Finished check runs that received a health score.", dto.MetricType_COUNTER)
	scored.Metric = []*dto.Metric{counter(r.scored)}
	ads := family(AdBreaks, "Ad breaks detected across all runs.", dto.MetricType_COUNTER)
	ads.Metric = []*dto.Metric{counter(r.adBreaks)}

	health := family(HealthScore, "Last health score per stream.", dto.MetricType_GAUGE)
	streams := make([]string, 0, len(r.scores))
	for id := range r.scores {
		streams = append(streams, id)
	}
	sort.Strings(streams)
	for _, id := range streams {
		health.Metric = append(health.Metric, gauge(r.scores[id], label("stream_id", id)))
	}

	out := []*dto.MetricFamily{ads, health, outcomes, runs, scored}
	// Families without samples are not exposed.
	kept := out[:0]
	for _, mf := range out {
		if len(mf.Metric) > 0 {
			kept = append(kept, mf)
		}
	}
	return kept
}

// ServeHTTP writes the registry in the Prometheus text format.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))
	enc := expfmt.NewEncoder(w, format)
	for _, mf := range r.Gather() {
		if err := enc.Encode(mf); err != nil {
			return
		}
	}
}

func family(name, help string, typ dto.MetricType) *dto.MetricFamily {
	return &dto.MetricFamily{Name: ptr(name), Help: ptr(help), Type: typ.Enum()}
}

func counter(v float64, labels ...*dto.LabelPair) *dto.Metric {
	return &dto.Metric{Label: labels, Counter: &dto.Counter{Value: ptr(v)}}
}

func gauge(v float64, labels ...*dto.LabelPair) *dto.Metric {
	return &dto.Metric{Label: labels, Gauge: &dto.Gauge{Value: ptr(v)}}
}

func label(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: ptr(name), Value: ptr(value)}
}

func ptr[T any](v T) *T { return &v }
