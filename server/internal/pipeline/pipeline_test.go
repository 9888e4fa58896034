package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/streamchecker/streamchecker/pkg/types"
	"github.com/streamchecker/streamchecker/server/internal/compute"
	"github.com/streamchecker/streamchecker/server/internal/selection"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- fakes ---

type persisted struct {
	stage int
	json  string
}

type fakeStore struct {
	mu    sync.Mutex
	calls []persisted
	err   error
}

func (s *fakeStore) PersistStage(_ context.Context, _, _ string, stage int, rec *types.ResultRecord) error {
	data, _ := json.Marshal(rec)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, persisted{stage: stage, json: string(data)})
	return s.err
}

func (s *fakeStore) stages() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.stage
	}
	return out
}

type recordingObserver struct {
	outcomes []types.StageOutcome
	runs     int
}

func (o *recordingObserver) StageFinished(_ Job, out types.StageOutcome, _ *types.ResultRecord) {
	o.outcomes = append(o.outcomes, out)
}

func (o *recordingObserver) RunFinished(Job, *types.ResultRecord) { o.runs++ }

type panickyObserver struct{}

func (panickyObserver) StageFinished(Job, types.StageOutcome, *types.ResultRecord) { panic("observer") }
func (panickyObserver) RunFinished(Job, *types.ResultRecord)                        { panic("observer") }

// counter records which checkers ran.
type counter struct {
	mu    sync.Mutex
	calls []types.StageKind
}

func (c *counter) ran(k types.StageKind) {
	c.mu.Lock()
	c.calls = append(c.calls, k)
	c.mu.Unlock()
}

func okCheckers(c *counter) Checkers {
	return Checkers{
		Connectivity: CheckerFunc(func(context.Context, string, *types.ResultRecord, types.CheckConfig) (types.StageBlock, error) {
			c.ran(types.StageConnectivity)
			return &types.ConnectivityResult{
				Connectivity: &types.ConnectivityBlock{Status: types.StatusSuccess, Reachable: true, HTTPS: true, ResponseTimeMs: 50},
				StreamInfo:   &types.StreamInfo{StreamType: "mp3", BitrateKbps: 128},
				Metadata:     &types.StreamMetadata{Name: "Test FM"},
			}, nil
		}),
		PlayerTest: CheckerFunc(func(context.Context, string, *types.ResultRecord, types.CheckConfig) (types.StageBlock, error) {
			c.ran(types.StagePlayerTest)
			return &types.PlayerResult{
				Player:  &types.PlayerTestBlock{Status: types.StatusSuccess, PlayedSeconds: 5},
				Quality: types.ConnectionQuality{Stable: true},
			}, nil
		}),
		AudioAnalysis: CheckerFunc(func(context.Context, string, *types.ResultRecord, types.CheckConfig) (types.StageBlock, error) {
			c.ran(types.StageAudioAnalysis)
			return &types.AudioAnalysisBlock{Status: types.StatusSuccess, MeanVolumeDB: -16}, nil
		}),
		AdDetection: CheckerFunc(func(context.Context, string, *types.ResultRecord, types.CheckConfig) (types.StageBlock, error) {
			c.ran(types.StageAdDetection)
			return &types.AdDetectionBlock{Status: types.StatusSuccess, MonitoredSeconds: 10}, nil
		}),
	}
}

func failing(msg string) Checker {
	return CheckerFunc(func(context.Context, string, *types.ResultRecord, types.CheckConfig) (types.StageBlock, error) {
		return nil, errors.New(msg)
	})
}

func mustSelect(t *testing.T, tests map[string]interface{}) selection.Selection {
	t.Helper()
	var in selection.Input
	if tests != nil {
		in.Tests = tests
	}
	sel, err := selection.Resolve(in, types.CheckConfig{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return sel
}

var job = Job{TestRunID: "run-1", StreamID: "stream-1", URL: "https://radio.example.com/live"}

// --- tests ---

func TestOrchestrate_AllStagesSucceed(t *testing.T) {
	var c counter
	store := &fakeStore{}
	coord := New(okCheckers(&c), store, Options{Logger: discard})

	rec := coord.Orchestrate(context.Background(), job, mustSelect(t, nil))

	wantCompleted := []string{
		types.NameConnectivity, types.NameStreamInfo, types.NameMetadata,
		types.NamePlayerTest, types.NameAudioAnalysis, types.NameAdDetection,
	}
	if !reflect.DeepEqual(rec.TestsCompleted, wantCompleted) {
		t.Errorf("TestsCompleted = %v, want %v", rec.TestsCompleted, wantCompleted)
	}
	if !rec.Scored() || *rec.HealthScore != 100 || rec.HealthState != compute.StateHealthy {
		t.Errorf("verdict = %v/%q, want 100/healthy", rec.HealthScore, rec.HealthState)
	}
	if got := store.stages(); !reflect.DeepEqual(got, []int{1, 2, 3, 4}) {
		t.Errorf("persisted stages = %v", got)
	}
}

func TestOrchestrate_ConnectivityFailureDoesNotAbort(t *testing.T) {
	var c counter
	checkers := okCheckers(&c)
	checkers.Connectivity = failing("dial tcp: connection refused")
	coord := New(checkers, &fakeStore{}, Options{Logger: discard})

	rec := coord.Orchestrate(context.Background(), job, mustSelect(t, nil))

	if rec.Connectivity == nil || rec.Connectivity.Status != types.StatusError {
		t.Fatalf("Connectivity = %+v, want error block", rec.Connectivity)
	}
	if rec.Connectivity.Error != "Connectivity test failed: dial tcp: connection refused" {
		t.Errorf("Connectivity.Error = %q", rec.Connectivity.Error)
	}
	want := []string{types.NamePlayerTest, types.NameAudioAnalysis, types.NameAdDetection}
	if !reflect.DeepEqual(rec.TestsCompleted, want) {
		t.Errorf("TestsCompleted = %v, want %v", rec.TestsCompleted, want)
	}
	if !reflect.DeepEqual(c.calls, []types.StageKind{types.StagePlayerTest, types.StageAudioAnalysis, types.StageAdDetection}) {
		t.Errorf("later stages not attempted: %v", c.calls)
	}
	if rec.HealthScore == nil || *rec.HealthScore > compute.ConnectivityFailedCap {
		t.Errorf("HealthScore = %v, want capped at %v", rec.HealthScore, compute.ConnectivityFailedCap)
	}
}

func TestOrchestrate_ConnectivityOnlyIsNotScored(t *testing.T) {
	var c counter
	coord := New(okCheckers(&c), &fakeStore{}, Options{Logger: discard})

	rec := coord.Orchestrate(context.Background(), job, mustSelect(t, map[string]interface{}{"connectivity": true}))

	if !reflect.DeepEqual(rec.TestsCompleted, []string{types.NameConnectivity}) {
		t.Errorf("TestsCompleted = %v", rec.TestsCompleted)
	}
	if len(c.calls) != 1 {
		t.Errorf("ran %v, want connectivity only", c.calls)
	}
	if rec.StreamInfo != nil || rec.Metadata != nil {
		t.Error("unrequested sub-facets must be dropped")
	}

	data, _ := json.Marshal(rec)
	for _, k := range []string{"healthScore", "issues", "recommendations"} {
		if strings.Contains(string(data), `"`+k+`"`) {
			t.Errorf("unscored record contains %q: %s", k, data)
		}
	}
}

func TestOrchestrate_AdOnlyRunsConnectivityFirst(t *testing.T) {
	var c counter
	store := &fakeStore{}
	coord := New(okCheckers(&c), store, Options{Logger: discard})

	rec := coord.Orchestrate(context.Background(), job, mustSelect(t, map[string]interface{}{"adDetection": true}))

	if !reflect.DeepEqual(c.calls, []types.StageKind{types.StageConnectivity, types.StageAdDetection}) {
		t.Errorf("ran %v", c.calls)
	}
	if !reflect.DeepEqual(rec.TestsCompleted, []string{types.NameConnectivity, types.NameAdDetection}) {
		t.Errorf("TestsCompleted = %v", rec.TestsCompleted)
	}
	if got := store.stages(); !reflect.DeepEqual(got, []int{1, 4}) {
		t.Errorf("persisted stages = %v", got)
	}
	if !rec.Scored() {
		t.Error("ad detection run must be scored")
	}
}

func TestOrchestrate_AdFailureStillScored(t *testing.T) {
	var c counter
	checkers := okCheckers(&c)
	checkers.AdDetection = failing("icy stream closed")
	coord := New(checkers, &fakeStore{}, Options{Logger: discard})

	rec := coord.Orchestrate(context.Background(), job, mustSelect(t, nil))

	if rec.AdDetection == nil || rec.AdDetection.Status != types.StatusError {
		t.Fatalf("AdDetection = %+v", rec.AdDetection)
	}
	if !rec.Scored() {
		t.Fatal("record must carry a best-effort score")
	}
	data, _ := json.Marshal(rec)
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["issues"].([]interface{}); !ok {
		t.Errorf("issues missing: %s", data)
	}
	if _, ok := m["recommendations"].([]interface{}); !ok {
		t.Errorf("recommendations missing: %s", data)
	}
	for _, name := range rec.TestsCompleted {
		if name == types.NameAdDetection {
			t.Error("failed stage must not be completed")
		}
	}
}

func TestOrchestrate_ScorerFailureSwallowed(t *testing.T) {
	var c counter
	checkers := okCheckers(&c)
	checkers.AdDetection = failing("boom")
	scorer := func(*types.ResultRecord) (compute.Output, error) {
		return compute.Output{}, compute.ErrMalformedRecord
	}
	store := &fakeStore{}
	coord := New(checkers, store, Options{Logger: discard, Scorer: scorer})

	rec := coord.Orchestrate(context.Background(), job, mustSelect(t, nil))

	if rec.Scored() || rec.HealthState != "" || rec.Issues != nil {
		t.Errorf("verdict written despite scorer failure: %+v", rec)
	}
	if len(rec.TestsCompleted) == 0 {
		t.Error("rest of the record must still be returned")
	}
	if len(store.stages()) != 4 {
		t.Errorf("persisted %v", store.stages())
	}
}

func TestOrchestrate_PanicsAreCaptured(t *testing.T) {
	var c counter
	checkers := okCheckers(&c)
	checkers.PlayerTest = CheckerFunc(func(context.Context, string, *types.ResultRecord, types.CheckConfig) (types.StageBlock, error) {
		panic("nil map")
	})
	scorer := func(*types.ResultRecord) (compute.Output, error) { panic("scorer") }
	coord := New(checkers, nil, Options{Logger: discard, Scorer: scorer})

	rec := coord.Orchestrate(context.Background(), job, mustSelect(t, nil))

	if rec.PlayerTest == nil || rec.PlayerTest.Error != "Player test failed: panic: nil map" {
		t.Errorf("PlayerTest = %+v", rec.PlayerTest)
	}
	if rec.Scored() {
		t.Error("panicking scorer must leave the record unscored")
	}
}

func TestOrchestrate_StageTimeout(t *testing.T) {
	var c counter
	checkers := okCheckers(&c)
	release := make(chan struct{})
	defer close(release)
	checkers.AudioAnalysis = CheckerFunc(func(context.Context, string, *types.ResultRecord, types.CheckConfig) (types.StageBlock, error) {
		<-release // ignores its context
		return &types.AudioAnalysisBlock{Status: types.StatusSuccess}, nil
	})
	coord := New(checkers, nil, Options{Logger: discard, StageGrace: 20 * time.Millisecond})

	sel := mustSelect(t, nil)
	sel.Config.AudioDuration = 10 * time.Millisecond

	start := time.Now()
	rec := coord.Orchestrate(context.Background(), job, sel)
	if time.Since(start) > 2*time.Second {
		t.Fatalf("runner did not abandon the stuck checker")
	}
	if rec.AudioAnalysis == nil || !strings.HasPrefix(rec.AudioAnalysis.Error, "Audio analysis failed: timed out after") {
		t.Errorf("AudioAnalysis = %+v", rec.AudioAnalysis)
	}
	if rec.AdDetection == nil || rec.AdDetection.Status != types.StatusSuccess {
		t.Error("ad detection must still run after a timeout")
	}
}

func TestOrchestrate_MissingChecker(t *testing.T) {
	var c counter
	checkers := okCheckers(&c)
	checkers.PlayerTest = nil
	coord := New(checkers, nil, Options{Logger: discard})

	rec := coord.Orchestrate(context.Background(), job, mustSelect(t, map[string]interface{}{"playerTest": true}))
	if rec.StageStatus(types.StagePlayerTest) != types.StatusError {
		t.Errorf("PlayerTest = %+v", rec.PlayerTest)
	}
}

func TestOrchestrate_PersistFailureIgnored(t *testing.T) {
	var c counter
	store := &fakeStore{err: errors.New("disk full")}
	coord := New(okCheckers(&c), store, Options{Logger: discard})

	rec := coord.Orchestrate(context.Background(), job, mustSelect(t, nil))
	if !rec.Scored() || len(rec.TestsCompleted) != 6 {
		t.Errorf("persist failure changed the result: %+v", rec)
	}
}

func TestOrchestrate_SnapshotsAreIncremental(t *testing.T) {
	var c counter
	store := &fakeStore{}
	coord := New(okCheckers(&c), store, Options{Logger: discard})
	coord.Orchestrate(context.Background(), job, mustSelect(t, nil))

	first := store.calls[0].json
	if strings.Contains(first, "playerTest") || strings.Contains(first, "healthScore") {
		t.Errorf("stage 1 snapshot contains later data: %s", first)
	}
	last := store.calls[len(store.calls)-1].json
	if !strings.Contains(last, "healthScore") {
		t.Errorf("final snapshot is not scored: %s", last)
	}
}

func TestOrchestrate_Observers(t *testing.T) {
	var c counter
	obs := &recordingObserver{}
	coord := New(okCheckers(&c), nil, Options{
		Logger:    discard,
		Observers: []Observer{panickyObserver{}, obs},
	})
	sel := mustSelect(t, map[string]interface{}{"playerTest": true})

	coord.Orchestrate(context.Background(), job, sel)

	want := []types.StageOutcome{
		types.Succeeded(types.StageConnectivity),
		types.Succeeded(types.StagePlayerTest),
		types.Skipped(types.StageAudioAnalysis),
		types.Skipped(types.StageAdDetection),
	}
	if !reflect.DeepEqual(obs.outcomes, want) {
		t.Errorf("outcomes = %+v, want %+v", obs.outcomes, want)
	}
	if obs.runs != 1 {
		t.Errorf("RunFinished called %d times", obs.runs)
	}
}

func TestOrchestrate_DisabledStagesReportedSkipped(t *testing.T) {
	var c counter
	store := &fakeStore{}
	obs := &recordingObserver{}
	coord := New(okCheckers(&c), store, Options{Logger: discard, Observers: []Observer{obs}})

	coord.Orchestrate(context.Background(), job, mustSelect(t, map[string]interface{}{"connectivity": true}))

	want := []types.StageOutcome{
		types.Succeeded(types.StageConnectivity),
		types.Skipped(types.StagePlayerTest),
		types.Skipped(types.StageAudioAnalysis),
		types.Skipped(types.StageAdDetection),
	}
	if !reflect.DeepEqual(obs.outcomes, want) {
		t.Errorf("outcomes = %+v, want %+v", obs.outcomes, want)
	}
	if len(c.calls) != 1 {
		t.Errorf("ran %v, want connectivity only", c.calls)
	}
	if got := store.stages(); !reflect.DeepEqual(got, []int{1}) {
		t.Errorf("persisted stages = %v, want [1]", got)
	}
}

func TestOrchestrate_ConcurrentRuns(t *testing.T) {
	var c counter
	store := &fakeStore{}
	coord := New(okCheckers(&c), store, Options{Logger: discard})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			coord.Orchestrate(context.Background(), job, mustSelect(t, nil))
		}()
	}
	wg.Wait()
	if got := len(store.stages()); got != 32 {
		t.Errorf("persisted %d snapshots, want 32", got)
	}
}

func TestStageBudget(t *testing.T) {
	cfg := types.CheckConfig{
		ConnectionTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		PlayerDuration:    5 * time.Second,
		AudioDuration:     10 * time.Second,
		AdDuration:        60 * time.Second,
	}
	want := map[types.StageKind]time.Duration{
		types.StageConnectivity:  90 * time.Second,
		types.StagePlayerTest:    35 * time.Second,
		types.StageAudioAnalysis: 40 * time.Second,
		types.StageAdDetection:   90 * time.Second,
	}
	for k, d := range want {
		if got := StageBudget(k, cfg); got != d {
			t.Errorf("StageBudget(%s) = %v, want %v", k, got, d)
		}
	}
}
