package types

import (
	"encoding/json"
	"testing"
)

func decodeMap(t *testing.T, v interface{}) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestMarshal_UnscoredHasNoVerdictFields(t *testing.T) {
	rec := NewRecord("run-1", "stream-1", "http://example.com/live.mp3", []string{NameConnectivity})
	rec.Merge(&ConnectivityResult{Connectivity: &ConnectivityBlock{Status: StatusSuccess, Reachable: true}})
	rec.MarkCompleted(NameConnectivity)

	m := decodeMap(t, rec)
	for _, k := range []string{"healthScore", "healthState", "issues", "recommendations"} {
		if _, ok := m[k]; ok {
			t.Errorf("unscored record has %q", k)
		}
	}
	if m["testRunId"] != "run-1" {
		t.Errorf("testRunId: got %v", m["testRunId"])
	}
	completed := m["testsCompleted"].([]interface{})
	if len(completed) != 1 || completed[0] != NameConnectivity {
		t.Errorf("testsCompleted: got %v", completed)
	}
}

func TestMarshal_ScoredAlwaysHasLists(t *testing.T) {
	rec := NewRecord("run-1", "stream-1", "http://x", nil)
	rec.SetVerdict(100, "healthy", nil, nil)

	m := decodeMap(t, rec)
	if m["healthScore"].(float64) != 100 {
		t.Errorf("healthScore: got %v", m["healthScore"])
	}
	issues, ok := m["issues"].([]interface{})
	if !ok || len(issues) != 0 {
		t.Errorf("issues: got %#v, want empty list", m["issues"])
	}
	recs, ok := m["recommendations"].([]interface{})
	if !ok || len(recs) != 0 {
		t.Errorf("recommendations: got %#v, want empty list", m["recommendations"])
	}
}

func TestMarkFailed_WritesErrorBlock(t *testing.T) {
	for _, k := range Stages {
		rec := NewRecord("r", "s", "u", nil)
		rec.MarkFailed(k, "boom")
		if got := rec.StageStatus(k); got != StatusError {
			t.Errorf("%s: status = %q, want error", k, got)
		}
		if !rec.Attempted(k) {
			t.Errorf("%s: Attempted = false after failure", k)
		}
		if len(rec.TestsCompleted) != 0 {
			t.Errorf("%s: failure must not complete the stage", k)
		}
	}
}

func TestRoundTrip_PreservesVerdict(t *testing.T) {
	rec := NewRecord("run-9", "stream-9", "https://x/y", []string{NameConnectivity, NameAdDetection})
	rec.MarkFailed(StageAdDetection, "Ad detection failed: timeout")
	rec.SetVerdict(72.5, "degraded", []string{"a"}, []string{"b"})

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back ResultRecord
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.HealthScore == nil || *back.HealthScore != 72.5 {
		t.Fatalf("HealthScore: got %v", back.HealthScore)
	}
	if len(back.Issues) != 1 || back.Issues[0] != "a" {
		t.Errorf("Issues: got %v", back.Issues)
	}
	if back.AdDetection == nil || back.AdDetection.Error != "Ad detection failed: timeout" {
		t.Errorf("AdDetection: got %+v", back.AdDetection)
	}
}

func TestStageKind_String(t *testing.T) {
	want := []string{NameConnectivity, NamePlayerTest, NameAudioAnalysis, NameAdDetection}
	for i, k := range Stages {
		if k.String() != want[i] {
			t.Errorf("Stages[%d] = %q, want %q", i, k.String(), want[i])
		}
		if k.Index() != i+1 {
			t.Errorf("Stages[%d].Index() = %d", i, k.Index())
		}
	}
}
