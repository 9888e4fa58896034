package alerts

import (
	"strconv"
	"strings"

	"github.com/streamchecker/streamchecker/pkg/types"
)

// evalCondition evaluates a rule condition string against a finished record.
//
// Supported expressions (field operator value):
//
//	health_score < 60
//	issue_count >= 3
//	response_time_ms > 2000
//	silence_pct > 50
//	ad_breaks > 0
//	cert_days_left < 14
//	state == critical
//
// Returns the triggering value and whether the condition holds. known is false
// when the expression cannot be parsed or the record carries no evidence for
// the field (for example no health score because ad detection did not run);
// such a rule neither fires nor resolves.
func evalCondition(cond string, rec *types.ResultRecord) (fires bool, value float64, known bool) {
	parts := strings.Fields(cond)
	if len(parts) != 3 {
		return false, 0, false
	}
	field, op, rhs := parts[0], parts[1], parts[2]

	if field == "state" {
		if (op != "==" && op != "!=") || !rec.Scored() {
			return false, 0, false
		}
		return (rec.HealthState == rhs) == (op == "=="), 0, true
	}

	v, ok := numericField(field, rec)
	if !ok {
		return false, 0, false
	}
	threshold, err := strconv.ParseFloat(rhs, 64)
	if err != nil {
		return false, 0, false
	}
	return compareFloat(v, op, threshold), v, true
}

// numericField maps a field name to its value in the record.
func numericField(field string, rec *types.ResultRecord) (float64, bool) {
	switch field {
	case "health_score":
		if rec.HealthScore == nil {
			return 0, false
		}
		return *rec.HealthScore, true
	case "issue_count":
		if !rec.Scored() {
			return 0, false
		}
		return float64(len(rec.Issues)), true
	case "response_time_ms":
		if c := rec.Connectivity; c != nil && c.Status == types.StatusSuccess {
			return c.ResponseTimeMs, true
		}
	case "silence_pct":
		if a := rec.AudioAnalysis; a != nil && a.Status == types.StatusSuccess {
			return a.SilencePercent, true
		}
	case "ad_breaks":
		if a := rec.AdDetection; a != nil && a.Status == types.StatusSuccess {
			return float64(len(a.AdBreaks)), true
		}
	case "cert_days_left":
		if c := rec.Connectivity; c != nil && c.TLS != nil {
			return float64(c.TLS.DaysLeft), true
		}
	}
	return 0, false
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}
