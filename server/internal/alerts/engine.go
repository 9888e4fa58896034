package alerts

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/streamchecker/streamchecker/pkg/types"
	"github.com/streamchecker/streamchecker/server/internal/config"
	"github.com/streamchecker/streamchecker/server/internal/pipeline"
)

const (
	defaultCooldown   = 15 * time.Minute
	maxHistoryLen     = 200
	recentWindowHours = 1
)

// Alert represents a single alert event produced by the rule engine.
type Alert struct {
	ID         string     `json:"id"`
	RuleName   string     `json:"ruleName"`
	StreamID   string     `json:"streamId"`
	StreamURL  string     `json:"streamUrl"`
	TestRunID  string     `json:"testRunId"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	FiredAt    time.Time  `json:"firedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	State      string     `json:"state"` // "firing" | "resolved"
}

// Engine evaluates alert rules against finished check runs and delivers
// webhook notifications when rules fire or resolve. It is a
// pipeline.Observer.
//
// Engine is safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	rules    []config.AlertRule
	webhooks []config.WebhookConfig
	active   map[string]*Alert    // key: "ruleName:streamID"
	lastFire map[string]time.Time // last fire time per key (for cooldown)
	history  []*Alert             // recently resolved alerts

	client *http.Client
	now    func() time.Time
	// deliverFn sends notifications; tests replace it to run synchronously.
	deliverFn func(a Alert, hooks []config.WebhookConfig)
}

var _ pipeline.Observer = (*Engine)(nil)

// New creates an Engine from the alert configuration.
// An Engine with empty rules is valid; Evaluate becomes a no-op.
func New(cfg config.AlertsConfig) *Engine {
	e := &Engine{
		rules:    cfg.Rules,
		webhooks: cfg.Webhooks,
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
	e.deliverFn = func(a Alert, hooks []config.WebhookConfig) { go e.deliver(&a, hooks) }
	return e
}

// Reconfigure replaces rules and webhooks. Firing alerts of rules that no
// longer exist stay active until their stream is checked again.
func (e *Engine) Reconfigure(cfg config.AlertsConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = cfg.Rules
	e.webhooks = cfg.Webhooks
}

// StageFinished implements pipeline.Observer. Alerts only look at whole runs.
func (e *Engine) StageFinished(pipeline.Job, types.StageOutcome, *types.ResultRecord) {}

// RunFinished implements pipeline.Observer.
func (e *Engine) RunFinished(_ pipeline.Job, rec *types.ResultRecord) {
	e.Evaluate(rec)
}

// Evaluate tests all configured rules against rec.
// Alerts that fire are stored and webhook delivery is triggered asynchronously.
// Alerts that were firing but whose condition is now false are resolved.
func (e *Engine) Evaluate(rec *types.ResultRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.rules) == 0 {
		return
	}

	now := e.now()
	for _, rule := range e.rules {
		key := rule.Name + ":" + rec.StreamID
		fires, value, known := evalCondition(rule.Condition, rec)
		if !known {
			continue
		}

		if !fires {
			if a, ok := e.active[key]; ok {
				resolved := now
				a.State = "resolved"
				a.ResolvedAt = &resolved
				delete(e.active, key)

				e.history = append(e.history, a)
				if len(e.history) > maxHistoryLen {
					e.history = e.history[len(e.history)-maxHistoryLen:]
				}
				slog.Info("alerts: resolved", "rule", rule.Name, "stream_id", rec.StreamID)
				e.deliverFn(*a, e.webhooks)
			}
			continue
		}

		cooldown := rule.Cooldown
		if cooldown <= 0 {
			cooldown = defaultCooldown
		}
		if now.Sub(e.lastFire[key]) <= cooldown {
			continue
		}
		sev := rule.Severity
		if sev == "" {
			sev = "warning"
		}
		a := &Alert{
			ID:        fmt.Sprintf("%s:%s:%d", rule.Name, rec.StreamID, now.UnixNano()),
			RuleName:  rule.Name,
			StreamID:  rec.StreamID,
			StreamURL: rec.StreamURL,
			TestRunID: rec.TestRunID,
			Severity:  sev,
			Value:     value,
			Message: fmt.Sprintf("[%s] %s fired on %s: %s (value %.2f)",
				sev, rule.Name, rec.StreamURL, rule.Condition, value),
			FiredAt: now,
			State:   "firing",
		}
		e.active[key] = a
		e.lastFire[key] = now

		slog.Warn("alerts: fired",
			"rule", rule.Name,
			"stream_id", rec.StreamID,
			"value", value,
			"severity", sev,
		)
		e.deliverFn(*a, e.webhooks)
	}
}

// Active returns copies of all currently firing alerts plus any alerts
// resolved within the past hour, sorted newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-recentWindowHours * time.Hour)
	out := make([]*Alert, 0, len(e.active))

	for _, a := range e.active {
		cp := *a
		out = append(out, &cp)
	}
	for _, a := range e.history {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return latest(out[i]).After(latest(out[j])) })
	return out
}

func latest(a *Alert) time.Time {
	if a.ResolvedAt != nil {
		return *a.ResolvedAt
	}
	return a.FiredAt
}
