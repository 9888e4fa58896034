// Package alerts implements the rule evaluation engine and webhook delivery
// for stream health alerting. Rules are evaluated against every finished
// check run; webhooks are delivered to Teams, Slack or generic HTTP targets.
package alerts
