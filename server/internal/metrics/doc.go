// Package metrics counts check runs and stage outcomes and serves them in the
// Prometheus text exposition format. Registry is a pipeline.Observer.
package metrics
