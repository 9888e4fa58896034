// Package service is the single entry point for starting a check. It runs the
// pre-flight sequence (selection, rate limit, URL admission, identifiers,
// request log) and then hands the run to the pipeline coordinator. The HTTP
// API, the scheduler and the CLI all submit through it.
package service
