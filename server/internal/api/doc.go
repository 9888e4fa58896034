// Package api implements the HTTP API of the stream checker server.
//
// New(svc, alerts, logger) returns an http.Handler that serves:
//
//	GET  /api/health                    liveness
//	POST /api/streams/check             run a check synchronously, returns the record
//	GET  /api/jobs/{testRunId}          request log entry of a run; 404 if unknown
//	GET  /api/jobs/{testRunId}/results  latest persisted record of a run; 404 if unknown
//	GET  /api/requests/stats            rate accounting of the calling client
//	GET  /api/alerts                    firing and recently resolved alerts
//
// Errors are JSON {"error": "..."}; pre-flight rejections (selection, URL)
// return 400 with the message unchanged and rate limiting returns 429.
//
// CORS wraps any handler with the configured origin allow-list. Origins may
// contain * wildcards (https://*.github.io, http://localhost:*).
//
// JSON types are defined in types.go. No external HTTP framework is used.
package api
