// Package scheduler runs the configured recurring stream checks.
//
// Each schedule entry is a standard five-field cron expression (descriptors
// such as @hourly and @every 10m are accepted too). A firing entry submits a
// check through the same service entry point the API uses, without rate
// accounting and with "scheduler" as the client address. A run that is still
// in progress when its entry fires again causes that firing to be skipped.
package scheduler
