// Package config loads the stream checker configuration file.
//
// Sections:
//   - server: HTTP port and the CORS origin allow-list
//   - database: storage backend (sqlite, postgres or memory) and retention
//   - security: URL admission rules, rate limit and network timeouts
//   - checks: ffmpeg location, sample windows and silence thresholds
//   - alerts: rules over finished runs and the webhooks they notify
//   - schedule: recurring checks as cron expressions
//
// Load(path) expands ${VAR} references, applies defaults before
// unmarshalling, then validates. Watch(ctx, path, fn) reloads the file when it
// changes and hands each valid result to fn.
package config
