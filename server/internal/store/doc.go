// Package store persists check runs, request logs and the stream catalog.
// Memory keeps everything in process with TTL eviction; SQL stores it
// through gorm in SQLite or PostgreSQL. Stage snapshots are append-only: every
// stage of a run adds a row keyed by (test run, stage), never an update.
package store
