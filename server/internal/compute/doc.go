// Package compute derives the health verdict of a stream from its finished
// result record.
//
// Compute is a pure function: the score starts at 100, each rule subtracts a
// fixed penalty and appends an issue (and usually a recommendation) in stage
// order, and a failed connectivity stage caps the score at 25. Every penalty
// and threshold is an exported constant so callers and tests can reason about
// exact boundaries.
//
// Health state thresholds: Healthy ≥85, Degraded 60–84, Critical <60.
package compute
