// Package pipeline runs the four diagnostic stages of a stream check in their
// fixed order (connectivity, player test, audio analysis, ad detection) and
// accumulates their output into one types.ResultRecord.
//
// A stage failure never aborts a run: the runner recovers checker errors,
// panics and deadline overruns, writes a {status: "error"} block into the
// stage's slot and moves on. The record is persisted after every attempted
// stage and scored once ad detection has been attempted.
package pipeline
