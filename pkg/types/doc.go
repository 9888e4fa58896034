// Package types defines the Go types shared by the server packages and the
// streamcheck CLI. These are the canonical in-memory representations of a
// stream diagnosis: the ordered stage enumeration, the per-stage outcome, the
// resolved check configuration and the accumulating ResultRecord that is
// returned to callers and persisted after every stage.
package types
