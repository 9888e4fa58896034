// Package security holds the request-admission helpers that run before a
// check starts: URL validation, test-run and stream identifiers, client
// identification for rate accounting, and inspection of the TLS certificate
// a stream presents.
package security
