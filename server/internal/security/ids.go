package security

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// streamIDLength is the number of hex characters kept from the URL digest.
const streamIDLength = 16

// NewTestRunID returns a fresh random run identifier.
func NewTestRunID() string {
	return uuid.New().String()
}

// StreamID returns the deterministic identifier of a stream URL. Surrounding
// whitespace is ignored so the same stream always maps to the same id.
func StreamID(rawURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(rawURL)))
	return hex.EncodeToString(sum[:])[:streamIDLength]
}

// ClientIP returns the originating address of r, honouring the first entry of
// X-Forwarded-For and then X-Real-IP before falling back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// UserAgent returns the request's User-Agent, or "unknown".
func UserAgent(r *http.Request) string {
	if ua := r.UserAgent(); ua != "" {
		return ua
	}
	return "unknown"
}
