package security

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cerrors "github.com/cockroachdb/errors"

	"github.com/streamchecker/streamchecker/server/internal/config"
)

// staticResolver answers every lookup with the same addresses.
type staticResolver struct {
	addrs []string
	err   error
}

func (s staticResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]net.IPAddr, len(s.addrs))
	for i, a := range s.addrs {
		out[i] = net.IPAddr{IP: net.ParseIP(a)}
	}
	return out, nil
}

func newValidator(block bool, r Resolver) *Validator {
	cfg := config.Default().Security
	cfg.BlockPrivateIPs = block
	cfg.MaxURLLength = 64
	return NewValidator(cfg, r)
}

func TestValidate(t *testing.T) {
	public := staticResolver{addrs: []string{"93.184.216.34"}}
	private := staticResolver{addrs: []string{"93.184.216.34", "10.0.0.7"}}

	tests := []struct {
		name    string
		block   bool
		res     Resolver
		url     string
		wantErr string
	}{
		{"http ok", false, nil, "http://radio.example.com:8000/live", ""},
		{"https ok", false, nil, "https://radio.example.com/stream.aac", ""},
		{"empty", false, nil, "  ", "URL is required"},
		{"too long", false, nil, "http://radio.example.com/" + strings.Repeat("a", 64), "maximum length of 64"},
		{"ftp scheme", false, nil, "ftp://radio.example.com/x", "scheme 'ftp' is not allowed"},
		{"no scheme", false, nil, "radio.example.com/live", "Invalid URL format"},
		{"no host", false, nil, "http:///live", "must include a host"},
		{"credentials", false, nil, "http://u:p@radio.example.com/", "embedded credentials"},
		{"private literal allowed when not blocking", false, nil, "http://192.168.1.5/live", ""},
		{"private literal", true, public, "http://192.168.1.5/live", "Private or local"},
		{"loopback v6", true, public, "http://[::1]:8000/", "Private or local"},
		{"localhost", true, public, "http://localhost:8000/", "Private or local"},
		{"resolves public", true, public, "http://radio.example.com/", ""},
		{"resolves private", true, private, "http://radio.example.com/", "Private or local"},
		{"unresolvable", true, staticResolver{err: errors.New("no such host")}, "http://nope.invalid/", "Could not resolve"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := newValidator(tc.block, tc.res).Validate(context.Background(), tc.url)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate(%q) = %v, want nil", tc.url, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate(%q) = nil, want error containing %q", tc.url, tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not contain %q", err, tc.wantErr)
			}
			if !cerrors.Is(err, ErrInvalidURL) {
				t.Errorf("error %v not marked ErrInvalidURL", err)
			}
		})
	}
}

func TestStreamID(t *testing.T) {
	a := StreamID("http://radio.example.com/live")
	b := StreamID("  http://radio.example.com/live\n")
	c := StreamID("http://radio.example.com/live2")
	if a != b {
		t.Errorf("StreamID not stable under whitespace: %q vs %q", a, b)
	}
	if a == c {
		t.Error("different URLs share a stream id")
	}
	if len(a) != streamIDLength {
		t.Errorf("len = %d, want %d", len(a), streamIDLength)
	}
}

func TestNewTestRunID(t *testing.T) {
	a, b := NewTestRunID(), NewTestRunID()
	if a == b {
		t.Error("run ids must be unique")
	}
	if len(a) != 36 {
		t.Errorf("run id %q is not a uuid", a)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote addr", nil, "203.0.113.9:51234", "203.0.113.9"},
		{"forwarded for", map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"}, "10.0.0.1:80", "198.51.100.1"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.2"}, "10.0.0.1:80", "198.51.100.2"},
		{"no port", nil, "203.0.113.9", "203.0.113.9"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIP(r); got != tc.want {
				t.Errorf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestUserAgent(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Del("User-Agent")
	if got := UserAgent(r); got != "unknown" {
		t.Errorf("UserAgent = %q", got)
	}
	r.Header.Set("User-Agent", "curl/8.0")
	if got := UserAgent(r); got != "curl/8.0" {
		t.Errorf("UserAgent = %q", got)
	}
}

func TestCertStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	state := func(notAfter time.Time) *tls.ConnectionState {
		return &tls.ConnectionState{PeerCertificates: []*x509.Certificate{{
			NotAfter: notAfter,
			Issuer:   pkix.Name{CommonName: "Test CA"},
		}}}
	}

	tests := []struct {
		name     string
		notAfter time.Time
		want     string
		days     int
	}{
		{"valid", now.Add(90 * 24 * time.Hour), CertValid, 90},
		{"expiring", now.Add(10 * 24 * time.Hour), CertExpiring, 10},
		{"boundary", now.Add(30 * 24 * time.Hour), CertExpiring, 30},
		{"expired", now.Add(-36 * time.Hour), CertExpired, -2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cs := CertStatus(state(tc.notAfter), now)
			if cs == nil {
				t.Fatal("CertStatus returned nil")
			}
			if cs.Status != tc.want || cs.DaysLeft != tc.days {
				t.Errorf("got %s/%d, want %s/%d", cs.Status, cs.DaysLeft, tc.want, tc.days)
			}
			if cs.Issuer != "Test CA" {
				t.Errorf("Issuer = %q", cs.Issuer)
			}
		})
	}

	if CertStatus(nil, now) != nil {
		t.Error("nil state must yield nil")
	}
	if CertStatus(&tls.ConnectionState{}, now) != nil {
		t.Error("no certificates must yield nil")
	}
}
