package checks

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/streamchecker/streamchecker/pkg/types"
)

// userAgent is sent on every stream request.
const userAgent = "StreamChecker/1.0"

// newHTTPClient constructs an http.Client for one check. The client has no
// overall timeout because stream bodies never end; callers bound reads with
// their context.
func newHTTPClient(cfg types.CheckConfig) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectionTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: !cfg.VerifySSL}, //nolint:gosec // user-configured
		TLSHandshakeTimeout:   cfg.ConnectionTimeout,
		ResponseHeaderTimeout: cfg.ConnectionTimeout,
		DisableCompression:    true,
	}
	return &http.Client{Transport: transport}
}

// newStreamRequest builds a GET that asks the server for in-band ICY metadata.
func newStreamRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Icy-MetaData", "1")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	return req, nil
}
