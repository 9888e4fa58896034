package security

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/streamchecker/streamchecker/server/internal/config"
)

// ErrInvalidURL marks every URL rejection. The error message is safe to
// return to the caller.
var ErrInvalidURL = errors.New("invalid url")

func invalid(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidURL)
}

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Validator admits stream URLs according to the security configuration.
type Validator struct {
	allowed         map[string]bool
	maxLength       int
	blockPrivateIPs bool
	resolver        Resolver
}

// NewValidator builds a Validator from cfg. resolver may be nil, in which
// case net.DefaultResolver is used for private-address checks.
func NewValidator(cfg config.SecurityConfig, resolver Resolver) *Validator {
	v := &Validator{
		allowed:         make(map[string]bool, len(cfg.AllowedSchemes)),
		maxLength:       cfg.MaxURLLength,
		blockPrivateIPs: cfg.BlockPrivateIPs,
		resolver:        resolver,
	}
	for _, s := range cfg.AllowedSchemes {
		v.allowed[s] = true
	}
	if v.resolver == nil {
		v.resolver = net.DefaultResolver
	}
	return v
}

// Validate returns nil if raw may be checked, or an error marked ErrInvalidURL.
func (v *Validator) Validate(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return invalid("URL is required")
	}
	if v.maxLength > 0 && len(raw) > v.maxLength {
		return invalid("URL exceeds maximum length of %d characters", v.maxLength)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return invalid("Invalid URL format")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return invalid("Invalid URL format")
	}
	if !v.allowed[scheme] {
		return invalid("URL scheme '%s' is not allowed", scheme)
	}
	host := u.Hostname()
	if host == "" {
		return invalid("URL must include a host")
	}
	if u.User != nil {
		return invalid("URLs with embedded credentials are not allowed")
	}

	if v.blockPrivateIPs {
		return v.checkAddress(ctx, host)
	}
	return nil
}

// checkAddress rejects hosts that are, or resolve to, private, loopback,
// link-local or unspecified addresses.
func (v *Validator) checkAddress(ctx context.Context, host string) error {
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return invalid("Private or local addresses are not allowed")
	}
	if ip := net.ParseIP(host); ip != nil {
		if blockedIP(ip) {
			return invalid("Private or local addresses are not allowed")
		}
		return nil
	}
	addrs, err := v.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return invalid("Could not resolve host '%s'", host)
	}
	for _, a := range addrs {
		if blockedIP(a.IP) {
			return invalid("Private or local addresses are not allowed")
		}
	}
	return nil
}

func blockedIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast()
}
