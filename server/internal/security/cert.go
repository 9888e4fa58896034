package security

import (
	"crypto/tls"
	"math"
	"time"

	"github.com/streamchecker/streamchecker/pkg/types"
)

// ExpiringWithinDays is the window in which a valid certificate is reported
// as "expiring".
const ExpiringWithinDays = 30

// Certificate status values.
const (
	CertValid    = "valid"
	CertExpiring = "expiring"
	CertExpired  = "expired"
)

// CertStatus describes the leaf certificate of an established TLS connection
// as seen at now. Returns nil when the connection is not TLS or presented no
// certificate.
func CertStatus(state *tls.ConnectionState, now time.Time) *types.CertStatus {
	if state == nil || len(state.PeerCertificates) == 0 {
		return nil
	}

	leaf := state.PeerCertificates[0]
	daysLeft := leaf.NotAfter.Sub(now).Hours() / 24

	cs := &types.CertStatus{
		NotAfter: leaf.NotAfter.UTC().Format(time.RFC3339),
		Issuer:   leaf.Issuer.CommonName,
		DaysLeft: int(math.Floor(daysLeft)),
	}
	switch {
	case daysLeft <= 0:
		cs.Status = CertExpired
	case daysLeft <= ExpiringWithinDays:
		cs.Status = CertExpiring
	default:
		cs.Status = CertValid
	}
	return cs
}
