// Package proxy manages per-session network egress identities: dedicated
// IPs purchased from the vendor, or assignments from a pre-synced static
// pool. In dedicated-egress mode a session may never connect without one.
package proxy

import (
	"errors"
	"strings"
	"time"
)

// ErrNoProxyAvailable is the hard failure in dedicated-egress mode: no
// strategy produced a lease, so connection creation must abort.
var ErrNoProxyAvailable = errors.New("no proxy available")

// ErrVendorUnavailable is the vendor's "nothing in stock for this country"
// response, which triggers the country fallback chain.
var ErrVendorUnavailable = errors.New("vendor has no ip available")

// Proxy modes.
const (
	ModeDedicated = "dedicated"
	ModeStatic    = "static"
	ModeDisabled  = "disabled"
)

// Lease is a claim on one egress identity for the duration of a session.
type Lease struct {
	// ID is the vendor IP for dynamic leases or a generated pseudo-id for
	// static assignments.
	ID       string
	Address  string // full proxy URL handed to the transport
	Country  string
	TenantID string
	Phone    string

	AcquiredAt time.Time
	Rotations  int

	static bool
}

// networkErrorMarkers are the substrings that classify a send/connect
// failure as proxy- or network-related, which triggers rotation.
var networkErrorMarkers = []string{
	"connection refused",
	"connection reset",
	"i/o timeout",
	"timeout",
	"no route to host",
	"proxy",
	"tunnel",
	"econnrefused",
	"etimedout",
}

// IsNetworkError reports whether err looks like a network/proxy failure
// rather than a protocol-level one.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range networkErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
