package registration

import (
	"net/url"
	"strings"
)

// Pending reasons produced by normalizeSiteURL.
const (
	PendingURLMissing         = "pending_url_missing"
	PendingURLInvalid         = "pending_url_invalid"
	PendingURLInvalidProtocol = "pending_url_invalid_protocol"
	PendingURLDefaultExample  = "pending_url_default_example"
	PendingURLLocalhost       = "pending_url_localhost"
)

// normalizeSiteURL implements the site-URL normalization table: given a raw
// siteUrl it returns either an origin-only URL with no pending reason, or a
// nil URL with the reason scheduling is blocked.
func normalizeSiteURL(raw string) (normalized *string, pendingReason *string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, strPtr(PendingURLMissing)
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return nil, strPtr(PendingURLInvalid)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, strPtr(PendingURLInvalidProtocol)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "example.com" {
		return nil, strPtr(PendingURLDefaultExample)
	}
	if isLocalHost(host) {
		return nil, strPtr(PendingURLLocalhost)
	}

	origin := scheme + "://" + strings.ToLower(parsed.Host)
	return &origin, nil
}

// isLocalHost reports whether host matches one of the local-network
// patterns the spec excludes from scheduling.
func isLocalHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	if strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	if strings.HasPrefix(host, "127.") {
		return true
	}
	return false
}

func strPtr(s string) *string { return &s }
