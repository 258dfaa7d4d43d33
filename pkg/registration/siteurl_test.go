package registration

import "testing"

func TestNormalizeSiteURL(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantURL     string
		wantPending string
	}{
		{"missing", "", "", PendingURLMissing},
		{"blank", "   ", "", PendingURLMissing},
		{"unparseable", "://nope", "", PendingURLInvalid},
		{"no host", "https://", "", PendingURLInvalid},
		{"bad scheme", "ftp://site.test", "", PendingURLInvalidProtocol},
		{"example.com", "https://example.com/path", "", PendingURLDefaultExample},
		{"localhost", "http://localhost:8080", "", PendingURLLocalhost},
		{"127.0.0.1", "http://127.0.0.1", "", PendingURLLocalhost},
		{"ipv6 loopback", "http://[::1]:9000", "", PendingURLLocalhost},
		{"dot-localhost", "https://foo.localhost", "", PendingURLLocalhost},
		{"dot-local", "https://foo.local", "", PendingURLLocalhost},
		{"127 prefix", "http://127.5.5.5", "", PendingURLLocalhost},
		{"valid https with path stripped", "https://site.test/some/path?x=1", "https://site.test", ""},
		{"valid http with port", "http://site.test:8080", "http://site.test:8080", ""},
		{"case-insensitive scheme and host", "HTTPS://Site.Test", "https://site.test", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotURL, gotPending := normalizeSiteURL(tt.raw)
			if tt.wantPending != "" {
				if gotPending == nil || *gotPending != tt.wantPending {
					t.Errorf("pendingReason = %v, want %q", gotPending, tt.wantPending)
				}
				if gotURL != nil {
					t.Errorf("url = %v, want nil", *gotURL)
				}
				return
			}
			if gotPending != nil {
				t.Errorf("pendingReason = %v, want nil", *gotPending)
			}
			if gotURL == nil || *gotURL != tt.wantURL {
				t.Errorf("url = %v, want %q", gotURL, tt.wantURL)
			}
		})
	}
}
