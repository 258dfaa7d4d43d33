package registration

import (
	"testing"
	"time"
)

func TestResolveIdempotencyKey(t *testing.T) {
	buildID := "build-42"

	t.Run("supplied key wins", func(t *testing.T) {
		got := resolveIdempotencyKey("explicit-key", "site-1", &buildID, "2026-07-31T00:00:00Z")
		if got != "explicit-key" {
			t.Errorf("got %q, want explicit-key", got)
		}
	})

	t.Run("falls back with build id", func(t *testing.T) {
		got := resolveIdempotencyKey("", "site-1", &buildID, "2026-07-31T00:00:00Z")
		want := "site-1:build-42:2026-07-31T00:00:00Z"
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("falls back without build id", func(t *testing.T) {
		got := resolveIdempotencyKey("", "site-1", nil, "2026-07-31T00:00:00Z")
		want := "site-1:no-build-id:2026-07-31T00:00:00Z"
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})
}

func TestPayloadSiteID(t *testing.T) {
	valid := "8cfd7c9a-8d62-4a0d-9f31-08c8d7e4f001"

	if _, err := payloadSiteID(map[string]any{"siteId": valid}); err != nil {
		t.Errorf("valid siteId: %v", err)
	}
	if _, err := payloadSiteID(map[string]any{"siteId": "not-a-uuid"}); err == nil {
		t.Error("invalid siteId: expected error, got nil")
	}
	if _, err := payloadSiteID(map[string]any{}); err == nil {
		t.Error("missing siteId: expected error, got nil")
	}
}

func TestNilIfEmpty(t *testing.T) {
	if got := nilIfEmpty(""); got != nil {
		t.Errorf("got %v, want nil", got)
	}
	if got := nilIfEmpty("x"); got == nil || *got != "x" {
		t.Errorf("got %v, want \"x\"", got)
	}
}

func TestParseTimeOrNil(t *testing.T) {
	if got := parseTimeOrNil(""); got != nil {
		t.Errorf("empty: got %v, want nil", got)
	}
	if got := parseTimeOrNil("not a time"); got != nil {
		t.Errorf("malformed: got %v, want nil", got)
	}
	got := parseTimeOrNil("2026-07-31T12:00:00Z")
	want := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	if got == nil || !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
