package telemetry

import (
	"strings"
	"testing"
	"time"
)

func TestParse_AcceptedFallsBackThroughProtocolDataRoot(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{
			name: "protocol wins over data and root",
			raw:  `{"accepted":false,"data":{"accepted":false,"protocolVerification":{"accepted":true}}}`,
			want: true,
		},
		{
			name: "data wins when protocol absent",
			raw:  `{"accepted":false,"data":{"accepted":true}}`,
			want: true,
		},
		{
			name: "root used when data and protocol absent",
			raw:  `{"accepted":true}`,
			want: true,
		},
		{
			name: "defaults false when nowhere present",
			raw:  `{}`,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Parse([]byte(tt.raw), Options{DefaultSchemaVer: 1, Now: now, RawMaxBytes: 4096})
			if s.Accepted != tt.want {
				t.Errorf("Accepted = %v, want %v", s.Accepted, tt.want)
			}
		})
	}
}

func TestParse_DedupHitAndVerifyMs(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	raw := `{"data":{"protocolVerification":{"dedupHit":"true","verifyMs":"12.7"}}}`

	s := Parse([]byte(raw), Options{DefaultSchemaVer: 1, Now: now, RawMaxBytes: 4096})
	if !s.DedupHit {
		t.Errorf("DedupHit = false, want true")
	}
	if s.VerifyMs == nil || *s.VerifyMs != 13 {
		t.Errorf("VerifyMs = %v, want 13", s.VerifyMs)
	}
}

func TestParse_SchemaVerDefaultsAndOverrides(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	s := Parse([]byte(`{}`), Options{DefaultSchemaVer: 3, Now: now, RawMaxBytes: 4096})
	if s.SchemaVer != 3 {
		t.Errorf("SchemaVer = %d, want default 3", s.SchemaVer)
	}

	s = Parse([]byte(`{"data":{"schemaVer":2}}`), Options{DefaultSchemaVer: 3, Now: now, RawMaxBytes: 4096})
	if s.SchemaVer != 2 {
		t.Errorf("SchemaVer = %d, want overridden 2", s.SchemaVer)
	}
}

func TestParse_CollectedAtDefaultsToNow(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	s := Parse([]byte(`{}`), Options{DefaultSchemaVer: 1, Now: now, RawMaxBytes: 4096})
	if !s.CollectedAt.Equal(now) {
		t.Errorf("CollectedAt = %v, want %v", s.CollectedAt, now)
	}

	explicit := `{"data":{"collectedAt":"2026-07-30T10:00:00Z"}}`
	s = Parse([]byte(explicit), Options{DefaultSchemaVer: 1, Now: now, RawMaxBytes: 4096})
	want := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	if !s.CollectedAt.Equal(want) {
		t.Errorf("CollectedAt = %v, want %v", s.CollectedAt, want)
	}
}

func TestParse_RawJSONTruncatedOnUTF8Boundary(t *testing.T) {
	raw := strings.Repeat("é", 100) // 2 bytes per rune in UTF-8
	s := Parse([]byte(raw), Options{DefaultSchemaVer: 1, Now: time.Now(), RawMaxBytes: 5})
	if len(s.RawJSON) > 5 {
		t.Fatalf("RawJSON len = %d, want <= 5", len(s.RawJSON))
	}
	if !strings.HasSuffix(raw, "") {
		t.Fatal("sanity check failed")
	}
	for _, r := range s.RawJSON {
		if r == 0xFFFD {
			t.Fatalf("RawJSON contains replacement char, truncation split a rune: %q", s.RawJSON)
		}
	}
}

func TestParse_MalformedJSONNeverErrors(t *testing.T) {
	s := Parse([]byte(`not json at all`), Options{DefaultSchemaVer: 1, Now: time.Now(), RawMaxBytes: 4096})
	if s.Accepted {
		t.Errorf("Accepted = true, want false on malformed JSON")
	}
	if s.DedupHit {
		t.Errorf("DedupHit = true, want false on malformed JSON")
	}
}

func TestReadBoolean_AcceptsAllDocumentedForms(t *testing.T) {
	tests := []struct {
		val  any
		want *bool
	}{
		{true, boolPtr(true)},
		{false, boolPtr(false)},
		{float64(1), boolPtr(true)},
		{float64(0), boolPtr(false)},
		{"true", boolPtr(true)},
		{"FALSE", boolPtr(false)},
		{"1", boolPtr(true)},
		{"0", boolPtr(false)},
		{"yes", nil},
		{float64(2), nil},
		{42, nil},
	}

	for _, tt := range tests {
		m := map[string]any{"k": tt.val}
		got := readBoolean(m, "k")
		if (got == nil) != (tt.want == nil) {
			t.Errorf("readBoolean(%v) = %v, want %v", tt.val, got, tt.want)
			continue
		}
		if got != nil && *got != *tt.want {
			t.Errorf("readBoolean(%v) = %v, want %v", tt.val, *got, *tt.want)
		}
	}
}

func TestReadString_RejectsBlankAndNonString(t *testing.T) {
	if got := readString(map[string]any{"k": "  "}, "k"); got != nil {
		t.Errorf("readString(blank) = %v, want nil", *got)
	}
	if got := readString(map[string]any{"k": 5}, "k"); got != nil {
		t.Errorf("readString(non-string) = %v, want nil", *got)
	}
	if got := readString(map[string]any{"k": " hi "}, "k"); got == nil || *got != "hi" {
		t.Errorf("readString(padded) = %v, want \"hi\"", got)
	}
}

func boolPtr(b bool) *bool { return &b }
