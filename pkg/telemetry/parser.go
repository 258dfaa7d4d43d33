// Package telemetry tolerantly projects a nested, partly-untrusted instance
// trigger response into a flat sample record.
package telemetry

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/wisbric/npcloud/internal/strutil"
)

// Sample is the flat projection of an instance's trigger response.
type Sample struct {
	Accepted    bool
	DedupHit    bool
	VerifyMs    *int
	SchemaVer   int
	CollectedAt time.Time
	RawJSON     string
}

// Options configures defaults the parser falls back to when the response
// doesn't supply a value.
type Options struct {
	DefaultSchemaVer int
	Now              time.Time
	RawMaxBytes      int
}

// Parse tolerantly extracts a Sample from the raw response body. It never
// returns an error: for fields a malformed or partial response doesn't
// supply, Accepted and DedupHit are false, VerifyMs is nil, and SchemaVer and
// CollectedAt take their defaults from opts.
func Parse(raw []byte, opts Options) Sample {
	var root map[string]any
	_ = json.Unmarshal(raw, &root) // root stays nil on malformed JSON; all readers tolerate that.

	data, _ := root["data"].(map[string]any)
	protocol, _ := data["protocolVerification"].(map[string]any)

	sample := Sample{
		Accepted:    firstBoolean(protocol, data, root, "accepted", false),
		DedupHit:    firstBoolean(protocol, data, root, "dedupHit", false),
		VerifyMs:    readNumberInt(protocol, "verifyMs"),
		SchemaVer:   opts.DefaultSchemaVer,
		CollectedAt: opts.Now,
	}

	if sv := readNumberInt(data, "schemaVer"); sv != nil {
		sample.SchemaVer = *sv
	}
	if collectedAtStr := readString(data, "collectedAt"); collectedAtStr != nil {
		if t, err := time.Parse(time.RFC3339, *collectedAtStr); err == nil {
			sample.CollectedAt = t
		}
	}

	sample.RawJSON = strutil.TruncateUTF8(string(raw), opts.RawMaxBytes)

	return sample
}

// firstBoolean checks protocol, then data, then root for key, in that
// order, returning the first map that actually defines it; falls back to
// def if none do.
func firstBoolean(protocol, data, root map[string]any, key string, def bool) bool {
	for _, m := range []map[string]any{protocol, data, root} {
		if v := readBoolean(m, key); v != nil {
			return *v
		}
	}
	return def
}

// readString reads a non-empty, trimmed string field from m, returning nil
// if absent, not a string, or blank after trimming.
func readString(m map[string]any, key string) *string {
	if m == nil {
		return nil
	}
	v, ok := m[key]
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// readBoolean accepts true/false, 0/1, and their string forms
// (case-insensitive); returns nil for anything else or a missing key.
func readBoolean(m map[string]any, key string) *bool {
	if m == nil {
		return nil
	}
	v, ok := m[key]
	if !ok {
		return nil
	}

	switch val := v.(type) {
	case bool:
		return &val
	case float64:
		if val == 0 {
			b := false
			return &b
		}
		if val == 1 {
			b := true
			return &b
		}
	case json.Number:
		if val.String() == "0" {
			b := false
			return &b
		}
		if val.String() == "1" {
			b := true
			return &b
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1":
			b := true
			return &b
		case "false", "0":
			b := false
			return &b
		}
	}
	return nil
}

// readNumber parses a finite number; decimal strings are parsed base 10.
// Returns nil for anything else. Rounding is left to readNumberInt.
func readNumber(m map[string]any, key string) *float64 {
	if m == nil {
		return nil
	}
	v, ok := m[key]
	if !ok {
		return nil
	}

	switch val := v.(type) {
	case float64:
		return &val
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil
		}
		return &f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return &f
	}
	return nil
}

// readNumberInt is readNumber rounded to an int, matching the spec's
// "finite numbers rounded to integer" rule.
func readNumberInt(m map[string]any, key string) *int {
	f := readNumber(m, key)
	if f == nil {
		return nil
	}
	n := int(*f + 0.5)
	if *f < 0 {
		n = int(*f - 0.5)
	}
	return &n
}
