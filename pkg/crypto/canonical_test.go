package crypto

import (
	"testing"
)

func TestCanonicalizeJSON_KeyOrderInvariant(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	b := map[string]any{"c": map[string]any{"y": 2, "z": 1}, "a": 2, "b": 1}

	ca, err := CanonicalizeJSON(a)
	if err != nil {
		t.Fatalf("CanonicalizeJSON(a): %v", err)
	}
	cb, err := CanonicalizeJSON(b)
	if err != nil {
		t.Fatalf("CanonicalizeJSON(b): %v", err)
	}

	if string(ca) != string(cb) {
		t.Errorf("permuted keys produced different canonical bytes:\n%s\n%s", ca, cb)
	}
}

func TestCanonicalizeJSON_Idempotent(t *testing.T) {
	v := map[string]any{"x": []any{1, 2, 3}, "y": "hello"}

	first, err := CanonicalizeJSON(v)
	if err != nil {
		t.Fatalf("first canonicalize: %v", err)
	}

	decoded, err := DecodePayload(first)
	if err != nil {
		t.Fatalf("decoding canonical output: %v", err)
	}

	second, err := CanonicalizeJSON(decoded)
	if err != nil {
		t.Fatalf("second canonicalize: %v", err)
	}

	if string(first) != string(second) {
		t.Errorf("canonicalize not idempotent:\n%s\n%s", first, second)
	}
}

func TestDecodeBase64Flexible_RoundTrip(t *testing.T) {
	tests := [][]byte{
		[]byte("hello world"),
		[]byte{0x00, 0x01, 0x02, 0xff},
		[]byte(""),
	}

	for _, b := range tests {
		encoded := EncodeBase64URL(b)
		decoded, err := DecodeBase64Flexible(encoded)
		if err != nil {
			t.Fatalf("DecodeBase64Flexible(%q): %v", encoded, err)
		}
		if string(decoded) != string(b) {
			t.Errorf("round trip mismatch: got %v, want %v", decoded, b)
		}
	}
}
