package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrJWKSParse is returned when CLOUD_JWKS_JSON does not have the expected
// {"keys": [...]} shape.
var ErrJWKSParse = errors.New("jwks parse error")

// JWKSEntry is one published key, kept alongside its raw JSON so it can be
// seeded into the signing-key store without being re-encoded.
type JWKSEntry struct {
	Kid     string
	RawJSON string
}

// JWKSPublisher serves a pre-validated JWKS document verbatim.
type JWKSPublisher struct {
	raw     []byte
	entries []JWKSEntry
}

// NewJWKSPublisher validates that jwksJSON has the required {"keys": [...]}
// structure and retains the original bytes to serve unmodified.
func NewJWKSPublisher(jwksJSON string) (*JWKSPublisher, error) {
	var parsed struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal([]byte(jwksJSON), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSParse, err)
	}
	if parsed.Keys == nil {
		return nil, fmt.Errorf("%w: missing keys array", ErrJWKSParse)
	}

	entries := make([]JWKSEntry, 0, len(parsed.Keys))
	for _, raw := range parsed.Keys {
		var key struct {
			Kid string `json:"kid"`
		}
		if err := json.Unmarshal(raw, &key); err != nil || key.Kid == "" {
			continue
		}
		entries = append(entries, JWKSEntry{Kid: key.Kid, RawJSON: string(raw)})
	}

	return &JWKSPublisher{raw: []byte(jwksJSON), entries: entries}, nil
}

// Entries returns the published keys, each paired with its kid and raw
// JSON, for seeding the cloud_signing_keys table at startup.
func (p *JWKSPublisher) Entries() []JWKSEntry {
	return p.entries
}

// ServeHTTP writes the JWKS document verbatim with a cache window of 300s.
func (p *JWKSPublisher) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(p.raw)
}
