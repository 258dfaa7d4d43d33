package crypto

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// rawJWK is the subset of JWK fields needed to reconstruct an Ed25519
// private key (OKP key type, Ed25519 curve).
type rawJWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	D   string `json:"d"`
}

// KeyRing holds the cloud's private signing keys, keyed by kid. Parsed
// ed25519.PrivateKey values are cached in a sync.Map for reuse within a
// worker's lifetime, matching the spec's "cached by kid" requirement.
type KeyRing struct {
	activeKid string
	raw       map[string]rawJWK
	cache     sync.Map // kid -> ed25519.PrivateKey
}

// NewKeyRing parses CLOUD_PRIVATE_KEYS_JSON, which may be either a map of
// kid to JWK or a {"keys": [JWK, ...]} envelope. activeKid selects the
// signing key; if empty, the first key in lexicographic kid order is used.
func NewKeyRing(privateKeysJSON, activeKid string) (*KeyRing, error) {
	raw, err := parsePrivateKeys(privateKeysJSON)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("key ring: no private keys configured")
	}

	if activeKid == "" {
		kids := make([]string, 0, len(raw))
		for k := range raw {
			kids = append(kids, k)
		}
		sort.Strings(kids)
		activeKid = kids[0]
	}
	if _, ok := raw[activeKid]; !ok {
		return nil, fmt.Errorf("key ring: active kid %q not present in key set", activeKid)
	}

	return &KeyRing{activeKid: activeKid, raw: raw}, nil
}

func parsePrivateKeys(privateKeysJSON string) (map[string]rawJWK, error) {
	var envelope struct {
		Keys []rawJWK `json:"keys"`
	}
	if err := json.Unmarshal([]byte(privateKeysJSON), &envelope); err == nil && envelope.Keys != nil {
		out := make(map[string]rawJWK, len(envelope.Keys))
		for _, k := range envelope.Keys {
			out[k.Kid] = k
		}
		return out, nil
	}

	var byKid map[string]rawJWK
	if err := json.Unmarshal([]byte(privateKeysJSON), &byKid); err != nil {
		return nil, fmt.Errorf("parsing CLOUD_PRIVATE_KEYS_JSON: %w", err)
	}
	for kid, k := range byKid {
		k.Kid = kid
		byKid[kid] = k
	}
	return byKid, nil
}

// ActiveKid returns the kid that should sign newly minted trigger tokens.
func (r *KeyRing) ActiveKid() string {
	return r.activeKid
}

// Kids returns every kid held in the ring, in lexicographic order.
func (r *KeyRing) Kids() []string {
	kids := make([]string, 0, len(r.raw))
	for k := range r.raw {
		kids = append(kids, k)
	}
	sort.Strings(kids)
	return kids
}

// JWKJSON marshals the JWK for kid back to JSON, for seeding the cloud's
// signing-key store with the material it was configured from.
func (r *KeyRing) JWKJSON(kid string) (string, error) {
	jwk, ok := r.raw[kid]
	if !ok {
		return "", fmt.Errorf("key ring: unknown kid %q", kid)
	}
	body, err := json.Marshal(jwk)
	if err != nil {
		return "", fmt.Errorf("key ring: marshalling kid %q: %w", kid, err)
	}
	return string(body), nil
}

// PrivateKey returns the Ed25519 private key for kid, parsing and caching it
// on first use.
func (r *KeyRing) PrivateKey(kid string) (ed25519.PrivateKey, error) {
	if cached, ok := r.cache.Load(kid); ok {
		return cached.(ed25519.PrivateKey), nil
	}

	jwk, ok := r.raw[kid]
	if !ok {
		return nil, fmt.Errorf("key ring: unknown kid %q", kid)
	}
	if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" {
		return nil, fmt.Errorf("key ring: kid %q is not an Ed25519 OKP key", kid)
	}

	seed, err := DecodeBase64Flexible(jwk.D)
	if err != nil {
		return nil, fmt.Errorf("key ring: decoding private key for kid %q: %w", kid, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key ring: private key for kid %q has wrong length", kid)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	r.cache.Store(kid, priv)
	return priv, nil
}
