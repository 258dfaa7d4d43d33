package crypto

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"
)

func genJWK(t *testing.T, kid string) rawJWK {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	seed := priv.Seed()
	return rawJWK{Kid: kid, Kty: "OKP", Crv: "Ed25519", D: EncodeBase64URL(seed)}
}

func TestKeyRing_EnvelopeShape(t *testing.T) {
	k1 := genJWK(t, "k1")
	k2 := genJWK(t, "k2")

	envelope, err := json.Marshal(map[string]any{"keys": []rawJWK{k1, k2}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	ring, err := NewKeyRing(string(envelope), "k2")
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	if ring.ActiveKid() != "k2" {
		t.Errorf("ActiveKid() = %q, want k2", ring.ActiveKid())
	}

	priv, err := ring.PrivateKey("k1")
	if err != nil {
		t.Fatalf("PrivateKey(k1): %v", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		t.Errorf("unexpected private key size %d", len(priv))
	}

	// Cached lookup returns the same value.
	priv2, err := ring.PrivateKey("k1")
	if err != nil {
		t.Fatalf("PrivateKey(k1) second call: %v", err)
	}
	if string(priv) != string(priv2) {
		t.Errorf("cached key mismatch")
	}
}

func TestKeyRing_MapShapeDefaultsToFirstKidLexicographically(t *testing.T) {
	k1 := genJWK(t, "zzz")
	k2 := genJWK(t, "aaa")

	byKid, err := json.Marshal(map[string]rawJWK{"zzz": k1, "aaa": k2})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	ring, err := NewKeyRing(string(byKid), "")
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	if ring.ActiveKid() != "aaa" {
		t.Errorf("ActiveKid() = %q, want aaa", ring.ActiveKid())
	}
}

func TestKeyRing_UnknownKidFails(t *testing.T) {
	k1 := genJWK(t, "k1")
	envelope, _ := json.Marshal(map[string]any{"keys": []rawJWK{k1}})

	ring, err := NewKeyRing(string(envelope), "k1")
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	if _, err := ring.PrivateKey("missing"); err == nil {
		t.Errorf("expected error for unknown kid")
	}
}

func TestKeyRing_MissingActiveKidFails(t *testing.T) {
	k1 := genJWK(t, "k1")
	envelope, _ := json.Marshal(map[string]any{"keys": []rawJWK{k1}})

	if _, err := NewKeyRing(string(envelope), "nope"); err == nil {
		t.Errorf("expected error when active kid not present")
	}
}

func TestKeyRing_KidsSortedLexicographically(t *testing.T) {
	k1 := genJWK(t, "zzz")
	k2 := genJWK(t, "aaa")
	envelope, _ := json.Marshal(map[string]any{"keys": []rawJWK{k1, k2}})

	ring, err := NewKeyRing(string(envelope), "zzz")
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}

	kids := ring.Kids()
	if len(kids) != 2 || kids[0] != "aaa" || kids[1] != "zzz" {
		t.Errorf("Kids() = %v, want [aaa zzz]", kids)
	}
}

func TestKeyRing_JWKJSONRoundTrips(t *testing.T) {
	k1 := genJWK(t, "k1")
	envelope, _ := json.Marshal(map[string]any{"keys": []rawJWK{k1}})

	ring, err := NewKeyRing(string(envelope), "k1")
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}

	body, err := ring.JWKJSON("k1")
	if err != nil {
		t.Fatalf("JWKJSON(k1): %v", err)
	}

	var got rawJWK
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("unmarshalling JWKJSON output: %v", err)
	}
	if got != k1 {
		t.Errorf("JWKJSON(k1) round-trip = %+v, want %+v", got, k1)
	}

	if _, err := ring.JWKJSON("missing"); err == nil {
		t.Errorf("expected error for unknown kid")
	}
}
