package crypto

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestMintTriggerToken(t *testing.T) {
	k1 := genJWK(t, "k1")
	envelope, _ := json.Marshal(map[string]any{"keys": []rawJWK{k1}})
	ring, err := NewKeyRing(string(envelope), "k1")
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}

	tokenStr, err := MintTriggerToken(ring, "k1", "np-cloud", "np-instance", "site-1", "delivery-1")
	if err != nil {
		t.Fatalf("MintTriggerToken: %v", err)
	}

	priv, err := ring.PrivateKey("k1")
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	pub := priv.Public().(ed25519.PublicKey)

	claims := &TriggerClaims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(tok *jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		t.Fatalf("parsing minted token: %v", err)
	}
	if !parsed.Valid {
		t.Fatalf("token not valid")
	}
	if claims.SiteID != "site-1" || claims.DeliveryID != "delivery-1" {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if claims.Issuer != "np-cloud" {
		t.Errorf("issuer = %q, want np-cloud", claims.Issuer)
	}
	if parsed.Header["kid"] != "k1" {
		t.Errorf("kid header = %v, want k1", parsed.Header["kid"])
	}
}
