package crypto

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func signedPayload(t *testing.T, priv ed25519.PrivateKey, method, path string, ts int64, nonce string, body map[string]any) map[string]any {
	t.Helper()

	bodyHash, err := HashCanonical(body)
	if err != nil {
		t.Fatalf("HashCanonical: %v", err)
	}
	message := BuildSignedMessage(method, path, bodyHash, ts, nonce)
	sig := ed25519.Sign(priv, []byte(message))

	payload := make(map[string]any, len(body)+1)
	for k, v := range body {
		payload[k] = v
	}
	payload["signature"] = map[string]any{
		"alg":   "EdDSA",
		"ts":    float64(ts),
		"nonce": nonce,
		"sig":   EncodeBase64URL(sig),
	}
	return payload
}

func TestVerify_Success(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	now := time.Now()
	body := map[string]any{"siteId": "abc"}

	payload := signedPayload(t, priv, "POST", "/v1/instances/sync", now.UnixMilli(), "noncenonce", body)

	if err := Verify("POST", "/v1/instances/sync", payload, pub, 300000, now); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerify_FreshnessBoundary(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	now := time.Now()
	window := int64(300000)
	body := map[string]any{"siteId": "abc"}

	atBoundary := now.Add(-time.Duration(window) * time.Millisecond)
	payload := signedPayload(t, priv, "POST", "/p", atBoundary.UnixMilli(), "noncenonce", body)
	if err := Verify("POST", "/p", payload, pub, window, now); err != nil {
		t.Errorf("expected boundary timestamp to be accepted, got %v", err)
	}

	beyond := atBoundary.Add(-time.Millisecond)
	payload2 := signedPayload(t, priv, "POST", "/p", beyond.UnixMilli(), "noncenonce", body)
	if err := Verify("POST", "/p", payload2, pub, window, now); err == nil {
		t.Errorf("expected one ms beyond window to be rejected")
	}
}

func TestVerify_WrongKeyFails(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	otherPub, _, _ := ed25519.GenerateKey(nil)
	now := time.Now()
	body := map[string]any{"siteId": "abc"}

	payload := signedPayload(t, priv, "POST", "/p", now.UnixMilli(), "noncenonce", body)
	if err := Verify("POST", "/p", payload, otherPub, 300000, now); err == nil {
		t.Errorf("expected verification with wrong key to fail")
	}
}

func TestVerify_TamperedBodyFails(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	now := time.Now()
	body := map[string]any{"siteId": "abc"}

	payload := signedPayload(t, priv, "POST", "/p", now.UnixMilli(), "noncenonce", body)
	payload["siteId"] = "tampered"

	if err := Verify("POST", "/p", payload, pub, 300000, now); err == nil {
		t.Errorf("expected tampered body to fail verification")
	}
}
