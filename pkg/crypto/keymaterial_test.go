package crypto

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"testing"
)

func TestParseEd25519PublicKey_Shapes(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	spkiDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshaling SPKI: %v", err)
	}
	pemBlock := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: spkiDER})

	tests := []struct {
		name     string
		material string
	}{
		{"PEM SPKI", string(pemBlock)},
		{"raw base64url", EncodeBase64URL(pub)},
		{"SPKI base64url", EncodeBase64URL(spkiDER)},
		{"DNS TXT", fmt.Sprintf("v=NP1;k=ed25519;p=%s", EncodeBase64URL(pub))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEd25519PublicKey(tt.material)
			if err != nil {
				t.Fatalf("ParseEd25519PublicKey(%s): %v", tt.name, err)
			}
			if !got.Equal(pub) {
				t.Errorf("parsed key does not match original for %s", tt.name)
			}
		})
	}
}

func TestParseEd25519PublicKey_FailsClosed(t *testing.T) {
	tests := []string{
		"",
		"not-base64!!!",
		"v=NP1;k=rsa;p=abc",
		"-----BEGIN PUBLIC KEY-----\nbm90LXZhbGlk\n-----END PUBLIC KEY-----",
	}

	for _, material := range tests {
		if _, err := ParseEd25519PublicKey(material); err == nil {
			t.Errorf("ParseEd25519PublicKey(%q) unexpectedly succeeded", material)
		}
	}
}
