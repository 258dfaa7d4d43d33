package crypto

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidKeyMaterial is returned when submitted key material cannot be
// parsed into a usable Ed25519 public key in any of the accepted shapes.
var ErrInvalidKeyMaterial = errors.New("invalid key material")

// ParseEd25519PublicKey accepts key material in one of three shapes:
//
//   - PEM with a "PUBLIC KEY" block, SPKI-encoded.
//   - Bare base64/base64url: 32 raw bytes are treated as a raw Ed25519 key;
//     any other length is parsed as SPKI DER.
//   - DNS-TXT style "v=...;k=ed25519;p=<base64>" where p supplies the raw key.
//
// It fails closed: any parse error returns a nil key and a non-nil error,
// never a zero-value key.
func ParseEd25519PublicKey(material string) (ed25519.PublicKey, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKeyMaterial)
	}

	if strings.Contains(material, "PUBLIC KEY") {
		return parsePEMKey(material)
	}

	if strings.HasPrefix(material, "v=") {
		return parseDNSTXTKey(material)
	}

	return parseBareKey(material)
}

func parsePEMKey(material string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(material))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: malformed PEM block", ErrInvalidKeyMaterial)
	}
	return parseSPKI(block.Bytes)
}

func parseDNSTXTKey(material string) (ed25519.PublicKey, error) {
	var p string
	for _, field := range strings.Split(material, ";") {
		field = strings.TrimSpace(field)
		if strings.HasPrefix(field, "k=") && strings.TrimPrefix(field, "k=") != "ed25519" {
			return nil, fmt.Errorf("%w: unsupported key algorithm in TXT record", ErrInvalidKeyMaterial)
		}
		if strings.HasPrefix(field, "p=") {
			p = strings.TrimPrefix(field, "p=")
		}
	}
	if p == "" {
		return nil, fmt.Errorf("%w: TXT record missing p=", ErrInvalidKeyMaterial)
	}

	raw, err := DecodeBase64Flexible(p)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding TXT p= value: %v", ErrInvalidKeyMaterial, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: TXT p= value is not a raw Ed25519 key", ErrInvalidKeyMaterial)
	}
	return ed25519.PublicKey(raw), nil
}

func parseBareKey(material string) (ed25519.PublicKey, error) {
	raw, err := DecodeBase64Flexible(material)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding base64: %v", ErrInvalidKeyMaterial, err)
	}

	if len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	return parseSPKI(raw)
}

func parseSPKI(der []byte) (ed25519.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing SPKI: %v", ErrInvalidKeyMaterial, err)
	}

	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: SPKI key is not Ed25519", ErrInvalidKeyMaterial)
	}
	return edPub, nil
}
