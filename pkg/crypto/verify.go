package crypto

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wisbric/npcloud/internal/httpserver"
)

const signaturePrefix = "NP-CLOUD-SIGN-V1"

// Signature is the detached signature envelope embedded in every signed
// instance request.
type Signature struct {
	Alg   string `json:"alg"`
	TS    int64  `json:"ts"`
	Nonce string `json:"nonce"`
	Sig   string `json:"sig"`
	Kid   string `json:"kid,omitempty"`
}

// ErrSignatureExpired is returned when a request's signature timestamp falls
// outside the configured freshness window.
var ErrSignatureExpired = errors.New("signature timestamp expired")

// ErrInvalidSignature covers every other signature verification failure:
// malformed envelope, bad key material, or a mismatched signature.
var ErrInvalidSignature = errors.New("invalid signature")

// ErrInstanceNotFound is returned by a KeyResolver when the endpoint
// requires an existing instance (deregister, status) and none matches the
// payload's siteId. VerifyMiddleware surfaces this distinctly as 404
// rather than folding it into a generic 401.
var ErrInstanceNotFound = errors.New("instance not found")

// KeyResolver looks up the Ed25519 public key that should verify a signed
// request, given its fully decoded JSON payload (still containing the
// "signature" field). Implementations typically extract "siteId" from the
// payload and consult the instance store, falling back to the submitted
// "sitePubKey" on first registration (trust-on-first-use).
type KeyResolver func(ctx context.Context, payload map[string]any) (ed25519.PublicKey, error)

// BuildSignedMessage reproduces the newline-joined tuple that detached
// signatures are computed over.
func BuildSignedMessage(method, path, bodyHash string, ts int64, nonce string) string {
	return strings.Join([]string{
		signaturePrefix,
		strings.ToUpper(method),
		path,
		bodyHash,
		strconv.FormatInt(ts, 10),
		nonce,
	}, "\n")
}

// extractSignature pulls the "signature" object out of a decoded payload and
// returns it alongside the payload with that field removed (the part that
// gets hashed).
func extractSignature(payload map[string]any) (Signature, map[string]any, error) {
	raw, ok := payload["signature"]
	if !ok {
		return Signature{}, nil, fmt.Errorf("%w: missing signature field", ErrInvalidSignature)
	}
	sigMap, ok := raw.(map[string]any)
	if !ok {
		return Signature{}, nil, fmt.Errorf("%w: signature field is not an object", ErrInvalidSignature)
	}

	var sig Signature
	if alg, ok := sigMap["alg"].(string); ok {
		sig.Alg = alg
	}
	if nonce, ok := sigMap["nonce"].(string); ok {
		sig.Nonce = nonce
	}
	if s, ok := sigMap["sig"].(string); ok {
		sig.Sig = s
	}
	if kid, ok := sigMap["kid"].(string); ok {
		sig.Kid = kid
	}
	switch ts := sigMap["ts"].(type) {
	case json.Number:
		n, err := ts.Int64()
		if err != nil {
			return Signature{}, nil, fmt.Errorf("%w: ts is not an integer", ErrInvalidSignature)
		}
		sig.TS = n
	case float64:
		sig.TS = int64(ts)
	default:
		return Signature{}, nil, fmt.Errorf("%w: missing or invalid ts", ErrInvalidSignature)
	}

	if sig.Alg != "EdDSA" {
		return Signature{}, nil, fmt.Errorf("%w: unsupported alg %q", ErrInvalidSignature, sig.Alg)
	}
	if len(sig.Nonce) < 8 {
		return Signature{}, nil, fmt.Errorf("%w: nonce too short", ErrInvalidSignature)
	}
	if len(sig.Sig) < 16 {
		return Signature{}, nil, fmt.Errorf("%w: sig too short", ErrInvalidSignature)
	}

	rest := make(map[string]any, len(payload)-1)
	for k, v := range payload {
		if k == "signature" {
			continue
		}
		rest[k] = v
	}
	return sig, rest, nil
}

// Verify checks freshness and the detached Ed25519 signature of a decoded
// payload against pubKey. now is injected for testability.
func Verify(method, path string, payload map[string]any, pubKey ed25519.PublicKey, windowMs int64, now time.Time) error {
	sig, rest, err := extractSignature(payload)
	if err != nil {
		return err
	}

	deltaMs := now.UnixMilli() - sig.TS
	if deltaMs < 0 {
		deltaMs = -deltaMs
	}
	if deltaMs > windowMs {
		return ErrSignatureExpired
	}

	bodyHash, err := HashCanonical(rest)
	if err != nil {
		return fmt.Errorf("%w: hashing payload: %v", ErrInvalidSignature, err)
	}

	message := BuildSignedMessage(method, path, bodyHash, sig.TS, sig.Nonce)

	sigBytes, err := DecodeBase64Flexible(sig.Sig)
	if err != nil {
		return fmt.Errorf("%w: decoding sig: %v", ErrInvalidSignature, err)
	}

	if !ed25519.Verify(pubKey, []byte(message), sigBytes) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyMiddleware reads the request body, verifies its detached signature
// using resolver to obtain the verifying key, and restores the body reader
// so downstream handlers can decode it into a typed request struct. It is
// grounded on the teacher's Slack signature middleware, generalized from a
// shared-secret HMAC scheme to per-site Ed25519 verification with an
// explicit freshness window.
func VerifyMiddleware(resolver KeyResolver, windowMs int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				httpserver.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "failed to read body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			payload, err := DecodePayload(body)
			if err != nil {
				httpserver.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
				return
			}

			pubKey, err := resolver(r.Context(), payload)
			if err != nil {
				if errors.Is(err, ErrInstanceNotFound) {
					httpserver.RespondError(w, http.StatusNotFound, "INSTANCE_NOT_FOUND", "instance not found")
					return
				}
				httpserver.RespondError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", err.Error())
				return
			}

			if err := Verify(r.Method, r.URL.Path, payload, pubKey, windowMs, time.Now()); err != nil {
				switch {
				case errors.Is(err, ErrSignatureExpired):
					httpserver.RespondError(w, http.StatusUnauthorized, "SIGNATURE_TIMESTAMP_EXPIRED", err.Error())
				default:
					httpserver.RespondError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", err.Error())
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
