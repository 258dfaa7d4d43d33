package crypto

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TriggerClaims is the claim set of the short-lived JWT the cloud mints to
// authorize an instance trigger call. Grounded on the supporting repo's
// claims-struct pattern (caasmo-restinpieces/crypto/jwt.go's SessionClaims),
// generalized from HS256 to EdDSA and from user sessions to delivery
// authorization.
type TriggerClaims struct {
	DeliveryID string `json:"deliveryId"`
	SiteID     string `json:"siteId"`
	jwt.RegisteredClaims
}

// MintTriggerToken signs a TriggerClaims token with the EdDSA key identified
// by kid, using the issuer/audience from configuration.
func MintTriggerToken(ring *KeyRing, kid, issuer, audience, siteID, deliveryID string) (string, error) {
	signingKey, err := ring.PrivateKey(kid)
	if err != nil {
		return "", fmt.Errorf("looking up signing key %q: %w", kid, err)
	}

	now := time.Now()
	claims := TriggerClaims{
		DeliveryID: deliveryID,
		SiteID:     siteID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   siteID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(60 * time.Second)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid

	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", fmt.Errorf("signing trigger token: %w", err)
	}
	return signed, nil
}
