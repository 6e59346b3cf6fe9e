package hub

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// DecisionTokenKID identifies the current decision signing key.
const DecisionTokenKID = "decision-v1"

// TokenSigner signs decisions as compact HS256 JWS so kernels provisioned
// with the verification key can check them offline.
type TokenSigner struct {
	key []byte
}

// NewTokenSigner wraps the derived signing key.
func NewTokenSigner(key []byte) *TokenSigner {
	return &TokenSigner{key: key}
}

// Sign produces the compact token for a decision.
func (s *TokenSigner) Sign(d *contracts.Decision) (string, error) {
	claims := jwt.MapClaims{
		"decision_id":    d.DecisionID,
		"decision":       string(d.Decision),
		"policy_version": d.PolicyVersion,
		"exp":            time.Now().Add(d.TTL()).Unix(),
	}
	if d.PolicyID != "" {
		claims["policy_id"] = d.PolicyID
	}
	if d.ApprovalID != "" {
		claims["approval_id"] = d.ApprovalID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = DecisionTokenKID
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("hub: sign decision: %w", err)
	}
	return signed, nil
}

// Verify parses a token and checks its signature and expiry. Used by tests
// and by operators debugging decisions; kernels verify with their own copy of
// the key.
func (s *TokenSigner) Verify(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}
