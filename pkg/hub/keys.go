package hub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key derivation labels. Both the heartbeat pepper and the decision signing
// key derive from the single hub master secret, so rotating one secret
// rotates everything.
const (
	infoHeartbeatPepper = "acp/hub/heartbeat-pepper/v1"
	infoDecisionSigning = "acp/hub/decision-signing/v1"

	derivedKeyLen = 32
)

// Keyset holds the derived hub key material.
type Keyset struct {
	Pepper     []byte
	SigningKey []byte
}

// DeriveKeys expands the master secret with HKDF-SHA256.
func DeriveKeys(masterSecret []byte) (*Keyset, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("hub: master secret is required")
	}

	derive := func(info string) ([]byte, error) {
		r := hkdf.New(sha256.New, masterSecret, nil, []byte(info))
		key := make([]byte, derivedKeyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("hub: hkdf %s: %w", info, err)
		}
		return key, nil
	}

	pepper, err := derive(infoHeartbeatPepper)
	if err != nil {
		return nil, err
	}
	signing, err := derive(infoDecisionSigning)
	if err != nil {
		return nil, err
	}
	return &Keyset{Pepper: pepper, SigningKey: signing}, nil
}

// KeyHMAC computes the peppered HMAC under which API keys and service keys
// are stored. Raw keys never touch a table.
func KeyHMAC(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}
