package main

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// SecretLength is the fixed width of swap secrets in bytes
const SecretLength = 32

// SecretManager generates the secret/hashlock pairs underlying swap
// atomicity and tracks which secrets have been consumed so a reveal
// cannot be replayed against a different swap.
type SecretManager struct {
	mu sync.Mutex
	// consumed maps hashlock -> swap id the secret settled
	consumed map[string]string
}

// NewSecretManager creates an empty secret manager
func NewSecretManager() *SecretManager {
	return &SecretManager{
		consumed: make(map[string]string),
	}
}

// GenerateSecret returns a fresh cryptographically random 32-byte
// secret, hex encoded.
func (sm *SecretManager) GenerateSecret() (string, error) {
	secret := make([]byte, SecretLength)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(secret), nil
}

// ComputeHashlock computes the public hashlock for a secret. The hash
// function is fixed for the lifetime of the protocol; the hashlock is
// computed once at swap creation and never recomputed.
func ComputeHashlock(secretHex string) (string, error) {
	secret, err := decodeSecret(secretHex)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:]), nil
}

// VerifySecret reports whether secret hashes to hashlock. The
// comparison is constant-time with respect to the secret content.
func VerifySecret(secretHex, hashlock string) bool {
	secret, err := decodeSecret(secretHex)
	if err != nil {
		return false
	}
	expected, err := decodeHex32(hashlock)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(secret)
	return subtle.ConstantTimeCompare(sum[:], expected) == 1
}

// Consume records that the secret behind hashlock settled swapID.
// A secret already consumed for a different swap id is rejected,
// preventing cross-swap replay of reveals.
func (sm *SecretManager) Consume(hashlock, swapID string) error {
	key := normalizeHex(hashlock)

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if prev, ok := sm.consumed[key]; ok && prev != swapID {
		return fmt.Errorf("hashlock %s settled swap %s: %w", hashlock, prev, ErrSecretConsumed)
	}
	sm.consumed[key] = swapID
	return nil
}

// IsConsumed reports whether the secret behind hashlock has settled a
// swap other than swapID.
func (sm *SecretManager) IsConsumed(hashlock, swapID string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	prev, ok := sm.consumed[normalizeHex(hashlock)]
	return ok && prev != swapID
}

func decodeSecret(secretHex string) ([]byte, error) {
	secret, err := hex.DecodeString(strings.TrimPrefix(secretHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid secret encoding: %w", err)
	}
	if len(secret) != SecretLength {
		return nil, fmt.Errorf("secret must be %d bytes, got %d", SecretLength, len(secret))
	}
	return secret, nil
}

func normalizeHex(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, "0x"))
}
