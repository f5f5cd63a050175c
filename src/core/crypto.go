package main

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// keccak256 hashes the concatenation of the given byte slices with
// legacy Keccak-256, the hash used by both chains' HTLC contracts for
// Merkle commitments.
func keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// sha256Hex returns the hex-encoded SHA-256 digest of data
func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// decodeHex32 decodes a 32-byte hex string, tolerating a 0x prefix
func decodeHex32(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex value: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	return b, nil
}

// DeriveSwapID derives the deterministic 32-byte swap id from the
// parameters fixed at lock time. Any party observing the same lock
// event computes the same id.
func DeriveSwapID(initiator, destinationAccount, hashlock string, amount *big.Int, timelock int64) string {
	var tl [8]byte
	binary.BigEndian.PutUint64(tl[:], uint64(timelock))

	id := keccak256(
		[]byte(strings.ToLower(initiator)),
		[]byte(destinationAccount),
		[]byte(strings.TrimPrefix(strings.ToLower(hashlock), "0x")),
		amount.Bytes(),
		tl[:],
	)
	return hex.EncodeToString(id)
}

// amountBytes encodes an amount as a 16-byte big-endian value for
// Merkle leaf construction, mirroring the contracts' i128 encoding.
func amountBytes(amount *big.Int) []byte {
	buf := make([]byte, 16)
	amount.FillBytes(buf)
	return buf
}
