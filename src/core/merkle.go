package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
)

// Merkle authorization engine. A swap's Merkle root commits to the
// exact set of (resolver, amount, nonce) fills authorized at creation
// time. Pairs are sorted before hashing so proofs are order-independent
// and reproducible by any party holding the same leaf set, matching the
// on-chain verifiers.

// FillLeaf computes the leaf hash for an authorized fill
func FillLeaf(resolver string, amount *big.Int, nonce uint64) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return keccak256([]byte(normalizeHex(resolver)), amountBytes(amount), n[:])
}

// hashPair hashes an ordered pair of nodes, smaller side first
func hashPair(a, b []byte) []byte {
	if bytes.Compare(a, b) <= 0 {
		return keccak256(a, b)
	}
	return keccak256(b, a)
}

// BuildMerkleRoot computes the root over the given leaves. A
// single-leaf tree's root is the leaf itself. Odd nodes at any level
// are promoted unpaired.
func BuildMerkleRoot(leaves [][]byte) ([]byte, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("cannot build a merkle tree with no leaves")
	}

	level := make([][]byte, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0], nil
}

// MerkleProof returns the inclusion proof for leaves[index]. The proof
// for the sole leaf of a single-leaf tree is empty.
func MerkleProof(leaves [][]byte, index int) ([][]byte, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", index, len(leaves))
	}

	proof := make([][]byte, 0)
	level := make([][]byte, len(leaves))
	copy(level, leaves)
	pos := index

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				if i == pos || i+1 == pos {
					sibling := level[i]
					if i == pos {
						sibling = level[i+1]
					}
					proof = append(proof, sibling)
					pos = len(next)
				}
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				if i == pos {
					pos = len(next)
				}
				next = append(next, level[i])
			}
		}
		level = next
	}
	return proof, nil
}

// VerifyMerkleProof reports whether leaf is included under root via
// proof. An empty proof verifies only when the leaf itself is the root.
func VerifyMerkleProof(root, leaf []byte, proof [][]byte) bool {
	computed := leaf
	for _, sibling := range proof {
		computed = hashPair(computed, sibling)
	}
	return bytes.Equal(computed, root)
}

// VerifyMerkleProofHex is the hex-string form used at the API and
// event boundaries.
func VerifyMerkleProofHex(rootHex string, leaf []byte, proofHex []string) bool {
	root, err := decodeHex32(rootHex)
	if err != nil {
		return false
	}
	proof := make([][]byte, 0, len(proofHex))
	for _, p := range proofHex {
		node, err := decodeHex32(p)
		if err != nil {
			return false
		}
		proof = append(proof, node)
	}
	return VerifyMerkleProof(root, leaf, proof)
}

// EncodeProof hex-encodes a proof for transport
func EncodeProof(proof [][]byte) []string {
	out := make([]string, len(proof))
	for i, p := range proof {
		out[i] = hex.EncodeToString(p)
	}
	return out
}
