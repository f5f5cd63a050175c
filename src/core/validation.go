package main

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
)

var (
	ethereumAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	stellarAccountRe  = regexp.MustCompile(`^G[A-Z2-7]{55}$`)
)

// IsValidEthereumAddress reports whether s is a 0x-prefixed 20-byte
// hex address.
func IsValidEthereumAddress(s string) bool {
	return ethereumAddressRe.MatchString(s)
}

// IsValidStellarAccount reports whether s is a Stellar account id in
// strkey form (G..., 56 base32 characters).
func IsValidStellarAccount(s string) bool {
	return stellarAccountRe.MatchString(s)
}

// isValidChainAccount checks an account reference against the address
// format of its chain.
func isValidChainAccount(chain ChainID, account string) bool {
	switch chain {
	case ChainEthereum:
		return IsValidEthereumAddress(account)
	case ChainStellar:
		return IsValidStellarAccount(account)
	default:
		return false
	}
}

// isValidHash32 reports whether s encodes 32 bytes of hex, with or
// without a 0x prefix.
func isValidHash32(s string) bool {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	return err == nil && len(b) == 32
}

// SwapOrder is the request to initiate a swap, validated before
// anything enters the state machine.
type SwapOrder struct {
	SourceChain        ChainID  `json:"sourceChain"`
	DestinationChain   ChainID  `json:"destinationChain"`
	Initiator          string   `json:"initiator"`
	DestinationAccount string   `json:"destinationAccount"`
	Amount             *big.Int `json:"-"`
	Hashlock           string   `json:"hashlock"`
	Timelock           int64    `json:"timelock"`
	EnablePartialFill  bool     `json:"enablePartialFill"`
	MerkleRoot         string   `json:"merkleRoot,omitempty"`
}

// ValidateSwapOrder rejects malformed orders synchronously: bad
// amounts, bad address formats, timelocks outside the configured
// bounds, and missing or malformed commitments. Validation errors
// never reach the state machine.
func ValidateSwapOrder(cfg *Config, order *SwapOrder) error {
	if order.SourceChain == order.DestinationChain {
		return fmt.Errorf("source and destination chains must differ")
	}
	if (order.SourceChain != ChainEthereum && order.SourceChain != ChainStellar) ||
		(order.DestinationChain != ChainEthereum && order.DestinationChain != ChainStellar) {
		return fmt.Errorf("unsupported chain pair %s/%s", order.SourceChain, order.DestinationChain)
	}

	if order.Amount == nil || order.Amount.Sign() <= 0 {
		return fmt.Errorf("amount must be a positive integer")
	}

	if !isValidChainAccount(order.SourceChain, order.Initiator) {
		return fmt.Errorf("invalid initiator address for chain %s", order.SourceChain)
	}
	if !isValidChainAccount(order.DestinationChain, order.DestinationAccount) {
		return fmt.Errorf("invalid destination account for chain %s", order.DestinationChain)
	}

	if !isValidHash32(order.Hashlock) {
		return fmt.Errorf("hashlock must be 32 bytes of hex")
	}

	now := time.Now().Unix()
	ttl := order.Timelock - now
	if ttl < cfg.MinTimelock {
		return fmt.Errorf("timelock expires in %ds, minimum is %ds", ttl, cfg.MinTimelock)
	}
	if ttl > cfg.MaxTimelock {
		return fmt.Errorf("timelock expires in %ds, maximum is %ds", ttl, cfg.MaxTimelock)
	}

	if order.EnablePartialFill {
		if !isValidHash32(order.MerkleRoot) {
			return fmt.Errorf("partial-fill swaps require a 32-byte merkle root")
		}
	} else if order.MerkleRoot != "" {
		return fmt.Errorf("merkle root is meaningless without partial fills")
	}

	return nil
}
