package main

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FillResult reports the outcome of one fill application
type FillResult struct {
	Accepted  bool     `json:"accepted"`
	NewTotal  *big.Int `json:"newTotal,omitempty"`
	Completed bool     `json:"completed,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Err       error    `json:"-"`
}

// Reservation provisionally claims fill budget for an auction winner.
// It reserves but does not commit against the remaining amount; the
// budget is committed when the fill confirms on chain and released
// back if the grace period lapses first.
type Reservation struct {
	ID        string    `json:"id"`
	SwapID    string    `json:"swapId"`
	Resolver  string    `json:"resolver"`
	Amount    *big.Int  `json:"amount"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// FillLedger is the authoritative record of how much of each swap has
// been filled and by whom. All fill acceptance flows through ApplyFill
// under the validation order fixed by the protocol. The caller is the
// per-swap sequencer, so mutations of one swap never interleave.
type FillLedger struct {
	mu           sync.RWMutex
	fills        map[string][]*Fill          // swap id -> accepted fills, append-only
	nonces       map[string]map[uint64]bool  // swap id -> consumed nonces
	reservations map[string]*Reservation     // reservation id -> reservation
	reserved     map[string]*big.Int         // swap id -> total reserved budget

	registry *ResolverRegistry
	grace    time.Duration
}

// NewFillLedger creates an empty ledger
func NewFillLedger(registry *ResolverRegistry, grace time.Duration) *FillLedger {
	return &FillLedger{
		fills:        make(map[string][]*Fill),
		nonces:       make(map[string]map[uint64]bool),
		reservations: make(map[string]*Reservation),
		reserved:     make(map[string]*big.Int),
		registry:     registry,
		grace:        grace,
	}
}

// ApplyFill validates and appends one fill. Validation order is fixed:
// partial-fill and state admission, nonce replay, Merkle inclusion,
// overfill, resolver authorization. On acceptance the swap's filled
// amount is advanced and the new cumulative total returned; Completed
// is set when the total reaches the principal.
func (fl *FillLedger) ApplyFill(swap *Swap, resolver string, amount *big.Int, nonce uint64, proof []string) FillResult {
	return fl.applyFill(swap, resolver, amount, nonce, proof, "")
}

// applyFill is ApplyFill plus reservation settlement: a fill carrying
// the id of an outstanding reservation spends that reservation's
// credit instead of the open budget, and consumes it on acceptance.
func (fl *FillLedger) applyFill(swap *Swap, resolver string, amount *big.Int, nonce uint64, proof []string, reservationID string) FillResult {
	if amount == nil || amount.Sign() <= 0 {
		return rejected(fmt.Errorf("fill amount must be positive: %w", ErrOverFill))
	}

	// (a) the swap must allow partial fills and be fillable
	if !swap.EnablePartialFill {
		return rejected(ErrPartialFillDisabled)
	}
	switch swap.State {
	case StateLockedSource, StatePartialFilled:
	default:
		return rejected(fmt.Errorf("state %s: %w", swap.State, ErrSwapNotFillable))
	}
	if time.Now().Unix() >= swap.Timelock {
		return rejected(ErrSwapExpired)
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()

	// (b) nonce must be unused for this swap
	if fl.nonces[swap.SwapID][nonce] {
		return rejected(fmt.Errorf("nonce %d: %w", nonce, ErrNonceReused))
	}

	// (c) the leaf must verify against the swap's committed root
	leaf := FillLeaf(resolver, amount, nonce)
	if !VerifyMerkleProofHex(swap.MerkleRoot, leaf, proof) {
		return rejected(ErrInvalidProof)
	}

	// (d) cumulative filled amount must not exceed the principal, and
	// budget held by outstanding reservations is not open to other
	// fills until it is confirmed or lapses
	newTotal := new(big.Int).Add(swap.FilledAmount, amount)
	if newTotal.Cmp(swap.Amount) > 0 {
		return rejected(fmt.Errorf("filled %v of %v: %w", newTotal, swap.Amount, ErrOverFill))
	}
	available := fl.availableLocked(swap)
	if res, ok := fl.reservations[reservationID]; ok && res.SwapID == swap.SwapID {
		available.Add(available, res.Amount)
	}
	if amount.Cmp(available) > 0 {
		return rejected(fmt.Errorf("fill %v exceeds available %v (reserved %v): %w",
			amount, available, fl.reservedFor(swap.SwapID), ErrOverFill))
	}

	// (e) the resolver must be authorized
	if !fl.registry.IsAuthorized(resolver) {
		return rejected(fmt.Errorf("resolver %s: %w", resolver, ErrUnauthorizedResolver))
	}

	fill := &Fill{
		SwapID:      swap.SwapID,
		Resolver:    resolver,
		Amount:      new(big.Int).Set(amount),
		Nonce:       nonce,
		Leaf:        hex.EncodeToString(leaf),
		MerkleProof: proof,
		AppliedAt:   time.Now().Unix(),
	}
	fl.fills[swap.SwapID] = append(fl.fills[swap.SwapID], fill)
	if fl.nonces[swap.SwapID] == nil {
		fl.nonces[swap.SwapID] = make(map[uint64]bool)
	}
	fl.nonces[swap.SwapID][nonce] = true

	swap.FilledAmount = newTotal
	completed := newTotal.Cmp(swap.Amount) == 0
	if reservationID != "" {
		fl.releaseLocked(reservationID)
	}

	logger.Info("Fill applied",
		"swapId", swap.SwapID,
		"resolver", resolver,
		"amount", amount.String(),
		"nonce", nonce,
		"newTotal", newTotal.String(),
		"completed", completed)
	fillsTotal.WithLabelValues("accepted", "").Inc()

	return FillResult{Accepted: true, NewTotal: newTotal, Completed: completed}
}

// ApplyFillBatch applies a list of fills in order, each independently
// validated. Partial batch success is allowed and reported per item;
// ordering and overfill guarantees match sequential application.
func (fl *FillLedger) ApplyFillBatch(swap *Swap, items []FillObservedPayload) []FillResult {
	results := make([]FillResult, 0, len(items))
	for _, item := range items {
		results = append(results, fl.applyFill(swap, item.Resolver, item.Amount, item.Nonce, item.MerkleProof, item.Reservation))
	}
	return results
}

// reservedFor reports the outstanding reserved total for a swap.
// Caller holds fl.mu.
func (fl *FillLedger) reservedFor(swapID string) *big.Int {
	if total, ok := fl.reserved[swapID]; ok {
		return total
	}
	return new(big.Int)
}

// Fills returns the append-only fill history for a swap
func (fl *FillLedger) Fills(swapID string) []*Fill {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	src := fl.fills[swapID]
	out := make([]*Fill, len(src))
	copy(out, src)
	return out
}

// NonceUsed reports whether a nonce has been consumed for a swap
func (fl *FillLedger) NonceUsed(swapID string, nonce uint64) bool {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return fl.nonces[swapID][nonce]
}

// Reserve provisionally claims budget for an auction-winning bid. The
// reservation counts against the available budget immediately but is
// not a fill; it commits via Confirm or lapses after the grace period.
func (fl *FillLedger) Reserve(swap *Swap, bid Bid) (*Reservation, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	available := fl.availableLocked(swap)
	if bid.Amount.Cmp(available) > 0 {
		return nil, fmt.Errorf("reservation %v exceeds available %v: %w", bid.Amount, available, ErrOverFill)
	}

	res := &Reservation{
		ID:        uuid.New().String(),
		SwapID:    swap.SwapID,
		Resolver:  bid.Resolver,
		Amount:    new(big.Int).Set(bid.Amount),
		ExpiresAt: time.Now().Add(fl.grace),
	}
	fl.reservations[res.ID] = res
	if fl.reserved[swap.SwapID] == nil {
		fl.reserved[swap.SwapID] = new(big.Int)
	}
	fl.reserved[swap.SwapID].Add(fl.reserved[swap.SwapID], res.Amount)

	logger.Debug("Fill budget reserved",
		"swapId", swap.SwapID,
		"resolver", bid.Resolver,
		"amount", bid.Amount.String(),
		"reservation", res.ID)
	return res, nil
}

// Confirm releases a reservation after its fill was observed final on
// chain; the budget it held is committed by the accompanying ApplyFill.
func (fl *FillLedger) Confirm(reservationID string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.releaseLocked(reservationID)
}

// ReleaseExpired drops reservations whose grace period lapsed without
// confirmation, returning their budget to the swap. Safe to re-run.
func (fl *FillLedger) ReleaseExpired(now time.Time) int {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	released := 0
	for id, res := range fl.reservations {
		if now.After(res.ExpiresAt) {
			logger.Warn("Reservation expired unconfirmed",
				"swapId", res.SwapID,
				"resolver", res.Resolver,
				"amount", res.Amount.String())
			fl.releaseLocked(id)
			released++
		}
	}
	return released
}

// AvailableBudget is the swap's remaining amount minus outstanding
// reservations; the amount open to new bids and direct fills.
func (fl *FillLedger) AvailableBudget(swap *Swap) *big.Int {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return fl.availableLocked(swap)
}

func (fl *FillLedger) availableLocked(swap *Swap) *big.Int {
	available := swap.Remaining()
	if reserved, ok := fl.reserved[swap.SwapID]; ok {
		available.Sub(available, reserved)
	}
	if available.Sign() < 0 {
		return new(big.Int)
	}
	return available
}

func (fl *FillLedger) releaseLocked(reservationID string) {
	res, ok := fl.reservations[reservationID]
	if !ok {
		return
	}
	delete(fl.reservations, reservationID)
	if total, ok := fl.reserved[res.SwapID]; ok {
		total.Sub(total, res.Amount)
		if total.Sign() <= 0 {
			delete(fl.reserved, res.SwapID)
		}
	}
}

func rejected(err error) FillResult {
	reason := reasonCode(err)
	fillsTotal.WithLabelValues("rejected", reason).Inc()
	return FillResult{Accepted: false, Reason: reason, Err: err}
}
