package main

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func newTestLedger(t *testing.T) (*FillLedger, *ResolverRegistry) {
	t.Helper()
	rr := NewResolverRegistry(newTestConfig())
	return NewFillLedger(rr, 5*time.Minute), rr
}

func TestApplyFillThreeResolvers(t *testing.T) {
	ledger, rr := newTestLedger(t)

	resolverA := testEthAddress(0xa1)
	resolverB := testEthAddress(0xb2)
	resolverC := testEthAddress(0xc3)
	for _, addr := range []string{resolverA, resolverB, resolverC} {
		mustRegister(t, rr, addr)
	}

	specs := []testFillSpec{
		{resolverA, big.NewInt(400), 1},
		{resolverB, big.NewInt(300), 2},
		{resolverC, big.NewInt(300), 3},
	}
	root, proofs := buildFillTree(t, specs)
	swap := newLockedSwap(t, 1000, root)

	// Out of authorization order: C first, then A, then B
	res := ledger.ApplyFill(swap, resolverC, big.NewInt(300), 3, proofs[2])
	if !res.Accepted {
		t.Fatalf("Expected C's fill accepted, got reason %s", res.Reason)
	}
	if res.NewTotal.Cmp(big.NewInt(300)) != 0 {
		t.Errorf("Expected total 300, got %s", res.NewTotal)
	}
	if res.Completed {
		t.Error("Expected swap not yet complete at 300/1000")
	}
	swap.State = StatePartialFilled

	res = ledger.ApplyFill(swap, resolverA, big.NewInt(400), 1, proofs[0])
	if !res.Accepted {
		t.Fatalf("Expected A's fill accepted, got reason %s", res.Reason)
	}
	if res.NewTotal.Cmp(big.NewInt(700)) != 0 {
		t.Errorf("Expected total 700, got %s", res.NewTotal)
	}

	res = ledger.ApplyFill(swap, resolverB, big.NewInt(300), 2, proofs[1])
	if !res.Accepted {
		t.Fatalf("Expected B's fill accepted, got reason %s", res.Reason)
	}
	if res.NewTotal.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("Expected total 1000, got %s", res.NewTotal)
	}
	if !res.Completed {
		t.Error("Expected completion when the total reaches the principal")
	}

	fills := ledger.Fills(swap.SwapID)
	if len(fills) != 3 {
		t.Errorf("Expected 3 recorded fills, got %d", len(fills))
	}
}

func TestApplyFillNonceReuse(t *testing.T) {
	ledger, rr := newTestLedger(t)
	resolver := testEthAddress(0xa1)
	mustRegister(t, rr, resolver)

	specs := []testFillSpec{
		{resolver, big.NewInt(400), 1},
		{resolver, big.NewInt(300), 2},
	}
	root, proofs := buildFillTree(t, specs)
	swap := newLockedSwap(t, 1000, root)

	if res := ledger.ApplyFill(swap, resolver, big.NewInt(400), 1, proofs[0]); !res.Accepted {
		t.Fatalf("Expected first fill accepted, got %s", res.Reason)
	}
	swap.State = StatePartialFilled

	res := ledger.ApplyFill(swap, resolver, big.NewInt(400), 1, proofs[0])
	if res.Accepted {
		t.Fatal("Expected nonce replay to be rejected")
	}
	if !errors.Is(res.Err, ErrNonceReused) {
		t.Errorf("Expected ErrNonceReused, got %v", res.Err)
	}
	if res.Reason != "NonceReused" {
		t.Errorf("Expected reason NonceReused, got %s", res.Reason)
	}

	// The replay must not advance the filled amount
	if swap.FilledAmount.Cmp(big.NewInt(400)) != 0 {
		t.Errorf("Expected filled amount still 400, got %s", swap.FilledAmount)
	}
	if !ledger.NonceUsed(swap.SwapID, 1) {
		t.Error("Expected nonce 1 recorded as used")
	}
}

func TestApplyFillInvalidProof(t *testing.T) {
	ledger, rr := newTestLedger(t)
	resolver := testEthAddress(0xa1)
	mustRegister(t, rr, resolver)

	specs := []testFillSpec{
		{resolver, big.NewInt(400), 1},
		{resolver, big.NewInt(300), 2},
	}
	root, proofs := buildFillTree(t, specs)
	swap := newLockedSwap(t, 1000, root)

	// Proof for leaf 0 presented with leaf 1's parameters
	res := ledger.ApplyFill(swap, resolver, big.NewInt(300), 2, proofs[0])
	if res.Accepted || res.Reason != "InvalidProof" {
		t.Errorf("Expected InvalidProof rejection, got accepted=%v reason=%s", res.Accepted, res.Reason)
	}

	// An amount not committed in the tree fails even with a real proof
	res = ledger.ApplyFill(swap, resolver, big.NewInt(401), 1, proofs[0])
	if res.Accepted || res.Reason != "InvalidProof" {
		t.Errorf("Expected InvalidProof for altered amount, got accepted=%v reason=%s", res.Accepted, res.Reason)
	}
}

func TestApplyFillOverFill(t *testing.T) {
	ledger, rr := newTestLedger(t)
	resolver := testEthAddress(0xa1)
	mustRegister(t, rr, resolver)

	// The tree authorizes more than the principal; the ledger must
	// still refuse to cross it.
	specs := []testFillSpec{
		{resolver, big.NewInt(700), 1},
		{resolver, big.NewInt(700), 2},
	}
	root, proofs := buildFillTree(t, specs)
	swap := newLockedSwap(t, 1000, root)

	if res := ledger.ApplyFill(swap, resolver, big.NewInt(700), 1, proofs[0]); !res.Accepted {
		t.Fatalf("Expected first fill accepted, got %s", res.Reason)
	}
	swap.State = StatePartialFilled

	res := ledger.ApplyFill(swap, resolver, big.NewInt(700), 2, proofs[1])
	if res.Accepted {
		t.Fatal("Expected overfill rejection")
	}
	if !errors.Is(res.Err, ErrOverFill) {
		t.Errorf("Expected ErrOverFill, got %v", res.Err)
	}
	if swap.FilledAmount.Cmp(big.NewInt(700)) != 0 {
		t.Errorf("Expected filled amount unchanged at 700, got %s", swap.FilledAmount)
	}
}

func TestApplyFillUnauthorizedResolver(t *testing.T) {
	ledger, _ := newTestLedger(t)
	resolver := testEthAddress(0xa1)

	specs := []testFillSpec{{resolver, big.NewInt(400), 1}}
	root, proofs := buildFillTree(t, specs)
	swap := newLockedSwap(t, 1000, root)

	res := ledger.ApplyFill(swap, resolver, big.NewInt(400), 1, proofs[0])
	if res.Accepted {
		t.Fatal("Expected unregistered resolver to be rejected")
	}
	if !errors.Is(res.Err, ErrUnauthorizedResolver) {
		t.Errorf("Expected ErrUnauthorizedResolver, got %v", res.Err)
	}
}

func TestApplyFillValidationOrder(t *testing.T) {
	// A reused nonce from an unauthorized resolver must report the
	// nonce violation: guards run in a fixed order.
	ledger, rr := newTestLedger(t)
	authorized := testEthAddress(0xa1)
	stranger := testEthAddress(0xee)
	mustRegister(t, rr, authorized)

	specs := []testFillSpec{
		{authorized, big.NewInt(400), 1},
		{stranger, big.NewInt(300), 1},
	}
	root, proofs := buildFillTree(t, specs)
	swap := newLockedSwap(t, 1000, root)

	if res := ledger.ApplyFill(swap, authorized, big.NewInt(400), 1, proofs[0]); !res.Accepted {
		t.Fatalf("Expected setup fill accepted, got %s", res.Reason)
	}
	swap.State = StatePartialFilled

	res := ledger.ApplyFill(swap, stranger, big.NewInt(300), 1, proofs[1])
	if res.Reason != "NonceReused" {
		t.Errorf("Expected NonceReused before the authorization guard, got %s", res.Reason)
	}
}

func TestApplyFillPartialFillDisabled(t *testing.T) {
	ledger, rr := newTestLedger(t)
	resolver := testEthAddress(0xa1)
	mustRegister(t, rr, resolver)

	swap := newLockedSwap(t, 1000, "")

	res := ledger.ApplyFill(swap, resolver, big.NewInt(400), 1, nil)
	if res.Accepted || res.Reason != "PartialFillDisabled" {
		t.Errorf("Expected PartialFillDisabled, got accepted=%v reason=%s", res.Accepted, res.Reason)
	}
}

func TestApplyFillWrongState(t *testing.T) {
	ledger, rr := newTestLedger(t)
	resolver := testEthAddress(0xa1)
	mustRegister(t, rr, resolver)

	specs := []testFillSpec{{resolver, big.NewInt(400), 1}}
	root, proofs := buildFillTree(t, specs)

	for _, state := range []SwapState{StateInitiated, StateCompleted, StateRefunded, StateExpired, StateFrozen} {
		swap := newLockedSwap(t, 1000, root)
		swap.State = state
		res := ledger.ApplyFill(swap, resolver, big.NewInt(400), 1, proofs[0])
		if res.Accepted {
			t.Errorf("Expected fill rejected in state %s", state)
		}
		if res.Reason != "SwapNotFillable" {
			t.Errorf("Expected SwapNotFillable in state %s, got %s", state, res.Reason)
		}
	}
}

func TestApplyFillExpiredTimelock(t *testing.T) {
	ledger, rr := newTestLedger(t)
	resolver := testEthAddress(0xa1)
	mustRegister(t, rr, resolver)

	specs := []testFillSpec{{resolver, big.NewInt(400), 1}}
	root, proofs := buildFillTree(t, specs)
	swap := newLockedSwap(t, 1000, root)
	swap.Timelock = time.Now().Unix() - 1

	res := ledger.ApplyFill(swap, resolver, big.NewInt(400), 1, proofs[0])
	if res.Accepted || res.Reason != "SwapExpired" {
		t.Errorf("Expected SwapExpired, got accepted=%v reason=%s", res.Accepted, res.Reason)
	}
}

func TestApplyFillNonPositiveAmount(t *testing.T) {
	ledger, rr := newTestLedger(t)
	resolver := testEthAddress(0xa1)
	mustRegister(t, rr, resolver)

	swap := newLockedSwap(t, 1000, testHashlock(t))

	if res := ledger.ApplyFill(swap, resolver, big.NewInt(0), 1, nil); res.Accepted {
		t.Error("Expected zero-amount fill rejected")
	}
	if res := ledger.ApplyFill(swap, resolver, big.NewInt(-5), 1, nil); res.Accepted {
		t.Error("Expected negative-amount fill rejected")
	}
	if res := ledger.ApplyFill(swap, resolver, nil, 1, nil); res.Accepted {
		t.Error("Expected nil-amount fill rejected")
	}
}

func TestApplyFillBatchPartialSuccess(t *testing.T) {
	ledger, rr := newTestLedger(t)
	resolver := testEthAddress(0xa1)
	mustRegister(t, rr, resolver)

	specs := []testFillSpec{
		{resolver, big.NewInt(600), 1},
		{resolver, big.NewInt(600), 2},
		{resolver, big.NewInt(400), 3},
	}
	root, proofs := buildFillTree(t, specs)
	swap := newLockedSwap(t, 1000, root)

	// Second item overfills after the first; third still fits
	results := ledger.ApplyFillBatch(swap, []FillObservedPayload{
		{Resolver: resolver, Amount: big.NewInt(600), Nonce: 1, MerkleProof: proofs[0]},
		{Resolver: resolver, Amount: big.NewInt(600), Nonce: 2, MerkleProof: proofs[1]},
		{Resolver: resolver, Amount: big.NewInt(400), Nonce: 3, MerkleProof: proofs[2]},
	})

	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	if !results[0].Accepted {
		t.Errorf("Expected item 0 accepted, got %s", results[0].Reason)
	}
	if results[1].Accepted || results[1].Reason != "OverFill" {
		t.Errorf("Expected item 1 rejected with OverFill, got %s", results[1].Reason)
	}
	if !results[2].Accepted || !results[2].Completed {
		t.Errorf("Expected item 2 to complete the swap, got accepted=%v completed=%v",
			results[2].Accepted, results[2].Completed)
	}
	if swap.FilledAmount.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("Expected filled amount 1000, got %s", swap.FilledAmount)
	}
}

func TestReservationLifecycle(t *testing.T) {
	ledger, rr := newTestLedger(t)
	resolver := testEthAddress(0xa1)
	mustRegister(t, rr, resolver)

	swap := newLockedSwap(t, 1000, testHashlock(t))

	res, err := ledger.Reserve(swap, Bid{Resolver: resolver, Amount: big.NewInt(600)})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	if budget := ledger.AvailableBudget(swap); budget.Cmp(big.NewInt(400)) != 0 {
		t.Errorf("Expected available budget 400 after reservation, got %s", budget)
	}

	// A second reservation exceeding the rest is refused
	if _, err := ledger.Reserve(swap, Bid{Resolver: resolver, Amount: big.NewInt(500)}); !errors.Is(err, ErrOverFill) {
		t.Errorf("Expected ErrOverFill for over-reservation, got %v", err)
	}

	ledger.Confirm(res.ID)
	if budget := ledger.AvailableBudget(swap); budget.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("Expected budget restored after confirm, got %s", budget)
	}

	// Confirming twice is harmless
	ledger.Confirm(res.ID)
}

// An outstanding reservation is not budget for direct fills: only the
// holder's confirming fill may spend it.
func TestDirectFillCannotConsumeReservedBudget(t *testing.T) {
	ledger, rr := newTestLedger(t)
	direct := testEthAddress(0xa1)
	winner := testEthAddress(0xb2)
	mustRegister(t, rr, direct)
	mustRegister(t, rr, winner)

	specs := []testFillSpec{
		{direct, big.NewInt(800), 1},
		{direct, big.NewInt(700), 2},
		{winner, big.NewInt(300), 3},
	}
	root, proofs := buildFillTree(t, specs)
	swap := newLockedSwap(t, 1000, root)

	res, err := ledger.Reserve(swap, Bid{Resolver: winner, Amount: big.NewInt(300)})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	// 800 fits the principal but not the 700 left outside the reservation
	result := ledger.ApplyFill(swap, direct, big.NewInt(800), 1, proofs[0])
	if result.Accepted {
		t.Fatal("Expected direct fill into reserved budget rejected")
	}
	if result.Reason != "OverFill" {
		t.Errorf("Expected reason OverFill, got %s", result.Reason)
	}
	if swap.FilledAmount.Sign() != 0 {
		t.Errorf("Expected no mutation on rejection, got %s", swap.FilledAmount)
	}

	// The unreserved 700 is still open
	result = ledger.ApplyFill(swap, direct, big.NewInt(700), 2, proofs[1])
	if !result.Accepted {
		t.Fatalf("Expected fill within open budget accepted, got %s", result.Reason)
	}

	// The winner's confirming fill spends its own reservation
	results := ledger.ApplyFillBatch(swap, []FillObservedPayload{{
		Resolver:    winner,
		Amount:      big.NewInt(300),
		Nonce:       3,
		MerkleProof: proofs[2],
		Reservation: res.ID,
	}})
	if !results[0].Accepted || !results[0].Completed {
		t.Fatalf("Expected confirming fill to complete the swap, got accepted=%v completed=%v reason=%s",
			results[0].Accepted, results[0].Completed, results[0].Reason)
	}
	if budget := ledger.AvailableBudget(swap); budget.Sign() != 0 {
		t.Errorf("Expected reservation consumed with the fill, got budget %s", budget)
	}
}

func TestReleaseExpiredReservations(t *testing.T) {
	rr := NewResolverRegistry(newTestConfig())
	ledger := NewFillLedger(rr, 50*time.Millisecond)
	resolver := testEthAddress(0xa1)
	mustRegister(t, rr, resolver)

	swap := newLockedSwap(t, 1000, testHashlock(t))

	if _, err := ledger.Reserve(swap, Bid{Resolver: resolver, Amount: big.NewInt(600)}); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	if n := ledger.ReleaseExpired(time.Now()); n != 0 {
		t.Errorf("Expected no releases before expiry, got %d", n)
	}

	if n := ledger.ReleaseExpired(time.Now().Add(time.Second)); n != 1 {
		t.Errorf("Expected 1 release after expiry, got %d", n)
	}
	if budget := ledger.AvailableBudget(swap); budget.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("Expected full budget after release, got %s", budget)
	}

	// Re-running is idempotent
	if n := ledger.ReleaseExpired(time.Now().Add(time.Second)); n != 0 {
		t.Errorf("Expected no further releases, got %d", n)
	}
}
