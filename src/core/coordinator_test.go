package main

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func newTestCoordinator(t *testing.T, emit func(Intent)) (*Coordinator, *ResolverRegistry) {
	t.Helper()
	cfg := newTestConfig()
	rr := NewResolverRegistry(cfg)
	c := NewCoordinator(cfg, rr, nil, emit)
	t.Cleanup(c.Stop)
	return c, rr
}

// lockSwap drives a source-chain lock through ingest at finality
func lockSwap(t *testing.T, c *Coordinator, swapID string, amount int64, merkleRoot string) {
	t.Helper()
	err := c.Ingest(ChainEvent{
		Chain:         ChainEthereum,
		SwapID:        swapID,
		Type:          EventLocked,
		ObservedAt:    time.Now(),
		FinalityDepth: 12,
		Locked: &LockedPayload{
			Initiator:          testEthAddress(0x11),
			DestinationChain:   ChainStellar,
			DestinationAccount: testStellarAccount,
			Amount:             big.NewInt(amount),
			Hashlock:           testHashlock(t),
			Timelock:           time.Now().Unix() + 7200,
			EnablePartialFill:  merkleRoot != "",
			MerkleRoot:         merkleRoot,
		},
	})
	if err != nil {
		t.Fatalf("Ingest lock failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		swap, ok := c.GetSwap(swapID)
		return ok && swap.State == StateLockedSource
	})
}

func TestIngestCreatesSwap(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	lockSwap(t, c, "swap-1", 1000, "")

	swap, ok := c.GetSwap("swap-1")
	if !ok {
		t.Fatal("Expected swap to exist")
	}
	if swap.State != StateLockedSource {
		t.Errorf("Expected LOCKED_SOURCE, got %s", swap.State)
	}
	if swap.Amount.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("Expected amount 1000, got %s", swap.Amount)
	}
}

func TestIngestBuffersBelowFinality(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	// Ethereum requires 2 confirmations in the test config
	err := c.Ingest(ChainEvent{
		Chain:         ChainEthereum,
		SwapID:        "swap-1",
		Type:          EventLocked,
		FinalityDepth: 1,
		Locked: &LockedPayload{
			Initiator:          testEthAddress(0x11),
			DestinationChain:   ChainStellar,
			DestinationAccount: testStellarAccount,
			Amount:             big.NewInt(1000),
			Hashlock:           testHashlock(t),
			Timelock:           time.Now().Unix() + 7200,
		},
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if _, ok := c.GetSwap("swap-1"); ok {
		t.Error("Expected no swap created below the finality threshold")
	}
	if n := c.PendingEvents(); n != 1 {
		t.Errorf("Expected 1 buffered event, got %d", n)
	}

	// The monitor re-reports at depth; the buffer drains
	lockSwap(t, c, "swap-1", 1000, "")
	if n := c.PendingEvents(); n != 0 {
		t.Errorf("Expected buffer drained, got %d", n)
	}
}

// The destination leg can settle before the source lock reaches
// finality; the completion must be held and replayed, not dropped.
func TestDestinationLegArrivesBeforeLock(t *testing.T) {
	intents := make(chan Intent, 8)
	c, _ := newTestCoordinator(t, func(i Intent) { intents <- i })

	// Source lock observed but below the ethereum threshold
	lockEv := ChainEvent{
		Chain:         ChainEthereum,
		SwapID:        "swap-ooo",
		Type:          EventLocked,
		ObservedAt:    time.Now(),
		FinalityDepth: 1,
		Locked: &LockedPayload{
			Initiator:          testEthAddress(0x11),
			DestinationChain:   ChainStellar,
			DestinationAccount: testStellarAccount,
			Amount:             big.NewInt(1000),
			Hashlock:           testHashlock(t),
			Timelock:           time.Now().Unix() + 7200,
		},
	}
	if err := c.Ingest(lockEv); err != nil {
		t.Fatalf("Ingest lock failed: %v", err)
	}

	// The destination settlement finalizes first
	err := c.Ingest(ChainEvent{
		Chain:         ChainStellar,
		SwapID:        "swap-ooo",
		Type:          EventCompleted,
		ObservedAt:    time.Now(),
		FinalityDepth: 1,
		Completed:     &CompletedPayload{Secret: testSecret},
	})
	if err != nil {
		t.Fatalf("Expected early completion held, got %v", err)
	}
	if _, ok := c.GetSwap("swap-ooo"); ok {
		t.Fatal("Expected no swap before the lock finalizes")
	}
	if n := c.PendingEvents(); n != 2 {
		t.Errorf("Expected 2 buffered events, got %d", n)
	}

	// The lock reaches finality and the held completion replays
	lockEv.FinalityDepth = 2
	if err := c.Ingest(lockEv); err != nil {
		t.Fatalf("Ingest finalized lock failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		swap, ok := c.GetSwap("swap-ooo")
		return ok && swap.State == StateCompleted
	})

	swap, _ := c.GetSwap("swap-ooo")
	if swap.Secret != testSecret {
		t.Error("Expected the revealed secret recorded")
	}
	if n := c.PendingEvents(); n != 0 {
		t.Errorf("Expected buffers drained, got %d", n)
	}

	select {
	case intent := <-intents:
		if intent.Action != ActionSubmitReveal {
			t.Errorf("Expected SubmitReveal, got %s", intent.Action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a reveal intent after the replayed completion")
	}
}

// A deferred event is held once per (chain, type): monitor re-reports
// replace the previous copy instead of stacking duplicates.
func TestDeferredEventsDeduplicated(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	for i := 0; i < 3; i++ {
		err := c.Ingest(ChainEvent{
			Chain:         ChainStellar,
			SwapID:        "swap-dedup",
			Type:          EventCompleted,
			ObservedAt:    time.Now(),
			FinalityDepth: 1,
			Completed:     &CompletedPayload{Secret: testSecret},
		})
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
	}
	if n := c.PendingEvents(); n != 1 {
		t.Errorf("Expected 1 held event after re-reports, got %d", n)
	}
}

func TestIngestRejectsMalformedEvents(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	cases := []ChainEvent{
		{Chain: ChainEthereum, Type: EventLocked},
		{Chain: "solana", SwapID: "s", Type: EventLocked},
		{Chain: ChainEthereum, SwapID: "s", Type: EventLocked},
		{Chain: ChainEthereum, SwapID: "s", Type: EventLocked,
			Locked: &LockedPayload{Amount: big.NewInt(0), Hashlock: "ab"}},
		{Chain: ChainEthereum, SwapID: "s", Type: EventCompleted},
		{Chain: ChainEthereum, SwapID: "s", Type: EventRefunded},
		{Chain: ChainEthereum, SwapID: "s", Type: EventFillObserved},
		{Chain: ChainEthereum, SwapID: "s", Type: "Reorged"},
	}
	for i, ev := range cases {
		if err := c.Ingest(ev); err == nil {
			t.Errorf("Case %d: expected validation error", i)
		}
	}
}

func TestCompletionEmitsRevealIntent(t *testing.T) {
	intents := make(chan Intent, 8)
	c, _ := newTestCoordinator(t, func(i Intent) { intents <- i })
	lockSwap(t, c, "swap-1", 1000, "")

	err := c.Ingest(ChainEvent{
		Chain:         ChainStellar,
		SwapID:        "swap-1",
		Type:          EventCompleted,
		FinalityDepth: 1,
		Completed:     &CompletedPayload{Secret: testSecret},
	})
	if err != nil {
		t.Fatalf("Ingest completion failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		swap, _ := c.GetSwap("swap-1")
		return swap.State == StateCompleted
	})

	select {
	case intent := <-intents:
		if intent.Action != ActionSubmitReveal {
			t.Errorf("Expected SubmitReveal, got %s", intent.Action)
		}
		if intent.Chain != ChainEthereum {
			t.Errorf("Expected reveal on ethereum, got %s", intent.Chain)
		}
		if intent.Parameters["secret"] != testSecret {
			t.Error("Expected the revealed secret forwarded")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a reveal intent")
	}
}

func TestSubmitFillThroughSequencer(t *testing.T) {
	c, rr := newTestCoordinator(t, nil)
	resolver := testEthAddress(0xa1)
	mustRegister(t, rr, resolver)

	specs := []testFillSpec{
		{resolver, big.NewInt(600), 1},
		{resolver, big.NewInt(400), 2},
	}
	root, proofs := buildFillTree(t, specs)
	lockSwap(t, c, "swap-1", 1000, root)

	result := c.SubmitFill("swap-1", resolver, big.NewInt(600), 1, proofs[0])
	if !result.Accepted {
		t.Fatalf("Expected fill accepted, got %s", result.Reason)
	}
	if result.NewTotal.Cmp(big.NewInt(600)) != 0 {
		t.Errorf("Expected total 600, got %s", result.NewTotal)
	}

	swap, _ := c.GetSwap("swap-1")
	if swap.State != StatePartialFilled {
		t.Errorf("Expected PARTIAL_FILLED, got %s", swap.State)
	}

	result = c.SubmitFill("swap-1", resolver, big.NewInt(400), 2, proofs[1])
	if !result.Accepted || !result.Completed {
		t.Fatalf("Expected completing fill, got accepted=%v completed=%v reason=%s",
			result.Accepted, result.Completed, result.Reason)
	}

	swap, _ = c.GetSwap("swap-1")
	if swap.State != StateCompleted {
		t.Errorf("Expected COMPLETED, got %s", swap.State)
	}

	// The successful fills raised the resolver's reputation
	r, _ := rr.Get(resolver)
	if r.Reputation != 102 {
		t.Errorf("Expected reputation 102 after 2 successes, got %d", r.Reputation)
	}
}

func TestSubmitFillUnknownSwap(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	result := c.SubmitFill("missing", testEthAddress(0xa1), big.NewInt(100), 1, nil)
	if result.Accepted {
		t.Fatal("Expected rejection for unknown swap")
	}
	if result.Reason != "SwapUnknown" {
		t.Errorf("Expected SwapUnknown, got %s", result.Reason)
	}
}

func TestSubmitFillViolationPenalizesResolver(t *testing.T) {
	c, rr := newTestCoordinator(t, nil)
	resolver := testEthAddress(0xa1)
	mustRegister(t, rr, resolver)

	specs := []testFillSpec{{resolver, big.NewInt(600), 1}}
	root, proofs := buildFillTree(t, specs)
	lockSwap(t, c, "swap-1", 1000, root)

	if res := c.SubmitFill("swap-1", resolver, big.NewInt(600), 1, proofs[0]); !res.Accepted {
		t.Fatalf("Setup fill failed: %s", res.Reason)
	}

	// Nonce replay is a protocol violation and costs reputation
	res := c.SubmitFill("swap-1", resolver, big.NewInt(600), 1, proofs[0])
	if res.Accepted || res.Reason != "NonceReused" {
		t.Fatalf("Expected NonceReused, got accepted=%v reason=%s", res.Accepted, res.Reason)
	}

	r, _ := rr.Get(resolver)
	// +1 for the success, -10 for the violation
	if r.Reputation != 91 {
		t.Errorf("Expected reputation 91, got %d", r.Reputation)
	}
}

func TestSubmitFillBatch(t *testing.T) {
	c, rr := newTestCoordinator(t, nil)
	resolver := testEthAddress(0xa1)
	mustRegister(t, rr, resolver)

	specs := []testFillSpec{
		{resolver, big.NewInt(600), 1},
		{resolver, big.NewInt(400), 2},
	}
	root, proofs := buildFillTree(t, specs)
	lockSwap(t, c, "swap-1", 1000, root)

	results := c.SubmitFillBatch("swap-1", []FillObservedPayload{
		{Resolver: resolver, Amount: big.NewInt(600), Nonce: 1, MerkleProof: proofs[0]},
		{Resolver: resolver, Amount: big.NewInt(600), Nonce: 1, MerkleProof: proofs[0]},
		{Resolver: resolver, Amount: big.NewInt(400), Nonce: 2, MerkleProof: proofs[1]},
	})

	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	if !results[0].Accepted || results[1].Accepted || !results[2].Accepted {
		t.Errorf("Expected accept/reject/accept, got %v/%v/%v",
			results[0].Accepted, results[1].Accepted, results[2].Accepted)
	}
	if results[1].Reason != "NonceReused" {
		t.Errorf("Expected NonceReused on the duplicate, got %s", results[1].Reason)
	}
}

func TestSweepRefundsExpiredSwaps(t *testing.T) {
	intents := make(chan Intent, 8)
	c, _ := newTestCoordinator(t, func(i Intent) { intents <- i })
	lockSwap(t, c, "swap-1", 1000, "")

	// Not yet expired: the sweep leaves it alone
	c.Sweep(time.Now())
	time.Sleep(20 * time.Millisecond)
	swap, _ := c.GetSwap("swap-1")
	if swap.State != StateLockedSource {
		t.Fatalf("Expected swap untouched before expiry, got %s", swap.State)
	}

	// Past the timelock the sweep forces the refund
	c.Sweep(time.Now().Add(3 * time.Hour))
	waitFor(t, 2*time.Second, func() bool {
		swap, _ := c.GetSwap("swap-1")
		return swap.State == StateRefunded
	})

	select {
	case intent := <-intents:
		if intent.Action != ActionSubmitRefund {
			t.Errorf("Expected SubmitRefund, got %s", intent.Action)
		}
		if intent.Chain != ChainEthereum {
			t.Errorf("Expected refund on the source chain, got %s", intent.Chain)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a refund intent")
	}

	// Re-sweeping an already-refunded swap changes nothing
	c.Sweep(time.Now().Add(4 * time.Hour))
	time.Sleep(20 * time.Millisecond)
	swap, _ = c.GetSwap("swap-1")
	if swap.State != StateRefunded {
		t.Errorf("Expected REFUNDED stable, got %s", swap.State)
	}
}

func TestAuctionThroughCoordinator(t *testing.T) {
	intents := make(chan Intent, 8)
	c, rr := newTestCoordinator(t, func(i Intent) { intents <- i })
	resolver := testEthAddress(0xa1)
	mustRegister(t, rr, resolver)

	specs := []testFillSpec{{resolver, big.NewInt(600), 1}}
	root, _ := buildFillTree(t, specs)
	lockSwap(t, c, "swap-1", 1000, root)

	auction, err := c.StartAuction("swap-1", dec("200"), dec("100"), 30*time.Millisecond)
	if err != nil {
		t.Fatalf("StartAuction failed: %v", err)
	}
	if auction.SwapID != "swap-1" {
		t.Errorf("Expected auction bound to swap-1, got %s", auction.SwapID)
	}

	if err := c.SubmitBid("swap-1", resolver, big.NewInt(600), dec("200")); err != nil {
		t.Fatalf("SubmitBid failed: %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	c.Sweep(time.Now())

	a, ok := c.GetAuction("swap-1")
	if !ok || !a.Finalized {
		t.Fatal("Expected auction finalized by the sweep")
	}

	// The winning bid reserved budget and asked for execution
	select {
	case intent := <-intents:
		if intent.Action != ActionSubmitFillExecution {
			t.Errorf("Expected SubmitFillExecution, got %s", intent.Action)
		}
		if intent.Parameters["resolver"] != resolver {
			t.Errorf("Expected winner in parameters, got %s", intent.Parameters["resolver"])
		}
		if intent.Parameters["reservation"] == "" {
			t.Error("Expected a reservation id in parameters")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a fill execution intent")
	}

	swap, _ := c.GetSwap("swap-1")
	if budget := c.ledger.AvailableBudget(swap); budget.Cmp(big.NewInt(400)) != 0 {
		t.Errorf("Expected 400 available after the 600 reservation, got %s", budget)
	}
}

// An auction expiring after its swap refunded must not select winners,
// reserve budget, or ask for execution.
func TestAuctionAbortedAfterRefund(t *testing.T) {
	intents := make(chan Intent, 8)
	c, rr := newTestCoordinator(t, func(i Intent) { intents <- i })
	resolver := testEthAddress(0xa1)
	mustRegister(t, rr, resolver)

	specs := []testFillSpec{{resolver, big.NewInt(600), 1}}
	root, _ := buildFillTree(t, specs)
	lockSwap(t, c, "swap-dead", 1000, root)

	if _, err := c.StartAuction("swap-dead", dec("200"), dec("100"), 30*time.Millisecond); err != nil {
		t.Fatalf("StartAuction failed: %v", err)
	}
	if err := c.SubmitBid("swap-dead", resolver, big.NewInt(600), dec("200")); err != nil {
		t.Fatalf("SubmitBid failed: %v", err)
	}

	// The source chain refunds while the auction is still running
	err := c.Ingest(ChainEvent{
		Chain:         ChainEthereum,
		SwapID:        "swap-dead",
		Type:          EventRefunded,
		ObservedAt:    time.Now(),
		FinalityDepth: 12,
		Refunded:      &RefundedPayload{},
	})
	if err != nil {
		t.Fatalf("Ingest refund failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		swap, _ := c.GetSwap("swap-dead")
		return swap.State == StateRefunded
	})

	time.Sleep(40 * time.Millisecond)
	c.Sweep(time.Now())

	a, ok := c.GetAuction("swap-dead")
	if !ok || !a.Finalized {
		t.Fatal("Expected the dead auction closed by the sweep")
	}

	select {
	case intent := <-intents:
		t.Fatalf("Expected no intent for a refunded swap, got %s", intent.Action)
	case <-time.After(50 * time.Millisecond):
	}

	swap, _ := c.GetSwap("swap-dead")
	if budget := c.ledger.AvailableBudget(swap); budget.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("Expected no budget reserved for a dead swap, got %s", budget)
	}

	// Re-sweeping a closed auction stays quiet
	c.Sweep(time.Now())
	if n := len(intents); n != 0 {
		t.Errorf("Expected no intents on re-sweep, got %d", n)
	}
}

// Buffered events beyond the maximum timelock are dropped by the sweep
func TestSweepPrunesStaleBufferedEvents(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	// One sub-finality event, one deferred destination-leg event
	err := c.Ingest(ChainEvent{
		Chain:         ChainEthereum,
		SwapID:        "swap-reorged",
		Type:          EventLocked,
		ObservedAt:    time.Now(),
		FinalityDepth: 1,
		Locked: &LockedPayload{
			Initiator:          testEthAddress(0x11),
			DestinationChain:   ChainStellar,
			DestinationAccount: testStellarAccount,
			Amount:             big.NewInt(1000),
			Hashlock:           testHashlock(t),
			Timelock:           time.Now().Unix() + 7200,
		},
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	err = c.Ingest(ChainEvent{
		Chain:         ChainStellar,
		SwapID:        "swap-orphan",
		Type:          EventCompleted,
		ObservedAt:    time.Now(),
		FinalityDepth: 1,
		Completed:     &CompletedPayload{Secret: testSecret},
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if n := c.PendingEvents(); n != 2 {
		t.Fatalf("Expected 2 buffered events, got %d", n)
	}

	// Within the timelock horizon the buffers are kept
	c.Sweep(time.Now().Add(time.Hour))
	if n := c.PendingEvents(); n != 2 {
		t.Errorf("Expected buffers kept within the horizon, got %d", n)
	}

	// Past the maximum timelock they can never matter again
	c.Sweep(time.Now().Add(time.Duration(c.cfg.MaxTimelock)*time.Second + time.Hour))
	if n := c.PendingEvents(); n != 0 {
		t.Errorf("Expected stale buffers pruned, got %d", n)
	}
}

func TestStartAuctionGuards(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	if _, err := c.StartAuction("missing", dec("200"), dec("100"), time.Minute); !errors.Is(err, ErrSwapUnknown) {
		t.Errorf("Expected ErrSwapUnknown, got %v", err)
	}

	lockSwap(t, c, "swap-plain", 1000, "")
	if _, err := c.StartAuction("swap-plain", dec("200"), dec("100"), time.Minute); !errors.Is(err, ErrPartialFillDisabled) {
		t.Errorf("Expected ErrPartialFillDisabled, got %v", err)
	}
}

func TestListSwapsNewestFirst(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	lockSwap(t, c, "swap-a", 100, "")
	lockSwap(t, c, "swap-b", 200, "")
	lockSwap(t, c, "swap-c", 300, "")

	swaps := c.ListSwaps(0)
	if len(swaps) != 3 {
		t.Fatalf("Expected 3 swaps, got %d", len(swaps))
	}

	limited := c.ListSwaps(2)
	if len(limited) != 2 {
		t.Errorf("Expected limit respected, got %d", len(limited))
	}
}

func TestGetSwapReturnsSnapshot(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	lockSwap(t, c, "swap-1", 1000, "")

	snapshot, _ := c.GetSwap("swap-1")
	snapshot.State = StateFrozen
	snapshot.Amount.SetInt64(1)

	fresh, _ := c.GetSwap("swap-1")
	if fresh.State != StateLockedSource {
		t.Errorf("Expected live state unaffected, got %s", fresh.State)
	}
	if fresh.Amount.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("Expected live amount unaffected, got %s", fresh.Amount)
	}
}
