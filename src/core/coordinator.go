package main

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// swapEntry pairs a swap record with its sequencer. All mutations of
// the swap run on the sequencer goroutine under the entry lock; reads
// from other goroutines take the lock and copy.
type swapEntry struct {
	mu    sync.Mutex
	swap  *Swap
	queue chan func()
}

// Coordinator is the top-level orchestrator. It is the single writer
// of swap state: chain monitors and resolver-facing submissions are
// concurrent producers feeding one bounded, serialized application
// path per swap id. Different swaps progress fully in parallel.
type Coordinator struct {
	cfg      *Config
	machine  *SwapStateMachine
	ledger   *FillLedger
	registry *ResolverRegistry
	auctions *AuctionEngine
	secrets  *SecretManager
	store    *Store

	// emit publishes outbound intents to chain-submission collaborators
	emit func(Intent)

	mu      sync.Mutex
	entries map[string]*swapEntry
	// pending buffers the latest sub-finality event per (chain, swap);
	// monitors re-report until the confirmation depth is met.
	pending map[string]ChainEvent
	// deferred holds finalized destination-leg events that arrived
	// before the source lock reached finality; they replay in order
	// once the lock lands.
	deferred map[string][]ChainEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator wires the coordination engine together. store may be
// nil when running without persistence; emit may be nil to drop
// intents (tests).
func NewCoordinator(cfg *Config, registry *ResolverRegistry, store *Store, emit func(Intent)) *Coordinator {
	if emit == nil {
		emit = func(Intent) {}
	}

	secrets := NewSecretManager()
	ledger := NewFillLedger(registry, cfg.ReservationGrace)

	c := &Coordinator{
		cfg:      cfg,
		machine:  NewSwapStateMachine(secrets, ledger),
		ledger:   ledger,
		registry: registry,
		secrets:  secrets,
		store:    store,
		emit:     emit,
		entries:  make(map[string]*swapEntry),
		pending:  make(map[string]ChainEvent),
		deferred: make(map[string][]ChainEvent),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.auctions = NewAuctionEngine(registry, c.availableBudget, c.reserveBid)
	return c
}

// Start launches the periodic timelock and reservation sweep
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep(time.Now())
			case <-c.ctx.Done():
				return
			}
		}
	}()
	logger.Info("Coordinator started", "sweepInterval", c.cfg.SweepInterval.String())
}

// Stop drains the sequencers and stops the sweep
func (c *Coordinator) Stop() {
	c.cancel()

	c.mu.Lock()
	for _, entry := range c.entries {
		close(entry.queue)
	}
	c.mu.Unlock()

	c.wg.Wait()
	logger.Info("Coordinator stopped")
}

// Ingest accepts a canonical chain event. Events below the per-chain
// confirmation threshold are buffered, not discarded; the monitor
// re-reports them as depth grows. Events at threshold are applied on
// the swap's sequencer in arrival order.
func (c *Coordinator) Ingest(ev ChainEvent) error {
	if err := validateEvent(ev); err != nil {
		return err
	}

	observeFinalityLag(ev)

	if ev.FinalityDepth < c.cfg.Confirmations(ev.Chain) {
		c.mu.Lock()
		c.pending[string(ev.Chain)+"/"+ev.SwapID+"/"+string(ev.Type)] = ev
		c.mu.Unlock()
		logger.Debug("Event below finality threshold, buffered",
			"chain", string(ev.Chain),
			"swapId", ev.SwapID,
			"eventType", string(ev.Type),
			"depth", ev.FinalityDepth,
			"required", c.cfg.Confirmations(ev.Chain))
		eventsBufferedTotal.Inc()
		return nil
	}

	c.mu.Lock()
	delete(c.pending, string(ev.Chain)+"/"+ev.SwapID+"/"+string(ev.Type))
	entry, ok := c.entries[ev.SwapID]
	var replay []ChainEvent
	if !ok {
		if ev.Type != EventLocked {
			// The destination leg can settle before the source lock
			// reaches finality. Hold the event; it replays once the
			// lock lands.
			c.deferLocked(ev)
			c.mu.Unlock()
			logger.Debug("Event deferred until source lock finalizes",
				"chain", string(ev.Chain),
				"swapId", ev.SwapID,
				"eventType", string(ev.Type))
			eventsBufferedTotal.Inc()
			return nil
		}
		entry = c.newEntryLocked(ev.SwapID, NewSwapFromLock(ev.Chain, ev.SwapID, ev.Locked))
		replay = c.deferred[ev.SwapID]
		delete(c.deferred, ev.SwapID)
	}
	c.mu.Unlock()

	if err := c.enqueue(entry, func() {
		c.applyEvent(entry, ev)
	}); err != nil {
		return err
	}
	for _, held := range replay {
		held := held
		if err := c.enqueue(entry, func() {
			c.applyEvent(entry, held)
		}); err != nil {
			return err
		}
	}
	return nil
}

// deferLocked records a finalized event for a swap whose lock has not
// been observed, keeping the latest event per (chain, type). Caller
// holds c.mu.
func (c *Coordinator) deferLocked(ev ChainEvent) {
	held := c.deferred[ev.SwapID]
	for i, prev := range held {
		if prev.Chain == ev.Chain && prev.Type == ev.Type {
			held[i] = ev
			return
		}
	}
	c.deferred[ev.SwapID] = append(held, ev)
}

// newEntryLocked registers a swap and spawns its sequencer. Caller
// holds c.mu.
func (c *Coordinator) newEntryLocked(swapID string, swap *Swap) *swapEntry {
	entry := &swapEntry{
		swap:  swap,
		queue: make(chan func(), c.cfg.EventQueueSize),
	}
	c.entries[swapID] = entry
	swapsGauge.Inc()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for task := range entry.queue {
			task()
		}
	}()

	logger.Info("Swap created",
		"swapId", swapID,
		"sourceChain", string(swap.SourceChain),
		"amount", swap.Amount.String(),
		"partialFill", swap.EnablePartialFill)
	c.persist(swap)
	return entry
}

func (c *Coordinator) enqueue(entry *swapEntry, task func()) error {
	select {
	case entry.queue <- task:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("coordinator is shutting down")
	}
}

// applyEvent runs on the swap's sequencer goroutine
func (c *Coordinator) applyEvent(entry *swapEntry, ev ChainEvent) {
	entry.mu.Lock()
	effect, err := c.machine.ApplyEvent(entry.swap, ev)
	snapshot := copySwap(entry.swap)
	entry.mu.Unlock()

	if err != nil {
		logger.Warn("Event rejected",
			"swapId", ev.SwapID,
			"chain", string(ev.Chain),
			"eventType", string(ev.Type),
			"reason", reasonCode(err),
			"error", err)
		// A protocol violation observed on chain counts against the
		// offending resolver.
		if ev.Type == EventFillObserved && ev.FillObserved != nil && isProtocolViolation(err) {
			if outErr := c.registry.RecordOutcome(ev.FillObserved.Resolver, false); outErr != nil {
				logger.Debug("Could not attribute violation", "resolver", ev.FillObserved.Resolver, "error", outErr)
			}
		}
		return
	}

	c.runEffects(snapshot, effect)
	c.persist(snapshot)
}

func (c *Coordinator) runEffects(swap *Swap, effect *TransitionEffect) {
	if effect == nil {
		return
	}
	for _, intent := range effect.Intents {
		c.emit(intent)
		intentsTotal.WithLabelValues(string(intent.Action)).Inc()
	}
	if effect.ResolverOutcome != "" {
		if err := c.registry.RecordOutcome(effect.ResolverOutcome, effect.OutcomeSuccess); err != nil {
			logger.Debug("Could not record outcome", "resolver", effect.ResolverOutcome, "error", err)
		}
	}
	if effect.FillResult != nil && c.store != nil {
		fills := c.ledger.Fills(swap.SwapID)
		if len(fills) > 0 {
			c.store.SaveFill(fills[len(fills)-1])
		}
	}
}

func (c *Coordinator) persist(swap *Swap) {
	if c.store != nil {
		c.store.SaveSwap(swap)
	}
}

// GetSwap returns a snapshot of a swap's last guard-checked state
func (c *Coordinator) GetSwap(swapID string) (*Swap, bool) {
	c.mu.Lock()
	entry, ok := c.entries[swapID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return copySwap(entry.swap), true
}

// ListSwaps returns snapshots of all swaps, newest first
func (c *Coordinator) ListSwaps(limit int) []*Swap {
	c.mu.Lock()
	entries := make([]*swapEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	out := make([]*Swap, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, copySwap(e.swap))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].SwapID > out[j].SwapID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SubmitFill applies a resolver's direct fill synchronously through
// the swap's sequencer, preserving the single-writer guarantee, and
// returns the per-guard result.
func (c *Coordinator) SubmitFill(swapID, resolver string, amount *big.Int, nonce uint64, proof []string) FillResult {
	result, err := c.applyFillSync(swapID, FillObservedPayload{
		Resolver:    resolver,
		Amount:      amount,
		Nonce:       nonce,
		MerkleProof: proof,
	})
	if err != nil {
		return FillResult{Accepted: false, Reason: reasonCode(err), Err: err}
	}
	return result
}

// SubmitFillBatch applies a list of fills atomically-per-item; every
// item reports its own outcome and ordering matches sequential
// application.
func (c *Coordinator) SubmitFillBatch(swapID string, items []FillObservedPayload) []FillResult {
	results := make([]FillResult, 0, len(items))
	for _, item := range items {
		results = append(results, c.SubmitFill(swapID, item.Resolver, item.Amount, item.Nonce, item.MerkleProof))
	}
	return results
}

func (c *Coordinator) applyFillSync(swapID string, payload FillObservedPayload) (FillResult, error) {
	c.mu.Lock()
	entry, ok := c.entries[swapID]
	c.mu.Unlock()
	if !ok {
		return FillResult{}, ErrSwapUnknown
	}

	done := make(chan struct{})
	var result FillResult
	var applyErr error

	err := c.enqueue(entry, func() {
		defer close(done)

		entry.mu.Lock()
		ev := ChainEvent{
			Chain:        entry.swap.DestinationChain,
			SwapID:       swapID,
			Type:         EventFillObserved,
			ObservedAt:   time.Now(),
			FillObserved: &payload,
		}
		effect, err := c.machine.ApplyEvent(entry.swap, ev)
		snapshot := copySwap(entry.swap)
		entry.mu.Unlock()

		if err != nil {
			applyErr = err
			if isProtocolViolation(err) {
				if outErr := c.registry.RecordOutcome(payload.Resolver, false); outErr != nil {
					logger.Debug("Could not attribute violation", "resolver", payload.Resolver, "error", outErr)
				}
			}
			return
		}
		if effect.FillResult != nil {
			result = *effect.FillResult
		}
		c.runEffects(snapshot, effect)
		c.persist(snapshot)
	})
	if err != nil {
		return FillResult{}, err
	}

	<-done
	if applyErr != nil {
		return FillResult{}, applyErr
	}
	return result, nil
}

// StartAuction opens a Dutch auction for a swap that is open for
// competitive filling.
func (c *Coordinator) StartAuction(swapID string, startPrice, reservePrice decimal.Decimal, duration time.Duration) (*Auction, error) {
	swap, ok := c.GetSwap(swapID)
	if !ok {
		return nil, ErrSwapUnknown
	}
	if swap.State != StateLockedSource && swap.State != StatePartialFilled {
		return nil, fmt.Errorf("state %s: %w", swap.State, ErrSwapNotFillable)
	}
	if !swap.EnablePartialFill {
		return nil, ErrPartialFillDisabled
	}
	if duration <= 0 {
		duration = c.cfg.AuctionDuration
	}
	return c.auctions.Start(swapID, startPrice, reservePrice, duration)
}

// SubmitBid forwards a resolver bid to the auction engine
func (c *Coordinator) SubmitBid(swapID, resolver string, amount *big.Int, price decimal.Decimal) error {
	return c.auctions.SubmitBid(swapID, resolver, amount, price)
}

// GetAuction returns a snapshot of the swap's auction
func (c *Coordinator) GetAuction(swapID string) (*Auction, bool) {
	return c.auctions.Get(swapID)
}

// availableBudget reports the bid/fill budget for a swap: remaining
// principal minus outstanding reservations.
func (c *Coordinator) availableBudget(swapID string) (*big.Int, error) {
	swap, ok := c.GetSwap(swapID)
	if !ok {
		return nil, ErrSwapUnknown
	}
	return c.ledger.AvailableBudget(swap), nil
}

// reserveBid provisionally claims budget for an auction winner and
// asks the chain-submission collaborator to execute the fill. The
// reservation commits when the fill's on-chain confirmation arrives
// and lapses after the grace period otherwise.
func (c *Coordinator) reserveBid(swapID string, bid Bid) error {
	swap, ok := c.GetSwap(swapID)
	if !ok {
		return ErrSwapUnknown
	}

	if swap.State != StateLockedSource && swap.State != StatePartialFilled {
		return fmt.Errorf("state %s: %w", swap.State, ErrSwapNotFillable)
	}
	if time.Now().Unix() >= swap.Timelock {
		return ErrSwapExpired
	}

	res, err := c.ledger.Reserve(swap, bid)
	if err != nil {
		return err
	}

	c.emit(Intent{
		SwapID: swapID,
		Chain:  swap.DestinationChain,
		Action: ActionSubmitFillExecution,
		Parameters: map[string]string{
			"resolver":    bid.Resolver,
			"amount":      bid.Amount.String(),
			"price":       bid.Price.String(),
			"reservation": res.ID,
		},
	})
	intentsTotal.WithLabelValues(string(ActionSubmitFillExecution)).Inc()
	return nil
}

// Sweep is the periodic maintenance pass: it forces the refund
// transition on non-terminal swaps past their timelock, finalizes
// auctions past their duration, and releases lapsed reservations.
// Every step is idempotent.
func (c *Coordinator) Sweep(now time.Time) {
	c.mu.Lock()
	entries := make(map[string]*swapEntry, len(c.entries))
	for id, e := range c.entries {
		entries[id] = e
	}
	c.mu.Unlock()

	for swapID, entry := range entries {
		entry.mu.Lock()
		expired := !entry.swap.State.IsTerminal() && now.Unix() >= entry.swap.Timelock
		entry.mu.Unlock()
		if !expired {
			continue
		}

		id, e := swapID, entry
		_ = c.enqueue(e, func() {
			e.mu.Lock()
			effect, err := c.machine.ForceRefund(e.swap, now)
			snapshot := copySwap(e.swap)
			e.mu.Unlock()

			if err != nil {
				logger.Debug("Refund sweep skipped", "swapId", id, "error", err)
				return
			}
			logger.Info("Swap refunded by timelock sweep", "swapId", id)
			sweepRefundsTotal.Inc()
			c.runEffects(snapshot, effect)
			c.persist(snapshot)
		})
	}

	for _, swapID := range c.auctions.Expired() {
		swap, ok := c.GetSwap(swapID)
		fillable := ok &&
			(swap.State == StateLockedSource || swap.State == StatePartialFilled) &&
			now.Unix() < swap.Timelock
		if !fillable {
			c.auctions.Abort(swapID)
			continue
		}
		if _, err := c.auctions.Finalize(swapID); err != nil {
			logger.Warn("Auction finalization failed", "swapId", swapID, "error", err)
		}
	}

	c.ledger.ReleaseExpired(now)

	// Buffered events older than the maximum timelock belong to
	// transactions that were reorged out or to swaps that can no
	// longer settle.
	cutoff := now.Add(-time.Duration(c.cfg.MaxTimelock) * time.Second)
	c.mu.Lock()
	for key, ev := range c.pending {
		if ev.ObservedAt.Before(cutoff) {
			delete(c.pending, key)
		}
	}
	for swapID, held := range c.deferred {
		kept := held[:0]
		for _, ev := range held {
			if !ev.ObservedAt.Before(cutoff) {
				kept = append(kept, ev)
			}
		}
		if len(kept) == 0 {
			delete(c.deferred, swapID)
		} else {
			c.deferred[swapID] = kept
		}
	}
	c.mu.Unlock()
}

// PendingEvents reports buffered events awaiting finality or the
// source lock, for status introspection.
func (c *Coordinator) PendingEvents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending)
	for _, held := range c.deferred {
		n += len(held)
	}
	return n
}

// validateEvent checks the envelope at the monitor boundary: the
// payload variant must match the tagged type.
func validateEvent(ev ChainEvent) error {
	if ev.SwapID == "" {
		return fmt.Errorf("event missing swap id")
	}
	if ev.Chain != ChainEthereum && ev.Chain != ChainStellar {
		return fmt.Errorf("unknown chain %q", ev.Chain)
	}
	switch ev.Type {
	case EventLocked:
		if ev.Locked == nil {
			return fmt.Errorf("Locked event missing payload")
		}
		if ev.Locked.Amount == nil || ev.Locked.Amount.Sign() <= 0 {
			return fmt.Errorf("Locked event has non-positive amount")
		}
		if ev.Locked.Hashlock == "" {
			return fmt.Errorf("Locked event missing hashlock")
		}
	case EventCompleted:
		if ev.Completed == nil || ev.Completed.Secret == "" {
			return fmt.Errorf("Completed event missing secret")
		}
	case EventRefunded:
		if ev.Refunded == nil {
			return fmt.Errorf("Refunded event missing payload")
		}
	case EventFillObserved:
		if ev.FillObserved == nil {
			return fmt.Errorf("FillObserved event missing payload")
		}
		if ev.FillObserved.Amount == nil || ev.FillObserved.Amount.Sign() <= 0 {
			return fmt.Errorf("FillObserved event has non-positive amount")
		}
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	return nil
}

// isProtocolViolation reports whether a rejection is attributable to
// the submitting resolver for reputation purposes.
func isProtocolViolation(err error) bool {
	switch reasonCode(err) {
	case "NonceReused", "InvalidProof", "OverFill", "SecretMismatch":
		return true
	}
	return false
}

func copySwap(s *Swap) *Swap {
	c := *s
	c.Amount = new(big.Int).Set(s.Amount)
	c.FilledAmount = new(big.Int).Set(s.FilledAmount)
	return &c
}

func bigZero() *big.Int {
	return new(big.Int)
}
