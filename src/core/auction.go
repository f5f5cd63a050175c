package main

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AuctionEngine runs one time-decaying price auction per swap.
// Accepted bids are recorded but not executed until finalization,
// which hands the winning set to the partial fill ledger in
// deterministic order.
type AuctionEngine struct {
	mu       sync.Mutex
	auctions map[string]*Auction // keyed by swap id, one active auction per swap

	registry  *ResolverRegistry
	remaining func(swapID string) (*big.Int, error)
	reserve   func(swapID string, bid Bid) error
}

// NewAuctionEngine creates an engine backed by the resolver registry.
// remaining reports a swap's unreserved, unfilled budget; reserve
// provisionally claims budget for a winning bid.
func NewAuctionEngine(registry *ResolverRegistry, remaining func(string) (*big.Int, error), reserve func(string, Bid) error) *AuctionEngine {
	return &AuctionEngine{
		auctions:  make(map[string]*Auction),
		registry:  registry,
		remaining: remaining,
		reserve:   reserve,
	}
}

// Start opens an auction for a swap. A swap has at most one auction;
// starting a second while the first is open is an error.
func (ae *AuctionEngine) Start(swapID string, startPrice, reservePrice decimal.Decimal, duration time.Duration) (*Auction, error) {
	if startPrice.LessThan(reservePrice) {
		return nil, fmt.Errorf("start price %s below reserve price %s", startPrice, reservePrice)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("auction duration must be positive")
	}

	ae.mu.Lock()
	defer ae.mu.Unlock()

	if existing, ok := ae.auctions[swapID]; ok && !existing.Finalized {
		return nil, fmt.Errorf("auction %s already open for swap %s", existing.ID, swapID)
	}

	a := &Auction{
		ID:           uuid.New().String(),
		SwapID:       swapID,
		StartPrice:   startPrice,
		ReservePrice: reservePrice,
		StartTime:    time.Now(),
		Duration:     duration,
	}
	ae.auctions[swapID] = a

	logger.Info("Auction started",
		"auctionId", a.ID,
		"swapId", swapID,
		"startPrice", startPrice.String(),
		"reservePrice", reservePrice.String(),
		"duration", duration.String())
	auctionsStartedTotal.Inc()
	return copyAuction(a), nil
}

// Get returns a snapshot of the auction for a swap
func (ae *AuctionEngine) Get(swapID string) (*Auction, bool) {
	ae.mu.Lock()
	defer ae.mu.Unlock()

	a, ok := ae.auctions[swapID]
	if !ok {
		return nil, false
	}
	return copyAuction(a), true
}

// auctionPriceAt evaluates the linear decay curve at time t:
//
//	price(t) = max(reserve, start - (start-reserve) * min(t,d)/d)
//
// The price is monotonically non-increasing in t and equals the
// reserve price exactly once the duration has fully elapsed.
func auctionPriceAt(a *Auction, t time.Time) decimal.Decimal {
	elapsed := t.Sub(a.StartTime)
	if elapsed <= 0 {
		return a.StartPrice
	}
	if elapsed >= a.Duration {
		return a.ReservePrice
	}

	span := a.StartPrice.Sub(a.ReservePrice)
	frac := decimal.NewFromInt(elapsed.Nanoseconds()).
		Div(decimal.NewFromInt(a.Duration.Nanoseconds()))
	price := a.StartPrice.Sub(span.Mul(frac))
	if price.LessThan(a.ReservePrice) {
		return a.ReservePrice
	}
	return price
}

// CurrentPrice returns the auction's price now
func (ae *AuctionEngine) CurrentPrice(swapID string) (decimal.Decimal, error) {
	ae.mu.Lock()
	defer ae.mu.Unlock()

	a, ok := ae.auctions[swapID]
	if !ok {
		return decimal.Zero, fmt.Errorf("no auction for swap %s: %w", swapID, ErrAuctionClosed)
	}
	return auctionPriceAt(a, time.Now()), nil
}

// SubmitBid records a resolver's bid. The bid must meet the current
// decayed price, come from an authorized resolver, and fit within the
// swap's remaining unfilled amount together with already-accepted bids.
func (ae *AuctionEngine) SubmitBid(swapID, resolver string, amount *big.Int, price decimal.Decimal) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("bid amount must be positive")
	}
	if !ae.registry.IsAuthorized(resolver) {
		return fmt.Errorf("resolver %s: %w", resolver, ErrUnauthorizedResolver)
	}

	ae.mu.Lock()
	defer ae.mu.Unlock()

	a, ok := ae.auctions[swapID]
	if !ok || a.Finalized {
		return ErrAuctionClosed
	}

	now := time.Now()
	if now.Sub(a.StartTime) >= a.Duration {
		return ErrAuctionClosed
	}

	current := auctionPriceAt(a, now)
	if price.LessThan(current) {
		return fmt.Errorf("bid %s below current price %s: %w", price, current, ErrBidBelowPrice)
	}

	remaining, err := ae.remaining(swapID)
	if err != nil {
		return err
	}
	pending := new(big.Int)
	for _, b := range a.Bids {
		pending.Add(pending, b.Amount)
	}
	pending.Add(pending, amount)
	if pending.Cmp(remaining) > 0 {
		return fmt.Errorf("accepted bids %v exceed remaining %v: %w", pending, remaining, ErrBidExceedsRemaining)
	}

	a.Bids = append(a.Bids, Bid{
		Resolver:    resolver,
		Amount:      new(big.Int).Set(amount),
		Price:       price,
		SubmittedAt: now,
	})

	logger.Debug("Bid accepted",
		"swapId", swapID,
		"resolver", resolver,
		"amount", amount.String(),
		"price", price.String())
	auctionBidsTotal.WithLabelValues("accepted").Inc()
	return nil
}

// selectWinningBids deterministically orders bids by price descending
// with earliest submission breaking ties, then greedily accepts bids
// until the remaining amount is exhausted. A bid that no longer fits
// is dropped whole, never partially honored. Identical bid histories
// always produce the identical winning set.
func selectWinningBids(bids []Bid, remaining *big.Int) []Bid {
	ordered := make([]Bid, len(bids))
	copy(ordered, bids)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Price.Equal(ordered[j].Price) {
			return ordered[i].Price.GreaterThan(ordered[j].Price)
		}
		return ordered[i].SubmittedAt.Before(ordered[j].SubmittedAt)
	})

	winners := make([]Bid, 0, len(ordered))
	budget := new(big.Int).Set(remaining)
	for _, b := range ordered {
		if b.Amount.Cmp(budget) > 0 {
			continue
		}
		winners = append(winners, b)
		budget.Sub(budget, b.Amount)
		if budget.Sign() == 0 {
			break
		}
	}
	return winners
}

// Finalize closes the auction once its duration has elapsed or the
// swap has no remaining amount, reserving fill budget for each winning
// bid in deterministic order. Finalizing an already-finalized auction
// is a no-op. Auctions always finalize, possibly with zero winners.
func (ae *AuctionEngine) Finalize(swapID string) ([]Bid, error) {
	ae.mu.Lock()
	a, ok := ae.auctions[swapID]
	if !ok {
		ae.mu.Unlock()
		return nil, fmt.Errorf("no auction for swap %s: %w", swapID, ErrAuctionClosed)
	}
	if a.Finalized {
		ae.mu.Unlock()
		return nil, nil
	}

	remaining, err := ae.remaining(swapID)
	if err != nil {
		ae.mu.Unlock()
		return nil, err
	}
	if time.Since(a.StartTime) < a.Duration && remaining.Sign() > 0 {
		ae.mu.Unlock()
		return nil, fmt.Errorf("auction %s still open", a.ID)
	}

	a.Finalized = true
	winners := selectWinningBids(a.Bids, remaining)
	ae.mu.Unlock()

	for _, bid := range winners {
		if err := ae.reserve(swapID, bid); err != nil {
			logger.Warn("Failed to reserve winning bid",
				"swapId", swapID,
				"resolver", bid.Resolver,
				"amount", bid.Amount.String(),
				"error", err)
		}
	}

	logger.Info("Auction finalized",
		"auctionId", a.ID,
		"swapId", swapID,
		"bids", len(a.Bids),
		"winners", len(winners))
	auctionsFinalizedTotal.Inc()
	return winners, nil
}

// Abort closes an auction without selecting winners. Used when the
// swap left a fillable state before the auction ran out; bids stay
// recorded but nothing is reserved and no winners are returned.
func (ae *AuctionEngine) Abort(swapID string) {
	ae.mu.Lock()
	defer ae.mu.Unlock()

	a, ok := ae.auctions[swapID]
	if !ok || a.Finalized {
		return
	}
	a.Finalized = true
	logger.Info("Auction aborted", "auctionId", a.ID, "swapId", swapID, "bids", len(a.Bids))
}

// Expired returns swap ids whose auctions have run past their duration
// without being finalized.
func (ae *AuctionEngine) Expired() []string {
	ae.mu.Lock()
	defer ae.mu.Unlock()

	var out []string
	now := time.Now()
	for swapID, a := range ae.auctions {
		if !a.Finalized && now.Sub(a.StartTime) >= a.Duration {
			out = append(out, swapID)
		}
	}
	return out
}

func copyAuction(a *Auction) *Auction {
	c := *a
	c.Bids = make([]Bid, len(a.Bids))
	copy(c.Bids, a.Bids)
	return &c
}
