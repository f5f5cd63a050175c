package main

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"
)

// ResolverRegistry tracks resolver identity, stake, reputation, and
// authorization. Reads are concurrent; every mutation flows through a
// versioned compare-and-swap on the single resolver record, so
// concurrent outcome recording for the same resolver across different
// swaps never loses updates.
type ResolverRegistry struct {
	mu        sync.RWMutex
	resolvers map[string]*Resolver

	minStake          *big.Int
	maxResolvers      int
	reputationBase    int64
	reputationCeiling int64
	reputationReward  int64
	reputationPenalty int64
	reputationFloor   int64
}

// NewResolverRegistry creates a registry with the configured limits
func NewResolverRegistry(cfg *Config) *ResolverRegistry {
	return &ResolverRegistry{
		resolvers:         make(map[string]*Resolver),
		minStake:          cfg.MinStake(),
		maxResolvers:      cfg.MaxResolvers,
		reputationBase:    cfg.ReputationBase,
		reputationCeiling: cfg.ReputationCeiling,
		reputationReward:  cfg.ReputationReward,
		reputationPenalty: cfg.ReputationPenalty,
		reputationFloor:   cfg.ReputationFloor,
	}
}

// Register admits a new resolver with the given stake. Re-registering
// an existing address updates its endpoint and stake but preserves
// history.
func (rr *ResolverRegistry) Register(address, endpoint string, stake *big.Int) (*Resolver, error) {
	if stake == nil || stake.Cmp(rr.minStake) < 0 {
		return nil, fmt.Errorf("stake %v below minimum %v: %w", stake, rr.minStake, ErrInsufficientStake)
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()

	existing, ok := rr.resolvers[address]
	if !ok && len(rr.resolvers) >= rr.maxResolvers {
		return nil, ErrRegistryFull
	}

	if ok {
		existing.Endpoint = endpoint
		existing.Stake = new(big.Int).Set(stake)
		existing.Authorized = existing.Reputation >= rr.reputationFloor
		existing.version++
		logger.Info("Resolver re-registered", "address", address, "stake", stake.String())
		resolversGauge.Set(float64(len(rr.resolvers)))
		return copyResolver(existing), nil
	}

	r := &Resolver{
		Address:      address,
		Endpoint:     endpoint,
		Stake:        new(big.Int).Set(stake),
		Reputation:   rr.reputationBase,
		Authorized:   true,
		RegisteredAt: time.Now().Unix(),
	}
	rr.resolvers[address] = r

	logger.Info("Resolver registered", "address", address, "stake", stake.String())
	resolversGauge.Set(float64(len(rr.resolvers)))
	return copyResolver(r), nil
}

// Get returns a snapshot of a resolver record
func (rr *ResolverRegistry) Get(address string) (*Resolver, bool) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	r, ok := rr.resolvers[address]
	if !ok {
		return nil, false
	}
	return copyResolver(r), true
}

// IsAuthorized reports whether the resolver may participate in
// auctions and fills.
func (rr *ResolverRegistry) IsAuthorized(address string) bool {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	r, ok := rr.resolvers[address]
	return ok && r.Authorized
}

// ListAuthorized returns authorized resolvers ordered by reputation
// then stake, both descending.
func (rr *ResolverRegistry) ListAuthorized() []*Resolver {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	out := make([]*Resolver, 0, len(rr.resolvers))
	for _, r := range rr.resolvers {
		if r.Authorized {
			out = append(out, copyResolver(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Reputation != out[j].Reputation {
			return out[i].Reputation > out[j].Reputation
		}
		return out[i].Stake.Cmp(out[j].Stake) > 0
	})
	return out
}

// ListAll returns snapshots of every resolver, registered order not
// guaranteed.
func (rr *ResolverRegistry) ListAll() []*Resolver {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	out := make([]*Resolver, 0, len(rr.resolvers))
	for _, r := range rr.resolvers {
		out = append(out, copyResolver(r))
	}
	return out
}

// RecordOutcome adjusts a resolver's reputation and counters after a
// fill outcome, then re-evaluates fitness. The update is applied as a
// compare-and-swap against the record version and retried on conflict.
func (rr *ResolverRegistry) RecordOutcome(address string, success bool) error {
	err := rr.update(address, func(r *Resolver) {
		r.TotalFills++
		if success {
			r.SuccessfulFills++
			r.Reputation += rr.reputationReward
			if r.Reputation > rr.reputationCeiling {
				r.Reputation = rr.reputationCeiling
			}
		} else {
			r.Reputation -= rr.reputationPenalty
			if r.Reputation < 0 {
				r.Reputation = 0
			}
		}
	})
	if err != nil {
		return err
	}

	rr.deauthorizeIfUnfit(address)
	recordResolverOutcome(success)
	return nil
}

// Slash reduces a resolver's recorded stake by pct percent, applied on
// proven misbehavior, then re-evaluates fitness. History is retained.
func (rr *ResolverRegistry) Slash(address string, pct int64) error {
	if pct <= 0 || pct > 100 {
		return fmt.Errorf("slash percentage %d out of range (0,100]", pct)
	}

	err := rr.update(address, func(r *Resolver) {
		cut := new(big.Int).Mul(r.Stake, big.NewInt(pct))
		cut.Div(cut, big.NewInt(100))
		r.Stake.Sub(r.Stake, cut)
		r.Reputation -= rr.reputationPenalty
		if r.Reputation < 0 {
			r.Reputation = 0
		}
	})
	if err != nil {
		return err
	}

	logger.Warn("Resolver slashed", "address", address, "pct", pct)
	resolverSlashesTotal.Inc()
	rr.deauthorizeIfUnfit(address)
	return nil
}

// deauthorizeIfUnfit flips authorization off once reputation or stake
// falls below the configured floors. Deauthorized resolvers keep their
// history; they are never hard-deleted.
func (rr *ResolverRegistry) deauthorizeIfUnfit(address string) {
	_ = rr.update(address, func(r *Resolver) {
		if !r.Authorized {
			return
		}
		if r.Reputation < rr.reputationFloor || r.Stake.Cmp(rr.minStake) < 0 {
			r.Authorized = false
			logger.Warn("Resolver deauthorized",
				"address", r.Address,
				"reputation", r.Reputation,
				"stake", r.Stake.String())
			resolverDeauthorizationsTotal.Inc()
		}
	})
}

// update applies fn to the resolver record under compare-and-swap.
// fn operates on a private copy; the copy is swapped in only if the
// record version is unchanged, otherwise the update retries.
func (rr *ResolverRegistry) update(address string, fn func(*Resolver)) error {
	for {
		rr.mu.RLock()
		current, ok := rr.resolvers[address]
		if !ok {
			rr.mu.RUnlock()
			return ErrUnknownResolver
		}
		snapshot := copyResolver(current)
		snapshot.version = current.version
		rr.mu.RUnlock()

		fn(snapshot)
		snapshot.version++

		rr.mu.Lock()
		current, ok = rr.resolvers[address]
		if !ok {
			rr.mu.Unlock()
			return ErrUnknownResolver
		}
		if current.version == snapshot.version-1 {
			rr.resolvers[address] = snapshot
			rr.mu.Unlock()
			return nil
		}
		rr.mu.Unlock()
		// Lost the race with a concurrent update; retry against the
		// fresh record.
	}
}

func copyResolver(r *Resolver) *Resolver {
	c := *r
	c.Stake = new(big.Int).Set(r.Stake)
	return &c
}
