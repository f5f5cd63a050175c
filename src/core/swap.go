package main

import (
	"fmt"
	"time"
)

// TransitionEffect is what an accepted event application asks the
// coordinator to do next: persist, notify, and emit outbound intents.
type TransitionEffect struct {
	Intents    []Intent
	FillResult *FillResult
	// ResolverOutcome is set when the event should adjust a
	// resolver's reputation: +address on success.
	ResolverOutcome string
	OutcomeSuccess  bool
}

// SwapStateMachine owns the canonical swap lifecycle. ApplyEvent is
// the single transition function; every guard (secret verification,
// Merkle and nonce validation, amount non-exceedance, timelock) is
// checked before any state is mutated. Callers serialize invocations
// per swap id.
type SwapStateMachine struct {
	secrets *SecretManager
	ledger  *FillLedger
}

// NewSwapStateMachine wires the machine to its guard components
func NewSwapStateMachine(secrets *SecretManager, ledger *FillLedger) *SwapStateMachine {
	return &SwapStateMachine{secrets: secrets, ledger: ledger}
}

// NewSwapFromLock creates a swap record on first sight of a
// source-chain lock event. The swap starts in INITIATED and reaches
// LOCKED_SOURCE once the event is applied at finality depth.
func NewSwapFromLock(chain ChainID, swapID string, lock *LockedPayload) *Swap {
	now := time.Now().Unix()
	return &Swap{
		SwapID:             swapID,
		SourceChain:        chain,
		DestinationChain:   lock.DestinationChain,
		Initiator:          lock.Initiator,
		DestinationAccount: lock.DestinationAccount,
		Amount:             lock.Amount,
		Hashlock:           lock.Hashlock,
		Timelock:           lock.Timelock,
		EnablePartialFill:  lock.EnablePartialFill,
		MerkleRoot:         lock.MerkleRoot,
		State:              StateInitiated,
		FilledAmount:       bigZero(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// ApplyEvent applies one finalized chain event to the swap, returning
// the effects to run or a reason-coded rejection. The swap is mutated
// only on acceptance.
func (m *SwapStateMachine) ApplyEvent(swap *Swap, ev ChainEvent) (*TransitionEffect, error) {
	if swap.State == StateFrozen {
		return nil, ErrSwapFrozen
	}

	switch ev.Type {
	case EventLocked:
		return m.applyLocked(swap, ev)
	case EventCompleted:
		return m.applyCompleted(swap, ev)
	case EventRefunded:
		return m.applyRefunded(swap, ev)
	case EventFillObserved:
		return m.applyFillObserved(swap, ev)
	default:
		return nil, fmt.Errorf("event type %q: %w", ev.Type, ErrInvalidTransition)
	}
}

func (m *SwapStateMachine) applyLocked(swap *Swap, ev ChainEvent) (*TransitionEffect, error) {
	if swap.State != StateInitiated {
		// Re-delivered lock confirmations are harmless
		if swap.State == StateLockedSource || swap.State == StatePartialFilled {
			return &TransitionEffect{}, nil
		}
		return nil, fmt.Errorf("lock event in state %s: %w", swap.State, ErrInvalidTransition)
	}
	if time.Now().Unix() >= swap.Timelock {
		return nil, ErrSwapExpired
	}

	m.transition(swap, StateLockedSource)
	return &TransitionEffect{}, nil
}

func (m *SwapStateMachine) applyCompleted(swap *Swap, ev ChainEvent) (*TransitionEffect, error) {
	if ev.Completed == nil {
		return nil, fmt.Errorf("completed event missing payload: %w", ErrInvalidTransition)
	}
	if swap.State.IsTerminal() {
		if swap.State == StateRefunded {
			// Both legs claim to have settled; never guess which
			// side is right.
			m.freeze(swap, "completion observed on refunded swap")
			return nil, ErrSwapFrozen
		}
		return &TransitionEffect{}, nil
	}
	if swap.State != StateLockedSource && swap.State != StatePartialFilled {
		return nil, fmt.Errorf("completion in state %s: %w", swap.State, ErrInvalidTransition)
	}
	if time.Now().Unix() >= swap.Timelock {
		return nil, ErrSwapExpired
	}

	// Guard: the revealed secret must match this swap's hashlock and
	// must not have settled another swap.
	if !VerifySecret(ev.Completed.Secret, swap.Hashlock) {
		return nil, fmt.Errorf("swap %s: %w", swap.SwapID, ErrSecretMismatch)
	}
	if err := m.secrets.Consume(swap.Hashlock, swap.SwapID); err != nil {
		return nil, err
	}

	swap.Secret = ev.Completed.Secret
	swap.FilledAmount = swap.Amount
	m.transition(swap, StateCompleted)

	// The counterpart leg unlocks with the same secret
	return &TransitionEffect{
		Intents: []Intent{{
			SwapID: swap.SwapID,
			Chain:  otherChain(ev.Chain, swap),
			Action: ActionSubmitReveal,
			Parameters: map[string]string{
				"secret":   ev.Completed.Secret,
				"hashlock": swap.Hashlock,
			},
		}},
	}, nil
}

func (m *SwapStateMachine) applyRefunded(swap *Swap, ev ChainEvent) (*TransitionEffect, error) {
	switch swap.State {
	case StateRefunded:
		return &TransitionEffect{}, nil
	case StateCompleted:
		m.freeze(swap, "refund observed on completed swap")
		return nil, ErrSwapFrozen
	case StateFrozen:
		return nil, ErrSwapFrozen
	}

	m.transition(swap, StateRefunded)
	return &TransitionEffect{}, nil
}

func (m *SwapStateMachine) applyFillObserved(swap *Swap, ev ChainEvent) (*TransitionEffect, error) {
	if ev.FillObserved == nil {
		return nil, fmt.Errorf("fill event missing payload: %w", ErrInvalidTransition)
	}
	p := ev.FillObserved

	result := m.ledger.applyFill(swap, p.Resolver, p.Amount, p.Nonce, p.MerkleProof, p.Reservation)
	if !result.Accepted {
		return nil, result.Err
	}

	if result.Completed {
		m.transition(swap, StateCompleted)
	} else {
		m.transition(swap, StatePartialFilled)
	}

	// Invariant backstop: the guards above make overfill unreachable;
	// if it happens anyway the swap halts rather than self-correct.
	if swap.FilledAmount.Cmp(swap.Amount) > 0 {
		m.freeze(swap, "filled amount exceeds principal")
		return nil, ErrSwapFrozen
	}

	return &TransitionEffect{
		FillResult:      &result,
		ResolverOutcome: p.Resolver,
		OutcomeSuccess:  true,
	}, nil
}

// ForceRefund is the timelock sweep transition. It is idempotent:
// re-running it on an already-refunded swap is a no-op, and completion
// and refund stay mutually exclusive because the current state is
// checked before either is applied.
func (m *SwapStateMachine) ForceRefund(swap *Swap, now time.Time) (*TransitionEffect, error) {
	if swap.State == StateRefunded {
		return &TransitionEffect{}, nil
	}
	if swap.State.IsTerminal() {
		return nil, fmt.Errorf("swap %s is %s: %w", swap.SwapID, swap.State, ErrInvalidTransition)
	}
	if now.Unix() < swap.Timelock {
		return nil, fmt.Errorf("timelock %d not yet elapsed: %w", swap.Timelock, ErrInvalidTransition)
	}

	m.transition(swap, StateExpired)
	m.transition(swap, StateRefunded)

	return &TransitionEffect{
		Intents: []Intent{{
			SwapID: swap.SwapID,
			Chain:  swap.SourceChain,
			Action: ActionSubmitRefund,
			Parameters: map[string]string{
				"initiator": swap.Initiator,
			},
		}},
	}, nil
}

func (m *SwapStateMachine) transition(swap *Swap, next SwapState) {
	prev := swap.State
	swap.State = next
	swap.UpdatedAt = time.Now().Unix()
	if prev != next {
		logger.Info("Swap transitioned",
			"swapId", swap.SwapID,
			"from", string(prev),
			"to", string(next))
		swapTransitionsTotal.WithLabelValues(string(prev), string(next)).Inc()
	}
}

func (m *SwapStateMachine) freeze(swap *Swap, reason string) {
	swap.FreezeReason = reason
	m.transition(swap, StateFrozen)
	logger.Error("Swap frozen for manual intervention",
		"swapId", swap.SwapID,
		"reason", reason)
	swapsFrozenTotal.Inc()
}

func otherChain(chain ChainID, swap *Swap) ChainID {
	if chain == swap.SourceChain {
		return swap.DestinationChain
	}
	return swap.SourceChain
}
