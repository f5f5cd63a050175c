package main

import (
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Chain identifiers for the two supported ledgers
type ChainID string

const (
	ChainEthereum ChainID = "ethereum"
	ChainStellar  ChainID = "stellar"
)

// SwapState is the lifecycle state of a swap
type SwapState string

const (
	StateInitiated     SwapState = "INITIATED"
	StateLockedSource  SwapState = "LOCKED_SOURCE"
	StatePartialFilled SwapState = "PARTIAL_FILLED"
	StateCompleted     SwapState = "COMPLETED"
	StateRefunded      SwapState = "REFUNDED"
	StateExpired       SwapState = "EXPIRED"
	// StateFrozen marks a swap that tripped a fatal invariant check.
	// Frozen swaps never progress and require manual intervention.
	StateFrozen SwapState = "FROZEN"
)

// IsTerminal reports whether the state admits no further transitions
func (s SwapState) IsTerminal() bool {
	return s == StateCompleted || s == StateRefunded || s == StateFrozen
}

// EventType identifies a canonical chain event
type EventType string

const (
	EventLocked       EventType = "Locked"
	EventCompleted    EventType = "Completed"
	EventRefunded     EventType = "Refunded"
	EventFillObserved EventType = "FillObserved"
)

// ChainEvent is the canonical envelope emitted by chain monitors.
// Exactly one payload pointer is non-nil, matching Type.
type ChainEvent struct {
	Chain         ChainID   `json:"chain"`
	SwapID        string    `json:"swapId"`
	Type          EventType `json:"eventType"`
	ObservedAt    time.Time `json:"observedAt"`
	FinalityDepth int       `json:"finalityDepth"`

	Locked       *LockedPayload       `json:"locked,omitempty"`
	Completed    *CompletedPayload    `json:"completed,omitempty"`
	Refunded     *RefundedPayload     `json:"refunded,omitempty"`
	FillObserved *FillObservedPayload `json:"fillObserved,omitempty"`
}

// LockedPayload carries a source-chain lock event
type LockedPayload struct {
	Initiator          string   `json:"initiator"`
	DestinationChain   ChainID  `json:"destinationChain"`
	DestinationAccount string   `json:"destinationAccount"`
	Amount             *big.Int `json:"amount"`
	Hashlock           string   `json:"hashlock"`
	Timelock           int64    `json:"timelock"`
	EnablePartialFill  bool     `json:"enablePartialFill"`
	MerkleRoot         string   `json:"merkleRoot,omitempty"`
}

// CompletedPayload carries a full reveal-and-complete event
type CompletedPayload struct {
	Secret string   `json:"secret"`
	Amount *big.Int `json:"amount"`
}

// RefundedPayload carries an on-chain refund observation
type RefundedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// FillObservedPayload carries a resolver fill seen on the settling chain
type FillObservedPayload struct {
	Resolver    string   `json:"resolver"`
	Amount      *big.Int `json:"amount"`
	Nonce       uint64   `json:"nonce"`
	MerkleProof []string `json:"merkleProof,omitempty"`
	Reservation string   `json:"reservation,omitempty"`
}

// Swap is the unit of atomic exchange
type Swap struct {
	SwapID             string    `json:"swapId"`
	SourceChain        ChainID   `json:"sourceChain"`
	DestinationChain   ChainID   `json:"destinationChain"`
	Initiator          string    `json:"initiator"`
	DestinationAccount string    `json:"destinationAccount"`
	Amount             *big.Int  `json:"amount"`
	Hashlock           string    `json:"hashlock"`
	Timelock           int64     `json:"timelock"`
	EnablePartialFill  bool      `json:"enablePartialFill"`
	MerkleRoot         string    `json:"merkleRoot,omitempty"`
	State              SwapState `json:"state"`
	FilledAmount       *big.Int  `json:"filledAmount"`
	Secret             string    `json:"secret,omitempty"`
	FreezeReason       string    `json:"freezeReason,omitempty"`
	CreatedAt          int64     `json:"createdAt"`
	UpdatedAt          int64     `json:"updatedAt"`
}

// Remaining returns the unfilled portion of the principal
func (s *Swap) Remaining() *big.Int {
	return new(big.Int).Sub(s.Amount, s.FilledAmount)
}

// Fill is one resolver's contribution toward a partial-fill swap.
// Fills are immutable once accepted; the set per swap is append-only.
type Fill struct {
	SwapID      string   `json:"swapId"`
	Resolver    string   `json:"resolver"`
	Amount      *big.Int `json:"amount"`
	Nonce       uint64   `json:"nonce"`
	Leaf        string   `json:"leaf"`
	MerkleProof []string `json:"merkleProof,omitempty"`
	AppliedAt   int64    `json:"appliedAt"`
}

// Resolver is a registered, staked market-maker
type Resolver struct {
	Address         string   `json:"address"`
	Endpoint        string   `json:"endpoint,omitempty"`
	Stake           *big.Int `json:"stake"`
	Reputation      int64    `json:"reputation"`
	SuccessfulFills int64    `json:"successfulFills"`
	TotalFills      int64    `json:"totalFills"`
	Authorized      bool     `json:"authorized"`
	RegisteredAt    int64    `json:"registeredAt"`

	// version guards compare-and-swap updates; never serialized
	version uint64
}

// Bid is one resolver's offer inside a Dutch auction
type Bid struct {
	Resolver    string          `json:"resolver"`
	Amount      *big.Int        `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	SubmittedAt time.Time       `json:"submittedAt"`
}

// Auction is a time-boxed price-discovery session for a swap
type Auction struct {
	ID           string          `json:"id"`
	SwapID       string          `json:"swapId"`
	StartPrice   decimal.Decimal `json:"startPrice"`
	ReservePrice decimal.Decimal `json:"reservePrice"`
	StartTime    time.Time       `json:"startTime"`
	Duration     time.Duration   `json:"duration"`
	Finalized    bool            `json:"finalized"`
	Bids         []Bid           `json:"bids"`
}

// IntentAction names an outbound submission request
type IntentAction string

const (
	ActionSubmitReveal        IntentAction = "SubmitReveal"
	ActionSubmitRefund        IntentAction = "SubmitRefund"
	ActionSubmitFillExecution IntentAction = "SubmitFillExecution"
)

// Intent is the canonical outbound message to chain-submission
// collaborators. The coordinator never signs or submits transactions.
type Intent struct {
	SwapID     string            `json:"swapId"`
	Chain      ChainID           `json:"chain"`
	Action     IntentAction      `json:"action"`
	Parameters map[string]string `json:"parameters"`
}

// Protocol violation and validation errors. These carry the specific
// reason a fill, bid, or reveal was rejected; callers must surface the
// reason code, never a generic failure.
var (
	ErrNonceReused          = errors.New("nonce already consumed for this swap")
	ErrInvalidProof         = errors.New("merkle proof does not verify against swap root")
	ErrOverFill             = errors.New("fill would exceed swap principal")
	ErrUnauthorizedResolver = errors.New("resolver is not authorized")
	ErrPartialFillDisabled  = errors.New("swap does not allow partial fills")
	ErrSwapNotFillable      = errors.New("swap is not in a fillable state")
	ErrSwapExpired          = errors.New("swap timelock has elapsed")
	ErrSwapUnknown          = errors.New("unknown swap")
	ErrSwapFrozen           = errors.New("swap is frozen pending manual intervention")
	ErrSecretMismatch       = errors.New("secret does not match hashlock")
	ErrSecretConsumed       = errors.New("secret already consumed by another swap")
	ErrAuctionClosed        = errors.New("auction is finalized or past its deadline")
	ErrBidBelowPrice        = errors.New("bid price is below the current auction price")
	ErrBidExceedsRemaining  = errors.New("bid amount exceeds remaining unfilled amount")
	ErrInsufficientStake    = errors.New("stake below configured minimum")
	ErrRegistryFull         = errors.New("maximum resolver count reached")
	ErrUnknownResolver      = errors.New("unknown resolver")
	ErrInvalidTransition    = errors.New("event is not applicable in the current state")
)

// reasonCode maps a rejection error to the wire-level reason code
func reasonCode(err error) string {
	switch {
	case errors.Is(err, ErrNonceReused):
		return "NonceReused"
	case errors.Is(err, ErrInvalidProof):
		return "InvalidProof"
	case errors.Is(err, ErrOverFill):
		return "OverFill"
	case errors.Is(err, ErrUnauthorizedResolver):
		return "UnauthorizedResolver"
	case errors.Is(err, ErrPartialFillDisabled):
		return "PartialFillDisabled"
	case errors.Is(err, ErrSwapNotFillable):
		return "SwapNotFillable"
	case errors.Is(err, ErrSwapExpired):
		return "SwapExpired"
	case errors.Is(err, ErrSwapUnknown):
		return "SwapUnknown"
	case errors.Is(err, ErrSwapFrozen):
		return "SwapFrozen"
	case errors.Is(err, ErrSecretMismatch):
		return "SecretMismatch"
	case errors.Is(err, ErrSecretConsumed):
		return "SecretConsumed"
	case errors.Is(err, ErrAuctionClosed):
		return "AuctionClosed"
	case errors.Is(err, ErrBidBelowPrice):
		return "BidBelowPrice"
	case errors.Is(err, ErrBidExceedsRemaining):
		return "BidExceedsRemaining"
	case errors.Is(err, ErrInsufficientStake):
		return "InsufficientStake"
	case errors.Is(err, ErrRegistryFull):
		return "RegistryFull"
	case errors.Is(err, ErrUnknownResolver):
		return "UnknownResolver"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	default:
		return "Internal"
	}
}
