package main

import (
	"context"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SwapRecord is the persisted shape of a swap
type SwapRecord struct {
	SwapID             string `gorm:"primaryKey;size:64"`
	SourceChain        string `gorm:"size:16"`
	DestinationChain   string `gorm:"size:16"`
	Initiator          string `gorm:"size:128"`
	DestinationAccount string `gorm:"size:128"`
	Amount             string `gorm:"size:64"`
	Hashlock           string `gorm:"size:66;index"`
	Timelock           int64
	EnablePartialFill  bool
	MerkleRoot         string `gorm:"size:66"`
	State              string `gorm:"size:16;index"`
	FilledAmount       string `gorm:"size:64"`
	Secret             string `gorm:"size:66"`
	FreezeReason       string `gorm:"size:255"`
	CreatedAt          int64
	UpdatedAt          int64
}

// FillRecord is the persisted shape of an accepted fill. The unique
// index on (swap_id, nonce) is the mechanical enforcement of the
// nonce anti-replay invariant at the storage layer.
type FillRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	SwapID    string `gorm:"size:64;uniqueIndex:idx_swap_nonce"`
	Nonce     uint64 `gorm:"uniqueIndex:idx_swap_nonce"`
	Resolver  string `gorm:"size:128;index"`
	Amount    string `gorm:"size:64"`
	Leaf      string `gorm:"size:66"`
	AppliedAt int64
}

// ResolverRecord is the persisted shape of a resolver
type ResolverRecord struct {
	Address         string `gorm:"primaryKey;size:128"`
	Endpoint        string `gorm:"size:255"`
	Stake           string `gorm:"size:64"`
	Reputation      int64
	SuccessfulFills int64
	TotalFills      int64
	Authorized      bool
	RegisteredAt    int64
}

// Store persists schema-level engine state asynchronously. Writes are
// fed through bounded channels to a single writer goroutine so the
// event path never blocks on the database; the in-memory engine state
// remains authoritative.
type Store struct {
	db *gorm.DB

	swapChan     chan *SwapRecord
	fillChan     chan *FillRecord
	resolverChan chan *ResolverRecord

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStore opens the database and migrates the schema
func NewStore(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&SwapRecord{}, &FillRecord{}, &ResolverRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		db:           db,
		swapChan:     make(chan *SwapRecord, 64),
		fillChan:     make(chan *FillRecord, 64),
		resolverChan: make(chan *ResolverRecord, 64),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

// Stop drains outstanding writes and closes the writer
func (s *Store) Stop() {
	s.cancel()
	<-s.done
}

func (s *Store) writer() {
	defer close(s.done)
	for {
		select {
		case rec := <-s.swapChan:
			if err := s.db.Save(rec).Error; err != nil {
				logger.Error("Failed to persist swap", "swapId", rec.SwapID, "error", err)
			}
		case rec := <-s.fillChan:
			if err := s.db.Create(rec).Error; err != nil {
				// Duplicate (swap_id, nonce) means the fill was
				// already persisted; the unique index backs the
				// in-memory anti-replay guard.
				logger.Debug("Fill persist skipped", "swapId", rec.SwapID, "nonce", rec.Nonce, "error", err)
			}
		case rec := <-s.resolverChan:
			if err := s.db.Save(rec).Error; err != nil {
				logger.Error("Failed to persist resolver", "address", rec.Address, "error", err)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// SaveSwap queues a swap snapshot for persistence
func (s *Store) SaveSwap(swap *Swap) {
	rec := &SwapRecord{
		SwapID:             swap.SwapID,
		SourceChain:        string(swap.SourceChain),
		DestinationChain:   string(swap.DestinationChain),
		Initiator:          swap.Initiator,
		DestinationAccount: swap.DestinationAccount,
		Amount:             swap.Amount.String(),
		Hashlock:           swap.Hashlock,
		Timelock:           swap.Timelock,
		EnablePartialFill:  swap.EnablePartialFill,
		MerkleRoot:         swap.MerkleRoot,
		State:              string(swap.State),
		FilledAmount:       swap.FilledAmount.String(),
		Secret:             swap.Secret,
		FreezeReason:       swap.FreezeReason,
		CreatedAt:          swap.CreatedAt,
		UpdatedAt:          swap.UpdatedAt,
	}
	select {
	case s.swapChan <- rec:
	default:
		logger.Warn("Swap persistence queue full, dropping write", "swapId", swap.SwapID)
	}
}

// SaveFill queues an accepted fill for persistence
func (s *Store) SaveFill(fill *Fill) {
	rec := &FillRecord{
		SwapID:    fill.SwapID,
		Nonce:     fill.Nonce,
		Resolver:  fill.Resolver,
		Amount:    fill.Amount.String(),
		Leaf:      fill.Leaf,
		AppliedAt: fill.AppliedAt,
	}
	select {
	case s.fillChan <- rec:
	default:
		logger.Warn("Fill persistence queue full, dropping write", "swapId", fill.SwapID, "nonce", fill.Nonce)
	}
}

// SaveResolver queues a resolver snapshot for persistence
func (s *Store) SaveResolver(r *Resolver) {
	rec := &ResolverRecord{
		Address:         r.Address,
		Endpoint:        r.Endpoint,
		Stake:           r.Stake.String(),
		Reputation:      r.Reputation,
		SuccessfulFills: r.SuccessfulFills,
		TotalFills:      r.TotalFills,
		Authorized:      r.Authorized,
		RegisteredAt:    r.RegisteredAt,
	}
	select {
	case s.resolverChan <- rec:
	default:
		logger.Warn("Resolver persistence queue full, dropping write", "address", r.Address)
	}
}

// RecentSwaps returns the most recently updated persisted swaps
func (s *Store) RecentSwaps(limit int) ([]SwapRecord, error) {
	var records []SwapRecord
	err := s.db.Order("updated_at desc").Limit(limit).Find(&records).Error
	return records, err
}

// SwapFills returns the persisted fills for a swap ordered by
// application time.
func (s *Store) SwapFills(swapID string) ([]FillRecord, error) {
	var records []FillRecord
	err := s.db.Where("swap_id = ?", swapID).Order("applied_at asc").Find(&records).Error
	return records, err
}
