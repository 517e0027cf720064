package pool

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TradeState mirrors the engine's lifecycle for the pool's own trade
// records. The pool never infers state; the engine drives every transition.
type TradeState uint8

const (
	StatePending TradeState = iota
	StateOpen
	StateClosed
	StateCancelled
)

func (s TradeState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateCancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

// PoolTrade is the pool's mirror of one engine trade: the funds it has
// locked on the trader's and the pool's behalf.
type PoolTrade struct {
	ID         uint64          `json:"trade_id"`
	Owner      string          `json:"owner"`
	Margin     decimal.Decimal `json:"margin"`
	Commission decimal.Decimal `json:"commission"`
	Locked     decimal.Decimal `json:"locked"`
	State      TradeState      `json:"state"`
}

// WithdrawBucket aggregates all withdrawal shares requested in one epoch.
type WithdrawBucket struct {
	TotalSharesInitial decimal.Decimal `json:"total_shares_initial"`
	SharesRemaining    decimal.Decimal `json:"shares_remaining"`
	USDAllocated       decimal.Decimal `json:"usd_allocated"`
}

// UserWithdraw is one provider's slice of a withdraw bucket.
type UserWithdraw struct {
	SharesRequested decimal.Decimal `json:"shares_requested"`
	USDWithdrawn    decimal.Decimal `json:"usd_withdrawn"`
}

// PayoutTranche is capital reserved at one epoch's price to fund queued
// withdrawals, consumed FIFO against the oldest buckets.
type PayoutTranche struct {
	SharesRemaining decimal.Decimal `json:"shares_remaining"`
	Price           decimal.Decimal `json:"price"`
}

// EpochRecord is the persisted outcome of one epoch roll.
type EpochRecord struct {
	gorm.Model   `json:"-"`
	Epoch        uint64    `gorm:"uniqueIndex" json:"epoch"`
	SharePrice   string    `json:"share_price"`
	Equity       string    `json:"equity"`
	Deposits     string    `json:"deposits"`
	SharesMinted string    `json:"shares_minted"`
	PerfFee      string    `json:"perf_fee"`
	RolledAt     time.Time `json:"rolled_at"`
}

// SettlementRecord is the persisted audit trail of one pool settlement.
type SettlementRecord struct {
	gorm.Model     `json:"-"`
	SettlementID   string    `gorm:"uniqueIndex" json:"settlement_id"`
	TradeID        uint64    `gorm:"index" json:"trade_id"`
	Trader         string    `json:"trader"`
	Kind           string    `json:"kind"` // CLOSE, LIQUIDATION
	Pnl            string `json:"pnl"`
	MarginReleased string `json:"margin_released"`
	LockedReleased string `json:"locked_released"`
}
