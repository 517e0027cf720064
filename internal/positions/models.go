package positions

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TradeState is the lifecycle state of an order or position.
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

// Trade is a pending order or an open position in the engine's arena,
// addressed by its numeric id for its whole lifetime.
type Trade struct {
	ID      uint64 `json:"trade_id"`
	Trader  string `json:"trader"`
	AssetID uint32 `json:"asset_id"`
	IsLong  bool   `json:"is_long"`

	// IsLimit distinguishes a limit order (fills at or better than the
	// target) from a stop-entry order (fills once price crosses the
	// target). Only meaningful while pending.
	IsLimit  bool  `json:"is_limit"`
	Leverage uint8 `json:"leverage"`

	// OpenPrice is the limit/trigger target while pending and the
	// spread-adjusted entry price once open.
	OpenPrice decimal.Decimal `json:"open_price"`
	State     TradeState      `json:"state"`
	OpenedAt  time.Time       `json:"opened_at"`

	// FundingIndex snapshots the side's funding index at entry; funding
	// owed is the index delta since then.
	FundingIndex decimal.Decimal `json:"funding_index"`

	// ClosePrice is volume-weighted across partial closes.
	ClosePrice decimal.Decimal `json:"close_price"`
	LotSize    int64           `json:"lot_size"`
	ClosedLots int64           `json:"closed_lots"`

	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`

	// LockedCapital is the pool capital reserved as this trade's maximum
	// payable win; Margin is the trader's collateral still attached.
	LockedCapital decimal.Decimal `json:"locked_capital"`
	Margin        decimal.Decimal `json:"margin"`
}

// RemainingLots is the open size not yet closed.
func (t *Trade) RemainingLots() int64 {
	return t.LotSize - t.ClosedLots
}

// TradeEvent is the persisted audit record of an engine transition.
type TradeEvent struct {
	gorm.Model `json:"-"`
	EventID    string          `gorm:"uniqueIndex" json:"event_id"`
	TradeID    uint64          `gorm:"index" json:"trade_id"`
	Trader     string          `json:"trader"`
	AssetID    uint32          `json:"asset_id"`
	Kind       string          `json:"kind"` // PLACED, OPENED, EXECUTED, CLOSED, LIQUIDATED, CANCELLED, MARGIN_ADDED, STOPS_UPDATED
	Price      string          `json:"price"`
	Lots       int64           `json:"lots"`
	Pnl        string          `json:"pnl"`
	CreatedAt  time.Time       `json:"created_at"`
}

// CloseResult reports the outcome of a close, trigger or liquidation back
// to the caller.
type CloseResult struct {
	TradeID    uint64          `json:"trade_id"`
	LotsClosed int64           `json:"lots_closed"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	NetPnl     decimal.Decimal `json:"net_pnl"`
	FullClose  bool            `json:"full_close"`
}
