package positions

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Database wraps the engine's audit journal.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// RecordEvent appends one trade transition to the journal.
func (d *Database) RecordEvent(kind string, t *Trade, price decimal.Decimal, lots int64, pnl decimal.Decimal) error {
	event := &TradeEvent{
		EventID:   uuid.New().String(),
		TradeID:   t.ID,
		Trader:    t.Trader,
		AssetID:   t.AssetID,
		Kind:      kind,
		Price:     price.String(),
		Lots:      lots,
		Pnl:       pnl.String(),
		CreatedAt: time.Now(),
	}
	return d.db.Create(event).Error
}

// EventsForTrade returns the journal entries for one trade, oldest first.
func (d *Database) EventsForTrade(tradeID uint64) ([]TradeEvent, error) {
	var events []TradeEvent
	if err := d.db.Where("trade_id = ?", tradeID).Order("id asc").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
