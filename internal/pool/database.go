package pool

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Database wraps the pool's audit journal.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// RecordSettlement appends one settlement outcome to the journal.
func (d *Database) RecordSettlement(kind string, t *PoolTrade, pnl, marginRelease, lockedRelease decimal.Decimal) error {
	record := &SettlementRecord{
		SettlementID:   uuid.New().String(),
		TradeID:        t.ID,
		Trader:         t.Owner,
		Kind:           kind,
		Pnl:            pnl.String(),
		MarginReleased: marginRelease.String(),
		LockedReleased: lockedRelease.String(),
	}
	return d.db.Create(record).Error
}

// RecordEpoch appends one epoch roll to the journal.
func (d *Database) RecordEpoch(epoch uint64, price, equity, deposits, minted, perfFee decimal.Decimal, rolledAt time.Time) error {
	record := &EpochRecord{
		Epoch:        epoch,
		SharePrice:   price.String(),
		Equity:       equity.String(),
		Deposits:     deposits.String(),
		SharesMinted: minted.String(),
		PerfFee:      perfFee.String(),
		RolledAt:     rolledAt,
	}
	return d.db.Create(record).Error
}

// Epochs returns journaled epoch rolls, oldest first.
func (d *Database) Epochs() ([]EpochRecord, error) {
	var records []EpochRecord
	if err := d.db.Order("epoch asc").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// SettlementsForTrade returns journal entries for one trade, oldest first.
func (d *Database) SettlementsForTrade(tradeID uint64) ([]SettlementRecord, error) {
	var records []SettlementRecord
	if err := d.db.Where("trade_id = ?", tradeID).Order("id asc").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
