package database

import (
	"github.com/ksred/margin-engine/internal/market"
	"github.com/ksred/margin-engine/internal/pool"
	"github.com/ksred/margin-engine/internal/positions"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	if path == "" {
		path = "margin.db"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&market.AssetRecord{},
		&positions.TradeEvent{},
		&pool.EpochRecord{},
		&pool.SettlementRecord{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
