package market

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Database wraps asset-configuration persistence.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// SaveAsset upserts the configuration row for an asset.
func (d *Database) SaveAsset(record *AssetRecord) error {
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "asset_id"}},
		UpdateAll: true,
	}).Create(record).Error
}

// ListAssets returns every stored asset configuration.
func (d *Database) ListAssets() ([]AssetRecord, error) {
	var records []AssetRecord
	if err := d.db.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
