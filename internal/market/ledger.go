// Package market owns the per-asset state the position engine prices
// against: the asset registry, the exposure ledger and the funding
// accumulators. The Ledger is not safe for concurrent use on its own; the
// position engine serializes access under its write lock.
package market

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/margin-engine/internal/types"
)

// Ledger is the registry of listed assets together with their exposure and
// funding state, keyed by numeric asset id.
type Ledger struct {
	assets    map[uint32]*Asset
	exposures map[uint32]*Exposure
	fundings  map[uint32]*FundingState

	listedCount uint32
	db          *Database
}

// NewLedger creates an empty ledger. When gormDB is non-nil, asset
// configuration is persisted through it and previously listed assets are
// loaded back in.
func NewLedger(gormDB *gorm.DB) (*Ledger, error) {
	l := &Ledger{
		assets:    make(map[uint32]*Asset),
		exposures: make(map[uint32]*Exposure),
		fundings:  make(map[uint32]*FundingState),
	}
	if gormDB == nil {
		return l, nil
	}

	l.db = NewDatabase(gormDB)
	records, err := l.db.ListAssets()
	if err != nil {
		return nil, err
	}
	for i := range records {
		a, err := assetFromRecord(&records[i])
		if err != nil {
			return nil, err
		}
		l.attach(a)
	}
	return l, nil
}

func (l *Ledger) attach(a *Asset) {
	l.assets[a.ID] = a
	l.exposures[a.ID] = &Exposure{}
	l.fundings[a.ID] = &FundingState{}
	if a.Listed {
		l.listedCount++
	}
}

// Asset returns the listed asset or types.ErrUnknownAsset.
func (l *Ledger) Asset(assetID uint32) (*Asset, error) {
	a, ok := l.assets[assetID]
	if !ok || !a.Listed {
		return nil, types.ErrUnknownAsset
	}
	return a, nil
}

// Exposure returns the asset's exposure; the zero value for unknown assets.
func (l *Ledger) Exposure(assetID uint32) Exposure {
	if e, ok := l.exposures[assetID]; ok {
		return *e
	}
	return Exposure{}
}

// Funding returns the asset's committed funding state.
func (l *Ledger) Funding(assetID uint32) FundingState {
	if f, ok := l.fundings[assetID]; ok {
		return *f
	}
	return FundingState{}
}

// ListedCount reports how many assets are currently listed.
func (l *Ledger) ListedCount() uint32 { return l.listedCount }

// ListedIDs returns the ids of all listed assets.
func (l *Ledger) ListedIDs() []uint32 {
	ids := make([]uint32, 0, len(l.assets))
	for id, a := range l.assets {
		if a.Listed {
			ids = append(ids, id)
		}
	}
	return ids
}

// ListAsset registers a new instrument with default risk limits.
func (l *Ledger) ListAsset(a Asset) error {
	if existing, ok := l.assets[a.ID]; ok && existing.Listed {
		return types.ErrAlreadyListed
	}
	if a.Numerator == 0 || a.Denominator == 0 {
		return types.ErrBadRatio
	}
	a.MaxLongLots = DefaultMaxLots
	a.MaxShortLots = DefaultMaxLots
	a.MaxPriceDelay = DefaultPriceDelay
	a.AllowOpen = true
	a.Listed = true
	l.attach(&a)
	return l.persist(&a)
}

// SetFees updates the spread base and commission.
func (l *Ledger) SetFees(assetID uint32, spreadBase decimal.Decimal, commissionBps uint32) error {
	a, err := l.Asset(assetID)
	if err != nil {
		return err
	}
	a.SpreadBase = spreadBase
	a.CommissionBps = commissionBps
	return l.persist(a)
}

// SetFundingRates updates the base and weekend funding rates. Accrued
// funding is committed at the old rates first so the change is not
// retroactive.
func (l *Ledger) SetFundingRates(assetID uint32, base, weekend decimal.Decimal, now time.Time) error {
	a, err := l.Asset(assetID)
	if err != nil {
		return err
	}
	l.TouchFunding(assetID, now)
	a.BaseFundingRate = base
	a.WeekendRate = weekend
	return l.persist(a)
}

// SetRiskParams updates the security multiplier, max physical move and max
// leverage.
func (l *Ledger) SetRiskParams(assetID uint32, secMult, maxPhys uint16, maxLev uint8) error {
	a, err := l.Asset(assetID)
	if err != nil {
		return err
	}
	a.SecurityMultiplier = secMult
	a.MaxPhysicalMove = maxPhys
	a.MaxLeverage = maxLev
	return l.persist(a)
}

// SetPriceDelay updates the staleness tolerance within the admin range.
func (l *Ledger) SetPriceDelay(assetID uint32, delay time.Duration) error {
	a, err := l.Asset(assetID)
	if err != nil {
		return err
	}
	if delay < MinPriceDelay || delay > MaxPriceDelay {
		return types.ErrDelayRange
	}
	a.MaxPriceDelay = delay
	return l.persist(a)
}

// SetRiskLimits updates the per-side lot caps.
func (l *Ledger) SetRiskLimits(assetID uint32, maxLong, maxShort int64) error {
	a, err := l.Asset(assetID)
	if err != nil {
		return err
	}
	a.MaxLongLots = maxLong
	a.MaxShortLots = maxShort
	return l.persist(a)
}

// SetTradable toggles close-only mode.
func (l *Ledger) SetTradable(assetID uint32, allowOpen bool) error {
	a, err := l.Asset(assetID)
	if err != nil {
		return err
	}
	a.AllowOpen = allowOpen
	return l.persist(a)
}

// RemoveAsset delists an asset once its exposure is flat.
func (l *Ledger) RemoveAsset(assetID uint32) error {
	a, err := l.Asset(assetID)
	if err != nil {
		return err
	}
	e := l.exposures[assetID]
	if e.LongLots != 0 || e.ShortLots != 0 {
		return types.ErrExposureNotZero
	}
	a.Listed = false
	l.listedCount--
	return l.persist(a)
}

// UpdateLotRatio changes the notional scaling, only while exposure is flat.
func (l *Ledger) UpdateLotRatio(assetID uint32, numerator, denominator uint32) error {
	a, err := l.Asset(assetID)
	if err != nil {
		return err
	}
	if numerator == 0 || denominator == 0 {
		return types.ErrBadRatio
	}
	e := l.exposures[assetID]
	if e.LongLots != 0 || e.ShortLots != 0 {
		return types.ErrExposureNotZero
	}
	a.Numerator = numerator
	a.Denominator = denominator
	return l.persist(a)
}

func (l *Ledger) persist(a *Asset) error {
	if l.db == nil {
		return nil
	}
	return l.db.SaveAsset(recordFromAsset(a))
}
