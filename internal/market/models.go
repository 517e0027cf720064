package market

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Default risk limits applied when an asset is first listed.
const (
	DefaultMaxLots    = int64(1_000_000)
	DefaultPriceDelay = 60 * time.Second

	MinPriceDelay = 15 * time.Second
	MaxPriceDelay = 90 * time.Second
)

// Asset is one listed instrument's configuration. Immutable once listed
// except through the explicit admin setters on the Ledger.
type Asset struct {
	ID          uint32 `json:"asset_id"`
	Symbol      string `json:"symbol"`
	Numerator   uint32 `json:"numerator"`
	Denominator uint32 `json:"denominator"`

	// BaseFundingRate is the flat hourly funding fraction; SpreadBase the
	// flat spread fraction of price; WeekendRate the surcharge fraction per
	// weekly boundary crossed.
	BaseFundingRate decimal.Decimal `json:"base_funding_rate"`
	SpreadBase      decimal.Decimal `json:"spread_base"`
	CommissionBps   uint32          `json:"commission_bps"`
	WeekendRate     decimal.Decimal `json:"weekend_rate"`

	// SecurityMultiplier and MaxPhysicalMove are whole percentages.
	SecurityMultiplier uint16 `json:"security_multiplier"`
	MaxPhysicalMove    uint16 `json:"max_physical_move"`
	MaxLeverage        uint8  `json:"max_leverage"`

	MaxLongLots   int64         `json:"max_long_lots"`
	MaxShortLots  int64         `json:"max_short_lots"`
	MaxPriceDelay time.Duration `json:"max_price_delay"`

	AllowOpen bool `json:"allow_open"`
	Listed    bool `json:"listed"`
}

// Notional is the money value of lots at price, scaled by the asset's lot
// ratio.
func (a *Asset) Notional(price decimal.Decimal, lots int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(lots)).
		Mul(decimal.NewFromInt(int64(a.Numerator))).
		Div(decimal.NewFromInt(int64(a.Denominator)))
}

// Exposure is the aggregate open interest on one asset. Value sums hold the
// summed entry notional per side; the max profit/loss fields bound the
// payable aggregate PnL per side.
type Exposure struct {
	LongLots  int64 `json:"long_lots"`
	ShortLots int64 `json:"short_lots"`

	LongValueSum  decimal.Decimal `json:"long_value_sum"`
	ShortValueSum decimal.Decimal `json:"short_value_sum"`

	LongMaxProfit  decimal.Decimal `json:"long_max_profit"`
	ShortMaxProfit decimal.Decimal `json:"short_max_profit"`
	LongMaxLoss    decimal.Decimal `json:"long_max_loss"`
	ShortMaxLoss   decimal.Decimal `json:"short_max_loss"`
}

// FundingState is the lazily-accrued funding accumulator for one asset.
// Indexes are monotone fractions: the delta between two reads, multiplied
// by notional, is the funding owed over that interval.
type FundingState struct {
	LastUpdate time.Time       `json:"last_update"`
	LongIndex  decimal.Decimal `json:"long_index"`
	ShortIndex decimal.Decimal `json:"short_index"`
}

// AssetRecord is the persisted form of an Asset's configuration, so listings
// survive restarts. The live Ledger is loaded from these at startup.
type AssetRecord struct {
	gorm.Model         `json:"-"`
	AssetID            uint32 `gorm:"uniqueIndex" json:"asset_id"`
	Symbol             string `json:"symbol"`
	Numerator          uint32 `json:"numerator"`
	Denominator        uint32 `json:"denominator"`
	BaseFundingRate    string `json:"base_funding_rate"`
	SpreadBase         string `json:"spread_base"`
	CommissionBps      uint32 `json:"commission_bps"`
	WeekendRate        string `json:"weekend_rate"`
	SecurityMultiplier uint16 `json:"security_multiplier"`
	MaxPhysicalMove    uint16 `json:"max_physical_move"`
	MaxLeverage        uint8  `json:"max_leverage"`
	MaxLongLots        int64  `json:"max_long_lots"`
	MaxShortLots       int64  `json:"max_short_lots"`
	MaxPriceDelaySecs  int64  `json:"max_price_delay_secs"`
	AllowOpen          bool   `json:"allow_open"`
	Listed             bool   `json:"listed"`
}

func recordFromAsset(a *Asset) *AssetRecord {
	return &AssetRecord{
		AssetID:            a.ID,
		Symbol:             a.Symbol,
		Numerator:          a.Numerator,
		Denominator:        a.Denominator,
		BaseFundingRate:    a.BaseFundingRate.String(),
		SpreadBase:         a.SpreadBase.String(),
		CommissionBps:      a.CommissionBps,
		WeekendRate:        a.WeekendRate.String(),
		SecurityMultiplier: a.SecurityMultiplier,
		MaxPhysicalMove:    a.MaxPhysicalMove,
		MaxLeverage:        a.MaxLeverage,
		MaxLongLots:        a.MaxLongLots,
		MaxShortLots:       a.MaxShortLots,
		MaxPriceDelaySecs:  int64(a.MaxPriceDelay / time.Second),
		AllowOpen:          a.AllowOpen,
		Listed:             a.Listed,
	}
}

func assetFromRecord(r *AssetRecord) (*Asset, error) {
	base, err := decimal.NewFromString(r.BaseFundingRate)
	if err != nil {
		return nil, err
	}
	spread, err := decimal.NewFromString(r.SpreadBase)
	if err != nil {
		return nil, err
	}
	weekend, err := decimal.NewFromString(r.WeekendRate)
	if err != nil {
		return nil, err
	}
	return &Asset{
		ID:                 r.AssetID,
		Symbol:             r.Symbol,
		Numerator:          r.Numerator,
		Denominator:        r.Denominator,
		BaseFundingRate:    base,
		SpreadBase:         spread,
		CommissionBps:      r.CommissionBps,
		WeekendRate:        weekend,
		SecurityMultiplier: r.SecurityMultiplier,
		MaxPhysicalMove:    r.MaxPhysicalMove,
		MaxLeverage:        r.MaxLeverage,
		MaxLongLots:        r.MaxLongLots,
		MaxShortLots:       r.MaxShortLots,
		MaxPriceDelay:      time.Duration(r.MaxPriceDelaySecs) * time.Second,
		AllowOpen:          r.AllowOpen,
		Listed:             r.Listed,
	}, nil
}
