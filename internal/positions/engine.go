// Package positions implements the position engine: the order/position
// state machine, its pricing math, and the batch unrealized-PnL
// coordinator. The engine is a single-writer state machine: every mutating
// call runs to completion under one write lock, and valuation reads use
// live projections that never commit state.
package positions

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/margin-engine/internal/market"
	"github.com/ksred/margin-engine/internal/oracle"
	"github.com/ksred/margin-engine/internal/types"
)

// MaxBatchSize caps batch read helpers.
const MaxBatchSize = 100

// Settlement is the capital pool surface the engine settles against. The
// engine is the only caller of these entry points; balances are never
// mutated directly.
type Settlement interface {
	CreateOrder(tradeID uint64, trader string, margin, commission, locked decimal.Decimal) error
	ExecuteOrder(tradeID uint64) error
	CancelOrder(tradeID uint64) error
	CreatePosition(tradeID uint64, trader string, margin, commission, locked decimal.Decimal) error
	CloseTrade(tradeID uint64, pnl, marginRelease, lockedRelease decimal.Decimal, fullClose bool) error
	Liquidate(tradeID uint64) error
	AddMargin(tradeID uint64, amount decimal.Decimal) error
}

// Engine owns the trade arena and the market ledger, and drives the
// capital pool through the Settlement interface.
type Engine struct {
	mu       sync.RWMutex
	ledger   *market.Ledger
	vault    Settlement
	verifier oracle.Verifier

	trades      map[uint64]*Trade
	nextTradeID uint64

	run     *PnlRun
	lastRun *PnlRun

	db     *Database
	logger zerolog.Logger
	now    func() time.Time
}

// NewEngine wires the engine against its market ledger, capital pool and
// price verifier. gormDB may be nil to disable the audit journal.
func NewEngine(ledger *market.Ledger, vault Settlement, verifier oracle.Verifier, gormDB *gorm.DB) *Engine {
	e := &Engine{
		ledger:   ledger,
		vault:    vault,
		verifier: verifier,
		trades:   make(map[uint64]*Trade),
		logger:   log.With().Str("service", "positions").Logger(),
		now:      time.Now,
	}
	if gormDB != nil {
		e.db = NewDatabase(gormDB)
	}
	return e
}

// verifiedPrice extracts and validates the asset's price from an already
// verified snapshot: normalized to 6 decimals, not future-dated, within the
// asset's staleness tolerance.
func (e *Engine) verifiedPrice(snap *oracle.Snapshot, a *market.Asset, now time.Time) (decimal.Decimal, error) {
	price, ts, err := snap.Extract(a.ID)
	if err != nil {
		return decimal.Zero, types.ErrPriceNotInQuote
	}
	if now.Before(ts) {
		return decimal.Zero, types.ErrFuturePrice
	}
	delay := a.MaxPriceDelay
	if delay == 0 {
		delay = market.DefaultPriceDelay
	}
	if now.Sub(ts) > delay {
		return decimal.Zero, types.ErrStalePrice
	}
	return price, nil
}

func (e *Engine) verifyProof(proof []byte) (*oracle.Snapshot, error) {
	return e.verifier.Verify(proof)
}

// journal writes a best-effort audit event; failures are logged, never
// surfaced.
func (e *Engine) journal(kind string, t *Trade, price decimal.Decimal, lots int64, pnl decimal.Decimal) {
	if e.db == nil {
		return
	}
	if err := e.db.RecordEvent(kind, t, price, lots, pnl); err != nil {
		e.logger.Error().Err(err).Uint64("trade_id", t.ID).Str("kind", kind).Msg("failed to journal trade event")
	}
}

// TradeEvents returns the persisted journal for one trade, oldest first.
// Empty when the engine runs without a database.
func (e *Engine) TradeEvents(tradeID uint64) ([]TradeEvent, error) {
	if e.db == nil {
		return nil, nil
	}
	return e.db.EventsForTrade(tradeID)
}

// --- Asset administration (serialized through the engine lock) ---

func (e *Engine) ListAsset(a market.Asset) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.ListAsset(a)
}

func (e *Engine) SetAssetFees(assetID uint32, spreadBase decimal.Decimal, commissionBps uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.SetFees(assetID, spreadBase, commissionBps)
}

func (e *Engine) SetAssetFundingRates(assetID uint32, base, weekend decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.SetFundingRates(assetID, base, weekend, e.now())
}

func (e *Engine) SetAssetRiskParams(assetID uint32, secMult, maxPhys uint16, maxLev uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.SetRiskParams(assetID, secMult, maxPhys, maxLev)
}

func (e *Engine) SetAssetPriceDelay(assetID uint32, delay time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.SetPriceDelay(assetID, delay)
}

func (e *Engine) SetAssetRiskLimits(assetID uint32, maxLong, maxShort int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.SetRiskLimits(assetID, maxLong, maxShort)
}

func (e *Engine) SetAssetTradable(assetID uint32, allowOpen bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.SetTradable(assetID, allowOpen)
}

func (e *Engine) RemoveAsset(assetID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.RemoveAsset(assetID)
}

func (e *Engine) UpdateAssetLotRatio(assetID uint32, numerator, denominator uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.UpdateLotRatio(assetID, numerator, denominator)
}

// --- Read-only projections ---

// Trade returns a copy of the trade.
func (e *Engine) Trade(tradeID uint64) (Trade, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.trades[tradeID]
	if !ok {
		return Trade{}, types.ErrTradeNotFound
	}
	return *t, nil
}

// Trades returns copies for an explicit id list, capped at MaxBatchSize.
// Unknown ids are skipped.
func (e *Engine) Trades(ids []uint64) []Trade {
	if len(ids) > MaxBatchSize {
		ids = ids[:MaxBatchSize]
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Trade, 0, len(ids))
	for _, id := range ids {
		if t, ok := e.trades[id]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// TradeRange returns copies for a contiguous id range [from, to], capped at
// MaxBatchSize entries.
func (e *Engine) TradeRange(from, to uint64) []Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Trade, 0)
	for id := from; id <= to; id++ {
		if len(out) == MaxBatchSize {
			break
		}
		if t, ok := e.trades[id]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// ListedAssetIDs returns the ids of every listed asset.
func (e *Engine) ListedAssetIDs() []uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.ListedIDs()
}

// AssetInfo returns a copy of the asset configuration.
func (e *Engine) AssetInfo(assetID uint32) (market.Asset, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, err := e.ledger.Asset(assetID)
	if err != nil {
		return market.Asset{}, err
	}
	return *a, nil
}

// AssetExposure returns the asset's exposure snapshot.
func (e *Engine) AssetExposure(assetID uint32) market.Exposure {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Exposure(assetID)
}

// SpreadQuote is the spread fraction a trade of this shape would pay now.
func (e *Engine) SpreadQuote(assetID uint32, isLong, isOpening bool, lots int64) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, err := e.ledger.Asset(assetID); err != nil {
		return decimal.Zero, err
	}
	return e.ledger.SpreadMultiplier(assetID, isLong, isOpening, lots), nil
}

// FundingRatesLive returns both sides' current hourly funding rates from
// live exposure, without committing any accrual.
func (e *Engine) FundingRatesLive(assetID uint32) (longRate, shortRate decimal.Decimal, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, err := e.ledger.Asset(assetID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	exp := e.ledger.Exposure(assetID)
	longRate, shortRate = market.QuadraticRates(maxInt64(exp.LongLots, 0), maxInt64(exp.ShortLots, 0), a.BaseFundingRate)
	return longRate, shortRate, nil
}

// LiquidationPriceLive computes the trade's liquidation price with funding
// projected to now, without committing the accrual.
func (e *Engine) LiquidationPriceLive(tradeID uint64) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.trades[tradeID]
	if !ok {
		return decimal.Zero, types.ErrTradeNotFound
	}
	if t.State != StateOpen {
		return decimal.Zero, types.ErrNotOpen
	}
	a, err := e.ledger.Asset(t.AssetID)
	if err != nil {
		return decimal.Zero, err
	}
	now := e.now()
	live := e.ledger.LiveFunding(t.AssetID, now)
	exitSpread := e.ledger.SpreadMultiplier(t.AssetID, !t.IsLong, false, t.RemainingLots())
	return LiquidationPrice(t, a, live, exitSpread, now), nil
}

// LiquidationPrices is the batch form of LiquidationPriceLive, capped at
// MaxBatchSize. Trades that are missing or not open report a zero price.
func (e *Engine) LiquidationPrices(ids []uint64) map[uint64]decimal.Decimal {
	if len(ids) > MaxBatchSize {
		ids = ids[:MaxBatchSize]
	}
	out := make(map[uint64]decimal.Decimal, len(ids))
	for _, id := range ids {
		price, err := e.LiquidationPriceLive(id)
		if err != nil {
			price = decimal.Zero
		}
		out[id] = price
	}
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
