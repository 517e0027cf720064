package positions

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/margin-engine/internal/market"
	"github.com/ksred/margin-engine/internal/types"
)

// Weekly funding boundaries are offset by 3 days so the week rolls
// mid-cycle, matching the trading-calendar gap a position carries across.
const (
	secondsPerWeek   = 604800
	weekOffsetToMonday = 259200
)

var (
	hundred = decimal.NewFromInt(100)
	bpsDenom = decimal.NewFromInt(10000)

	// liquidationConsumption caps fee+PnL drawdown at 90% of margin.
	liquidationConsumption = decimal.NewFromFloat(0.9)
)

// allowedLeverages is the enumerated leverage whitelist.
var allowedLeverages = map[uint8]bool{
	1: true, 2: true, 3: true, 5: true, 10: true,
	20: true, 25: true, 50: true, 100: true,
}

// ValidateLeverage checks the whitelist and the asset's own cap.
func ValidateLeverage(a *market.Asset, leverage uint8) error {
	if !allowedLeverages[leverage] {
		return types.ErrBadLeverage
	}
	if leverage > a.MaxLeverage {
		return types.ErrLeverageCap
	}
	return nil
}

// ValidateStops checks that stop-loss and take-profit sit on the correct
// side of the entry price and are distinct. Zero disables a level.
func ValidateStops(entry decimal.Decimal, isLong bool, stopLoss, takeProfit decimal.Decimal) error {
	if stopLoss.IsZero() && takeProfit.IsZero() {
		return nil
	}
	if !stopLoss.IsZero() && !takeProfit.IsZero() && stopLoss.Equal(takeProfit) {
		return types.ErrStopEqualsTake
	}
	if isLong {
		if !takeProfit.IsZero() && takeProfit.LessThanOrEqual(entry) {
			return types.ErrLongTakeTooLow
		}
		if !stopLoss.IsZero() && stopLoss.GreaterThanOrEqual(entry) {
			return types.ErrLongStopTooHigh
		}
		return nil
	}
	if !takeProfit.IsZero() && takeProfit.GreaterThanOrEqual(entry) {
		return types.ErrShortTakeTooHigh
	}
	if !stopLoss.IsZero() && stopLoss.LessThanOrEqual(entry) {
		return types.ErrShortStopTooLow
	}
	return nil
}

// Margin is notional divided by leverage.
func Margin(a *market.Asset, entryPrice decimal.Decimal, lots int64, leverage uint8) decimal.Decimal {
	return a.Notional(entryPrice, lots).Div(decimal.NewFromInt(int64(leverage)))
}

// LockedCapital is the pool capital reserved as the trade's maximum win:
// the smaller of a leverage-based cap (margin × security multiplier) and a
// physical cap (the notional move implied by the asset's max physical
// move %).
func LockedCapital(a *market.Asset, entryPrice decimal.Decimal, lots int64, leverage uint8) decimal.Decimal {
	margin := Margin(a, entryPrice, lots, leverage)
	maxProfitLev := margin.Mul(decimal.NewFromInt(int64(a.SecurityMultiplier))).Div(hundred)
	physMove := entryPrice.Mul(decimal.NewFromInt(int64(a.MaxPhysicalMove))).Div(hundred)
	physProfit := a.Notional(physMove, lots)
	if maxProfitLev.LessThan(physProfit) {
		return maxProfitLev
	}
	return physProfit
}

// Commission charged on opening, as basis points of margin.
func Commission(a *market.Asset, margin decimal.Decimal) decimal.Decimal {
	return margin.Mul(decimal.NewFromInt(int64(a.CommissionBps))).Div(bpsDenom)
}

// WeekendCrossings counts the offset weekly boundaries crossed between
// opening and now.
func WeekendCrossings(openedAt, now time.Time) int64 {
	if !now.After(openedAt) {
		return 0
	}
	openWeek := (openedAt.Unix() + weekOffsetToMonday) / secondsPerWeek
	currentWeek := (now.Unix() + weekOffsetToMonday) / secondsPerWeek
	if currentWeek <= openWeek {
		return 0
	}
	return currentWeek - openWeek
}

// WeekendFraction is the cumulative weekend surcharge fraction owed by the
// trade at now.
func WeekendFraction(t *Trade, a *market.Asset, now time.Time) decimal.Decimal {
	if a.WeekendRate.IsZero() {
		return decimal.Zero
	}
	crossed := WeekendCrossings(t.OpenedAt, now)
	if crossed == 0 {
		return decimal.Zero
	}
	return a.WeekendRate.Mul(decimal.NewFromInt(crossed))
}

func sideIndex(t *Trade, f market.FundingState) decimal.Decimal {
	if t.IsLong {
		return f.LongIndex
	}
	return f.ShortIndex
}

// LiquidationPrice solves for the price at which funding, weekend and
// exit-spread costs plus the directional move consume 90% of the remaining
// margin. If fees alone already exceed that threshold the position
// liquidates at its entry price. exitSpread is the spread fraction for
// closing the remaining lots.
func LiquidationPrice(t *Trade, a *market.Asset, f market.FundingState, exitSpread decimal.Decimal, now time.Time) decimal.Decimal {
	remaining := t.RemainingLots()
	if remaining <= 0 {
		return decimal.Zero
	}

	deltaIndex := sideIndex(t, f).Sub(t.FundingIndex)
	baseNotional := a.Notional(t.OpenPrice, remaining)

	fundingCost := baseNotional.Mul(deltaIndex)
	weekendCost := baseNotional.Mul(WeekendFraction(t, a, now))
	spreadAmount := t.OpenPrice.Mul(exitSpread)
	spreadCost := a.Notional(spreadAmount, remaining)

	maxConsumption := t.Margin.Mul(liquidationConsumption)
	totalFees := fundingCost.Add(weekendCost).Add(spreadCost)
	if totalFees.GreaterThanOrEqual(maxConsumption) {
		return t.OpenPrice
	}

	buffer := maxConsumption.Sub(totalFees)
	deltaPrice := buffer.Mul(decimal.NewFromInt(int64(a.Denominator))).
		Div(decimal.NewFromInt(remaining).Mul(decimal.NewFromInt(int64(a.Numerator))))

	if t.IsLong {
		if deltaPrice.GreaterThanOrEqual(t.OpenPrice) {
			return decimal.Zero
		}
		return t.OpenPrice.Sub(deltaPrice)
	}
	return t.OpenPrice.Add(deltaPrice)
}

// NetPnl values closing the given lots at the spread-adjusted exit price,
// net of funding and weekend costs on the exit notional. Returns the net
// PnL in money units and the exit price actually applied.
func NetPnl(t *Trade, a *market.Asset, f market.FundingState, exitSpread, price decimal.Decimal, lots int64, now time.Time) (decimal.Decimal, decimal.Decimal) {
	spreadAmount := price.Mul(exitSpread)
	var exitPrice decimal.Decimal
	if t.IsLong {
		exitPrice = price.Sub(spreadAmount)
		if exitPrice.IsNegative() {
			exitPrice = decimal.Zero
		}
	} else {
		exitPrice = price.Add(spreadAmount)
	}

	var delta decimal.Decimal
	if t.IsLong {
		delta = exitPrice.Sub(t.OpenPrice)
	} else {
		delta = t.OpenPrice.Sub(exitPrice)
	}
	rawPnl := a.Notional(delta, lots)

	deltaIndex := sideIndex(t, f).Sub(t.FundingIndex)
	exitNotional := a.Notional(exitPrice, lots)
	fundingPaid := exitNotional.Mul(deltaIndex)
	weekendPaid := exitNotional.Mul(WeekendFraction(t, a, now))

	return rawPnl.Sub(fundingPaid).Sub(weekendPaid), exitPrice
}

// CappedAssetPnl is the aggregate unrealized trader PnL on one asset at the
// given price, with each side's profit and loss bounded by the exposure
// ledger's caps. Positive means traders are collectively up.
func CappedAssetPnl(e market.Exposure, a *market.Asset, price decimal.Decimal) decimal.Decimal {
	if e.LongLots == 0 && e.ShortLots == 0 {
		return decimal.Zero
	}

	total := decimal.Zero
	if e.LongLots > 0 {
		currentVal := a.Notional(price, e.LongLots)
		longPnl := currentVal.Sub(e.LongValueSum)
		if longPnl.IsPositive() {
			if longPnl.GreaterThan(e.LongMaxProfit) {
				longPnl = e.LongMaxProfit
			}
		} else if longPnl.Neg().GreaterThan(e.LongMaxLoss) {
			longPnl = e.LongMaxLoss.Neg()
		}
		total = total.Add(longPnl)
	}
	if e.ShortLots > 0 {
		currentVal := a.Notional(price, e.ShortLots)
		shortPnl := e.ShortValueSum.Sub(currentVal)
		if shortPnl.IsPositive() {
			if shortPnl.GreaterThan(e.ShortMaxProfit) {
				shortPnl = e.ShortMaxProfit
			}
		} else if shortPnl.Neg().GreaterThan(e.ShortMaxLoss) {
			shortPnl = e.ShortMaxLoss.Neg()
		}
		total = total.Add(shortPnl)
	}
	return total
}
