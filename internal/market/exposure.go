package market

import (
	"github.com/shopspring/decimal"

	"github.com/ksred/margin-engine/internal/types"
)

// satSub subtracts b from a, saturating at zero. Releases during partial
// settlement may round past the remaining sum; clamping is intentional.
func satSub(a, b decimal.Decimal) decimal.Decimal {
	if b.GreaterThan(a) {
		return decimal.Zero
	}
	return a.Sub(b)
}

// ApplyExposure adds or releases lots and entry notional on one side.
// Increases are checked against the per-side lot caps; releases saturate at
// zero.
func (l *Ledger) ApplyExposure(assetID uint32, lots int64, price decimal.Decimal, isLong, increase bool) error {
	a := l.assets[assetID]
	e := l.exposures[assetID]
	value := a.Notional(price, lots)

	if isLong {
		if increase {
			if e.LongLots+lots > a.MaxLongLots {
				return types.ErrMaxLongExposure
			}
			e.LongLots += lots
			e.LongValueSum = e.LongValueSum.Add(value)
		} else {
			e.LongLots -= lots
			e.LongValueSum = satSub(e.LongValueSum, value)
		}
		return nil
	}

	if increase {
		if e.ShortLots+lots > a.MaxShortLots {
			return types.ErrMaxShortExposure
		}
		e.ShortLots += lots
		e.ShortValueSum = e.ShortValueSum.Add(value)
	} else {
		e.ShortLots -= lots
		e.ShortValueSum = satSub(e.ShortValueSum, value)
	}
	return nil
}

// ApplyLimits adds or releases the per-side payable-PnL bounds: locked pool
// capital caps profit, margin caps loss.
func (l *Ledger) ApplyLimits(assetID uint32, locked, margin decimal.Decimal, isLong, increase bool) {
	e := l.exposures[assetID]
	if isLong {
		if increase {
			e.LongMaxProfit = e.LongMaxProfit.Add(locked)
			e.LongMaxLoss = e.LongMaxLoss.Add(margin)
		} else {
			e.LongMaxProfit = satSub(e.LongMaxProfit, locked)
			e.LongMaxLoss = satSub(e.LongMaxLoss, margin)
		}
		return
	}
	if increase {
		e.ShortMaxProfit = e.ShortMaxProfit.Add(locked)
		e.ShortMaxLoss = e.ShortMaxLoss.Add(margin)
	} else {
		e.ShortMaxProfit = satSub(e.ShortMaxProfit, locked)
		e.ShortMaxLoss = satSub(e.ShortMaxLoss, margin)
	}
}

// SpreadMultiplier returns the spread as a fraction of price for a trade of
// the given side and size. The book is first adjusted as if the trade were
// applied; the quadratic imbalance penalty 3p² is charged only when the
// trade lands on the dominant side.
func (l *Ledger) SpreadMultiplier(assetID uint32, isLong, isOpening bool, lots int64) decimal.Decimal {
	a := l.assets[assetID]
	e := l.exposures[assetID]

	long, short := e.LongLots, e.ShortLots
	if isLong {
		if isOpening {
			long += lots
		} else {
			long -= lots
		}
	} else {
		if isOpening {
			short += lots
		} else {
			short -= lots
		}
	}
	long = max64(long, 0)
	short = max64(short, 0)

	dominant := (long > short && isLong) || (short > long && !isLong)
	if !dominant {
		return a.SpreadBase
	}
	p := imbalance(long, short)
	return a.SpreadBase.Mul(decimal.NewFromInt(1).Add(three.Mul(p)))
}
