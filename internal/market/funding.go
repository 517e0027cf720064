package market

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	three     = decimal.NewFromInt(3)
	secPerHour = decimal.NewFromInt(3600)
)

// imbalance returns p = ((|L−S|)/(L+S+2))², the squared normalized
// directional imbalance. The +2 keeps the denominator positive and damps
// tiny books.
func imbalance(longLots, shortLots int64) decimal.Decimal {
	diff := longLots - shortLots
	if diff < 0 {
		diff = -diff
	}
	r := decimal.NewFromInt(diff).Div(decimal.NewFromInt(longLots + shortLots + 2))
	return r.Mul(r)
}

// QuadraticRates computes the hourly funding rates for both sides. The
// dominant (more exposed) side pays base × (1 + 3p); the other side pays the
// flat base. Balanced books pay base on both sides.
func QuadraticRates(longLots, shortLots int64, base decimal.Decimal) (longRate, shortRate decimal.Decimal) {
	if longLots == shortLots {
		return base, base
	}
	p := imbalance(longLots, shortLots)
	dominant := base.Mul(decimal.NewFromInt(1).Add(three.Mul(p)))
	if longLots > shortLots {
		return dominant, base
	}
	return base, dominant
}

// accrue advances both indexes for the elapsed interval at the given hourly
// rates.
func (f *FundingState) accrue(longRate, shortRate decimal.Decimal, elapsed time.Duration) {
	secs := decimal.NewFromInt(int64(elapsed / time.Second))
	f.LongIndex = f.LongIndex.Add(longRate.Mul(secs).Div(secPerHour))
	f.ShortIndex = f.ShortIndex.Add(shortRate.Mul(secs).Div(secPerHour))
}

// TouchFunding lazily accrues the asset's funding indexes up to now. The
// very first touch only stamps the timestamp, so no accrual is charged
// against a zero baseline. Must be called before any pricing decision that
// reads the indexes.
func (l *Ledger) TouchFunding(assetID uint32, now time.Time) {
	f, ok := l.fundings[assetID]
	if !ok {
		return
	}
	if !now.After(f.LastUpdate) {
		return
	}
	if f.LastUpdate.IsZero() {
		f.LastUpdate = now
		return
	}

	e := l.exposures[assetID]
	a := l.assets[assetID]
	longRate, shortRate := QuadraticRates(max64(e.LongLots, 0), max64(e.ShortLots, 0), a.BaseFundingRate)
	f.accrue(longRate, shortRate, now.Sub(f.LastUpdate))
	f.LastUpdate = now
}

// LiveFunding projects the indexes to now without committing the accrual,
// for read-only valuation paths.
func (l *Ledger) LiveFunding(assetID uint32, now time.Time) FundingState {
	f, ok := l.fundings[assetID]
	if !ok {
		return FundingState{}
	}
	live := *f
	if f.LastUpdate.IsZero() || !now.After(f.LastUpdate) {
		return live
	}
	e := l.exposures[assetID]
	a := l.assets[assetID]
	longRate, shortRate := QuadraticRates(max64(e.LongLots, 0), max64(e.ShortLots, 0), a.BaseFundingRate)
	live.accrue(longRate, shortRate, now.Sub(f.LastUpdate))
	live.LastUpdate = now
	return live
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
