package positions

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/margin-engine/internal/market"
	"github.com/ksred/margin-engine/internal/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func mathAsset() *market.Asset {
	return &market.Asset{
		ID: 1, Symbol: "EURUSD", Numerator: 1, Denominator: 1,
		BaseFundingRate: d("0.0001"),
		SpreadBase:      d("0.001"),
		WeekendRate:     d("0.0002"),
		CommissionBps:   10, SecurityMultiplier: 120, MaxPhysicalMove: 5,
		MaxLeverage: 100, MaxLongLots: 1000, MaxShortLots: 1000,
		MaxPriceDelay: market.DefaultPriceDelay,
		AllowOpen:     true, Listed: true,
	}
}

// --- Margin and lock tests ---

func TestMargin_NotionalOverLeverage(t *testing.T) {
	a := mathAsset()
	got := Margin(a, d("100"), 10, 10)
	if !got.Equal(d("100")) {
		t.Errorf("expected margin 100, got %s", got)
	}
}

func TestLockedCapital_PhysicalCapWins(t *testing.T) {
	// margin=100, leverage cap = 100×1.2 = 120; physical cap = 5%×100×10
	// lots = 50. The smaller physical cap binds.
	a := mathAsset()
	got := LockedCapital(a, d("100"), 10, 10)
	if !got.Equal(d("50")) {
		t.Errorf("expected locked 50, got %s", got)
	}
}

func TestLockedCapital_LeverageCapWins(t *testing.T) {
	// At leverage 100 the margin shrinks to 10, so the leverage cap 12 is
	// below the physical cap 50.
	a := mathAsset()
	got := LockedCapital(a, d("100"), 10, 100)
	if !got.Equal(d("12")) {
		t.Errorf("expected locked 12, got %s", got)
	}
}

func TestCommission_BasisPointsOfMargin(t *testing.T) {
	a := mathAsset()
	got := Commission(a, d("100"))
	if !got.Equal(d("0.1")) {
		t.Errorf("expected commission 0.1, got %s", got)
	}
}

// --- Leverage and stop validation tests ---

func TestValidateLeverage_Whitelist(t *testing.T) {
	a := mathAsset()
	if err := ValidateLeverage(a, 7); err != types.ErrBadLeverage {
		t.Errorf("expected ErrBadLeverage for 7x, got %v", err)
	}
	if err := ValidateLeverage(a, 20); err != nil {
		t.Errorf("unexpected error for 20x: %v", err)
	}
}

func TestValidateLeverage_AssetCap(t *testing.T) {
	a := mathAsset()
	a.MaxLeverage = 20
	if err := ValidateLeverage(a, 50); err != types.ErrLeverageCap {
		t.Errorf("expected ErrLeverageCap for 50x on 20x asset, got %v", err)
	}
}

func TestValidateStops_LongSides(t *testing.T) {
	entry := d("100")
	if err := ValidateStops(entry, true, d("95"), d("110")); err != nil {
		t.Errorf("unexpected error for valid long stops: %v", err)
	}
	if err := ValidateStops(entry, true, d("105"), decimal.Zero); err != types.ErrLongStopTooHigh {
		t.Errorf("expected ErrLongStopTooHigh, got %v", err)
	}
	if err := ValidateStops(entry, true, decimal.Zero, d("95")); err != types.ErrLongTakeTooLow {
		t.Errorf("expected ErrLongTakeTooLow, got %v", err)
	}
}

func TestValidateStops_ShortSides(t *testing.T) {
	entry := d("100")
	if err := ValidateStops(entry, false, d("110"), d("90")); err != nil {
		t.Errorf("unexpected error for valid short stops: %v", err)
	}
	if err := ValidateStops(entry, false, d("95"), decimal.Zero); err != types.ErrShortStopTooLow {
		t.Errorf("expected ErrShortStopTooLow, got %v", err)
	}
	if err := ValidateStops(entry, false, decimal.Zero, d("105")); err != types.ErrShortTakeTooHigh {
		t.Errorf("expected ErrShortTakeTooHigh, got %v", err)
	}
}

func TestValidateStops_EqualLevelsRejected(t *testing.T) {
	if err := ValidateStops(d("100"), true, d("95"), d("95")); err != types.ErrStopEqualsTake {
		t.Errorf("expected ErrStopEqualsTake, got %v", err)
	}
}

func TestValidateStops_ZeroDisables(t *testing.T) {
	if err := ValidateStops(d("100"), true, decimal.Zero, decimal.Zero); err != nil {
		t.Errorf("zero stops must be accepted: %v", err)
	}
}

// --- Weekend crossing tests ---

func TestWeekendCrossings_SameWeekIsZero(t *testing.T) {
	// Monday to Friday of the same trading week.
	open := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	now := time.Date(2026, 8, 28, 17, 0, 0, 0, time.UTC)
	if got := WeekendCrossings(open, now); got != 0 {
		t.Errorf("expected 0 crossings within one week, got %d", got)
	}
}

func TestWeekendCrossings_FridayToTuesday(t *testing.T) {
	open := time.Date(2026, 8, 21, 15, 0, 0, 0, time.UTC) // Friday
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)  // next Tuesday
	if got := WeekendCrossings(open, now); got != 1 {
		t.Errorf("expected 1 crossing over the weekend, got %d", got)
	}
}

func TestWeekendCrossings_TwoWeekends(t *testing.T) {
	open := time.Date(2026, 8, 21, 15, 0, 0, 0, time.UTC) // Friday
	now := time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC)   // Wednesday, 12 days on
	if got := WeekendCrossings(open, now); got != 2 {
		t.Errorf("expected 2 crossings, got %d", got)
	}
}

func TestWeekendCrossings_BackwardsIsZero(t *testing.T) {
	open := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	if got := WeekendCrossings(open, open.Add(-time.Hour)); got != 0 {
		t.Errorf("expected 0 crossings for non-positive interval, got %d", got)
	}
}

// --- Net PnL tests ---

func TestNetPnl_LongNoFeesIsRawMove(t *testing.T) {
	a := mathAsset()
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	tr := &Trade{IsLong: true, OpenPrice: d("100"), LotSize: 10, OpenedAt: now}

	pnl, exit := NetPnl(tr, a, market.FundingState{}, decimal.Zero, d("105"), 10, now)
	if !exit.Equal(d("105")) {
		t.Errorf("expected exit 105, got %s", exit)
	}
	if !pnl.Equal(d("50")) {
		t.Errorf("expected pnl 50, got %s", pnl)
	}
}

func TestNetPnl_SpreadWorsensExit(t *testing.T) {
	a := mathAsset()
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	long := &Trade{IsLong: true, OpenPrice: d("100"), LotSize: 10, OpenedAt: now}
	short := &Trade{IsLong: false, OpenPrice: d("100"), LotSize: 10, OpenedAt: now}

	_, longExit := NetPnl(long, a, market.FundingState{}, d("0.001"), d("100"), 10, now)
	_, shortExit := NetPnl(short, a, market.FundingState{}, d("0.001"), d("100"), 10, now)
	if !longExit.LessThan(d("100")) {
		t.Errorf("long exit must sit below market, got %s", longExit)
	}
	if !shortExit.GreaterThan(d("100")) {
		t.Errorf("short exit must sit above market, got %s", shortExit)
	}
}

func TestNetPnl_FundingChargedOnExitNotional(t *testing.T) {
	a := mathAsset()
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	tr := &Trade{IsLong: true, OpenPrice: d("100"), LotSize: 10, OpenedAt: now, FundingIndex: decimal.Zero}
	f := market.FundingState{LongIndex: d("0.001")}

	// Flat price, no spread: pnl is exactly the funding cost on the exit
	// notional 1000 × 0.001 = 1.
	pnl, _ := NetPnl(tr, a, f, decimal.Zero, d("100"), 10, now)
	if !pnl.Equal(d("-1")) {
		t.Errorf("expected pnl -1 from funding, got %s", pnl)
	}
}

// --- Liquidation price tests ---

func TestLiquidationPrice_LongBelowEntry(t *testing.T) {
	a := mathAsset()
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	tr := &Trade{IsLong: true, OpenPrice: d("100"), LotSize: 10, OpenedAt: now, Margin: d("100")}

	// No fees: liquidation sits 90% of margin below entry in price terms,
	// 90/10 lots = 9 per unit.
	got := LiquidationPrice(tr, a, market.FundingState{}, decimal.Zero, now)
	if !got.Equal(d("91")) {
		t.Errorf("expected liquidation at 91, got %s", got)
	}
}

func TestLiquidationPrice_ShortAboveEntry(t *testing.T) {
	a := mathAsset()
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	tr := &Trade{IsLong: false, OpenPrice: d("100"), LotSize: 10, OpenedAt: now, Margin: d("100")}

	got := LiquidationPrice(tr, a, market.FundingState{}, decimal.Zero, now)
	if !got.Equal(d("109")) {
		t.Errorf("expected liquidation at 109, got %s", got)
	}
}

func TestLiquidationPrice_MoreMarginMovesFurther(t *testing.T) {
	a := mathAsset()
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	thin := &Trade{IsLong: true, OpenPrice: d("100"), LotSize: 10, OpenedAt: now, Margin: d("50")}
	thick := &Trade{IsLong: true, OpenPrice: d("100"), LotSize: 10, OpenedAt: now, Margin: d("100")}

	pThin := LiquidationPrice(thin, a, market.FundingState{}, decimal.Zero, now)
	pThick := LiquidationPrice(thick, a, market.FundingState{}, decimal.Zero, now)
	if !pThick.LessThan(pThin) {
		t.Errorf("more margin should lower a long's liquidation price: thin=%s thick=%s",
			pThin, pThick)
	}
}

func TestLiquidationPrice_FeesExhaustMarginReturnsEntry(t *testing.T) {
	a := mathAsset()
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	tr := &Trade{IsLong: true, OpenPrice: d("100"), LotSize: 10, OpenedAt: now, Margin: d("1")}

	// Funding owed 1000 × 0.01 = 10, far above 90% of the 1 margin.
	f := market.FundingState{LongIndex: d("0.01")}
	got := LiquidationPrice(tr, a, f, decimal.Zero, now)
	if !got.Equal(d("100")) {
		t.Errorf("fee-exhausted margin must liquidate at entry, got %s", got)
	}
}

func TestLiquidationPrice_ClampsAtZero(t *testing.T) {
	a := mathAsset()
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	// Margin so deep the buffer would put the liquidation price negative.
	tr := &Trade{IsLong: true, OpenPrice: d("100"), LotSize: 1, OpenedAt: now, Margin: d("1000")}

	got := LiquidationPrice(tr, a, market.FundingState{}, decimal.Zero, now)
	if !got.IsZero() {
		t.Errorf("expected clamp at zero, got %s", got)
	}
}

// --- Capped asset PnL tests ---

func TestCappedAssetPnl_EmptyBookIsZero(t *testing.T) {
	a := mathAsset()
	if got := CappedAssetPnl(market.Exposure{}, a, d("100")); !got.IsZero() {
		t.Errorf("expected 0 on empty book, got %s", got)
	}
}

func TestCappedAssetPnl_UncappedInsideBounds(t *testing.T) {
	a := mathAsset()
	e := market.Exposure{
		LongLots: 10, LongValueSum: d("1000"),
		LongMaxProfit: d("500"), LongMaxLoss: d("500"),
	}
	// Price 105: longs are up 50, well inside the bounds.
	if got := CappedAssetPnl(e, a, d("105")); !got.Equal(d("50")) {
		t.Errorf("expected 50, got %s", got)
	}
}

func TestCappedAssetPnl_ProfitCapped(t *testing.T) {
	a := mathAsset()
	e := market.Exposure{
		LongLots: 10, LongValueSum: d("1000"),
		LongMaxProfit: d("30"), LongMaxLoss: d("500"),
	}
	if got := CappedAssetPnl(e, a, d("110")); !got.Equal(d("30")) {
		t.Errorf("expected profit capped at 30, got %s", got)
	}
}

func TestCappedAssetPnl_LossCapped(t *testing.T) {
	a := mathAsset()
	e := market.Exposure{
		LongLots: 10, LongValueSum: d("1000"),
		LongMaxProfit: d("500"), LongMaxLoss: d("40"),
	}
	if got := CappedAssetPnl(e, a, d("90")); !got.Equal(d("-40")) {
		t.Errorf("expected loss capped at -40, got %s", got)
	}
}

func TestCappedAssetPnl_SidesSum(t *testing.T) {
	a := mathAsset()
	e := market.Exposure{
		LongLots: 10, LongValueSum: d("1000"),
		LongMaxProfit: d("500"), LongMaxLoss: d("500"),
		ShortLots: 5, ShortValueSum: d("500"),
		ShortMaxProfit: d("500"), ShortMaxLoss: d("500"),
	}
	// Price 105: longs +50, shorts −25.
	if got := CappedAssetPnl(e, a, d("105")); !got.Equal(d("25")) {
		t.Errorf("expected 25, got %s", got)
	}
}
