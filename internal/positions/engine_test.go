package positions

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/margin-engine/internal/market"
	"github.com/ksred/margin-engine/internal/oracle"
	"github.com/ksred/margin-engine/internal/pool"
	"github.com/ksred/margin-engine/internal/types"
)

// newTestEngine wires an engine against a bootstrapped pool and a static
// price verifier. The pool is seeded with 1,000,000 of capital and alice
// with a 10,000 free balance.
func newTestEngine(t *testing.T) (*Engine, *pool.Pool, *oracle.StaticVerifier) {
	t.Helper()

	ledger, err := market.NewLedger(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := pool.NewPool("owner", nil)
	v := oracle.NewStaticVerifier()
	e := NewEngine(ledger, p, v, nil)
	p.BindValuation(e)

	if err := e.ListAsset(*mathAsset()); err != nil {
		t.Fatalf("unexpected error listing asset: %v", err)
	}

	mustNoErr(t, p.TraderDeposit("owner", decimal.NewFromInt(1_000_000)))
	mustNoErr(t, p.RequestDeposit("owner", decimal.NewFromInt(1_000_000)))
	mustNoErr(t, p.RollEpoch("owner"))
	mustNoErr(t, p.TraderDeposit("alice", decimal.NewFromInt(10_000)))
	return e, p, v
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func proofAt(t *testing.T, v *oracle.StaticVerifier, price decimal.Decimal) []byte {
	t.Helper()
	v.SetPrice(1, price)
	proof, err := v.Proof(1)
	if err != nil {
		t.Fatalf("unexpected error building proof: %v", err)
	}
	return proof
}

// --- Open / close lifecycle ---

func TestOpenMarketPosition_Lifecycle(t *testing.T) {
	e, p, v := newTestEngine(t)
	proof := proofAt(t, v, d("100"))

	freeBefore, _ := p.TraderBalance("alice")
	tr, err := e.OpenMarketPosition("alice", 1, true, 10, 10, decimal.Zero, decimal.Zero, proof)
	mustNoErr(t, err)

	if tr.State != StateOpen {
		t.Fatalf("expected OPEN, got %s", tr.State)
	}
	if !tr.OpenPrice.GreaterThan(d("100")) {
		t.Errorf("long entry must sit above market after spread, got %s", tr.OpenPrice)
	}
	free, locked := p.TraderBalance("alice")
	if !free.LessThan(freeBefore) {
		t.Error("opening must debit trader free balance")
	}
	if !locked.Equal(tr.Margin) {
		t.Errorf("locked balance %s should equal margin %s", locked, tr.Margin)
	}

	exp := e.AssetExposure(1)
	if exp.LongLots != 10 {
		t.Errorf("expected 10 long lots of exposure, got %d", exp.LongLots)
	}

	res, err := e.ClosePositionMarket("alice", tr.ID, 0, proof)
	mustNoErr(t, err)
	if !res.FullClose || res.LotsClosed != 10 {
		t.Errorf("expected full close of 10 lots, got full=%v lots=%d", res.FullClose, res.LotsClosed)
	}

	closed, err := e.Trade(tr.ID)
	mustNoErr(t, err)
	if closed.State != StateClosed {
		t.Errorf("expected CLOSED, got %s", closed.State)
	}
	if closed.RemainingLots() != 0 {
		t.Errorf("expected 0 remaining lots, got %d", closed.RemainingLots())
	}
	if exp := e.AssetExposure(1); exp.LongLots != 0 {
		t.Errorf("expected exposure released, got %d long lots", exp.LongLots)
	}
	if _, locked := p.TraderBalance("alice"); !locked.IsZero() {
		t.Errorf("expected all locked funds released, got %s", locked)
	}
}

func TestPartialCloses_SumExactly(t *testing.T) {
	e, p, v := newTestEngine(t)
	proof := proofAt(t, v, d("100"))

	tr, err := e.OpenMarketPosition("alice", 1, true, 10, 10, decimal.Zero, decimal.Zero, proof)
	mustNoErr(t, err)

	for _, lots := range []int64{3, 3, 4} {
		res, err := e.ClosePositionMarket("alice", tr.ID, lots, proof)
		mustNoErr(t, err)
		if res.LotsClosed != lots {
			t.Fatalf("expected %d lots closed, got %d", lots, res.LotsClosed)
		}
	}

	closed, err := e.Trade(tr.ID)
	mustNoErr(t, err)
	if closed.State != StateClosed {
		t.Fatalf("expected CLOSED after three partials, got %s", closed.State)
	}
	if !closed.Margin.IsZero() || !closed.LockedCapital.IsZero() {
		t.Errorf("partial releases must sum exactly: margin=%s locked=%s",
			closed.Margin, closed.LockedCapital)
	}

	pt, err := p.Trade(tr.ID)
	mustNoErr(t, err)
	if !pt.Margin.IsZero() || !pt.Locked.IsZero() {
		t.Errorf("pool mirror must drain exactly: margin=%s locked=%s", pt.Margin, pt.Locked)
	}
	if _, locked := p.TraderBalance("alice"); !locked.IsZero() {
		t.Errorf("expected zero locked balance, got %s", locked)
	}
}

func TestClosePosition_ClampsOversizedRequest(t *testing.T) {
	e, _, v := newTestEngine(t)
	proof := proofAt(t, v, d("100"))

	tr, err := e.OpenMarketPosition("alice", 1, true, 10, 10, decimal.Zero, decimal.Zero, proof)
	mustNoErr(t, err)

	res, err := e.ClosePositionMarket("alice", tr.ID, 999, proof)
	mustNoErr(t, err)
	if res.LotsClosed != 10 || !res.FullClose {
		t.Errorf("oversized close must clamp to remaining: lots=%d full=%v",
			res.LotsClosed, res.FullClose)
	}
}

func TestClosePosition_OwnerOnly(t *testing.T) {
	e, _, v := newTestEngine(t)
	proof := proofAt(t, v, d("100"))

	tr, err := e.OpenMarketPosition("alice", 1, true, 10, 10, decimal.Zero, decimal.Zero, proof)
	mustNoErr(t, err)

	if _, err := e.ClosePositionMarket("bob", tr.ID, 0, proof); err != types.ErrTraderMismatch {
		t.Errorf("expected ErrTraderMismatch, got %v", err)
	}
}

// --- Validation ---

func TestOpenMarketPosition_Rejections(t *testing.T) {
	e, _, v := newTestEngine(t)
	proof := proofAt(t, v, d("100"))

	if _, err := e.OpenMarketPosition("alice", 9, true, 10, 10, decimal.Zero, decimal.Zero, proof); err != types.ErrUnknownAsset {
		t.Errorf("expected ErrUnknownAsset, got %v", err)
	}
	if _, err := e.OpenMarketPosition("alice", 1, true, 10, 0, decimal.Zero, decimal.Zero, proof); err != types.ErrBadSize {
		t.Errorf("expected ErrBadSize, got %v", err)
	}
	if _, err := e.OpenMarketPosition("alice", 1, true, 7, 10, decimal.Zero, decimal.Zero, proof); err != types.ErrBadLeverage {
		t.Errorf("expected ErrBadLeverage, got %v", err)
	}
}

func TestOpenMarketPosition_CloseOnlyAsset(t *testing.T) {
	e, _, v := newTestEngine(t)
	proof := proofAt(t, v, d("100"))
	mustNoErr(t, e.SetAssetTradable(1, false))

	if _, err := e.OpenMarketPosition("alice", 1, true, 10, 10, decimal.Zero, decimal.Zero, proof); err != types.ErrCloseOnly {
		t.Errorf("expected ErrCloseOnly, got %v", err)
	}
}

func TestVerifiedPrice_RejectsStaleAndFuture(t *testing.T) {
	e, _, v := newTestEngine(t)

	v.SetPriceAt(1, d("100"), time.Now().Add(-2*time.Minute))
	proof, err := v.Proof(1)
	mustNoErr(t, err)
	if _, err := e.OpenMarketPosition("alice", 1, true, 10, 10, decimal.Zero, decimal.Zero, proof); err != types.ErrStalePrice {
		t.Errorf("expected ErrStalePrice, got %v", err)
	}

	v.SetPriceAt(1, d("100"), time.Now().Add(2*time.Minute))
	proof, err = v.Proof(1)
	mustNoErr(t, err)
	if _, err := e.OpenMarketPosition("alice", 1, true, 10, 10, decimal.Zero, decimal.Zero, proof); err != types.ErrFuturePrice {
		t.Errorf("expected ErrFuturePrice, got %v", err)
	}
}

func TestOpenMarketPosition_UnwindsOnVaultRejection(t *testing.T) {
	e, _, v := newTestEngine(t)
	proof := proofAt(t, v, d("100"))

	// bob has no balance; the pool rejects and the exposure the engine
	// had applied must be released.
	if _, err := e.OpenMarketPosition("bob", 1, true, 10, 10, decimal.Zero, decimal.Zero, proof); err != types.ErrInsufficientFree {
		t.Fatalf("expected ErrInsufficientFree, got %v", err)
	}
	exp := e.AssetExposure(1)
	if exp.LongLots != 0 || !exp.LongMaxLoss.IsZero() {
		t.Errorf("rejected open must unwind exposure: lots=%d maxLoss=%s",
			exp.LongLots, exp.LongMaxLoss)
	}
}

// --- Pending orders ---

func TestLimitOrder_ExecutesAtOrBetter(t *testing.T) {
	e, _, v := newTestEngine(t)

	tr, err := e.PlaceOrder("alice", 1, true, true, 10, 10, d("100"), decimal.Zero, decimal.Zero)
	mustNoErr(t, err)
	if tr.State != StatePending {
		t.Fatalf("expected PENDING, got %s", tr.State)
	}

	// Above target: a buy limit must not fill.
	if _, err := e.ExecuteOrder(tr.ID, proofAt(t, v, d("101"))); err != types.ErrTriggerNotMet {
		t.Fatalf("expected ErrTriggerNotMet above target, got %v", err)
	}

	filled, err := e.ExecuteOrder(tr.ID, proofAt(t, v, d("99.5")))
	mustNoErr(t, err)
	if filled.State != StateOpen {
		t.Errorf("expected OPEN after fill, got %s", filled.State)
	}
	if filled.OpenedAt.IsZero() || filled.OpenPrice.IsZero() {
		t.Error("fill must stamp entry price and time")
	}
}

func TestStopEntryOrder_ExecutesOnCross(t *testing.T) {
	e, _, v := newTestEngine(t)

	tr, err := e.PlaceOrder("alice", 1, true, false, 10, 10, d("100"), decimal.Zero, decimal.Zero)
	mustNoErr(t, err)

	if _, err := e.ExecuteOrder(tr.ID, proofAt(t, v, d("99"))); err != types.ErrTriggerNotMet {
		t.Fatalf("expected ErrTriggerNotMet below trigger, got %v", err)
	}
	filled, err := e.ExecuteOrder(tr.ID, proofAt(t, v, d("100.5")))
	mustNoErr(t, err)
	if filled.State != StateOpen {
		t.Errorf("expected OPEN after cross, got %s", filled.State)
	}
}

func TestCancelOrder_RefundsExactly(t *testing.T) {
	e, p, _ := newTestEngine(t)

	freeBefore, _ := p.TraderBalance("alice")
	tr, err := e.PlaceOrder("alice", 1, true, true, 10, 10, d("100"), decimal.Zero, decimal.Zero)
	mustNoErr(t, err)

	free, _ := p.TraderBalance("alice")
	if !free.LessThan(freeBefore) {
		t.Fatal("placing an order must lock funds")
	}

	mustNoErr(t, e.CancelOrder("alice", tr.ID))
	free, locked := p.TraderBalance("alice")
	if !free.Equal(freeBefore) {
		t.Errorf("cancel must refund exactly: before=%s after=%s", freeBefore, free)
	}
	if !locked.IsZero() {
		t.Errorf("expected zero locked after cancel, got %s", locked)
	}

	if err := e.CancelOrder("alice", tr.ID); err != types.ErrNotPending {
		t.Errorf("expected ErrNotPending on double cancel, got %v", err)
	}
}

// --- Stops ---

func TestExecuteStopOrTakeProfit(t *testing.T) {
	e, _, v := newTestEngine(t)
	proof := proofAt(t, v, d("100"))

	tr, err := e.OpenMarketPosition("alice", 1, true, 10, 10, d("95"), d("110"), proof)
	mustNoErr(t, err)

	if _, err := e.ExecuteStopOrTakeProfit(tr.ID, proofAt(t, v, d("100"))); err != types.ErrNotTriggered {
		t.Fatalf("expected ErrNotTriggered between levels, got %v", err)
	}

	res, err := e.ExecuteStopOrTakeProfit(tr.ID, proofAt(t, v, d("94")))
	mustNoErr(t, err)
	if !res.FullClose {
		t.Error("stop loss must close the whole position")
	}
	if !res.NetPnl.IsNegative() {
		t.Errorf("stop loss exit should realize a loss, got %s", res.NetPnl)
	}
}

func TestUpdateStops(t *testing.T) {
	e, _, v := newTestEngine(t)
	proof := proofAt(t, v, d("100"))

	tr, err := e.OpenMarketPosition("alice", 1, true, 10, 10, decimal.Zero, decimal.Zero, proof)
	mustNoErr(t, err)

	if err := e.UpdateStops("bob", tr.ID, d("95"), decimal.Zero); err != types.ErrTraderMismatch {
		t.Errorf("expected ErrTraderMismatch, got %v", err)
	}
	if err := e.UpdateStops("alice", tr.ID, tr.OpenPrice.Add(d("1")), decimal.Zero); err != types.ErrLongStopTooHigh {
		t.Errorf("expected ErrLongStopTooHigh, got %v", err)
	}
	mustNoErr(t, e.UpdateStops("alice", tr.ID, d("95"), d("120")))

	got, err := e.Trade(tr.ID)
	mustNoErr(t, err)
	if !got.StopLoss.Equal(d("95")) || !got.TakeProfit.Equal(d("120")) {
		t.Errorf("stops not applied: sl=%s tp=%s", got.StopLoss, got.TakeProfit)
	}
}

// --- Margin and liquidation ---

func TestAddMargin_ImprovesLiquidationPrice(t *testing.T) {
	e, p, v := newTestEngine(t)
	proof := proofAt(t, v, d("100"))

	tr, err := e.OpenMarketPosition("alice", 1, true, 100, 10, decimal.Zero, decimal.Zero, proof)
	mustNoErr(t, err)

	liqBefore, err := e.LiquidationPriceLive(tr.ID)
	mustNoErr(t, err)

	mustNoErr(t, e.AddMargin("alice", tr.ID, d("50")))
	liqAfter, err := e.LiquidationPriceLive(tr.ID)
	mustNoErr(t, err)
	if !liqAfter.LessThan(liqBefore) {
		t.Errorf("adding margin must lower a long's liquidation price: before=%s after=%s",
			liqBefore, liqAfter)
	}

	got, err := e.Trade(tr.ID)
	mustNoErr(t, err)
	if !got.Margin.Equal(tr.Margin.Add(d("50"))) {
		t.Errorf("expected margin %s, got %s", tr.Margin.Add(d("50")), got.Margin)
	}
	pt, err := p.Trade(tr.ID)
	mustNoErr(t, err)
	if !pt.Margin.Equal(got.Margin) {
		t.Errorf("pool mirror margin %s != engine margin %s", pt.Margin, got.Margin)
	}
}

func TestLiquidatePosition(t *testing.T) {
	e, p, v := newTestEngine(t)
	proof := proofAt(t, v, d("100"))

	tr, err := e.OpenMarketPosition("alice", 1, true, 100, 10, decimal.Zero, decimal.Zero, proof)
	mustNoErr(t, err)

	// Price still at entry: not liquidatable.
	if _, err := e.LiquidatePosition(tr.ID, proofAt(t, v, d("100"))); err != types.ErrNotLiquidatable {
		t.Fatalf("expected ErrNotLiquidatable at entry, got %v", err)
	}

	res, err := e.LiquidatePosition(tr.ID, proofAt(t, v, d("99")))
	mustNoErr(t, err)
	if !res.NetPnl.Equal(tr.Margin.Neg()) {
		t.Errorf("liquidation must seize the full margin: expected %s, got %s",
			tr.Margin.Neg(), res.NetPnl)
	}

	got, err := e.Trade(tr.ID)
	mustNoErr(t, err)
	if got.State != StateClosed {
		t.Errorf("expected CLOSED, got %s", got.State)
	}
	if exp := e.AssetExposure(1); exp.LongLots != 0 {
		t.Errorf("expected exposure released, got %d", exp.LongLots)
	}
	if _, locked := p.TraderBalance("alice"); !locked.IsZero() {
		t.Errorf("expected locked margin seized, got %s", locked)
	}
}

func TestLiquidateProfit(t *testing.T) {
	e, _, v := newTestEngine(t)
	proof := proofAt(t, v, d("100"))

	// Locked capital here is the 5% physical-move cap, about 50.
	tr, err := e.OpenMarketPosition("alice", 1, true, 10, 10, decimal.Zero, decimal.Zero, proof)
	mustNoErr(t, err)

	// Profit below the locked cap: rejected.
	if _, err := e.LiquidateProfit(tr.ID, proofAt(t, v, d("104"))); err != types.ErrProfitUnderCap {
		t.Fatalf("expected ErrProfitUnderCap, got %v", err)
	}

	res, err := e.LiquidateProfit(tr.ID, proofAt(t, v, d("110")))
	mustNoErr(t, err)
	if !res.FullClose {
		t.Error("profit liquidation must close the whole position")
	}
	if !res.NetPnl.GreaterThan(tr.LockedCapital) {
		t.Errorf("expected net pnl above locked cap %s, got %s", tr.LockedCapital, res.NetPnl)
	}
}
