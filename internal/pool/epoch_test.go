package pool

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/margin-engine/internal/types"
)

type stubValuation struct {
	pnl decimal.Decimal
	at  time.Time
	ok  bool
}

func (s *stubValuation) LastCompletedRun() (decimal.Decimal, time.Time, bool) {
	return s.pnl, s.at, s.ok
}

// newEpochPool returns a pool on a controllable clock with a valuation stub
// reporting zero unrealized PnL.
func newEpochPool(t *testing.T) (*Pool, *time.Time, *stubValuation) {
	t.Helper()
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	clock := &base
	p := NewPool("owner", nil)
	p.now = func() time.Time { return *clock }
	val := &stubValuation{pnl: decimal.Zero, at: base, ok: true}
	p.BindValuation(val)
	return p, clock, val
}

// bootstrapShares runs the owner-only first roll with the given deposit.
func bootstrapShares(t *testing.T, p *Pool, amount string) {
	t.Helper()
	if err := p.TraderDeposit("lp", d(amount)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.RequestDeposit("lp", d(amount)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.RollEpoch("owner"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func advanceEpoch(clock *time.Time, val *stubValuation) {
	*clock = clock.Add(EpochDuration + time.Minute)
	val.at = *clock
}

// --- Bootstrap ---

func TestRollEpoch_BootstrapOwnerOnly(t *testing.T) {
	p, _, _ := newEpochPool(t)

	if err := p.RollEpoch("lp"); err != types.ErrNotOwner {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	bootstrapShares(t, p, "1000")

	epoch, _ := p.Epoch()
	if epoch != 1 {
		t.Errorf("expected epoch 1 after bootstrap, got %d", epoch)
	}
	price, err := p.SharePrice(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(d("1")) {
		t.Errorf("bootstrap must price shares at exactly 1, got %s", price)
	}
	if !p.TotalShares().Equal(d("1000")) {
		t.Errorf("expected 1000 shares minted, got %s", p.TotalShares())
	}
	free, _ := p.Capital()
	if !free.Equal(d("1000")) {
		t.Errorf("minted deposits must land in pool capital, got %s", free)
	}
}

// --- Roll gates ---

func TestRollEpoch_DurationGate(t *testing.T) {
	p, clock, val := newEpochPool(t)
	bootstrapShares(t, p, "1000")

	if err := p.RollEpoch("owner"); err != types.ErrEpochNotEnded {
		t.Fatalf("expected ErrEpochNotEnded, got %v", err)
	}
	advanceEpoch(clock, val)
	if err := p.RollEpoch("owner"); err != nil {
		t.Fatalf("unexpected error after full epoch: %v", err)
	}
}

func TestRollEpoch_RequiresFreshValuation(t *testing.T) {
	p, clock, val := newEpochPool(t)
	bootstrapShares(t, p, "1000")

	*clock = clock.Add(EpochDuration + time.Minute)

	val.ok = false
	if err := p.RollEpoch("owner"); err != types.ErrValuationStale {
		t.Errorf("expected ErrValuationStale with no run, got %v", err)
	}

	val.ok = true
	val.at = clock.Add(-ValuationWindow - time.Minute)
	if err := p.RollEpoch("owner"); err != types.ErrValuationStale {
		t.Errorf("expected ErrValuationStale with an old run, got %v", err)
	}

	val.at = *clock
	if err := p.RollEpoch("owner"); err != nil {
		t.Errorf("unexpected error with a fresh run: %v", err)
	}
}

func TestRollEpoch_RejectsNonPositiveEquity(t *testing.T) {
	p, clock, val := newEpochPool(t)
	bootstrapShares(t, p, "1000")
	advanceEpoch(clock, val)

	// Traders are up more than the pool holds.
	val.pnl = d("2000")
	if err := p.RollEpoch("owner"); err != types.ErrPoolEquity {
		t.Fatalf("expected ErrPoolEquity, got %v", err)
	}
	if epoch, _ := p.Epoch(); epoch != 1 {
		t.Errorf("failed roll must not advance the epoch, got %d", epoch)
	}
}

// --- Fee settlement ---

func TestRollEpoch_PerfFeeCappedByReserve(t *testing.T) {
	p, clock, val := newEpochPool(t)
	bootstrapShares(t, p, "1000")

	// Trader losses of 100 this epoch, but only 15 was provisioned: the
	// owner's entitlement of 20 is capped at the reserve.
	p.realized = d("100")
	p.feeReserve = d("15")
	advanceEpoch(clock, val)

	ownerBefore, _ := p.TraderBalance("owner")
	if err := p.RollEpoch("owner"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ownerAfter, _ := p.TraderBalance("owner")
	if !ownerAfter.Sub(ownerBefore).Equal(d("15")) {
		t.Errorf("expected perf fee 15, got %s", ownerAfter.Sub(ownerBefore))
	}
	if !p.feeReserve.IsZero() || !p.realized.IsZero() {
		t.Errorf("roll must reset reserve and realized: %s/%s", p.feeReserve, p.realized)
	}
}

func TestRollEpoch_ReserveSurplusLiftsPrice(t *testing.T) {
	p, clock, val := newEpochPool(t)
	bootstrapShares(t, p, "1000")

	// Reserve of 50 against realized 100: perf fee 20, surplus 30 back
	// into pool capital.
	p.realized = d("100")
	p.feeReserve = d("50")
	advanceEpoch(clock, val)

	ownerBefore, _ := p.TraderBalance("owner")
	if err := p.RollEpoch("owner"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ownerAfter, _ := p.TraderBalance("owner")
	if !ownerAfter.Sub(ownerBefore).Equal(d("20")) {
		t.Errorf("expected perf fee 20, got %s", ownerAfter.Sub(ownerBefore))
	}
	price, err := p.SharePrice(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(d("1.03")) {
		t.Errorf("expected share price 1.03, got %s", price)
	}
}

// --- Deposits ---

func TestReduceDeposit(t *testing.T) {
	p, _, _ := newEpochPool(t)
	if err := p.TraderDeposit("lp", d("500")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.RequestDeposit("lp", d("500")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.ReduceDeposit("lp", d("200")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !p.PendingDeposit("lp", 0).Equal(d("300")) {
		t.Errorf("expected pending 300, got %s", p.PendingDeposit("lp", 0))
	}
	free, _ := p.TraderBalance("lp")
	if !free.Equal(d("200")) {
		t.Errorf("reduction must refund the free balance, got %s", free)
	}
	if err := p.ReduceDeposit("lp", d("400")); err != types.ErrEmptyDepositEpoch {
		t.Errorf("expected ErrEmptyDepositEpoch, got %v", err)
	}
}

func TestRequestWithdraw_Validations(t *testing.T) {
	p, _, _ := newEpochPool(t)
	bootstrapShares(t, p, "1000")

	if err := p.RequestWithdrawFromEpochs("lp", []uint64{5}); err != types.ErrEmptyDepositEpoch {
		t.Errorf("expected ErrEmptyDepositEpoch, got %v", err)
	}

	// A deposit queued in the open epoch has no price yet.
	if err := p.TraderDeposit("lp", d("100")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.RequestDeposit("lp", d("100")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.RequestWithdrawFromEpochs("lp", []uint64{1}); err != types.ErrEpochNotPriced {
		t.Errorf("expected ErrEpochNotPriced, got %v", err)
	}
}

// --- Withdrawal funding across rolls ---

func TestWithdrawals_FundedAcrossEpochs(t *testing.T) {
	p, clock, val := newEpochPool(t)
	bootstrapShares(t, p, "1000")

	// All 1000 shares queued for withdrawal in epoch 1.
	if err := p.RequestWithdrawFromEpochs("lp", []uint64{0}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Most of the pool is locked behind open trades: only 400 free.
	p.poolFree = d("400")
	p.poolLocked = d("600")

	advanceEpoch(clock, val)
	if err := p.RollEpoch("owner"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 400 shares funded at 1.0, 600 still unfunded and now reserved.
	if !p.TotalShares().Equal(d("600")) {
		t.Errorf("expected 600 shares left, got %s", p.TotalShares())
	}
	if !p.minFreeReserve.Equal(d("600")) {
		t.Errorf("expected reserve 600 for unfunded shares, got %s", p.minFreeReserve)
	}
	free, _ := p.Capital()
	if !free.IsZero() {
		t.Errorf("funded payout must leave free capital, got %s", free)
	}

	// Trades settle at a pool gain: 660 free against 600 shares prices
	// the next roll at 1.10.
	p.poolFree = d("660")
	p.poolLocked = decimal.Zero

	advanceEpoch(clock, val)
	if err := p.RollEpoch("owner"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	price, err := p.SharePrice(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(d("1.1")) {
		t.Errorf("expected share price 1.1, got %s", price)
	}
	if !p.TotalShares().IsZero() {
		t.Errorf("expected all shares retired, got %s", p.TotalShares())
	}
	if !p.minFreeReserve.IsZero() {
		t.Errorf("expected reserve released, got %s", p.minFreeReserve)
	}

	if err := p.ProcessWithdrawals(10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := p.WithdrawStatus(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.SharesRemaining.IsZero() {
		t.Errorf("expected bucket drained, got %s remaining", b.SharesRemaining)
	}
	// 400 shares at 1.0 plus 600 shares at 1.1.
	if !b.USDAllocated.Equal(d("1060")) {
		t.Errorf("expected 1060 allocated, got %s", b.USDAllocated)
	}

	if got := p.Claimable("lp", 1); !got.Equal(d("1060")) {
		t.Errorf("expected claimable 1060, got %s", got)
	}
	paid, err := p.ClaimWithdraw("lp", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !paid.Equal(d("1060")) {
		t.Errorf("expected payout 1060, got %s", paid)
	}
	free, _ = p.TraderBalance("lp")
	if !free.Equal(d("1060")) {
		t.Errorf("expected lp free balance 1060, got %s", free)
	}

	if _, err := p.ClaimWithdraw("lp", 1); err != types.ErrNothingToClaim {
		t.Errorf("expected ErrNothingToClaim on a second claim, got %v", err)
	}
}

// --- Dust ---

func TestSweepDust(t *testing.T) {
	p, _, _ := newEpochPool(t)
	p.poolFree = d("3")
	p.totalShares = d("100")
	p.feeReserve = d("1")
	p.minFreeReserve = d("2")

	p.SweepDust()

	ownerFree, _ := p.TraderBalance("owner")
	if !ownerFree.Equal(d("4")) {
		t.Errorf("expected 4 swept to the owner, got %s", ownerFree)
	}
	free, locked := p.Capital()
	if !free.IsZero() || !locked.IsZero() {
		t.Errorf("expected pool capital cleared, got %s/%s", free, locked)
	}
	if !p.TotalShares().IsZero() || !p.minFreeReserve.IsZero() {
		t.Errorf("expected share state reset: shares=%s reserve=%s",
			p.TotalShares(), p.minFreeReserve)
	}
}

func TestSweepDust_NoOpAboveThreshold(t *testing.T) {
	p, _, _ := newEpochPool(t)
	p.poolFree = d("100")
	p.SweepDust()
	free, _ := p.Capital()
	if !free.Equal(d("100")) {
		t.Errorf("sweep above threshold must be a no-op, got %s", free)
	}
}
