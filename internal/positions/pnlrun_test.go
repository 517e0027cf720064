package positions

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/margin-engine/internal/oracle"
)

func listSecondAsset(t *testing.T, e *Engine) {
	t.Helper()
	a := mathAsset()
	a.ID = 2
	a.Symbol = "XAUUSD"
	if err := e.ListAsset(*a); err != nil {
		t.Fatalf("unexpected error listing asset: %v", err)
	}
}

func valuationProof(t *testing.T, v *oracle.StaticVerifier, ids ...uint32) []byte {
	t.Helper()
	proof, err := v.Proof(ids...)
	if err != nil {
		t.Fatalf("unexpected error building proof: %v", err)
	}
	return proof
}

func TestSubmitValuation_PartialBatchStaysOpen(t *testing.T) {
	e, _, v := newTestEngine(t)
	listSecondAsset(t, e)
	v.SetPrice(1, d("100"))
	v.SetPrice(2, d("2000"))

	status, err := e.SubmitValuation(valuationProof(t, v, 1), []uint32{1})
	mustNoErr(t, err)
	if status.Completed {
		t.Error("run must stay open until every listed asset is priced")
	}
	if status.AssetsProcessed != 1 || status.TotalAtStart != 2 {
		t.Errorf("expected 1/2 processed, got %d/%d", status.AssetsProcessed, status.TotalAtStart)
	}
	if _, _, ok := e.LastCompletedRun(); ok {
		t.Error("incomplete run must not publish a result")
	}
}

func TestSubmitValuation_ResubmissionIsNoOp(t *testing.T) {
	e, _, v := newTestEngine(t)
	listSecondAsset(t, e)
	v.SetPrice(1, d("100"))

	first, err := e.SubmitValuation(valuationProof(t, v, 1), []uint32{1})
	mustNoErr(t, err)
	second, err := e.SubmitValuation(valuationProof(t, v, 1), []uint32{1})
	mustNoErr(t, err)

	if second.RunID != first.RunID {
		t.Errorf("resubmission must not start a new run: %d vs %d", second.RunID, first.RunID)
	}
	if second.AssetsProcessed != first.AssetsProcessed {
		t.Errorf("resubmission must not count twice: %d vs %d",
			second.AssetsProcessed, first.AssetsProcessed)
	}
	if !second.Cumulative.Equal(first.Cumulative) {
		t.Errorf("resubmission must not move the aggregate: %s vs %s",
			second.Cumulative, first.Cumulative)
	}
}

func TestSubmitValuation_CompletesAndPublishes(t *testing.T) {
	e, _, v := newTestEngine(t)
	listSecondAsset(t, e)
	v.SetPrice(1, d("100"))
	v.SetPrice(2, d("2000"))

	// An open long valued at its own entry market price carries a small
	// unrealized loss from the entry spread.
	_, err := e.OpenMarketPosition("alice", 1, true, 10, 10, decimal.Zero, decimal.Zero, valuationProof(t, v, 1))
	mustNoErr(t, err)

	status, err := e.SubmitValuation(valuationProof(t, v, 1, 2), []uint32{1, 2})
	mustNoErr(t, err)
	if !status.Completed {
		t.Fatal("expected run to complete with all assets priced")
	}

	pnl, completedAt, ok := e.LastCompletedRun()
	if !ok {
		t.Fatal("completed run must publish a result")
	}
	if completedAt.IsZero() {
		t.Error("completed run must stamp its end time")
	}
	if !pnl.IsNegative() {
		t.Errorf("expected negative unrealized pnl from the entry spread, got %s", pnl)
	}
}

func TestSubmitValuation_SkipsDelistedAssets(t *testing.T) {
	e, _, v := newTestEngine(t)
	v.SetPrice(1, d("100"))

	// Asset 9 was never listed; pricing it is skipped, not an error.
	status, err := e.SubmitValuation(valuationProof(t, v, 1), []uint32{1, 9})
	mustNoErr(t, err)
	if !status.Completed {
		t.Error("run over the single listed asset should complete")
	}
	if status.AssetsProcessed != 1 {
		t.Errorf("expected only the listed asset counted, got %d", status.AssetsProcessed)
	}
}

func TestSubmitValuation_WindowExpiryStartsNewRun(t *testing.T) {
	e, _, v := newTestEngine(t)
	listSecondAsset(t, e)

	base := time.Now()
	e.now = func() time.Time { return base }
	v.SetPriceAt(1, d("100"), base)

	first, err := e.SubmitValuation(valuationProof(t, v, 1), []uint32{1})
	mustNoErr(t, err)
	if first.Completed {
		t.Fatal("fixture expects an open run")
	}

	base = base.Add(RunWindow + time.Minute)
	v.SetPriceAt(1, d("100"), base)

	second, err := e.SubmitValuation(valuationProof(t, v, 1), []uint32{1})
	mustNoErr(t, err)
	if second.RunID != first.RunID+1 {
		t.Errorf("expired run must be abandoned: expected run %d, got %d",
			first.RunID+1, second.RunID)
	}
	if second.AssetsProcessed != 1 {
		t.Errorf("new run starts from scratch, got %d processed", second.AssetsProcessed)
	}

	run, err := e.CurrentRun()
	mustNoErr(t, err)
	if run.Completed {
		t.Error("new run should still be open with one of two assets priced")
	}
}
