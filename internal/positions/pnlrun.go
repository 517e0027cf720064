package positions

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/margin-engine/internal/types"
)

// RunWindow is how long a valuation run may stay open before it is
// abandoned. Downstream consumers treat anything older as a hard failure.
const RunWindow = 2 * time.Minute

// PnlRun is one bounded, resumable revaluation pass over the listed assets.
type PnlRun struct {
	RunID           uint64          `json:"run_id"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         time.Time       `json:"ended_at"`
	AssetsProcessed uint32          `json:"assets_processed"`
	TotalAtStart    uint32          `json:"total_at_start"`
	Cumulative      decimal.Decimal `json:"cumulative_pnl"`
	Completed       bool            `json:"completed"`

	processed map[uint32]bool
}

func (r *PnlRun) expired(now time.Time) bool {
	return now.After(r.StartedAt.Add(RunWindow))
}

// RunStatus is the submit response.
type RunStatus struct {
	RunID           uint64          `json:"run_id"`
	Completed       bool            `json:"completed"`
	AssetsProcessed uint32          `json:"assets_processed"`
	TotalAtStart    uint32          `json:"total_at_start"`
	Cumulative      decimal.Decimal `json:"cumulative_pnl"`
}

// SubmitValuation prices a batch of assets against one verified snapshot as
// part of the current valuation run, starting a fresh run when none is
// active, the previous one completed, or its window lapsed. Each asset is
// valued at most once per run; resubmissions are no-ops. The run completes
// once every asset listed at its start has been processed.
func (e *Engine) SubmitValuation(proof []byte, assetIDs []uint32) (RunStatus, error) {
	snap, err := e.verifyProof(proof)
	if err != nil {
		return RunStatus{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if e.run == nil || e.run.Completed || e.run.expired(now) {
		id := uint64(1)
		if e.run != nil {
			id = e.run.RunID + 1
			if !e.run.Completed {
				e.logger.Warn().Uint64("run_id", e.run.RunID).
					Uint32("processed", e.run.AssetsProcessed).
					Uint32("total", e.run.TotalAtStart).Msg("valuation run expired, abandoning")
			}
		}
		e.run = &PnlRun{
			RunID:        id,
			StartedAt:    now,
			TotalAtStart: e.ledger.ListedCount(),
			Cumulative:   decimal.Zero,
			processed:    make(map[uint32]bool),
		}
		e.logger.Info().Uint64("run_id", id).Uint32("total", e.run.TotalAtStart).Msg("valuation run started")
	}
	run := e.run

	// Validate every price before committing any; submissions are
	// all-or-nothing.
	type priced struct {
		assetID uint32
		value   decimal.Decimal
	}
	batch := make([]priced, 0, len(assetIDs))
	for _, assetID := range assetIDs {
		a, err := e.ledger.Asset(assetID)
		if err != nil {
			continue // delisted mid-run: skip, the total counts listings at start
		}
		if run.processed[assetID] {
			continue
		}
		price, err := e.verifiedPrice(snap, a, now)
		if err != nil {
			return RunStatus{}, err
		}
		value := CappedAssetPnl(e.ledger.Exposure(assetID), a, price)
		batch = append(batch, priced{assetID: assetID, value: value})
	}

	for _, p := range batch {
		run.Cumulative = run.Cumulative.Add(p.value)
		run.processed[p.assetID] = true
		run.AssetsProcessed++
	}

	if run.AssetsProcessed >= run.TotalAtStart {
		run.Completed = true
		run.EndedAt = now
		e.lastRun = run
		e.logger.Info().Uint64("run_id", run.RunID).
			Str("cumulative_pnl", run.Cumulative.String()).Msg("valuation run completed")
	}

	return RunStatus{
		RunID:           run.RunID,
		Completed:       run.Completed,
		AssetsProcessed: run.AssetsProcessed,
		TotalAtStart:    run.TotalAtStart,
		Cumulative:      run.Cumulative,
	}, nil
}

// LastCompletedRun reports the most recent completed run's aggregate
// unrealized trader PnL and completion time. ok is false when no run has
// ever completed.
func (e *Engine) LastCompletedRun() (pnl decimal.Decimal, completedAt time.Time, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.run != nil && e.run.Completed {
		return e.run.Cumulative, e.run.EndedAt, true
	}
	if e.lastRun != nil && e.lastRun.Completed {
		return e.lastRun.Cumulative, e.lastRun.EndedAt, true
	}
	return decimal.Zero, time.Time{}, false
}

// CurrentRun returns a copy of the active run, if any.
func (e *Engine) CurrentRun() (PnlRun, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.run == nil {
		return PnlRun{}, types.ErrValuationStale
	}
	return *e.run, nil
}
