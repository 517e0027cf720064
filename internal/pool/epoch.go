package pool

import (
	"github.com/shopspring/decimal"

	"github.com/ksred/margin-engine/internal/types"
)

// RequestDeposit queues cash from a provider's free balance into the open
// epoch. The cash stays in escrow until the epoch rolls and the deposit
// mints shares at that epoch's price.
func (p *Pool) RequestDeposit(provider string, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !amount.IsPositive() {
		return types.ErrAmountZero
	}
	amount = amount.Round(moneyScale)
	if p.free(provider).LessThan(amount) {
		return types.ErrInsufficientFree
	}
	p.freeBalance[provider] = p.free(provider).Sub(amount)

	e := p.epoch
	byEpoch, ok := p.depositOf[provider]
	if !ok {
		byEpoch = make(map[uint64]decimal.Decimal)
		p.depositOf[provider] = byEpoch
	}
	if _, listed := byEpoch[e]; !listed {
		p.depositEpochs[provider] = append(p.depositEpochs[provider], e)
	}
	byEpoch[e] = byEpoch[e].Add(amount)
	p.pendingDeposits[e] = p.pendingDeposits[e].Add(amount)

	p.logger.Info().Str("provider", provider).Uint64("epoch", e).
		Str("amount", amount.String()).Msg("deposit queued")
	return nil
}

// ReduceDeposit cancels part of the open epoch's queued deposit, returning
// the cash to the provider's free balance. Deposits from closed epochs are
// already represented by shares and cannot be reduced.
func (p *Pool) ReduceDeposit(provider string, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !amount.IsPositive() {
		return types.ErrAmountZero
	}
	amount = amount.Round(moneyScale)
	e := p.epoch
	cur := p.depositOf[provider][e]
	if cur.LessThan(amount) {
		return types.ErrEmptyDepositEpoch
	}
	p.depositOf[provider][e] = cur.Sub(amount)
	p.pendingDeposits[e] = p.pendingDeposits[e].Sub(amount)
	p.creditFree(provider, amount)
	return nil
}

// RequestWithdrawFromEpochs converts a provider's deposits from already
// priced epochs into withdrawal shares, queued in the open epoch's bucket.
// Each named epoch's deposit converts in full at that epoch's minted price.
func (p *Pool) RequestWithdrawFromEpochs(provider string, depositEpochs []uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	reqEpoch := p.epoch
	shares := decimal.Zero
	for _, e := range depositEpochs {
		dep := p.depositOf[provider][e]
		if !dep.IsPositive() {
			return types.ErrEmptyDepositEpoch
		}
		price, ok := p.sharePrice[e]
		if !ok || !price.IsPositive() {
			return types.ErrEpochNotPriced
		}
		shares = shares.Add(dep.Div(price))
		p.depositOf[provider][e] = decimal.Zero
	}
	if !shares.IsPositive() {
		return types.ErrAmountZero
	}

	b, ok := p.buckets[reqEpoch]
	if !ok {
		b = &WithdrawBucket{}
		p.buckets[reqEpoch] = b
	}
	b.TotalSharesInitial = b.TotalSharesInitial.Add(shares)
	b.SharesRemaining = b.SharesRemaining.Add(shares)

	users, ok := p.userWithdraws[reqEpoch]
	if !ok {
		users = make(map[string]*UserWithdraw)
		p.userWithdraws[reqEpoch] = users
	}
	u, ok := users[provider]
	if !ok {
		u = &UserWithdraw{}
		users[provider] = u
		p.withdrawEpochs[provider] = append(p.withdrawEpochs[provider], reqEpoch)
	}
	u.SharesRequested = u.SharesRequested.Add(shares)

	if !p.hasBuckets {
		p.hasBuckets = true
		p.oldestBucket = reqEpoch
	}
	p.sharesOutstanding = p.sharesOutstanding.Add(shares)
	p.sharesUnfunded = p.sharesUnfunded.Add(shares)

	p.logger.Info().Str("provider", provider).Uint64("epoch", reqEpoch).
		Str("shares", shares.String()).Msg("withdrawal queued")
	return nil
}

// RollEpoch closes the open epoch: settles the provisioning reserve into a
// performance fee, prices shares off pool equity net of the engine's fresh
// unrealized trader PnL, mints queued deposits and reserves free capital
// into a payout tranche for queued withdrawals.
//
// The first roll (epoch 0) is owner-only and skips both the duration gate
// and the valuation feed: with no trades open the unrealized figure is
// forced to zero and shares price at exactly 1.0.
func (p *Pool) RollEpoch(caller string) error {
	// The valuation source calls back into the engine, which takes its own
	// lock; read it before acquiring ours.
	var (
		unrealized   decimal.Decimal
		valuationOK  bool
		valuationAge = ValuationWindow + 1
	)
	if p.valuation != nil {
		if pnl, at, ok := p.valuation.LastCompletedRun(); ok {
			unrealized = pnl
			valuationOK = true
			valuationAge = p.now().Sub(at)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.epoch == 0 {
		if caller != p.owner {
			return types.ErrNotOwner
		}
		unrealized = decimal.Zero
	} else {
		if p.now().Before(p.epochStart.Add(EpochDuration)) {
			return types.ErrEpochNotEnded
		}
		if !valuationOK || valuationAge > ValuationWindow || valuationAge < 0 {
			return types.ErrValuationStale
		}
	}

	if capital := p.totalCapital(); capital.IsPositive() && capital.LessThan(DustThreshold) {
		p.sweepDustLocked()
		return nil
	}

	// Provisioning reserve split, computed first so price validation can
	// fail without mutating anything. Realized PnL here is pool
	// perspective: positive means traders lost on net this epoch.
	perfFee := decimal.Zero
	if p.realized.IsPositive() {
		entitled := p.realized.Mul(decimal.NewFromInt(PerfFeeBps)).Div(decimal.NewFromInt(bpsDenom)).Round(moneyScale)
		perfFee = entitled
		if p.feeReserve.LessThan(entitled) {
			perfFee = p.feeReserve
		}
	}
	reserveToPool := p.feeReserve.Sub(perfFee)

	e := p.epoch
	equity := p.totalCapital().Add(reserveToPool).Sub(unrealized)

	var price decimal.Decimal
	if p.totalShares.IsZero() {
		if !unrealized.IsZero() {
			return types.ErrValuationStale
		}
		if equity.IsNegative() {
			return types.ErrPoolEquity
		}
		price = decimal.NewFromInt(1)
	} else {
		if !equity.IsPositive() {
			return types.ErrPoolEquity
		}
		price = equity.Div(p.totalShares)
		if !price.IsPositive() {
			return types.ErrPoolEquity
		}
	}

	if perfFee.IsPositive() {
		p.creditFree(p.owner, perfFee)
	}
	p.poolFree = p.poolFree.Add(reserveToPool)
	p.feeReserve = decimal.Zero
	p.realized = decimal.Zero

	p.sharePrice[e] = price
	p.equitySnap[e] = equity

	deposits := p.pendingDeposits[e]
	minted := decimal.Zero
	if deposits.IsPositive() {
		minted = deposits.Div(price)
		p.totalShares = p.totalShares.Add(minted)
		p.poolFree = p.poolFree.Add(deposits)
	}

	// Reserve free capital for queued withdrawal shares not yet funded.
	unpaid := p.sharesOutstanding.Sub(p.paidPendingAlloc)
	if unpaid.IsPositive() && p.poolFree.IsPositive() {
		payShares := p.poolFree.Div(price)
		if payShares.GreaterThan(unpaid) {
			payShares = unpaid
		}
		if payShares.GreaterThan(p.sharesUnfunded) {
			payShares = p.sharesUnfunded
		}
		if payShares.IsPositive() {
			usdReserved := payShares.Mul(price).Truncate(moneyScale)
			p.poolFree = p.poolFree.Sub(usdReserved)
			p.totalShares = p.totalShares.Sub(payShares)
			p.sharesUnfunded = p.sharesUnfunded.Sub(payShares)

			pt, ok := p.tranches[e]
			if !ok {
				pt = &PayoutTranche{}
				p.tranches[e] = pt
			}
			pt.SharesRemaining = pt.SharesRemaining.Add(payShares)
			pt.Price = price
			p.paidPendingAlloc = p.paidPendingAlloc.Add(payShares)

			if !p.hasTranches {
				p.hasTranches = true
				p.oldestTranche = e
			}
		}
	}

	if p.sharesUnfunded.IsZero() {
		p.minFreeReserve = decimal.Zero
	} else {
		p.minFreeReserve = p.sharesUnfunded.Mul(price).Truncate(moneyScale)
	}

	p.epoch = e + 1
	p.epochStart = p.now()

	p.logger.Info().Uint64("epoch", e).
		Str("share_price", price.String()).
		Str("equity", equity.String()).
		Str("deposits", deposits.String()).
		Str("shares_minted", minted.String()).
		Msg("epoch rolled")

	if p.db != nil {
		if err := p.db.RecordEpoch(e, price, equity, deposits, minted, perfFee, p.epochStart); err != nil {
			p.logger.Error().Err(err).Uint64("epoch", e).Msg("failed to journal epoch")
		}
	}
	return nil
}

// ProcessWithdrawals runs up to maxSteps of the FIFO sweep matching the
// oldest payout tranche against the oldest withdrawal bucket. Callable
// repeatedly; the backlog drains in bounded increments.
func (p *Pool) ProcessWithdrawals(maxSteps int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if maxSteps <= 0 {
		return types.ErrAmountZero
	}
	if !p.hasTranches || !p.hasBuckets {
		return nil
	}

	steps := 0
	payEpoch := p.oldestTranche
	bucketEpoch := p.oldestBucket

	for steps < maxSteps {
		pt := p.tranches[payEpoch]
		b := p.buckets[bucketEpoch]

		if pt == nil || pt.SharesRemaining.IsZero() {
			payEpoch++
			p.oldestTranche = payEpoch
			if payEpoch >= p.epoch {
				break
			}
			steps++
			continue
		}
		if b == nil || b.SharesRemaining.IsZero() {
			bucketEpoch++
			p.oldestBucket = bucketEpoch
			if bucketEpoch >= p.epoch {
				break
			}
			steps++
			continue
		}

		assign := pt.SharesRemaining
		if assign.GreaterThan(b.SharesRemaining) {
			assign = b.SharesRemaining
		}

		allocated := assign.Mul(pt.Price).Truncate(moneyScale)
		b.USDAllocated = b.USDAllocated.Add(allocated)
		b.SharesRemaining = b.SharesRemaining.Sub(assign)
		pt.SharesRemaining = pt.SharesRemaining.Sub(assign)

		p.paidPendingAlloc = p.paidPendingAlloc.Sub(assign)
		p.sharesOutstanding = p.sharesOutstanding.Sub(assign)
		steps++
	}
	return nil
}

// ClaimWithdraw pays a provider its pro-rata share of a bucket's allocated
// USD, net of anything already withdrawn, crediting the free balance.
func (p *Pool) ClaimWithdraw(provider string, requestEpoch uint64) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.buckets[requestEpoch]
	if !ok || !b.TotalSharesInitial.IsPositive() {
		return decimal.Zero, types.ErrNothingToClaim
	}
	u, ok := p.userWithdraws[requestEpoch][provider]
	if !ok || !u.SharesRequested.IsPositive() {
		return decimal.Zero, types.ErrNothingToClaim
	}

	totalDue := b.USDAllocated.Mul(u.SharesRequested).Div(b.TotalSharesInitial).Truncate(moneyScale)
	if !totalDue.GreaterThan(u.USDWithdrawn) {
		return decimal.Zero, types.ErrNothingToClaim
	}
	pay := totalDue.Sub(u.USDWithdrawn)
	u.USDWithdrawn = totalDue
	p.creditFree(provider, pay)

	p.logger.Info().Str("provider", provider).Uint64("epoch", requestEpoch).
		Str("amount", pay.String()).Msg("withdrawal claimed")
	return pay, nil
}

// SweepDust hard-resets an emptied pool: residual capital and the pending
// fee reserve move to the owner's free balance and share state clears.
// No-op while capital remains above the threshold.
func (p *Pool) SweepDust() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepDustLocked()
}

func (p *Pool) sweepDustLocked() {
	capital := p.totalCapital()
	if capital.IsZero() && p.feeReserve.IsZero() {
		return
	}
	if capital.GreaterThanOrEqual(DustThreshold) {
		return
	}
	swept := capital.Add(p.feeReserve)
	p.creditFree(p.owner, swept)
	p.poolFree = decimal.Zero
	p.poolLocked = decimal.Zero
	p.feeReserve = decimal.Zero
	p.totalShares = decimal.Zero
	p.sharesUnfunded = decimal.Zero
	p.minFreeReserve = decimal.Zero
	p.realized = decimal.Zero

	p.logger.Warn().Str("swept", swept.String()).Msg("pool dust swept, state reset")
}

// --- Provider views ---

// PendingDeposit reports a provider's queued deposit for an epoch.
func (p *Pool) PendingDeposit(provider string, epoch uint64) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.depositOf[provider][epoch]
}

// DepositEpochs lists epochs in which a provider has ever deposited.
func (p *Pool) DepositEpochs(provider string) []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, len(p.depositEpochs[provider]))
	copy(out, p.depositEpochs[provider])
	return out
}

// WithdrawEpochs lists epochs in which a provider has queued withdrawals.
func (p *Pool) WithdrawEpochs(provider string) []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, len(p.withdrawEpochs[provider]))
	copy(out, p.withdrawEpochs[provider])
	return out
}

// Claimable reports what a provider could claim from a bucket right now.
func (p *Pool) Claimable(provider string, requestEpoch uint64) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.buckets[requestEpoch]
	if !ok || !b.TotalSharesInitial.IsPositive() {
		return decimal.Zero
	}
	u, ok := p.userWithdraws[requestEpoch][provider]
	if !ok || !u.SharesRequested.IsPositive() {
		return decimal.Zero
	}
	totalDue := b.USDAllocated.Mul(u.SharesRequested).Div(b.TotalSharesInitial).Truncate(moneyScale)
	if !totalDue.GreaterThan(u.USDWithdrawn) {
		return decimal.Zero
	}
	return totalDue.Sub(u.USDWithdrawn)
}

// WithdrawStatus reports a bucket's aggregate fill state.
func (p *Pool) WithdrawStatus(requestEpoch uint64) (WithdrawBucket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[requestEpoch]
	if !ok {
		return WithdrawBucket{}, types.ErrNothingToClaim
	}
	return *b, nil
}
