package positions

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/margin-engine/internal/market"
	"github.com/ksred/margin-engine/internal/types"
)

// moneyScale is the decimal precision money amounts are settled at.
const moneyScale int32 = 6

// PlaceOrder books a pending limit or stop-entry order priced at the target,
// locking the trader's margin and commission in the pool.
func (e *Engine) PlaceOrder(trader string, assetID uint32, isLong, isLimit bool, leverage uint8, lots int64, targetPrice, stopLoss, takeProfit decimal.Decimal) (Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.ledger.Asset(assetID)
	if err != nil {
		return Trade{}, err
	}
	if !a.AllowOpen {
		return Trade{}, types.ErrCloseOnly
	}
	if lots <= 0 {
		return Trade{}, types.ErrBadSize
	}
	if err := ValidateLeverage(a, leverage); err != nil {
		return Trade{}, err
	}
	if err := ValidateStops(targetPrice, isLong, stopLoss, takeProfit); err != nil {
		return Trade{}, err
	}

	margin := Margin(a, targetPrice, lots, leverage).Round(moneyScale)
	locked := LockedCapital(a, targetPrice, lots, leverage).Round(moneyScale)
	commission := Commission(a, margin).Round(moneyScale)

	e.nextTradeID++
	id := e.nextTradeID
	if err := e.vault.CreateOrder(id, trader, margin, commission, locked); err != nil {
		return Trade{}, err
	}

	t := &Trade{
		ID:            id,
		Trader:        trader,
		AssetID:       assetID,
		IsLong:        isLong,
		IsLimit:       isLimit,
		Leverage:      leverage,
		OpenPrice:     targetPrice,
		State:         StatePending,
		OpenedAt:      e.now(),
		LotSize:       lots,
		StopLoss:      stopLoss,
		TakeProfit:    takeProfit,
		LockedCapital: locked,
		Margin:        margin,
	}
	e.trades[id] = t

	e.logger.Info().Uint64("trade_id", id).Str("trader", trader).Uint32("asset_id", assetID).
		Bool("is_long", isLong).Bool("is_limit", isLimit).Int64("lots", lots).
		Str("target", targetPrice.String()).Msg("order placed")
	e.journal("PLACED", t, targetPrice, lots, decimal.Zero)
	return *t, nil
}

// OpenMarketPosition opens a position immediately at the spread-adjusted
// verified price.
func (e *Engine) OpenMarketPosition(trader string, assetID uint32, isLong bool, leverage uint8, lots int64, stopLoss, takeProfit decimal.Decimal, proof []byte) (Trade, error) {
	snap, err := e.verifyProof(proof)
	if err != nil {
		return Trade{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.ledger.Asset(assetID)
	if err != nil {
		return Trade{}, err
	}
	if !a.AllowOpen {
		return Trade{}, types.ErrCloseOnly
	}
	if lots <= 0 {
		return Trade{}, types.ErrBadSize
	}
	if err := ValidateLeverage(a, leverage); err != nil {
		return Trade{}, err
	}

	now := e.now()
	e.ledger.TouchFunding(assetID, now)

	price, err := e.verifiedPrice(snap, a, now)
	if err != nil {
		return Trade{}, err
	}

	spread := e.ledger.SpreadMultiplier(assetID, isLong, true, lots)
	spreadAmount := price.Mul(spread)
	var entry decimal.Decimal
	if isLong {
		entry = price.Add(spreadAmount)
	} else {
		entry = price.Sub(spreadAmount)
	}
	entry = entry.Truncate(moneyScale)

	if err := ValidateStops(entry, isLong, stopLoss, takeProfit); err != nil {
		return Trade{}, err
	}

	margin := Margin(a, entry, lots, leverage).Round(moneyScale)
	locked := LockedCapital(a, entry, lots, leverage).Round(moneyScale)
	commission := Commission(a, margin).Round(moneyScale)

	if err := e.ledger.ApplyExposure(assetID, lots, entry, isLong, true); err != nil {
		return Trade{}, err
	}
	e.ledger.ApplyLimits(assetID, locked, margin, isLong, true)

	e.nextTradeID++
	id := e.nextTradeID
	if err := e.vault.CreatePosition(id, trader, margin, commission, locked); err != nil {
		e.ledger.ApplyExposure(assetID, lots, entry, isLong, false)
		e.ledger.ApplyLimits(assetID, locked, margin, isLong, false)
		return Trade{}, err
	}

	f := e.ledger.Funding(assetID)
	t := &Trade{
		ID:            id,
		Trader:        trader,
		AssetID:       assetID,
		IsLong:        isLong,
		Leverage:      leverage,
		OpenPrice:     entry,
		State:         StateOpen,
		OpenedAt:      now,
		FundingIndex:  sideIndexOf(isLong, f),
		LotSize:       lots,
		StopLoss:      stopLoss,
		TakeProfit:    takeProfit,
		LockedCapital: locked,
		Margin:        margin,
	}
	e.trades[id] = t

	e.logger.Info().Uint64("trade_id", id).Str("trader", trader).Uint32("asset_id", assetID).
		Bool("is_long", isLong).Int64("lots", lots).Str("entry", entry.String()).
		Str("margin", margin.String()).Msg("market position opened")
	e.journal("OPENED", t, entry, lots, decimal.Zero)
	return *t, nil
}

// ExecuteOrder fills a pending order once the verified price satisfies its
// trigger. Callable by anyone; the relay typically drives it.
func (e *Engine) ExecuteOrder(tradeID uint64, proof []byte) (Trade, error) {
	snap, err := e.verifyProof(proof)
	if err != nil {
		return Trade{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.trades[tradeID]
	if !ok {
		return Trade{}, types.ErrTradeNotFound
	}
	if t.State != StatePending {
		return Trade{}, types.ErrNotPending
	}
	a, err := e.ledger.Asset(t.AssetID)
	if err != nil {
		return Trade{}, err
	}
	if !a.AllowOpen {
		return Trade{}, types.ErrCloseOnly
	}

	now := e.now()
	e.ledger.TouchFunding(t.AssetID, now)

	price, err := e.verifiedPrice(snap, a, now)
	if err != nil {
		return Trade{}, err
	}

	var executable bool
	if t.IsLimit {
		// Limit fills at the target or better.
		executable = (t.IsLong && price.LessThanOrEqual(t.OpenPrice)) ||
			(!t.IsLong && price.GreaterThanOrEqual(t.OpenPrice))
	} else {
		// Stop entry fills once price crosses the target.
		executable = (t.IsLong && price.GreaterThanOrEqual(t.OpenPrice)) ||
			(!t.IsLong && price.LessThanOrEqual(t.OpenPrice))
	}
	if !executable {
		return Trade{}, types.ErrTriggerNotMet
	}

	spread := e.ledger.SpreadMultiplier(t.AssetID, t.IsLong, true, t.LotSize)
	spreadAmount := price.Mul(spread)
	var execPrice decimal.Decimal
	if t.IsLong {
		execPrice = price.Add(spreadAmount)
	} else {
		execPrice = price.Sub(spreadAmount)
	}
	execPrice = execPrice.Truncate(moneyScale)

	if err := e.ledger.ApplyExposure(t.AssetID, t.LotSize, execPrice, t.IsLong, true); err != nil {
		return Trade{}, err
	}
	e.ledger.ApplyLimits(t.AssetID, t.LockedCapital, t.Margin, t.IsLong, true)

	if err := e.vault.ExecuteOrder(tradeID); err != nil {
		e.ledger.ApplyExposure(t.AssetID, t.LotSize, execPrice, t.IsLong, false)
		e.ledger.ApplyLimits(t.AssetID, t.LockedCapital, t.Margin, t.IsLong, false)
		return Trade{}, err
	}

	f := e.ledger.Funding(t.AssetID)
	t.OpenPrice = execPrice
	t.State = StateOpen
	t.OpenedAt = now
	t.FundingIndex = sideIndexOf(t.IsLong, f)

	e.logger.Info().Uint64("trade_id", tradeID).Str("exec_price", execPrice.String()).Msg("pending order executed")
	e.journal("EXECUTED", t, execPrice, t.LotSize, decimal.Zero)
	return *t, nil
}

// ClosePositionMarket closes lots of the trader's open position at the
// verified market price. lots == 0 closes everything; requests above the
// remaining size are clamped to it.
func (e *Engine) ClosePositionMarket(trader string, tradeID uint64, lots int64, proof []byte) (CloseResult, error) {
	snap, err := e.verifyProof(proof)
	if err != nil {
		return CloseResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.trades[tradeID]
	if !ok {
		return CloseResult{}, types.ErrTradeNotFound
	}
	if t.Trader != trader {
		return CloseResult{}, types.ErrTraderMismatch
	}
	if t.State != StateOpen {
		return CloseResult{}, types.ErrNotOpen
	}
	a, err := e.ledger.Asset(t.AssetID)
	if err != nil {
		return CloseResult{}, err
	}

	now := e.now()
	e.ledger.TouchFunding(t.AssetID, now)

	remaining := t.RemainingLots()
	if lots <= 0 || lots > remaining {
		lots = remaining
	}

	price, err := e.verifiedPrice(snap, a, now)
	if err != nil {
		return CloseResult{}, err
	}
	return e.finalizeClose(t, a, price, lots, now, "CLOSED")
}

// ExecuteStopOrTakeProfit closes an open position whose stop-loss or
// take-profit has triggered at the verified price. Callable by anyone.
func (e *Engine) ExecuteStopOrTakeProfit(tradeID uint64, proof []byte) (CloseResult, error) {
	snap, err := e.verifyProof(proof)
	if err != nil {
		return CloseResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.trades[tradeID]
	if !ok {
		return CloseResult{}, types.ErrTradeNotFound
	}
	if t.State != StateOpen {
		return CloseResult{}, types.ErrNotOpen
	}
	a, err := e.ledger.Asset(t.AssetID)
	if err != nil {
		return CloseResult{}, err
	}

	now := e.now()
	e.ledger.TouchFunding(t.AssetID, now)

	price, err := e.verifiedPrice(snap, a, now)
	if err != nil {
		return CloseResult{}, err
	}

	triggered := false
	if !t.StopLoss.IsZero() {
		if t.IsLong && price.LessThanOrEqual(t.StopLoss) {
			triggered = true
		}
		if !t.IsLong && price.GreaterThanOrEqual(t.StopLoss) {
			triggered = true
		}
	}
	if !triggered && !t.TakeProfit.IsZero() {
		if t.IsLong && price.GreaterThanOrEqual(t.TakeProfit) {
			triggered = true
		}
		if !t.IsLong && price.LessThanOrEqual(t.TakeProfit) {
			triggered = true
		}
	}
	if !triggered {
		return CloseResult{}, types.ErrNotTriggered
	}

	return e.finalizeClose(t, a, price, t.RemainingLots(), now, "CLOSED")
}

// UpdateStops replaces the stop-loss and take-profit levels on a pending or
// open trade.
func (e *Engine) UpdateStops(trader string, tradeID uint64, stopLoss, takeProfit decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.trades[tradeID]
	if !ok {
		return types.ErrTradeNotFound
	}
	if t.Trader != trader {
		return types.ErrTraderMismatch
	}
	if t.State > StateOpen {
		return types.ErrTradeClosed
	}
	if err := ValidateStops(t.OpenPrice, t.IsLong, stopLoss, takeProfit); err != nil {
		return err
	}
	t.StopLoss = stopLoss
	t.TakeProfit = takeProfit
	e.journal("STOPS_UPDATED", t, t.OpenPrice, 0, decimal.Zero)
	return nil
}

// CancelOrder cancels the trader's still-pending order and releases its
// locked funds.
func (e *Engine) CancelOrder(trader string, tradeID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.trades[tradeID]
	if !ok {
		return types.ErrTradeNotFound
	}
	if t.Trader != trader {
		return types.ErrTraderMismatch
	}
	if t.State != StatePending {
		return types.ErrNotPending
	}
	if err := e.vault.CancelOrder(tradeID); err != nil {
		return err
	}
	t.State = StateCancelled

	e.logger.Info().Uint64("trade_id", tradeID).Msg("pending order cancelled")
	e.journal("CANCELLED", t, t.OpenPrice, 0, decimal.Zero)
	return nil
}

// AddMargin moves more of the trader's free balance into the trade's
// margin, improving its liquidation price.
func (e *Engine) AddMargin(trader string, tradeID uint64, amount decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !amount.IsPositive() {
		return types.ErrAmountZero
	}
	t, ok := e.trades[tradeID]
	if !ok {
		return types.ErrTradeNotFound
	}
	if t.Trader != trader {
		return types.ErrTraderMismatch
	}
	if t.State > StateOpen {
		return types.ErrTradeClosed
	}

	amount = amount.Round(moneyScale)
	if err := e.vault.AddMargin(tradeID, amount); err != nil {
		return err
	}
	t.Margin = t.Margin.Add(amount)
	if t.State == StateOpen {
		e.ledger.ApplyLimits(t.AssetID, decimal.Zero, amount, t.IsLong, true)
	}

	e.logger.Info().Uint64("trade_id", tradeID).Str("amount", amount.String()).Msg("margin added")
	e.journal("MARGIN_ADDED", t, t.OpenPrice, 0, decimal.Zero)
	return nil
}

// LiquidatePosition closes a position whose verified price has crossed its
// liquidation price, seizing the full remaining margin. Callable by anyone.
func (e *Engine) LiquidatePosition(tradeID uint64, proof []byte) (CloseResult, error) {
	snap, err := e.verifyProof(proof)
	if err != nil {
		return CloseResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.trades[tradeID]
	if !ok {
		return CloseResult{}, types.ErrTradeNotFound
	}
	if t.State != StateOpen {
		return CloseResult{}, types.ErrNotOpen
	}
	a, err := e.ledger.Asset(t.AssetID)
	if err != nil {
		return CloseResult{}, err
	}

	now := e.now()
	e.ledger.TouchFunding(t.AssetID, now)

	price, err := e.verifiedPrice(snap, a, now)
	if err != nil {
		return CloseResult{}, err
	}

	f := e.ledger.Funding(t.AssetID)
	exitSpread := e.ledger.SpreadMultiplier(t.AssetID, !t.IsLong, false, t.RemainingLots())
	liqPrice := LiquidationPrice(t, a, f, exitSpread, now)

	crossed := (t.IsLong && price.LessThanOrEqual(liqPrice)) ||
		(!t.IsLong && price.GreaterThanOrEqual(liqPrice))
	if !crossed {
		return CloseResult{}, types.ErrNotLiquidatable
	}

	if err := e.vault.Liquidate(tradeID); err != nil {
		return CloseResult{}, err
	}

	remaining := t.RemainingLots()
	e.ledger.ApplyExposure(t.AssetID, remaining, t.OpenPrice, t.IsLong, false)
	e.ledger.ApplyLimits(t.AssetID, t.LockedCapital, t.Margin, t.IsLong, false)

	// Record the exit at the spread the post-release book implies.
	postSpread := e.ledger.SpreadMultiplier(t.AssetID, !t.IsLong, false, remaining)
	spreadAmount := price.Mul(postSpread)
	var exitPrice decimal.Decimal
	if t.IsLong {
		exitPrice = price.Sub(spreadAmount)
		if exitPrice.IsNegative() {
			exitPrice = decimal.Zero
		}
	} else {
		exitPrice = price.Add(spreadAmount)
	}
	exitPrice = exitPrice.Truncate(moneyScale)

	seized := t.Margin
	t.State = StateClosed
	t.ClosePrice = exitPrice
	t.ClosedLots = t.LotSize

	e.logger.Info().Uint64("trade_id", tradeID).Str("liq_price", liqPrice.String()).
		Str("exit_price", exitPrice.String()).Msg("position liquidated")
	e.journal("LIQUIDATED", t, exitPrice, remaining, seized.Neg())
	return CloseResult{
		TradeID:    tradeID,
		LotsClosed: remaining,
		ExitPrice:  exitPrice,
		NetPnl:     seized.Neg(),
		FullClose:  true,
	}, nil
}

// LiquidateProfit force-closes a position whose unrealized profit exceeds
// its pool-locked capital, so claims can never outgrow what the pool
// reserved. Callable by anyone.
func (e *Engine) LiquidateProfit(tradeID uint64, proof []byte) (CloseResult, error) {
	snap, err := e.verifyProof(proof)
	if err != nil {
		return CloseResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.trades[tradeID]
	if !ok {
		return CloseResult{}, types.ErrTradeNotFound
	}
	if t.State != StateOpen {
		return CloseResult{}, types.ErrNotOpen
	}
	a, err := e.ledger.Asset(t.AssetID)
	if err != nil {
		return CloseResult{}, err
	}

	now := e.now()
	e.ledger.TouchFunding(t.AssetID, now)

	price, err := e.verifiedPrice(snap, a, now)
	if err != nil {
		return CloseResult{}, err
	}

	remaining := t.RemainingLots()
	f := e.ledger.Funding(t.AssetID)
	exitSpread := e.ledger.SpreadMultiplier(t.AssetID, !t.IsLong, false, remaining)
	netPnl, _ := NetPnl(t, a, f, exitSpread, price, remaining, now)
	if !netPnl.IsPositive() || netPnl.LessThanOrEqual(t.LockedCapital) {
		return CloseResult{}, types.ErrProfitUnderCap
	}

	return e.finalizeClose(t, a, price, remaining, now, "CLOSED")
}

// finalizeClose settles lotsToClose of an open trade at the verified price:
// proportional margin/lock release (the final slice releases the exact
// remainder), spread-adjusted PnL, exposure release and the pool settlement
// call. Caller holds the write lock and has touched funding.
func (e *Engine) finalizeClose(t *Trade, a *market.Asset, price decimal.Decimal, lotsToClose int64, now time.Time, kind string) (CloseResult, error) {
	remaining := t.RemainingLots()
	if lotsToClose > remaining {
		return CloseResult{}, types.ErrCloseTooLarge
	}

	var marginRelease, lockedRelease decimal.Decimal
	fullClose := lotsToClose == remaining
	if fullClose {
		marginRelease = t.Margin
		lockedRelease = t.LockedCapital
	} else {
		ratio := decimal.NewFromInt(lotsToClose).Div(decimal.NewFromInt(remaining))
		marginRelease = t.Margin.Mul(ratio).Round(moneyScale)
		lockedRelease = t.LockedCapital.Mul(ratio).Round(moneyScale)
	}

	f := e.ledger.Funding(t.AssetID)
	exitSpread := e.ledger.SpreadMultiplier(t.AssetID, !t.IsLong, false, lotsToClose)
	netPnl, exitPrice := NetPnl(t, a, f, exitSpread, price, lotsToClose, now)
	netPnl = netPnl.Round(moneyScale)

	if err := e.vault.CloseTrade(t.ID, netPnl, marginRelease, lockedRelease, fullClose); err != nil {
		return CloseResult{}, err
	}

	e.ledger.ApplyExposure(t.AssetID, lotsToClose, t.OpenPrice, t.IsLong, false)
	e.ledger.ApplyLimits(t.AssetID, lockedRelease, marginRelease, t.IsLong, false)

	prevClosed := t.ClosedLots
	if prevClosed+lotsToClose > 0 {
		weighted := t.ClosePrice.Mul(decimal.NewFromInt(prevClosed)).
			Add(exitPrice.Mul(decimal.NewFromInt(lotsToClose)))
		t.ClosePrice = weighted.Div(decimal.NewFromInt(prevClosed + lotsToClose)).Truncate(moneyScale)
	}

	t.ClosedLots += lotsToClose
	t.Margin = t.Margin.Sub(marginRelease)
	t.LockedCapital = t.LockedCapital.Sub(lockedRelease)
	if fullClose {
		t.State = StateClosed
	}

	e.logger.Info().Uint64("trade_id", t.ID).Int64("lots", lotsToClose).Bool("full_close", fullClose).
		Str("exit_price", exitPrice.String()).Str("net_pnl", netPnl.String()).Msg("position closed")
	e.journal(kind, t, exitPrice, lotsToClose, netPnl)
	return CloseResult{
		TradeID:    t.ID,
		LotsClosed: lotsToClose,
		ExitPrice:  exitPrice,
		NetPnl:     netPnl,
		FullClose:  fullClose,
	}, nil
}

func sideIndexOf(isLong bool, f market.FundingState) decimal.Decimal {
	if isLong {
		return f.LongIndex
	}
	return f.ShortIndex
}
