// Package pool implements the capital pool: trader balances, pooled
// capital underwriting trader profits, the per-trade settlement mirror, and
// the epoch share-accounting machinery. Settlement entry points are invoked
// only by the position engine; providers and traders reach the rest through
// the HTTP surface.
package pool

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/margin-engine/internal/types"
)

const (
	// EpochDuration is how long an epoch stays open before it may roll.
	EpochDuration = 24 * time.Hour

	// ValuationWindow bounds how stale the engine's completed PnL run may
	// be at roll time.
	ValuationWindow = 2 * time.Minute

	DefaultProvisionBps = 1500
	MaxProvisionBps     = 2000

	// PerfFeeBps caps the performance fee at 20% of net realized epoch
	// profit.
	PerfFeeBps = 2000

	// CommissionOwnerBps is the owner's share of every opening commission.
	CommissionOwnerBps = 3000

	bpsDenom = 10000

	moneyScale int32 = 6
)

// DustThreshold is the total-capital floor under which the pool hard-resets.
var DustThreshold = decimal.NewFromInt(5)

// ValuationSource supplies the last completed aggregate unrealized trader
// PnL, as produced by the engine's valuation runs.
type ValuationSource interface {
	LastCompletedRun() (pnl decimal.Decimal, completedAt time.Time, ok bool)
}

// Pool is the capital pool state machine. All money amounts are kept at 6
// decimal places; share quantities keep full precision.
type Pool struct {
	mu    sync.Mutex
	owner string

	provisionBps int64

	freeBalance   map[string]decimal.Decimal
	lockedBalance map[string]decimal.Decimal

	poolFree   decimal.Decimal
	poolLocked decimal.Decimal

	// realized is the pool's net realized PnL for the open epoch (positive
	// when traders lost), settled against the fee reserve at roll time.
	realized   decimal.Decimal
	feeReserve decimal.Decimal

	trades map[uint64]*PoolTrade

	epoch      uint64
	epochStart time.Time

	sharePrice  map[uint64]decimal.Decimal
	equitySnap  map[uint64]decimal.Decimal
	totalShares decimal.Decimal

	pendingDeposits map[uint64]decimal.Decimal
	depositOf       map[string]map[uint64]decimal.Decimal
	depositEpochs   map[string][]uint64

	buckets        map[uint64]*WithdrawBucket
	userWithdraws  map[uint64]map[string]*UserWithdraw
	withdrawEpochs map[string][]uint64

	oldestBucket uint64
	hasBuckets   bool

	tranches      map[uint64]*PayoutTranche
	oldestTranche uint64
	hasTranches   bool

	sharesOutstanding decimal.Decimal
	paidPendingAlloc  decimal.Decimal
	sharesUnfunded    decimal.Decimal
	minFreeReserve    decimal.Decimal

	valuation ValuationSource
	db        *Database
	logger    zerolog.Logger
	now       func() time.Time
}

// NewPool creates a pool controlled by owner. gormDB may be nil to disable
// the audit journal.
func NewPool(owner string, gormDB *gorm.DB) *Pool {
	p := &Pool{
		owner:           owner,
		provisionBps:    DefaultProvisionBps,
		freeBalance:     make(map[string]decimal.Decimal),
		lockedBalance:   make(map[string]decimal.Decimal),
		trades:          make(map[uint64]*PoolTrade),
		sharePrice:      make(map[uint64]decimal.Decimal),
		equitySnap:      make(map[uint64]decimal.Decimal),
		pendingDeposits: make(map[uint64]decimal.Decimal),
		depositOf:       make(map[string]map[uint64]decimal.Decimal),
		depositEpochs:   make(map[string][]uint64),
		buckets:         make(map[uint64]*WithdrawBucket),
		userWithdraws:   make(map[uint64]map[string]*UserWithdraw),
		withdrawEpochs:  make(map[string][]uint64),
		tranches:        make(map[uint64]*PayoutTranche),
		logger:          log.With().Str("service", "pool").Logger(),
		now:             time.Now,
	}
	p.epochStart = p.now()
	if gormDB != nil {
		p.db = NewDatabase(gormDB)
	}
	return p
}

// BindValuation wires the engine's valuation feed in after construction
// (the pool and engine reference each other).
func (p *Pool) BindValuation(src ValuationSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.valuation = src
}

// SetProvision adjusts the provisioning fraction, capped at 20%.
func (p *Pool) SetProvision(caller string, bps int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.owner {
		return types.ErrNotOwner
	}
	if bps < 0 || bps > MaxProvisionBps {
		return types.ErrAmountZero
	}
	p.provisionBps = bps
	return nil
}

// SetOwner transfers pool control.
func (p *Pool) SetOwner(caller, newOwner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.owner {
		return types.ErrNotOwner
	}
	p.owner = newOwner
	return nil
}

func (p *Pool) free(account string) decimal.Decimal {
	return p.freeBalance[account]
}

func (p *Pool) locked(account string) decimal.Decimal {
	return p.lockedBalance[account]
}

func (p *Pool) creditFree(account string, amount decimal.Decimal) {
	p.freeBalance[account] = p.freeBalance[account].Add(amount)
}

// --- Trader cash ---

// TraderDeposit credits cash to a trader's free balance. Custody of the
// underlying funds is external; the pool only keeps the ledger.
func (p *Pool) TraderDeposit(trader string, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !amount.IsPositive() {
		return types.ErrAmountZero
	}
	p.creditFree(trader, amount.Round(moneyScale))
	p.logger.Info().Str("trader", trader).Str("amount", amount.String()).Msg("trader deposit")
	return nil
}

// TraderWithdraw debits a trader's free balance.
func (p *Pool) TraderWithdraw(trader string, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !amount.IsPositive() {
		return types.ErrAmountZero
	}
	amount = amount.Round(moneyScale)
	if p.free(trader).LessThan(amount) {
		return types.ErrInsufficientFree
	}
	p.freeBalance[trader] = p.free(trader).Sub(amount)
	p.logger.Info().Str("trader", trader).Str("amount", amount.String()).Msg("trader withdrawal")
	return nil
}

// --- Internal fund movements ---

func (p *Pool) lockTrader(trader string, amount decimal.Decimal) error {
	if p.free(trader).LessThan(amount) {
		return types.ErrInsufficientFree
	}
	p.freeBalance[trader] = p.free(trader).Sub(amount)
	p.lockedBalance[trader] = p.locked(trader).Add(amount)
	return nil
}

func (p *Pool) unlockTrader(trader string, amount decimal.Decimal) error {
	if p.locked(trader).LessThan(amount) {
		return types.ErrInsufficientLocked
	}
	p.lockedBalance[trader] = p.locked(trader).Sub(amount)
	p.freeBalance[trader] = p.free(trader).Add(amount)
	return nil
}

// poolLock reserves pool capital behind a trade, refusing to dip into the
// slice held back for unfunded withdrawal shares.
func (p *Pool) poolLock(amount decimal.Decimal) error {
	if p.poolFree.LessThan(p.minFreeReserve.Add(amount)) {
		return types.ErrPoolReserved
	}
	p.poolFree = p.poolFree.Sub(amount)
	p.poolLocked = p.poolLocked.Add(amount)
	return nil
}

func (p *Pool) poolUnlock(amount decimal.Decimal) error {
	if p.poolLocked.LessThan(amount) {
		return types.ErrInsufficientLocked
	}
	p.poolLocked = p.poolLocked.Sub(amount)
	p.poolFree = p.poolFree.Add(amount)
	return nil
}

// collectCommission takes the opening commission out of the trader's locked
// funds and splits it between the owner and pool capital.
func (p *Pool) collectCommission(trader string, commission decimal.Decimal) error {
	if p.locked(trader).LessThan(commission) {
		return types.ErrInsufficientLocked
	}
	p.lockedBalance[trader] = p.locked(trader).Sub(commission)

	ownerCut := commission.Mul(decimal.NewFromInt(CommissionOwnerBps)).Div(decimal.NewFromInt(bpsDenom)).Round(moneyScale)
	poolCut := commission.Sub(ownerCut)
	if ownerCut.IsPositive() {
		p.creditFree(p.owner, ownerCut)
	}
	if poolCut.IsPositive() {
		p.poolFree = p.poolFree.Add(poolCut)
	}
	return nil
}

// unlockAndSettle returns the released margin to the trader adjusted by the
// capped PnL. Trader losses are split between the provisioning reserve and
// pool capital; trader profits are paid out of free pool capital.
func (p *Pool) unlockAndSettle(trader string, marginRelease, pnl decimal.Decimal) error {
	if p.locked(trader).LessThan(marginRelease) {
		return types.ErrInsufficientLocked
	}

	if pnl.Sign() >= 0 {
		if p.poolFree.LessThan(pnl) {
			return types.ErrPoolInsolvent
		}
		p.lockedBalance[trader] = p.locked(trader).Sub(marginRelease)
		p.creditFree(trader, marginRelease.Add(pnl))
		p.poolFree = p.poolFree.Sub(pnl)
		return nil
	}

	loss := pnl.Neg()
	if loss.GreaterThan(marginRelease) {
		loss = marginRelease
	}
	p.lockedBalance[trader] = p.locked(trader).Sub(marginRelease)
	p.creditFree(trader, marginRelease.Sub(loss))

	provision := loss.Mul(decimal.NewFromInt(p.provisionBps)).Div(decimal.NewFromInt(bpsDenom)).Round(moneyScale)
	p.feeReserve = p.feeReserve.Add(provision)
	p.poolFree = p.poolFree.Add(loss.Sub(provision))
	return nil
}

// --- Settlement entry points (engine only) ---

// CreateOrder mirrors a pending order, locking the trader's margin and
// commission.
func (p *Pool) CreateOrder(tradeID uint64, trader string, margin, commission, locked decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.trades[tradeID]; exists {
		return types.ErrTradeExists
	}
	if !margin.IsPositive() || !locked.IsPositive() {
		return types.ErrAmountZero
	}
	if err := p.lockTrader(trader, margin.Add(commission)); err != nil {
		return err
	}
	p.trades[tradeID] = &PoolTrade{
		ID: tradeID, Owner: trader,
		Margin: margin, Commission: commission, Locked: locked,
		State: StatePending,
	}
	return nil
}

// ExecuteOrder opens a mirrored pending order: pool capital is locked and
// the commission collected.
func (p *Pool) ExecuteOrder(tradeID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.trades[tradeID]
	if !ok {
		return types.ErrTradeNotFound
	}
	if t.State != StatePending {
		return types.ErrNotPending
	}
	if err := p.poolLock(t.Locked); err != nil {
		return err
	}
	if err := p.collectCommission(t.Owner, t.Commission); err != nil {
		// Cannot happen while the order's funds stay locked; restore the
		// pool lock for symmetry.
		_ = p.poolUnlock(t.Locked)
		return err
	}
	t.State = StateOpen
	return nil
}

// CancelOrder releases a mirrored pending order's locked funds.
func (p *Pool) CancelOrder(tradeID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.trades[tradeID]
	if !ok {
		return types.ErrTradeNotFound
	}
	if t.State != StatePending {
		return types.ErrNotPending
	}
	if err := p.unlockTrader(t.Owner, t.Margin.Add(t.Commission)); err != nil {
		return err
	}
	t.State = StateCancelled
	return nil
}

// CreatePosition mirrors a direct market open: lock trader funds, lock pool
// capital and collect the commission in one step.
func (p *Pool) CreatePosition(tradeID uint64, trader string, margin, commission, locked decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.trades[tradeID]; exists {
		return types.ErrTradeExists
	}
	if !margin.IsPositive() || !locked.IsPositive() {
		return types.ErrAmountZero
	}
	if err := p.lockTrader(trader, margin.Add(commission)); err != nil {
		return err
	}
	if err := p.poolLock(locked); err != nil {
		_ = p.unlockTrader(trader, margin.Add(commission))
		return err
	}
	if err := p.collectCommission(trader, commission); err != nil {
		_ = p.poolUnlock(locked)
		_ = p.unlockTrader(trader, margin.Add(commission))
		return err
	}
	p.trades[tradeID] = &PoolTrade{
		ID: tradeID, Owner: trader,
		Margin: margin, Commission: commission, Locked: locked,
		State: StateOpen,
	}
	return nil
}

// CloseTrade settles a partial or full close. The engine's PnL is re-capped
// locally against the released amounts before any funds move: profit cannot
// exceed the released pool lock, loss cannot exceed the released margin.
// The caller-asserted fullClose flag is the source of truth for the state
// transition.
func (p *Pool) CloseTrade(tradeID uint64, pnl, marginRelease, lockedRelease decimal.Decimal, fullClose bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.trades[tradeID]
	if !ok {
		return types.ErrTradeNotFound
	}
	if t.State != StateOpen {
		return types.ErrNotOpen
	}
	if t.Margin.LessThan(marginRelease) || t.Locked.LessThan(lockedRelease) {
		return types.ErrCloseTooLarge
	}

	actual := pnl
	if pnl.IsPositive() && pnl.GreaterThan(lockedRelease) {
		actual = lockedRelease
	} else if pnl.IsNegative() && pnl.Neg().GreaterThan(marginRelease) {
		actual = marginRelease.Neg()
	}

	// Validate the payout before mutating anything.
	if actual.Sign() >= 0 && p.poolLocked.Add(p.poolFree).LessThan(actual) {
		return types.ErrPoolInsolvent
	}
	if err := p.poolUnlock(lockedRelease); err != nil {
		return err
	}
	if err := p.unlockAndSettle(t.Owner, marginRelease, actual); err != nil {
		// Restore the pool lock; trader funds were not touched.
		_ = p.poolLock(lockedRelease)
		return err
	}

	t.Margin = t.Margin.Sub(marginRelease)
	t.Locked = t.Locked.Sub(lockedRelease)
	if fullClose {
		t.State = StateClosed
	}

	p.realized = p.realized.Sub(actual)
	p.journalSettlement("CLOSE", t, actual, marginRelease, lockedRelease)
	return nil
}

// Liquidate seizes the full remaining margin: the trader's loss is total
// and the pool's lock is released.
func (p *Pool) Liquidate(tradeID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.trades[tradeID]
	if !ok {
		return types.ErrTradeNotFound
	}
	if t.State != StateOpen {
		return types.ErrNotOpen
	}
	released := t.Locked
	if err := p.poolUnlock(released); err != nil {
		return err
	}
	seized := t.Margin
	if err := p.unlockAndSettle(t.Owner, seized, seized.Neg()); err != nil {
		_ = p.poolLock(released)
		return err
	}

	t.Margin = decimal.Zero
	t.Locked = decimal.Zero
	t.State = StateClosed

	p.realized = p.realized.Add(seized)
	p.journalSettlement("LIQUIDATION", t, seized.Neg(), seized, released)
	return nil
}

// AddMargin moves free trader balance into the mirrored trade's margin.
func (p *Pool) AddMargin(tradeID uint64, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !amount.IsPositive() {
		return types.ErrAmountZero
	}
	t, ok := p.trades[tradeID]
	if !ok {
		return types.ErrTradeNotFound
	}
	if t.State != StatePending && t.State != StateOpen {
		return types.ErrTradeClosed
	}
	if err := p.lockTrader(t.Owner, amount); err != nil {
		return err
	}
	t.Margin = t.Margin.Add(amount)
	return nil
}

// --- Views ---

// TraderBalance reports an account's free and locked cash.
func (p *Pool) TraderBalance(account string) (free, locked decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free(account), p.locked(account)
}

// Capital reports pool free and locked capital.
func (p *Pool) Capital() (free, locked decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.poolFree, p.poolLocked
}

// Trade returns a copy of the mirrored trade.
func (p *Pool) Trade(tradeID uint64) (PoolTrade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.trades[tradeID]
	if !ok {
		return PoolTrade{}, types.ErrTradeNotFound
	}
	return *t, nil
}

// Epoch reports the open epoch number and its start time.
func (p *Pool) Epoch() (uint64, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch, p.epochStart
}

// TotalShares reports outstanding pool shares.
func (p *Pool) TotalShares() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalShares
}

// SharePrice reports the minted price for a closed epoch.
func (p *Pool) SharePrice(epoch uint64) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.sharePrice[epoch]
	if !ok {
		return decimal.Zero, types.ErrEpochNotPriced
	}
	return price, nil
}

// Settlements returns the persisted settlement journal for one trade.
// Empty when the pool runs without a database.
func (p *Pool) Settlements(tradeID uint64) ([]SettlementRecord, error) {
	if p.db == nil {
		return nil, nil
	}
	return p.db.SettlementsForTrade(tradeID)
}

// EpochHistory returns every recorded epoch roll, oldest first. Empty when
// the pool runs without a database.
func (p *Pool) EpochHistory() ([]EpochRecord, error) {
	if p.db == nil {
		return nil, nil
	}
	return p.db.Epochs()
}

func (p *Pool) totalCapital() decimal.Decimal {
	return p.poolFree.Add(p.poolLocked)
}

func (p *Pool) journalSettlement(kind string, t *PoolTrade, pnl, marginRelease, lockedRelease decimal.Decimal) {
	if p.db == nil {
		return
	}
	if err := p.db.RecordSettlement(kind, t, pnl, marginRelease, lockedRelease); err != nil {
		p.logger.Error().Err(err).Uint64("trade_id", t.ID).Msg("failed to journal settlement")
	}
}
