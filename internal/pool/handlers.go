package pool

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ksred/margin-engine/internal/auth"
	"github.com/ksred/margin-engine/pkg/response"
)

// GinHandlers contains HTTP handlers for balance, deposit, withdrawal and
// epoch endpoints
type GinHandlers struct {
	pool *Pool
}

// NewGinHandlers creates a new set of HTTP handlers for the pool
func NewGinHandlers(pool *Pool) *GinHandlers {
	return &GinHandlers{
		pool: pool,
	}
}

func account(c *gin.Context) (string, bool) {
	claims, exists := c.Get("claims")
	if !exists {
		response.Unauthorized(c, "Invalid authentication")
		return "", false
	}
	acct := auth.GetAccount(claims)
	if acct == "" {
		response.Unauthorized(c, "Missing account identity")
		return "", false
	}
	return acct, true
}

func epochParam(c *gin.Context) (uint64, bool) {
	epoch, err := strconv.ParseUint(c.Param("epoch"), 10, 64)
	if err != nil {
		response.BadRequest(c, "Invalid epoch")
		return 0, false
	}
	return epoch, true
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

// DepositHandler handles POST requests crediting a trader's free balance
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, ok := account(c)
		if !ok {
			return
		}
		var req amountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.pool.TraderDeposit(acct, req.Amount)
		response.Handle(c, gin.H{"account": acct}, err)
	}
}

// WithdrawHandler handles POST requests debiting a trader's free balance
func (h *GinHandlers) WithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, ok := account(c)
		if !ok {
			return
		}
		var req amountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.pool.TraderWithdraw(acct, req.Amount)
		response.Handle(c, gin.H{"account": acct}, err)
	}
}

// BalanceHandler handles GET requests for the caller's balances
func (h *GinHandlers) BalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, ok := account(c)
		if !ok {
			return
		}
		free, locked := h.pool.TraderBalance(acct)
		response.Success(c, gin.H{
			"account": acct,
			"free":    free,
			"locked":  locked,
		})
	}
}

// RequestDepositHandler handles POST requests queueing a provider deposit
// into the open epoch
func (h *GinHandlers) RequestDepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, ok := account(c)
		if !ok {
			return
		}
		var req amountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.pool.RequestDeposit(acct, req.Amount)
		response.Handle(c, gin.H{"account": acct}, err)
	}
}

// ReduceDepositHandler handles POST requests cancelling part of the open
// epoch's queued deposit
func (h *GinHandlers) ReduceDepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, ok := account(c)
		if !ok {
			return
		}
		var req amountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.pool.ReduceDeposit(acct, req.Amount)
		response.Handle(c, gin.H{"account": acct}, err)
	}
}

type requestWithdrawRequest struct {
	DepositEpochs []uint64 `json:"deposit_epochs" binding:"required"`
}

// RequestWithdrawHandler handles POST requests converting priced deposits
// into queued withdrawal shares
func (h *GinHandlers) RequestWithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, ok := account(c)
		if !ok {
			return
		}
		var req requestWithdrawRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.pool.RequestWithdrawFromEpochs(acct, req.DepositEpochs)
		response.Handle(c, gin.H{"account": acct}, err)
	}
}

// ClaimWithdrawHandler handles POST requests claiming a funded withdrawal
func (h *GinHandlers) ClaimWithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, ok := account(c)
		if !ok {
			return
		}
		epoch, ok := epochParam(c)
		if !ok {
			return
		}
		paid, err := h.pool.ClaimWithdraw(acct, epoch)
		response.Handle(c, gin.H{"account": acct, "paid": paid}, err)
	}
}

// ClaimableHandler handles GET requests for the caller's claimable amount
// in one bucket
func (h *GinHandlers) ClaimableHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, ok := account(c)
		if !ok {
			return
		}
		epoch, ok := epochParam(c)
		if !ok {
			return
		}
		response.Success(c, gin.H{
			"epoch":     epoch,
			"claimable": h.pool.Claimable(acct, epoch),
		})
	}
}

// ProviderStatusHandler handles GET requests summarising the caller's
// deposit queue and withdrawal buckets
func (h *GinHandlers) ProviderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, ok := account(c)
		if !ok {
			return
		}

		deposits := make([]gin.H, 0)
		for _, epoch := range h.pool.DepositEpochs(acct) {
			pending := h.pool.PendingDeposit(acct, epoch)
			if !pending.IsPositive() {
				continue
			}
			deposits = append(deposits, gin.H{"epoch": epoch, "pending": pending})
		}

		withdrawals := make([]gin.H, 0)
		for _, epoch := range h.pool.WithdrawEpochs(acct) {
			entry := gin.H{
				"epoch":     epoch,
				"claimable": h.pool.Claimable(acct, epoch),
			}
			if b, err := h.pool.WithdrawStatus(epoch); err == nil {
				entry["shares_remaining"] = b.SharesRemaining
				entry["usd_allocated"] = b.USDAllocated
			}
			withdrawals = append(withdrawals, entry)
		}

		response.Success(c, gin.H{
			"account":     acct,
			"deposits":    deposits,
			"withdrawals": withdrawals,
		})
	}
}

// RollEpochHandler handles POST requests closing the open epoch
func (h *GinHandlers) RollEpochHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, ok := account(c)
		if !ok {
			return
		}
		err := h.pool.RollEpoch(acct)
		epoch, start := h.pool.Epoch()
		response.Handle(c, gin.H{"epoch": epoch, "epoch_start": start}, err)
	}
}

type processWithdrawalsRequest struct {
	MaxSteps int `json:"max_steps" binding:"required"`
}

// ProcessWithdrawalsHandler handles POST requests running a bounded sweep
// of the withdrawal queues
func (h *GinHandlers) ProcessWithdrawalsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req processWithdrawalsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.pool.ProcessWithdrawals(req.MaxSteps)
		response.Handle(c, gin.H{"max_steps": req.MaxSteps}, err)
	}
}

// EpochStatusHandler handles GET requests for epoch and capital state
func (h *GinHandlers) EpochStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		epoch, start := h.pool.Epoch()
		free, locked := h.pool.Capital()
		response.Success(c, gin.H{
			"epoch":        epoch,
			"epoch_start":  start,
			"pool_free":    free,
			"pool_locked":  locked,
			"total_shares": h.pool.TotalShares(),
		})
	}
}

// EpochHistoryHandler handles GET requests for the recorded epoch rolls
func (h *GinHandlers) EpochHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		epochs, err := h.pool.EpochHistory()
		response.Handle(c, epochs, err)
	}
}

// SettlementsHandler handles GET requests for a trade's settlement journal
func (h *GinHandlers) SettlementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID, err := strconv.ParseUint(c.Param("trade_id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "Invalid trade ID")
			return
		}
		settlements, err := h.pool.Settlements(tradeID)
		response.Handle(c, settlements, err)
	}
}

// SharePriceHandler handles GET requests for a closed epoch's share price
func (h *GinHandlers) SharePriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		epoch, ok := epochParam(c)
		if !ok {
			return
		}
		price, err := h.pool.SharePrice(epoch)
		response.Handle(c, gin.H{"epoch": epoch, "share_price": price}, err)
	}
}

type setProvisionRequest struct {
	Bps int64 `json:"bps" binding:"required"`
}

// SetProvisionHandler handles PUT requests adjusting the provisioning
// fraction
func (h *GinHandlers) SetProvisionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, ok := account(c)
		if !ok {
			return
		}
		var req setProvisionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.pool.SetProvision(acct, req.Bps)
		response.Handle(c, gin.H{"bps": req.Bps}, err)
	}
}

type setOwnerRequest struct {
	NewOwner string `json:"new_owner" binding:"required"`
}

// SetOwnerHandler handles PUT requests transferring pool control
func (h *GinHandlers) SetOwnerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, ok := account(c)
		if !ok {
			return
		}
		var req setOwnerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.pool.SetOwner(acct, req.NewOwner)
		response.Handle(c, gin.H{"new_owner": req.NewOwner}, err)
	}
}

// SweepDustHandler handles POST requests triggering the dust recovery path
func (h *GinHandlers) SweepDustHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.pool.SweepDust()
		free, locked := h.pool.Capital()
		response.Success(c, gin.H{"pool_free": free, "pool_locked": locked})
	}
}
