package positions

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ksred/margin-engine/internal/auth"
	"github.com/ksred/margin-engine/internal/market"
	"github.com/ksred/margin-engine/pkg/response"
)

// GinHandlers contains HTTP handlers for position and asset endpoints
type GinHandlers struct {
	engine *Engine
}

// NewGinHandlers creates a new set of HTTP handlers for the engine
func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{
		engine: engine,
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

func tradeIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("trade_id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "Invalid trade ID")
		return 0, false
	}
	return id, true
}

func assetIDParam(c *gin.Context) (uint32, bool) {
	id, err := strconv.ParseUint(c.Param("asset_id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "Invalid asset ID")
		return 0, false
	}
	return uint32(id), true
}

type placeOrderRequest struct {
	AssetID     uint32          `json:"asset_id" binding:"required"`
	IsLong      bool            `json:"is_long"`
	IsLimit     bool            `json:"is_limit"`
	Leverage    uint8           `json:"leverage" binding:"required"`
	Lots        int64           `json:"lots" binding:"required"`
	TargetPrice decimal.Decimal `json:"target_price"`
	StopLoss    decimal.Decimal `json:"stop_loss"`
	TakeProfit  decimal.Decimal `json:"take_profit"`
}

// PlaceOrderHandler handles POST requests to queue limit and stop orders
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trader, ok := account(c)
		if !ok {
			return
		}
		var req placeOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		trade, err := h.engine.PlaceOrder(trader, req.AssetID, req.IsLong, req.IsLimit,
			req.Leverage, req.Lots, req.TargetPrice, req.StopLoss, req.TakeProfit)
		response.Handle(c, trade, err)
	}
}

type openPositionRequest struct {
	AssetID    uint32          `json:"asset_id" binding:"required"`
	IsLong     bool            `json:"is_long"`
	Leverage   uint8           `json:"leverage" binding:"required"`
	Lots       int64           `json:"lots" binding:"required"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Proof      json.RawMessage `json:"proof" binding:"required"`
}

// OpenPositionHandler handles POST requests to open positions at market
func (h *GinHandlers) OpenPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trader, ok := account(c)
		if !ok {
			return
		}
		var req openPositionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		trade, err := h.engine.OpenMarketPosition(trader, req.AssetID, req.IsLong,
			req.Leverage, req.Lots, req.StopLoss, req.TakeProfit, req.Proof)
		response.Handle(c, trade, err)
	}
}

type proofRequest struct {
	Proof json.RawMessage `json:"proof" binding:"required"`
}

// ExecuteOrderHandler handles POST requests from the relay to fill pending
// orders whose trigger condition is met
func (h *GinHandlers) ExecuteOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID, ok := tradeIDParam(c)
		if !ok {
			return
		}
		var req proofRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		trade, err := h.engine.ExecuteOrder(tradeID, req.Proof)
		response.Handle(c, trade, err)
	}
}

type closePositionRequest struct {
	Lots  int64           `json:"lots"`
	Proof json.RawMessage `json:"proof" binding:"required"`
}

// ClosePositionHandler handles POST requests to close a position fully or
// partially at market
func (h *GinHandlers) ClosePositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trader, ok := account(c)
		if !ok {
			return
		}
		tradeID, ok := tradeIDParam(c)
		if !ok {
			return
		}
		var req closePositionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.engine.ClosePositionMarket(trader, tradeID, req.Lots, req.Proof)
		response.Handle(c, result, err)
	}
}

// ExecuteStopHandler handles POST requests from the relay to execute a
// triggered stop loss or take profit
func (h *GinHandlers) ExecuteStopHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID, ok := tradeIDParam(c)
		if !ok {
			return
		}
		var req proofRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.engine.ExecuteStopOrTakeProfit(tradeID, req.Proof)
		response.Handle(c, result, err)
	}
}

type updateStopsRequest struct {
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
}

// UpdateStopsHandler handles PUT requests to adjust stop loss / take profit
func (h *GinHandlers) UpdateStopsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trader, ok := account(c)
		if !ok {
			return
		}
		tradeID, ok := tradeIDParam(c)
		if !ok {
			return
		}
		var req updateStopsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		err := h.engine.UpdateStops(trader, tradeID, req.StopLoss, req.TakeProfit)
		response.Handle(c, gin.H{"trade_id": tradeID}, err)
	}
}

// CancelOrderHandler handles POST requests to cancel a pending order
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trader, ok := account(c)
		if !ok {
			return
		}
		tradeID, ok := tradeIDParam(c)
		if !ok {
			return
		}

		err := h.engine.CancelOrder(trader, tradeID)
		response.Handle(c, gin.H{"trade_id": tradeID}, err)
	}
}

type addMarginRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

// AddMarginHandler handles POST requests to top up a trade's margin
func (h *GinHandlers) AddMarginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trader, ok := account(c)
		if !ok {
			return
		}
		tradeID, ok := tradeIDParam(c)
		if !ok {
			return
		}
		var req addMarginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		err := h.engine.AddMargin(trader, tradeID, req.Amount)
		response.Handle(c, gin.H{"trade_id": tradeID}, err)
	}
}

// LiquidateHandler handles POST requests from the relay to liquidate a
// position whose margin is consumed
func (h *GinHandlers) LiquidateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID, ok := tradeIDParam(c)
		if !ok {
			return
		}
		var req proofRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.engine.LiquidatePosition(tradeID, req.Proof)
		response.Handle(c, result, err)
	}
}

// LiquidateProfitHandler handles POST requests from the relay to force-close
// a position whose unrealized profit exceeds the pool capital locked for it
func (h *GinHandlers) LiquidateProfitHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID, ok := tradeIDParam(c)
		if !ok {
			return
		}
		var req proofRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.engine.LiquidateProfit(tradeID, req.Proof)
		response.Handle(c, result, err)
	}
}

type valuationRequest struct {
	Proof    json.RawMessage `json:"proof" binding:"required"`
	AssetIDs []uint32        `json:"asset_ids" binding:"required"`
}

// SubmitValuationHandler handles POST requests from the relay feeding one
// batch of a revaluation run
func (h *GinHandlers) SubmitValuationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req valuationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		status, err := h.engine.SubmitValuation(req.Proof, req.AssetIDs)
		response.Handle(c, status, err)
	}
}

// RunStatusHandler handles GET requests for the in-flight revaluation run
func (h *GinHandlers) RunStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := h.engine.CurrentRun()
		response.Handle(c, run, err)
	}
}

// GetTradeHandler handles GET requests for a single trade
func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID, ok := tradeIDParam(c)
		if !ok {
			return
		}
		trade, err := h.engine.Trade(tradeID)
		response.Handle(c, trade, err)
	}
}

// GetTradeRangeHandler handles GET requests for a contiguous id range of
// trades, query params from and to
func (h *GinHandlers) GetTradeRangeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		from, err := strconv.ParseUint(c.Query("from"), 10, 64)
		if err != nil {
			response.BadRequest(c, "Invalid from parameter")
			return
		}
		to, err := strconv.ParseUint(c.Query("to"), 10, 64)
		if err != nil {
			response.BadRequest(c, "Invalid to parameter")
			return
		}
		response.Success(c, h.engine.TradeRange(from, to))
	}
}

// GetTradeEventsHandler handles GET requests for a trade's audit journal
func (h *GinHandlers) GetTradeEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID, ok := tradeIDParam(c)
		if !ok {
			return
		}
		events, err := h.engine.TradeEvents(tradeID)
		response.Handle(c, events, err)
	}
}

// ListAssetsHandler handles GET requests for all listed asset ids
func (h *GinHandlers) ListAssetsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, gin.H{"asset_ids": h.engine.ListedAssetIDs()})
	}
}

// AssetInfoHandler handles GET requests for asset configuration
func (h *GinHandlers) AssetInfoHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		assetID, ok := assetIDParam(c)
		if !ok {
			return
		}
		asset, err := h.engine.AssetInfo(assetID)
		response.Handle(c, asset, err)
	}
}

// ExposureHandler handles GET requests for an asset's open exposure
func (h *GinHandlers) ExposureHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		assetID, ok := assetIDParam(c)
		if !ok {
			return
		}
		response.Success(c, h.engine.AssetExposure(assetID))
	}
}

// SpreadQuoteHandler handles GET requests for the current spread multiplier,
// query params side (long|short), action (open|close) and lots
func (h *GinHandlers) SpreadQuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		assetID, ok := assetIDParam(c)
		if !ok {
			return
		}
		lots, err := strconv.ParseInt(c.DefaultQuery("lots", "0"), 10, 64)
		if err != nil {
			response.BadRequest(c, "Invalid lots parameter")
			return
		}
		isLong := c.DefaultQuery("side", "long") == "long"
		isOpening := c.DefaultQuery("action", "open") == "open"

		quote, err := h.engine.SpreadQuote(assetID, isLong, isOpening, lots)
		response.Handle(c, gin.H{"multiplier": quote}, err)
	}
}

// FundingRatesHandler handles GET requests for live funding rates
func (h *GinHandlers) FundingRatesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		assetID, ok := assetIDParam(c)
		if !ok {
			return
		}
		longRate, shortRate, err := h.engine.FundingRatesLive(assetID)
		response.Handle(c, gin.H{
			"long_rate":  longRate,
			"short_rate": shortRate,
		}, err)
	}
}

// LiquidationPriceHandler handles GET requests for a trade's live
// liquidation price
func (h *GinHandlers) LiquidationPriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID, ok := tradeIDParam(c)
		if !ok {
			return
		}
		price, err := h.engine.LiquidationPriceLive(tradeID)
		response.Handle(c, gin.H{"liquidation_price": price}, err)
	}
}

type liquidationPricesRequest struct {
	TradeIDs []uint64 `json:"trade_ids" binding:"required"`
}

// LiquidationPricesHandler handles POST requests batch-computing live
// liquidation prices for a relay's monitoring sweep
func (h *GinHandlers) LiquidationPricesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req liquidationPricesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		response.Success(c, gin.H{
			"trades":             h.engine.Trades(req.TradeIDs),
			"liquidation_prices": h.engine.LiquidationPrices(req.TradeIDs),
		})
	}
}

// --- Admin asset management ---

type listAssetRequest struct {
	AssetID            uint32          `json:"asset_id" binding:"required"`
	Symbol             string          `json:"symbol" binding:"required"`
	Numerator          uint32          `json:"lot_numerator" binding:"required"`
	Denominator        uint32          `json:"lot_denominator" binding:"required"`
	BaseFundingRate    decimal.Decimal `json:"base_funding_rate"`
	SpreadBase         decimal.Decimal `json:"spread_base"`
	WeekendRate        decimal.Decimal `json:"weekend_rate"`
	CommissionBps      uint32          `json:"commission_bps"`
	SecurityMultiplier uint16          `json:"security_multiplier" binding:"required"`
	MaxPhysicalMove    uint16          `json:"max_physical_move" binding:"required"`
	MaxLeverage        uint8           `json:"max_leverage" binding:"required"`
}

// ListAssetHandler handles POST requests to list a new tradable asset
func (h *GinHandlers) ListAssetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req listAssetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		asset := market.Asset{
			ID:                 req.AssetID,
			Symbol:             req.Symbol,
			Numerator:          req.Numerator,
			Denominator:        req.Denominator,
			BaseFundingRate:    req.BaseFundingRate,
			SpreadBase:         req.SpreadBase,
			WeekendRate:        req.WeekendRate,
			CommissionBps:      req.CommissionBps,
			SecurityMultiplier: req.SecurityMultiplier,
			MaxPhysicalMove:    req.MaxPhysicalMove,
			MaxLeverage:        req.MaxLeverage,
			MaxLongLots:        market.DefaultMaxLots,
			MaxShortLots:       market.DefaultMaxLots,
			MaxPriceDelay:      market.DefaultPriceDelay,
			AllowOpen:          true,
			Listed:             true,
		}
		err := h.engine.ListAsset(asset)
		response.Handle(c, gin.H{"asset_id": req.AssetID}, err)
	}
}

type setFeesRequest struct {
	SpreadBase    decimal.Decimal `json:"spread_base"`
	CommissionBps uint32          `json:"commission_bps"`
}

// SetFeesHandler handles PUT requests to update spread and commission
func (h *GinHandlers) SetFeesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		assetID, ok := assetIDParam(c)
		if !ok {
			return
		}
		var req setFeesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.engine.SetAssetFees(assetID, req.SpreadBase, req.CommissionBps)
		response.Handle(c, gin.H{"asset_id": assetID}, err)
	}
}

type setFundingRequest struct {
	BaseRate    decimal.Decimal `json:"base_rate"`
	WeekendRate decimal.Decimal `json:"weekend_rate"`
}

// SetFundingRatesHandler handles PUT requests to update funding rates
func (h *GinHandlers) SetFundingRatesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		assetID, ok := assetIDParam(c)
		if !ok {
			return
		}
		var req setFundingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.engine.SetAssetFundingRates(assetID, req.BaseRate, req.WeekendRate)
		response.Handle(c, gin.H{"asset_id": assetID}, err)
	}
}

type setRiskParamsRequest struct {
	SecurityMultiplier uint16 `json:"security_multiplier" binding:"required"`
	MaxPhysicalMove    uint16 `json:"max_physical_move" binding:"required"`
	MaxLeverage        uint8  `json:"max_leverage" binding:"required"`
}

// SetRiskParamsHandler handles PUT requests to update risk parameters
func (h *GinHandlers) SetRiskParamsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		assetID, ok := assetIDParam(c)
		if !ok {
			return
		}
		var req setRiskParamsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.engine.SetAssetRiskParams(assetID, req.SecurityMultiplier, req.MaxPhysicalMove, req.MaxLeverage)
		response.Handle(c, gin.H{"asset_id": assetID}, err)
	}
}

type setPriceDelayRequest struct {
	DelaySeconds int64 `json:"delay_seconds" binding:"required"`
}

// SetPriceDelayHandler handles PUT requests to update the price staleness
// tolerance
func (h *GinHandlers) SetPriceDelayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		assetID, ok := assetIDParam(c)
		if !ok {
			return
		}
		var req setPriceDelayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.engine.SetAssetPriceDelay(assetID, time.Duration(req.DelaySeconds)*time.Second)
		response.Handle(c, gin.H{"asset_id": assetID}, err)
	}
}

type setRiskLimitsRequest struct {
	MaxLongLots  int64 `json:"max_long_lots" binding:"required"`
	MaxShortLots int64 `json:"max_short_lots" binding:"required"`
}

// SetRiskLimitsHandler handles PUT requests to update exposure caps
func (h *GinHandlers) SetRiskLimitsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		assetID, ok := assetIDParam(c)
		if !ok {
			return
		}
		var req setRiskLimitsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.engine.SetAssetRiskLimits(assetID, req.MaxLongLots, req.MaxShortLots)
		response.Handle(c, gin.H{"asset_id": assetID}, err)
	}
}

type setTradableRequest struct {
	AllowOpen *bool `json:"allow_open" binding:"required"`
}

// SetTradableHandler handles PUT requests to toggle close-only mode
func (h *GinHandlers) SetTradableHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		assetID, ok := assetIDParam(c)
		if !ok {
			return
		}
		var req setTradableRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.engine.SetAssetTradable(assetID, *req.AllowOpen)
		response.Handle(c, gin.H{"asset_id": assetID}, err)
	}
}

// RemoveAssetHandler handles DELETE requests to delist an asset
func (h *GinHandlers) RemoveAssetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		assetID, ok := assetIDParam(c)
		if !ok {
			return
		}
		err := h.engine.RemoveAsset(assetID)
		response.Handle(c, gin.H{"asset_id": assetID}, err)
	}
}

type updateLotRatioRequest struct {
	Numerator   uint32 `json:"lot_numerator" binding:"required"`
	Denominator uint32 `json:"lot_denominator" binding:"required"`
}

// UpdateLotRatioHandler handles PUT requests to change an asset's lot ratio
func (h *GinHandlers) UpdateLotRatioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		assetID, ok := assetIDParam(c)
		if !ok {
			return
		}
		var req updateLotRatioRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.engine.UpdateAssetLotRatio(assetID, req.Numerator, req.Denominator)
		response.Handle(c, gin.H{"asset_id": assetID}, err)
	}
}
