package types

import "errors"

// Validation failures: the request itself is malformed for the asset or
// position it addresses. Mapped to 400.
var (
	ErrUnknownAsset  = errors.New("unknown asset")
	ErrAlreadyListed = errors.New("asset already listed")
	ErrBadRatio      = errors.New("lot ratio numerator and denominator must be positive")
	ErrCloseOnly     = errors.New("asset is in close-only mode")
	ErrBadSize       = errors.New("lot size must be positive")
	ErrBadLeverage   = errors.New("leverage not in allowed set")
	ErrLeverageCap   = errors.New("leverage exceeds asset maximum")
	ErrStopEqualsTake = errors.New("stop loss equals take profit")
	ErrLongTakeTooLow = errors.New("long take profit at or below entry price")
	ErrLongStopTooHigh = errors.New("long stop loss at or above entry price")
	ErrShortTakeTooHigh = errors.New("short take profit at or above entry price")
	ErrShortStopTooLow  = errors.New("short stop loss at or below entry price")
	ErrAmountZero  = errors.New("amount must be positive")
	ErrDelayRange  = errors.New("price staleness tolerance must be between 15s and 90s")
	ErrExposureNotZero = errors.New("asset exposure is not zero")
)

// Authorization failures: the caller identity does not match the required
// role or the position owner. Mapped to 403.
var (
	ErrNotOwner       = errors.New("caller is not the owner")
	ErrNotRelay       = errors.New("caller is not the relay")
	ErrNotEngine      = errors.New("caller is not the position engine")
	ErrTraderMismatch = errors.New("position belongs to another trader")
)

// Timing failures: the supplied price or the requested transition is out
// of its permitted window. Mapped to 422.
var (
	ErrFuturePrice     = errors.New("price snapshot is in the future")
	ErrStalePrice      = errors.New("price snapshot exceeds staleness tolerance")
	ErrPriceNotInQuote = errors.New("asset not present in price snapshot")
	ErrEpochNotEnded   = errors.New("epoch duration has not elapsed")
	ErrValuationStale  = errors.New("no fresh completed valuation run")
)

// State-machine failures: the record exists but is not in the lifecycle
// state the transition requires. Mapped to 409.
var (
	ErrTradeNotFound  = errors.New("trade not found")
	ErrNotPending     = errors.New("trade is not pending")
	ErrNotOpen        = errors.New("trade is not open")
	ErrTradeClosed    = errors.New("trade is closed or cancelled")
	ErrTradeExists    = errors.New("trade id already exists")
	ErrCloseTooLarge  = errors.New("closing more lots than remaining")
	ErrNotLiquidatable = errors.New("liquidation threshold not met")
	ErrNotTriggered   = errors.New("stop or take profit not triggered")
	ErrTriggerNotMet  = errors.New("order trigger condition not met")
	ErrProfitUnderCap = errors.New("unrealized profit does not exceed locked capital")
)

// Capacity failures: the operation is well formed but the pool or the
// exposure ledger cannot absorb it. Mapped to 409.
var (
	ErrMaxLongExposure  = errors.New("max long lot exposure exceeded")
	ErrMaxShortExposure = errors.New("max short lot exposure exceeded")
	ErrInsufficientFree   = errors.New("insufficient free balance")
	ErrInsufficientLocked = errors.New("insufficient locked balance")
	ErrPoolReserved     = errors.New("pool capital reserved for withdrawals")
	ErrPoolInsolvent    = errors.New("pool capital insufficient for profit payout")
	ErrPoolEquity       = errors.New("pool equity not positive")
	ErrNothingToClaim   = errors.New("nothing to claim")
	ErrEmptyDepositEpoch = errors.New("no pending deposit for epoch")
	ErrEpochNotPriced   = errors.New("epoch has no share price yet")
)

// Category reports which error family err belongs to, for logging and for
// the HTTP mapping in pkg/response.
func Category(err error) string {
	switch {
	case isOneOf(err,
		ErrUnknownAsset, ErrAlreadyListed, ErrBadRatio, ErrCloseOnly,
		ErrBadSize, ErrBadLeverage, ErrLeverageCap, ErrStopEqualsTake,
		ErrLongTakeTooLow, ErrLongStopTooHigh, ErrShortTakeTooHigh,
		ErrShortStopTooLow, ErrAmountZero, ErrDelayRange, ErrExposureNotZero):
		return "validation"
	case isOneOf(err, ErrNotOwner, ErrNotRelay, ErrNotEngine, ErrTraderMismatch):
		return "authorization"
	case isOneOf(err, ErrFuturePrice, ErrStalePrice, ErrPriceNotInQuote,
		ErrEpochNotEnded, ErrValuationStale):
		return "timing"
	case isOneOf(err, ErrTradeNotFound, ErrNotPending, ErrNotOpen,
		ErrTradeClosed, ErrTradeExists, ErrCloseTooLarge, ErrNotLiquidatable,
		ErrNotTriggered, ErrTriggerNotMet, ErrProfitUnderCap):
		return "state"
	case isOneOf(err, ErrMaxLongExposure, ErrMaxShortExposure,
		ErrInsufficientFree, ErrInsufficientLocked, ErrPoolReserved,
		ErrPoolInsolvent, ErrPoolEquity, ErrNothingToClaim,
		ErrEmptyDepositEpoch, ErrEpochNotPriced):
		return "capacity"
	default:
		return "internal"
	}
}

func isOneOf(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
