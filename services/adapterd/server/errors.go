package server

import (
	"context"
	"errors"
	"net/http"

	nativecommon "lendbridge/native/common"
	"lendbridge/native/controller"
	"lendbridge/native/market"
	"lendbridge/native/oracle"
	"lendbridge/native/platform"
	"lendbridge/native/pooladapter"
	"lendbridge/native/registry"
	"lendbridge/native/token"
)

var (
	errBadRequest   = errors.New("bad request")
	errUnauthorized = errors.New("missing or invalid bearer token")
	errForbidden    = errors.New("caller not permitted")
	errRateLimited  = errors.New("rate limit exceeded")
	errSandboxOnly  = errors.New("market not found")
)

// httpStatus maps a domain error onto an HTTP status and a stable code.
func httpStatus(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, nativecommon.ErrQuotaRequestsExceeded),
		errors.Is(err, nativecommon.ErrQuotaVolumeExceeded),
		errors.Is(err, nativecommon.ErrQuotaCounterOverflow):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, pooladapter.ErrNotGovernance), errors.Is(err, controller.ErrNotGovernance):
		return http.StatusForbidden, "not_governance"
	case errors.Is(err, pooladapter.ErrCallerNotAuthorized), errors.Is(err, errForbidden):
		return http.StatusForbidden, "caller_not_authorized"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable, "module_paused"
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, errSandboxOnly):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, pooladapter.ErrNotInitialized), errors.Is(err, pooladapter.ErrPositionNotRegistered):
		return http.StatusNotFound, "position_not_registered"
	case errors.Is(err, registry.ErrAlreadyRegistered), errors.Is(err, pooladapter.ErrAlreadyInitialized):
		return http.StatusConflict, "already_registered"
	case errors.Is(err, pooladapter.ErrZeroAddress), errors.Is(err, registry.ErrInvalidKey),
		errors.Is(err, registry.ErrUnknownConverter), errors.Is(err, token.ErrZeroAddress),
		errors.Is(err, token.ErrUnknownAsset), errors.Is(err, controller.ErrInvalidThresholds):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, pooladapter.ErrInvalidAmount), errors.Is(err, token.ErrInvalidAmount),
		errors.Is(err, market.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, platform.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_plan_request"
	case errors.Is(err, platform.ErrPlanUnavailable):
		return http.StatusUnprocessableEntity, "plan_unavailable"
	case errors.Is(err, pooladapter.ErrZeroBalance):
		return http.StatusUnprocessableEntity, "zero_balance"
	case errors.Is(err, pooladapter.ErrInsufficientTransfer), errors.Is(err, token.ErrTransferExceedsBalance):
		return http.StatusUnprocessableEntity, "insufficient_transfer"
	case errors.Is(err, pooladapter.ErrClosePositionNotAllowed):
		return http.StatusUnprocessableEntity, "close_position_not_allowed"
	case errors.Is(err, pooladapter.ErrUnsalvageableAsset):
		return http.StatusUnprocessableEntity, "unsalvageable_asset"
	case errors.Is(err, pooladapter.ErrMarketRejected):
		return http.StatusUnprocessableEntity, "market_rejected"
	case errors.Is(err, pooladapter.ErrBorrowFailed):
		return http.StatusUnprocessableEntity, "borrow_failed"
	case errors.Is(err, market.ErrNotLiquidatable), errors.Is(err, market.ErrNoDebt):
		return http.StatusUnprocessableEntity, "not_liquidatable"
	case errors.Is(err, pooladapter.ErrClosePositionFailed):
		return http.StatusBadGateway, "close_position_failed"
	case errors.Is(err, pooladapter.ErrWrongBorrowBalance):
		return http.StatusBadGateway, "wrong_borrow_balance"
	case errors.Is(err, pooladapter.ErrInconsistentMarketState):
		return http.StatusBadGateway, "inconsistent_market_state"
	case errors.Is(err, oracle.ErrNoFreshQuote), errors.Is(err, oracle.ErrUnknownAsset), errors.Is(err, oracle.ErrInvalidPrice):
		return http.StatusServiceUnavailable, "price_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
