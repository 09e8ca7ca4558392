package pooladapter

import (
	"errors"
	"fmt"
)

var (
	ErrZeroAddress             = errors.New("pool adapter: zero address")
	ErrAlreadyInitialized      = errors.New("pool adapter: already initialized")
	ErrNotInitialized          = errors.New("pool adapter: not initialized")
	ErrCallerNotAuthorized     = errors.New("pool adapter: caller not authorized")
	ErrZeroBalance             = errors.New("pool adapter: no debt to repay")
	ErrInsufficientTransfer    = errors.New("pool adapter: transfer amount exceeds balance")
	ErrClosePositionNotAllowed = errors.New("pool adapter: close position not allowed")
	ErrClosePositionFailed     = errors.New("pool adapter: close position failed")
	ErrWrongBorrowBalance      = errors.New("pool adapter: wrong borrow balance")
	ErrInconsistentMarketState = errors.New("pool adapter: inconsistent market state")
	ErrMarketRejected          = errors.New("pool adapter: market rejected operation")
	ErrPositionNotRegistered   = errors.New("pool adapter: position not registered")
	ErrBorrowFailed            = errors.New("pool adapter: borrow failed")
	ErrInvalidAmount           = errors.New("pool adapter: amount must be positive")
	ErrUnsalvageableAsset      = errors.New("pool adapter: asset is used by the position")
)

// ErrNotGovernance is returned by governance-only entry points. It matches
// ErrCallerNotAuthorized under errors.Is.
var ErrNotGovernance = fmt.Errorf("%w: not governance", ErrCallerNotAuthorized)
