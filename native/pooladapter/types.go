package pooladapter

import (
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ModuleName is the pause key guarding every mutating position call.
const ModuleName = "pooladapter"

// AccountSnapshot is the market's view of one account for an asset pair,
// including interest accrued up to the current block.
type AccountSnapshot struct {
	CollateralBalance *big.Int
	BorrowBalance     *big.Int
}

// Clone returns a deep copy of the snapshot.
func (s AccountSnapshot) Clone() AccountSnapshot {
	return AccountSnapshot{
		CollateralBalance: copyBig(s.CollateralBalance),
		BorrowBalance:     copyBig(s.BorrowBalance),
	}
}

// CollateralParams describes how the market values an asset posted as
// collateral. Both ratios use 18 decimal fixed point.
type CollateralParams struct {
	LTV                  *big.Int
	LiquidationThreshold *big.Int
}

// BorrowLimits reports how much of an asset the market can currently lend.
type BorrowLimits struct {
	Available *big.Int
	MinBorrow *big.Int
}

// Status is the health summary of a position.
type Status struct {
	CollateralAmount *big.Int
	AmountToPay      *big.Int
	// HealthFactor uses 18 decimal fixed point. MaxHealthFactor is reported
	// when the position carries no debt.
	HealthFactor               *big.Int
	CollateralAmountLiquidated *big.Int
	Opened                     bool
	// DebtGapRequired is set when debt grows every block, so a full repay must
	// be funded with a small surplus.
	DebtGapRequired bool
}

// Tolerance bounds the rounding the position accepts from a market.
type Tolerance struct {
	// DustDebt is the shortfall tolerated when a caller asks to close a
	// position with an amount slightly below the live debt.
	DustDebt *big.Int
	// BalanceDelta is the absolute difference allowed between an expected
	// and an observed market balance.
	BalanceDelta *big.Int
}

// DefaultTolerance returns the tolerance used when none is configured.
func DefaultTolerance() Tolerance {
	return Tolerance{DustDebt: big.NewInt(0), BalanceDelta: big.NewInt(2)}
}

func (t Tolerance) normalized() Tolerance {
	out := Tolerance{DustDebt: copyBig(t.DustDebt), BalanceDelta: copyBig(t.BalanceDelta)}
	if out.DustDebt.Sign() < 0 {
		out.DustDebt.SetInt64(0)
	}
	if out.BalanceDelta.Sign() < 0 {
		out.BalanceDelta.SetInt64(0)
	}
	return out
}

// Deps bundles the collaborators shared by every position of a deployment.
type Deps struct {
	Ledger    Ledger
	Oracle    PriceOracle
	Journal   Journal
	Logger    *slog.Logger
	Tolerance Tolerance
	// DebtGap marks markets whose debt accrues per block.
	DebtGap bool
}

// InitParams carries the immutable identity of a position.
type InitParams struct {
	Controller      Controller
	Market          Market
	MarketAddress   common.Address
	Rewards         Rewards
	Converter       common.Address
	User            common.Address
	CollateralAsset common.Address
	BorrowAsset     common.Address
}

// RepayParams describes a repay request.
type RepayParams struct {
	// Amount of borrow asset already transferred to custody. Nil repays the
	// live debt in full.
	Amount            *big.Int
	Receiver          common.Address
	ClosePosition     bool
	ReleaseCollateral bool
}

// PositionState is the mutable bookkeeping of a position, exported for
// persistence.
type PositionState struct {
	CollateralSnapshot *big.Int
	Liquidated         *big.Int
	Borrowed           bool
}

// Clone returns a deep copy of the state.
func (s PositionState) Clone() PositionState {
	return PositionState{
		CollateralSnapshot: copyBig(s.CollateralSnapshot),
		Liquidated:         copyBig(s.Liquidated),
		Borrowed:           s.Borrowed,
	}
}
