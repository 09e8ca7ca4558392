package pooladapter_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"lendbridge/native/market"
	"lendbridge/native/pooladapter"
)

func TestBorrowOpensPosition(t *testing.T) {
	e := newEnv(t)
	e.open(ether(1), usd(100))

	expectAmount(t, "receiver usdc", e.balance(usdc, receiver), usd(100))
	expectAmount(t, "custody weth", e.balance(weth, positionAddr), big.NewInt(0))
	expectAmount(t, "custody usdc", e.balance(usdc, positionAddr), big.NewInt(0))

	status := e.status()
	if !status.Opened {
		t.Fatalf("expected position to be opened")
	}
	expectAmount(t, "collateral", status.CollateralAmount, ether(1))
	expectAmount(t, "debt", status.AmountToPay, usd(100))
	expectAmount(t, "health factor", status.HealthFactor, hf(17))
	expectAmount(t, "liquidated", status.CollateralAmountLiquidated, big.NewInt(0))
	if !status.DebtGapRequired {
		t.Fatalf("expected debt gap flag for a per-block accruing market")
	}
	if !e.position.State().Borrowed {
		t.Fatalf("expected borrow to be recorded")
	}
}

func TestBorrowRequiresCollateralInCustody(t *testing.T) {
	e := newEnv(t)
	e.fund(weth, ether(1))

	err := e.position.Borrow(e.ctx, orchestrator, ether(2), usd(100), receiver)
	if !errors.Is(err, pooladapter.ErrInsufficientTransfer) {
		t.Fatalf("expected ErrInsufficientTransfer, got %v", err)
	}
	expectAmount(t, "custody weth", e.balance(weth, positionAddr), ether(1))
	if acc := e.market.Account(positionAddr); acc != nil && acc.DebtScaled.Sign() != 0 {
		t.Fatalf("expected no debt after failed borrow")
	}
}

func TestBorrowRejectedByMarketIsAtomic(t *testing.T) {
	e := newEnv(t)
	e.fund(weth, ether(1))

	// 1 WETH at 2000 with 80% LTV supports at most 1600 USDC.
	err := e.position.Borrow(e.ctx, orchestrator, ether(1), usd(1_700), receiver)
	if !errors.Is(err, pooladapter.ErrBorrowFailed) {
		t.Fatalf("expected ErrBorrowFailed, got %v", err)
	}
	if !errors.Is(err, market.ErrUndercollateralized) {
		t.Fatalf("expected market cause to be wrapped, got %v", err)
	}
	expectAmount(t, "custody weth", e.balance(weth, positionAddr), ether(1))
	expectAmount(t, "receiver usdc", e.balance(usdc, receiver), big.NewInt(0))
	status := e.status()
	expectAmount(t, "collateral", status.CollateralAmount, big.NewInt(0))
	if status.Opened {
		t.Fatalf("expected position to stay closed")
	}
	if e.position.State().Borrowed {
		t.Fatalf("failed borrow must not be recorded")
	}
}

func TestBorrowValidatesInput(t *testing.T) {
	e := newEnv(t)
	e.fund(weth, ether(1))

	if err := e.position.Borrow(e.ctx, orchestrator, big.NewInt(0), usd(1), receiver); !errors.Is(err, pooladapter.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := e.position.Borrow(e.ctx, orchestrator, ether(1), usd(1), common.Address{}); !errors.Is(err, pooladapter.ErrZeroAddress) {
		t.Fatalf("expected ErrZeroAddress, got %v", err)
	}
}

func TestBorrowToRebalanceLowersHealthFactor(t *testing.T) {
	e := newEnv(t)
	e.open(ether(1), usd(100))

	got, err := e.position.BorrowToRebalance(e.ctx, orchestrator, usd(100), receiver)
	if err != nil {
		t.Fatalf("borrow to rebalance: %v", err)
	}
	// 2000 * 0.85 / 200
	expectAmount(t, "health factor", got, new(big.Int).Quo(hf(85), big.NewInt(10)))
	expectAmount(t, "receiver usdc", e.balance(usdc, receiver), usd(200))
	status := e.status()
	expectAmount(t, "collateral", status.CollateralAmount, ether(1))
	expectAmount(t, "debt", status.AmountToPay, usd(200))
}

func TestBorrowToRebalanceRequiresOpenPosition(t *testing.T) {
	e := newEnv(t)
	_, err := e.position.BorrowToRebalance(e.ctx, orchestrator, usd(10), receiver)
	if !errors.Is(err, pooladapter.ErrPositionNotRegistered) {
		t.Fatalf("expected ErrPositionNotRegistered, got %v", err)
	}
}

func TestBorrowToRebalanceIsNotClampedToTarget(t *testing.T) {
	e := newEnv(t)
	e.open(ether(1), usd(100))

	// Target is 2.0, the resulting factor 1700/1500 is well below it.
	got, err := e.position.BorrowToRebalance(e.ctx, orchestrator, usd(1_400), receiver)
	if err != nil {
		t.Fatalf("borrow to rebalance: %v", err)
	}
	if got.Cmp(e.controller.TargetHealthFactor()) >= 0 {
		t.Fatalf("expected health factor below target, got %s", got)
	}
}
