package pooladapter

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RepayToRebalance raises the health factor of an open position without
// closing it. With useCollateralAsset the custody collateral is supplied to
// the market and the debt stays untouched; otherwise custody borrow asset
// repays part of the debt and the collateral stays untouched. The resulting
// health factor is returned.
func (p *Position) RepayToRebalance(ctx context.Context, caller common.Address, amount *big.Int, useCollateralAsset bool) (*big.Int, error) {
	if err := p.authorize(caller, false); err != nil {
		return nil, err
	}
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	var hf *big.Int
	err := p.atomic(func() error {
		before, err := p.snapshot(ctx)
		if err != nil {
			return err
		}
		if before.BorrowBalance.Sign() == 0 {
			return ErrZeroBalance
		}
		p.sync(before)

		var after AccountSnapshot
		if useCollateralAsset {
			after, err = p.rebalanceWithCollateral(ctx, before, amount)
		} else {
			after, err = p.rebalanceWithRepay(ctx, before, amount)
		}
		if err != nil {
			return err
		}
		hf, err = p.healthFactor(ctx, after)
		if err != nil {
			return err
		}
		p.logOp("repay to rebalance",
			slog.String("amount", amount.String()),
			slog.Bool("collateral", useCollateralAsset),
			slog.String("healthFactor", hf.String()))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hf, nil
}

func (p *Position) rebalanceWithCollateral(ctx context.Context, before AccountSnapshot, amount *big.Int) (AccountSnapshot, error) {
	if _, err := p.requireCustody(ctx, p.collateralAsset, amount); err != nil {
		return AccountSnapshot{}, err
	}
	if err := p.market.Supply(ctx, p.address, p.collateralAsset, amount); err != nil {
		return AccountSnapshot{}, fmt.Errorf("%w: supply collateral: %w", ErrMarketRejected, err)
	}
	after, err := p.snapshot(ctx)
	if err != nil {
		return AccountSnapshot{}, err
	}
	want := new(big.Int).Add(before.CollateralBalance, amount)
	if !within(after.CollateralBalance, want, p.deps.Tolerance.BalanceDelta) {
		return AccountSnapshot{}, fmt.Errorf("%w: collateral %s, expected %s", ErrWrongBorrowBalance, after.CollateralBalance, want)
	}
	if !within(after.BorrowBalance, before.BorrowBalance, p.deps.Tolerance.BalanceDelta) {
		return AccountSnapshot{}, fmt.Errorf("%w: debt moved from %s to %s while adding collateral", ErrInconsistentMarketState, before.BorrowBalance, after.BorrowBalance)
	}
	p.state.CollateralSnapshot = copyBig(after.CollateralBalance)
	return after, nil
}

func (p *Position) rebalanceWithRepay(ctx context.Context, before AccountSnapshot, amount *big.Int) (AccountSnapshot, error) {
	if amount.Cmp(before.BorrowBalance) >= 0 {
		return AccountSnapshot{}, fmt.Errorf("%w: rebalance amount %s covers debt %s", ErrClosePositionNotAllowed, amount, before.BorrowBalance)
	}
	if _, err := p.requireCustody(ctx, p.borrowAsset, amount); err != nil {
		return AccountSnapshot{}, err
	}
	if err := p.market.Repay(ctx, p.address, p.borrowAsset, amount); err != nil {
		return AccountSnapshot{}, fmt.Errorf("market repay: %w", err)
	}
	after, err := p.snapshot(ctx)
	if err != nil {
		return AccountSnapshot{}, err
	}
	want := new(big.Int).Sub(before.BorrowBalance, amount)
	if !within(after.BorrowBalance, want, p.deps.Tolerance.BalanceDelta) {
		return AccountSnapshot{}, fmt.Errorf("%w: debt %s, expected %s", ErrWrongBorrowBalance, after.BorrowBalance, want)
	}
	if !within(after.CollateralBalance, before.CollateralBalance, p.deps.Tolerance.BalanceDelta) {
		return AccountSnapshot{}, fmt.Errorf("%w: collateral moved from %s to %s while repaying", ErrInconsistentMarketState, before.CollateralBalance, after.CollateralBalance)
	}
	return after, nil
}
