package pooladapter

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Borrow supplies collateralAmount from custody to the market, borrows
// borrowAmount and forwards it to receiver. The collateral must already have
// been transferred to the position. No minimum health factor is enforced here;
// that is the orchestrator's concern.
func (p *Position) Borrow(ctx context.Context, caller common.Address, collateralAmount, borrowAmount *big.Int, receiver common.Address) error {
	if err := p.authorize(caller, false); err != nil {
		return err
	}
	if err := requirePositive(collateralAmount, borrowAmount); err != nil {
		return err
	}
	if receiver == (common.Address{}) {
		return ErrZeroAddress
	}
	return p.atomic(func() error {
		before, err := p.snapshot(ctx)
		if err != nil {
			return err
		}
		p.sync(before)

		if _, err := p.requireCustody(ctx, p.collateralAsset, collateralAmount); err != nil {
			return err
		}
		if err := p.market.Supply(ctx, p.address, p.collateralAsset, collateralAmount); err != nil {
			return fmt.Errorf("%w: supply collateral: %w", ErrBorrowFailed, err)
		}
		received, err := p.borrowInto(ctx, borrowAmount)
		if err != nil {
			return err
		}
		if err := p.transferOut(ctx, p.borrowAsset, receiver, received); err != nil {
			return err
		}

		after, err := p.readAccount(ctx)
		if err != nil {
			return err
		}
		wantCollateral := new(big.Int).Add(before.CollateralBalance, collateralAmount)
		if !within(after.CollateralBalance, wantCollateral, p.deps.Tolerance.BalanceDelta) {
			return fmt.Errorf("%w: collateral %s, expected %s", ErrWrongBorrowBalance, after.CollateralBalance, wantCollateral)
		}
		if err := p.checkDebtGrowth(before.BorrowBalance, after.BorrowBalance, borrowAmount); err != nil {
			return err
		}
		p.state.CollateralSnapshot = copyBig(after.CollateralBalance)
		p.state.Borrowed = true
		p.logOp("borrow",
			slog.String("collateral", collateralAmount.String()),
			slog.String("borrowed", borrowAmount.String()),
			slog.String("receiver", receiver.Hex()))
		return nil
	})
}

// BorrowToRebalance borrows more against the existing collateral, lowering
// the health factor. The resulting health factor is returned and is not
// clamped to the controller target.
func (p *Position) BorrowToRebalance(ctx context.Context, caller common.Address, amount *big.Int, receiver common.Address) (*big.Int, error) {
	if err := p.authorize(caller, false); err != nil {
		return nil, err
	}
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	if receiver == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	var hf *big.Int
	err := p.atomic(func() error {
		before, err := p.snapshot(ctx)
		if err != nil {
			return err
		}
		if before.BorrowBalance.Sign() == 0 {
			return ErrPositionNotRegistered
		}
		p.sync(before)

		received, err := p.borrowInto(ctx, amount)
		if err != nil {
			return err
		}
		if err := p.transferOut(ctx, p.borrowAsset, receiver, received); err != nil {
			return err
		}
		after, err := p.snapshot(ctx)
		if err != nil {
			return err
		}
		if !within(after.CollateralBalance, before.CollateralBalance, p.deps.Tolerance.BalanceDelta) {
			return fmt.Errorf("%w: collateral moved from %s to %s", ErrInconsistentMarketState, before.CollateralBalance, after.CollateralBalance)
		}
		if err := p.checkDebtGrowth(before.BorrowBalance, after.BorrowBalance, amount); err != nil {
			return err
		}
		p.state.CollateralSnapshot = copyBig(after.CollateralBalance)
		hf, err = p.healthFactor(ctx, after)
		if err != nil {
			return err
		}
		p.logOp("borrow to rebalance", slog.String("amount", amount.String()), slog.String("healthFactor", hf.String()))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hf, nil
}

// borrowInto borrows amount into custody and verifies exactly that amount
// arrived.
func (p *Position) borrowInto(ctx context.Context, amount *big.Int) (*big.Int, error) {
	custodyBefore, err := p.custodyBalance(ctx, p.borrowAsset)
	if err != nil {
		return nil, err
	}
	if err := p.market.Borrow(ctx, p.address, p.borrowAsset, amount, p.address); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBorrowFailed, err)
	}
	custodyAfter, err := p.custodyBalance(ctx, p.borrowAsset)
	if err != nil {
		return nil, err
	}
	received := new(big.Int).Sub(custodyAfter, custodyBefore)
	if received.Cmp(amount) != 0 {
		return nil, fmt.Errorf("%w: received %s, expected %s", ErrWrongBorrowBalance, received, amount)
	}
	return received, nil
}

// checkDebtGrowth requires the market debt to have grown by the borrowed
// amount, no less and no more. Interest is already folded into before.
func (p *Position) checkDebtGrowth(before, after, borrowed *big.Int) error {
	want := new(big.Int).Add(before, borrowed)
	if !within(after, want, p.deps.Tolerance.BalanceDelta) {
		return fmt.Errorf("%w: debt %s, expected %s", ErrWrongBorrowBalance, after, want)
	}
	return nil
}
