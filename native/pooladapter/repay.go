package pooladapter

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Repay pays down debt with borrow asset already transferred to custody and
// returns the amount of collateral released to the receiver.
//
// The whole collateral is released when the debt reaches zero. A partial
// repay keeps the collateral in the market unless ReleaseCollateral is set, in
// which case the share proportional to the repaid debt is released. Borrow
// asset left in custody after the repay is returned to the receiver.
//
// ClosePosition tolerates residual debt up to Tolerance.DustDebt. The
// collateral backing that residual stays in the market and the rest is
// released.
func (p *Position) Repay(ctx context.Context, caller common.Address, params RepayParams) (*big.Int, error) {
	if err := p.authorize(caller, true); err != nil {
		return nil, err
	}
	if params.Amount != nil && params.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if params.Receiver == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	var released *big.Int
	err := p.atomic(func() error {
		var err error
		released, err = p.repay(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func (p *Position) repay(ctx context.Context, params RepayParams) (*big.Int, error) {
	before, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	p.sync(before)

	debt := before.BorrowBalance
	if debt.Sign() == 0 {
		return nil, ErrZeroBalance
	}
	required := debt
	if params.Amount != nil {
		required = params.Amount
	}
	if _, err := p.requireCustody(ctx, p.borrowAsset, required); err != nil {
		return nil, err
	}
	fullRequested := required.Cmp(debt) >= 0
	if params.ClosePosition {
		covered := new(big.Int).Add(required, p.deps.Tolerance.DustDebt)
		if covered.Cmp(debt) < 0 {
			return nil, fmt.Errorf("%w: amount %s does not cover debt %s", ErrClosePositionNotAllowed, required, debt)
		}
	}

	repaid := minBig(required, debt)
	if err := p.market.Repay(ctx, p.address, p.borrowAsset, repaid); err != nil {
		return nil, fmt.Errorf("market repay: %w", err)
	}
	mid, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	wantDebt := new(big.Int).Sub(debt, repaid)
	if mid.BorrowBalance.Cmp(new(big.Int).Add(wantDebt, p.deps.Tolerance.BalanceDelta)) > 0 {
		return nil, fmt.Errorf("%w: debt %s after repaying %s of %s", ErrWrongBorrowBalance, mid.BorrowBalance, repaid, debt)
	}
	if !within(mid.CollateralBalance, before.CollateralBalance, p.deps.Tolerance.BalanceDelta) {
		return nil, fmt.Errorf("%w: collateral moved from %s to %s during repay", ErrInconsistentMarketState, before.CollateralBalance, mid.CollateralBalance)
	}

	if residual := mid.BorrowBalance; residual.Sign() > 0 && (params.ClosePosition || fullRequested) {
		// Debt that grew between the caller's quote and this call is settled
		// from any surplus the caller left in custody.
		spare, err := p.custodyBalance(ctx, p.borrowAsset)
		if err != nil {
			return nil, err
		}
		if spare.Cmp(residual) >= 0 {
			if err := p.market.Repay(ctx, p.address, p.borrowAsset, residual); err != nil {
				return nil, fmt.Errorf("market repay: %w", err)
			}
			repaid = new(big.Int).Add(repaid, residual)
			if mid, err = p.snapshot(ctx); err != nil {
				return nil, err
			}
		}
		if mid.BorrowBalance.Sign() > 0 {
			if !params.ClosePosition {
				return nil, fmt.Errorf("%w: residual debt %s", ErrClosePositionFailed, mid.BorrowBalance)
			}
			if mid.BorrowBalance.Cmp(p.deps.Tolerance.DustDebt) > 0 {
				return nil, fmt.Errorf("%w: residual debt %s", ErrClosePositionNotAllowed, mid.BorrowBalance)
			}
		}
	}

	closed := mid.BorrowBalance.Sign() == 0
	release := big.NewInt(0)
	switch {
	case closed:
		release = copyBig(mid.CollateralBalance)
	case params.ClosePosition:
		// Dust debt is left behind; everything above what backs it is released.
		hold, err := p.collateralBacking(ctx, mid.BorrowBalance)
		if err != nil {
			return nil, err
		}
		if hold.Cmp(mid.CollateralBalance) < 0 {
			release = new(big.Int).Sub(mid.CollateralBalance, hold)
		}
	case params.ReleaseCollateral:
		release = proportionalShare(mid.CollateralBalance, repaid, debt)
	}
	if release.Sign() > 0 {
		if err := p.withdraw(ctx, mid, release, params.Receiver); err != nil {
			return nil, err
		}
	}

	surplus, err := p.custodyBalance(ctx, p.borrowAsset)
	if err != nil {
		return nil, err
	}
	if err := p.transferOut(ctx, p.borrowAsset, params.Receiver, surplus); err != nil {
		return nil, err
	}

	after, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	p.state.CollateralSnapshot = copyBig(after.CollateralBalance)
	if closed {
		p.state.Borrowed = false
		p.state.Liquidated = big.NewInt(0)
	} else if params.ClosePosition {
		p.logger().Warn("pool adapter closed with dust debt",
			slog.String("position", p.address.Hex()),
			slog.String("residual", after.BorrowBalance.String()),
			slog.String("collateral", after.CollateralBalance.String()))
	}
	p.logOp("repay",
		slog.String("repaid", repaid.String()),
		slog.String("released", release.String()),
		slog.String("returned", surplus.String()),
		slog.String("residual", after.BorrowBalance.String()),
		slog.Bool("closed", closed))
	return release, nil
}

// withdraw pulls amount of collateral out of the market to receiver and checks
// the market balance fell by exactly that amount.
func (p *Position) withdraw(ctx context.Context, before AccountSnapshot, amount *big.Int, receiver common.Address) error {
	if err := p.market.Withdraw(ctx, p.address, p.collateralAsset, amount, receiver); err != nil {
		return fmt.Errorf("%w: withdraw collateral: %w", ErrMarketRejected, err)
	}
	after, err := p.readAccount(ctx)
	if err != nil {
		return err
	}
	want := new(big.Int).Sub(before.CollateralBalance, amount)
	if !within(after.CollateralBalance, want, p.deps.Tolerance.BalanceDelta) {
		return fmt.Errorf("%w: collateral %s after withdrawing %s, expected %s", ErrInconsistentMarketState, after.CollateralBalance, amount, want)
	}
	return nil
}

// collateralBacking returns the collateral the market needs to keep holding
// while debt remains.
func (p *Position) collateralBacking(ctx context.Context, debt *big.Int) (*big.Int, error) {
	params, err := p.market.CollateralParams(ctx, p.collateralAsset)
	if err != nil {
		return nil, fmt.Errorf("collateral params: %w", err)
	}
	collateralPrice, err := p.deps.Oracle.Price(ctx, p.collateralAsset)
	if err != nil {
		return nil, fmt.Errorf("collateral price: %w", err)
	}
	borrowPrice, err := p.deps.Oracle.Price(ctx, p.borrowAsset)
	if err != nil {
		return nil, fmt.Errorf("borrow price: %w", err)
	}
	collateralDecimals, err := p.deps.Ledger.Decimals(ctx, p.collateralAsset)
	if err != nil {
		return nil, err
	}
	borrowDecimals, err := p.deps.Ledger.Decimals(ctx, p.borrowAsset)
	if err != nil {
		return nil, err
	}
	hold := collateralCovering(debt, collateralPrice, borrowPrice, params.LTV, collateralDecimals, borrowDecimals)
	if hold == nil {
		return nil, fmt.Errorf("%w: collateral has no borrowing power", ErrClosePositionNotAllowed)
	}
	return hold, nil
}
