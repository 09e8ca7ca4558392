package market

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Liquidatable reports whether the account's debt exceeds its
// threshold-weighted collateral.
func (c *Comet) Liquidatable(ctx context.Context, account common.Address) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accrue()
	return c.liquidatable(ctx, account)
}

func (c *Comet) liquidatable(ctx context.Context, account common.Address) (bool, error) {
	acc, ok := c.state.accounts[account]
	if !ok {
		return false, nil
	}
	debt := c.debt(acc)
	if debt.Sign() == 0 {
		return false, nil
	}
	healthy, err := c.covered(ctx, acc, debt, thresholdOf)
	if err != nil {
		return false, err
	}
	return !healthy, nil
}

// Absorb takes over an underwater account: all of its collateral moves to
// the market reserves and its debt is written off against them.
func (c *Comet) Absorb(ctx context.Context, account common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accrue()
	underwater, err := c.liquidatable(ctx, account)
	if err != nil {
		return err
	}
	if !underwater {
		return ErrNotLiquidatable
	}
	acc := c.state.accounts[account]
	for asset, amount := range acc.Collateral {
		if amount.Sign() == 0 {
			continue
		}
		c.state.reserves[asset] = new(big.Int).Add(copyBig(c.state.reserves[asset]), amount)
		c.state.totalCollateral[asset] = new(big.Int).Sub(copyBig(c.state.totalCollateral[asset]), amount)
		acc.Collateral[asset] = big.NewInt(0)
	}
	c.reduceDebt(acc, c.debt(acc), c.debt(acc))
	return nil
}

// Liquidate repays part of an underwater account's debt on behalf of
// liquidator, who receives the equivalent collateral plus the liquidation
// bonus. The repay is capped by the close factor and by the collateral held.
// It returns the repaid debt and the seized collateral.
func (c *Comet) Liquidate(ctx context.Context, liquidator, account, collateralAsset common.Address, repayAmount *big.Int) (*big.Int, *big.Int, error) {
	if err := positive(repayAmount); err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accrue()
	col, ok := c.collaterals[collateralAsset]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCollateral, collateralAsset.Hex())
	}
	underwater, err := c.liquidatable(ctx, account)
	if err != nil {
		return nil, nil, err
	}
	if !underwater {
		return nil, nil, ErrNotLiquidatable
	}
	acc := c.state.accounts[account]
	debt := c.debt(acc)
	repay := new(big.Int).Set(repayAmount)
	if maxRepay := wadMul(debt, c.cfg.CloseFactor); repay.Cmp(maxRepay) > 0 {
		repay = maxRepay
	}

	repayValue, err := c.valueOf(ctx, c.cfg.BaseAsset, repay)
	if err != nil {
		return nil, nil, err
	}
	bonus := new(big.Int).Add(wad, copyBig(col.LiquidationBonus))
	seizeValue := wadMul(repayValue, bonus)
	price, err := c.oracle.Price(ctx, collateralAsset)
	if err != nil {
		return nil, nil, fmt.Errorf("market: price %s: %w", collateralAsset.Hex(), err)
	}
	decimals, err := c.ledger.Decimals(ctx, collateralAsset)
	if err != nil {
		return nil, nil, err
	}
	if price.Sign() == 0 {
		return nil, nil, fmt.Errorf("market: zero price for %s", collateralAsset.Hex())
	}
	seize := new(big.Int).Mul(seizeValue, pow10(decimals))
	seize.Quo(seize, price)
	held := copyBig(acc.Collateral[collateralAsset])
	if seize.Cmp(held) > 0 {
		// Scale the repay down to what the collateral can pay for.
		repay = new(big.Int).Mul(repay, held)
		repay.Quo(repay, seize)
		seize = held
	}
	if repay.Sign() == 0 || seize.Sign() == 0 {
		return nil, nil, ErrNotLiquidatable
	}

	if err := c.ledger.Transfer(ctx, c.cfg.BaseAsset, liquidator, c.cfg.Address, repay); err != nil {
		return nil, nil, fmt.Errorf("market: pull liquidation repay: %w", err)
	}
	if err := c.pay(ctx, collateralAsset, liquidator, seize); err != nil {
		return nil, nil, err
	}
	c.reduceDebt(acc, repay, debt)
	acc.Collateral[collateralAsset] = held.Sub(held, seize)
	c.state.totalCollateral[collateralAsset] = new(big.Int).Sub(copyBig(c.state.totalCollateral[collateralAsset]), seize)
	return repay, seize, nil
}

// Reserves returns the collateral absorbed by the market for asset.
func (c *Comet) Reserves(asset common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyBig(c.state.reserves[asset])
}
