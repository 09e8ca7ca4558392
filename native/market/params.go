package market

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CollateralConfig describes an asset accepted as collateral. Ratios use 18
// decimal fixed point.
type CollateralConfig struct {
	Asset                common.Address
	LTV                  *big.Int
	LiquidationThreshold *big.Int
	// LiquidationBonus is the premium paid to liquidators on seized
	// collateral, e.g. 0.05e18 for 5%.
	LiquidationBonus *big.Int
	// SupplyCap bounds the total collateral the market accepts. Nil or zero
	// means uncapped.
	SupplyCap *big.Int
}

// RewardsConfig streams an incentive token to every borrowing account.
type RewardsConfig struct {
	Asset    common.Address
	PerBlock *big.Int
}

// Config wires a single base asset market.
type Config struct {
	// Address is the market's custody account in the token ledger.
	Address     common.Address
	BaseAsset   common.Address
	MinBorrow   *big.Int
	CloseFactor *big.Int
	Collaterals []CollateralConfig
	Interest    *InterestModel
	Rewards     *RewardsConfig
}

// Validate checks the market configuration for internal consistency.
func (c Config) Validate() error {
	if c.Address == (common.Address{}) || c.BaseAsset == (common.Address{}) {
		return errors.New("market: address and base asset required")
	}
	if c.CloseFactor != nil && (c.CloseFactor.Sign() <= 0 || c.CloseFactor.Cmp(wad) > 0) {
		return errors.New("market: close factor must be within (0, 1]")
	}
	seen := make(map[common.Address]struct{}, len(c.Collaterals))
	for _, col := range c.Collaterals {
		if col.Asset == (common.Address{}) {
			return errors.New("market: collateral asset required")
		}
		if col.Asset == c.BaseAsset {
			return fmt.Errorf("market: base asset %s cannot be collateral", col.Asset.Hex())
		}
		if _, dup := seen[col.Asset]; dup {
			return fmt.Errorf("market: duplicate collateral %s", col.Asset.Hex())
		}
		seen[col.Asset] = struct{}{}
		if col.LTV == nil || col.LiquidationThreshold == nil {
			return fmt.Errorf("market: collateral %s missing ratios", col.Asset.Hex())
		}
		if col.LTV.Sign() <= 0 || col.LTV.Cmp(col.LiquidationThreshold) > 0 || col.LiquidationThreshold.Cmp(wad) >= 0 {
			return fmt.Errorf("market: collateral %s requires 0 < ltv <= threshold < 1", col.Asset.Hex())
		}
		if col.LiquidationBonus != nil && col.LiquidationBonus.Sign() < 0 {
			return fmt.Errorf("market: collateral %s liquidation bonus negative", col.Asset.Hex())
		}
	}
	if c.Rewards != nil && (c.Rewards.Asset == (common.Address{}) || c.Rewards.PerBlock == nil || c.Rewards.PerBlock.Sign() < 0) {
		return errors.New("market: rewards require an asset and a non-negative rate")
	}
	return nil
}

func (c CollateralConfig) clone() CollateralConfig {
	out := c
	out.LTV = copyBig(c.LTV)
	out.LiquidationThreshold = copyBig(c.LiquidationThreshold)
	out.LiquidationBonus = copyBig(c.LiquidationBonus)
	out.SupplyCap = copyBig(c.SupplyCap)
	return out
}
