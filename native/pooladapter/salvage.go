package pooladapter

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Salvage moves tokens sent to the position by mistake out of custody. The
// position's own collateral and borrow assets are never salvageable.
func (p *Position) Salvage(ctx context.Context, caller, receiver, asset common.Address, amount *big.Int) error {
	if err := p.authorizeGovernance(caller); err != nil {
		return err
	}
	if receiver == (common.Address{}) || asset == (common.Address{}) {
		return ErrZeroAddress
	}
	if err := requirePositive(amount); err != nil {
		return err
	}
	if asset == p.collateralAsset || asset == p.borrowAsset {
		return ErrUnsalvageableAsset
	}
	return p.atomic(func() error {
		if _, err := p.requireCustody(ctx, asset, amount); err != nil {
			return err
		}
		if err := p.transferOut(ctx, asset, receiver, amount); err != nil {
			return err
		}
		p.logger().Info("pool adapter salvage",
			slog.String("position", p.address.Hex()),
			slog.String("asset", asset.Hex()),
			slog.String("amount", amount.String()),
			slog.String("receiver", receiver.Hex()))
		return nil
	})
}

// ClaimRewards forwards market incentives accrued by the position to
// receiver. Positions on markets without incentives claim nothing.
func (p *Position) ClaimRewards(ctx context.Context, caller, receiver common.Address) (common.Address, *big.Int, error) {
	if err := p.authorize(caller, false); err != nil {
		return common.Address{}, nil, err
	}
	if receiver == (common.Address{}) {
		return common.Address{}, nil, ErrZeroAddress
	}
	if p.rewards == nil {
		return common.Address{}, big.NewInt(0), nil
	}
	var (
		asset  common.Address
		amount *big.Int
	)
	err := p.atomic(func() error {
		var err error
		asset, amount, err = p.rewards.Claim(ctx, p.address, receiver)
		return err
	})
	if err != nil {
		return common.Address{}, nil, err
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	p.logOp("claim rewards", slog.String("asset", asset.Hex()), slog.String("amount", amount.String()))
	return asset, amount, nil
}
