package pooladapter

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// GetStatus reports the live health of the position without changing it.
// Collateral lost since the last recorded snapshot is included in
// CollateralAmountLiquidated but not latched.
func (p *Position) GetStatus(ctx context.Context) (Status, error) {
	if err := p.requireInitialized(); err != nil {
		return Status{}, err
	}
	snap, err := p.snapshot(ctx)
	if err != nil {
		return Status{}, err
	}
	liquidated := new(big.Int).Add(p.state.Liquidated, p.pendingLiquidation(snap.CollateralBalance))
	return p.status(ctx, snap, liquidated)
}

// UpdateStatus refreshes the recorded collateral snapshot, latching any
// liquidation observed since the previous refresh, and returns the status.
// Repeated calls with no market change return the same status.
func (p *Position) UpdateStatus(ctx context.Context, caller common.Address) (Status, error) {
	if err := p.authorize(caller, false); err != nil {
		return Status{}, err
	}
	var status Status
	err := p.atomic(func() error {
		snap, err := p.snapshot(ctx)
		if err != nil {
			return err
		}
		p.sync(snap)
		status, err = p.status(ctx, snap, p.state.Liquidated)
		if err != nil {
			return err
		}
		p.logOp("update status",
			slog.String("healthFactor", status.HealthFactor.String()),
			slog.String("liquidated", status.CollateralAmountLiquidated.String()))
		return nil
	})
	if err != nil {
		return Status{}, err
	}
	return status, nil
}

func (p *Position) status(ctx context.Context, snap AccountSnapshot, liquidated *big.Int) (Status, error) {
	hf, err := p.healthFactor(ctx, snap)
	if err != nil {
		return Status{}, err
	}
	return Status{
		CollateralAmount:           copyBig(snap.CollateralBalance),
		AmountToPay:                copyBig(snap.BorrowBalance),
		HealthFactor:               hf,
		CollateralAmountLiquidated: copyBig(liquidated),
		Opened:                     snap.BorrowBalance.Sign() > 0,
		DebtGapRequired:            p.deps.DebtGap && snap.BorrowBalance.Sign() > 0,
	}, nil
}
