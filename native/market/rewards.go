package market

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Claim pays the incentives accrued by account to to. Markets without a
// rewards stream, and accounts with nothing accrued, claim zero.
func (c *Comet) Claim(ctx context.Context, account, to common.Address) (common.Address, *big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accrue()
	if c.cfg.Rewards == nil {
		return common.Address{}, big.NewInt(0), nil
	}
	asset := c.cfg.Rewards.Asset
	owed := copyBig(c.state.rewards[account])
	if owed.Sign() == 0 {
		return asset, owed, nil
	}
	if err := c.ledger.Transfer(ctx, asset, c.cfg.Address, to, owed); err != nil {
		return common.Address{}, nil, fmt.Errorf("market: pay rewards: %w", err)
	}
	delete(c.state.rewards, account)
	return asset, owed, nil
}

// Accrued returns the unclaimed incentives of account.
func (c *Comet) Accrued(account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accrue()
	return copyBig(c.state.rewards[account])
}
