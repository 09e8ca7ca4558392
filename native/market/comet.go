package market

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"lendbridge/native/pooladapter"
)

var (
	ErrNotBaseAsset          = errors.New("market: asset is not the base asset")
	ErrUnknownCollateral     = errors.New("market: unknown collateral asset")
	ErrInvalidAmount         = errors.New("market: amount must be positive")
	ErrInsufficientBalance   = errors.New("market: insufficient account balance")
	ErrInsufficientLiquidity = errors.New("market: insufficient liquidity")
	ErrUndercollateralized   = errors.New("market: borrow exceeds collateral value")
	ErrBorrowTooSmall        = errors.New("market: borrow below minimum")
	ErrRepayExceedsDebt      = errors.New("market: repay exceeds debt")
	ErrSupplyCapExceeded     = errors.New("market: supply cap exceeded")
	ErrNotLiquidatable       = errors.New("market: account not liquidatable")
	ErrNoDebt                = errors.New("market: account has no debt")
)

// ClockControl advances the market clock. It exists for tests and sandboxes;
// positions never depend on it.
type ClockControl interface {
	SkipBlocks(n uint64)
	BlockNumber() uint64
}

// Account is the market's record of a single address.
type Account struct {
	SupplyScaled *big.Int
	DebtScaled   *big.Int
	Collateral   map[common.Address]*big.Int
}

func newAccount() *Account {
	return &Account{SupplyScaled: big.NewInt(0), DebtScaled: big.NewInt(0), Collateral: make(map[common.Address]*big.Int)}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	out := &Account{
		SupplyScaled: copyBig(a.SupplyScaled),
		DebtScaled:   copyBig(a.DebtScaled),
		Collateral:   make(map[common.Address]*big.Int, len(a.Collateral)),
	}
	for asset, amount := range a.Collateral {
		out.Collateral[asset] = copyBig(amount)
	}
	return out
}

type cometState struct {
	block             uint64
	lastAccrual       uint64
	supplyIndex       *big.Int
	borrowIndex       *big.Int
	totalSupplyScaled *big.Int
	totalBorrowScaled *big.Int
	totalCollateral   map[common.Address]*big.Int
	accounts          map[common.Address]*Account
	reserves          map[common.Address]*big.Int
	rewards           map[common.Address]*big.Int
}

func (s *cometState) clone() *cometState {
	out := &cometState{
		block:             s.block,
		lastAccrual:       s.lastAccrual,
		supplyIndex:       copyBig(s.supplyIndex),
		borrowIndex:       copyBig(s.borrowIndex),
		totalSupplyScaled: copyBig(s.totalSupplyScaled),
		totalBorrowScaled: copyBig(s.totalBorrowScaled),
		totalCollateral:   cloneAmounts(s.totalCollateral),
		accounts:          make(map[common.Address]*Account, len(s.accounts)),
		reserves:          cloneAmounts(s.reserves),
		rewards:           cloneAmounts(s.rewards),
	}
	for addr, acc := range s.accounts {
		out.accounts[addr] = acc.Clone()
	}
	return out
}

func cloneAmounts(in map[common.Address]*big.Int) map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(in))
	for k, v := range in {
		out[k] = copyBig(v)
	}
	return out
}

// Comet is an in-process single base asset lending market in the style of
// Compound III. Suppliers of the base asset earn interest, borrowers pay it
// through a per-block borrow index, and collateral earns nothing. Accounts
// whose debt exceeds their liquidation threshold can be absorbed or partially
// liquidated by third parties.
type Comet struct {
	mu          sync.Mutex
	cfg         Config
	collaterals map[common.Address]CollateralConfig
	ledger      pooladapter.Ledger
	oracle      pooladapter.PriceOracle
	state       *cometState
	revisions   []*cometState
}

var (
	_ pooladapter.Market  = (*Comet)(nil)
	_ pooladapter.Journal = (*Comet)(nil)
	_ pooladapter.Rewards = (*Comet)(nil)
	_ ClockControl        = (*Comet)(nil)
)

// NewComet validates cfg and returns an empty market.
func NewComet(cfg Config, ledger pooladapter.Ledger, oracle pooladapter.PriceOracle) (*Comet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil || oracle == nil {
		return nil, errors.New("market: ledger and oracle required")
	}
	if cfg.Interest == nil {
		cfg.Interest = DefaultInterestModel
	}
	cfg.Interest = cfg.Interest.Clone()
	if cfg.CloseFactor == nil {
		cfg.CloseFactor = new(big.Int).Quo(wad, big.NewInt(2))
	}
	if cfg.MinBorrow == nil {
		cfg.MinBorrow = big.NewInt(0)
	}
	collaterals := make(map[common.Address]CollateralConfig, len(cfg.Collaterals))
	for _, col := range cfg.Collaterals {
		collaterals[col.Asset] = col.clone()
	}
	return &Comet{
		cfg:         cfg,
		collaterals: collaterals,
		ledger:      ledger,
		oracle:      oracle,
		state: &cometState{
			supplyIndex:       new(big.Int).Set(ray),
			borrowIndex:       new(big.Int).Set(ray),
			totalSupplyScaled: big.NewInt(0),
			totalBorrowScaled: big.NewInt(0),
			totalCollateral:   make(map[common.Address]*big.Int),
			accounts:          make(map[common.Address]*Account),
			reserves:          make(map[common.Address]*big.Int),
			rewards:           make(map[common.Address]*big.Int),
		},
	}, nil
}

func (c *Comet) Address() common.Address   { return c.cfg.Address }
func (c *Comet) BaseAsset() common.Address { return c.cfg.BaseAsset }

// SkipBlocks advances the market clock by n blocks.
func (c *Comet) SkipBlocks(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.block += n
}

// BlockNumber returns the market clock.
func (c *Comet) BlockNumber() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.block
}

// Supply deposits amount of asset from account. The base asset earns
// interest; any other configured asset is held as collateral.
func (c *Comet) Supply(ctx context.Context, account, asset common.Address, amount *big.Int) error {
	if err := positive(amount); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accrue()
	acc := c.account(account)
	if asset == c.cfg.BaseAsset {
		if err := c.ledger.Transfer(ctx, asset, account, c.cfg.Address, amount); err != nil {
			return fmt.Errorf("market: pull supply: %w", err)
		}
		scaled := toScaled(amount, c.state.supplyIndex)
		acc.SupplyScaled.Add(acc.SupplyScaled, scaled)
		c.state.totalSupplyScaled.Add(c.state.totalSupplyScaled, scaled)
		return nil
	}
	col, ok := c.collaterals[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollateral, asset.Hex())
	}
	total := new(big.Int).Add(copyBig(c.state.totalCollateral[asset]), amount)
	if col.SupplyCap != nil && col.SupplyCap.Sign() > 0 && total.Cmp(col.SupplyCap) > 0 {
		return ErrSupplyCapExceeded
	}
	if err := c.ledger.Transfer(ctx, asset, account, c.cfg.Address, amount); err != nil {
		return fmt.Errorf("market: pull collateral: %w", err)
	}
	acc.Collateral[asset] = new(big.Int).Add(copyBig(acc.Collateral[asset]), amount)
	c.state.totalCollateral[asset] = total
	return nil
}

// Withdraw releases amount of asset held for account to to. Collateral can
// only be withdrawn while the remaining collateral still covers the debt.
func (c *Comet) Withdraw(ctx context.Context, account, asset common.Address, amount *big.Int, to common.Address) error {
	if err := positive(amount); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accrue()
	acc := c.account(account)
	if asset == c.cfg.BaseAsset {
		balance := fromScaled(acc.SupplyScaled, c.state.supplyIndex)
		if amount.Cmp(balance) > 0 {
			return ErrInsufficientBalance
		}
		if err := c.requireCash(ctx, amount); err != nil {
			return err
		}
		burn := toScaled(amount, c.state.supplyIndex)
		if amount.Cmp(balance) == 0 || burn.Cmp(acc.SupplyScaled) > 0 {
			burn = copyBig(acc.SupplyScaled)
		}
		acc.SupplyScaled.Sub(acc.SupplyScaled, burn)
		c.state.totalSupplyScaled.Sub(c.state.totalSupplyScaled, burn)
		return c.pay(ctx, asset, to, amount)
	}
	if _, ok := c.collaterals[asset]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollateral, asset.Hex())
	}
	held := copyBig(acc.Collateral[asset])
	if amount.Cmp(held) > 0 {
		return ErrInsufficientBalance
	}
	trial := acc.Clone()
	trial.Collateral[asset] = new(big.Int).Sub(held, amount)
	healthy, err := c.covered(ctx, trial, c.debt(acc), ltvOf)
	if err != nil {
		return err
	}
	if !healthy {
		return ErrUndercollateralized
	}
	acc.Collateral[asset] = trial.Collateral[asset]
	c.state.totalCollateral[asset] = new(big.Int).Sub(copyBig(c.state.totalCollateral[asset]), amount)
	return c.pay(ctx, asset, to, amount)
}

// Borrow lends amount of the base asset to account and sends it to to.
func (c *Comet) Borrow(ctx context.Context, account, asset common.Address, amount *big.Int, to common.Address) error {
	if err := positive(amount); err != nil {
		return err
	}
	if asset != c.cfg.BaseAsset {
		return ErrNotBaseAsset
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accrue()
	acc := c.account(account)
	newDebt := new(big.Int).Add(c.debt(acc), amount)
	if newDebt.Cmp(c.cfg.MinBorrow) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrBorrowTooSmall, newDebt, c.cfg.MinBorrow)
	}
	if err := c.requireCash(ctx, amount); err != nil {
		return err
	}
	healthy, err := c.covered(ctx, acc, newDebt, ltvOf)
	if err != nil {
		return err
	}
	if !healthy {
		return ErrUndercollateralized
	}
	scaled := toScaled(amount, c.state.borrowIndex)
	acc.DebtScaled.Add(acc.DebtScaled, scaled)
	c.state.totalBorrowScaled.Add(c.state.totalBorrowScaled, scaled)
	return c.pay(ctx, asset, to, amount)
}

// Repay pulls amount of the base asset from account to reduce its debt.
func (c *Comet) Repay(ctx context.Context, account, asset common.Address, amount *big.Int) error {
	if err := positive(amount); err != nil {
		return err
	}
	if asset != c.cfg.BaseAsset {
		return ErrNotBaseAsset
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accrue()
	acc := c.account(account)
	debt := c.debt(acc)
	if debt.Sign() == 0 {
		return ErrNoDebt
	}
	if amount.Cmp(debt) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrRepayExceedsDebt, amount, debt)
	}
	if err := c.ledger.Transfer(ctx, asset, account, c.cfg.Address, amount); err != nil {
		return fmt.Errorf("market: pull repay: %w", err)
	}
	c.reduceDebt(acc, amount, debt)
	return nil
}

// AccountSnapshot reports the collateral and debt of account.
func (c *Comet) AccountSnapshot(_ context.Context, account, collateralAsset, borrowAsset common.Address) (pooladapter.AccountSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accrue()
	snap := pooladapter.AccountSnapshot{CollateralBalance: big.NewInt(0), BorrowBalance: big.NewInt(0)}
	acc, ok := c.state.accounts[account]
	if !ok {
		return snap, nil
	}
	if collateralAsset == c.cfg.BaseAsset {
		snap.CollateralBalance = fromScaled(acc.SupplyScaled, c.state.supplyIndex)
	} else {
		snap.CollateralBalance = copyBig(acc.Collateral[collateralAsset])
	}
	if borrowAsset == c.cfg.BaseAsset {
		snap.BorrowBalance = c.debt(acc)
	}
	return snap, nil
}

// CollateralParams returns the LTV and liquidation threshold of asset.
func (c *Comet) CollateralParams(_ context.Context, asset common.Address) (pooladapter.CollateralParams, error) {
	col, ok := c.collaterals[asset]
	if !ok {
		return pooladapter.CollateralParams{}, fmt.Errorf("%w: %s", ErrUnknownCollateral, asset.Hex())
	}
	return pooladapter.CollateralParams{LTV: copyBig(col.LTV), LiquidationThreshold: copyBig(col.LiquidationThreshold)}, nil
}

// BorrowLimits reports the lendable cash and the minimum borrow.
func (c *Comet) BorrowLimits(ctx context.Context, asset common.Address) (pooladapter.BorrowLimits, error) {
	if asset != c.cfg.BaseAsset {
		return pooladapter.BorrowLimits{Available: big.NewInt(0), MinBorrow: big.NewInt(0)}, nil
	}
	cash, err := c.cash(ctx)
	if err != nil {
		return pooladapter.BorrowLimits{}, err
	}
	return pooladapter.BorrowLimits{Available: cash, MinBorrow: copyBig(c.cfg.MinBorrow)}, nil
}

// Account returns a copy of the stored account, or nil.
func (c *Comet) Account(addr common.Address) *Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accrue()
	acc, ok := c.state.accounts[addr]
	if !ok {
		return nil
	}
	return acc.Clone()
}

// Snapshot records the market state and returns the revision id.
func (c *Comet) Snapshot() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revisions = append(c.revisions, c.state.clone())
	return len(c.revisions) - 1
}

// RevertToSnapshot restores revision id and drops it with every later one.
func (c *Comet) RevertToSnapshot(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || id >= len(c.revisions) {
		panic(fmt.Sprintf("market: unknown snapshot revision %d", id))
	}
	block := c.state.block
	c.state = c.revisions[id]
	c.state.block = block
	c.revisions = c.revisions[:id]
}

// DiscardSnapshot drops revision id and every later one.
func (c *Comet) DiscardSnapshot(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || id >= len(c.revisions) {
		return
	}
	c.revisions = c.revisions[:id]
}

func (c *Comet) account(addr common.Address) *Account {
	acc, ok := c.state.accounts[addr]
	if !ok {
		acc = newAccount()
		c.state.accounts[addr] = acc
	}
	return acc
}

func (c *Comet) debt(acc *Account) *big.Int {
	return fromScaled(acc.DebtScaled, c.state.borrowIndex)
}

func (c *Comet) reduceDebt(acc *Account, amount, debt *big.Int) {
	burn := toScaled(amount, c.state.borrowIndex)
	if amount.Cmp(debt) >= 0 || burn.Cmp(acc.DebtScaled) > 0 {
		burn = copyBig(acc.DebtScaled)
	}
	acc.DebtScaled.Sub(acc.DebtScaled, burn)
	c.state.totalBorrowScaled.Sub(c.state.totalBorrowScaled, burn)
	if c.state.totalBorrowScaled.Sign() < 0 {
		c.state.totalBorrowScaled.SetInt64(0)
	}
}

func (c *Comet) cash(ctx context.Context) (*big.Int, error) {
	bal, err := c.ledger.BalanceOf(ctx, c.cfg.BaseAsset, c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("market: cash: %w", err)
	}
	return bal, nil
}

func (c *Comet) requireCash(ctx context.Context, amount *big.Int) error {
	cash, err := c.cash(ctx)
	if err != nil {
		return err
	}
	if cash.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s available", ErrInsufficientLiquidity, cash)
	}
	return nil
}

func (c *Comet) pay(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	if err := c.ledger.Transfer(ctx, asset, c.cfg.Address, to, amount); err != nil {
		return fmt.Errorf("market: pay out: %w", err)
	}
	return nil
}

type factorOf func(CollateralConfig) *big.Int

func ltvOf(col CollateralConfig) *big.Int       { return col.LTV }
func thresholdOf(col CollateralConfig) *big.Int { return col.LiquidationThreshold }

// covered reports whether the factor-weighted collateral of acc is worth at
// least debt.
func (c *Comet) covered(ctx context.Context, acc *Account, debt *big.Int, factor factorOf) (bool, error) {
	if debt.Sign() == 0 {
		return true, nil
	}
	debtValue, err := c.valueOf(ctx, c.cfg.BaseAsset, debt)
	if err != nil {
		return false, err
	}
	limit := big.NewInt(0)
	for asset, amount := range acc.Collateral {
		if amount.Sign() == 0 {
			continue
		}
		v, err := c.valueOf(ctx, asset, amount)
		if err != nil {
			return false, err
		}
		limit.Add(limit, wadMul(v, factor(c.collaterals[asset])))
	}
	return limit.Cmp(debtValue) >= 0, nil
}

func (c *Comet) valueOf(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error) {
	price, err := c.oracle.Price(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("market: price %s: %w", asset.Hex(), err)
	}
	decimals, err := c.ledger.Decimals(ctx, asset)
	if err != nil {
		return nil, err
	}
	return value(amount, price, decimals), nil
}

// accrue applies interest and rewards for the blocks elapsed since the last
// accrual.
func (c *Comet) accrue() {
	s := c.state
	if s.block <= s.lastAccrual {
		return
	}
	delta := s.block - s.lastAccrual
	s.lastAccrual = s.block
	if s.totalBorrowScaled.Sign() == 0 {
		return
	}
	borrowed := fromScaled(s.totalBorrowScaled, s.borrowIndex)
	supplied := fromScaled(s.totalSupplyScaled, s.supplyIndex)
	model := c.cfg.Interest
	s.borrowIndex = rayMul(s.borrowIndex, growthFactor(model.BorrowRate(borrowed, supplied), delta))
	s.supplyIndex = rayMul(s.supplyIndex, growthFactor(model.SupplyRate(borrowed, supplied), delta))

	if c.cfg.Rewards == nil || c.cfg.Rewards.PerBlock.Sign() == 0 {
		return
	}
	reward := new(big.Int).Mul(c.cfg.Rewards.PerBlock, new(big.Int).SetUint64(delta))
	for addr, acc := range s.accounts {
		if acc.DebtScaled.Sign() > 0 {
			s.rewards[addr] = new(big.Int).Add(copyBig(s.rewards[addr]), reward)
		}
	}
}

func positive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
