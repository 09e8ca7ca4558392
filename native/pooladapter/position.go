package pooladapter

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "lendbridge/native/common"
)

// Position is a single user's borrow position opened through one market. The
// position address is both its custody account in the ledger and its account
// in the market.
//
// A Position is not safe for concurrent use; callers serialise operations
// per position (see registry.Handle).
type Position struct {
	address common.Address
	deps    Deps

	controller    Controller
	market        Market
	marketAddress common.Address
	rewards       Rewards

	converter       common.Address
	user            common.Address
	collateralAsset common.Address
	borrowAsset     common.Address

	initialized bool
	state       PositionState
}

// New constructs an uninitialised position bound to the custody address.
func New(address common.Address, deps Deps) *Position {
	deps.Tolerance = deps.Tolerance.normalized()
	return &Position{
		address: address,
		deps:    deps,
		state:   PositionState{CollateralSnapshot: big.NewInt(0), Liquidated: big.NewInt(0)},
	}
}

// Initialize binds the position to its market and identity. It can only be
// called once.
func (p *Position) Initialize(params InitParams) error {
	if p.initialized {
		return ErrAlreadyInitialized
	}
	if params.Controller == nil || params.Market == nil {
		return ErrZeroAddress
	}
	if p.address == (common.Address{}) || p.deps.Ledger == nil || p.deps.Oracle == nil {
		return ErrZeroAddress
	}
	for _, addr := range []common.Address{params.Converter, params.User, params.CollateralAsset, params.BorrowAsset} {
		if addr == (common.Address{}) {
			return ErrZeroAddress
		}
	}
	p.controller = params.Controller
	p.market = params.Market
	p.marketAddress = params.MarketAddress
	p.rewards = params.Rewards
	p.converter = params.Converter
	p.user = params.User
	p.collateralAsset = params.CollateralAsset
	p.borrowAsset = params.BorrowAsset
	p.initialized = true
	return nil
}

// Restore initialises a position from persisted bookkeeping.
func Restore(address common.Address, deps Deps, params InitParams, state PositionState) (*Position, error) {
	p := New(address, deps)
	if err := p.Initialize(params); err != nil {
		return nil, err
	}
	p.state = state.Clone()
	return p, nil
}

func (p *Position) Address() common.Address         { return p.address }
func (p *Position) MarketAddress() common.Address   { return p.marketAddress }
func (p *Position) Converter() common.Address       { return p.converter }
func (p *Position) User() common.Address            { return p.user }
func (p *Position) CollateralAsset() common.Address { return p.collateralAsset }
func (p *Position) BorrowAsset() common.Address     { return p.borrowAsset }
func (p *Position) Initialized() bool               { return p.initialized }

// State returns a copy of the position's mutable bookkeeping.
func (p *Position) State() PositionState {
	return p.state.Clone()
}

func (p *Position) logger() *slog.Logger {
	if p.deps.Logger != nil {
		return p.deps.Logger
	}
	return slog.Default()
}

func (p *Position) requireInitialized() error {
	if !p.initialized {
		return ErrNotInitialized
	}
	return nil
}

// authorize runs the checks every mutating call shares: initialisation,
// caller identity and the module pause switch.
func (p *Position) authorize(caller common.Address, allowUser bool) error {
	if err := p.requireInitialized(); err != nil {
		return err
	}
	if caller != p.controller.Orchestrator() && !(allowUser && caller == p.user) {
		return ErrCallerNotAuthorized
	}
	return nativecommon.Guard(p.controller, ModuleName)
}

func (p *Position) authorizeGovernance(caller common.Address) error {
	if err := p.requireInitialized(); err != nil {
		return err
	}
	if caller != p.controller.Governance() {
		return ErrNotGovernance
	}
	return nativecommon.Guard(p.controller, ModuleName)
}

// atomic runs fn against a journal revision. Any failure rolls back the
// ledger, the market and the position's own bookkeeping.
func (p *Position) atomic(fn func() error) error {
	saved := p.state.Clone()
	journal := p.deps.Journal
	rev := -1
	if journal != nil {
		rev = journal.Snapshot()
	}
	if err := fn(); err != nil {
		if journal != nil {
			journal.RevertToSnapshot(rev)
		}
		p.state = saved
		return err
	}
	if journal != nil {
		journal.DiscardSnapshot(rev)
	}
	return nil
}

func (p *Position) custodyBalance(ctx context.Context, asset common.Address) (*big.Int, error) {
	bal, err := p.deps.Ledger.BalanceOf(ctx, asset, p.address)
	if err != nil {
		return nil, fmt.Errorf("custody balance: %w", err)
	}
	if bal == nil {
		return big.NewInt(0), nil
	}
	return bal, nil
}

func (p *Position) requireCustody(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error) {
	bal, err := p.custodyBalance(ctx, asset)
	if err != nil {
		return nil, err
	}
	if bal.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: custody holds %s, need %s", ErrInsufficientTransfer, bal, amount)
	}
	return bal, nil
}

func (p *Position) transferOut(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if err := p.deps.Ledger.Transfer(ctx, asset, p.address, to, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientTransfer, err)
	}
	return nil
}

func (p *Position) readAccount(ctx context.Context) (AccountSnapshot, error) {
	snap, err := p.market.AccountSnapshot(ctx, p.address, p.collateralAsset, p.borrowAsset)
	if err != nil {
		return AccountSnapshot{}, fmt.Errorf("%w: %v", ErrInconsistentMarketState, err)
	}
	if snap.CollateralBalance == nil || snap.BorrowBalance == nil {
		return AccountSnapshot{}, fmt.Errorf("%w: missing balances", ErrInconsistentMarketState)
	}
	if snap.CollateralBalance.Sign() < 0 || snap.BorrowBalance.Sign() < 0 {
		return AccountSnapshot{}, fmt.Errorf("%w: negative balance", ErrInconsistentMarketState)
	}
	return snap.Clone(), nil
}

// snapshot reads the market account and rejects states no position can be in.
func (p *Position) snapshot(ctx context.Context) (AccountSnapshot, error) {
	snap, err := p.readAccount(ctx)
	if err != nil {
		return AccountSnapshot{}, err
	}
	if snap.BorrowBalance.Sign() > 0 && !p.state.Borrowed {
		return AccountSnapshot{}, fmt.Errorf("%w: market reports debt %s for a position that never borrowed", ErrWrongBorrowBalance, snap.BorrowBalance)
	}
	return snap, nil
}

// pendingLiquidation is the collateral lost since the last recorded snapshot.
func (p *Position) pendingLiquidation(collateral *big.Int) *big.Int {
	lost := new(big.Int).Sub(p.state.CollateralSnapshot, collateral)
	if lost.Sign() <= 0 {
		return big.NewInt(0)
	}
	return lost
}

// sync latches any unexplained collateral loss and adopts the market balance
// as the new snapshot. It runs before every position initiated change so
// that the change itself is never mistaken for a liquidation.
func (p *Position) sync(snap AccountSnapshot) {
	lost := p.pendingLiquidation(snap.CollateralBalance)
	if lost.Sign() > 0 {
		p.state.Liquidated = new(big.Int).Add(p.state.Liquidated, lost)
		p.logger().Warn("pool adapter collateral liquidated",
			slog.String("position", p.address.Hex()),
			slog.String("amount", lost.String()),
			slog.String("total", p.state.Liquidated.String()))
	}
	p.state.CollateralSnapshot = copyBig(snap.CollateralBalance)
}

func (p *Position) healthFactor(ctx context.Context, snap AccountSnapshot) (*big.Int, error) {
	if snap.BorrowBalance.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor), nil
	}
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
	return HealthFactor(snap.CollateralBalance, snap.BorrowBalance, collateralPrice, borrowPrice,
		params.LiquidationThreshold, collateralDecimals, borrowDecimals), nil
}

func (p *Position) logOp(op string, attrs ...any) {
	base := []any{slog.String("position", p.address.Hex()), slog.String("user", p.user.Hex())}
	p.logger().Debug("pool adapter "+op, append(base, attrs...)...)
}

func requirePositive(amounts ...*big.Int) error {
	for _, amount := range amounts {
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
	}
	return nil
}
