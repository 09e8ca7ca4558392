package pooladapter

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"lendbridge/native/token"
)

func addr(b byte) common.Address {
	var a common.Address
	a[0] = 0xbb
	a[len(a)-1] = b
	return a
}

var (
	testOrchestrator = addr(1)
	testGovernance   = addr(2)
	testUser         = addr(3)
	testConverter    = addr(4)
	testReceiver     = addr(5)
	testMarket       = addr(6)
	testPosition     = addr(7)
	testCollateral   = addr(8)
	testBorrow       = addr(9)
)

func units(n int64, decimals int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil))
}

type fakeController struct {
	paused map[string]bool
}

func (c *fakeController) IsPaused(module string) bool       { return c.paused[module] }
func (c *fakeController) TargetHealthFactor() *big.Int      { return units(2, 18) }
func (c *fakeController) MinHealthFactor() *big.Int         { return units(11, 17) }
func (c *fakeController) Orchestrator() common.Address      { return testOrchestrator }
func (c *fakeController) Governance() common.Address        { return testGovernance }

type fakeOracle map[common.Address]*big.Int

func (o fakeOracle) Price(_ context.Context, asset common.Address) (*big.Int, error) {
	p, ok := o[asset]
	if !ok {
		return nil, errors.New("no price")
	}
	return new(big.Int).Set(p), nil
}

// fakeMarket keeps a single account and can be told to misbehave.
type fakeMarket struct {
	ledger     *token.Ledger
	collateral *big.Int
	debt       *big.Int

	borrowShortfall *big.Int
	borrowOverbook  *big.Int
	repayLeak       *big.Int
	supplyErr       error
	withdrawErr     error
	override        *AccountSnapshot
}

func (m *fakeMarket) Supply(ctx context.Context, account, asset common.Address, amount *big.Int) error {
	if m.supplyErr != nil {
		return m.supplyErr
	}
	if err := m.ledger.Transfer(ctx, asset, account, testMarket, amount); err != nil {
		return err
	}
	m.collateral = new(big.Int).Add(m.collateral, amount)
	return nil
}

func (m *fakeMarket) Withdraw(ctx context.Context, _ common.Address, asset common.Address, amount *big.Int, to common.Address) error {
	if m.withdrawErr != nil {
		return m.withdrawErr
	}
	if amount.Cmp(m.collateral) > 0 {
		return errors.New("withdraw exceeds collateral")
	}
	m.collateral = new(big.Int).Sub(m.collateral, amount)
	return m.ledger.Transfer(ctx, asset, testMarket, to, amount)
}

func (m *fakeMarket) Borrow(ctx context.Context, _ common.Address, asset common.Address, amount *big.Int, to common.Address) error {
	m.debt = new(big.Int).Add(m.debt, amount)
	if m.borrowOverbook != nil {
		m.debt.Add(m.debt, m.borrowOverbook)
	}
	delivered := new(big.Int).Set(amount)
	if m.borrowShortfall != nil {
		delivered.Sub(delivered, m.borrowShortfall)
	}
	return m.ledger.Transfer(ctx, asset, testMarket, to, delivered)
}

func (m *fakeMarket) Repay(ctx context.Context, account, asset common.Address, amount *big.Int) error {
	if err := m.ledger.Transfer(ctx, asset, account, testMarket, amount); err != nil {
		return err
	}
	m.debt = new(big.Int).Sub(m.debt, amount)
	if m.repayLeak != nil {
		m.debt.Add(m.debt, m.repayLeak)
	}
	return nil
}

func (m *fakeMarket) AccountSnapshot(context.Context, common.Address, common.Address, common.Address) (AccountSnapshot, error) {
	if m.override != nil {
		return *m.override, nil
	}
	return AccountSnapshot{CollateralBalance: new(big.Int).Set(m.collateral), BorrowBalance: new(big.Int).Set(m.debt)}, nil
}

func (m *fakeMarket) CollateralParams(context.Context, common.Address) (CollateralParams, error) {
	return CollateralParams{LTV: units(8, 17), LiquidationThreshold: units(85, 16)}, nil
}

type faultEnv struct {
	ctx      context.Context
	ledger   *token.Ledger
	market   *fakeMarket
	position *Position
}

func newFaultEnv(t *testing.T, opts ...func(*Deps)) *faultEnv {
	t.Helper()
	ledger := token.NewLedger()
	for _, asset := range []token.Asset{
		{Address: testCollateral, Symbol: "WETH", Decimals: 18},
		{Address: testBorrow, Symbol: "USDC", Decimals: 6},
	} {
		if err := ledger.RegisterAsset(asset); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := ledger.Mint(testBorrow, testMarket, units(1_000_000, 6)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	mkt := &fakeMarket{ledger: ledger, collateral: big.NewInt(0), debt: big.NewInt(0)}
	deps := Deps{
		Ledger:    ledger,
		Oracle:    fakeOracle{testCollateral: units(2000, 18), testBorrow: units(1, 18)},
		Tolerance: DefaultTolerance(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	position := New(testPosition, deps)
	err := position.Initialize(InitParams{
		Controller:      &fakeController{},
		Market:          mkt,
		Converter:       testConverter,
		User:            testUser,
		CollateralAsset: testCollateral,
		BorrowAsset:     testBorrow,
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return &faultEnv{ctx: context.Background(), ledger: ledger, market: mkt, position: position}
}

func (e *faultEnv) open(t *testing.T) {
	t.Helper()
	if err := e.ledger.Mint(testCollateral, testPosition, units(1, 18)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := e.position.Borrow(e.ctx, testOrchestrator, units(1, 18), units(100, 6), testReceiver); err != nil {
		t.Fatalf("borrow: %v", err)
	}
}

func TestBorrowShortDeliveryIsRejected(t *testing.T) {
	e := newFaultEnv(t)
	e.market.borrowShortfall = big.NewInt(1)
	if err := e.ledger.Mint(testCollateral, testPosition, units(1, 18)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	err := e.position.Borrow(e.ctx, testOrchestrator, units(1, 18), units(100, 6), testReceiver)
	if !errors.Is(err, ErrWrongBorrowBalance) {
		t.Fatalf("expected ErrWrongBorrowBalance, got %v", err)
	}
	state := e.position.State()
	if state.Borrowed || state.CollateralSnapshot.Sign() != 0 {
		t.Fatalf("failed borrow leaked into state: %+v", state)
	}
}

func TestBorrowOverbookedDebtIsRejected(t *testing.T) {
	tests := []struct {
		name   string
		opened bool
		borrow func(e *faultEnv) error
	}{
		{
			name: "borrow",
			borrow: func(e *faultEnv) error {
				if err := e.ledger.Mint(testCollateral, testPosition, units(1, 18)); err != nil {
					return err
				}
				return e.position.Borrow(e.ctx, testOrchestrator, units(1, 18), units(100, 6), testReceiver)
			},
		},
		{
			name:   "borrow to rebalance",
			opened: true,
			borrow: func(e *faultEnv) error {
				_, err := e.position.BorrowToRebalance(e.ctx, testOrchestrator, units(100, 6), testReceiver)
				return err
			},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			e := newFaultEnv(t)
			if tc.opened {
				e.open(t)
			}
			before := e.position.State()
			e.market.borrowOverbook = units(100, 6)

			if err := tc.borrow(e); !errors.Is(err, ErrWrongBorrowBalance) {
				t.Fatalf("expected ErrWrongBorrowBalance, got %v", err)
			}
			if got := e.position.State(); got.Borrowed != before.Borrowed || got.CollateralSnapshot.Cmp(before.CollateralSnapshot) != 0 {
				t.Fatalf("failed borrow leaked into state: %+v", got)
			}
		})
	}
}

func TestBorrowWithinRoundingIsAccepted(t *testing.T) {
	e := newFaultEnv(t)
	e.market.borrowOverbook = big.NewInt(2)
	e.open(t)
	if !e.position.State().Borrowed {
		t.Fatalf("expected borrow to be recorded")
	}
}

func TestRepayResidualDebt(t *testing.T) {
	tests := []struct {
		name  string
		close bool
		want  error
	}{
		{name: "full repay", want: ErrClosePositionFailed},
		{name: "close position", close: true, want: ErrClosePositionNotAllowed},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			e := newFaultEnv(t)
			e.open(t)
			e.market.repayLeak = big.NewInt(1)
			if err := e.ledger.Mint(testBorrow, testPosition, units(100, 6)); err != nil {
				t.Fatalf("mint: %v", err)
			}
			_, err := e.position.Repay(e.ctx, testOrchestrator, RepayParams{Receiver: testReceiver, ClosePosition: tc.close})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !e.position.State().Borrowed {
				t.Fatalf("failed close must keep the borrow record")
			}
		})
	}
}

func TestClosePositionLeavesDustDebt(t *testing.T) {
	dust := func(d *Deps) { d.Tolerance = Tolerance{DustDebt: units(5, 6), BalanceDelta: big.NewInt(2)} }
	e := newFaultEnv(t, dust)
	e.open(t)
	debt := new(big.Int).Add(units(100, 6), big.NewInt(63))
	e.market.debt = new(big.Int).Set(debt)
	amount := new(big.Int).Sub(debt, big.NewInt(1))
	if err := e.ledger.Mint(testBorrow, testPosition, amount); err != nil {
		t.Fatalf("mint: %v", err)
	}

	released, err := e.position.Repay(e.ctx, testOrchestrator, RepayParams{Amount: amount, Receiver: testReceiver, ClosePosition: true})
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	// One unit of debt worth 1e12 at LTV 0.8 and a collateral price of 2000
	// needs 625000000 wei to stay backed.
	held := big.NewInt(625_000_000)
	want := new(big.Int).Sub(units(1, 18), held)
	if released.Cmp(want) != 0 {
		t.Fatalf("released %s, want %s", released, want)
	}
	got, err := e.ledger.BalanceOf(e.ctx, testCollateral, testReceiver)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got.Cmp(want) != 0 {
		t.Fatalf("receiver collateral %s, want %s", got, want)
	}
	status, err := e.position.GetStatus(e.ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.AmountToPay.Cmp(big.NewInt(1)) != 0 || status.CollateralAmount.Cmp(held) != 0 {
		t.Fatalf("unexpected status after dust close: %+v", status)
	}
	if !e.position.State().Borrowed {
		t.Fatalf("dust debt must keep the borrow record")
	}
}

func TestClosePositionBeyondDust(t *testing.T) {
	dust := func(d *Deps) { d.Tolerance = Tolerance{DustDebt: big.NewInt(1), BalanceDelta: big.NewInt(2)} }
	e := newFaultEnv(t, dust)
	e.open(t)
	e.market.repayLeak = big.NewInt(2)
	if err := e.ledger.Mint(testBorrow, testPosition, units(100, 6)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	_, err := e.position.Repay(e.ctx, testOrchestrator, RepayParams{Receiver: testReceiver, ClosePosition: true})
	if !errors.Is(err, ErrClosePositionNotAllowed) {
		t.Fatalf("expected ErrClosePositionNotAllowed, got %v", err)
	}
	if e.market.collateral.Cmp(units(1, 18)) != 0 {
		t.Fatalf("collateral released by a failed close: %s", e.market.collateral)
	}
}

func TestMarketRejectionIsNotInconsistency(t *testing.T) {
	rejected := errors.New("rejected by market")
	tests := []struct {
		name string
		call func(e *faultEnv) error
	}{
		{
			name: "withdraw",
			call: func(e *faultEnv) error {
				e.market.withdrawErr = rejected
				if err := e.ledger.Mint(testBorrow, testPosition, units(50, 6)); err != nil {
					return err
				}
				_, err := e.position.Repay(e.ctx, testOrchestrator, RepayParams{Amount: units(50, 6), Receiver: testReceiver, ReleaseCollateral: true})
				return err
			},
		},
		{
			name: "supply",
			call: func(e *faultEnv) error {
				e.market.supplyErr = rejected
				if err := e.ledger.Mint(testCollateral, testPosition, units(1, 18)); err != nil {
					return err
				}
				_, err := e.position.RepayToRebalance(e.ctx, testOrchestrator, units(1, 18), true)
				return err
			},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			e := newFaultEnv(t)
			e.open(t)
			err := tc.call(e)
			if !errors.Is(err, ErrMarketRejected) || !errors.Is(err, rejected) {
				t.Fatalf("expected market rejection, got %v", err)
			}
			if errors.Is(err, ErrInconsistentMarketState) {
				t.Fatalf("rejection reported as inconsistent state: %v", err)
			}
		})
	}
}

func TestStatusRejectsUnexplainedDebt(t *testing.T) {
	e := newFaultEnv(t)
	e.market.override = &AccountSnapshot{CollateralBalance: big.NewInt(0), BorrowBalance: big.NewInt(5)}

	if _, err := e.position.UpdateStatus(e.ctx, testOrchestrator); !errors.Is(err, ErrWrongBorrowBalance) {
		t.Fatalf("expected ErrWrongBorrowBalance, got %v", err)
	}
	if _, err := e.position.GetStatus(e.ctx); !errors.Is(err, ErrWrongBorrowBalance) {
		t.Fatalf("expected ErrWrongBorrowBalance from get status, got %v", err)
	}
}

func TestStatusRejectsNegativeBalances(t *testing.T) {
	e := newFaultEnv(t)
	e.open(t)
	e.market.override = &AccountSnapshot{CollateralBalance: big.NewInt(-1), BorrowBalance: units(100, 6)}

	if _, err := e.position.UpdateStatus(e.ctx, testOrchestrator); !errors.Is(err, ErrInconsistentMarketState) {
		t.Fatalf("expected ErrInconsistentMarketState, got %v", err)
	}
}

func TestFailedOperationRestoresLatchedLiquidation(t *testing.T) {
	e := newFaultEnv(t)
	e.open(t)
	// Collateral disappears out of band, then the next borrow fails.
	e.market.collateral = units(9, 17)
	e.market.borrowShortfall = big.NewInt(1)

	_, err := e.position.BorrowToRebalance(e.ctx, testOrchestrator, units(10, 6), testReceiver)
	if !errors.Is(err, ErrWrongBorrowBalance) {
		t.Fatalf("expected ErrWrongBorrowBalance, got %v", err)
	}
	state := e.position.State()
	if state.Liquidated.Sign() != 0 {
		t.Fatalf("liquidation latched by a failed call: %s", state.Liquidated)
	}
	if state.CollateralSnapshot.Cmp(units(1, 18)) != 0 {
		t.Fatalf("snapshot changed by a failed call: %s", state.CollateralSnapshot)
	}

	status, err := e.position.GetStatus(e.ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.CollateralAmountLiquidated.Cmp(units(1, 17)) != 0 {
		t.Fatalf("unexpected liquidated amount %s", status.CollateralAmountLiquidated)
	}
}

func TestHealthFactor(t *testing.T) {
	threshold := units(85, 16)
	tests := []struct {
		name       string
		collateral *big.Int
		debt       *big.Int
		want       *big.Int
	}{
		{"no debt", units(1, 18), big.NewInt(0), MaxHealthFactor},
		{"no collateral", big.NewInt(0), units(1, 6), big.NewInt(0)},
		{"one weth hundred usdc", units(1, 18), units(100, 6), units(17, 18)},
		{"at threshold", units(1, 18), units(1700, 6), units(1, 18)},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := HealthFactor(tc.collateral, tc.debt, units(2000, 18), units(1, 18), threshold, 18, 6)
			if got.Cmp(tc.want) != 0 {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

type recordingJournal struct {
	name string
	log  *[]string
	next int
}

func (j *recordingJournal) Snapshot() int {
	*j.log = append(*j.log, j.name+":snapshot")
	j.next++
	return j.next - 1
}

func (j *recordingJournal) RevertToSnapshot(int) { *j.log = append(*j.log, j.name+":revert") }
func (j *recordingJournal) DiscardSnapshot(int)  { *j.log = append(*j.log, j.name+":discard") }

func TestJournalsRevertInReverseOrder(t *testing.T) {
	var log []string
	j := Journals(&recordingJournal{name: "ledger", log: &log}, nil, &recordingJournal{name: "market", log: &log})
	rev := j.Snapshot()
	j.RevertToSnapshot(rev)
	want := []string{"ledger:snapshot", "market:snapshot", "market:revert", "ledger:revert"}
	if len(log) != len(want) {
		t.Fatalf("unexpected journal log %v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("unexpected journal log %v", log)
		}
	}
}
