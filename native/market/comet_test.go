package market_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"lendbridge/native/market"
	"lendbridge/native/oracle"
	"lendbridge/native/token"
)

func makeAddress(b byte) common.Address {
	var a common.Address
	a[0] = 0xcc
	a[len(a)-1] = b
	return a
}

var (
	marketAddr = makeAddress(0x01)
	lender     = makeAddress(0x02)
	borrower   = makeAddress(0x03)
	liquidator = makeAddress(0x04)
	usdc       = makeAddress(0x10)
	weth       = makeAddress(0x11)
	comp       = makeAddress(0x12)
)

const blocksPerYear = 31_536_000

func units(n int64, decimals int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil))
}

func usd(n int64) *big.Int   { return units(n, 6) }
func ether(n int64) *big.Int { return units(n, 18) }

func pct(n int64) *big.Int { return units(n, 16) }

type fixture struct {
	ctx    context.Context
	ledger *token.Ledger
	feed   *oracle.ManualFeed
	comet  *market.Comet
}

func newFixture(t *testing.T, mutate ...func(*market.Config)) *fixture {
	t.Helper()
	ledger := token.NewLedger()
	for _, asset := range []token.Asset{
		{Address: usdc, Symbol: "USDC", Decimals: 6},
		{Address: weth, Symbol: "WETH", Decimals: 18},
		{Address: comp, Symbol: "COMP", Decimals: 18},
	} {
		if err := ledger.RegisterAsset(asset); err != nil {
			t.Fatalf("register %s: %v", asset.Symbol, err)
		}
	}
	feed := oracle.NewManualFeed()
	for asset, price := range map[common.Address]string{usdc: "1", weth: "2000", comp: "50"} {
		if err := feed.SetDecimal(asset, price); err != nil {
			t.Fatalf("price: %v", err)
		}
	}
	cfg := market.Config{
		Address:   marketAddr,
		BaseAsset: usdc,
		MinBorrow: usd(100),
		Collaterals: []market.CollateralConfig{{
			Asset:                weth,
			LTV:                  pct(80),
			LiquidationThreshold: pct(85),
			LiquidationBonus:     pct(5),
		}},
		Rewards: &market.RewardsConfig{Asset: comp, PerBlock: big.NewInt(1_000)},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	comet, err := market.NewComet(cfg, ledger, feed)
	if err != nil {
		t.Fatalf("new comet: %v", err)
	}
	f := &fixture{ctx: context.Background(), ledger: ledger, feed: feed, comet: comet}
	f.mint(usdc, lender, usd(10_000))
	if err := comet.Supply(f.ctx, lender, usdc, usd(10_000)); err != nil {
		t.Fatalf("lender supply: %v", err)
	}
	f.mint(comp, marketAddr, ether(1))
	return f
}

func (f *fixture) mint(asset, to common.Address, amount *big.Int) {
	if err := f.ledger.Mint(asset, to, amount); err != nil {
		panic(err)
	}
}

func (f *fixture) openBorrow(t *testing.T, collateral, debt *big.Int) {
	t.Helper()
	f.mint(weth, borrower, collateral)
	if err := f.comet.Supply(f.ctx, borrower, weth, collateral); err != nil {
		t.Fatalf("supply collateral: %v", err)
	}
	if err := f.comet.Borrow(f.ctx, borrower, usdc, debt, borrower); err != nil {
		t.Fatalf("borrow: %v", err)
	}
}

func (f *fixture) snapshot(t *testing.T, account common.Address) (*big.Int, *big.Int) {
	t.Helper()
	snap, err := f.comet.AccountSnapshot(f.ctx, account, weth, usdc)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap.CollateralBalance, snap.BorrowBalance
}

func (f *fixture) balance(t *testing.T, asset, holder common.Address) *big.Int {
	t.Helper()
	bal, err := f.ledger.BalanceOf(f.ctx, asset, holder)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func TestBorrowWithinLoanToValue(t *testing.T) {
	f := newFixture(t)
	f.openBorrow(t, ether(1), usd(1_600))

	collateral, debt := f.snapshot(t, borrower)
	if collateral.Cmp(ether(1)) != 0 || debt.Cmp(usd(1_600)) != 0 {
		t.Fatalf("unexpected account collateral=%s debt=%s", collateral, debt)
	}
	if got := f.balance(t, usdc, borrower); got.Cmp(usd(1_600)) != 0 {
		t.Fatalf("borrower received %s", got)
	}
	if err := f.comet.Borrow(f.ctx, borrower, usdc, big.NewInt(1), borrower); !errors.Is(err, market.ErrUndercollateralized) {
		t.Fatalf("expected ErrUndercollateralized, got %v", err)
	}
}

func TestBorrowRejections(t *testing.T) {
	f := newFixture(t)
	f.mint(weth, borrower, ether(100))
	if err := f.comet.Supply(f.ctx, borrower, weth, ether(100)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	tests := []struct {
		name   string
		asset  common.Address
		amount *big.Int
		want   error
	}{
		{"below minimum", usdc, usd(50), market.ErrBorrowTooSmall},
		{"beyond cash", usdc, usd(20_000), market.ErrInsufficientLiquidity},
		{"not base asset", weth, ether(1), market.ErrNotBaseAsset},
		{"zero amount", usdc, big.NewInt(0), market.ErrInvalidAmount},
	}
	for _, tc := range tests {
		if err := f.comet.Borrow(f.ctx, borrower, tc.asset, tc.amount, borrower); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if err := f.comet.Supply(f.ctx, borrower, comp, ether(1)); !errors.Is(err, market.ErrUnknownCollateral) {
		t.Fatalf("expected ErrUnknownCollateral, got %v", err)
	}
}

func TestSupplyCap(t *testing.T) {
	f := newFixture(t, func(cfg *market.Config) {
		cfg.Collaterals[0].SupplyCap = ether(2)
	})
	f.mint(weth, borrower, ether(3))
	if err := f.comet.Supply(f.ctx, borrower, weth, ether(2)); err != nil {
		t.Fatalf("supply within cap: %v", err)
	}
	if err := f.comet.Supply(f.ctx, borrower, weth, ether(1)); !errors.Is(err, market.ErrSupplyCapExceeded) {
		t.Fatalf("expected ErrSupplyCapExceeded, got %v", err)
	}
}

func TestInterestAccrual(t *testing.T) {
	f := newFixture(t)
	f.openBorrow(t, ether(1), usd(1_000))
	f.comet.SkipBlocks(blocksPerYear)

	// 10% utilisation: 2% base plus 15% * 0.1 slope.
	_, debt := f.snapshot(t, borrower)
	assertNear(t, "debt", debt, usd(1_035), big.NewInt(1_000))

	lenderSnap, err := f.comet.AccountSnapshot(f.ctx, lender, usdc, usdc)
	if err != nil {
		t.Fatalf("lender snapshot: %v", err)
	}
	// Suppliers earn the borrow rate on the utilised share less reserves.
	assertNear(t, "supply", lenderSnap.CollateralBalance, big.NewInt(10_031_500_000), big.NewInt(1_000))
}

func TestRepay(t *testing.T) {
	f := newFixture(t)
	if err := f.comet.Repay(f.ctx, borrower, usdc, usd(1)); !errors.Is(err, market.ErrNoDebt) {
		t.Fatalf("expected ErrNoDebt, got %v", err)
	}
	f.openBorrow(t, ether(1), usd(500))
	if err := f.comet.Repay(f.ctx, borrower, usdc, usd(501)); !errors.Is(err, market.ErrRepayExceedsDebt) {
		t.Fatalf("expected ErrRepayExceedsDebt, got %v", err)
	}
	if err := f.comet.Repay(f.ctx, borrower, usdc, usd(200)); err != nil {
		t.Fatalf("partial repay: %v", err)
	}
	if _, debt := f.snapshot(t, borrower); debt.Cmp(usd(300)) != 0 {
		t.Fatalf("debt after partial repay %s", debt)
	}
	if err := f.comet.Repay(f.ctx, borrower, usdc, usd(300)); err != nil {
		t.Fatalf("full repay: %v", err)
	}
	if _, debt := f.snapshot(t, borrower); debt.Sign() != 0 {
		t.Fatalf("debt after full repay %s", debt)
	}
}

func TestWithdrawCollateralKeepsAccountHealthy(t *testing.T) {
	f := newFixture(t)
	f.openBorrow(t, ether(2), usd(1_600))

	if err := f.comet.Withdraw(f.ctx, borrower, weth, ether(1), borrower); err != nil {
		t.Fatalf("withdraw within limit: %v", err)
	}
	if err := f.comet.Withdraw(f.ctx, borrower, weth, big.NewInt(1), borrower); !errors.Is(err, market.ErrUndercollateralized) {
		t.Fatalf("expected ErrUndercollateralized, got %v", err)
	}
	collateral, _ := f.snapshot(t, borrower)
	if collateral.Cmp(ether(1)) != 0 {
		t.Fatalf("rejected withdraw changed collateral to %s", collateral)
	}
	if err := f.comet.Withdraw(f.ctx, borrower, weth, ether(2), borrower); !errors.Is(err, market.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestLiquidateCapsAtCloseFactor(t *testing.T) {
	f := newFixture(t)
	f.openBorrow(t, ether(1), usd(1_500))
	f.mint(usdc, liquidator, usd(1_000))

	if _, _, err := f.comet.Liquidate(f.ctx, liquidator, borrower, weth, usd(1_000)); !errors.Is(err, market.ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}
	if err := f.feed.SetDecimal(weth, "1700"); err != nil {
		t.Fatalf("price: %v", err)
	}
	ok, err := f.comet.Liquidatable(f.ctx, borrower)
	if err != nil || !ok {
		t.Fatalf("expected account to be liquidatable (%v)", err)
	}
	repaid, seized, err := f.comet.Liquidate(f.ctx, liquidator, borrower, weth, usd(1_000))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if repaid.Cmp(usd(750)) != 0 {
		t.Fatalf("repaid %s, want close factor cap 750", repaid)
	}
	// 750 USD plus a 5% bonus at 1700 USD per WETH.
	wantSeized, _ := new(big.Int).SetString("463235294117647058", 10)
	if seized.Cmp(wantSeized) != 0 {
		t.Fatalf("seized %s, want %s", seized, wantSeized)
	}
	if got := f.balance(t, weth, liquidator); got.Cmp(seized) != 0 {
		t.Fatalf("liquidator holds %s", got)
	}
	collateral, debt := f.snapshot(t, borrower)
	if debt.Cmp(usd(750)) != 0 {
		t.Fatalf("remaining debt %s", debt)
	}
	if want := new(big.Int).Sub(ether(1), seized); collateral.Cmp(want) != 0 {
		t.Fatalf("remaining collateral %s, want %s", collateral, want)
	}
}

func TestAbsorb(t *testing.T) {
	f := newFixture(t)
	f.openBorrow(t, ether(1), usd(1_500))
	if err := f.comet.Absorb(f.ctx, borrower); !errors.Is(err, market.ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}
	if err := f.feed.SetDecimal(weth, "1000"); err != nil {
		t.Fatalf("price: %v", err)
	}
	if err := f.comet.Absorb(f.ctx, borrower); err != nil {
		t.Fatalf("absorb: %v", err)
	}
	collateral, debt := f.snapshot(t, borrower)
	if collateral.Sign() != 0 || debt.Sign() != 0 {
		t.Fatalf("absorbed account still holds collateral=%s debt=%s", collateral, debt)
	}
	if got := f.comet.Reserves(weth); got.Cmp(ether(1)) != 0 {
		t.Fatalf("reserves %s", got)
	}
}

func TestSnapshotRevertKeepsClock(t *testing.T) {
	f := newFixture(t)
	rev := f.comet.Snapshot()
	f.openBorrow(t, ether(1), usd(500))
	f.comet.SkipBlocks(10)
	f.comet.RevertToSnapshot(rev)

	if acc := f.comet.Account(borrower); acc != nil {
		t.Fatalf("reverted account still present: %+v", acc)
	}
	if got := f.comet.BlockNumber(); got != 10 {
		t.Fatalf("clock moved back to %d", got)
	}
}

func TestRewardsAccrueToBorrowers(t *testing.T) {
	f := newFixture(t)
	f.openBorrow(t, ether(1), usd(500))
	f.comet.SkipBlocks(5)

	if got := f.comet.Accrued(lender); got.Sign() != 0 {
		t.Fatalf("supplier accrued %s", got)
	}
	asset, amount, err := f.comet.Claim(f.ctx, borrower, liquidator)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if asset != comp || amount.Int64() != 5_000 {
		t.Fatalf("unexpected claim %s %s", asset.Hex(), amount)
	}
	if got := f.balance(t, comp, liquidator); got.Int64() != 5_000 {
		t.Fatalf("recipient holds %s", got)
	}
	_, again, err := f.comet.Claim(f.ctx, borrower, liquidator)
	if err != nil || again.Sign() != 0 {
		t.Fatalf("second claim %v (%v)", again, err)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() market.Config {
		return market.Config{
			Address:   marketAddr,
			BaseAsset: usdc,
			Collaterals: []market.CollateralConfig{{
				Asset: weth, LTV: pct(80), LiquidationThreshold: pct(85),
			}},
		}
	}
	tests := []struct {
		name   string
		mutate func(*market.Config)
	}{
		{"missing address", func(c *market.Config) { c.Address = common.Address{} }},
		{"close factor above one", func(c *market.Config) { c.CloseFactor = pct(101) }},
		{"base as collateral", func(c *market.Config) { c.Collaterals[0].Asset = usdc }},
		{"ltv above threshold", func(c *market.Config) { c.Collaterals[0].LTV = pct(90) }},
		{"threshold at one", func(c *market.Config) { c.Collaterals[0].LiquidationThreshold = pct(100) }},
		{"duplicate collateral", func(c *market.Config) { c.Collaterals = append(c.Collaterals, c.Collaterals[0]) }},
		{"negative rewards", func(c *market.Config) { c.Rewards = &market.RewardsConfig{Asset: comp, PerBlock: big.NewInt(-1)} }},
	}
	base := valid()
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tc := range tests {
		cfg := valid()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestInterestModelKink(t *testing.T) {
	model := market.NewInterestModel(0.02, 0.15, 0.6, 0.8, 0.1)
	below := model.BorrowRate(big.NewInt(50), big.NewInt(100))
	above := model.BorrowRate(big.NewInt(90), big.NewInt(100))
	if f, _ := below.Float64(); f < 0.0949 || f > 0.0951 {
		t.Fatalf("rate below kink %v", f)
	}
	if f, _ := above.Float64(); f < 0.1999 || f > 0.2001 {
		t.Fatalf("rate above kink %v", f)
	}
	if model.SupplyRate(big.NewInt(0), big.NewInt(100)).Sign() != 0 {
		t.Fatalf("idle market must pay no supply rate")
	}
}

func assertNear(t *testing.T, label string, got, want, tolerance *big.Int) {
	t.Helper()
	diff := new(big.Int).Sub(got, want)
	if diff.Abs(diff).Cmp(tolerance) > 0 {
		t.Fatalf("%s: got %s, want %s (±%s)", label, got, want, tolerance)
	}
}
