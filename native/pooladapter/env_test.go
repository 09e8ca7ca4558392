package pooladapter_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"lendbridge/native/controller"
	"lendbridge/native/market"
	"lendbridge/native/oracle"
	"lendbridge/native/pooladapter"
	"lendbridge/native/token"
)

var (
	orchestrator = makeAddress(0x01)
	governance   = makeAddress(0x02)
	user         = makeAddress(0x03)
	converter    = makeAddress(0x04)
	receiver     = makeAddress(0x05)
	lender       = makeAddress(0x06)
	liquidator   = makeAddress(0x07)
	stranger     = makeAddress(0x08)
	marketAddr   = makeAddress(0x10)
	positionAddr = makeAddress(0x30)

	weth  = makeAddress(0x20)
	usdc  = makeAddress(0x21)
	comp  = makeAddress(0x22)
	stray = makeAddress(0x23)

	rewardPerBlock = big.NewInt(1_000_000_000_000_000)
)

const blocksPerYear = 31_536_000

func makeAddress(suffix byte) common.Address {
	var addr common.Address
	addr[0] = 0xaa
	addr[len(addr)-1] = suffix
	return addr
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

func hf(n int64) *big.Int { return ether(n) }

type env struct {
	t          *testing.T
	ctx        context.Context
	ledger     *token.Ledger
	feed       *oracle.ManualFeed
	market     *market.Comet
	controller *controller.Controller
	position   *pooladapter.Position
}

type envOption func(*pooladapter.Deps)

func withTolerance(tol pooladapter.Tolerance) envOption {
	return func(d *pooladapter.Deps) { d.Tolerance = tol }
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	ctx := context.Background()
	ledger := token.NewLedger()
	for _, asset := range []token.Asset{
		{Address: weth, Symbol: "WETH", Decimals: 18},
		{Address: usdc, Symbol: "USDC", Decimals: 6},
		{Address: comp, Symbol: "COMP", Decimals: 18},
		{Address: stray, Symbol: "STRAY", Decimals: 18},
	} {
		if err := ledger.RegisterAsset(asset); err != nil {
			t.Fatalf("register asset: %v", err)
		}
	}
	feed := oracle.NewManualFeed()
	setPrice(t, feed, weth, "2000")
	setPrice(t, feed, usdc, "1")

	comet, err := market.NewComet(market.Config{
		Address:   marketAddr,
		BaseAsset: usdc,
		Collaterals: []market.CollateralConfig{{
			Asset:                weth,
			LTV:                  ratio(80),
			LiquidationThreshold: ratio(85),
			LiquidationBonus:     ratio(5),
		}},
		Rewards: &market.RewardsConfig{Asset: comp, PerBlock: rewardPerBlock},
	}, ledger, feed)
	if err != nil {
		t.Fatalf("new market: %v", err)
	}
	mustMint(t, ledger, usdc, lender, usd(1_000_000))
	if err := comet.Supply(ctx, lender, usdc, usd(1_000_000)); err != nil {
		t.Fatalf("seed liquidity: %v", err)
	}
	mustMint(t, ledger, comp, marketAddr, ether(1_000_000))

	ctrl, err := controller.New(controller.Config{
		Orchestrator:       orchestrator,
		Governance:         governance,
		MinHealthFactor:    ratio(110),
		TargetHealthFactor: hf(2),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	deps := pooladapter.Deps{
		Ledger:    ledger,
		Oracle:    feed,
		Journal:   pooladapter.Journals(ledger, comet),
		Tolerance: pooladapter.DefaultTolerance(),
		DebtGap:   true,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	position := pooladapter.New(positionAddr, deps)
	if err := position.Initialize(pooladapter.InitParams{
		Controller:      ctrl,
		Market:          comet,
		MarketAddress:   marketAddr,
		Rewards:         comet,
		Converter:       converter,
		User:            user,
		CollateralAsset: weth,
		BorrowAsset:     usdc,
	}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return &env{t: t, ctx: ctx, ledger: ledger, feed: feed, market: comet, controller: ctrl, position: position}
}

// ratio returns pct percent in 18 decimal fixed point.
func ratio(pct int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(pct), big.NewInt(10_000_000_000_000_000))
}

func setPrice(t *testing.T, feed *oracle.ManualFeed, asset common.Address, price string) {
	t.Helper()
	if err := feed.SetDecimal(asset, price); err != nil {
		t.Fatalf("set price: %v", err)
	}
}

func mustMint(t *testing.T, ledger *token.Ledger, asset, to common.Address, amount *big.Int) {
	t.Helper()
	if err := ledger.Mint(asset, to, amount); err != nil {
		t.Fatalf("mint: %v", err)
	}
}

func (e *env) fund(asset common.Address, amount *big.Int) {
	e.t.Helper()
	mustMint(e.t, e.ledger, asset, positionAddr, amount)
}

func (e *env) open(collateral, borrow *big.Int) {
	e.t.Helper()
	e.fund(weth, collateral)
	if err := e.position.Borrow(e.ctx, orchestrator, collateral, borrow, receiver); err != nil {
		e.t.Fatalf("borrow: %v", err)
	}
}

func (e *env) balance(asset, holder common.Address) *big.Int {
	e.t.Helper()
	bal, err := e.ledger.BalanceOf(e.ctx, asset, holder)
	if err != nil {
		e.t.Fatalf("balance: %v", err)
	}
	return bal
}

func (e *env) status() pooladapter.Status {
	e.t.Helper()
	status, err := e.position.GetStatus(e.ctx)
	if err != nil {
		e.t.Fatalf("status: %v", err)
	}
	return status
}

func expectAmount(t *testing.T, name string, got, want *big.Int) {
	t.Helper()
	if got == nil || got.Cmp(want) != 0 {
		t.Fatalf("%s: got %v, want %s", name, got, want)
	}
}
