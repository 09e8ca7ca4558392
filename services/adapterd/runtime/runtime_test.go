package runtime

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lendbridge/config"
	"lendbridge/native/platform"
	"lendbridge/native/pooladapter"
	"lendbridge/native/registry"
)

func TestNewBuildsSandbox(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "registry")
	rt, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(rt.Close)

	require.Len(t, rt.Converters(), 1)
	converter := rt.Converters()[0]
	comet, ok := rt.Market(converter)
	require.True(t, ok)

	usdc := rt.Assets["USDC"]
	weth := rt.Assets["WETH"]
	cash, err := rt.Ledger.BalanceOf(ctx, usdc.Address, comet.Address())
	require.NoError(t, err)
	require.Equal(t, 0, cash.Cmp(new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000))))

	price, err := rt.Oracle.Price(ctx, weth.Address)
	require.NoError(t, err)
	require.Equal(t, "2000000000000000000000", price.String())

	plan, err := platform.FindBestPlan(ctx, rt.Adapters(), platform.Request{
		CollateralAsset:  weth.Address,
		CollateralAmount: new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		BorrowAsset:      usdc.Address,
	})
	require.NoError(t, err)
	require.Equal(t, converter, plan.Converter)
	require.Equal(t, "850000000", plan.AmountToBorrow.String())
}

func TestRuntimeOpensPosition(t *testing.T) {
	ctx := context.Background()
	rt, err := New(ctx, config.Default(), nil)
	require.NoError(t, err)
	t.Cleanup(rt.Close)

	usdc, weth := rt.Assets["USDC"], rt.Assets["WETH"]
	user := SandboxLender
	key := registry.Key{Converter: rt.Converters()[0], User: user, CollateralAsset: weth.Address, BorrowAsset: usdc.Address}
	handle, created, err := rt.Registry.GetOrCreate(ctx, key)
	require.NoError(t, err)
	require.True(t, created)

	oneEth := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	require.NoError(t, rt.Registry.Exclusive(ctx, func() error {
		return rt.Ledger.Mint(weth.Address, handle.Address(), oneEth)
	}))
	orchestrator := rt.Controller.Orchestrator()
	err = handle.Do(ctx, func(p *pooladapter.Position) error {
		return p.Borrow(ctx, orchestrator, oneEth, big.NewInt(500_000_000), user)
	})
	require.NoError(t, err)

	var status pooladapter.Status
	require.NoError(t, handle.View(ctx, func(p *pooladapter.Position) error {
		var err error
		status, err = p.GetStatus(ctx)
		return err
	}))
	require.True(t, status.Opened)
	require.True(t, status.DebtGapRequired)
	require.Equal(t, "500000000", status.AmountToPay.String())
}

func TestNewRequiresSandbox(t *testing.T) {
	cfg := config.Default()
	cfg.Sandbox.Enabled = false
	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	_, err = New(context.Background(), nil, nil)
	require.Error(t, err)
}
