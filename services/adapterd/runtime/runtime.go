package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"lendbridge/config"
	"lendbridge/native/controller"
	"lendbridge/native/market"
	"lendbridge/native/oracle"
	"lendbridge/native/platform"
	"lendbridge/native/pooladapter"
	"lendbridge/native/registry"
	"lendbridge/native/token"
	"lendbridge/storage"
)

// SandboxLender supplies the initial liquidity of every sandbox market.
var SandboxLender = common.HexToAddress("0x00000000000000000000000000000000000d0001")

// Runtime owns the in-process ledger, markets and registry served by adapterd.
type Runtime struct {
	Ledger     *token.Ledger
	Feed       *oracle.ManualFeed
	Oracle     *oracle.Aggregator
	Controller *controller.Controller
	Registry   *registry.Registry
	Assets     map[string]token.Asset

	markets  map[common.Address]*market.Comet
	adapters []*platform.Adapter
	db       storage.Database
}

// New builds the sandbox deployment described by cfg. The registry is kept
// in cfg.DataDir, or in memory when it is empty.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("runtime: config required")
	}
	if !cfg.Sandbox.Enabled {
		return nil, errors.New("runtime: no markets configured, enable the sandbox section")
	}
	if logger == nil {
		logger = slog.Default()
	}
	assets, err := cfg.SandboxAssets()
	if err != nil {
		return nil, err
	}
	ctrlCfg, err := cfg.ControllerConfig()
	if err != nil {
		return nil, err
	}
	ctrl, err := controller.New(ctrlCfg)
	if err != nil {
		return nil, err
	}
	tolerance, err := cfg.PoolTolerance()
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Ledger:     token.NewLedger(),
		Feed:       oracle.NewManualFeed(),
		Oracle:     oracle.NewAggregator(cfg.Oracle.Priority, cfg.OracleMaxAge()),
		Controller: ctrl,
		Assets:     assets,
		markets:    make(map[common.Address]*market.Comet),
	}
	rt.Oracle.Register("manual", rt.Feed)
	for _, entry := range cfg.Sandbox.Assets {
		asset, err := entry.LedgerAsset()
		if err != nil {
			return nil, err
		}
		if err := rt.Ledger.RegisterAsset(asset); err != nil {
			return nil, fmt.Errorf("runtime: register %s: %w", entry.Symbol, err)
		}
		if err := rt.Feed.SetDecimal(asset.Address, entry.Price); err != nil {
			return nil, fmt.Errorf("runtime: price %s: %w", entry.Symbol, err)
		}
	}

	journals := []pooladapter.Journal{rt.Ledger}
	converters := make(map[common.Address]registry.Converter)
	for _, entry := range cfg.Sandbox.Markets {
		params, err := entry.MarketParams(assets)
		if err != nil {
			return nil, err
		}
		comet, err := market.NewComet(params.Config, rt.Ledger, rt.Oracle)
		if err != nil {
			return nil, err
		}
		if err := rt.seed(ctx, comet, params); err != nil {
			return nil, err
		}
		rt.markets[params.Converter] = comet
		journals = append(journals, comet)
		converters[params.Converter] = registry.Converter{Market: comet, MarketAddress: comet.Address(), Rewards: comet}
		rt.adapters = append(rt.adapters, platform.NewAdapter(params.Converter, comet, rt.Oracle, rt.Ledger, ctrl))
	}

	db, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("runtime: open registry store: %w", err)
	}
	reg, err := registry.New(registry.NewStore(db), ctrl, pooladapter.Deps{
		Ledger:    rt.Ledger,
		Oracle:    rt.Oracle,
		Journal:   pooladapter.Journals(journals...),
		Logger:    logger.With(slog.String("component", "pooladapter")),
		Tolerance: tolerance,
		DebtGap:   cfg.Tolerance.DebtGap,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	for addr, conv := range converters {
		if err := reg.RegisterConverter(addr, conv); err != nil {
			db.Close()
			return nil, err
		}
	}
	rt.Registry = reg
	rt.db = db
	logger.Info("sandbox runtime ready",
		slog.Int("assets", len(assets)),
		slog.Int("markets", len(rt.markets)))
	return rt, nil
}

func (rt *Runtime) seed(ctx context.Context, comet *market.Comet, params config.MarketParams) error {
	if rewards := params.Config.Rewards; rewards != nil && params.RewardsReserve != nil && params.RewardsReserve.Sign() > 0 {
		if err := rt.Ledger.Mint(rewards.Asset, comet.Address(), params.RewardsReserve); err != nil {
			return fmt.Errorf("runtime: fund rewards of %s: %w", comet.Address().Hex(), err)
		}
	}
	if params.Liquidity == nil || params.Liquidity.Sign() == 0 {
		return nil
	}
	base := params.Config.BaseAsset
	if err := rt.Ledger.Mint(base, SandboxLender, params.Liquidity); err != nil {
		return fmt.Errorf("runtime: seed market %s: %w", comet.Address().Hex(), err)
	}
	if err := comet.Supply(ctx, SandboxLender, base, params.Liquidity); err != nil {
		return fmt.Errorf("runtime: seed market %s: %w", comet.Address().Hex(), err)
	}
	return nil
}

// Market returns the market behind converter.
func (rt *Runtime) Market(converter common.Address) (*market.Comet, bool) {
	comet, ok := rt.markets[converter]
	return comet, ok
}

// Converters lists the configured converters in address order.
func (rt *Runtime) Converters() []common.Address {
	out := make([]common.Address, 0, len(rt.markets))
	for addr := range rt.markets {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Adapters returns the conversion planners, one per converter.
func (rt *Runtime) Adapters() []*platform.Adapter {
	return append([]*platform.Adapter(nil), rt.adapters...)
}

// Close releases the registry store.
func (rt *Runtime) Close() {
	if rt.db != nil {
		rt.db.Close()
	}
}
