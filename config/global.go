package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendbridge/native/controller"
	"lendbridge/native/market"
	"lendbridge/native/pooladapter"
	"lendbridge/native/token"
)

var wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ControllerConfig parses the controller section into runtime values.
func (c *Config) ControllerConfig() (controller.Config, error) {
	var out controller.Config
	orchestrator, err := parseAddress(c.Controller.Orchestrator)
	if err != nil {
		return out, fmt.Errorf("invalid controller.Orchestrator: %w", err)
	}
	governance, err := parseAddress(c.Controller.Governance)
	if err != nil {
		return out, fmt.Errorf("invalid controller.Governance: %w", err)
	}
	minHF, err := parseScaled(c.Controller.MinHealthFactor, 18)
	if err != nil {
		return out, fmt.Errorf("invalid controller.MinHealthFactor: %w", err)
	}
	targetHF, err := parseScaled(c.Controller.TargetHealthFactor, 18)
	if err != nil {
		return out, fmt.Errorf("invalid controller.TargetHealthFactor: %w", err)
	}
	return controller.Config{
		Orchestrator:       orchestrator,
		Governance:         governance,
		MinHealthFactor:    minHF,
		TargetHealthFactor: targetHF,
		Paused:             append([]string(nil), c.Controller.Paused...),
	}, nil
}

// PoolTolerance parses the tolerance section. Empty fields keep the defaults.
func (c *Config) PoolTolerance() (pooladapter.Tolerance, error) {
	tol := pooladapter.DefaultTolerance()
	if strings.TrimSpace(c.Tolerance.DustDebt) != "" {
		dust, err := parseUint(c.Tolerance.DustDebt)
		if err != nil {
			return tol, fmt.Errorf("invalid tolerance.DustDebt: %w", err)
		}
		tol.DustDebt = dust
	}
	if strings.TrimSpace(c.Tolerance.BalanceDelta) != "" {
		delta, err := parseUint(c.Tolerance.BalanceDelta)
		if err != nil {
			return tol, fmt.Errorf("invalid tolerance.BalanceDelta: %w", err)
		}
		tol.BalanceDelta = delta
	}
	return tol, nil
}

// OracleMaxAge is the freshness window of aggregated quotes.
func (c *Config) OracleMaxAge() time.Duration {
	return time.Duration(c.Oracle.MaxAgeSeconds) * time.Second
}

// LedgerAsset converts the asset entry to ledger metadata.
func (a Asset) LedgerAsset() (token.Asset, error) {
	addr, err := parseAddress(a.Address)
	if err != nil {
		return token.Asset{}, fmt.Errorf("invalid sandbox asset %s address: %w", a.Symbol, err)
	}
	return token.Asset{Address: addr, Symbol: a.Symbol, Decimals: a.Decimals}, nil
}

// SandboxAssets indexes the sandbox assets by upper-cased symbol.
func (c *Config) SandboxAssets() (map[string]token.Asset, error) {
	out := make(map[string]token.Asset, len(c.Sandbox.Assets))
	for _, entry := range c.Sandbox.Assets {
		asset, err := entry.LedgerAsset()
		if err != nil {
			return nil, err
		}
		symbol := strings.ToUpper(strings.TrimSpace(entry.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("sandbox asset %s: symbol required", asset.Address.Hex())
		}
		if _, dup := out[symbol]; dup {
			return nil, fmt.Errorf("sandbox asset %s: duplicate symbol", symbol)
		}
		out[symbol] = asset
	}
	return out, nil
}

// MarketParams resolves a sandbox market against the known assets.
type MarketParams struct {
	Converter common.Address
	Config    market.Config
	// Liquidity is seeded into the market by a sandbox lender.
	Liquidity *big.Int
	// RewardsReserve is minted to the market in the rewards asset.
	RewardsReserve *big.Int
}

// MarketParams converts the market entry into a market configuration.
func (m Market) MarketParams(assets map[string]token.Asset) (MarketParams, error) {
	var out MarketParams
	converter, err := parseAddress(m.Converter)
	if err != nil {
		return out, fmt.Errorf("invalid market converter: %w", err)
	}
	addr, err := parseAddress(m.Address)
	if err != nil {
		return out, fmt.Errorf("invalid market address: %w", err)
	}
	base, ok := assets[strings.ToUpper(strings.TrimSpace(m.BaseAsset))]
	if !ok {
		return out, fmt.Errorf("market %s: unknown base asset %q", addr.Hex(), m.BaseAsset)
	}
	cfg := market.Config{Address: addr, BaseAsset: base.Address}
	if cfg.MinBorrow, err = parseOptional(m.MinBorrow, base.Decimals); err != nil {
		return out, fmt.Errorf("market %s MinBorrow: %w", addr.Hex(), err)
	}
	if strings.TrimSpace(m.CloseFactor) != "" {
		if cfg.CloseFactor, err = parseScaled(m.CloseFactor, 18); err != nil {
			return out, fmt.Errorf("market %s CloseFactor: %w", addr.Hex(), err)
		}
	}
	var reserve *big.Int
	liquidity, err := parseOptional(m.Liquidity, base.Decimals)
	if err != nil {
		return out, fmt.Errorf("market %s Liquidity: %w", addr.Hex(), err)
	}
	if m.Interest != nil {
		i := m.Interest
		cfg.Interest = market.NewInterestModel(i.BaseRate, i.Slope1, i.Slope2, i.Kink, i.ReserveFactor)
	}
	if strings.TrimSpace(m.RewardsAsset) != "" {
		reward, ok := assets[strings.ToUpper(strings.TrimSpace(m.RewardsAsset))]
		if !ok {
			return out, fmt.Errorf("market %s: unknown rewards asset %q", addr.Hex(), m.RewardsAsset)
		}
		perBlock, err := parseOptional(m.RewardsPerBlock, reward.Decimals)
		if err != nil {
			return out, fmt.Errorf("market %s RewardsPerBlock: %w", addr.Hex(), err)
		}
		cfg.Rewards = &market.RewardsConfig{Asset: reward.Address, PerBlock: perBlock}
		if reserve, err = parseOptional(m.RewardsReserve, reward.Decimals); err != nil {
			return out, fmt.Errorf("market %s RewardsReserve: %w", addr.Hex(), err)
		}
	}
	for _, col := range m.Collaterals {
		asset, ok := assets[strings.ToUpper(strings.TrimSpace(col.Asset))]
		if !ok {
			return out, fmt.Errorf("market %s: unknown collateral %q", addr.Hex(), col.Asset)
		}
		entry := market.CollateralConfig{Asset: asset.Address}
		if entry.LTV, err = parseScaled(col.LTV, 18); err != nil {
			return out, fmt.Errorf("market %s collateral %s LTV: %w", addr.Hex(), col.Asset, err)
		}
		if entry.LiquidationThreshold, err = parseScaled(col.LiquidationThreshold, 18); err != nil {
			return out, fmt.Errorf("market %s collateral %s LiquidationThreshold: %w", addr.Hex(), col.Asset, err)
		}
		if entry.LiquidationBonus, err = parseOptional(col.LiquidationBonus, 18); err != nil {
			return out, fmt.Errorf("market %s collateral %s LiquidationBonus: %w", addr.Hex(), col.Asset, err)
		}
		if entry.SupplyCap, err = parseOptional(col.SupplyCap, asset.Decimals); err != nil {
			return out, fmt.Errorf("market %s collateral %s SupplyCap: %w", addr.Hex(), col.Asset, err)
		}
		cfg.Collaterals = append(cfg.Collaterals, entry)
	}
	if err := cfg.Validate(); err != nil {
		return out, err
	}
	return MarketParams{Converter: converter, Config: cfg, Liquidity: liquidity, RewardsReserve: reserve}, nil
}

func parseAddress(value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%q is not a hex address", value)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address")
	}
	return addr, nil
}

// parseScaled converts a non-negative decimal string to fixed point with the
// given number of decimals, rejecting extra precision.
func parseScaled(value string, decimals uint8) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("value required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", value)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("negative value %q", value)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat.Mul(rat, new(big.Rat).SetInt(scale))
	if !rat.IsInt() {
		return nil, fmt.Errorf("%q has more than %d decimals", value, decimals)
	}
	return new(big.Int).Set(rat.Num()), nil
}

func parseOptional(value string, decimals uint8) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return big.NewInt(0), nil
	}
	return parseScaled(value, decimals)
}

func parseUint(value string) (*big.Int, error) {
	return parseScaled(value, 0)
}
