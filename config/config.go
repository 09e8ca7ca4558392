package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the protocol configuration of a pool adapter deployment.
type Config struct {
	NetworkName string `toml:"NetworkName"`
	// DataDir holds the position registry. Empty keeps it in memory.
	DataDir    string     `toml:"DataDir"`
	Controller Controller `toml:"controller"`
	Tolerance  Tolerance  `toml:"tolerance"`
	Oracle     Oracle     `toml:"oracle"`
	Sandbox    Sandbox    `toml:"sandbox"`
}

// Load loads the configuration from the given path, writing a default
// configuration there first when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "lendbridge-local"
	}
	if cfg.Controller.Paused == nil {
		cfg.Controller.Paused = []string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the sandbox configuration written by Load for a missing
// file: one USDC market accepting WETH.
func Default() *Config {
	return &Config{
		NetworkName: "lendbridge-local",
		DataDir:     "",
		Controller: Controller{
			Orchestrator:       "0x00000000000000000000000000000000000a0001",
			Governance:         "0x00000000000000000000000000000000000a0002",
			MinHealthFactor:    "1.1",
			TargetHealthFactor: "2",
			Paused:             []string{},
		},
		Tolerance: Tolerance{DustDebt: "0", BalanceDelta: "2", DebtGap: true},
		Oracle:    Oracle{Priority: []string{"manual"}, MaxAgeSeconds: 0},
		Sandbox: Sandbox{
			Enabled: true,
			Assets: []Asset{
				{Symbol: "USDC", Address: "0x00000000000000000000000000000000000b0001", Decimals: 6, Price: "1"},
				{Symbol: "WETH", Address: "0x00000000000000000000000000000000000b0002", Decimals: 18, Price: "2000"},
				{Symbol: "COMP", Address: "0x00000000000000000000000000000000000b0003", Decimals: 18, Price: "50"},
			},
			Markets: []Market{{
				Converter:       "0x00000000000000000000000000000000000c0001",
				Address:         "0x00000000000000000000000000000000000c1001",
				BaseAsset:       "USDC",
				MinBorrow:       "100",
				CloseFactor:     "0.5",
				Liquidity:       "1000000",
				RewardsAsset:    "COMP",
				RewardsPerBlock: "0.001",
				RewardsReserve:  "10000",
				Interest:        &Interest{BaseRate: 0.02, Slope1: 0.15, Slope2: 0.6, Kink: 0.8, ReserveFactor: 0.1},
				Collaterals: []Collateral{{
					Asset:                "WETH",
					LTV:                  "0.8",
					LiquidationThreshold: "0.85",
					LiquidationBonus:     "0.05",
				}},
			}},
		},
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
