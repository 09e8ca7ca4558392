package config

// Controller configures protocol roles and health factor thresholds. Health
// factors are decimal strings such as "1.1".
type Controller struct {
	Orchestrator       string   `toml:"Orchestrator"`
	Governance         string   `toml:"Governance"`
	MinHealthFactor    string   `toml:"MinHealthFactor"`
	TargetHealthFactor string   `toml:"TargetHealthFactor"`
	Paused             []string `toml:"Paused"`
}

// Tolerance bounds the rounding a market may introduce. Amounts are in the
// smallest unit of the borrow asset.
type Tolerance struct {
	DustDebt     string `toml:"DustDebt"`
	BalanceDelta string `toml:"BalanceDelta"`
	// DebtGap reports that full repays must be over-funded because the
	// market accrues interest between quote and execution.
	DebtGap bool `toml:"DebtGap"`
}

// Oracle lists feeds in priority order and the freshness window.
type Oracle struct {
	Priority      []string `toml:"Priority"`
	MaxAgeSeconds uint64   `toml:"MaxAgeSeconds"`
}

// Asset is a token known to the sandbox ledger. Price is a decimal quote in
// base currency.
type Asset struct {
	Symbol   string `toml:"Symbol"`
	Address  string `toml:"Address"`
	Decimals uint8  `toml:"Decimals"`
	Price    string `toml:"Price"`
}

// Collateral configures one collateral asset of a sandbox market. Ratios are
// decimal fractions such as "0.8".
type Collateral struct {
	Asset                string `toml:"Asset"`
	LTV                  string `toml:"LTV"`
	LiquidationThreshold string `toml:"LiquidationThreshold"`
	LiquidationBonus     string `toml:"LiquidationBonus"`
	SupplyCap            string `toml:"SupplyCap,omitempty"`
}

// Interest is the kinked borrow rate curve of a sandbox market.
type Interest struct {
	BaseRate      float64 `toml:"BaseRate"`
	Slope1        float64 `toml:"Slope1"`
	Slope2        float64 `toml:"Slope2"`
	Kink          float64 `toml:"Kink"`
	ReserveFactor float64 `toml:"ReserveFactor"`
}

// Market is a sandbox reference market bound to a converter. Asset fields
// reference Asset symbols; amounts are whole token units. RewardsReserve is
// minted to the market to fund reward claims.
type Market struct {
	Converter       string       `toml:"Converter"`
	Address         string       `toml:"Address"`
	BaseAsset       string       `toml:"BaseAsset"`
	MinBorrow       string       `toml:"MinBorrow"`
	CloseFactor     string       `toml:"CloseFactor"`
	Liquidity       string       `toml:"Liquidity"`
	RewardsAsset    string       `toml:"RewardsAsset,omitempty"`
	RewardsPerBlock string       `toml:"RewardsPerBlock,omitempty"`
	RewardsReserve  string       `toml:"RewardsReserve,omitempty"`
	Interest        *Interest    `toml:"interest,omitempty"`
	Collaterals     []Collateral `toml:"collateral"`
}

// Sandbox runs the adapter against in-process ledger, oracle and markets.
type Sandbox struct {
	Enabled bool     `toml:"Enabled"`
	Assets  []Asset  `toml:"asset"`
	Markets []Market `toml:"market"`
}
