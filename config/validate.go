package config

import (
	"fmt"
	"strings"

	"lendbridge/native/oracle"
)

// Validate checks that every section parses and is internally consistent.
func (c *Config) Validate() error {
	ctrl, err := c.ControllerConfig()
	if err != nil {
		return err
	}
	if ctrl.MinHealthFactor.Cmp(wad) <= 0 {
		return fmt.Errorf("controller: MinHealthFactor must exceed 1")
	}
	if ctrl.TargetHealthFactor.Cmp(ctrl.MinHealthFactor) < 0 {
		return fmt.Errorf("controller: TargetHealthFactor below MinHealthFactor")
	}
	if ctrl.Orchestrator == ctrl.Governance {
		return fmt.Errorf("controller: orchestrator and governance must differ")
	}
	if _, err := c.PoolTolerance(); err != nil {
		return err
	}
	for _, name := range c.Oracle.Priority {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("oracle: empty feed name in Priority")
		}
	}
	if !c.Sandbox.Enabled {
		return nil
	}
	assets, err := c.SandboxAssets()
	if err != nil {
		return err
	}
	for i, entry := range c.Sandbox.Assets {
		if _, err := oracle.ParseDecimal(entry.Price); err != nil {
			return fmt.Errorf("sandbox asset %d price: %w", i, err)
		}
	}
	if len(c.Sandbox.Markets) == 0 {
		return fmt.Errorf("sandbox: at least one market required")
	}
	converters := make(map[string]struct{}, len(c.Sandbox.Markets))
	for _, m := range c.Sandbox.Markets {
		params, err := m.MarketParams(assets)
		if err != nil {
			return err
		}
		key := params.Converter.Hex()
		if _, dup := converters[key]; dup {
			return fmt.Errorf("sandbox: duplicate converter %s", key)
		}
		converters[key] = struct{}{}
	}
	return nil
}
