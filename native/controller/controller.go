package controller

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotGovernance     = errors.New("controller: caller is not governance")
	ErrZeroAddress       = errors.New("controller: zero address")
	ErrInvalidThresholds = errors.New("controller: health factor thresholds invalid")
)

var one = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Config seeds a controller.
type Config struct {
	Orchestrator common.Address
	Governance   common.Address
	// Health factors use 18 decimal fixed point; both must exceed 1.0 and
	// the target must not be below the minimum.
	MinHealthFactor    *big.Int
	TargetHealthFactor *big.Int
	Paused             []string
}

// Controller holds protocol wide roles, health factor thresholds and module
// pause switches. Governance can update thresholds and pauses at runtime.
type Controller struct {
	mu           sync.RWMutex
	orchestrator common.Address
	governance   common.Address
	minHF        *big.Int
	targetHF     *big.Int
	paused       map[string]bool
}

// New validates cfg and returns a controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Orchestrator == (common.Address{}) || cfg.Governance == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if err := validateThresholds(cfg.MinHealthFactor, cfg.TargetHealthFactor); err != nil {
		return nil, err
	}
	c := &Controller{
		orchestrator: cfg.Orchestrator,
		governance:   cfg.Governance,
		minHF:        new(big.Int).Set(cfg.MinHealthFactor),
		targetHF:     new(big.Int).Set(cfg.TargetHealthFactor),
		paused:       make(map[string]bool),
	}
	for _, module := range cfg.Paused {
		if m := normalizeModule(module); m != "" {
			c.paused[m] = true
		}
	}
	return c, nil
}

func validateThresholds(minHF, targetHF *big.Int) error {
	if minHF == nil || targetHF == nil {
		return ErrInvalidThresholds
	}
	if minHF.Cmp(one) <= 0 || targetHF.Cmp(minHF) < 0 {
		return fmt.Errorf("%w: min %s target %s", ErrInvalidThresholds, minHF, targetHF)
	}
	return nil
}

func (c *Controller) Orchestrator() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orchestrator
}

func (c *Controller) Governance() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.governance
}

func (c *Controller) MinHealthFactor() *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return new(big.Int).Set(c.minHF)
}

func (c *Controller) TargetHealthFactor() *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return new(big.Int).Set(c.targetHF)
}

// IsPaused implements common.PauseView.
func (c *Controller) IsPaused(module string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused[normalizeModule(module)]
}

// PausedModules lists the paused modules in name order.
func (c *Controller) PausedModules() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.paused))
	for module, paused := range c.paused {
		if paused {
			out = append(out, module)
		}
	}
	sort.Strings(out)
	return out
}

// SetPaused toggles a module pause switch.
func (c *Controller) SetPaused(caller common.Address, module string, paused bool) error {
	m := normalizeModule(module)
	if m == "" {
		return errors.New("controller: module required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.governance {
		return ErrNotGovernance
	}
	if paused {
		c.paused[m] = true
	} else {
		delete(c.paused, m)
	}
	return nil
}

// SetHealthFactors replaces the minimum and target health factors.
func (c *Controller) SetHealthFactors(caller common.Address, minHF, targetHF *big.Int) error {
	if err := validateThresholds(minHF, targetHF); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.governance {
		return ErrNotGovernance
	}
	c.minHF = new(big.Int).Set(minHF)
	c.targetHF = new(big.Int).Set(targetHF)
	return nil
}

func normalizeModule(module string) string {
	return strings.ToLower(strings.TrimSpace(module))
}
