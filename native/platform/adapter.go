package platform

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"lendbridge/native/pooladapter"
)

var (
	ErrInvalidRequest  = errors.New("platform: invalid conversion request")
	ErrPlanUnavailable = errors.New("platform: no conversion plan available")
)

var wad = pooladapter.Wad()

// Market is the read side of a lending market needed to plan conversions.
type Market interface {
	CollateralParams(ctx context.Context, asset common.Address) (pooladapter.CollateralParams, error)
	BorrowLimits(ctx context.Context, asset common.Address) (pooladapter.BorrowLimits, error)
}

// Decimals resolves token decimals.
type Decimals interface {
	Decimals(ctx context.Context, asset common.Address) (uint8, error)
}

// Request describes a prospective borrow.
type Request struct {
	CollateralAsset  common.Address
	CollateralAmount *big.Int
	BorrowAsset      common.Address
	// HealthFactor is the health factor the plan should leave the position
	// at. Nil uses the controller target.
	HealthFactor *big.Int
}

// ConversionPlan is the borrow a converter can open for a Request.
type ConversionPlan struct {
	Converter            common.Address
	CollateralAmount     *big.Int
	AmountToBorrow       *big.Int
	MaxAmountToBorrow    *big.Int
	LTV                  *big.Int
	LiquidationThreshold *big.Int
}

// Adapter plans conversions on one market for one converter.
type Adapter struct {
	converter  common.Address
	market     Market
	oracle     pooladapter.PriceOracle
	decimals   Decimals
	controller pooladapter.Controller
}

// NewAdapter builds an adapter.
func NewAdapter(converter common.Address, market Market, oracle pooladapter.PriceOracle, decimals Decimals, controller pooladapter.Controller) *Adapter {
	return &Adapter{converter: converter, market: market, oracle: oracle, decimals: decimals, controller: controller}
}

func (a *Adapter) Converter() common.Address { return a.converter }

// GetConversionPlan sizes the borrow so the resulting health factor equals
// the requested one, capped by the market LTV and the available liquidity.
// Plans below the market's minimum borrow are unavailable.
func (a *Adapter) GetConversionPlan(ctx context.Context, req Request) (ConversionPlan, error) {
	if req.CollateralAsset == (common.Address{}) || req.BorrowAsset == (common.Address{}) || req.CollateralAsset == req.BorrowAsset {
		return ConversionPlan{}, ErrInvalidRequest
	}
	if req.CollateralAmount == nil || req.CollateralAmount.Sign() <= 0 {
		return ConversionPlan{}, ErrInvalidRequest
	}
	hf := req.HealthFactor
	if hf == nil {
		hf = a.controller.TargetHealthFactor()
	}
	if hf.Cmp(a.controller.MinHealthFactor()) < 0 {
		return ConversionPlan{}, fmt.Errorf("%w: health factor %s below minimum", ErrInvalidRequest, hf)
	}

	params, err := a.market.CollateralParams(ctx, req.CollateralAsset)
	if err != nil {
		return ConversionPlan{}, fmt.Errorf("%w: %v", ErrPlanUnavailable, err)
	}
	limits, err := a.market.BorrowLimits(ctx, req.BorrowAsset)
	if err != nil {
		return ConversionPlan{}, fmt.Errorf("%w: %v", ErrPlanUnavailable, err)
	}
	collateralPrice, err := a.oracle.Price(ctx, req.CollateralAsset)
	if err != nil {
		return ConversionPlan{}, err
	}
	borrowPrice, err := a.oracle.Price(ctx, req.BorrowAsset)
	if err != nil {
		return ConversionPlan{}, err
	}
	if borrowPrice.Sign() <= 0 {
		return ConversionPlan{}, fmt.Errorf("%w: borrow asset unpriced", ErrPlanUnavailable)
	}
	collateralDecimals, err := a.decimals.Decimals(ctx, req.CollateralAsset)
	if err != nil {
		return ConversionPlan{}, err
	}
	borrowDecimals, err := a.decimals.Decimals(ctx, req.BorrowAsset)
	if err != nil {
		return ConversionPlan{}, err
	}

	// collateral value in borrow units, before any factor
	base := new(big.Int).Mul(req.CollateralAmount, collateralPrice)
	base.Mul(base, pow10(borrowDecimals))
	den := new(big.Int).Mul(borrowPrice, pow10(collateralDecimals))

	byHealth := new(big.Int).Mul(base, params.LiquidationThreshold)
	byHealth.Quo(byHealth, new(big.Int).Mul(den, hf))
	byLTV := new(big.Int).Mul(base, params.LTV)
	byLTV.Quo(byLTV, new(big.Int).Mul(den, wad))

	maxBorrow := minBig(byLTV, limits.Available)
	amount := minBig(byHealth, maxBorrow)
	if amount.Sign() == 0 {
		return ConversionPlan{}, fmt.Errorf("%w: nothing to borrow", ErrPlanUnavailable)
	}
	if limits.MinBorrow != nil && amount.Cmp(limits.MinBorrow) < 0 {
		return ConversionPlan{}, fmt.Errorf("%w: %s below market minimum %s", ErrPlanUnavailable, amount, limits.MinBorrow)
	}
	return ConversionPlan{
		Converter:            a.converter,
		CollateralAmount:     new(big.Int).Set(req.CollateralAmount),
		AmountToBorrow:       amount,
		MaxAmountToBorrow:    maxBorrow,
		LTV:                  new(big.Int).Set(params.LTV),
		LiquidationThreshold: new(big.Int).Set(params.LiquidationThreshold),
	}, nil
}

// FindBestPlan asks every adapter for a plan and returns the one borrowing
// the most. Adapters without a plan are skipped; when none has a plan the
// last failure is returned.
func FindBestPlan(ctx context.Context, adapters []*Adapter, req Request) (ConversionPlan, error) {
	var (
		best    ConversionPlan
		found   bool
		lastErr error
	)
	for _, adapter := range adapters {
		plan, err := adapter.GetConversionPlan(ctx, req)
		if err != nil {
			if errors.Is(err, ErrInvalidRequest) {
				return ConversionPlan{}, err
			}
			lastErr = err
			continue
		}
		if !found || plan.AmountToBorrow.Cmp(best.AmountToBorrow) > 0 {
			best, found = plan, true
		}
	}
	if !found {
		if lastErr == nil {
			lastErr = ErrPlanUnavailable
		}
		return ConversionPlan{}, lastErr
	}
	return best, nil
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

func minBig(a, b *big.Int) *big.Int {
	if b == nil || a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
