package pooladapter

import "math/big"

var (
	wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	// MaxHealthFactor is reported for positions without debt.
	MaxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// Wad returns 1.0 in 18 decimal fixed point.
func Wad() *big.Int {
	return new(big.Int).Set(wad)
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func absDiff(a, b *big.Int) *big.Int {
	d := new(big.Int).Sub(a, b)
	return d.Abs(d)
}

func within(actual, expected, tolerance *big.Int) bool {
	return absDiff(actual, expected).Cmp(tolerance) <= 0
}

// HealthFactor computes collateral*priceC*threshold / (debt*priceB) with both
// amounts normalised to their token decimals. The result uses 18 decimal
// fixed point and saturates at MaxHealthFactor.
func HealthFactor(collateral, debt, collateralPrice, borrowPrice, threshold *big.Int, collateralDecimals, borrowDecimals uint8) *big.Int {
	if debt == nil || debt.Sign() <= 0 {
		return new(big.Int).Set(MaxHealthFactor)
	}
	if collateral == nil || collateral.Sign() <= 0 || collateralPrice == nil || threshold == nil {
		return big.NewInt(0)
	}
	if borrowPrice == nil || borrowPrice.Sign() <= 0 {
		return new(big.Int).Set(MaxHealthFactor)
	}
	num := new(big.Int).Mul(collateral, collateralPrice)
	num.Mul(num, threshold)
	num.Mul(num, pow10(borrowDecimals))
	den := new(big.Int).Mul(debt, borrowPrice)
	den.Mul(den, pow10(collateralDecimals))
	hf := num.Quo(num, den)
	if hf.Cmp(MaxHealthFactor) > 0 {
		return new(big.Int).Set(MaxHealthFactor)
	}
	return hf
}

// collateralCovering returns the smallest collateral amount whose
// LTV-weighted value still covers debt. Every step rounds up so the result
// holds under any market rounding. Nil is returned when the collateral has no
// borrowing power.
func collateralCovering(debt, collateralPrice, borrowPrice, ltv *big.Int, collateralDecimals, borrowDecimals uint8) *big.Int {
	if debt == nil || debt.Sign() <= 0 {
		return big.NewInt(0)
	}
	if collateralPrice == nil || collateralPrice.Sign() <= 0 || ltv == nil || ltv.Sign() <= 0 || borrowPrice == nil {
		return nil
	}
	debtValue := ceilDiv(new(big.Int).Mul(debt, borrowPrice), pow10(borrowDecimals))
	weighted := ceilDiv(new(big.Int).Mul(debtValue, wad), ltv)
	return ceilDiv(weighted.Mul(weighted, pow10(collateralDecimals)), collateralPrice)
}

func ceilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// proportionalShare returns total*part/whole rounded down.
func proportionalShare(total, part, whole *big.Int) *big.Int {
	if whole == nil || whole.Sign() == 0 || total == nil || part == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(total, part)
	out.Quo(out, whole)
	if out.Cmp(total) > 0 {
		return new(big.Int).Set(total)
	}
	return out
}
