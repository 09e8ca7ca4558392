package market

import "math/big"

const blocksPerYear = 31_536_000

var (
	ray     = mustBigInt("1000000000000000000000000000") // 1e27 index precision
	halfRay = new(big.Int).Rsh(ray, 1)
	wad     = mustBigInt("1000000000000000000")
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfRay)
	return product.Quo(product, ray)
}

func ratToRay(r *big.Rat) *big.Int {
	if r == nil {
		return new(big.Int).Set(ray)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(ray))
	out := new(big.Int).Quo(new(big.Int).Add(scaled.Num(), halfUp(scaled.Denom())), scaled.Denom())
	if out.Sign() == 0 {
		return new(big.Int).Set(ray)
	}
	return out
}

// growthFactor returns 1 + rate*delta/blocksPerYear in ray.
func growthFactor(rate *big.Rat, delta uint64) *big.Int {
	if rate == nil || rate.Sign() == 0 || delta == 0 {
		return new(big.Int).Set(ray)
	}
	perBlock := new(big.Rat).Quo(rate, new(big.Rat).SetUint64(blocksPerYear))
	perBlock.Mul(perBlock, new(big.Rat).SetUint64(delta))
	return ratToRay(perBlock.Add(perBlock, big.NewRat(1, 1)))
}

// toScaled converts an amount to index-relative units, rounding half up.
// A positive amount never scales to zero.
func toScaled(amount, index *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(amount, ray)
	scaled.Add(scaled, halfUp(index))
	scaled.Quo(scaled, index)
	if scaled.Sign() == 0 {
		return big.NewInt(1)
	}
	return scaled
}

func fromScaled(scaled, index *big.Int) *big.Int {
	if scaled == nil || scaled.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	return rayMul(scaled, index)
}

func halfUp(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return big.NewInt(0)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	return half.Rsh(half, 1)
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// value converts a token amount to 18 decimal base currency.
func value(amount, price *big.Int, decimals uint8) *big.Int {
	if amount == nil || price == nil {
		return big.NewInt(0)
	}
	v := new(big.Int).Mul(amount, price)
	return v.Quo(v, pow10(decimals))
}

func wadMul(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, wad)
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
