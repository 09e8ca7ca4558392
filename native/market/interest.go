package market

import "math/big"

// InterestModel is a kinked utilisation curve for the base asset borrow rate.
// Rates are annual and expressed as fractions, e.g. 0.02 for 2%.
type InterestModel struct {
	BaseRate *big.Rat
	// Slope1 applies up to the kink, Slope2 to the utilisation above it.
	Slope1 *big.Rat
	Slope2 *big.Rat
	Kink   *big.Rat
	// ReserveFactor is the share of borrow interest kept by the market.
	ReserveFactor *big.Rat
}

// NewInterestModel builds a model from decimal inputs.
func NewInterestModel(baseRate, slope1, slope2, kink, reserveFactor float64) *InterestModel {
	rat := func(v float64) *big.Rat { return new(big.Rat).SetFloat64(v) }
	return &InterestModel{
		BaseRate:      rat(baseRate),
		Slope1:        rat(slope1),
		Slope2:        rat(slope2),
		Kink:          rat(kink),
		ReserveFactor: rat(reserveFactor),
	}
}

// DefaultInterestModel mirrors a typical stablecoin market curve.
var DefaultInterestModel = NewInterestModel(0.02, 0.15, 0.6, 0.8, 0.1)

// Clone returns a deep copy of the model.
func (m *InterestModel) Clone() *InterestModel {
	if m == nil {
		return nil
	}
	return &InterestModel{
		BaseRate:      cloneRat(m.BaseRate),
		Slope1:        cloneRat(m.Slope1),
		Slope2:        cloneRat(m.Slope2),
		Kink:          cloneRat(m.Kink),
		ReserveFactor: cloneRat(m.ReserveFactor),
	}
}

// Utilisation is borrowed / supplied, zero for an empty market.
func (m *InterestModel) Utilisation(borrowed, supplied *big.Int) *big.Rat {
	if borrowed == nil || borrowed.Sign() == 0 || supplied == nil || supplied.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(borrowed, supplied)
}

// BorrowRate derives the annual borrow rate at the given utilisation.
func (m *InterestModel) BorrowRate(borrowed, supplied *big.Int) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := cloneRat(m.BaseRate)
	u := m.Utilisation(borrowed, supplied)
	kink := cloneRat(m.Kink)
	if kink.Sign() == 0 || u.Cmp(kink) <= 0 {
		return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), u))
	}
	rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), kink))
	excess := new(big.Rat).Sub(u, kink)
	return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope2), excess))
}

// SupplyRate is the borrow rate earned by suppliers after the reserve cut.
func (m *InterestModel) SupplyRate(borrowed, supplied *big.Int) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	u := m.Utilisation(borrowed, supplied)
	if u.Sign() == 0 {
		return new(big.Rat)
	}
	keep := new(big.Rat).Sub(big.NewRat(1, 1), cloneRat(m.ReserveFactor))
	if keep.Sign() < 0 {
		keep.SetInt64(0)
	}
	rate := new(big.Rat).Mul(m.BorrowRate(borrowed, supplied), u)
	return rate.Mul(rate, keep)
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}
