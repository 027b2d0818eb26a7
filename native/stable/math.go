package stable

import "math/big"

// Fixed-point bases. Debt and reference-currency values carry 18 decimals;
// oracle feeds answer with 8 and are scaled up by 1e10 before use. Division
// always truncates toward zero.
var (
	precision               = mustBigInt("1000000000000000000") // 1e18
	additionalFeedPrecision = mustBigInt("10000000000")         // 1e10
	liquidationThreshold    = big.NewInt(50)
	liquidationPrecision    = big.NewInt(100)
	liquidationBonus        = big.NewInt(10)
	minHealthFactor         = mustBigInt("1000000000000000000") // 1.0 in 18 decimals

	// maxHealthFactor stands in for an unbounded ratio when an account has
	// no debt. It mirrors the largest 256-bit unsigned value so comparisons
	// against any real ratio behave.
	maxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// feedDecimals is the precision every approved price feed must answer with.
const feedDecimals = 8

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// mulDiv computes a*b/den with integer truncation.
func mulDiv(a, b, den *big.Int) *big.Int {
	if a == nil || b == nil || den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den)
}

// healthFactorFor derives the solvency ratio from a collateral value and a
// debt amount, both in 18-decimal fixed point. A zero debt yields the
// unbounded sentinel; callers must not divide through it.
func healthFactorFor(collateralValue, debt *big.Int) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return new(big.Int).Set(maxHealthFactor)
	}
	if collateralValue == nil {
		return big.NewInt(0)
	}
	adjusted := mulDiv(collateralValue, liquidationThreshold, liquidationPrecision)
	return mulDiv(adjusted, precision, debt)
}
