package gateway

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
)

// ToMinorUnits converts a currency-major amount into minor units for a
// currency with exactly two decimal places.
//
// This is the one place monetary precision is decided. The float is first
// turned into its shortest decimal representation (so 1500.005 is read as
// the decimal 1500.005, not its binary neighbour), multiplied by 100 exactly,
// and rounded half away from zero: 1500.005 -> 150001, 1500.00 -> 150000.
func ToMinorUnits(amountMajor float64) (int64, error) {
	if math.IsNaN(amountMajor) || math.IsInf(amountMajor, 0) || amountMajor <= 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, amountMajor)
	}
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(amountMajor, 'f', -1, 64))
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, amountMajor)
	}
	r.Mul(r, big.NewRat(100, 1))

	num, den := r.Num(), r.Denom()
	q, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	twiceRem := new(big.Int).Mul(new(big.Int).Abs(rem), big.NewInt(2))
	if twiceRem.Cmp(den) >= 0 {
		q.Add(q, big.NewInt(int64(num.Sign())))
	}

	if !q.IsInt64() || q.Sign() <= 0 {
		return 0, fmt.Errorf("%w: %v rounds to %s minor units", ErrInvalidAmount, amountMajor, q)
	}
	return q.Int64(), nil
}
