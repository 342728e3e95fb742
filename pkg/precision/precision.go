// Package precision implements fixed-scale decimal arithmetic on decimal strings.
//
// Every operation takes an explicit scale (number of fractional digits), works on
// scaled integers internally and returns a string truncated, never rounded, to that
// scale. Binary floating point is never involved.
package precision

import (
	"math/big"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
)

// Scale is the number of fractional digits kept for a value.
type Scale int32

// MaxScale bounds the scales accepted by this package (ERC-20 tokens top out at 18).
const MaxScale Scale = 18

// PairScales carries the two scales a trading pair needs: base for amounts, quote for prices.
type PairScales struct {
	Base  Scale
	Quote Scale
}

var decimalPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

// Validate reports whether s is a well-formed decimal string.
func Validate(s string) error {
	if !decimalPattern.MatchString(s) {
		return errors.PrecisionError.Explain("malformed decimal %q", s)
	}
	return nil
}

func checkScale(scale Scale) error {
	if scale < 0 || scale > MaxScale {
		return errors.PrecisionError.Explain("scale %d out of range [0,%d]", scale, MaxScale)
	}
	return nil
}

// Parse validates s and returns it truncated to scale.
func Parse(s string, scale Scale) (decimal.Decimal, error) {
	if err := checkScale(scale); err != nil {
		return decimal.Zero, err
	}
	if err := Validate(s); err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.PrecisionError.Explain("malformed decimal %q", s).Wrap(err)
	}
	return d.Truncate(int32(scale)), nil
}

// Format renders d truncated to scale, without trailing zeros.
func Format(d decimal.Decimal, scale Scale) string {
	return d.Truncate(int32(scale)).String()
}

func parsePair(a, b string, scale Scale) (decimal.Decimal, decimal.Decimal, error) {
	da, err := Parse(a, scale)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	db, err := Parse(b, scale)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return da, db, nil
}

// Add returns a+b at scale.
func Add(a, b string, scale Scale) (string, error) {
	da, db, err := parsePair(a, b, scale)
	if err != nil {
		return "", err
	}
	return Format(da.Add(db), scale), nil
}

// Subtract returns a-b at scale.
func Subtract(a, b string, scale Scale) (string, error) {
	da, db, err := parsePair(a, b, scale)
	if err != nil {
		return "", err
	}
	return Format(da.Sub(db), scale), nil
}

// Compare returns -1, 0 or 1 as a is less than, equal to or greater than b at scale.
func Compare(a, b string, scale Scale) (int, error) {
	da, db, err := parsePair(a, b, scale)
	if err != nil {
		return 0, err
	}
	return da.Cmp(db), nil
}

// Min returns the smaller of a and b at scale.
func Min(a, b string, scale Scale) (string, error) {
	da, db, err := parsePair(a, b, scale)
	if err != nil {
		return "", err
	}
	if da.Cmp(db) <= 0 {
		return Format(da, scale), nil
	}
	return Format(db, scale), nil
}

// IsZero reports whether a truncated to scale is zero.
func IsZero(a string, scale Scale) (bool, error) {
	d, err := Parse(a, scale)
	if err != nil {
		return false, err
	}
	return d.IsZero(), nil
}

// IsPositive reports whether a truncated to scale is strictly positive.
func IsPositive(a string, scale Scale) (bool, error) {
	d, err := Parse(a, scale)
	if err != nil {
		return false, err
	}
	return d.IsPositive(), nil
}

// ToInteger returns a scaled by 10^scale as an integer, truncating extra digits.
func ToInteger(a string, scale Scale) (*big.Int, error) {
	d, err := Parse(a, scale)
	if err != nil {
		return nil, err
	}
	return d.Shift(int32(scale)).BigInt(), nil
}

// FromInteger is the inverse of ToInteger.
func FromInteger(i *big.Int, scale Scale) string {
	if i == nil {
		return "0"
	}
	return decimal.NewFromBigInt(i, -int32(scale)).String()
}

// Exceeds reports whether s carries more fractional digits than scale allows.
func Exceeds(s string, scale Scale) bool {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return true
	}
	return !d.Equal(d.Truncate(int32(scale)))
}
