package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the precision of the pool's native token (ETH-like, 18 decimals).
const Decimals = 18

var (
	ErrInvalidAmount = errors.New("amount: invalid decimal amount")
	ErrRange         = errors.New("amount: value out of range")
)

var (
	two128 = new(big.Int).Lsh(big.NewInt(1), 128)
	two256 = new(big.Int).Lsh(big.NewInt(1), 256)
)

// DecimalToWei converts a user supplied decimal string (e.g. "2.5") into base units with
// 18 decimals. Fractional digits beyond the precision are truncated, never rounded.
func DecimalToWei(s string) (*big.Int, error) {
	return DecimalToUnits(s, Decimals)
}

// DecimalToUnits is DecimalToWei for an arbitrary token precision.
func DecimalToUnits(s string, decimals int) (*big.Int, error) {
	if decimals < 0 || decimals > 77 {
		return nil, fmt.Errorf("%w: decimals %d", ErrInvalidAmount, decimals)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	intPart, fracPart, hasDot := strings.Cut(s, ".")
	if hasDot && strings.Contains(fracPart, ".") {
		return nil, fmt.Errorf("%w: %q has more than one decimal point", ErrInvalidAmount, s)
	}
	if intPart == "" && fracPart == "" {
		return nil, fmt.Errorf("%w: %q has no digits", ErrInvalidAmount, s)
	}
	if !allDigits(intPart) || !allDigits(fracPart) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > decimals {
		fracPart = fracPart[:decimals]
	}
	fracPart += strings.Repeat("0", decimals-len(fracPart))

	out, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return out, nil
}

// WeiToDecimal renders base units as a decimal string for display. Trailing fractional zeros
// are trimmed and whole values carry no decimal point.
func WeiToDecimal(wei *big.Int) string {
	return UnitsToDecimal(wei, Decimals)
}

// UnitsToDecimal renders v in units of 10^-decimals, with the same trimming as WeiToDecimal.
func UnitsToDecimal(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	neg := v.Sign() < 0
	digits := new(big.Int).Abs(v).String()
	if decimals > 0 {
		if len(digits) <= decimals {
			digits = strings.Repeat("0", decimals-len(digits)+1) + digits
		}
		cut := len(digits) - decimals
		intPart, fracPart := digits[:cut], strings.TrimRight(digits[cut:], "0")
		digits = intPart
		if fracPart != "" {
			digits += "." + fracPart
		}
	}
	if neg {
		return "-" + digits
	}
	return digits
}

// ParseWei parses a stored integer amount (decimal digits only).
func ParseWei(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || !allDigits(s) {
		return nil, fmt.Errorf("%w: %q is not an integer amount", ErrInvalidAmount, s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return v, nil
}

// SplitU256 returns the (low, high) 128-bit limbs of v as used by Cairo u256 calldata.
func SplitU256(v *big.Int) (low *big.Int, high *big.Int, err error) {
	if v == nil || v.Sign() < 0 {
		return nil, nil, fmt.Errorf("%w: u256 must be non-negative", ErrRange)
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return nil, nil, fmt.Errorf("%w: u256 must be < 2^256", ErrRange)
	}
	lo := uint256.Int{u[0], u[1], 0, 0}
	hi := uint256.Int{u[2], u[3], 0, 0}
	return lo.ToBig(), hi.ToBig(), nil
}

// JoinU256 is the inverse of SplitU256.
func JoinU256(low, high *big.Int) (*big.Int, error) {
	for _, limb := range []*big.Int{low, high} {
		if limb == nil || limb.Sign() < 0 || limb.Cmp(two128) >= 0 {
			return nil, fmt.Errorf("%w: u256 limb must be in [0, 2^128)", ErrRange)
		}
	}
	out := new(big.Int).Lsh(high, 128)
	out.Add(out, low)
	return out, nil
}

// MaxU256 returns 2^256 - 1.
func MaxU256() *big.Int {
	return new(big.Int).Sub(two256, big.NewInt(1))
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
