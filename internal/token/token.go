// Package token provides shared stablecoin parsing and formatting utilities.
//
// The settlement token uses 6 decimal places. All amounts are handled as
// big.Int in the smallest unit (1 token = 1,000,000 units) and serialized
// as decimal strings to avoid float loss.
package token

import (
	"fmt"
	"math"
	"math/big"
	"strings"
)

const Decimals = 6

// feeRateScale is the fixed-point scale used when applying a fractional fee
// rate to an integer amount. 1e6 keeps six digits of rate precision, which
// covers every rate the platform configures.
const feeRateScale = 1_000_000

// ParseUnits converts a minor-unit decimal string (e.g. "1000000") to a
// big.Int. Negative or malformed input is rejected.
func ParseUnits(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amounts not allowed")
	}
	return v, nil
}

// Parse converts a human-readable decimal string (e.g. "1.50") to its
// smallest-unit big.Int representation (1500000).
//
// Rules:
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(amount string) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(amount, "-") {
		return nil, fmt.Errorf("negative amounts not allowed")
	}

	parts := strings.Split(amount, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("invalid amount format")
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}

	wholeBig, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("invalid whole number")
	}

	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
	result := new(big.Int).Mul(wholeBig, multiplier)

	if frac != "" {
		if len(frac) > Decimals {
			frac = frac[:Decimals]
		}
		for len(frac) < Decimals {
			frac += "0"
		}
		fracBig, ok := new(big.Int).SetString(frac, 10)
		if !ok {
			return nil, fmt.Errorf("invalid decimal number")
		}
		result.Add(result, fracBig)
	}

	return result, nil
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// SplitFee splits a gross minor-unit amount into net and fee parts.
// The fee is floored: fee = floor(gross × rate), net = gross − fee,
// so net + fee == gross always holds exactly.
//
// The rate is applied via integer fixed-point scaling (×round(rate·1e6)÷1e6)
// so the result is deterministic across platforms.
func SplitFee(gross *big.Int, rate float64) (net, fee *big.Int, err error) {
	if gross == nil || gross.Sign() <= 0 {
		return nil, nil, fmt.Errorf("gross amount must be positive")
	}
	if rate < 0 || rate >= 1 {
		return nil, nil, fmt.Errorf("fee rate must be in [0, 1), got %v", rate)
	}

	scaled := int64(math.Round(rate * feeRateScale))
	fee = new(big.Int).Mul(gross, big.NewInt(scaled))
	fee.Quo(fee, big.NewInt(feeRateScale)) // truncation == floor for non-negative values

	net = new(big.Int).Sub(gross, fee)
	return net, fee, nil
}
