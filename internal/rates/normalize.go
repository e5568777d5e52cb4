// Package rates holds the funding-rate normalizer and the per-symbol
// aggregator feeding the rest of the engine.
package rates

import (
	"fmt"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"

	"github.com/shopspring/decimal"
)

// Normalize converts a funding rate observed on srcHours to the equivalent
// rate on dstHours: r_dst = r * (dstHours / srcHours). Multiplication runs
// before division so exact conversions stay exact.
func Normalize(rate decimal.Decimal, srcHours, dstHours int) (decimal.Decimal, error) {
	if !core.IsValidFundingInterval(srcHours) {
		return decimal.Zero, fmt.Errorf("%w: source interval %dh", apperrors.ErrValidation, srcHours)
	}
	if !core.IsValidFundingInterval(dstHours) {
		return decimal.Zero, fmt.Errorf("%w: target interval %dh", apperrors.ErrValidation, dstHours)
	}
	if srcHours == dstHours {
		return rate, nil
	}
	return rate.Mul(decimal.NewFromInt(int64(dstHours))).Div(decimal.NewFromInt(int64(srcHours))), nil
}

// NormalizeAll converts a rate to every target basis. Invalid source
// intervals yield an error; targets are assumed pre-validated by config.
func NormalizeAll(rate decimal.Decimal, srcHours int, targets []int) (map[int]decimal.Decimal, error) {
	out := make(map[int]decimal.Decimal, len(targets))
	for _, dst := range targets {
		r, err := Normalize(rate, srcHours, dst)
		if err != nil {
			return nil, err
		}
		out[dst] = r
	}
	return out, nil
}

// SpreadPercent returns (maxRate - minRate) * 100.
func SpreadPercent(minRate, maxRate decimal.Decimal) decimal.Decimal {
	return maxRate.Sub(minRate).Mul(decimal.NewFromInt(100))
}

// AnnualizeSpreadPercent converts a per-interval spread percent to APR:
// spreadPercent * (24 / intervalHours) * 365. A non-positive interval
// returns zero to avoid division by zero.
func AnnualizeSpreadPercent(spreadPercent decimal.Decimal, intervalHours int) decimal.Decimal {
	if intervalHours <= 0 {
		return decimal.Zero
	}
	return spreadPercent.
		Mul(decimal.NewFromInt(24)).
		Div(decimal.NewFromInt(int64(intervalHours))).
		Mul(decimal.NewFromInt(365))
}

// PriceDiffPercent returns |a - b| / mid * 100, the mark price divergence
// between two venues. Zero when either side is missing or non-positive.
func PriceDiffPercent(a, b decimal.Decimal) decimal.Decimal {
	if a.Sign() <= 0 || b.Sign() <= 0 {
		return decimal.Zero
	}
	mid := a.Add(b).Div(decimal.NewFromInt(2))
	return a.Sub(b).Abs().Div(mid).Mul(decimal.NewFromInt(100))
}
