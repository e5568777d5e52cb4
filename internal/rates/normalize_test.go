package rates

import (
	"testing"

	apperrors "funding_arb/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestNormalizeAcrossBases(t *testing.T) {
	tests := []struct {
		name     string
		rate     string
		src      int
		dst      int
		expected string
	}{
		{"8h to 1h", "0.0003", 8, 1, "0.0000375"},
		{"8h to 4h", "0.0003", 8, 4, "0.00015"},
		{"8h to 24h", "0.0003", 8, 24, "0.0009"},
		{"1h to 8h", "0.0001", 1, 8, "0.0008"},
		{"4h to 24h", "0.0005", 4, 24, "0.003"},
		{"identity", "0.00042", 8, 8, "0.00042"},
		{"negative rate", "-0.0002", 8, 24, "-0.0006"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(d(tt.rate), tt.src, tt.dst)
			require.NoError(t, err)
			assert.True(t, d(tt.expected).Equal(got), "expected %s, got %s", tt.expected, got)
		})
	}
}

func TestNormalizeRejectsInvalidIntervals(t *testing.T) {
	_, err := Normalize(d("0.0003"), 3, 8)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = Normalize(d("0.0003"), 8, 6)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestNormalizeRoundTrip(t *testing.T) {
	original := d("0.0003")

	to24, err := Normalize(original, 8, 24)
	require.NoError(t, err)
	back, err := Normalize(to24, 24, 8)
	require.NoError(t, err)

	assert.True(t, original.Equal(back), "round trip changed the rate: %s -> %s", original, back)
}

func TestNormalizeAll(t *testing.T) {
	out, err := NormalizeAll(d("0.0003"), 8, []int{1, 4, 8, 24})
	require.NoError(t, err)

	assert.True(t, d("0.0000375").Equal(out[1]))
	assert.True(t, d("0.00015").Equal(out[4]))
	assert.True(t, d("0.0003").Equal(out[8]))
	assert.True(t, d("0.0009").Equal(out[24]))
}

func TestSpreadPercent(t *testing.T) {
	// Rates 0.001 / 0.0005 / -0.0002: spread spans max to min.
	spread := SpreadPercent(d("-0.0002"), d("0.001"))
	assert.True(t, d("0.12").Equal(spread), "expected 0.12, got %s", spread)
}

func TestAnnualizeSpreadPercent(t *testing.T) {
	apr := AnnualizeSpreadPercent(d("0.12"), 8)
	assert.True(t, d("131.4").Equal(apr), "expected 131.4, got %s", apr)

	apr = AnnualizeSpreadPercent(d("0.12"), 24)
	assert.True(t, d("43.8").Equal(apr), "expected 43.8, got %s", apr)

	assert.True(t, AnnualizeSpreadPercent(d("0.12"), 0).IsZero())
}

func TestPriceDiffPercent(t *testing.T) {
	diff := PriceDiffPercent(d("100"), d("99"))
	expected := d("1").Div(d("99.5")).Mul(d("100"))
	assert.True(t, expected.Equal(diff), "expected %s, got %s", expected, diff)

	// Order does not matter.
	assert.True(t, diff.Equal(PriceDiffPercent(d("99"), d("100"))))

	// Missing marks yield zero.
	assert.True(t, PriceDiffPercent(decimal.Zero, d("100")).IsZero())
}
