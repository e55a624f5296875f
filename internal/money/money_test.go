package money

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		cents int64
		want  string
	}{
		{0, "$0.00"},
		{5, "$0.05"},
		{1999, "$19.99"},
		{100000, "$1000.00"},
		{-250, "-$2.50"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Format(tt.cents))
	}
}

func TestFormatMinInt(t *testing.T) {
	assert.Equal(t, "-$92233720368547758.08", Format(math.MinInt64))
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "12.50", FormatAmount(1250))
	assert.Equal(t, "0.07", FormatAmount(7))
}

func TestFromDecimalString(t *testing.T) {
	cents, err := FromDecimalString("19.99")
	require.NoError(t, err)
	assert.Equal(t, int64(1999), cents)

	cents, err = FromDecimalString(" 10 ")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), cents)

	cents, err = FromDecimalString("0.129")
	require.NoError(t, err)
	assert.Equal(t, int64(12), cents)

	_, err = FromDecimalString("ten")
	assert.Error(t, err)
}

func TestDecimalRoundTrip(t *testing.T) {
	d := ToDecimal(4321)
	assert.True(t, d.Equal(decimal.RequireFromString("43.21")))
	assert.Equal(t, int64(4321), FromDecimal(d))
}
