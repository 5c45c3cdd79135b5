package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarDelta(t *testing.T) {
	assert.Equal(t, 100.0, BarDelta(Candle{High: 10, Low: 8, Close: 10, Volume: 100}).InexactFloat64())
	assert.Equal(t, -100.0, BarDelta(Candle{High: 10, Low: 8, Close: 8, Volume: 100}).InexactFloat64())
	assert.Equal(t, 0.0, BarDelta(Candle{High: 10, Low: 8, Close: 9, Volume: 100}).InexactFloat64())
	assert.True(t, BarDelta(Candle{High: 9, Low: 9, Close: 9, Volume: 100}).IsZero())
}

func TestComputeCVD(t *testing.T) {
	_, ok := ComputeCVD(nil, 5)
	assert.False(t, ok)

	// 价格上行但每根都收在低位：CVD 持续下降，看跌背离
	bars := make([]Candle, 10)
	for i := range bars {
		base := 100 + float64(i)
		bars[i] = Candle{High: base + 1, Low: base - 1, Close: base - 0.5, Volume: 10}
	}
	res, ok := ComputeCVD(bars, 5)
	require.True(t, ok)
	assert.Equal(t, -50.0, res.Value.InexactFloat64())
	assert.Equal(t, -25.0, res.Momentum.InexactFloat64())
	assert.Equal(t, 0.0, res.Normalized.InexactFloat64())
	assert.Equal(t, "bearish", res.Divergence)

	flat := []Candle{{High: 1, Low: 1, Close: 1, Volume: 5}, {High: 1, Low: 1, Close: 1, Volume: 5}}
	res, ok = ComputeCVD(flat, 5)
	require.True(t, ok)
	assert.Equal(t, 0.5, res.Normalized.InexactFloat64())
	assert.Equal(t, "neutral", res.Divergence)
}
