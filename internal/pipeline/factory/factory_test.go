package factory

import (
	"context"
	"testing"

	"confluence/internal/config"
	"confluence/internal/features"
	"confluence/internal/market"
	"confluence/internal/pipeline/middlewares"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func risingBars(n int, lastVolume float64) []market.Candle {
	bars := make([]market.Candle, n)
	for i := range bars {
		price := 100 + float64(i)*0.5
		bars[i] = market.Candle{
			OpenTime:  int64(i) * 300_000,
			CloseTime: int64(i+1)*300_000 - 1,
			Open:      price - 0.25,
			High:      price + 0.25,
			Low:       price - 0.5,
			Close:     price,
			Volume:    100,
		}
	}
	bars[n-1].Volume = lastVolume
	return bars
}

func TestDefaultPipelineDerivesFeatures(t *testing.T) {
	p, err := Build(config.Default().Pipeline)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.ElementsMatch(t, []string{
		features.TickMomentum, features.MTFConfluence, features.DeltaDivergence, features.VolumeConfirmation,
	}, p.Outputs())

	v, err := p.Derive(context.Background(), "ES", risingBars(80, 150))
	require.NoError(t, err)

	mom := v.Resolve(features.TickMomentum)
	assert.Equal(t, features.StatusOK, mom.Status)
	assert.Greater(t, mom.Value, 0.9)

	mtf := v.Resolve(features.MTFConfluence)
	assert.Equal(t, features.StatusOK, mtf.Status)
	assert.GreaterOrEqual(t, mtf.Value, 0.5)

	vol := v.Resolve(features.VolumeConfirmation)
	assert.InDelta(t, 150.0/102.5/2, vol.Value, 1e-6)

	assert.Equal(t, features.StatusOK, v.Resolve(features.DeltaDivergence).Status)
}

func TestShortHistoryYieldsFeatureErrors(t *testing.T) {
	p, err := Build(config.Default().Pipeline)
	require.NoError(t, err)
	v, err := p.Derive(context.Background(), "ES", risingBars(10, 100))
	require.NoError(t, err)
	for _, name := range p.Outputs() {
		assert.Equal(t, features.StatusError, v.Resolve(name).Status, name)
	}
}

func TestDisabledPipeline(t *testing.T) {
	p, err := Build(config.PipelineConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestBuildRejectsBadConfig(t *testing.T) {
	_, err := Build(config.PipelineConfig{Enabled: true, Middlewares: []config.MiddlewareConfig{{Name: "stochastic"}}})
	assert.Error(t, err)

	_, err = Build(config.PipelineConfig{Enabled: true, Middlewares: []config.MiddlewareConfig{{Name: "rsi"}, {Name: "tick_momentum"}}})
	assert.ErrorContains(t, err, "produced by both")

	_, err = BuildMiddleware(config.MiddlewareConfig{Name: "macd", Params: map[string]any{"fast": 30, "slow": 26}})
	assert.Error(t, err)

	_, err = BuildMiddleware(config.MiddlewareConfig{Name: "ema_trend", Params: map[string]any{"fast": 21, "mid": 8, "slow": 55}})
	assert.Error(t, err)
}

func TestDivergence(t *testing.T) {
	closes := []float64{10, 9, 8, 7, 6, 5}
	hist := []float64{-0.5, -0.4, -0.3, -0.2, -0.1, 0}
	assert.InDelta(t, 0.5, middlewares.Divergence(closes, hist, 5), 1e-9)

	rising := []float64{5, 6, 7, 8, 9, 10}
	assert.Equal(t, 0.0, middlewares.Divergence(rising, hist, 5))
}

func TestAlignmentScore(t *testing.T) {
	assert.Equal(t, "UP", middlewares.ClassifyTrend(3, 2, 1))
	assert.Equal(t, "DOWN", middlewares.ClassifyTrend(1, 2, 3))
	assert.Equal(t, "MIXED", middlewares.ClassifyTrend(2, 3, 1))
	assert.Equal(t, 0.3, middlewares.AlignmentScore("MIXED", 2, 1, 0.01))
	assert.InDelta(t, 0.75, middlewares.AlignmentScore("UP", 100.5, 100, 0.01), 1e-9)
}

func TestCVDMiddlewareDerivesSmartMoneyIndex(t *testing.T) {
	p, err := Build(config.PipelineConfig{Enabled: true, Middlewares: []config.MiddlewareConfig{
		{Name: "cvd", Params: map[string]any{"window": 20}},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{features.SmartMoneyIndex}, p.Outputs())

	// 每根都收在最高点：CVD 单调上升，末值位于窗口顶部
	bars := risingBars(30, 100)
	for i := range bars {
		bars[i].Close = bars[i].High
	}
	v, err := p.Derive(context.Background(), "ES", bars)
	require.NoError(t, err)
	r := v.Resolve(features.SmartMoneyIndex)
	assert.Equal(t, features.StatusOK, r.Status)
	assert.InDelta(t, 1.0, r.Value, 1e-9)
}

func TestPatternMiddlewareNeedsHistory(t *testing.T) {
	p, err := Build(config.PipelineConfig{Enabled: true, Middlewares: []config.MiddlewareConfig{{Name: "patterns"}}})
	require.NoError(t, err)

	v, err := p.Derive(context.Background(), "ES", risingBars(10, 100))
	require.NoError(t, err)
	assert.Equal(t, features.StatusError, v.Resolve(features.ElitePatterns).Status)

	v, err = p.Derive(context.Background(), "ES", risingBars(60, 100))
	require.NoError(t, err)
	r := v.Resolve(features.ElitePatterns)
	assert.Equal(t, features.StatusOK, r.Status)
	// 单边上行无形态，只有趋势偏多加分
	assert.InDelta(t, 0.6, r.Value, 1e-9)
}
