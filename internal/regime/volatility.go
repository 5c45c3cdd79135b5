package regime

import (
	"fmt"
	"math"

	"confluence/internal/market"

	talib "github.com/markcheno/go-talib"
)

type VolatilityPhase string

const (
	VolatilityLow    VolatilityPhase = "low"
	VolatilityNormal VolatilityPhase = "normal"
	VolatilityHigh   VolatilityPhase = "high"
)

const (
	lowATRRatio  = 0.8
	highATRRatio = 1.5
)

// VolatilityAnalysis 同时给出评分乘数与阈值乘数，两者刻意不同。
type VolatilityAnalysis struct {
	Phase               VolatilityPhase `json:"phase"`
	Range               float64         `json:"range"`
	ATRRatio            float64         `json:"atr_ratio"`
	ScoreMultiplier     float64         `json:"score_multiplier"`
	ThresholdMultiplier float64         `json:"threshold_multiplier"`
}

var volatilityMultipliers = map[VolatilityPhase][2]float64{
	VolatilityLow:    {0.9, 0.8},
	VolatilityNormal: {1.0, 1.0},
	VolatilityHigh:   {1.3, 1.4},
}

// ClassifyVolatility 以 price*referencePct 为基准衡量 rangeValue。
// 价格或基准无效时视为 normal。
func ClassifyVolatility(rangeValue, price, referencePct float64) VolatilityAnalysis {
	ratio := 1.0
	if price > 0 && referencePct > 0 && rangeValue >= 0 && !math.IsNaN(rangeValue) {
		ratio = rangeValue / (price * referencePct)
	}
	phase := VolatilityNormal
	switch {
	case ratio < lowATRRatio:
		phase = VolatilityLow
	case ratio > highATRRatio:
		phase = VolatilityHigh
	}
	m := volatilityMultipliers[phase]
	return VolatilityAnalysis{
		Phase:               phase,
		Range:               rangeValue,
		ATRRatio:            ratio,
		ScoreMultiplier:     m[0],
		ThresholdMultiplier: m[1],
	}
}

// ATR 用 talib 计算最近 period 根 K 线的平均真实波幅。
func ATR(bars []market.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("atr: invalid period %d", period)
	}
	if len(bars) <= period {
		return 0, fmt.Errorf("atr: insufficient bars need > %d got %d", period, len(bars))
	}
	highs, lows, closes, _ := market.Series(bars)
	series := talib.Atr(highs, lows, closes, period)
	if len(series) == 0 {
		return 0, fmt.Errorf("atr: talib output empty")
	}
	val := series[len(series)-1]
	if math.IsNaN(val) || val < 0 {
		return 0, fmt.Errorf("atr: invalid value %v", val)
	}
	return val, nil
}
