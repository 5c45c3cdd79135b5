// Package pattern 在 K 线上识别少量经典形态，输出 elite_patterns 特征所需的强度分。
package pattern

import (
	"math"

	"confluence/internal/market"
)

type Kind string

const (
	DoubleBottom Kind = "double_bottom"
	DoubleTop    Kind = "double_top"
	Triangle     Kind = "triangle"
	Compression  Kind = "compression"
)

// Pattern 是一次形态命中，Level 为支撑/压力位（无意义时为 0）。
type Pattern struct {
	Kind  Kind    `json:"kind"`
	Level float64 `json:"level,omitempty"`
}

type Result struct {
	Slope    float64   `json:"slope"`
	Bias     string    `json:"bias"`
	Patterns []Pattern `json:"patterns,omitempty"`
	Score    float64   `json:"score"`
}

// 形态对强度分的贡献；收敛类形态只说明临近突破，不区分方向。
var kindWeight = map[Kind]float64{
	DoubleBottom: 0.2,
	DoubleTop:    -0.2,
	Triangle:     0.1,
	Compression:  0.1,
}

const (
	biasWeight    = 0.1
	slopeEpsilon  = 0.0001
	twinTolerance = 0.004
)

// Analyze 返回形态识别结果；无数据时 Score 为中性 0.5。
func Analyze(candles []market.Candle) Result {
	if len(candles) == 0 {
		return Result{Bias: "balanced", Score: 0.5}
	}
	highs, lows, closes, _ := market.Series(candles)
	slope := regressionSlope(closes)
	res := Result{Slope: slope, Bias: classifySlope(slope)}

	if lvl, ok := twinExtreme(lows, true); ok {
		res.Patterns = append(res.Patterns, Pattern{Kind: DoubleBottom, Level: lvl})
	}
	if lvl, ok := twinExtreme(highs, false); ok {
		res.Patterns = append(res.Patterns, Pattern{Kind: DoubleTop, Level: lvl})
	}
	if isTriangle(highs, lows) {
		res.Patterns = append(res.Patterns, Pattern{Kind: Triangle})
	}
	if isCompression(highs, lows) {
		res.Patterns = append(res.Patterns, Pattern{Kind: Compression})
	}

	score := 0.5
	for _, p := range res.Patterns {
		score += kindWeight[p.Kind]
	}
	switch res.Bias {
	case "bullish":
		score += biasWeight
	case "bearish":
		score -= biasWeight
	}
	res.Score = math.Max(0, math.Min(1, score))
	return res
}

// regressionSlope 最小二乘斜率，已按首个收盘价归一化。
func regressionSlope(series []float64) float64 {
	n := float64(len(series))
	if n < 2 || series[0] == 0 {
		return 0
	}
	var sx, sy, sxy, sxx float64
	for i, y := range series {
		x := float64(i)
		sx += x
		sy += y
		sxy += x * y
		sxx += x * x
	}
	denom := n*sxx - sx*sx
	if denom == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / denom / series[0]
}

func classifySlope(slope float64) string {
	switch {
	case slope > slopeEpsilon:
		return "bullish"
	case slope < -slopeEpsilon:
		return "bearish"
	default:
		return "balanced"
	}
}

// twinExtreme 在后半段寻找两个相距至少 5 根、价差不超过 0.4% 的极值。
func twinExtreme(series []float64, lowest bool) (float64, bool) {
	if len(series) < 20 {
		return 0, false
	}
	window := append([]float64(nil), series[len(series)/2:]...)
	first, idx := extreme(window, lowest)
	masked := math.MaxFloat64
	if !lowest {
		masked = -math.MaxFloat64
	}
	for i := idx - 2; i <= idx+2; i++ {
		if i >= 0 && i < len(window) {
			window[i] = masked
		}
	}
	second, idx2 := extreme(window, lowest)
	if gap := idx2 - idx; gap > -5 && gap < 5 {
		return 0, false
	}
	if math.Abs(first-second)/math.Max(math.Abs(first), 1) > twinTolerance {
		return 0, false
	}
	return (first + second) / 2, true
}

func isTriangle(highs, lows []float64) bool {
	if len(highs) < 30 {
		return false
	}
	mid := len(highs) / 2
	firstHigh, lastHigh := peak(highs[:mid]), peak(highs[mid:])
	firstLow, lastLow := trough(lows[:mid]), trough(lows[mid:])
	if lastHigh >= firstHigh || lastLow <= firstLow {
		return false
	}
	narrowing := (firstHigh - firstLow) - (lastHigh - lastLow)
	return narrowing/firstHigh > 0.05
}

func isCompression(highs, lows []float64) bool {
	if len(highs) < 40 {
		return false
	}
	mid := len(highs) / 2
	first := (peak(highs[:mid]) - trough(lows[:mid])) / peak(highs[:mid])
	second := (peak(highs[mid:]) - trough(lows[mid:])) / peak(highs[mid:])
	return second < first*0.65
}

func extreme(values []float64, lowest bool) (float64, int) {
	best, idx := values[0], 0
	for i, v := range values {
		if (lowest && v < best) || (!lowest && v > best) {
			best, idx = v, i
		}
	}
	return best, idx
}

func peak(values []float64) float64 {
	v, _ := extreme(values, false)
	return v
}

func trough(values []float64) float64 {
	v, _ := extreme(values, true)
	return v
}
