// Package threshold 由 regime 快照推导多空接受阈值，纯函数无副作用。
package threshold

import "confluence/internal/regime"

// Thresholds 多头阈值为正，空头阈值恒为其相反数。
type Thresholds struct {
	Base  float64 `json:"base"`
	Long  float64 `json:"long"`
	Short float64 `json:"short"`
}

// Calculate long = base × 波动阈值乘数 × 时段乘数 × gamma 因子。
func Calculate(base float64, snap regime.Snapshot) Thresholds {
	long := base *
		snap.Volatility.ThresholdMultiplier *
		snap.Session.Multiplier *
		snap.Gamma.Factor
	return Thresholds{Base: base, Long: long, Short: -long}
}

// Direction 交易方向。
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Passes 判断评分是否落在该方向的接受区间内：
// 多头 score ≥ long，空头 -score ≤ short。
func (t Thresholds) Passes(dir Direction, score float64) bool {
	if dir == Short {
		return -score <= t.Short
	}
	return score >= t.Long
}

// For 返回某方向对应的阈值。
func (t Thresholds) For(dir Direction) float64 {
	if dir == Short {
		return t.Short
	}
	return t.Long
}
