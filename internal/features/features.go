// Package features 定义特征名、取值范围与中性默认策略。
//
// 每个特征以 Reading 表达"有值 / 缺失 / 计算失败"三种状态，
// 中性默认值只在 Vector.Resolve 这一处决定。
package features

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// 基础特征
const (
	GammaLevelsProximity  = "gamma_levels_proximity"
	VolumeConfirmation    = "volume_confirmation"
	VWAPTrendSignal       = "vwap_trend_signal"
	SierraPatternStrength = "sierra_pattern_strength"
	OptionsFlowBias       = "options_flow_bias"
	OrderBookImbalance    = "order_book_imbalance"
	ESNQCorrelation       = "es_nq_correlation"
	LevelProximity        = "level_proximity"
	SessionContext        = "session_context"
	PullbackQuality       = "pullback_quality"
)

// 辅助特征
const (
	TickMomentum    = "tick_momentum"
	DeltaDivergence = "delta_divergence"
	SmartMoneyIndex = "smart_money_index"
	MTFConfluence   = "mtf_confluence"
	ElitePatterns   = "elite_patterns"
)

// Spec 描述一个特征的合法区间和中性值。
type Spec struct {
	Name    string
	Min     float64
	Max     float64
	Neutral float64
}

var (
	unit   = Spec{Min: 0, Max: 1, Neutral: 0.5}
	signed = Spec{Min: -1, Max: 1, Neutral: 0}
)

var specs = map[string]Spec{
	GammaLevelsProximity:  named(GammaLevelsProximity, unit),
	VolumeConfirmation:    named(VolumeConfirmation, unit),
	VWAPTrendSignal:       named(VWAPTrendSignal, signed),
	SierraPatternStrength: named(SierraPatternStrength, unit),
	OptionsFlowBias:       named(OptionsFlowBias, unit),
	OrderBookImbalance:    named(OrderBookImbalance, unit),
	ESNQCorrelation:       named(ESNQCorrelation, unit),
	LevelProximity:        named(LevelProximity, unit),
	SessionContext:        named(SessionContext, unit),
	PullbackQuality:       named(PullbackQuality, unit),
	TickMomentum:          named(TickMomentum, unit),
	DeltaDivergence:       named(DeltaDivergence, signed),
	SmartMoneyIndex:       named(SmartMoneyIndex, unit),
	MTFConfluence:         named(MTFConfluence, unit),
	ElitePatterns:         named(ElitePatterns, unit),
}

func named(name string, s Spec) Spec {
	s.Name = name
	return s
}

// Lookup 返回已知特征的 Spec；未知特征按 [0,1]/0.5 处理。
func Lookup(name string) (Spec, bool) {
	s, ok := specs[name]
	if !ok {
		return named(name, unit), false
	}
	return s, true
}

// Names 返回所有已知特征名（排序）。
func Names() []string {
	out := make([]string, 0, len(specs))
	for name := range specs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Clamp 把 v 限制到 Spec 的区间内。
func (s Spec) Clamp(v float64) float64 {
	return math.Max(s.Min, math.Min(s.Max, v))
}

var ErrNotFinite = errors.New("value is not finite")

// Reading 是单个特征的可选值。
type Reading struct {
	Value   float64
	Present bool
	Err     error
}

func Value(v float64) Reading { return Reading{Value: v, Present: true} }

func Missing() Reading { return Reading{} }

func Failed(err error) Reading {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return Reading{Err: err}
}

// Status 描述 Resolve 之后的取值来源。
type Status string

const (
	StatusOK      Status = "ok"
	StatusNeutral Status = "neutral"
	StatusError   Status = "error"
)

// Resolved 是经过中性默认策略处理后的特征值。
type Resolved struct {
	Name   string
	Value  float64
	Status Status
	Err    error
}

// Vector 是一个周期内的特征集合，按特征名索引。
type Vector map[string]Reading

// FromMap 把上游给出的 name→float 映射转换成 Vector。
func FromMap(values map[string]float64) Vector {
	v := make(Vector, len(values))
	for name, val := range values {
		v[name] = Value(val)
	}
	return v
}

// Set 写入一个值，返回自身便于链式构造。
func (v Vector) Set(name string, value float64) Vector {
	v[name] = Value(value)
	return v
}

// Resolve 应用中性默认策略：
//   - 缺失 → Spec.Neutral
//   - 计算失败或非有限值 → StatusError，Value 为中性值，调用方决定如何处理
//   - 有值 → 裁剪到 Spec 区间
func (v Vector) Resolve(name string) Resolved {
	spec, _ := Lookup(name)
	r, ok := v[name]
	switch {
	case !ok || (!r.Present && r.Err == nil):
		return Resolved{Name: name, Value: spec.Neutral, Status: StatusNeutral}
	case r.Err != nil:
		return Resolved{Name: name, Value: spec.Neutral, Status: StatusError, Err: r.Err}
	case math.IsNaN(r.Value) || math.IsInf(r.Value, 0):
		return Resolved{Name: name, Value: spec.Neutral, Status: StatusError,
			Err: fmt.Errorf("%s: %w", name, ErrNotFinite)}
	default:
		return Resolved{Name: name, Value: spec.Clamp(r.Value), Status: StatusOK}
	}
}

// Floats 返回所有可用值（缺失/失败项不出现），供集成模型使用。
func (v Vector) Floats() map[string]float64 {
	out := make(map[string]float64, len(v))
	for name := range v {
		res := v.Resolve(name)
		if res.Status == StatusOK {
			out[name] = res.Value
		}
	}
	return out
}
