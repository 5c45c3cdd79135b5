// Package scoring 把特征向量合成为 [0,1] 的共振评分，并施加 regime 乘数。
package scoring

import (
	"fmt"
	"log/slog"
	"math"

	"confluence/internal/features"
	"confluence/internal/logger"
	"confluence/internal/regime"
)

// FeatureComputationError 表示单个特征的贡献无法计算。
// 该特征贡献记为 0，评分流程继续。
type FeatureComputationError struct {
	Feature string
	Err     error
}

func (e *FeatureComputationError) Error() string {
	return fmt.Sprintf("feature %s: %v", e.Feature, e.Err)
}

func (e *FeatureComputationError) Unwrap() error { return e.Err }

// Transform 在加权前对特征值做额外处理（例如外部检测器的再标定）。
type Transform func(value float64) (float64, error)

// Contribution 是单个特征在评分中的明细。
type Contribution struct {
	Feature      string          `json:"feature"`
	Group        Group           `json:"group"`
	Weight       float64         `json:"weight"`
	Value        float64         `json:"value"`
	Contribution float64         `json:"contribution"`
	Status       features.Status `json:"status"`
	Error        string          `json:"error,omitempty"`
}

// Multipliers 记录评分时使用的三个 regime 乘数。
type Multipliers struct {
	Session    float64 `json:"session"`
	Volatility float64 `json:"volatility"`
	Gamma      float64 `json:"gamma"`
}

func (m Multipliers) Combined() float64 { return m.Session * m.Volatility * m.Gamma }

// Score 是一次评分的结果，以值语义传递，创建后不再修改。
type Score struct {
	Value       float64        `json:"value"`
	Base        float64        `json:"base"`
	Enhanced    float64        `json:"enhanced"`
	Multipliers Multipliers    `json:"multipliers"`
	Breakdown   []Contribution `json:"breakdown"`
	Errors      int            `json:"errors"`
}

// Option 配置 Scorer。
type Option func(*Scorer)

// WithTransform 为某个特征注册 Transform。
func WithTransform(feature string, fn Transform) Option {
	return func(s *Scorer) {
		if fn != nil {
			s.transforms[feature] = fn
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scorer) {
		if l != nil {
			s.log = l
		}
	}
}

// Scorer 无内部可变状态，可并发使用。
type Scorer struct {
	entries    []weightEntry
	transforms map[string]Transform
	log        *slog.Logger
}

func New(w Weights, opts ...Option) *Scorer {
	s := &Scorer{
		entries:    w.ordered(),
		transforms: make(map[string]Transform),
		log:        logger.Component("scoring"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score 计算评分：
//
//	base     = clamp01(Σ 基础权重 × 值)
//	enhanced = clamp01(base + Σ 辅助权重 × 值)
//	value    = clamp01(enhanced × session × volatility × gamma)
//
// 缺失特征取中性值；单个特征出错时贡献为 0 并记录日志，不中断评分。
func (s *Scorer) Score(v features.Vector, snap regime.Snapshot) Score {
	out := Score{
		Breakdown: make([]Contribution, 0, len(s.entries)),
		Multipliers: Multipliers{
			Session:    snap.Session.Multiplier,
			Volatility: snap.Volatility.ScoreMultiplier,
			Gamma:      snap.Gamma.Factor,
		},
	}
	baseSum, auxSum := 0.0, 0.0
	for _, e := range s.entries {
		c := s.contribute(e, v)
		if c.Status == features.StatusError {
			out.Errors++
		}
		if e.group == GroupBase {
			baseSum += c.Contribution
		} else {
			auxSum += c.Contribution
		}
		out.Breakdown = append(out.Breakdown, c)
	}
	out.Base = clamp01(baseSum)
	out.Enhanced = clamp01(out.Base + auxSum)
	out.Value = clamp01(out.Enhanced * out.Multipliers.Combined())
	return out
}

func (s *Scorer) contribute(e weightEntry, v features.Vector) (c Contribution) {
	c = Contribution{Feature: e.name, Group: e.group, Weight: e.weight}
	res := v.Resolve(e.name)
	c.Value = res.Value
	c.Status = res.Status
	if res.Status == features.StatusError {
		return s.fail(c, res.Err)
	}
	defer func() {
		if r := recover(); r != nil {
			c = s.fail(c, fmt.Errorf("panic: %v", r))
		}
	}()
	val := res.Value
	if fn, ok := s.transforms[e.name]; ok {
		next, err := fn(val)
		if err != nil {
			return s.fail(c, err)
		}
		if math.IsNaN(next) || math.IsInf(next, 0) {
			return s.fail(c, features.ErrNotFinite)
		}
		spec, _ := features.Lookup(e.name)
		val = spec.Clamp(next)
		c.Value = val
	}
	c.Contribution = e.weight * val
	return c
}

func (s *Scorer) fail(c Contribution, err error) Contribution {
	ferr := &FeatureComputationError{Feature: c.Feature, Err: err}
	s.log.Warn("feature degraded to zero contribution", "feature", c.Feature, "error", ferr.Error())
	c.Status = features.StatusError
	c.Contribution = 0
	c.Error = ferr.Error()
	return c
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
