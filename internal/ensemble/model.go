// Package ensemble 汇总多个独立分类器对信号质量的投票。
//
// 失败策略为 fail-open：单个模型失败被剔除并重新归一化权重；
// 全部模型不可用时放行并标记 degraded，避免 ML 故障让交易整体停摆。
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrModelUnavailable 所有模型不可用类错误都可以用 errors.Is 判断。
var ErrModelUnavailable = errors.New("model unavailable")

// ModelUnavailableError 记录被剔除的模型与原因。
type ModelUnavailableError struct {
	Model string
	Err   error
}

func (e *ModelUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("model %s unavailable", e.Model)
	}
	return fmt.Sprintf("model %s unavailable: %v", e.Model, e.Err)
}

func (e *ModelUnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrModelUnavailable}
	}
	return []error{ErrModelUnavailable, e.Err}
}

// Vote 是单个模型的输出：Probability 为"高质量信号"的概率。
type Vote struct {
	Probability float64 `json:"probability"`
}

// Approves 按 0.5 划分类别。
func (v Vote) Approves() bool { return v.Probability > 0.5 }

// Confidence 取两类中较大的概率。
func (v Vote) Confidence() float64 {
	return math.Max(v.Probability, 1-v.Probability)
}

// Model 是一个可推理的分类器。
type Model interface {
	Name() string
	Predict(ctx context.Context, feats map[string]float64) (Vote, error)
}

// WeightedModel 带权重的模型条目。
type WeightedModel struct {
	Model  Model
	Weight float64
}

// 缺失特征的默认值，与特征中性值一致。
const defaultFeatureValue = 0.5

func featureValue(feats map[string]float64, name string) float64 {
	v, ok := feats[name]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return defaultFeatureValue
	}
	return v
}

func validVote(name string, v Vote) error {
	if math.IsNaN(v.Probability) || v.Probability < 0 || v.Probability > 1 {
		return &ModelUnavailableError{Model: name, Err: fmt.Errorf("probability out of range: %v", v.Probability)}
	}
	return nil
}
