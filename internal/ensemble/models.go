package ensemble

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// LogisticModel 线性逻辑回归：p = sigmoid(intercept + Σ coef·x)。
type LogisticModel struct {
	name         string
	intercept    float64
	coefficients map[string]float64
	order        []string
}

func NewLogisticModel(name string, intercept float64, coefficients map[string]float64) *LogisticModel {
	coef := make(map[string]float64, len(coefficients))
	order := make([]string, 0, len(coefficients))
	for k, v := range coefficients {
		coef[k] = v
		order = append(order, k)
	}
	sort.Strings(order)
	return &LogisticModel{name: name, intercept: intercept, coefficients: coef, order: order}
}

func (m *LogisticModel) Name() string { return m.name }

func (m *LogisticModel) Predict(ctx context.Context, feats map[string]float64) (Vote, error) {
	if err := ctx.Err(); err != nil {
		return Vote{}, err
	}
	z := m.intercept
	for _, name := range m.order {
		z += m.coefficients[name] * featureValue(feats, name)
	}
	return Vote{Probability: 1 / (1 + math.Exp(-z))}, nil
}

// Stump 单层决策树：feature ≤ threshold 取 Left，否则取 Right。
type Stump struct {
	Feature   string  `json:"feature" yaml:"feature"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Left      float64 `json:"left" yaml:"left"`
	Right     float64 `json:"right" yaml:"right"`
}

// ForestModel 决策树桩森林，输出各树概率的均值。
type ForestModel struct {
	name   string
	stumps []Stump
}

func NewForestModel(name string, stumps []Stump) *ForestModel {
	return &ForestModel{name: name, stumps: append([]Stump(nil), stumps...)}
}

func (m *ForestModel) Name() string { return m.name }

func (m *ForestModel) Predict(ctx context.Context, feats map[string]float64) (Vote, error) {
	if err := ctx.Err(); err != nil {
		return Vote{}, err
	}
	if len(m.stumps) == 0 {
		return Vote{}, fmt.Errorf("forest %s has no trees", m.name)
	}
	sum := 0.0
	for _, s := range m.stumps {
		if featureValue(feats, s.Feature) <= s.Threshold {
			sum += s.Left
		} else {
			sum += s.Right
		}
	}
	return Vote{Probability: sum / float64(len(m.stumps))}, nil
}

// FuncModel 把函数包装成 Model，便于嵌入自定义规则。
type FuncModel struct {
	ModelName string
	Fn        func(ctx context.Context, feats map[string]float64) (Vote, error)
}

func (f FuncModel) Name() string { return f.ModelName }

func (f FuncModel) Predict(ctx context.Context, feats map[string]float64) (Vote, error) {
	if f.Fn == nil {
		return Vote{}, fmt.Errorf("model %s has no function", f.ModelName)
	}
	return f.Fn(ctx, feats)
}
