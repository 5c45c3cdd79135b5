package scoring

import (
	"sort"

	"confluence/internal/features"
)

// Group 区分基础特征与辅助特征。
type Group string

const (
	GroupBase      Group = "base"
	GroupAuxiliary Group = "auxiliary"
)

// Weights 是评分权重表。基础权重合计 1.42，刻意超过 100% 以允许特征重叠投票，
// 不做归一化。
type Weights struct {
	Base      map[string]float64
	Auxiliary map[string]float64
}

func DefaultWeights() Weights {
	return Weights{
		Base: map[string]float64{
			features.GammaLevelsProximity:  0.32,
			features.VolumeConfirmation:    0.23,
			features.VWAPTrendSignal:       0.18,
			features.SierraPatternStrength: 0.18,
			features.OptionsFlowBias:       0.15,
			features.OrderBookImbalance:    0.15,
			features.ESNQCorrelation:       0.08,
			features.LevelProximity:        0.08,
			features.SessionContext:        0.03,
			features.PullbackQuality:       0.02,
		},
		Auxiliary: map[string]float64{
			features.TickMomentum:    0.08,
			features.DeltaDivergence: 0.08,
			features.SmartMoneyIndex: 0.09,
			features.MTFConfluence:   0.15,
			features.ElitePatterns:   0.05,
		},
	}
}

// WithOverrides 返回覆盖后的副本；未出现在 overrides 中的权重保持不变。
func (w Weights) WithOverrides(base, aux map[string]float64) Weights {
	out := Weights{
		Base:      make(map[string]float64, len(w.Base)+len(base)),
		Auxiliary: make(map[string]float64, len(w.Auxiliary)+len(aux)),
	}
	for k, v := range w.Base {
		out.Base[k] = v
	}
	for k, v := range w.Auxiliary {
		out.Auxiliary[k] = v
	}
	for k, v := range base {
		out.Base[k] = v
	}
	for k, v := range aux {
		out.Auxiliary[k] = v
	}
	return out
}

// Total 返回某组权重之和。
func (w Weights) Total(g Group) float64 {
	table := w.Base
	if g == GroupAuxiliary {
		table = w.Auxiliary
	}
	sum := 0.0
	for _, v := range table {
		sum += v
	}
	return sum
}

type weightEntry struct {
	name   string
	weight float64
	group  Group
}

// ordered 以"基础在前、权重降序、名称升序"的固定顺序展开权重表，
// 保证 breakdown 与浮点累加顺序可复现。
func (w Weights) ordered() []weightEntry {
	collect := func(table map[string]float64, g Group) []weightEntry {
		out := make([]weightEntry, 0, len(table))
		for name, weight := range table {
			out = append(out, weightEntry{name: name, weight: weight, group: g})
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].weight != out[j].weight {
				return out[i].weight > out[j].weight
			}
			return out[i].name < out[j].name
		})
		return out
	}
	return append(collect(w.Base, GroupBase), collect(w.Auxiliary, GroupAuxiliary)...)
}

// NeutralValue 返回所有特征取中性值、三个乘数均为 1 时的评分。
func NeutralValue(w Weights) float64 {
	base, aux := 0.0, 0.0
	for _, e := range w.ordered() {
		spec, _ := features.Lookup(e.name)
		if e.group == GroupBase {
			base += e.weight * spec.Neutral
		} else {
			aux += e.weight * spec.Neutral
		}
	}
	return clamp01(clamp01(base) + aux)
}
