package pipeline

import (
	"strings"
	"sync"
	"time"

	"confluence/internal/features"
	"confluence/internal/market"
)

// AnalysisContext 表示某个 symbol 在一次特征派生过程中的上下文。
type AnalysisContext struct {
	Symbol    string
	TraceID   string
	StartedAt time.Time

	mu        sync.RWMutex
	intervals map[string][]market.Candle
	readings  features.Vector
	warnings  []string
	metadata  map[string]any
}

// NewContext 初始化上下文。
func NewContext(symbol string) *AnalysisContext {
	return &AnalysisContext{
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		intervals: make(map[string][]market.Candle),
		readings:  make(features.Vector),
		metadata:  make(map[string]any),
		StartedAt: time.Now(),
	}
}

// SetMetadata 写入任意键值。
func (ac *AnalysisContext) SetMetadata(key string, value any) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.metadata[key] = value
}

// Metadata 获取全部信息的副本。
func (ac *AnalysisContext) Metadata() map[string]any {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	out := make(map[string]any, len(ac.metadata))
	for k, v := range ac.metadata {
		out[k] = v
	}
	return out
}

// SetCandles 保存一个周期的 K 线。
func (ac *AnalysisContext) SetCandles(interval string, candles []market.Candle) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	iv := strings.TrimSpace(interval)
	if iv == "" {
		return
	}
	normalized := strings.ToLower(iv)
	dst := make([]market.Candle, len(candles))
	copy(dst, candles)
	ac.intervals[normalized] = dst
}

// Candles 读取一个周期的 K 线副本。
func (ac *AnalysisContext) Candles(interval string) []market.Candle {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	normalized := strings.ToLower(strings.TrimSpace(interval))
	data := ac.intervals[normalized]
	if len(data) == 0 {
		return nil
	}
	out := make([]market.Candle, len(data))
	copy(out, data)
	return out
}

// Intervals 返回已有的周期列表。
func (ac *AnalysisContext) Intervals() []string {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	out := make([]string, 0, len(ac.intervals))
	for k := range ac.intervals {
		out = append(out, k)
	}
	return out
}

// SetReading 写入一个特征读数，后写覆盖先写。
func (ac *AnalysisContext) SetReading(name string, r features.Reading) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.readings[name] = r
}

// SetValue 是 SetReading(name, features.Value(v)) 的简写。
func (ac *AnalysisContext) SetValue(name string, v float64) {
	ac.SetReading(name, features.Value(v))
}

// failOutputs 把尚未产出的输出标记为计算失败。
func (ac *AnalysisContext) failOutputs(outputs []string, err error) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	for _, name := range outputs {
		if r, ok := ac.readings[name]; ok && r.Present {
			continue
		}
		ac.readings[name] = features.Failed(err)
	}
}

// Readings 返回特征读数的副本。
func (ac *AnalysisContext) Readings() features.Vector {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	out := make(features.Vector, len(ac.readings))
	for k, v := range ac.readings {
		out[k] = v
	}
	return out
}

// AddWarning 记录警告。
func (ac *AnalysisContext) AddWarning(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.warnings = append(ac.warnings, msg)
}

// Warnings 获取告警列表。
func (ac *AnalysisContext) Warnings() []string {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	out := make([]string, len(ac.warnings))
	copy(out, ac.warnings)
	return out
}
