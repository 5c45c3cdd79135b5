package middlewares

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"confluence/internal/features"
	"confluence/internal/pipeline"

	talib "github.com/markcheno/go-talib"
)

// MACDConfig 定义 MACD 中间件参数。
type MACDConfig struct {
	Name     string
	Stage    int
	Critical bool
	Timeout  time.Duration
	Interval string
	Fast     int
	Slow     int
	Signal   int
	Lookback int
}

// MACDMiddleware 比较价格与 MACD 柱的方向，输出 delta_divergence。
// 价格走低而柱体走高为正（看多背离），反之为负，同向为 0。
type MACDMiddleware struct {
	meta     pipeline.MiddlewareMeta
	interval string
	fast     int
	slow     int
	signal   int
	lookback int
}

// NewMACDMiddleware 构造实例。
func NewMACDMiddleware(cfg MACDConfig) *MACDMiddleware {
	if cfg.Fast <= 0 {
		cfg.Fast = 12
	}
	if cfg.Slow <= 0 {
		cfg.Slow = 26
	}
	if cfg.Signal <= 0 {
		cfg.Signal = 9
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 5
	}
	return &MACDMiddleware{
		meta:     meta(cfg.Name, "delta_divergence", cfg.Stage, cfg.Critical, cfg.Timeout, features.DeltaDivergence),
		interval: strings.ToLower(strings.TrimSpace(cfg.Interval)),
		fast:     cfg.Fast,
		slow:     cfg.Slow,
		signal:   cfg.Signal,
		lookback: cfg.Lookback,
	}
}

// Meta 实现接口。
func (m *MACDMiddleware) Meta() pipeline.MiddlewareMeta { return m.meta }

// Handle 计算 MACD 背离。
func (m *MACDMiddleware) Handle(ctx context.Context, ac *pipeline.AnalysisContext) error {
	candles, interval, err := candlesFor(ac, m.interval)
	if err != nil {
		return fmt.Errorf("macd_trend: %w", err)
	}
	required := m.slow + m.signal + m.lookback
	if len(candles) < required {
		return fmt.Errorf("macd_trend: insufficient candles %s need %d got %d", interval, required, len(candles))
	}
	cl := closes(candles)
	_, _, hist := talib.Macd(cl, m.fast, m.slow, m.signal)
	if len(hist) < m.lookback+1 {
		return fmt.Errorf("macd_trend: macd output too short for %s", interval)
	}
	ac.SetValue(features.DeltaDivergence, Divergence(cl, hist, m.lookback))
	ac.SetMetadata("macd_hist", hist[len(hist)-1])
	return nil
}

// Divergence 返回 [-1,1] 的背离强度，按回看窗口内柱体最大绝对值归一化。
func Divergence(closes, hist []float64, lookback int) float64 {
	n := len(hist)
	if n <= lookback || len(closes) <= lookback {
		return 0
	}
	priceMove := closes[len(closes)-1] - closes[len(closes)-1-lookback]
	histMove := hist[n-1] - hist[n-1-lookback]
	if priceMove == 0 || histMove == 0 || (priceMove > 0) == (histMove > 0) {
		return 0
	}
	var scale float64
	for _, h := range hist[n-1-lookback:] {
		scale = math.Max(scale, math.Abs(h))
	}
	if scale == 0 {
		return 0
	}
	return clamp(histMove/(2*scale), -1, 1)
}
