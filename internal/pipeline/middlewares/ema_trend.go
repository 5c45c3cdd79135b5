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

// EMATrendConfig 控制 EMA 计算参数。
type EMATrendConfig struct {
	Name     string
	Stage    int
	Critical bool
	Timeout  time.Duration
	Interval string
	Fast     int
	Mid      int
	Slow     int
	// FullSpreadPct 为 fast/slow 价差达到多少时视为满强度，默认 1%
	FullSpreadPct float64
}

// EMATrendMiddleware 用三条 EMA 的排列程度衡量 mtf_confluence。
type EMATrendMiddleware struct {
	meta          pipeline.MiddlewareMeta
	interval      string
	fast          int
	mid           int
	slow          int
	fullSpreadPct float64
}

// NewEMATrend 构造 EMA 中间件。
func NewEMATrend(cfg EMATrendConfig) *EMATrendMiddleware {
	if cfg.Fast <= 0 {
		cfg.Fast = 8
	}
	if cfg.Mid <= 0 {
		cfg.Mid = 21
	}
	if cfg.Slow <= 0 {
		cfg.Slow = 55
	}
	if cfg.FullSpreadPct <= 0 {
		cfg.FullSpreadPct = 0.01
	}
	return &EMATrendMiddleware{
		meta:          meta(cfg.Name, "mtf_confluence", cfg.Stage, cfg.Critical, cfg.Timeout, features.MTFConfluence),
		interval:      strings.ToLower(strings.TrimSpace(cfg.Interval)),
		fast:          cfg.Fast,
		mid:           cfg.Mid,
		slow:          cfg.Slow,
		fullSpreadPct: cfg.FullSpreadPct,
	}
}

// Meta 实现接口。
func (m *EMATrendMiddleware) Meta() pipeline.MiddlewareMeta { return m.meta }

// Handle 计算 EMA 排列。
func (m *EMATrendMiddleware) Handle(ctx context.Context, ac *pipeline.AnalysisContext) error {
	candles, interval, err := candlesFor(ac, m.interval)
	if err != nil {
		return fmt.Errorf("ema_trend: %w", err)
	}
	if len(candles) < m.slow {
		return fmt.Errorf("ema_trend: insufficient candles %s need %d got %d", interval, m.slow, len(candles))
	}
	cl := closes(candles)
	fast, ok1 := lastFinite(talib.Ema(cl, m.fast))
	mid, ok2 := lastFinite(talib.Ema(cl, m.mid))
	slow, ok3 := lastFinite(talib.Ema(cl, m.slow))
	if !ok1 || !ok2 || !ok3 || slow == 0 {
		return fmt.Errorf("ema_trend: invalid ema output for %s", interval)
	}
	trend := ClassifyTrend(fast, mid, slow)
	ac.SetValue(features.MTFConfluence, AlignmentScore(trend, fast, slow, m.fullSpreadPct))
	ac.SetMetadata("ema_trend", trend)
	return nil
}

// ClassifyTrend 返回 UP / DOWN / MIXED。
func ClassifyTrend(fast, mid, slow float64) string {
	switch {
	case fast > mid && mid > slow:
		return "UP"
	case fast < mid && mid < slow:
		return "DOWN"
	default:
		return "MIXED"
	}
}

// AlignmentScore 排列整齐时在 [0.5,1] 内随价差增强，交织时固定偏弱。
func AlignmentScore(trend string, fast, slow, fullSpreadPct float64) float64 {
	if trend == "MIXED" {
		return 0.3
	}
	strength := clamp(math.Abs(fast-slow)/math.Abs(slow)/fullSpreadPct, 0, 1)
	return 0.5 + 0.5*strength
}
