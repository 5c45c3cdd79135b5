package middlewares

import (
	"context"
	"fmt"
	"strings"
	"time"

	"confluence/internal/features"
	"confluence/internal/pipeline"

	talib "github.com/markcheno/go-talib"
)

// RSIConfig 控制 RSI 参数。
type RSIConfig struct {
	Name     string
	Stage    int
	Critical bool
	Timeout  time.Duration
	Interval string
	Period   int
}

// RSIMiddleware 以 RSI/100 作为 tick_momentum。
type RSIMiddleware struct {
	meta     pipeline.MiddlewareMeta
	interval string
	period   int
}

// NewRSIMiddleware 构造 RSI 中间件。
func NewRSIMiddleware(cfg RSIConfig) *RSIMiddleware {
	if cfg.Period <= 0 {
		cfg.Period = 14
	}
	return &RSIMiddleware{
		meta:     meta(cfg.Name, "tick_momentum", cfg.Stage, cfg.Critical, cfg.Timeout, features.TickMomentum),
		interval: strings.ToLower(strings.TrimSpace(cfg.Interval)),
		period:   cfg.Period,
	}
}

// Meta 实现接口。
func (m *RSIMiddleware) Meta() pipeline.MiddlewareMeta { return m.meta }

// Handle 计算 RSI。
func (m *RSIMiddleware) Handle(ctx context.Context, ac *pipeline.AnalysisContext) error {
	candles, interval, err := candlesFor(ac, m.interval)
	if err != nil {
		return fmt.Errorf("rsi: %w", err)
	}
	if len(candles) < m.period+1 {
		return fmt.Errorf("rsi: insufficient candles %s need %d got %d", interval, m.period+1, len(candles))
	}
	series := talib.Rsi(closes(candles), m.period)
	val, ok := lastFinite(series)
	if !ok {
		return fmt.Errorf("rsi: talib output empty for %s", interval)
	}
	ac.SetValue(features.TickMomentum, clamp(val/100, 0, 1))
	ac.SetMetadata("rsi", val)
	return nil
}
