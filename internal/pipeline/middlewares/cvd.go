package middlewares

import (
	"context"
	"fmt"
	"strings"
	"time"

	"confluence/internal/features"
	"confluence/internal/market"
	"confluence/internal/pipeline"
)

type CVDConfig struct {
	Name     string
	Stage    int
	Critical bool
	Timeout  time.Duration
	Interval string
	Window   int
	Lookback int
}

// CVDMiddleware 以窗口内 CVD 的相对位置作为 smart_money_index。
type CVDMiddleware struct {
	meta     pipeline.MiddlewareMeta
	interval string
	window   int
	lookback int
}

func NewCVDMiddleware(cfg CVDConfig) *CVDMiddleware {
	if cfg.Window <= 0 {
		cfg.Window = 30
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 5
	}
	return &CVDMiddleware{
		meta:     meta(cfg.Name, "smart_money_index", cfg.Stage, cfg.Critical, cfg.Timeout, features.SmartMoneyIndex),
		interval: strings.ToLower(strings.TrimSpace(cfg.Interval)),
		window:   cfg.Window,
		lookback: cfg.Lookback,
	}
}

func (m *CVDMiddleware) Meta() pipeline.MiddlewareMeta { return m.meta }

func (m *CVDMiddleware) Handle(ctx context.Context, ac *pipeline.AnalysisContext) error {
	candles, interval, err := candlesFor(ac, m.interval)
	if err != nil {
		return fmt.Errorf("cvd: %w", err)
	}
	if len(candles) < m.window {
		return fmt.Errorf("cvd: insufficient candles %s need %d got %d", interval, m.window, len(candles))
	}
	res, ok := market.ComputeCVD(candles[len(candles)-m.window:], m.lookback)
	if !ok {
		return fmt.Errorf("cvd: empty window on %s", interval)
	}
	ac.SetValue(features.SmartMoneyIndex, clamp(res.Normalized.InexactFloat64(), 0, 1))
	ac.SetMetadata("cvd", res.Value.InexactFloat64())
	ac.SetMetadata("cvd_divergence", res.Divergence)
	return nil
}
