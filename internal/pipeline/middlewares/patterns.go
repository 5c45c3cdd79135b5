package middlewares

import (
	"context"
	"fmt"
	"strings"
	"time"

	"confluence/internal/analysis/pattern"
	"confluence/internal/features"
	"confluence/internal/pipeline"
)

type PatternConfig struct {
	Name     string
	Stage    int
	Critical bool
	Timeout  time.Duration
	Interval string
	Window   int
}

// PatternMiddleware 以形态识别强度分作为 elite_patterns。
type PatternMiddleware struct {
	meta     pipeline.MiddlewareMeta
	interval string
	window   int
}

func NewPatternMiddleware(cfg PatternConfig) *PatternMiddleware {
	if cfg.Window < 20 {
		cfg.Window = 60
	}
	return &PatternMiddleware{
		meta:     meta(cfg.Name, "elite_patterns", cfg.Stage, cfg.Critical, cfg.Timeout, features.ElitePatterns),
		interval: strings.ToLower(strings.TrimSpace(cfg.Interval)),
		window:   cfg.Window,
	}
}

func (m *PatternMiddleware) Meta() pipeline.MiddlewareMeta { return m.meta }

func (m *PatternMiddleware) Handle(ctx context.Context, ac *pipeline.AnalysisContext) error {
	candles, interval, err := candlesFor(ac, m.interval)
	if err != nil {
		return fmt.Errorf("patterns: %w", err)
	}
	if len(candles) < 20 {
		return fmt.Errorf("patterns: insufficient candles %s need 20 got %d", interval, len(candles))
	}
	if len(candles) > m.window {
		candles = candles[len(candles)-m.window:]
	}
	res := pattern.Analyze(candles)
	ac.SetValue(features.ElitePatterns, res.Score)
	ac.SetMetadata("patterns", res.Patterns)
	ac.SetMetadata("pattern_bias", res.Bias)
	return nil
}
