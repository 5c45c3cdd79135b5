package middlewares

import (
	"fmt"
	"math"
	"strings"
	"time"

	"confluence/internal/market"
	"confluence/internal/pipeline"
)

func closes(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func nameOrDefault(val, fallback string) string {
	if val = strings.TrimSpace(val); val != "" {
		return val
	}
	return fallback
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// candlesFor 取中间件配置的周期，未配置时取上下文中唯一的周期。
func candlesFor(ac *pipeline.AnalysisContext, interval string) ([]market.Candle, string, error) {
	if interval == "" {
		ivs := ac.Intervals()
		if len(ivs) != 1 {
			return nil, "", fmt.Errorf("interval not configured and context holds %d intervals", len(ivs))
		}
		interval = ivs[0]
	}
	candles := ac.Candles(interval)
	if len(candles) == 0 {
		return nil, interval, fmt.Errorf("no candles for %s", interval)
	}
	return candles, interval, nil
}

func lastFinite(series []float64) (float64, bool) {
	if len(series) == 0 {
		return 0, false
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func meta(name, fallback string, stage int, critical bool, timeout time.Duration, output string) pipeline.MiddlewareMeta {
	return pipeline.MiddlewareMeta{
		Name:     nameOrDefault(name, fallback),
		Stage:    stage,
		Critical: critical,
		Timeout:  timeout,
		Outputs:  []string{output},
	}
}
