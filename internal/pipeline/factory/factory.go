package factory

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"confluence/internal/config"
	"confluence/internal/logger"
	"confluence/internal/pipeline"
	"confluence/internal/pipeline/middlewares"
)

// Build 根据配置装配特征派生 pipeline；未启用时返回 nil。
func Build(cfg config.PipelineConfig) (*pipeline.Pipeline, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	mws := make([]pipeline.Middleware, 0, len(cfg.Middlewares))
	seen := make(map[string]string)
	for _, mc := range cfg.Middlewares {
		mw, err := BuildMiddleware(mc)
		if err != nil {
			return nil, err
		}
		for _, out := range mw.Meta().Outputs {
			if prev, ok := seen[out]; ok {
				return nil, fmt.Errorf("feature %s produced by both %s and %s", out, prev, mc.Name)
			}
			seen[out] = mc.Name
		}
		mws = append(mws, mw)
	}
	return pipeline.New("features", mws...).WithInterval(cfg.Interval), nil
}

// BuildMiddleware 按名称构造单个中间件。
func BuildMiddleware(cfg config.MiddlewareConfig) (pipeline.Middleware, error) {
	name := strings.TrimSpace(cfg.Name)
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch name {
	case "tick_momentum", "rsi":
		return middlewares.NewRSIMiddleware(middlewares.RSIConfig{
			Name:     name,
			Stage:    cfg.Stage,
			Critical: cfg.Critical,
			Timeout:  timeout,
			Interval: stringFromCfg(cfg.Params, "interval"),
			Period:   intFromCfg(cfg.Params, "period"),
		}), nil
	case "mtf_confluence", "ema_trend":
		fast := intFromCfg(cfg.Params, "fast")
		mid := intFromCfg(cfg.Params, "mid")
		slow := intFromCfg(cfg.Params, "slow")
		if fast > 0 && mid > 0 && slow > 0 && !(fast < mid && mid < slow) {
			return nil, fmt.Errorf("%s requires fast < mid < slow", name)
		}
		return middlewares.NewEMATrend(middlewares.EMATrendConfig{
			Name:          name,
			Stage:         cfg.Stage,
			Critical:      cfg.Critical,
			Timeout:       timeout,
			Interval:      stringFromCfg(cfg.Params, "interval"),
			Fast:          fast,
			Mid:           mid,
			Slow:          slow,
			FullSpreadPct: floatFromCfg(cfg.Params, "full_spread_pct"),
		}), nil
	case "delta_divergence", "macd":
		fast := intFromCfg(cfg.Params, "fast")
		slow := intFromCfg(cfg.Params, "slow")
		if fast > 0 && slow > 0 && fast >= slow {
			return nil, fmt.Errorf("%s fast must be less than slow", name)
		}
		return middlewares.NewMACDMiddleware(middlewares.MACDConfig{
			Name:     name,
			Stage:    cfg.Stage,
			Critical: cfg.Critical,
			Timeout:  timeout,
			Interval: stringFromCfg(cfg.Params, "interval"),
			Fast:     fast,
			Slow:     slow,
			Signal:   intFromCfg(cfg.Params, "signal"),
			Lookback: intFromCfg(cfg.Params, "lookback"),
		}), nil
	case "volume_confirmation", "volume":
		return middlewares.NewVolumeMiddleware(middlewares.VolumeConfig{
			Name:     name,
			Stage:    cfg.Stage,
			Critical: cfg.Critical,
			Timeout:  timeout,
			Interval: stringFromCfg(cfg.Params, "interval"),
			Period:   intFromCfg(cfg.Params, "period"),
		}), nil
	case "smart_money_index", "cvd":
		return middlewares.NewCVDMiddleware(middlewares.CVDConfig{
			Name:     name,
			Stage:    cfg.Stage,
			Critical: cfg.Critical,
			Timeout:  timeout,
			Interval: stringFromCfg(cfg.Params, "interval"),
			Window:   intFromCfg(cfg.Params, "window"),
			Lookback: intFromCfg(cfg.Params, "lookback"),
		}), nil
	case "elite_patterns", "patterns":
		return middlewares.NewPatternMiddleware(middlewares.PatternConfig{
			Name:     name,
			Stage:    cfg.Stage,
			Critical: cfg.Critical,
			Timeout:  timeout,
			Interval: stringFromCfg(cfg.Params, "interval"),
			Window:   intFromCfg(cfg.Params, "window"),
		}), nil
	default:
		return nil, fmt.Errorf("unknown middleware: %s", cfg.Name)
	}
}

func stringFromCfg(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	raw, ok := params[key]
	if !ok || raw == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprintf("%v", raw))
}

func intFromCfg(params map[string]any, key string) int {
	if params == nil {
		return 0
	}
	raw, ok := params[key]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		val, err := strconv.Atoi(fmt.Sprintf("%v", v))
		if err != nil {
			logger.Warnf("middleware param %s invalid int: %v", key, err)
			return 0
		}
		return val
	}
}

func floatFromCfg(params map[string]any, key string) float64 {
	if params == nil {
		return 0
	}
	raw, ok := params[key]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		val, err := strconv.ParseFloat(fmt.Sprintf("%v", v), 64)
		if err != nil {
			logger.Warnf("middleware param %s invalid float: %v", key, err)
			return 0
		}
		return val
	}
}
