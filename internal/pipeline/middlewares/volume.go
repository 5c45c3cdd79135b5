package middlewares

import (
	"context"
	"fmt"
	"strings"
	"time"

	"confluence/internal/features"
	"confluence/internal/market"
	"confluence/internal/pipeline"

	talib "github.com/markcheno/go-talib"
)

// VolumeConfig 定义量能确认参数。
type VolumeConfig struct {
	Name     string
	Stage    int
	Critical bool
	Timeout  time.Duration
	Interval string
	Period   int
}

// VolumeMiddleware 以最新量相对均量的倍数衡量 volume_confirmation，2 倍均量即满分。
type VolumeMiddleware struct {
	meta     pipeline.MiddlewareMeta
	interval string
	period   int
}

func NewVolumeMiddleware(cfg VolumeConfig) *VolumeMiddleware {
	if cfg.Period <= 0 {
		cfg.Period = 20
	}
	return &VolumeMiddleware{
		meta:     meta(cfg.Name, "volume_confirmation", cfg.Stage, cfg.Critical, cfg.Timeout, features.VolumeConfirmation),
		interval: strings.ToLower(strings.TrimSpace(cfg.Interval)),
		period:   cfg.Period,
	}
}

func (m *VolumeMiddleware) Meta() pipeline.MiddlewareMeta { return m.meta }

func (m *VolumeMiddleware) Handle(ctx context.Context, ac *pipeline.AnalysisContext) error {
	candles, interval, err := candlesFor(ac, m.interval)
	if err != nil {
		return fmt.Errorf("volume: %w", err)
	}
	if len(candles) < m.period {
		return fmt.Errorf("volume: insufficient candles %s need %d got %d", interval, m.period, len(candles))
	}
	_, _, _, volumes := market.Series(candles)
	avg, ok := lastFinite(talib.Sma(volumes, m.period))
	if !ok || avg <= 0 {
		return fmt.Errorf("volume: zero average volume on %s", interval)
	}
	ratio := volumes[len(volumes)-1] / avg
	ac.SetValue(features.VolumeConfirmation, clamp(ratio/2, 0, 1))
	ac.SetMetadata("volume_ratio", ratio)
	return nil
}
