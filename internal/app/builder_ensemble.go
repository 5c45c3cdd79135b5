package app

import (
	"fmt"
	"strings"
	"time"

	"confluence/internal/config"
	"confluence/internal/ensemble"
	"confluence/internal/logger"
	"confluence/internal/metrics"
)

// cacheBucket 决定同一特征向量在多长时间内复用缓存结果。
const cacheBucket = time.Minute

type gateSetup struct {
	gate    ensemble.Gate
	filter  *ensemble.Filter
	models  []string
	cache   string
	closers []func() error
}

// buildGate 装配集成模型过滤器；未启用时返回 Disabled（永远放行）。
func buildGate(cfg *config.Config, rec *metrics.Recorder) (*gateSetup, error) {
	ec := cfg.Ensemble
	if !ec.Enabled {
		return &gateSetup{gate: ensemble.Disabled{}, cache: "none"}, nil
	}
	out := &gateSetup{cache: ec.CacheBackend}

	var registry *ensemble.Registry
	if path := strings.TrimSpace(ec.RegistryPath); path != "" {
		reg, err := ensemble.NewRegistry(path, ec.WatchRegistry)
		if err != nil {
			return nil, err
		}
		registry = reg
	}
	models, err := collectModels(registry, ec.Remote)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		logger.Warnf("ensemble 已启用但没有任何模型，所有预测将降级放行")
	}

	opts := []ensemble.FilterOption{
		ensemble.WithMinConfidence(ec.MinConfidence),
		ensemble.WithBreaker(ec.Breaker.FailureThreshold, ec.Breaker.Cooldown()),
	}
	if rec != nil {
		opts = append(opts, ensemble.WithHook(rec.ObservePrediction))
	}
	switch strings.ToLower(strings.TrimSpace(ec.CacheBackend)) {
	case "redis":
		cache, err := ensemble.NewRedisCache(ec.Redis, ec.CacheTTL())
		if err != nil {
			return nil, fmt.Errorf("连接 redis 缓存失败: %w", err)
		}
		out.closers = append(out.closers, cache.Close)
		opts = append(opts, ensemble.WithCache(cache, cacheBucket))
	case "none":
	default:
		opts = append(opts, ensemble.WithCache(ensemble.NewMemoryCache(ec.CacheTTL(), ec.CacheMaxEntries), cacheBucket))
	}

	filter := ensemble.NewFilter(models, opts...)
	if registry != nil {
		registry.OnChange(func(snap ensemble.RegistrySnapshot) {
			next, err := collectModels(registry, ec.Remote)
			if err != nil {
				logger.Errorf("模型注册表 v%d 构建失败，保留旧模型: %v", snap.Version, err)
				return
			}
			filter.SetModels(next)
			logger.Infof("模型注册表 v%d 已生效，模型数=%d", snap.Version, len(next))
		})
	}
	out.gate = filter
	out.filter = filter
	out.models = modelNames(models)
	return out, nil
}

// collectModels 合并注册表模型与配置中的远程模型。
func collectModels(registry *ensemble.Registry, remotes []config.RemoteModelConfig) ([]ensemble.WeightedModel, error) {
	var models []ensemble.WeightedModel
	if registry != nil {
		fromFile, err := registry.Models()
		if err != nil {
			return nil, err
		}
		models = append(models, fromFile...)
	}
	for _, rc := range remotes {
		timeout := time.Duration(rc.TimeoutSeconds) * time.Second
		models = append(models, ensemble.WeightedModel{
			Model:  ensemble.NewRemoteModel(rc.Name, rc.URL, timeout),
			Weight: rc.Weight,
		})
	}
	return models, nil
}

func modelNames(models []ensemble.WeightedModel) []string {
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Model.Name())
	}
	return names
}
