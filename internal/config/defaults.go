package config

import "strings"

// 默认值常量
const (
	defaultAppEnv        = "dev"
	defaultAppLogLevel   = "info"
	defaultAppLogFormat  = "text"
	defaultAppHTTPAddr   = ":9992"
	defaultCycleInterval = 60

	defaultDailyLossLimit       = 500.0
	defaultMaxPositionSize      = 2
	defaultMaxConsecutiveLosses = 5
	defaultAccountBalanceMin    = 1000.0
	defaultMaxTradesPerHour     = 10
	defaultMaxSpreadTicks       = 4
	defaultTickSize             = 0.25
	defaultVolumeSpikeMultiple  = 10.0
	defaultVolumeWindow         = 20
	defaultMinSignalConfidence  = 0.70

	defaultThresholdBase = 0.25

	defaultTimezone          = "America/New_York"
	defaultEarlyCycleMinDays = 11
	defaultRegimeCacheTTL    = 60
	defaultReferenceRangePct = 0.005
	defaultATRPeriod         = 14

	defaultMLMinConfidence  = 0.70
	defaultCacheBackend     = "memory"
	defaultCacheTTL         = 60
	defaultCacheMaxEntries  = 500
	defaultBreakerThreshold = 3
	defaultBreakerCooldown  = 30
	defaultRedisAddr        = "localhost:6379"
	defaultRedisPrefix      = "confluence"
	defaultRemoteTimeout    = 2

	defaultAuditDBPath = "data/decisions.db"
	defaultAlertDBPath = "data/alerts.db"
	defaultNotifyLevel = "DANGER"

	defaultPipelineInterval = "5m"
)

// Default 返回一份仅含默认值的配置，便于测试与无配置文件运行。
func Default() *Config {
	var c Config
	c.applyDefaults(nil)
	return &c
}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Scoring.applyDefaults(keys)
	c.Regime.applyDefaults(keys)
	c.Ensemble.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
	c.Pipeline.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		intFieldDefault("app.cycle_interval_seconds", &a.CycleIntervalSeconds, defaultCycleInterval),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("risk.daily_loss_limit", &r.DailyLossLimit, defaultDailyLossLimit),
		intFieldDefault("risk.max_position_size", &r.MaxPositionSize, defaultMaxPositionSize),
		intFieldDefault("risk.max_consecutive_losses", &r.MaxConsecutiveLosses, defaultMaxConsecutiveLosses),
		floatFieldDefault("risk.account_balance_min", &r.AccountBalanceMin, defaultAccountBalanceMin),
		intFieldDefault("risk.max_trades_per_hour", &r.MaxTradesPerHour, defaultMaxTradesPerHour),
		intFieldDefault("risk.max_spread_ticks", &r.MaxSpreadTicks, defaultMaxSpreadTicks),
		floatFieldDefault("risk.tick_size", &r.TickSize, defaultTickSize),
		floatFieldDefault("risk.volume_spike_multiple", &r.VolumeSpikeMultiple, defaultVolumeSpikeMultiple),
		intFieldDefault("risk.volume_window", &r.VolumeWindow, defaultVolumeWindow),
		floatFieldDefault("risk.min_signal_confidence", &r.MinSignalConfidence, defaultMinSignalConfidence),
	)
}

func (s *ScoringConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("scoring.confluence_threshold_base", &s.ConfluenceThresholdBase, defaultThresholdBase),
	)
}

func (r *RegimeConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("regime.timezone", &r.Timezone, defaultTimezone),
		intFieldDefault("regime.early_cycle_min_days", &r.EarlyCycleMinDays, defaultEarlyCycleMinDays),
		intFieldDefault("regime.cache_ttl_seconds", &r.CacheTTLSeconds, defaultRegimeCacheTTL),
		floatFieldDefault("regime.reference_range_pct", &r.ReferenceRangePct, defaultReferenceRangePct),
		intFieldDefault("regime.atr_period", &r.ATRPeriod, defaultATRPeriod),
	)
}

func (e *EnsembleConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("ensemble.enabled", &e.Enabled, true),
		floatFieldDefault("ensemble.ml_min_confidence", &e.MinConfidence, defaultMLMinConfidence),
		stringFieldDefault("ensemble.cache_backend", &e.CacheBackend, defaultCacheBackend),
		intFieldDefault("ensemble.cache_ttl_seconds", &e.CacheTTLSeconds, defaultCacheTTL),
		intFieldDefault("ensemble.cache_max_entries", &e.CacheMaxEntries, defaultCacheMaxEntries),
		intFieldDefault("ensemble.breaker.failure_threshold", &e.Breaker.FailureThreshold, defaultBreakerThreshold),
		intFieldDefault("ensemble.breaker.cooldown_seconds", &e.Breaker.CooldownSeconds, defaultBreakerCooldown),
		stringFieldDefault("ensemble.redis.addr", &e.Redis.Addr, defaultRedisAddr),
		stringFieldDefault("ensemble.redis.prefix", &e.Redis.Prefix, defaultRedisPrefix),
	)
	for i := range e.Remote {
		if e.Remote[i].Weight <= 0 {
			e.Remote[i].Weight = 1
		}
		if e.Remote[i].TimeoutSeconds <= 0 {
			e.Remote[i].TimeoutSeconds = defaultRemoteTimeout
		}
	}
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.audit_db_path", &s.AuditDBPath, defaultAuditDBPath),
		stringFieldDefault("store.alert_db_path", &s.AlertDBPath, defaultAlertDBPath),
	)
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	if n == nil {
		return
	}
	n.MinLevel = strings.ToUpper(strings.TrimSpace(n.MinLevel))
	applyFieldDefaults(keys,
		stringFieldDefault("notify.min_level", &n.MinLevel, defaultNotifyLevel),
	)
}

func (p *PipelineConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("pipeline.enabled", &p.Enabled, true),
		stringFieldDefault("pipeline.interval", &p.Interval, defaultPipelineInterval),
	)
	if len(p.Middlewares) == 0 && !keys.isSet("pipeline.middlewares") {
		p.Middlewares = DefaultMiddlewares()
	}
}

// DefaultMiddlewares 返回内置的四个派生特征中间件。
func DefaultMiddlewares() []MiddlewareConfig {
	return []MiddlewareConfig{
		{Name: "tick_momentum", Params: map[string]any{"period": 14}},
		{Name: "mtf_confluence", Params: map[string]any{"fast": 8, "mid": 21, "slow": 55}},
		{Name: "delta_divergence", Params: map[string]any{"fast": 12, "slow": 26, "signal": 9, "lookback": 5}},
		{Name: "volume_confirmation", Params: map[string]any{"period": 20}},
	}
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
