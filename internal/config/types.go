package config

import (
	"strings"
	"time"
)

// Config 是 confluence 引擎的主配置载体。
type Config struct {
	App      AppConfig      `toml:"app"`
	Risk     RiskConfig     `toml:"risk"`
	Scoring  ScoringConfig  `toml:"scoring"`
	Regime   RegimeConfig   `toml:"regime"`
	Ensemble EnsembleConfig `toml:"ensemble"`
	Store    StoreConfig    `toml:"store"`
	Notify   NotifyConfig   `toml:"notify"`
	Pipeline PipelineConfig `toml:"pipeline"`
}

type AppConfig struct {
	Env                  string `toml:"env"`
	LogLevel             string `toml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat            string `toml:"log_format" validate:"omitempty,oneof=text json"`
	LogPath              string `toml:"log_path"`
	HTTPAddr             string `toml:"http_addr"`
	CycleIntervalSeconds int    `toml:"cycle_interval_seconds" validate:"gte=0"`
}

// RiskConfig 对应灾难监控的全部阈值，金额字段以账户币种计。
type RiskConfig struct {
	DailyLossLimit       float64 `toml:"daily_loss_limit" validate:"gt=0"`
	MaxPositionSize      int     `toml:"max_position_size" validate:"gt=0"`
	MaxConsecutiveLosses int     `toml:"max_consecutive_losses" validate:"gt=0"`
	AccountBalanceMin    float64 `toml:"account_balance_min" validate:"gte=0"`
	MaxTradesPerHour     int     `toml:"max_trades_per_hour" validate:"gt=0"`
	MaxSpreadTicks       int     `toml:"max_spread_ticks" validate:"gt=0"`
	TickSize             float64 `toml:"tick_size" validate:"gt=0"`
	VolumeSpikeMultiple  float64 `toml:"volume_spike_multiple" validate:"gt=1"`
	VolumeWindow         int     `toml:"volume_window" validate:"gt=0"`
	MinSignalConfidence  float64 `toml:"min_signal_confidence" validate:"gte=0,lte=1"`
}

// ScoringConfig 允许覆盖默认权重表；未列出的特征沿用内置权重。
type ScoringConfig struct {
	ConfluenceThresholdBase float64            `toml:"confluence_threshold_base" validate:"gt=0,lte=1"`
	Weights                 map[string]float64 `toml:"weights"`
	AuxiliaryWeights        map[string]float64 `toml:"auxiliary_weights"`
}

type RegimeConfig struct {
	Timezone          string  `toml:"timezone"`
	EarlyCycleMinDays int     `toml:"early_cycle_min_days" validate:"gte=5"`
	CacheTTLSeconds   int     `toml:"cache_ttl_seconds" validate:"gte=0"`
	ReferenceRangePct float64 `toml:"reference_range_pct" validate:"gt=0"`
	ATRPeriod         int     `toml:"atr_period" validate:"gte=0"`
}

func (r RegimeConfig) CacheTTL() time.Duration {
	return time.Duration(r.CacheTTLSeconds) * time.Second
}

type EnsembleConfig struct {
	Enabled         bool                `toml:"enabled"`
	MinConfidence   float64             `toml:"ml_min_confidence" validate:"gte=0,lte=1"`
	CacheBackend    string              `toml:"cache_backend" validate:"omitempty,oneof=memory redis none"`
	CacheTTLSeconds int                 `toml:"cache_ttl_seconds" validate:"gte=0"`
	CacheMaxEntries int                 `toml:"cache_max_entries" validate:"gte=0"`
	RegistryPath    string              `toml:"registry_path"`
	WatchRegistry   bool                `toml:"watch_registry"`
	Breaker         BreakerConfig       `toml:"breaker"`
	Redis           RedisConfig         `toml:"redis"`
	Remote          []RemoteModelConfig `toml:"remote" validate:"dive"`
}

func (e EnsembleConfig) CacheTTL() time.Duration {
	return time.Duration(e.CacheTTLSeconds) * time.Second
}

type BreakerConfig struct {
	FailureThreshold int `toml:"failure_threshold" validate:"gte=1"`
	CooldownSeconds  int `toml:"cooldown_seconds" validate:"gte=0"`
}

func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// RemoteModelConfig 描述一个经由 HTTP 推理的外部模型。
type RemoteModelConfig struct {
	Name           string  `toml:"name" validate:"required"`
	URL            string  `toml:"url" validate:"required,url"`
	Weight         float64 `toml:"weight" validate:"gt=0"`
	TimeoutSeconds int     `toml:"timeout_seconds" validate:"gte=0"`
}

type StoreConfig struct {
	AuditDBPath string `toml:"audit_db_path"`
	AlertDBPath string `toml:"alert_db_path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
	MinLevel string         `toml:"min_level" validate:"omitempty,oneof=WARNING DANGER EMERGENCY"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// PipelineConfig 控制由 K 线派生特征的中间件链；上游已给出的特征优先。
type PipelineConfig struct {
	Enabled     bool               `toml:"enabled"`
	Interval    string             `toml:"interval"`
	Middlewares []MiddlewareConfig `toml:"middlewares" validate:"dive"`
}

// MiddlewareConfig 为单个中间件节点的配置。
type MiddlewareConfig struct {
	Name           string         `toml:"name" validate:"required"`
	Stage          int            `toml:"stage" validate:"gte=0"`
	Critical       bool           `toml:"critical"`
	TimeoutSeconds int            `toml:"timeout_seconds" validate:"gte=0"`
	Params         map[string]any `toml:"params"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
