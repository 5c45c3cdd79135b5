package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"confluence/internal/catastrophe"
	"confluence/internal/config"
	"confluence/internal/decision"
	"confluence/internal/gateway/notifier"
	"confluence/internal/logger"
	"confluence/internal/metrics"
	"confluence/internal/pipeline/factory"
	"confluence/internal/regime"
	"confluence/internal/scheduler"
	"confluence/internal/scoring"
	"confluence/internal/store"
	"confluence/internal/store/alertlog"
	"confluence/internal/store/sqlite"
	livehttp "confluence/internal/transport/http/live"
)

const defaultBarBuffer = 500

type AppBuilder struct {
	cfg *config.Config

	gateFn     func(*config.Config, *metrics.Recorder) (*gateSetup, error)
	storesFn   func(config.StoreConfig) (*storeSetup, error)
	notifierFn func(config.NotifyConfig) (*notifier.AlertNotifier, error)
	liveHTTPFn func(config.AppConfig, livehttp.ServerConfig) (*livehttp.Server, error)
	metrics    *metrics.Recorder
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		gateFn:     buildGate,
		storesFn:   buildStores,
		notifierFn: buildNotifier,
		liveHTTPFn: buildLiveHTTPServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)

	var closers []func() error
	fail := func(err error) (*App, error) {
		runClosers(closers)
		return nil, err
	}

	rec := b.metrics
	if rec == nil {
		rec = metrics.New()
	}

	classifier, err := regime.NewClassifier(cfg.Regime)
	if err != nil {
		return fail(fmt.Errorf("初始化 regime 分类器失败: %w", err))
	}
	weights := scoring.DefaultWeights().WithOverrides(cfg.Scoring.Weights, cfg.Scoring.AuxiliaryWeights)
	scorer := scoring.New(weights)

	gate, err := b.gateFn(cfg, rec)
	if err != nil {
		return fail(fmt.Errorf("初始化集成模型失败: %w", err))
	}
	closers = append(closers, gate.closers...)

	stores, err := b.storesFn(cfg.Store)
	if err != nil {
		return fail(fmt.Errorf("初始化存储失败: %w", err))
	}
	closers = append(closers, stores.closers...)

	alertNotifier, err := b.notifierFn(cfg.Notify)
	if err != nil {
		return fail(fmt.Errorf("初始化通知失败: %w", err))
	}

	monitorOpts := []catastrophe.Option{catastrophe.WithSink(rec.ObserveAlert)}
	if stores.alerts != nil {
		monitorOpts = append(monitorOpts, catastrophe.WithSink(stores.alerts.Sink()))
	}
	if alertNotifier != nil {
		monitorOpts = append(monitorOpts, catastrophe.WithSink(alertNotifier.Sink()))
	}
	monitor := catastrophe.NewMonitor(catastrophe.LimitsFromConfig(cfg.Risk), monitorOpts...)

	pipe, err := factory.Build(cfg.Pipeline)
	if err != nil {
		return fail(fmt.Errorf("初始化特征 pipeline 失败: %w", err))
	}
	deps := decision.Deps{
		Regime:  classifier,
		Scorer:  scorer,
		Gate:    gate.gate,
		Monitor: monitor,
	}
	if pipe != nil {
		deps.Deriver = pipe
	}
	orchOpts := []decision.Option{decision.WithObserver(rec)}
	if stores.audit != nil {
		orchOpts = append(orchOpts, decision.WithObserver(stores.audit))
	}
	orch, err := decision.NewOrchestrator(decision.Settings{
		ThresholdBase:       cfg.Scoring.ConfluenceThresholdBase,
		MinSignalConfidence: cfg.Risk.MinSignalConfidence,
	}, deps, orchOpts...)
	if err != nil {
		return fail(err)
	}

	// 未配置或无法解析的周期不剔除未收盘 K 线
	barInterval, _ := scheduler.ParseIntervalDuration(cfg.Pipeline.Interval)
	engine := newEngine(orch, classifier, store.NewBarBuffer(defaultBarBuffer), barInterval)
	engine.audit = stores.audit
	engine.alerts = stores.alerts
	engine.notifier = alertNotifier
	engine.metrics = rec
	engine.RefreshMetrics()

	srvCfg := livehttp.ServerConfig{
		Addr:      cfg.App.HTTPAddr,
		Decisions: engine,
		Monitor:   monitor,
		Metrics:   rec.Handler(),
	}
	if stores.audit != nil {
		srvCfg.Audit = stores.audit
	}
	if stores.alerts != nil {
		srvCfg.Alerts = stores.alerts
	}
	if gate.filter != nil {
		srvCfg.Ensemble = gate.filter
	}
	server, err := b.liveHTTPFn(cfg.App, srvCfg)
	if err != nil {
		return fail(err)
	}

	if alertNotifier != nil {
		closers = append(closers, func() error {
			alertNotifier.Wait()
			return nil
		})
	}

	logger.Infof("✓ confluence 引擎已装配（ensemble=%s, pipeline=%v, audit=%v, alerts=%v）",
		gate.gate.Name(), pipe != nil, stores.audit != nil, stores.alerts != nil)

	return &App{
		cfg:        cfg,
		engine:     engine,
		classifier: classifier,
		liveHTTP:   server,
		closers:    closers,
		Summary:    newStartupSummary(cfg, gate, pipe),
	}, nil
}

type storeSetup struct {
	audit   *sqlite.AuditLog
	alerts  *alertlog.AlertLogStore
	closers []func() error
}

// buildStores 路径为空的存储视为关闭。
func buildStores(cfg config.StoreConfig) (*storeSetup, error) {
	out := &storeSetup{}
	if path := strings.TrimSpace(cfg.AuditDBPath); path != "" {
		st, err := sqlite.NewSqliteStore(path)
		if err != nil {
			return nil, fmt.Errorf("打开决策审计库失败: %w", err)
		}
		out.audit = sqlite.NewAuditLog(st)
		out.closers = append(out.closers, st.Close)
		logger.Infof("✓ 决策审计库: %s", path)
	}
	if path := strings.TrimSpace(cfg.AlertDBPath); path != "" {
		al, err := alertlog.NewAlertLogStore(path)
		if err != nil {
			runClosers(out.closers)
			return nil, fmt.Errorf("打开告警库失败: %w", err)
		}
		out.alerts = al
		out.closers = append(out.closers, al.Close)
		logger.Infof("✓ 告警库: %s", path)
	}
	return out, nil
}

func buildNotifier(cfg config.NotifyConfig) (*notifier.AlertNotifier, error) {
	if !cfg.Telegram.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Telegram.BotToken) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "" {
		return nil, fmt.Errorf("notify.telegram 已启用但 bot_token/chat_id 为空")
	}
	tg := notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	minLevel := catastrophe.LevelDanger
	if strings.TrimSpace(cfg.MinLevel) != "" {
		lvl, err := catastrophe.ParseLevel(cfg.MinLevel)
		if err != nil {
			return nil, err
		}
		minLevel = lvl
	}
	return notifier.NewAlertNotifier(tg, minLevel, notifier.WithCooldown(5*time.Minute)), nil
}

func buildLiveHTTPServer(cfg config.AppConfig, srv livehttp.ServerConfig) (*livehttp.Server, error) {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return nil, nil
	}
	return livehttp.NewServer(srv)
}

func runClosers(closers []func() error) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Warnf("close resource failed: %v", err)
		}
	}
}

func WithGate(fn func(*config.Config, *metrics.Recorder) (*gateSetup, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.gateFn = fn
		}
	}
}

func WithStores(fn func(config.StoreConfig) (*storeSetup, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.storesFn = fn
		}
	}
}

func WithNotifier(fn func(config.NotifyConfig) (*notifier.AlertNotifier, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.notifierFn = fn
		}
	}
}

func WithLiveHTTP(fn func(config.AppConfig, livehttp.ServerConfig) (*livehttp.Server, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.liveHTTPFn = fn
		}
	}
}

// WithMetrics 注入自定义 Recorder，测试中用于避免重复注册。
func WithMetrics(rec *metrics.Recorder) AppBuilderOption {
	return func(b *AppBuilder) {
		if rec != nil {
			b.metrics = rec
		}
	}
}
