package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"confluence/internal/config"
	"confluence/internal/logger"
	"confluence/internal/regime"
	"confluence/internal/scheduler"
	livehttp "confluence/internal/transport/http/live"

	"golang.org/x/sync/errgroup"
)

// 交易日在交易所时区 17:00 切换。
const (
	sessionRolloverHour   = 17
	sessionRolloverMinute = 0
)

// App 负责应用级编排：加载配置→初始化依赖→启动 HTTP 与定时任务。
type App struct {
	cfg        *config.Config
	engine     *Engine
	classifier *regime.Classifier
	liveHTTP   *livehttp.Server
	closers    []func() error
	closeOnce  sync.Once
	Summary    *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动 HTTP 服务、指标刷新与交易日切换，ctx 取消后释放资源。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.engine == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)

	if a.liveHTTP != nil {
		group.Go(func() error {
			if err := a.liveHTTP.Start(ctx); err != nil {
				return fmt.Errorf("live http server error: %w", err)
			}
			return nil
		})
	}

	interval := time.Duration(a.cfg.App.CycleIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	group.Go(func() error {
		s := scheduler.NewAlignedScheduler(ctx, interval, 0)
		s.Name = "monitor-refresh"
		s.Start(a.engine.RefreshMetrics)
		return nil
	})

	group.Go(func() error {
		s := scheduler.NewDailyScheduler(ctx, a.classifier.Location(), sessionRolloverHour, sessionRolloverMinute)
		s.Name = "session-rollover"
		s.Start(func(at time.Time) {
			a.engine.RolloverSession(ctx, at)
		})
		return nil
	})

	return group.Wait()
}

// Engine 暴露决策服务，供 replay 与测试直接调用。
func (a *App) Engine() *Engine {
	if a == nil {
		return nil
	}
	return a.engine
}

// Close 释放存储与缓存连接，可重复调用。
func (a *App) Close() {
	if a == nil {
		return
	}
	a.closeOnce.Do(func() {
		runClosers(a.closers)
	})
}
