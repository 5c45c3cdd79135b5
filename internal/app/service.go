package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"confluence/internal/catastrophe"
	"confluence/internal/decision"
	"confluence/internal/gateway/notifier"
	"confluence/internal/logger"
	"confluence/internal/market"
	"confluence/internal/metrics"
	"confluence/internal/regime"
	"confluence/internal/scheduler"
	"confluence/internal/store"
	"confluence/internal/store/alertlog"
	"confluence/internal/store/sqlite"
)

const alertRetention = 90 * 24 * time.Hour

// Engine 把编排器与周边设施（K 线缓存、审计、告警、通知、指标）组合成对外服务。
// 各可选依赖为 nil 时对应功能跳过。
type Engine struct {
	orch        *decision.Orchestrator
	monitor     *catastrophe.Monitor
	classifier  *regime.Classifier
	bars        *store.BarBuffer
	barInterval time.Duration
	audit       *sqlite.AuditLog
	alerts      *alertlog.AlertLogStore
	notifier    *notifier.AlertNotifier
	metrics     *metrics.Recorder
	now         func() time.Time
	log         *slog.Logger
}

// Evaluate 执行一个决策周期；请求未携带 K 线时使用缓存的 K 线，并剔除未收盘的最后一根。
func (e *Engine) Evaluate(ctx context.Context, in decision.Input) decision.Record {
	if len(in.Bars) == 0 && e.bars != nil {
		in.Bars = e.bars.Recent(in.Symbol, 0)
	}
	at := in.At
	if at.IsZero() {
		at = e.now()
	}
	in.Bars = scheduler.DropUnclosedBar(in.Bars, e.barInterval, at)
	rec := e.orch.Decide(ctx, in)
	e.RefreshMetrics()
	return rec
}

// RecordTrade 把成交结果交给监控并落库；落库失败不影响监控计数。
func (e *Engine) RecordTrade(ctx context.Context, symbol string, outcome market.TradeOutcome) error {
	if outcome.At.IsZero() {
		outcome.At = e.now()
	}
	e.orch.RecordOutcome(outcome)
	e.RefreshMetrics()
	if e.audit == nil {
		return nil
	}
	if err := e.audit.RecordTrade(ctx, symbol, outcome); err != nil {
		e.log.Error("persist trade failed", "symbol", symbol, "error", err)
		return err
	}
	return nil
}

func (e *Engine) IngestBars(symbol string, bars []market.Candle) error {
	if e.bars == nil {
		return errors.New("bar buffer disabled")
	}
	return e.bars.Append(symbol, bars)
}

// ForceReset 解除紧急停止，是唯一的人工复位入口。
func (e *Engine) ForceReset(ctx context.Context, reason, actor string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return errors.New("force reset requires a reason")
	}
	at := e.now()
	e.monitor.ForceReset(reason)
	e.RefreshMetrics()
	if e.notifier != nil {
		e.notifier.NotifyReset(reason, at)
	}
	if e.alerts != nil {
		if err := e.alerts.RecordReset(ctx, reason, actor, at); err != nil {
			e.log.Error("persist reset failed", "error", err)
			return err
		}
	}
	return nil
}

// RolloverSession 在交易日切换时清理会话计数与 regime 缓存，紧急停止不受影响。
func (e *Engine) RolloverSession(ctx context.Context, at time.Time) {
	e.monitor.ResetSession()
	if e.classifier != nil {
		e.classifier.Invalidate()
	}
	e.RefreshMetrics()
	if e.alerts != nil {
		if n, err := e.alerts.Prune(ctx, at.Add(-alertRetention)); err != nil {
			e.log.Warn("prune alert log failed", "error", err)
		} else if n > 0 {
			e.log.Info("alert log pruned", "rows", n)
		}
	}
	e.log.Info("session rolled over", "at", at, "emergency_stop", e.monitor.EmergencyStopped())
}

// RefreshMetrics 同步监控状态到指标。
func (e *Engine) RefreshMetrics() {
	if e.metrics != nil {
		e.metrics.ObserveMonitorState(e.monitor.State())
	}
}

func (e *Engine) Monitor() *catastrophe.Monitor { return e.monitor }

func newEngine(orch *decision.Orchestrator, classifier *regime.Classifier, bars *store.BarBuffer, barInterval time.Duration) *Engine {
	return &Engine{
		orch:        orch,
		monitor:     orch.Monitor(),
		classifier:  classifier,
		bars:        bars,
		barInterval: barInterval,
		now:         time.Now,
		log:         logger.Component("engine"),
	}
}
