package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"confluence/internal/catastrophe"
	"confluence/internal/ensemble"
	"confluence/internal/features"
	"confluence/internal/logger"
	"confluence/internal/market"
	"confluence/internal/regime"
	"confluence/internal/scoring"
	"confluence/internal/threshold"

	"github.com/google/uuid"
)

// RegimeClassifier 提供周期的 regime 快照。
type RegimeClassifier interface {
	Classify(at time.Time, snap market.Snapshot, bars []market.Candle) regime.Snapshot
}

// FeatureDeriver 从 K 线派生上游未提供的特征，通常是 pipeline.Pipeline。
type FeatureDeriver interface {
	Derive(ctx context.Context, symbol string, bars []market.Candle) (features.Vector, error)
}

// Settings 是编排器的阈值参数。
type Settings struct {
	ThresholdBase       float64
	MinSignalConfidence float64
}

// Deps 是编排器依赖的各组件，Deriver 可为空。
type Deps struct {
	Regime  RegimeClassifier
	Scorer  *scoring.Scorer
	Gate    ensemble.Gate
	Monitor *catastrophe.Monitor
	Deriver FeatureDeriver
}

type Option func(*Orchestrator)

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// Orchestrator 串联评分、阈值、集成模型与灾难监控，周期之间串行执行。
type Orchestrator struct {
	settings  Settings
	deps      Deps
	observers []Observer
	now       func() time.Time
	newID     func() string
	log       *slog.Logger

	cycle sync.Mutex
}

func NewOrchestrator(settings Settings, deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Regime == nil:
		return nil, errors.New("orchestrator requires regime classifier")
	case deps.Scorer == nil:
		return nil, errors.New("orchestrator requires scorer")
	case deps.Monitor == nil:
		return nil, errors.New("orchestrator requires catastrophe monitor")
	}
	if deps.Gate == nil {
		deps.Gate = ensemble.Disabled{}
	}
	o := &Orchestrator{
		settings: settings,
		deps:     deps,
		now:      time.Now,
		newID:    uuid.NewString,
		log:      logger.Component("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Monitor 暴露监控句柄，供管理端读取状态与强制复位。
func (o *Orchestrator) Monitor() *catastrophe.Monitor { return o.deps.Monitor }

// Gate 返回当前使用的集成模型门。
func (o *Orchestrator) Gate() ensemble.Gate { return o.deps.Gate }

// RecordOutcome 把成交结果交给灾难监控。
func (o *Orchestrator) RecordOutcome(outcome market.TradeOutcome) {
	o.deps.Monitor.RecordTrade(outcome)
}

// Decide 执行一个完整周期并总是返回记录；不确定时默认拒绝。
func (o *Orchestrator) Decide(ctx context.Context, in Input) Record {
	if ctx == nil {
		ctx = context.Background()
	}
	o.cycle.Lock()
	defer o.cycle.Unlock()

	started := o.now()
	at := in.At
	if at.IsZero() {
		at = started
	}
	rec := Record{
		ID:               o.newID(),
		Symbol:           strings.ToUpper(strings.TrimSpace(in.Symbol)),
		At:               at,
		SignalConfidence: in.SignalConfidence,
	}
	dir, err := ParseDirection(string(in.Direction))
	if err != nil {
		rec.reject(StageInput, "%v", err)
		dir = threshold.Long
	}
	rec.Direction = dir
	if rec.Symbol == "" {
		rec.reject(StageInput, "missing symbol")
	}

	vec := o.buildVector(ctx, in, &rec)

	snap := in.Market
	if snap.Symbol == "" {
		snap.Symbol = rec.Symbol
	}
	rec.Regime = o.deps.Regime.Classify(at, snap, in.Bars)
	rec.Score = o.deps.Scorer.Score(vec, rec.Regime)
	rec.Thresholds = threshold.Calculate(o.settings.ThresholdBase, rec.Regime)
	if rec.Score.Errors > 0 {
		rec.warn("%d feature(s) failed and contributed zero", rec.Score.Errors)
	}

	if rec.Regime.Session.Closed() {
		rec.reject(StageSession, "session closed (%s)", rec.Regime.Session.Phase)
	}
	if !rec.Thresholds.Passes(dir, rec.Score.Value) {
		rec.reject(StageThreshold, "confluence score %.3f does not meet %s threshold %.3f",
			rec.Score.Value, dir, rec.Thresholds.For(dir))
	}
	if in.SignalConfidence < o.settings.MinSignalConfidence {
		rec.reject(StageSignal, "signal confidence %.2f below minimum %.2f",
			in.SignalConfidence, o.settings.MinSignalConfidence)
	}

	if !rec.rejected() {
		pred := o.deps.Gate.Evaluate(ctx, vec)
		rec.Ensemble = &pred
		if pred.Degraded {
			rec.warn("ensemble degraded, failing open: %s", strings.Join(pred.Excluded, ","))
		}
		if !pred.Approved {
			rec.reject(StageEnsemble, "ensemble confidence %.3f below ml minimum", pred.Confidence)
		}
	}

	// 监控每个周期都要评估，即使信号已被拒绝
	rec.Alert = o.deps.Monitor.Evaluate(catastrophe.Input{
		Account: in.Account,
		Market:  marketForMonitor(snap),
		At:      at,
	})
	if !rec.Alert.Level.AllowsTrading() {
		rec.reject(StageCatastrophe, "catastrophe %s: %s (%s)", rec.Alert.Level, rec.Alert.Trigger, rec.Alert.Action)
	} else if rec.Alert.Level == catastrophe.LevelWarning {
		rec.warn("catastrophe WARNING: %s (%s)", rec.Alert.Trigger, rec.Alert.Action)
	}

	if !rec.rejected() {
		rec.Approved = true
		rec.Stage = StageApproved
		rec.PositionMultiplier = rec.Regime.Gamma.PositionMultiplier
	}
	rec.Latency = o.now().Sub(started)

	if rec.Approved {
		o.log.Info("signal approved", "id", rec.ID, "summary", rec.Summary())
	} else {
		o.log.Info("signal rejected", "id", rec.ID, "stage", string(rec.Stage), "reason", rec.RejectionReason)
	}
	o.notify(ctx, rec)
	return rec
}

// buildVector 合并上游特征、上游报告的失败项与 pipeline 派生特征（上游优先）。
func (o *Orchestrator) buildVector(ctx context.Context, in Input, rec *Record) features.Vector {
	vec := features.FromMap(in.Features)
	for name, msg := range in.FeatureErrors {
		vec[name] = features.Failed(errors.New(msg))
	}
	if o.deps.Deriver == nil || len(in.Bars) == 0 {
		return vec
	}
	derived, err := o.deps.Deriver.Derive(ctx, rec.Symbol, in.Bars)
	if err != nil {
		rec.warn("feature pipeline: %v", err)
	}
	for name, reading := range derived {
		if _, ok := vec[name]; ok {
			continue
		}
		vec[name] = reading
		rec.DerivedFeatures = append(rec.DerivedFeatures, name)
	}
	sort.Strings(rec.DerivedFeatures)
	return vec
}

func marketForMonitor(snap market.Snapshot) *market.Snapshot {
	if snap.Price() <= 0 && snap.Volume <= 0 {
		return nil
	}
	return &snap
}

func (o *Orchestrator) notify(ctx context.Context, rec Record) {
	for _, obs := range o.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.log.Error("decision observer panic", "panic", fmt.Sprint(r))
				}
			}()
			obs.AfterDecision(ctx, rec)
		}()
	}
}
