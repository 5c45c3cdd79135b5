package catastrophe

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"confluence/internal/config"
	"confluence/internal/logger"
	"confluence/internal/market"

	"github.com/shopspring/decimal"
)

const (
	rollingHour       = time.Hour
	minVolumeSamples  = 5
	defaultMaxHistory = 5000
)

// Limits 是监控使用的阈值，金额字段用 decimal 比较以避免浮点误差。
type Limits struct {
	DailyLossLimit       decimal.Decimal
	MaxPositionSize      int
	MaxConsecutiveLosses int
	AccountBalanceMin    decimal.Decimal
	MaxTradesPerHour     int
	MaxSpreadTicks       int
	TickSize             float64
	VolumeSpikeMultiple  float64
	VolumeWindow         int
}

// LimitsFromConfig 从风险配置构建阈值。
func LimitsFromConfig(cfg config.RiskConfig) Limits {
	return Limits{
		DailyLossLimit:       decimal.NewFromFloat(cfg.DailyLossLimit),
		MaxPositionSize:      cfg.MaxPositionSize,
		MaxConsecutiveLosses: cfg.MaxConsecutiveLosses,
		AccountBalanceMin:    decimal.NewFromFloat(cfg.AccountBalanceMin),
		MaxTradesPerHour:     cfg.MaxTradesPerHour,
		MaxSpreadTicks:       cfg.MaxSpreadTicks,
		TickSize:             cfg.TickSize,
		VolumeSpikeMultiple:  cfg.VolumeSpikeMultiple,
		VolumeWindow:         cfg.VolumeWindow,
	}
}

// Input 是一次评估的输入；Market 可为空（无行情时跳过点差与成交量检查）。
type Input struct {
	Account market.AccountState
	Market  *market.Snapshot
	At      time.Time
}

// MonitorEvaluationError 表示评估过程本身失败。
type MonitorEvaluationError struct {
	Stage string
	Err   error
}

func (e *MonitorEvaluationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("catastrophe monitor %s failed: %v", e.Stage, e.Err)
}

func (e *MonitorEvaluationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// FailClosedPolicy 把内部错误转换为 EMERGENCY。
type FailClosedPolicy struct{}

func (FailClosedPolicy) Synthesize(err error, at time.Time) Alert {
	return Alert{
		Level:   LevelEmergency,
		Trigger: TriggerInternalError,
		Action:  ActionStopAll,
		Message: err.Error(),
		At:      at,
	}
}

// State 监控状态快照。
type State struct {
	TradesThisHour    int       `json:"trades_this_hour"`
	HourWindowStart   time.Time `json:"hour_window_start"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	EmergencyStop     bool      `json:"emergency_stop"`
	LastAlert         *Alert    `json:"last_alert,omitempty"`
	HistorySize       int       `json:"history_size"`
	VolumeSamples     int       `json:"volume_samples"`
}

// AlertSink 接收每条非 NORMAL 告警，调用时不持有监控锁。
type AlertSink func(Alert)

// Option 配置 Monitor。
type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func WithSink(sink AlertSink) Option {
	return func(m *Monitor) {
		if sink != nil {
			m.sinks = append(m.sinks, sink)
		}
	}
}

func WithMaxHistory(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.maxHistory = n
		}
	}
}

// Monitor 是有状态的灾难监控器，评估失败时一律按 EMERGENCY 处理。
type Monitor struct {
	limits     Limits
	now        func() time.Time
	policy     FailClosedPolicy
	sinks      []AlertSink
	maxHistory int
	log        *slog.Logger

	// checks 为测试预留的注入点，默认等于 runChecks
	checks func(*Monitor, Input, time.Time) ([]Alert, error)

	mu                sync.Mutex
	hourStart         time.Time
	tradesThisHour    int
	consecutiveLosses int
	emergencyStop     bool
	volumes           []float64
	history           []Alert

	// 当日（告警时间所在自然日）高于 NORMAL 的告警数，不受 history 截断影响
	alertDay    time.Time
	dailyAlerts int
}

func NewMonitor(limits Limits, opts ...Option) *Monitor {
	m := &Monitor{
		limits:     limits,
		now:        time.Now,
		maxHistory: defaultMaxHistory,
		log:        logger.Component("catastrophe"),
		checks:     (*Monitor).runChecks,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe 追加告警接收方。
func (m *Monitor) Subscribe(sink AlertSink) {
	if sink == nil {
		return
	}
	m.mu.Lock()
	m.sinks = append(m.sinks, sink)
	m.mu.Unlock()
}

// RecordTrade 记录一笔已完成交易：计入滚动小时计数，亏损累加连续亏损，盈利清零。
func (m *Monitor) RecordTrade(outcome market.TradeOutcome) {
	at := outcome.At
	if at.IsZero() {
		at = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollHourLocked(at)
	m.tradesThisHour++
	if outcome.IsWinner {
		m.consecutiveLosses = 0
	} else {
		m.consecutiveLosses++
	}
	m.log.Debug("trade recorded",
		"pnl", outcome.PnL, "winner", outcome.IsWinner,
		"consecutive_losses", m.consecutiveLosses, "trades_this_hour", m.tradesThisHour)
}

// Evaluate 检查全部触发条件并返回最严重的一条告警，永不返回错误。
func (m *Monitor) Evaluate(in Input) Alert {
	at := in.At
	if at.IsZero() {
		at = m.now()
	}
	m.mu.Lock()
	alert := m.evaluateLocked(in, at)
	m.appendHistoryLocked(alert)
	m.countDailyLocked(alert)
	sinks := append([]AlertSink(nil), m.sinks...)
	m.mu.Unlock()

	if alert.Level > LevelNormal {
		m.log.Warn("catastrophe alert",
			"alert", alert.Level.String(), "trigger", alert.Trigger,
			"current", alert.Current, "threshold", alert.Threshold, "action", alert.Action)
		for _, sink := range sinks {
			m.dispatch(sink, alert)
		}
	}
	return alert
}

func (m *Monitor) evaluateLocked(in Input, at time.Time) (alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			err := &MonitorEvaluationError{Stage: "evaluate", Err: fmt.Errorf("panic: %v", r)}
			m.log.Error("monitor panicked, failing closed", "error", err.Error())
			alert = m.policy.Synthesize(err, at)
			m.emergencyStop = true
		}
	}()
	alerts, err := m.checks(m, in, at)
	if err != nil {
		var evalErr *MonitorEvaluationError
		if !errors.As(err, &evalErr) {
			err = &MonitorEvaluationError{Stage: "evaluate", Err: err}
		}
		m.log.Error("monitor evaluation failed, failing closed", "error", err.Error())
		m.emergencyStop = true
		return m.policy.Synthesize(err, at)
	}
	alert = mostSevere(at, alerts)
	if alert.Level == LevelEmergency && !m.emergencyStop {
		m.emergencyStop = true
		m.log.Error("emergency stop engaged", "trigger", alert.Trigger)
	}
	return alert
}

// runChecks 的追加顺序就是同级告警的优先顺序。
func (m *Monitor) runChecks(in Input, at time.Time) ([]Alert, error) {
	acct := in.Account
	if !finite(acct.Balance) || !finite(acct.DailyPnL) {
		return nil, &MonitorEvaluationError{Stage: "account", Err: fmt.Errorf("non-finite account values balance=%v daily_pnl=%v", acct.Balance, acct.DailyPnL)}
	}
	m.rollHourLocked(at)
	var alerts []Alert
	add := func(level Level, trigger string, current, threshold float64, action, msg string) {
		alerts = append(alerts, Alert{
			Level: level, Trigger: trigger, Current: current, Threshold: threshold,
			Action: action, Message: msg, At: at,
		})
	}

	loss := decimal.NewFromFloat(acct.DailyPnL).Abs()
	if loss.GreaterThan(m.limits.DailyLossLimit) {
		add(LevelEmergency, TriggerDailyLoss, acct.DailyPnL, -m.limits.DailyLossLimit.InexactFloat64(), ActionStopAll,
			fmt.Sprintf("daily loss %s exceeds limit %s", loss.StringFixed(2), m.limits.DailyLossLimit.StringFixed(2)))
	}

	balance := decimal.NewFromFloat(acct.Balance)
	if balance.LessThan(m.limits.AccountBalanceMin) {
		add(LevelEmergency, TriggerBalanceFloor, acct.Balance, m.limits.AccountBalanceMin.InexactFloat64(), ActionStopAll,
			fmt.Sprintf("balance %s below minimum %s", balance.StringFixed(2), m.limits.AccountBalanceMin.StringFixed(2)))
	}

	// 已锁定时即使原触发条件消失也保持 EMERGENCY
	if m.emergencyStop {
		add(LevelEmergency, TriggerEmergencyStop, 1, 1, ActionForceReset, "emergency stop is latched")
	}

	if m.limits.MaxConsecutiveLosses > 0 && m.consecutiveLosses >= m.limits.MaxConsecutiveLosses {
		add(LevelDanger, TriggerConsecutiveLosses, float64(m.consecutiveLosses), float64(m.limits.MaxConsecutiveLosses), ActionPause,
			fmt.Sprintf("%d consecutive losses", m.consecutiveLosses))
	}

	if pos := absInt(acct.PositionSize); m.limits.MaxPositionSize > 0 && pos > m.limits.MaxPositionSize {
		add(LevelDanger, TriggerPositionSize, float64(pos), float64(m.limits.MaxPositionSize), ActionReducePosition,
			fmt.Sprintf("position %d exceeds max %d", pos, m.limits.MaxPositionSize))
	}

	if in.Market != nil {
		if avg, ok := m.volumeAverageLocked(); ok && in.Market.Volume >= m.limits.VolumeSpikeMultiple*avg {
			add(LevelDanger, TriggerAbnormalVolume, in.Market.Volume, m.limits.VolumeSpikeMultiple*avg, ActionPause,
				fmt.Sprintf("volume %.0f is %.1fx the rolling average", in.Market.Volume, in.Market.Volume/avg))
		}
		m.pushVolumeLocked(in.Market.Volume)
	}

	if m.limits.MaxTradesPerHour > 0 && m.tradesThisHour >= m.limits.MaxTradesPerHour {
		add(LevelWarning, TriggerTradesPerHour, float64(m.tradesThisHour), float64(m.limits.MaxTradesPerHour), ActionSlowDown,
			fmt.Sprintf("%d trades in the current hour", m.tradesThisHour))
	}

	if in.Market != nil {
		ticks := in.Market.SpreadTicks(m.limits.TickSize)
		if m.limits.MaxSpreadTicks > 0 && ticks > float64(m.limits.MaxSpreadTicks) {
			add(LevelWarning, TriggerAbnormalSpread, ticks, float64(m.limits.MaxSpreadTicks), ActionAvoid,
				fmt.Sprintf("spread %.2f ticks", ticks))
		}
	}
	return alerts, nil
}

// rollHourLocked 在窗口满一小时后清零计数，窗口起点移到 at。
// 窗口起点取第一条事件的时间；事件时间比起点早一小时以上（回放历史数据）时同样开新窗口。
func (m *Monitor) rollHourLocked(at time.Time) {
	switch {
	case m.hourStart.IsZero():
		m.hourStart = at
		return
	case at.Sub(m.hourStart) >= rollingHour:
	case m.hourStart.Sub(at) > rollingHour:
		m.log.Debug("event clock moved backwards, new hour window", "from", m.hourStart, "to", at)
	default:
		return
	}
	if m.tradesThisHour > 0 {
		m.log.Debug("hourly trade counter reset", "trades", m.tradesThisHour)
	}
	m.tradesThisHour = 0
	m.hourStart = at
}

func (m *Monitor) volumeAverageLocked() (float64, bool) {
	if len(m.volumes) < minVolumeSamples {
		return 0, false
	}
	var sum float64
	for _, v := range m.volumes {
		sum += v
	}
	avg := sum / float64(len(m.volumes))
	return avg, avg > 0
}

func (m *Monitor) pushVolumeLocked(v float64) {
	if !finite(v) || v < 0 {
		return
	}
	window := m.limits.VolumeWindow
	if window <= 0 {
		window = 20
	}
	m.volumes = append(m.volumes, v)
	if over := len(m.volumes) - window; over > 0 {
		m.volumes = append(m.volumes[:0], m.volumes[over:]...)
	}
}

func (m *Monitor) appendHistoryLocked(a Alert) {
	m.history = append(m.history, a)
	if over := len(m.history) - m.maxHistory; over > 0 {
		m.history = append(m.history[:0], m.history[over:]...)
	}
}

func (m *Monitor) countDailyLocked(a Alert) {
	if a.Level <= LevelNormal {
		return
	}
	day := midnightOf(a.At)
	switch {
	case day.After(m.alertDay):
		m.alertDay = day
		m.dailyAlerts = 1
	case day.Equal(m.alertDay):
		m.dailyAlerts++
	}
}

func midnightOf(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

func (m *Monitor) dispatch(sink AlertSink, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("alert sink panic", "panic", fmt.Sprint(r))
		}
	}()
	sink(a)
}

// ForceReset 是解除紧急停止的唯一途径，连续亏损与小时计数一并清零。
func (m *Monitor) ForceReset(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.emergencyStop
	m.emergencyStop = false
	m.consecutiveLosses = 0
	m.tradesThisHour = 0
	m.hourStart = time.Time{}
	m.log.Warn("monitor force reset", "reason", reason, "was_emergency", was)
}

// ResetSession 在交易日边界清理计数与成交量样本，不解除紧急停止。
func (m *Monitor) ResetSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradesThisHour = 0
	m.hourStart = time.Time{}
	m.volumes = nil
	m.log.Info("monitor session reset", "emergency_stop", m.emergencyStop)
}

// EmergencyStopped 返回紧急停止标志。
func (m *Monitor) EmergencyStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergencyStop
}

// DailyAlertCount 统计 at 所在自然日（at 的时区）内级别高于 NORMAL 的告警数。
// 当日使用独立计数，更早的日期只能从有限的 history 中统计。
func (m *Monitor) DailyAlertCount(at time.Time) int {
	midnight := midnightOf(at)
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case midnight.Equal(m.alertDay):
		return m.dailyAlerts
	case midnight.After(m.alertDay):
		return 0
	}
	count := 0
	for _, a := range m.history {
		if a.Level > LevelNormal && !a.At.Before(midnight) && !a.At.After(at) {
			count++
		}
	}
	return count
}

// History 返回最近 limit 条告警（limit<=0 返回全部），新的在后。
func (m *Monitor) History(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.history
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	return append([]Alert(nil), src...)
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := State{
		TradesThisHour:    m.tradesThisHour,
		HourWindowStart:   m.hourStart,
		ConsecutiveLosses: m.consecutiveLosses,
		EmergencyStop:     m.emergencyStop,
		HistorySize:       len(m.history),
		VolumeSamples:     len(m.volumes),
	}
	if n := len(m.history); n > 0 {
		last := m.history[n-1]
		st.LastAlert = &last
	}
	return st
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
