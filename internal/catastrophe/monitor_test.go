package catastrophe

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"confluence/internal/config"
	"confluence/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC)

func newTestMonitor(clock *time.Time, opts ...Option) *Monitor {
	limits := LimitsFromConfig(config.Default().Risk)
	opts = append([]Option{WithClock(func() time.Time { return *clock })}, opts...)
	return NewMonitor(limits, opts...)
}

func healthy(pnl float64) Input {
	return Input{Account: market.AccountState{Balance: 10000, DailyPnL: pnl}}
}

func TestDailyLossBoundaryIsStrict(t *testing.T) {
	now := t0
	m := newTestMonitor(&now)
	got := m.Evaluate(healthy(-500))
	assert.Equal(t, LevelNormal, got.Level)
	assert.Equal(t, TriggerNone, got.Trigger)

	m = newTestMonitor(&now)
	got = m.Evaluate(healthy(-501))
	assert.Equal(t, LevelEmergency, got.Level)
	assert.Equal(t, TriggerDailyLoss, got.Trigger)
	assert.Equal(t, ActionStopAll, got.Action)
	assert.InDelta(t, -501, got.Current, 1e-9)
}

func TestBalanceFloor(t *testing.T) {
	now := t0
	m := newTestMonitor(&now)
	got := m.Evaluate(Input{Account: market.AccountState{Balance: 999.99}})
	assert.Equal(t, LevelEmergency, got.Level)
	assert.Equal(t, TriggerBalanceFloor, got.Trigger)
}

func TestConsecutiveLossesAndWinReset(t *testing.T) {
	now := t0
	m := newTestMonitor(&now)
	for i := 0; i < 4; i++ {
		m.RecordTrade(market.TradeOutcome{PnL: -50, At: now})
	}
	assert.Equal(t, LevelNormal, m.Evaluate(healthy(-200)).Level)

	m.RecordTrade(market.TradeOutcome{PnL: -50, At: now})
	got := m.Evaluate(healthy(-250))
	assert.Equal(t, LevelDanger, got.Level)
	assert.Equal(t, TriggerConsecutiveLosses, got.Trigger)
	assert.False(t, got.Level.AllowsTrading())

	m.RecordTrade(market.TradeOutcome{PnL: 80, IsWinner: true, At: now})
	assert.Equal(t, 0, m.State().ConsecutiveLosses)
	assert.Equal(t, LevelNormal, m.Evaluate(healthy(-170)).Level)
}

func TestInterleavedWinPreventsStreak(t *testing.T) {
	now := t0
	m := newTestMonitor(&now)
	for i := 0; i < 9; i++ {
		m.RecordTrade(market.TradeOutcome{PnL: -10, IsWinner: i == 4, At: now.Add(time.Duration(i) * 10 * time.Minute)})
	}
	assert.Equal(t, 4, m.State().ConsecutiveLosses)
}

func TestEmergencyIsStickyUntilForceReset(t *testing.T) {
	now := t0
	m := newTestMonitor(&now)
	require.Equal(t, LevelEmergency, m.Evaluate(healthy(-600)).Level)

	got := m.Evaluate(healthy(0))
	assert.Equal(t, LevelEmergency, got.Level)
	assert.Equal(t, TriggerEmergencyStop, got.Trigger)
	assert.True(t, m.EmergencyStopped())

	m.ResetSession()
	assert.True(t, m.EmergencyStopped())

	m.ForceReset("operator reviewed")
	assert.False(t, m.EmergencyStopped())
	assert.Equal(t, LevelNormal, m.Evaluate(healthy(0)).Level)
}

func TestPositionSize(t *testing.T) {
	now := t0
	m := newTestMonitor(&now)
	in := healthy(0)
	in.Account.PositionSize = -2
	assert.Equal(t, LevelNormal, m.Evaluate(in).Level)
	in.Account.PositionSize = -3
	got := m.Evaluate(in)
	assert.Equal(t, LevelDanger, got.Level)
	assert.Equal(t, TriggerPositionSize, got.Trigger)
	assert.Equal(t, 3.0, got.Current)
}

func TestHourlyTradeCounterRollsOver(t *testing.T) {
	now := t0
	m := newTestMonitor(&now)
	for i := 0; i < 10; i++ {
		m.RecordTrade(market.TradeOutcome{PnL: 5, IsWinner: true, At: t0.Add(time.Duration(i) * time.Minute)})
	}
	in := healthy(50)
	in.At = t0.Add(30 * time.Minute)
	got := m.Evaluate(in)
	assert.Equal(t, LevelWarning, got.Level)
	assert.Equal(t, TriggerTradesPerHour, got.Trigger)
	assert.True(t, got.Level.AllowsTrading())

	in.At = t0.Add(61 * time.Minute)
	assert.Equal(t, LevelNormal, m.Evaluate(in).Level)
	assert.Equal(t, 0, m.State().TradesThisHour)
	assert.Equal(t, in.At, m.State().HourWindowStart)
}

func TestHourWindowFollowsEventTime(t *testing.T) {
	// 时钟在 2026，回放的是 2025 的成交
	now := t0
	m := newTestMonitor(&now)
	past := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		m.RecordTrade(market.TradeOutcome{PnL: 5, IsWinner: true, At: past})
	}
	assert.Equal(t, past, m.State().HourWindowStart)

	in := healthy(50)
	in.At = past.Add(6 * time.Hour)
	got := m.Evaluate(in)
	assert.Equal(t, LevelNormal, got.Level)
	assert.Equal(t, 0, m.State().TradesThisHour)
}

func TestHourWindowRestartsWhenEventClockJumpsBack(t *testing.T) {
	now := t0
	m := newTestMonitor(&now)
	for i := 0; i < 10; i++ {
		m.RecordTrade(market.TradeOutcome{PnL: 5, IsWinner: true, At: t0})
	}
	earlier := t0.Add(-48 * time.Hour)
	m.RecordTrade(market.TradeOutcome{PnL: 5, IsWinner: true, At: earlier})
	st := m.State()
	assert.Equal(t, 1, st.TradesThisHour)
	assert.Equal(t, earlier, st.HourWindowStart)

	// 小幅乱序不开新窗口
	m.RecordTrade(market.TradeOutcome{PnL: 5, IsWinner: true, At: earlier.Add(-time.Minute)})
	assert.Equal(t, 2, m.State().TradesThisHour)
}

func TestAbnormalSpread(t *testing.T) {
	now := t0
	m := newTestMonitor(&now)
	in := healthy(0)
	in.Market = &market.Snapshot{Close: 100.5, Bid: 100, Ask: 101, Volume: 100}
	assert.Equal(t, LevelNormal, m.Evaluate(in).Level)

	in.Market = &market.Snapshot{Close: 100.5, Bid: 100, Ask: 101.25, Volume: 100}
	got := m.Evaluate(in)
	assert.Equal(t, LevelWarning, got.Level)
	assert.Equal(t, TriggerAbnormalSpread, got.Trigger)
	assert.InDelta(t, 5, got.Current, 1e-9)
}

func TestAbnormalVolumeNeedsHistory(t *testing.T) {
	now := t0
	m := newTestMonitor(&now)
	snap := func(vol float64) Input {
		in := healthy(0)
		in.Market = &market.Snapshot{Close: 100, Bid: 100, Ask: 100.25, Volume: vol}
		return in
	}
	for i := 0; i < 4; i++ {
		m.Evaluate(snap(100))
	}
	// 样本不足时不判断放量
	assert.Equal(t, LevelNormal, m.Evaluate(snap(5000)).Level)

	m = newTestMonitor(&now)
	for i := 0; i < 5; i++ {
		m.Evaluate(snap(100))
	}
	assert.Equal(t, LevelNormal, m.Evaluate(snap(999)).Level)
	got := m.Evaluate(snap(5000))
	assert.Equal(t, LevelDanger, got.Level)
	assert.Equal(t, TriggerAbnormalVolume, got.Trigger)
}

func TestMostSevereWinsAndTiesKeepCheckOrder(t *testing.T) {
	now := t0
	m := newTestMonitor(&now)
	in := Input{Account: market.AccountState{Balance: 10, DailyPnL: -900, PositionSize: 5}}
	in.Market = &market.Snapshot{Bid: 100, Ask: 110, Volume: 1}
	got := m.Evaluate(in)
	assert.Equal(t, LevelEmergency, got.Level)
	assert.Equal(t, TriggerDailyLoss, got.Trigger)
}

func TestPanicFailsClosed(t *testing.T) {
	now := t0
	m := newTestMonitor(&now)
	m.checks = func(*Monitor, Input, time.Time) ([]Alert, error) {
		panic("nil map write")
	}
	got := m.Evaluate(healthy(0))
	assert.Equal(t, LevelEmergency, got.Level)
	assert.Equal(t, TriggerInternalError, got.Trigger)
	assert.Contains(t, got.Message, "nil map write")
	assert.True(t, m.EmergencyStopped())
}

func TestCheckErrorFailsClosed(t *testing.T) {
	now := t0
	m := newTestMonitor(&now)
	m.checks = func(*Monitor, Input, time.Time) ([]Alert, error) {
		return nil, errors.New("account feed stale")
	}
	got := m.Evaluate(healthy(0))
	assert.Equal(t, LevelEmergency, got.Level)
	assert.Equal(t, TriggerInternalError, got.Trigger)
}

func TestNonFiniteAccountFailsClosed(t *testing.T) {
	now := t0
	m := newTestMonitor(&now)
	got := m.Evaluate(Input{Account: market.AccountState{Balance: math.NaN()}})
	assert.Equal(t, LevelEmergency, got.Level)
	assert.Equal(t, TriggerInternalError, got.Trigger)
}

func TestHistoryAndDailyAlertCount(t *testing.T) {
	now := t0
	var received []Alert
	m := newTestMonitor(&now, WithSink(func(a Alert) { received = append(received, a) }), WithMaxHistory(3))

	yesterday := healthy(0)
	yesterday.Account.PositionSize = 9
	yesterday.At = t0.Add(-24 * time.Hour)
	m.Evaluate(yesterday)

	normal := healthy(0)
	normal.At = t0
	m.Evaluate(normal)

	danger := healthy(0)
	danger.Account.PositionSize = 9
	danger.At = t0.Add(time.Minute)
	m.Evaluate(danger)

	assert.Equal(t, 1, m.DailyAlertCount(t0.Add(time.Hour)))
	assert.Len(t, received, 2)

	m.Evaluate(normal)
	hist := m.History(0)
	require.Len(t, hist, 3)
	assert.Equal(t, LevelNormal, hist[0].Level)
	assert.Len(t, m.History(1), 1)
	require.NotNil(t, m.State().LastAlert)
	assert.Equal(t, LevelNormal, m.State().LastAlert.Level)
}

func TestDailyAlertCountSurvivesHistoryTrim(t *testing.T) {
	now := t0
	m := newTestMonitor(&now, WithMaxHistory(50))

	danger := healthy(0)
	danger.Account.PositionSize = 9
	danger.At = t0
	m.Evaluate(danger)

	normal := healthy(0)
	for i := 1; i <= 200; i++ {
		normal.At = t0.Add(time.Duration(i) * time.Second)
		m.Evaluate(normal)
	}
	assert.Len(t, m.History(0), 50)
	assert.Equal(t, 1, m.DailyAlertCount(t0.Add(time.Hour)))

	// 次日清零
	assert.Equal(t, 0, m.DailyAlertCount(t0.Add(24*time.Hour)))
	danger.At = t0.Add(24 * time.Hour)
	m.Evaluate(danger)
	assert.Equal(t, 1, m.DailyAlertCount(t0.Add(25*time.Hour)))
}

func TestForceResetClearsLossStreak(t *testing.T) {
	now := t0
	m := newTestMonitor(&now)
	for i := 0; i < 5; i++ {
		m.RecordTrade(market.TradeOutcome{PnL: -50, At: now})
	}
	require.Equal(t, LevelDanger, m.Evaluate(healthy(-250)).Level)

	// 会话切换不清连续亏损
	m.ResetSession()
	assert.Equal(t, 5, m.State().ConsecutiveLosses)

	m.ForceReset("risk desk cleared streak")
	assert.Equal(t, 0, m.State().ConsecutiveLosses)
	assert.Equal(t, LevelNormal, m.Evaluate(healthy(-250)).Level)
}

func TestSinkPanicDoesNotEscape(t *testing.T) {
	now := t0
	m := newTestMonitor(&now, WithSink(func(Alert) { panic("telegram down") }))
	assert.NotPanics(t, func() { m.Evaluate(healthy(-800)) })
}

func TestLevelJSON(t *testing.T) {
	raw, err := json.Marshal(Alert{Level: LevelDanger, Trigger: TriggerPositionSize})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"level":"DANGER"`)

	var back Alert
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, LevelDanger, back.Level)

	_, err = ParseLevel("panic")
	assert.Error(t, err)
}
