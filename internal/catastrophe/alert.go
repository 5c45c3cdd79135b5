package catastrophe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Level 按严重程度递增。
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelDanger
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelWarning:
		return "WARNING"
	case LevelDanger:
		return "DANGER"
	case LevelEmergency:
		return "EMERGENCY"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel 大小写不敏感。
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NORMAL":
		return LevelNormal, nil
	case "WARNING":
		return LevelWarning, nil
	case "DANGER":
		return LevelDanger, nil
	case "EMERGENCY":
		return LevelEmergency, nil
	default:
		return LevelNormal, fmt.Errorf("unknown alert level %q", s)
	}
}

// AllowsTrading 只有 NORMAL 与 WARNING 允许信号继续执行。
func (l Level) AllowsTrading() bool {
	return l <= LevelWarning
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// 触发器 ID
const (
	TriggerNone              = "none"
	TriggerDailyLoss         = "daily_loss_limit_exceeded"
	TriggerBalanceFloor      = "account_balance_below_minimum"
	TriggerConsecutiveLosses = "consecutive_losses"
	TriggerPositionSize      = "position_size_exceeded"
	TriggerTradesPerHour     = "trades_per_hour_exceeded"
	TriggerAbnormalSpread    = "abnormal_spread"
	TriggerAbnormalVolume    = "abnormal_volume"
	TriggerEmergencyStop     = "emergency_stop_active"
	TriggerInternalError     = "monitor_internal_error"
)

// 必须执行的动作
const (
	ActionContinue       = "continue"
	ActionStopAll        = "stop all trading immediately"
	ActionForceReset     = "stop all trading immediately; explicit force reset required"
	ActionPause          = "pause trading"
	ActionReducePosition = "reduce position immediately"
	ActionSlowDown       = "slow down"
	ActionAvoid          = "avoid trading"
)

// Alert 是一次评估中最严重的触发条件。
type Alert struct {
	Level     Level     `json:"level"`
	Trigger   string    `json:"trigger"`
	Current   float64   `json:"current"`
	Threshold float64   `json:"threshold"`
	Action    string    `json:"action"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

func normalAlert(at time.Time) Alert {
	return Alert{Level: LevelNormal, Trigger: TriggerNone, Action: ActionContinue, Message: "all checks passed", At: at}
}

// mostSevere 取最高级别；同级时保留先出现的（检查顺序即优先级）。
func mostSevere(at time.Time, alerts []Alert) Alert {
	best := normalAlert(at)
	for _, a := range alerts {
		if a.Level > best.Level {
			best = a
		}
	}
	return best
}
