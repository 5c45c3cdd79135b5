package regime

import (
	"time"
	_ "time/tzdata"
)

// SessionPhase 交易时段。
type SessionPhase string

const (
	SessionPreMarket  SessionPhase = "pre_market"
	SessionOpening    SessionPhase = "opening"
	SessionMidday     SessionPhase = "midday"
	SessionPowerHour  SessionPhase = "power_hour"
	SessionAfterHours SessionPhase = "after_hours"
	SessionOvernight  SessionPhase = "overnight"
	SessionWeekend    SessionPhase = "weekend"
)

// SessionAnalysis 是时段分类结果。
type SessionAnalysis struct {
	Phase      SessionPhase `json:"phase"`
	Hour       int          `json:"hour"`
	Multiplier float64      `json:"multiplier"`
	HotZone    bool         `json:"hot_zone"`
}

var sessionMultipliers = map[SessionPhase]float64{
	SessionPreMarket:  0.8,
	SessionOpening:    1.2,
	SessionMidday:     1.0,
	SessionPowerHour:  1.2,
	SessionAfterHours: 0.8,
	SessionOvernight:  0.5,
	SessionWeekend:    0,
}

// SessionPhaseForHour 按参考时区的小时查表，不处理周末。
func SessionPhaseForHour(hour int) SessionPhase {
	switch {
	case hour >= 4 && hour <= 9:
		return SessionPreMarket
	case hour >= 10 && hour <= 11:
		return SessionOpening
	case hour >= 12 && hour <= 14:
		return SessionMidday
	case hour >= 15 && hour <= 16:
		return SessionPowerHour
	case hour >= 17 && hour <= 20:
		return SessionAfterHours
	default:
		return SessionOvernight
	}
}

// ClassifySession 把时间换算到 loc 后分类；周六周日乘数为 0。
func ClassifySession(t time.Time, loc *time.Location) SessionAnalysis {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	phase := SessionPhaseForHour(local.Hour())
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		phase = SessionWeekend
	}
	mult := sessionMultipliers[phase]
	return SessionAnalysis{
		Phase:      phase,
		Hour:       local.Hour(),
		Multiplier: mult,
		HotZone:    mult > 1,
	}
}

// Closed 表示该时段不允许交易。
func (s SessionAnalysis) Closed() bool {
	return s.Multiplier <= 0
}
