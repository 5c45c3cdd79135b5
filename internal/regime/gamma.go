package regime

import (
	"fmt"
	"time"
)

// GammaPhase 期权到期周期阶段，只随日历推进而变化。
type GammaPhase string

const (
	GammaEarlyCycle     GammaPhase = "early_cycle"
	GammaMidCycle       GammaPhase = "mid_cycle"
	GammaExpirationWeek GammaPhase = "expiration_week"
	GammaExpirationDay  GammaPhase = "expiration_day"
)

type VolatilityExpectation string

const (
	ExpectHigh     VolatilityExpectation = "HIGH"
	ExpectModerate VolatilityExpectation = "MODERATE"
	ExpectLow      VolatilityExpectation = "LOW"
)

const (
	expirationWeekMaxDays    = 4
	DefaultEarlyCycleMinDays = 11
	expiryHour               = 16
)

type gammaProfile struct {
	factor      float64
	expectation VolatilityExpectation
	position    float64
	reason      string
}

var gammaProfiles = map[GammaPhase]gammaProfile{
	GammaExpirationDay:  {0.7, ExpectHigh, 0.8, "expiration day, pinning and high volatility"},
	GammaExpirationWeek: {1.3, ExpectModerate, 1.2, "gamma peak ahead of expiry, momentum favourable"},
	GammaMidCycle:       {1.1, ExpectModerate, 1.0, "moderate gamma, stable conditions"},
	GammaEarlyCycle:     {1.0, ExpectLow, 1.0, "early cycle, standard trading"},
}

// GammaAnalysis 是 gamma 周期分类结果。
type GammaAnalysis struct {
	Phase               GammaPhase            `json:"phase"`
	DaysToExpiry        int                   `json:"days_to_expiry"`
	DaysSinceLastExpiry int                   `json:"days_since_last_expiry"`
	NextExpiry          time.Time             `json:"next_expiry"`
	Factor              float64               `json:"factor"`
	Expectation         VolatilityExpectation `json:"volatility_expectation"`
	PositionMultiplier  float64               `json:"position_multiplier"`
	Reasoning           string                `json:"reasoning"`
}

// GammaPhaseForDays 是天数到阶段的单调映射：
// 0 → expiration_day，1..4 → expiration_week，5..earlyMin-1 → mid_cycle，其余 early_cycle。
func GammaPhaseForDays(days, earlyMin int) GammaPhase {
	if earlyMin <= expirationWeekMaxDays+1 {
		earlyMin = DefaultEarlyCycleMinDays
	}
	switch {
	case days <= 0:
		return GammaExpirationDay
	case days <= expirationWeekMaxDays:
		return GammaExpirationWeek
	case days < earlyMin:
		return GammaMidCycle
	default:
		return GammaEarlyCycle
	}
}

// MonthlyExpiry 返回某月第三个周五 16:00（loc 时区）；
// 若第三个周五越出当月则取第二个。
func MonthlyExpiry(year int, month time.Month, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	first := time.Date(year, month, 1, expiryHour, 0, 0, 0, loc)
	offset := (int(time.Friday) - int(first.Weekday()) + 7) % 7
	firstFriday := first.AddDate(0, 0, offset)
	third := firstFriday.AddDate(0, 0, 14)
	if third.Month() != month {
		third = firstFriday.AddDate(0, 0, 7)
	}
	return third
}

// NextMonthlyExpiry 返回 t 当时或之后的第一个月度到期时间。
func NextMonthlyExpiry(t time.Time, loc *time.Location) time.Time {
	local := t.In(orUTC(loc))
	exp := MonthlyExpiry(local.Year(), local.Month(), loc)
	if !local.After(exp) {
		return exp
	}
	next := time.Date(local.Year(), local.Month()+1, 1, 0, 0, 0, 0, orUTC(loc))
	return MonthlyExpiry(next.Year(), next.Month(), loc)
}

// LastMonthlyExpiry 返回 t 之前最近一次月度到期时间。
func LastMonthlyExpiry(t time.Time, loc *time.Location) time.Time {
	local := t.In(orUTC(loc))
	exp := MonthlyExpiry(local.Year(), local.Month(), loc)
	if local.After(exp) {
		return exp
	}
	prev := time.Date(local.Year(), local.Month()-1, 1, 0, 0, 0, 0, orUTC(loc))
	return MonthlyExpiry(prev.Year(), prev.Month(), loc)
}

// AnalyzeGamma 计算到期天数（向下取整）并分类。
func AnalyzeGamma(t time.Time, loc *time.Location, earlyMin int) GammaAnalysis {
	next := NextMonthlyExpiry(t, loc)
	last := LastMonthlyExpiry(t, loc)
	days := wholeDays(next.Sub(t))
	since := wholeDays(t.Sub(last))
	phase := GammaPhaseForDays(days, earlyMin)
	p := gammaProfiles[phase]
	return GammaAnalysis{
		Phase:               phase,
		DaysToExpiry:        days,
		DaysSinceLastExpiry: since,
		NextExpiry:          next,
		Factor:              p.factor,
		Expectation:         p.expectation,
		PositionMultiplier:  p.position,
		Reasoning:           fmt.Sprintf("%s (%dd), factor=%.2f", p.reason, days, p.factor),
	}
}

func wholeDays(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

func orUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
