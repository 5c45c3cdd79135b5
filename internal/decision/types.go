package decision

import (
	"fmt"
	"strings"
	"time"

	"confluence/internal/catastrophe"
	"confluence/internal/ensemble"
	"confluence/internal/market"
	"confluence/internal/regime"
	"confluence/internal/scoring"
	"confluence/internal/threshold"
)

// Input 是一个周期内编排器需要的全部材料。
type Input struct {
	Symbol           string              `json:"symbol"`
	Direction        threshold.Direction `json:"direction"`
	SignalConfidence float64             `json:"signal_confidence"`
	Features         map[string]float64  `json:"features"`
	// FeatureErrors 由上游特征计算方报告的失败项，值为错误描述
	FeatureErrors map[string]string   `json:"feature_errors,omitempty"`
	Market        market.Snapshot     `json:"market"`
	Bars          []market.Candle     `json:"bars,omitempty"`
	Account       market.AccountState `json:"account"`
	At            time.Time           `json:"at"`
}

// ParseDirection 大小写不敏感，空串按多头处理。
func ParseDirection(s string) (threshold.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "long", "buy":
		return threshold.Long, nil
	case "short", "sell":
		return threshold.Short, nil
	default:
		return "", fmt.Errorf("invalid direction %q", s)
	}
}

// Stage 标记记录终止（或通过）的位置。
type Stage string

const (
	StageInput       Stage = "input"
	StageSession     Stage = "session"
	StageThreshold   Stage = "threshold"
	StageSignal      Stage = "signal_confidence"
	StageEnsemble    Stage = "ensemble"
	StageCatastrophe Stage = "catastrophe"
	StageApproved    Stage = "approved"
)

// Record 是一次决策的完整审计记录，拒绝时同样包含全部中间值。
type Record struct {
	ID                 string               `json:"id"`
	Symbol             string               `json:"symbol"`
	Direction          threshold.Direction  `json:"direction"`
	At                 time.Time            `json:"at"`
	Approved           bool                 `json:"approved"`
	Stage              Stage                `json:"stage"`
	RejectionReason    string               `json:"rejection_reason,omitempty"`
	SignalConfidence   float64              `json:"signal_confidence"`
	Regime             regime.Snapshot      `json:"regime"`
	Score              scoring.Score        `json:"score"`
	Thresholds         threshold.Thresholds `json:"thresholds"`
	Ensemble           *ensemble.Prediction `json:"ensemble,omitempty"`
	Alert              catastrophe.Alert    `json:"alert"`
	PositionMultiplier float64              `json:"position_multiplier"`
	DerivedFeatures    []string             `json:"derived_features,omitempty"`
	Warnings           []string             `json:"warnings,omitempty"`
	Latency            time.Duration        `json:"latency"`
}

// reject 只记录第一个拒绝原因。
func (r *Record) reject(stage Stage, format string, args ...any) {
	if r.Stage != "" {
		return
	}
	r.Stage = stage
	r.RejectionReason = fmt.Sprintf(format, args...)
}

func (r *Record) rejected() bool { return r.Stage != "" }

func (r *Record) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Summary 单行摘要，用于日志与通知。
func (r Record) Summary() string {
	verdict := "APPROVED"
	if !r.Approved {
		verdict = "REJECTED(" + string(r.Stage) + "): " + r.RejectionReason
	}
	return fmt.Sprintf("%s %s score=%.3f threshold=%.3f alert=%s %s",
		r.Symbol, r.Direction, r.Score.Value, r.Thresholds.For(r.Direction), r.Alert.Level, verdict)
}
