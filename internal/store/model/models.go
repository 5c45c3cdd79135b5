package model

import (
	"time"

	"gorm.io/datatypes"
)

// DecisionModel 映射 decision_audit 表，一行对应一次决策周期。
// 常用筛选列单独落盘，完整记录保存在 record_json。
type DecisionModel struct {
	ID                 int64          `gorm:"column:id;primaryKey"`
	DecisionID         string         `gorm:"column:decision_id;uniqueIndex"`
	Symbol             string         `gorm:"column:symbol;index:idx_decision_symbol_ts,priority:1"`
	Direction          string         `gorm:"column:direction"`
	Approved           bool           `gorm:"column:approved"`
	Stage              string         `gorm:"column:stage;index"`
	RejectionReason    string         `gorm:"column:rejection_reason"`
	Score              float64        `gorm:"column:score"`
	Threshold          float64        `gorm:"column:threshold"`
	SignalConfidence   float64        `gorm:"column:signal_confidence"`
	EnsembleConfidence *float64       `gorm:"column:ensemble_confidence"`
	AlertLevel         string         `gorm:"column:alert_level"`
	AlertTrigger       string         `gorm:"column:alert_trigger"`
	PositionMultiplier float64        `gorm:"column:position_multiplier"`
	LatencyMicros      int64          `gorm:"column:latency_us"`
	RecordJSON         datatypes.JSON `gorm:"column:record_json;type:TEXT"`
	TimestampUnix      int64          `gorm:"column:ts;index:idx_decision_symbol_ts,priority:2"`
	CreatedAtUnix      int64          `gorm:"column:created_at"`

	CreatedAt time.Time `gorm:"-"`
}

func (DecisionModel) TableName() string { return "decision_audit" }

// TradeOutcomeModel 映射 trade_outcomes 表，记录执行方回报的成交结果。
type TradeOutcomeModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	Symbol        string         `gorm:"column:symbol;index"`
	PnL           float64        `gorm:"column:pnl"`
	IsWinner      bool           `gorm:"column:is_winner"`
	Details       datatypes.JSON `gorm:"column:details;type:TEXT"`
	TimestampUnix int64          `gorm:"column:ts;index"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
}

func (TradeOutcomeModel) TableName() string { return "trade_outcomes" }
