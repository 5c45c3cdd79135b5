package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"confluence/internal/decision"
	"confluence/internal/logger"
	"confluence/internal/market"
	"confluence/internal/store"
	"confluence/internal/store/model"

	"gorm.io/datatypes"
)

const auditWriteTimeout = 3 * time.Second

// AuditLog 把每条决策记录落库，实现 decision.Observer。
// 写库失败只记日志，不影响决策结果。
type AuditLog struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
}

var _ decision.Observer = (*AuditLog)(nil)

func NewAuditLog(s store.Store) *AuditLog {
	return &AuditLog{store: s, log: logger.Component("audit"), now: time.Now}
}

func (a *AuditLog) AfterDecision(ctx context.Context, rec decision.Record) {
	if a == nil || a.store == nil {
		return
	}
	row, err := EncodeDecision(rec, a.now())
	if err != nil {
		a.log.Error("encode decision failed", "id", rec.ID, "error", err)
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()
	if err := a.store.Decisions().SaveDecision(wctx, row); err != nil {
		a.log.Error("persist decision failed", "id", rec.ID, "error", err)
	}
}

// RecordTrade 保存一次成交回报。
func (a *AuditLog) RecordTrade(ctx context.Context, symbol string, outcome market.TradeOutcome) error {
	details, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	at := outcome.At
	if at.IsZero() {
		at = a.now()
	}
	return a.store.Trades().SaveTrade(ctx, &model.TradeOutcomeModel{
		Symbol:        strings.ToUpper(strings.TrimSpace(symbol)),
		PnL:           outcome.PnL,
		IsWinner:      outcome.IsWinner,
		Details:       datatypes.JSON(details),
		TimestampUnix: at.UnixMilli(),
		CreatedAtUnix: a.now().UnixMilli(),
	})
}

// Recent 按时间倒序返回已解码的决策记录。
func (a *AuditLog) Recent(ctx context.Context, q store.DecisionQuery) ([]decision.Record, error) {
	rows, err := a.store.Decisions().ListDecisions(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]decision.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := DecodeDecision(row)
		if err != nil {
			a.log.Warn("skip undecodable decision row", "id", row.DecisionID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Find 返回指定 ID 的记录，不存在时 ok=false。
func (a *AuditLog) Find(ctx context.Context, id string) (decision.Record, bool, error) {
	row, err := a.store.Decisions().FindDecision(ctx, id)
	if err != nil || row == nil {
		return decision.Record{}, false, err
	}
	rec, err := DecodeDecision(*row)
	if err != nil {
		return decision.Record{}, false, err
	}
	return rec, true, nil
}

func (a *AuditLog) Count(ctx context.Context, q store.DecisionQuery) (int64, error) {
	return a.store.Decisions().CountDecisions(ctx, q)
}

func EncodeDecision(rec decision.Record, now time.Time) (*model.DecisionModel, error) {
	if strings.TrimSpace(rec.ID) == "" {
		return nil, fmt.Errorf("decision record without id")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	row := &model.DecisionModel{
		DecisionID:         rec.ID,
		Symbol:             rec.Symbol,
		Direction:          string(rec.Direction),
		Approved:           rec.Approved,
		Stage:              string(rec.Stage),
		RejectionReason:    rec.RejectionReason,
		Score:              rec.Score.Value,
		Threshold:          rec.Thresholds.For(rec.Direction),
		SignalConfidence:   rec.SignalConfidence,
		AlertLevel:         rec.Alert.Level.String(),
		AlertTrigger:       rec.Alert.Trigger,
		PositionMultiplier: rec.PositionMultiplier,
		LatencyMicros:      rec.Latency.Microseconds(),
		RecordJSON:         datatypes.JSON(raw),
		TimestampUnix:      rec.At.UnixMilli(),
		CreatedAtUnix:      now.UnixMilli(),
	}
	if rec.Ensemble != nil {
		conf := rec.Ensemble.Confidence
		row.EnsembleConfidence = &conf
	}
	return row, nil
}

func DecodeDecision(row model.DecisionModel) (decision.Record, error) {
	var rec decision.Record
	if len(row.RecordJSON) == 0 {
		return rec, fmt.Errorf("decision %s has empty record", row.DecisionID)
	}
	if err := json.Unmarshal(row.RecordJSON, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}
