package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"confluence/internal/catastrophe"
	"confluence/internal/decision"
	"confluence/internal/ensemble"
	"confluence/internal/market"
	"confluence/internal/scoring"
	"confluence/internal/store"
	"confluence/internal/threshold"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *SqliteStore {
	t.Helper()
	s, err := NewSqliteStore(filepath.Join(t.TempDir(), "nested", "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRecord(id, symbol string, approved bool, at time.Time) decision.Record {
	rec := decision.Record{
		ID:               id,
		Symbol:           symbol,
		Direction:        threshold.Long,
		At:               at,
		Approved:         approved,
		Stage:            decision.StageApproved,
		SignalConfidence: 0.8,
		Score:            scoring.Score{Value: 0.42},
		Thresholds:       threshold.Thresholds{Base: 0.25, Long: 0.25, Short: -0.25},
		Alert:            catastrophe.Alert{Level: catastrophe.LevelNormal, Trigger: catastrophe.TriggerNone, At: at},
		Ensemble:         &ensemble.Prediction{Confidence: 0.81, Approved: true},
		Latency:          1500 * time.Microsecond,
	}
	if !approved {
		rec.Stage = decision.StageThreshold
		rec.RejectionReason = "score below threshold"
		rec.Ensemble = nil
	}
	return rec
}

func TestAuditLogPersistsAndDecodes(t *testing.T) {
	s := openStore(t)
	audit := NewAuditLog(s)
	ctx := context.Background()
	base := time.Date(2026, 10, 20, 16, 30, 0, 0, time.UTC)

	audit.AfterDecision(ctx, sampleRecord("a", "ES", true, base))
	audit.AfterDecision(ctx, sampleRecord("b", "ES", false, base.Add(time.Minute)))
	audit.AfterDecision(ctx, sampleRecord("c", "NQ", true, base.Add(2*time.Minute)))
	// 同一 ID 重复写入被忽略
	audit.AfterDecision(ctx, sampleRecord("a", "ES", true, base))

	all, err := audit.Recent(ctx, store.DecisionQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "a", all[2].ID)

	approved := true
	es, err := audit.Recent(ctx, store.DecisionQuery{Symbol: "es", Approved: &approved})
	require.NoError(t, err)
	require.Len(t, es, 1)
	assert.Equal(t, 0.42, es[0].Score.Value)
	require.NotNil(t, es[0].Ensemble)
	assert.Equal(t, 0.81, es[0].Ensemble.Confidence)
	assert.Equal(t, catastrophe.LevelNormal, es[0].Alert.Level)

	n, err := audit.Count(ctx, store.DecisionQuery{Stage: string(decision.StageThreshold)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec, ok, err := audit.Find(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "score below threshold", rec.RejectionReason)

	_, ok, err = audit.Find(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEncodeDecisionColumns(t *testing.T) {
	at := time.Date(2026, 10, 20, 16, 30, 0, 0, time.UTC)
	row, err := EncodeDecision(sampleRecord("x", "ES", true, at), at)
	require.NoError(t, err)
	assert.Equal(t, "NORMAL", row.AlertLevel)
	assert.Equal(t, int64(1500), row.LatencyMicros)
	require.NotNil(t, row.EnsembleConfidence)
	assert.Equal(t, 0.25, row.Threshold)

	_, err = EncodeDecision(decision.Record{}, at)
	assert.Error(t, err)
}

func TestRecordTrade(t *testing.T) {
	s := openStore(t)
	audit := NewAuditLog(s)
	ctx := context.Background()
	at := time.Date(2026, 10, 20, 17, 0, 0, 0, time.UTC)
	require.NoError(t, audit.RecordTrade(ctx, "es", market.TradeOutcome{PnL: -50, At: at}))
	require.NoError(t, audit.RecordTrade(ctx, "NQ", market.TradeOutcome{PnL: 80, IsWinner: true, At: at.Add(time.Minute)}))

	trades, err := s.Trades().ListTrades(ctx, "ES", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, -50.0, trades[0].PnL)
	assert.False(t, trades[0].IsWinner)

	all, err := s.Trades().ListTrades(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
