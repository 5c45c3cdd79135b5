package alertlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"confluence/internal/catastrophe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *AlertLogStore {
	t.Helper()
	s, err := NewAlertLogStore(filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func alertAt(level catastrophe.Level, trigger string, at time.Time) catastrophe.Alert {
	return catastrophe.Alert{Level: level, Trigger: trigger, Current: 3, Threshold: 2, Action: "pause trading", Message: trigger, At: at}
}

func TestInsertAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	day := time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)

	_, err := s.Insert(ctx, alertAt(catastrophe.LevelWarning, catastrophe.TriggerAbnormalSpread, day))
	require.NoError(t, err)
	_, err = s.Insert(ctx, alertAt(catastrophe.LevelDanger, catastrophe.TriggerConsecutiveLosses, day.Add(time.Hour)))
	require.NoError(t, err)
	s.Sink()(alertAt(catastrophe.LevelEmergency, catastrophe.TriggerDailyLoss, day.Add(2*time.Hour)))

	all, err := s.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, catastrophe.LevelEmergency, all[0].Level)
	assert.Equal(t, catastrophe.TriggerDailyLoss, all[0].Trigger)
	assert.True(t, all[0].At.Equal(day.Add(2*time.Hour)))
	assert.Equal(t, 3.0, all[0].Current)

	severe, err := s.List(ctx, Query{MinLevel: catastrophe.LevelDanger})
	require.NoError(t, err)
	assert.Len(t, severe, 2)

	byTrigger, err := s.Count(ctx, Query{Trigger: catastrophe.TriggerAbnormalSpread})
	require.NoError(t, err)
	assert.Equal(t, 1, byTrigger)

	page, err := s.List(ctx, Query{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, catastrophe.LevelDanger, page[0].Level)
}

func TestDailyCountUsesLocalMidnight(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	day := time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)
	_, err := s.Insert(ctx, alertAt(catastrophe.LevelDanger, catastrophe.TriggerPositionSize, day.Add(-10*time.Hour)))
	require.NoError(t, err)
	_, err = s.Insert(ctx, alertAt(catastrophe.LevelWarning, catastrophe.TriggerTradesPerHour, day))
	require.NoError(t, err)
	_, err = s.Insert(ctx, alertAt(catastrophe.LevelNormal, catastrophe.TriggerNone, day))
	require.NoError(t, err)

	n, err := s.DailyCount(ctx, day.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResetsAndPrune(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	at := time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordReset(ctx, "  desk cleared limits ", "ops", at))
	require.NoError(t, s.RecordReset(ctx, "second", "", at.Add(time.Minute)))

	resets, err := s.Resets(ctx, 10)
	require.NoError(t, err)
	require.Len(t, resets, 2)
	assert.Equal(t, "second", resets[0].Reason)
	assert.Equal(t, "desk cleared limits", resets[1].Reason)
	assert.Equal(t, "ops", resets[1].Actor)

	_, err = s.Insert(ctx, alertAt(catastrophe.LevelWarning, catastrophe.TriggerAbnormalSpread, at.Add(-48*time.Hour)))
	require.NoError(t, err)
	_, err = s.Insert(ctx, alertAt(catastrophe.LevelWarning, catastrophe.TriggerAbnormalSpread, at))
	require.NoError(t, err)
	removed, err := s.Prune(ctx, at.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestClosedStoreErrors(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Close())
	_, err := s.Insert(context.Background(), alertAt(catastrophe.LevelWarning, "x", time.Now()))
	assert.Error(t, err)
	assert.NoError(t, s.Close())
}

func TestSchemaIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.db")
	first, err := NewAlertLogStore(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())
	second, err := NewAlertLogStore(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}
