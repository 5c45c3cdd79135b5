package livehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"confluence/internal/catastrophe"
	"confluence/internal/decision"
	"confluence/internal/ensemble"
	"confluence/internal/market"
	"confluence/internal/store"
	"confluence/internal/store/alertlog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	inputs  []decision.Input
	trades  []market.TradeOutcome
	bars    int
	resets  []string
	barsErr error
}

func (f *fakeService) Evaluate(_ context.Context, in decision.Input) decision.Record {
	f.inputs = append(f.inputs, in)
	return decision.Record{ID: "rec-1", Symbol: in.Symbol, Approved: true, Stage: decision.StageApproved}
}

func (f *fakeService) RecordTrade(_ context.Context, _ string, o market.TradeOutcome) error {
	f.trades = append(f.trades, o)
	return nil
}

func (f *fakeService) IngestBars(_ string, bars []market.Candle) error {
	f.bars += len(bars)
	return f.barsErr
}

func (f *fakeService) ForceReset(_ context.Context, reason, _ string) error {
	f.resets = append(f.resets, reason)
	return nil
}

type fakeAudit struct{ recs []decision.Record }

func (f *fakeAudit) Recent(_ context.Context, q store.DecisionQuery) ([]decision.Record, error) {
	var out []decision.Record
	for _, r := range f.recs {
		if q.Approved == nil || r.Approved == *q.Approved {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeAudit) Find(_ context.Context, id string) (decision.Record, bool, error) {
	for _, r := range f.recs {
		if r.ID == id {
			return r, true, nil
		}
	}
	return decision.Record{}, false, nil
}

func (f *fakeAudit) Count(context.Context, store.DecisionQuery) (int64, error) {
	return int64(len(f.recs)), nil
}

type fakeAlerts struct{ q alertlog.Query }

func (f *fakeAlerts) List(_ context.Context, q alertlog.Query) ([]alertlog.Entry, error) {
	f.q = q
	return []alertlog.Entry{{ID: 7, Alert: catastrophe.Alert{Level: catastrophe.LevelDanger}}}, nil
}

func (f *fakeAlerts) Resets(context.Context, int) ([]alertlog.ResetEntry, error) {
	return []alertlog.ResetEntry{{ID: 1, Reason: "ok"}}, nil
}

type fakeEnsemble struct{}

func (fakeEnsemble) Stats() ensemble.Stats          { return ensemble.Stats{Predictions: 3} }
func (fakeEnsemble) ModelStates() map[string]string { return map[string]string{"lr": "closed"} }

func newTestServer(t *testing.T) (*Server, *fakeService, *catastrophe.Monitor, *fakeAlerts) {
	t.Helper()
	svc := &fakeService{}
	mon := catastrophe.NewMonitor(catastrophe.Limits{MaxPositionSize: 2, MaxConsecutiveLosses: 5, MaxTradesPerHour: 10, MaxSpreadTicks: 4, TickSize: 0.25, VolumeSpikeMultiple: 10, VolumeWindow: 20})
	alerts := &fakeAlerts{}
	srv, err := NewServer(ServerConfig{
		Decisions: svc,
		Audit: &fakeAudit{recs: []decision.Record{
			{ID: "a", Approved: true},
			{ID: "b", Approved: false},
		}},
		Monitor:  mon,
		Alerts:   alerts,
		Ensemble: fakeEnsemble{},
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("m 1\n")) }),
	})
	require.NoError(t, err)
	return srv, svc, mon, alerts
}

func do(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	out := map[string]any{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestEvaluateEndpoint(t *testing.T) {
	srv, svc, _, _ := newTestServer(t)
	w, body := do(t, srv.Handler(), http.MethodPost, "/api/decisions/evaluate", map[string]any{
		"symbol": "ES", "direction": "long", "signal_confidence": 0.8,
		"features": map[string]float64{"tick_momentum": 0.7},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rec-1", body["id"])
	require.Len(t, svc.inputs, 1)
	assert.Equal(t, 0.7, svc.inputs[0].Features["tick_momentum"])

	w, _ = do(t, srv.Handler(), http.MethodPost, "/api/decisions/evaluate", "not-an-object")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecisionQueries(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	w, body := do(t, srv.Handler(), http.MethodGet, "/api/decisions?approved=false", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["decisions"], 1)
	assert.Equal(t, 2.0, body["total_count"])

	w, _ = do(t, srv.Handler(), http.MethodGet, "/api/decisions?approved=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = do(t, srv.Handler(), http.MethodGet, "/api/decisions/a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a", body["id"])

	w, _ = do(t, srv.Handler(), http.MethodGet, "/api/decisions/zzz", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTradeEndpoint(t *testing.T) {
	srv, svc, _, _ := newTestServer(t)
	w, _ := do(t, srv.Handler(), http.MethodPost, "/api/trades", map[string]any{"symbol": "ES", "pnl": -25.5})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, svc.trades, 1)
	assert.False(t, svc.trades[0].IsWinner)
	assert.False(t, svc.trades[0].At.IsZero())

	w, _ = do(t, srv.Handler(), http.MethodPost, "/api/trades", map[string]any{"symbol": "ES", "pnl": 0, "is_winner": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, svc.trades[1].IsWinner)

	w, _ = do(t, srv.Handler(), http.MethodPost, "/api/trades", map[string]any{"symbol": "ES"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBarsEndpoint(t *testing.T) {
	srv, svc, _, _ := newTestServer(t)
	w, body := do(t, srv.Handler(), http.MethodPost, "/api/bars", map[string]any{
		"symbol": "ES", "bars": []map[string]any{{"open_time": 1, "close": 10}, {"open_time": 2, "close": 11}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, body["accepted"])
	assert.Equal(t, 2, svc.bars)

	w, _ = do(t, srv.Handler(), http.MethodPost, "/api/bars", map[string]any{"symbol": "ES", "bars": []any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMonitorEndpoints(t *testing.T) {
	srv, svc, mon, alerts := newTestServer(t)
	now := time.Now()
	mon.Evaluate(catastrophe.Input{Account: market.AccountState{Balance: 10000, PositionSize: 5}, At: now})

	w, body := do(t, srv.Handler(), http.MethodGet, "/api/monitor", nil)
	require.Equal(t, http.StatusOK, w.Code)
	// DANGER 未锁定紧急停止，但同样禁止交易
	assert.Equal(t, false, body["trading_allowed"])
	assert.Equal(t, false, body["emergency_stop"])
	assert.Equal(t, 1.0, body["daily_alert_count"])

	mon.Evaluate(catastrophe.Input{Account: market.AccountState{Balance: 10000}, At: now})
	_, body = do(t, srv.Handler(), http.MethodGet, "/api/monitor", nil)
	assert.Equal(t, true, body["trading_allowed"])
	assert.Equal(t, 1.0, body["daily_alert_count"])

	w, body = do(t, srv.Handler(), http.MethodGet, "/api/monitor/alerts?min_level=danger", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "memory", body["source"])
	assert.Len(t, body["alerts"], 1)

	w, _ = do(t, srv.Handler(), http.MethodGet, "/api/monitor/alerts?min_level=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = do(t, srv.Handler(), http.MethodGet, "/api/monitor/alerts?source=db&min_level=WARNING&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "db", body["source"])
	assert.Equal(t, catastrophe.LevelWarning, alerts.q.MinLevel)
	assert.Equal(t, 5, alerts.q.Limit)

	w, _ = do(t, srv.Handler(), http.MethodPost, "/api/monitor/reset", map[string]any{"reason": " "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = do(t, srv.Handler(), http.MethodPost, "/api/monitor/reset", map[string]any{"reason": "cleared", "actor": "ops"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"cleared"}, svc.resets)

	w, body = do(t, srv.Handler(), http.MethodGet, "/api/monitor/resets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["resets"], 1)
}

func TestEnsembleHealthAndMetrics(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	w, body := do(t, srv.Handler(), http.MethodGet, "/api/ensemble", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, "closed", body["models"].(map[string]any)["lr"])

	w, _ = do(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "m 1\n", rec.Body.String())
}

func TestNewServerRequiresDecisions(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}
