package ensemble

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"confluence/internal/features"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockModel struct {
	mock.Mock
	name string
}

func (m *mockModel) Name() string { return m.name }

func (m *mockModel) Predict(ctx context.Context, feats map[string]float64) (Vote, error) {
	args := m.Called(ctx, feats)
	return args.Get(0).(Vote), args.Error(1)
}

func fixed(name string, p float64) Model {
	return FuncModel{ModelName: name, Fn: func(context.Context, map[string]float64) (Vote, error) {
		return Vote{Probability: p}, nil
	}}
}

func failing(name string, calls *int32) Model {
	return FuncModel{ModelName: name, Fn: func(context.Context, map[string]float64) (Vote, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return Vote{}, errors.New("model file missing")
	}}
}

func sampleVector() features.Vector {
	return features.Vector{}.Set(features.VolumeConfirmation, 0.8).Set(features.TickMomentum, 0.6)
}

func TestConfidenceBelowMinimumRejected(t *testing.T) {
	f := NewFilter([]WeightedModel{
		{Model: fixed("rf", 0.6), Weight: 0.5},
		{Model: fixed("xgb", 0.62), Weight: 0.3},
		{Model: fixed("lr", 0.58), Weight: 0.2},
	}, WithMinConfidence(0.70))
	got := f.Evaluate(context.Background(), sampleVector())
	assert.False(t, got.Degraded)
	assert.Less(t, got.Confidence, 0.70)
	assert.False(t, got.Approved)
	assert.Equal(t, []string{"rf", "xgb", "lr"}, got.ModelsUsed)
}

func TestConfidentConsensusApproved(t *testing.T) {
	f := NewFilter([]WeightedModel{
		{Model: fixed("rf", 0.9), Weight: 0.5},
		{Model: fixed("xgb", 0.85), Weight: 0.3},
		{Model: fixed("lr", 0.8), Weight: 0.2},
	}, WithMinConfidence(0.70))
	got := f.Evaluate(context.Background(), sampleVector())
	assert.Equal(t, 1.0, got.Agreement)
	// (0.45+0.255+0.16) × 1.1 = 0.9515 → 截断到 0.95
	assert.InDelta(t, 0.95, got.Confidence, 1e-9)
	assert.True(t, got.Approved)
	assert.InDelta(t, 0.865, got.Probability, 1e-9)
}

func TestFailedModelExcludedAndWeightsRenormalised(t *testing.T) {
	lr := &mockModel{name: "lr"}
	lr.On("Predict", mock.Anything, mock.Anything).Return(Vote{}, errors.New("onnx runtime crashed")).Once()
	f := NewFilter([]WeightedModel{
		{Model: fixed("rf", 0.8), Weight: 0.5},
		{Model: fixed("xgb", 0.8), Weight: 0.3},
		{Model: lr, Weight: 0.2},
	})
	got := f.Evaluate(context.Background(), sampleVector())
	lr.AssertExpectations(t)
	assert.Equal(t, []string{"rf", "xgb"}, got.ModelsUsed)
	assert.Equal(t, []string{"lr"}, got.Excluded)
	assert.InDelta(t, 0.8, got.Probability, 1e-9)
	assert.InDelta(t, 0.88, got.Confidence, 1e-9)
	assert.Equal(t, int64(1), f.Stats().ModelErrors)
}

func TestAllModelsUnavailableFailsOpen(t *testing.T) {
	f := NewFilter([]WeightedModel{
		{Model: failing("rf", nil), Weight: 0.5},
		{Model: FuncModel{ModelName: "xgb", Fn: func(context.Context, map[string]float64) (Vote, error) {
			panic("segfault in native lib")
		}}, Weight: 0.3},
		{Model: fixed("lr", 1.7), Weight: 0.2},
	}, WithMinConfidence(0.9))
	got := f.Evaluate(context.Background(), sampleVector())
	assert.True(t, got.Approved)
	assert.True(t, got.Degraded)
	assert.Equal(t, NeutralConfidence, got.Confidence)
	assert.Empty(t, got.ModelsUsed)
	assert.ElementsMatch(t, []string{"rf", "xgb", "lr"}, got.Excluded)
	assert.Equal(t, int64(1), f.Stats().Degraded)
}

func TestNoModelsConfiguredFailsOpen(t *testing.T) {
	got := NewFilter(nil).Evaluate(context.Background(), features.Vector{})
	assert.True(t, got.Approved)
	assert.True(t, got.Degraded)
}

func TestDisagreementPenalised(t *testing.T) {
	f := NewFilter([]WeightedModel{
		{Model: fixed("a", 0.9), Weight: 1},
		{Model: fixed("b", 0.1), Weight: 1},
		{Model: fixed("c", 0.9), Weight: 1},
	}, WithMinConfidence(0.5))
	got := f.Evaluate(context.Background(), sampleVector())
	assert.InDelta(t, 1.0/3.0, got.Agreement, 1e-9)
	assert.InDelta(t, 0.9*0.8, got.Confidence, 1e-9)
}

func TestCacheHitWithinBucket(t *testing.T) {
	var calls int32
	counting := FuncModel{ModelName: "rf", Fn: func(context.Context, map[string]float64) (Vote, error) {
		atomic.AddInt32(&calls, 1)
		return Vote{Probability: 0.9}, nil
	}}
	now := time.Date(2026, 10, 20, 12, 0, 5, 0, time.UTC)
	clock := func() time.Time { return now }
	cache := NewMemoryCache(time.Minute, 10).WithClock(clock)
	f := NewFilter([]WeightedModel{{Model: counting, Weight: 1}}, WithCache(cache, time.Minute), WithClock(clock))

	first := f.Evaluate(context.Background(), features.Vector{}.Set(features.MTFConfluence, 0.70001))
	second := f.Evaluate(context.Background(), features.Vector{}.Set(features.MTFConfluence, 0.70003))
	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	now = now.Add(2 * time.Minute)
	third := f.Evaluate(context.Background(), features.Vector{}.Set(features.MTFConfluence, 0.70001))
	assert.False(t, third.CacheHit)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(1), f.Stats().CacheHits)
}

func TestSetModelsInvalidatesCachedVerdicts(t *testing.T) {
	now := time.Date(2026, 10, 20, 12, 0, 5, 0, time.UTC)
	clock := func() time.Time { return now }
	cache := NewMemoryCache(time.Minute, 10).WithClock(clock)
	f := NewFilter([]WeightedModel{{Model: fixed("rf", 0.9), Weight: 1}}, WithCache(cache, time.Minute), WithClock(clock))

	first := f.Evaluate(context.Background(), sampleVector())
	require.False(t, first.CacheHit)
	require.True(t, f.Evaluate(context.Background(), sampleVector()).CacheHit)

	// 同名同权重的新模型，旧结果不能再命中
	f.SetModels([]WeightedModel{{Model: fixed("rf", 0.2), Weight: 1}})
	after := f.Evaluate(context.Background(), sampleVector())
	assert.False(t, after.CacheHit)
	assert.InDelta(t, 0.2, after.Probability, 1e-9)
	assert.True(t, f.Evaluate(context.Background(), sampleVector()).CacheHit)
}

func TestDegradedResultNotCached(t *testing.T) {
	var calls int32
	cache := NewMemoryCache(time.Minute, 10)
	f := NewFilter([]WeightedModel{{Model: failing("rf", &calls), Weight: 1}},
		WithCache(cache, time.Minute), WithBreaker(10, time.Minute))
	f.Evaluate(context.Background(), sampleVector())
	f.Evaluate(context.Background(), sampleVector())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, cache.Len())
}

func TestBreakerSkipsRepeatedlyFailingModel(t *testing.T) {
	var calls int32
	now := time.Date(2026, 10, 20, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	f := NewFilter([]WeightedModel{
		{Model: failing("flaky", &calls), Weight: 0.5},
		{Model: fixed("steady", 0.8), Weight: 0.5},
	}, WithBreaker(2, time.Minute), WithClock(clock))
	for i := 0; i < 5; i++ {
		got := f.Evaluate(context.Background(), sampleVector())
		assert.Equal(t, []string{"steady"}, got.ModelsUsed)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, "OPEN", f.ModelStates()["flaky"])
}

func TestHookReceivesPredictions(t *testing.T) {
	var seen []Prediction
	f := NewFilter([]WeightedModel{{Model: fixed("rf", 0.9), Weight: 1}},
		WithHook(func(p Prediction) { seen = append(seen, p) }))
	f.Evaluate(context.Background(), sampleVector())
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Approved)
}

func TestDisabledGate(t *testing.T) {
	var g Gate = Disabled{}
	got := g.Evaluate(context.Background(), sampleVector())
	assert.True(t, got.Approved)
	assert.True(t, got.Disabled)
	assert.False(t, got.Degraded)
	assert.Equal(t, "disabled", g.Name())
}

func TestModelUnavailableErrorIs(t *testing.T) {
	cause := errors.New("timeout")
	err := error(&ModelUnavailableError{Model: "remote", Err: cause})
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.ErrorIs(t, err, cause)
}
