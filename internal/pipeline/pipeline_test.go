package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"confluence/internal/features"
	"confluence/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMiddleware struct {
	meta MiddlewareMeta
	fn   func(*AnalysisContext) error
}

func (s stubMiddleware) Meta() MiddlewareMeta { return s.meta }

func (s stubMiddleware) Handle(_ context.Context, ac *AnalysisContext) error { return s.fn(ac) }

func TestStagesRunInOrder(t *testing.T) {
	var order []string
	first := stubMiddleware{meta: MiddlewareMeta{Name: "a", Stage: 0, Outputs: []string{"x"}}, fn: func(ac *AnalysisContext) error {
		order = append(order, "a")
		ac.SetValue("x", 0.4)
		return nil
	}}
	second := stubMiddleware{meta: MiddlewareMeta{Name: "b", Stage: 1}, fn: func(ac *AnalysisContext) error {
		order = append(order, "b")
		assert.Equal(t, 0.4, ac.Readings()["x"].Value)
		return nil
	}}
	p := New("test", second, first)
	require.NoError(t, p.Run(context.Background(), NewContext("es")))
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, []string{"x"}, p.Outputs())
}

func TestNonCriticalFailureMarksOutputs(t *testing.T) {
	boom := stubMiddleware{meta: MiddlewareMeta{Name: "vol", Outputs: []string{features.VolumeConfirmation}}, fn: func(*AnalysisContext) error {
		return errors.New("feed gap")
	}}
	ok := stubMiddleware{meta: MiddlewareMeta{Name: "mom", Outputs: []string{features.TickMomentum}}, fn: func(ac *AnalysisContext) error {
		ac.SetValue(features.TickMomentum, 0.7)
		return nil
	}}
	ac := NewContext("es")
	require.NoError(t, New("test", boom, ok).Run(context.Background(), ac))
	r := ac.Readings()
	assert.Error(t, r[features.VolumeConfirmation].Err)
	assert.True(t, r[features.TickMomentum].Present)
	require.Len(t, ac.Warnings(), 1)
	assert.Contains(t, ac.Warnings()[0], "feed gap")
}

func TestPanicBecomesFeatureError(t *testing.T) {
	p := New("test", stubMiddleware{meta: MiddlewareMeta{Name: "bad", Outputs: []string{features.MTFConfluence}}, fn: func(*AnalysisContext) error {
		panic("index out of range")
	}})
	v, err := p.Derive(context.Background(), "ES", nil)
	require.NoError(t, err)
	assert.Equal(t, features.StatusError, v.Resolve(features.MTFConfluence).Status)
}

func TestCriticalFailureStopsPipeline(t *testing.T) {
	reached := false
	crit := stubMiddleware{meta: MiddlewareMeta{Name: "crit", Critical: true}, fn: func(*AnalysisContext) error {
		return errors.New("no bars")
	}}
	later := stubMiddleware{meta: MiddlewareMeta{Name: "later", Stage: 1}, fn: func(*AnalysisContext) error {
		reached = true
		return nil
	}}
	err := New("test", crit, later).Run(context.Background(), NewContext("es"))
	var mwErr *MiddlewareError
	require.ErrorAs(t, err, &mwErr)
	assert.Equal(t, "crit", mwErr.Middleware)
	assert.False(t, reached)
}

func TestDeriveStoresBarsUnderInterval(t *testing.T) {
	bars := []market.Candle{{OpenTime: time.Now().UnixMilli(), Close: 1}}
	var seen []string
	p := New("test", stubMiddleware{meta: MiddlewareMeta{Name: "probe"}, fn: func(ac *AnalysisContext) error {
		seen = ac.Intervals()
		return nil
	}}).WithInterval("1M")
	_, err := p.Derive(context.Background(), "es", bars)
	require.NoError(t, err)
	assert.Equal(t, []string{"1m"}, seen)
}
