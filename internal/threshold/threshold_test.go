package threshold

import (
	"testing"
	"time"

	"confluence/internal/regime"

	"github.com/stretchr/testify/assert"
)

func highVolSnapshot() regime.Snapshot {
	at := time.Date(2026, 10, 13, 10, 30, 0, 0, time.UTC)
	return regime.NewSnapshot(at,
		regime.SessionAnalysis{Phase: regime.SessionOpening, Multiplier: 1.2},
		regime.ClassifyVolatility(50, 5000, 0.005),
		regime.GammaAnalysis{Phase: regime.GammaExpirationWeek, Factor: 1.3},
	)
}

func TestCalculateFormula(t *testing.T) {
	snap := highVolSnapshot()
	got := Calculate(0.25, snap)
	assert.InDelta(t, 0.25*1.4*1.2*1.3, got.Long, 1e-12)
	assert.Equal(t, -got.Long, got.Short)
	assert.Equal(t, 0.25, got.Base)
}

func TestCalculateIsPure(t *testing.T) {
	snap := highVolSnapshot()
	first := Calculate(0.3, snap)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Calculate(0.3, snap))
	}
	assert.Equal(t, highVolSnapshot(), snap)
}

func TestNeutralSnapshotKeepsBase(t *testing.T) {
	got := Calculate(0.25, regime.Neutral(time.Now()))
	assert.Equal(t, 0.25, got.Long)
	assert.Equal(t, -0.25, got.Short)
}

func TestPasses(t *testing.T) {
	th := Thresholds{Long: 0.4, Short: -0.4}
	assert.True(t, th.Passes(Long, 0.4))
	assert.False(t, th.Passes(Long, 0.39))
	assert.True(t, th.Passes(Short, 0.5))
	assert.False(t, th.Passes(Short, 0.3))
	assert.Equal(t, -0.4, th.For(Short))
}
