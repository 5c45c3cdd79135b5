package ensemble

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRegistry = `
models:
  random_forest:
    type: forest
    weight: 0.5
    stumps:
      - {feature: volume_confirmation, threshold: 0.6, left: 0.35, right: 0.8}
      - {feature: mtf_confluence, threshold: 0.5, left: 0.4, right: 0.75}
  logistic:
    type: logistic
    weight: 0.2
    intercept: -1.0
    coefficients:
      volume_confirmation: 1.5
      tick_momentum: 0.8
  legacy:
    type: logistic
    weight: 0.1
    disabled: true
    coefficients: {tick_momentum: 1}
`

func writeRegistry(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRegistryLoadsAndBuildsModels(t *testing.T) {
	reg, err := NewRegistry(writeRegistry(t, sampleRegistry), false)
	require.NoError(t, err)
	snap := reg.Snapshot()
	assert.Equal(t, int64(1), snap.Version)
	require.Len(t, snap.Specs, 2)
	assert.Equal(t, "random_forest", snap.Specs[0].Name)
	assert.Equal(t, "logistic", snap.Specs[1].Name)

	models, err := reg.Models()
	require.NoError(t, err)
	require.Len(t, models, 2)
	vote, err := models[0].Model.Predict(context.Background(), map[string]float64{"volume_confirmation": 0.9, "mtf_confluence": 0.9})
	require.NoError(t, err)
	assert.InDelta(t, 0.775, vote.Probability, 1e-9)

	vote, err = models[1].Model.Predict(context.Background(), map[string]float64{})
	require.NoError(t, err)
	// 缺失特征取 0.5：z = -1 + 0.75 + 0.4 = 0.15
	assert.InDelta(t, 0.537429, vote.Probability, 1e-6)
}

func TestRegistryRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"unknown type":        "models:\n  x: {type: svm, weight: 1}\n",
		"forest without tree": "models:\n  x: {type: forest, weight: 1}\n",
		"zero weight":         "models:\n  x: {type: remote, weight: 0, url: 'http://m'}\n",
		"empty":               "models: {}\n",
		"probability range":   "models:\n  x:\n    type: forest\n    weight: 1\n    stumps: [{feature: a, threshold: 1, left: 2, right: 0}]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRegistry(writeRegistry(t, body), false)
			assert.Error(t, err)
		})
	}
}

func TestRegistryListenersNotified(t *testing.T) {
	path := writeRegistry(t, sampleRegistry)
	reg, err := NewRegistry(path, false)
	require.NoError(t, err)
	var got RegistrySnapshot
	reg.OnChange(func(s RegistrySnapshot) { got = s })

	require.NoError(t, os.WriteFile(path, []byte("models:\n  only:\n    type: logistic\n    weight: 1\n    coefficients: {tick_momentum: 2}\n"), 0o644))
	require.NoError(t, reg.reload())
	reg.notifyListeners()
	assert.Equal(t, int64(2), got.Version)
	require.Len(t, got.Specs, 1)
	assert.Equal(t, "only", got.Specs[0].Name)
}

func TestRemoteModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model    string             `json:"model"`
			Features map[string]float64 `json:"features"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch body.Model {
		case "nested":
			_, _ = w.Write([]byte(`{"data":{"probability":0.66}}`))
		case "broken":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_, _ = w.Write([]byte(`{"probability":` + jsonFloat(body.Features["tick_momentum"]) + `}`))
		}
	}))
	defer srv.Close()

	vote, err := NewRemoteModel("flat", srv.URL, time.Second).Predict(context.Background(), map[string]float64{"tick_momentum": 0.42})
	require.NoError(t, err)
	assert.InDelta(t, 0.42, vote.Probability, 1e-9)

	vote, err = NewRemoteModel("nested", srv.URL, time.Second).Predict(context.Background(), nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.66, vote.Probability, 1e-9)

	_, err = NewRemoteModel("broken", srv.URL, time.Second).Predict(context.Background(), nil)
	assert.Error(t, err)
}

func jsonFloat(v float64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

func TestMemoryCacheEvictsOldest(t *testing.T) {
	now := time.Date(2026, 10, 20, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(time.Hour, 10).WithClock(func() time.Time { return now })
	for i := 0; i < 11; i++ {
		now = now.Add(time.Second)
		c.Set(context.Background(), string(rune('a'+i)), Prediction{Confidence: float64(i)})
	}
	assert.Equal(t, 10, c.Len())
	_, ok := c.Get(context.Background(), "a")
	assert.False(t, ok)
	p, ok := c.Get(context.Background(), "k")
	assert.True(t, ok)
	assert.Equal(t, 10.0, p.Confidence)
}

func TestFingerprintStableUnderRounding(t *testing.T) {
	at := time.Date(2026, 10, 20, 12, 0, 0, 0, time.UTC)
	a := Fingerprint(map[string]float64{"x": 0.12341, "y": 1}, at, time.Minute)
	b := Fingerprint(map[string]float64{"y": 1.00001, "x": 0.12344}, at.Add(20*time.Second), time.Minute)
	c := Fingerprint(map[string]float64{"x": 0.12341, "y": 1}, at.Add(time.Minute), time.Minute)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestShippedRegistryIsValid(t *testing.T) {
	reg, err := NewRegistry(filepath.Join("..", "..", "configs", "models.yaml"), false)
	require.NoError(t, err)
	models, err := reg.Models()
	require.NoError(t, err)
	assert.Len(t, models, 2)
}
