package metrics

import (
	"context"
	"net/http"

	"confluence/internal/catastrophe"
	"confluence/internal/decision"
	"confluence/internal/ensemble"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "confluence"

// Recorder 用 Prometheus 记录决策、集成模型与灾难监控的运行指标。
type Recorder struct {
	registry prometheus.Gatherer

	decisions         *prometheus.CounterVec
	score             *prometheus.HistogramVec
	decisionLatency   prometheus.Histogram
	featureErrors     *prometheus.CounterVec
	ensembleTotal     *prometheus.CounterVec
	ensembleConf      prometheus.Histogram
	ensembleLatency   prometheus.Histogram
	alerts            *prometheus.CounterVec
	alertLevel        prometheus.Gauge
	emergencyStop     prometheus.Gauge
	consecutiveLosses prometheus.Gauge
	tradesThisHour    prometheus.Gauge
}

// New 在独立 registry 上注册全部指标；测试可多次调用互不冲突。
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegisterer(reg, reg)
}

func NewWithRegisterer(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		registry: gatherer,
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Decision cycles by terminal stage and direction",
			},
			[]string{"stage", "direction"},
		),
		score: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "confluence_score",
				Help:      "Final confluence score per cycle",
				Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"direction"},
		),
		decisionLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decision_duration_seconds",
				Help:      "Wall time of a full decision cycle",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
		),
		featureErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feature_errors_total",
				Help:      "Feature computations that failed and contributed zero",
			},
			[]string{"feature"},
		),
		ensembleTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ensemble_predictions_total",
				Help:      "Ensemble predictions by outcome",
			},
			[]string{"outcome"},
		),
		ensembleConf: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ensemble_confidence",
				Help:      "Ensemble confidence distribution",
				Buckets:   prometheus.LinearBuckets(0.1, 0.05, 18),
			},
		),
		ensembleLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ensemble_duration_seconds",
				Help:      "Ensemble evaluation latency",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
		),
		alerts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catastrophe_alerts_total",
				Help:      "Non-normal catastrophe alerts by level and trigger",
			},
			[]string{"level", "trigger"},
		),
		alertLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catastrophe_level",
			Help:      "Most recent catastrophe level (0 NORMAL .. 3 EMERGENCY)",
		}),
		emergencyStop: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "emergency_stop_active",
			Help:      "1 while the sticky emergency stop is latched",
		}),
		consecutiveLosses: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_losses",
			Help:      "Current losing streak",
		}),
		tradesThisHour: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trades_this_hour",
			Help:      "Trades in the current rolling hour window",
		}),
	}
}

var _ decision.Observer = (*Recorder)(nil)

// AfterDecision 实现 decision.Observer。
func (r *Recorder) AfterDecision(_ context.Context, rec decision.Record) {
	dir := string(rec.Direction)
	r.decisions.WithLabelValues(string(rec.Stage), dir).Inc()
	r.score.WithLabelValues(dir).Observe(rec.Score.Value)
	r.decisionLatency.Observe(rec.Latency.Seconds())
	for _, c := range rec.Score.Breakdown {
		if c.Error != "" {
			r.featureErrors.WithLabelValues(c.Feature).Inc()
		}
	}
	r.alertLevel.Set(float64(rec.Alert.Level))
}

// ObservePrediction 作为 ensemble.WithHook 的回调。
func (r *Recorder) ObservePrediction(p ensemble.Prediction) {
	r.ensembleTotal.WithLabelValues(predictionOutcome(p)).Inc()
	if !p.Degraded && !p.Disabled {
		r.ensembleConf.Observe(p.Confidence)
	}
	r.ensembleLatency.Observe(p.Latency.Seconds())
}

func predictionOutcome(p ensemble.Prediction) string {
	switch {
	case p.Disabled:
		return "disabled"
	case p.Degraded:
		return "degraded"
	case p.CacheHit:
		return "cache_hit"
	case p.Approved:
		return "approved"
	default:
		return "rejected"
	}
}

// ObserveAlert 作为灾难监控的 sink。
func (r *Recorder) ObserveAlert(a catastrophe.Alert) {
	if a.Level > catastrophe.LevelNormal {
		r.alerts.WithLabelValues(a.Level.String(), a.Trigger).Inc()
	}
	r.alertLevel.Set(float64(a.Level))
	if a.Level == catastrophe.LevelEmergency {
		r.emergencyStop.Set(1)
	}
}

// ObserveMonitorState 同步监控内部状态。
func (r *Recorder) ObserveMonitorState(s catastrophe.State) {
	r.emergencyStop.Set(boolGauge(s.EmergencyStop))
	r.consecutiveLosses.Set(float64(s.ConsecutiveLosses))
	r.tradesThisHour.Set(float64(s.TradesThisHour))
}

// Handler 暴露 /metrics。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
