package regime

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"confluence/internal/config"
	"confluence/internal/logger"
	"confluence/internal/market"
)

// Snapshot 是一个周期的完整 regime 视图。
type Snapshot struct {
	At                 time.Time          `json:"at"`
	Session            SessionAnalysis    `json:"session"`
	Volatility         VolatilityAnalysis `json:"volatility"`
	Gamma              GammaAnalysis      `json:"gamma"`
	CombinedMultiplier float64            `json:"combined_multiplier"`
}

// NewSnapshot 组装快照并计算评分侧的合成乘数。
func NewSnapshot(at time.Time, s SessionAnalysis, v VolatilityAnalysis, g GammaAnalysis) Snapshot {
	return Snapshot{
		At:                 at,
		Session:            s,
		Volatility:         v,
		Gamma:              g,
		CombinedMultiplier: s.Multiplier * v.ScoreMultiplier * g.Factor,
	}
}

// Neutral 返回三个乘数均为 1.0 的快照。
func Neutral(at time.Time) Snapshot {
	return NewSnapshot(at,
		SessionAnalysis{Phase: SessionMidday, Hour: 12, Multiplier: 1},
		VolatilityAnalysis{Phase: VolatilityNormal, ATRRatio: 1, ScoreMultiplier: 1, ThresholdMultiplier: 1},
		GammaAnalysis{Phase: GammaEarlyCycle, DaysToExpiry: DefaultEarlyCycleMinDays, Factor: 1, Expectation: ExpectLow, PositionMultiplier: 1},
	)
}

// Classifier 组合三个分类器，并按 symbol 缓存快照一小段时间。
type Classifier struct {
	loc          *time.Location
	earlyMin     int
	referencePct float64
	atrPeriod    int
	ttl          time.Duration

	mu    sync.Mutex
	cache map[string]Snapshot
}

func NewClassifier(cfg config.RegimeConfig) (*Classifier, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "regime.timezone", Reason: fmt.Sprintf("unknown timezone %q", cfg.Timezone), Err: err}
	}
	return &Classifier{
		loc:          loc,
		earlyMin:     cfg.EarlyCycleMinDays,
		referencePct: cfg.ReferenceRangePct,
		atrPeriod:    cfg.ATRPeriod,
		ttl:          cfg.CacheTTL(),
		cache:        make(map[string]Snapshot),
	}, nil
}

func (c *Classifier) Location() *time.Location { return c.loc }

// Classify 返回 at 时刻的 regime 快照。bars 足够时用 ATR 作为波动量，
// 否则退回快照的 high-low。
func (c *Classifier) Classify(at time.Time, snap market.Snapshot, bars []market.Candle) Snapshot {
	key := strings.ToUpper(strings.TrimSpace(snap.Symbol))
	if cached, ok := c.cached(key, at); ok {
		return cached
	}
	rangeValue := snap.Range()
	if c.atrPeriod > 0 && len(bars) > c.atrPeriod {
		if atr, err := ATR(bars, c.atrPeriod); err == nil {
			rangeValue = atr
		} else {
			logger.Debugf("regime: atr fallback to bar range for %s: %v", key, err)
		}
	}
	out := NewSnapshot(at,
		ClassifySession(at, c.loc),
		ClassifyVolatility(rangeValue, snap.Price(), c.referencePct),
		AnalyzeGamma(at, c.loc, c.earlyMin),
	)
	c.store(key, out)
	return out
}

func (c *Classifier) cached(key string, at time.Time) (Snapshot, bool) {
	if c.ttl <= 0 {
		return Snapshot{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.cache[key]
	if !ok {
		return Snapshot{}, false
	}
	age := at.Sub(snap.At)
	if age < 0 || age >= c.ttl {
		return Snapshot{}, false
	}
	return snap, true
}

func (c *Classifier) store(key string, snap Snapshot) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.cache[key] = snap
	c.mu.Unlock()
}

// Invalidate 清空缓存，主要在会话重置时调用。
func (c *Classifier) Invalidate() {
	c.mu.Lock()
	c.cache = make(map[string]Snapshot)
	c.mu.Unlock()
}
