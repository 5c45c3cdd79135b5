package ensemble

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"confluence/internal/features"
	"confluence/internal/logger"
	"confluence/internal/pkg/circuit"

	"golang.org/x/sync/errgroup"
)

const (
	// NeutralConfidence 降级放行时报告的置信度。
	NeutralConfidence = 0.5

	minClippedConfidence = 0.1
	maxClippedConfidence = 0.95
	lowAgreement         = 0.6
	highAgreement        = 0.9
	lowAgreementPenalty  = 0.8
	highAgreementBoost   = 1.1
)

// Prediction 是一次集成推理的结果。
type Prediction struct {
	Confidence  float64            `json:"confidence"`
	Probability float64            `json:"probability"`
	Approved    bool               `json:"approved"`
	Agreement   float64            `json:"agreement"`
	ModelsUsed  []string           `json:"models_used"`
	Excluded    []string           `json:"excluded,omitempty"`
	Votes       map[string]float64 `json:"votes,omitempty"`
	Latency     time.Duration      `json:"latency"`
	Degraded    bool               `json:"degraded,omitempty"`
	Disabled    bool               `json:"disabled,omitempty"`
	CacheHit    bool               `json:"cache_hit,omitempty"`
}

// Gate 是编排器依赖的能力接口，启动时二选一：Filter 或 Disabled。
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, v features.Vector) Prediction
}

// FailOpenPolicy 模型全部不可用时的放行策略。
type FailOpenPolicy struct {
	Confidence float64
}

// Degrade 生成降级放行结果。
func (p FailOpenPolicy) Degrade(excluded []string, latency time.Duration) Prediction {
	conf := p.Confidence
	if conf <= 0 {
		conf = NeutralConfidence
	}
	return Prediction{
		Confidence:  conf,
		Probability: NeutralConfidence,
		Approved:    true,
		Agreement:   0,
		ModelsUsed:  []string{},
		Excluded:    excluded,
		Latency:     latency,
		Degraded:    true,
	}
}

// Stats 运行统计。
type Stats struct {
	Predictions int64 `json:"predictions"`
	CacheHits   int64 `json:"cache_hits"`
	Approvals   int64 `json:"approvals"`
	Degraded    int64 `json:"degraded"`
	ModelErrors int64 `json:"model_errors"`
}

type member struct {
	WeightedModel
	breaker *circuit.CircuitBreaker
}

// FilterOption 配置 Filter。
type FilterOption func(*Filter)

func WithMinConfidence(v float64) FilterOption {
	return func(f *Filter) { f.minConfidence = v }
}

// WithCache 设置缓存与时间桶宽度（通常等于 TTL）。
func WithCache(c Cache, bucket time.Duration) FilterOption {
	return func(f *Filter) {
		if c != nil {
			f.cache = c
		}
		f.bucket = bucket
	}
}

func WithClock(now func() time.Time) FilterOption {
	return func(f *Filter) {
		if now != nil {
			f.now = now
		}
	}
}

// WithBreaker 为每个模型配置熔断参数。
func WithBreaker(threshold int, cooldown time.Duration) FilterOption {
	return func(f *Filter) {
		f.breakerThreshold = threshold
		f.breakerCooldown = cooldown
	}
}

// WithHook 每次产出预测后回调（指标上报等）。
func WithHook(fn func(Prediction)) FilterOption {
	return func(f *Filter) { f.hook = fn }
}

// Filter 是多模型共识过滤器。
type Filter struct {
	minConfidence    float64
	cache            Cache
	bucket           time.Duration
	now              func() time.Time
	policy           FailOpenPolicy
	breakerThreshold int
	breakerCooldown  time.Duration
	hook             func(Prediction)
	log              *slog.Logger

	mu         sync.RWMutex
	members    []member
	generation uint64
	modelSet   string
	stats      Stats
}

func NewFilter(models []WeightedModel, opts ...FilterOption) *Filter {
	f := &Filter{
		minConfidence:    0.70,
		cache:            NopCache{},
		now:              time.Now,
		policy:           FailOpenPolicy{Confidence: NeutralConfidence},
		breakerThreshold: 3,
		breakerCooldown:  30 * time.Second,
		log:              logger.Component("ensemble"),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.SetModels(models)
	return f
}

func (f *Filter) Name() string { return "ensemble" }

// SetModels 原子替换模型集合（注册表热加载时调用），熔断状态随之重建。
func (f *Filter) SetModels(models []WeightedModel) {
	members := make([]member, 0, len(models))
	for _, m := range models {
		if m.Model == nil {
			continue
		}
		cb := circuit.NewCircuitBreaker("model:"+m.Model.Name(), f.breakerThreshold, f.breakerCooldown).WithClock(f.now)
		members = append(members, member{WeightedModel: m, breaker: cb})
	}
	f.mu.Lock()
	f.members = members
	f.generation++
	f.modelSet = modelSetKey(f.generation, members)
	f.mu.Unlock()
}

// modelSetKey 作为缓存键前缀，模型集合替换后旧结果不再命中。
func modelSetKey(gen uint64, members []member) string {
	h := sha256.New()
	for _, m := range members {
		fmt.Fprintf(h, "%s:%.6f;", m.Model.Name(), m.Weight)
	}
	return fmt.Sprintf("g%d-%s", gen, hex.EncodeToString(h.Sum(nil))[:12])
}

// ModelStates 返回各模型熔断器状态。
func (f *Filter) ModelStates() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]string, len(f.members))
	for _, m := range f.members {
		out[m.Model.Name()] = m.breaker.State().String()
	}
	return out
}

func (f *Filter) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stats
}

type modelResult struct {
	vote Vote
	err  error
}

// Evaluate 对特征向量执行集成推理，永不返回错误。
func (f *Filter) Evaluate(ctx context.Context, v features.Vector) Prediction {
	if ctx == nil {
		ctx = context.Background()
	}
	start := f.now()
	feats := v.Floats()

	f.mu.RLock()
	members := append([]member(nil), f.members...)
	modelSet := f.modelSet
	f.mu.RUnlock()

	key := modelSet + ":" + Fingerprint(feats, start, f.bucket)
	if cached, ok := f.cache.Get(ctx, key); ok {
		cached.CacheHit = true
		f.record(cached, 0)
		return cached
	}

	results := make([]modelResult, len(members))
	var group errgroup.Group
	for i, m := range members {
		i, m := i, m
		group.Go(func() error {
			results[i] = f.invoke(ctx, m, feats)
			return nil
		})
	}
	_ = group.Wait()

	pred, errCount := f.aggregate(members, results)
	pred.Latency = f.now().Sub(start)
	if pred.Degraded {
		f.log.Warn("ensemble degraded: all models unavailable, failing open",
			"excluded", pred.Excluded, "confidence", pred.Confidence)
	} else {
		f.cache.Set(ctx, key, pred)
	}
	f.record(pred, errCount)
	return pred
}

func (f *Filter) invoke(ctx context.Context, m member, feats map[string]float64) (res modelResult) {
	name := m.Model.Name()
	if !m.breaker.Allow() {
		return modelResult{err: &ModelUnavailableError{Model: name, Err: fmt.Errorf("circuit %s", circuit.StateOpen)}}
	}
	defer func() {
		if r := recover(); r != nil {
			m.breaker.RecordFailure()
			res = modelResult{err: &ModelUnavailableError{Model: name, Err: fmt.Errorf("panic: %v", r)}}
		}
	}()
	vote, err := m.Model.Predict(ctx, feats)
	if err == nil {
		err = validVote(name, vote)
	}
	if err != nil {
		m.breaker.RecordFailure()
		return modelResult{err: &ModelUnavailableError{Model: name, Err: err}}
	}
	m.breaker.RecordSuccess()
	return modelResult{vote: vote}
}

// aggregate 按成员顺序合并：剔除失败模型后按剩余权重归一化。
func (f *Filter) aggregate(members []member, results []modelResult) (Prediction, int) {
	var (
		totalWeight float64
		probSum     float64
		confSum     float64
		used        []string
		excluded    []string
		approvals   []bool
		errCount    int
	)
	votes := make(map[string]float64, len(members))
	for i, m := range members {
		name := m.Model.Name()
		r := results[i]
		if r.err != nil {
			errCount++
			excluded = append(excluded, name)
			f.log.Warn("model excluded from ensemble", "model", name, "error", r.err.Error())
			continue
		}
		if m.Weight <= 0 {
			excluded = append(excluded, name)
			continue
		}
		totalWeight += m.Weight
		probSum += m.Weight * r.vote.Probability
		confSum += m.Weight * r.vote.Confidence()
		used = append(used, name)
		approvals = append(approvals, r.vote.Approves())
		votes[name] = r.vote.Probability
	}
	if totalWeight <= 0 {
		return f.policy.Degrade(excluded, 0), errCount
	}
	agreement := pairwiseAgreement(approvals)
	conf := confSum / totalWeight
	switch {
	case agreement < lowAgreement:
		conf *= lowAgreementPenalty
	case agreement > highAgreement:
		conf *= highAgreementBoost
	}
	conf = math.Max(minClippedConfidence, math.Min(maxClippedConfidence, conf))
	return Prediction{
		Confidence:  conf,
		Probability: probSum / totalWeight,
		Approved:    conf >= f.minConfidence,
		Agreement:   agreement,
		ModelsUsed:  used,
		Excluded:    excluded,
		Votes:       votes,
	}, errCount
}

// pairwiseAgreement 返回两两投票一致的比例，单模型视为完全一致。
func pairwiseAgreement(approvals []bool) float64 {
	if len(approvals) < 2 {
		return 1
	}
	agree, pairs := 0, 0
	for i := 0; i < len(approvals); i++ {
		for j := i + 1; j < len(approvals); j++ {
			pairs++
			if approvals[i] == approvals[j] {
				agree++
			}
		}
	}
	return float64(agree) / float64(pairs)
}

func (f *Filter) record(p Prediction, modelErrors int) {
	f.mu.Lock()
	f.stats.Predictions++
	if p.CacheHit {
		f.stats.CacheHits++
	}
	if p.Approved {
		f.stats.Approvals++
	}
	if p.Degraded {
		f.stats.Degraded++
	}
	f.stats.ModelErrors += int64(modelErrors)
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(p)
	}
}

// Disabled 是显式选择的"无 ML"实现：始终放行并标记 Disabled。
type Disabled struct{}

func (Disabled) Name() string { return "disabled" }

func (Disabled) Evaluate(context.Context, features.Vector) Prediction {
	return Prediction{
		Confidence:  NeutralConfidence,
		Probability: NeutralConfidence,
		Approved:    true,
		ModelsUsed:  []string{},
		Disabled:    true,
	}
}
