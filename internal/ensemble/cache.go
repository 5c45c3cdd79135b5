package ensemble

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Cache 缓存集成预测。实现出错时一律当作未命中。
type Cache interface {
	Get(ctx context.Context, key string) (Prediction, bool)
	Set(ctx context.Context, key string, p Prediction)
}

// Fingerprint 对四舍五入到 4 位小数的特征排序后取 sha256，
// 再拼接时间桶，使近似重复的 tick 共用一次推理。
func Fingerprint(feats map[string]float64, at time.Time, bucket time.Duration) string {
	names := make([]string, 0, len(feats))
	for name := range feats {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		v := feats[name]
		if v == 0 {
			v = 0 // -0 与 0 视为同一个键
		}
		fmt.Fprintf(&b, "%s=%.4f;", name, v)
	}
	if bucket > 0 {
		fmt.Fprintf(&b, "@%d", at.UnixNano()/int64(bucket))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

type memoryEntry struct {
	pred     Prediction
	storedAt time.Time
}

// MemoryCache 进程内 TTL 缓存，超出容量时淘汰最旧的 10%。
type MemoryCache struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	return &MemoryCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]memoryEntry),
	}
}

// WithClock 替换时间源，测试用。
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	if now != nil {
		c.now = now
	}
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) (Prediction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Prediction{}, false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		delete(c.entries, key)
		return Prediction{}, false
	}
	return e.pred, true
}

func (c *MemoryCache) Set(_ context.Context, key string, p Prediction) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[key] = memoryEntry{pred: p, storedAt: now}
	c.purgeLocked(now)
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) purgeLocked(now time.Time) {
	for k, e := range c.entries {
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.entries, k)
		}
	}
	if len(c.entries) <= c.maxEntries {
		return
	}
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, at: e.storedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	evict := len(c.entries) - c.maxEntries
	if tenth := c.maxEntries / 10; evict < tenth {
		evict = tenth
	}
	for i := 0; i < evict && i < len(all); i++ {
		delete(c.entries, all[i].key)
	}
}

// NopCache 不缓存任何东西。
type NopCache struct{}

func (NopCache) Get(context.Context, string) (Prediction, bool) { return Prediction{}, false }
func (NopCache) Set(context.Context, string, Prediction)         {}
