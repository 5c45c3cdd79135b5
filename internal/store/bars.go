package store

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"confluence/internal/market"
)

const (
	defaultShardCount = 16
	defaultMaxBars    = 500
)

// BarBuffer 按品种缓存最近的 K 线，供未随请求携带 bars 的周期补齐派生特征。
type BarBuffer struct {
	max    int
	shards []barShard
}

type barShard struct {
	mu   sync.RWMutex
	data map[string][]market.Candle
}

func NewBarBuffer(max int) *BarBuffer {
	if max <= 0 {
		max = defaultMaxBars
	}
	b := &BarBuffer{max: max, shards: make([]barShard, defaultShardCount)}
	for i := range b.shards {
		b.shards[i] = barShard{data: make(map[string][]market.Candle)}
	}
	return b
}

func (b *BarBuffer) shardFor(symbol string) *barShard {
	return &b.shards[hashKey(symbol)%uint32(len(b.shards))]
}

// Append 追加 K 线；与末根 OpenTime 相同则覆盖（未收盘的 bar 会反复推送），早于末根的丢弃。
func (b *BarBuffer) Append(symbol string, bars []market.Candle) error {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return errors.New("symbol 不能为空")
	}
	if len(bars) == 0 {
		return nil
	}
	sh := b.shardFor(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur := sh.data[symbol]
	for _, bar := range bars {
		n := len(cur)
		switch {
		case n > 0 && cur[n-1].OpenTime == bar.OpenTime:
			cur[n-1] = bar
		case n > 0 && bar.OpenTime < cur[n-1].OpenTime:
			continue
		default:
			cur = append(cur, bar)
		}
	}
	if len(cur) > b.max {
		cur = append([]market.Candle(nil), cur[len(cur)-b.max:]...)
	}
	sh.data[symbol] = cur
	return nil
}

// Recent 返回最近 limit 根的副本；limit<=0 表示全部。
func (b *BarBuffer) Recent(symbol string, limit int) []market.Candle {
	symbol = normalizeSymbol(symbol)
	sh := b.shardFor(symbol)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	cur := sh.data[symbol]
	if limit <= 0 || limit > len(cur) {
		limit = len(cur)
	}
	if limit == 0 {
		return nil
	}
	out := make([]market.Candle, limit)
	copy(out, cur[len(cur)-limit:])
	return out
}

func (b *BarBuffer) Symbols() []string {
	var out []string
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.RLock()
		for sym, bars := range sh.data {
			if len(bars) > 0 {
				out = append(out, sym)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Clear 清空某品种，symbol 为空时清空全部。
func (b *BarBuffer) Clear(symbol string) {
	symbol = normalizeSymbol(symbol)
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		if symbol == "" {
			sh.data = make(map[string][]market.Candle)
		} else {
			delete(sh.data, symbol)
		}
		sh.mu.Unlock()
	}
}

func normalizeSymbol(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

func hashKey(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	var h uint32 = offset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
