package market

import (
	"math"
	"time"
)

// Snapshot 是某一时刻的行情快照，由外部行情协作方提供。
type Snapshot struct {
	Symbol   string    `json:"symbol"`
	At       time.Time `json:"at"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	Bid      float64   `json:"bid"`
	Ask      float64   `json:"ask"`
	TickSize float64   `json:"tick_size,omitempty"`
}

// Price 优先使用收盘价，缺失时退回买卖中间价。
func (s Snapshot) Price() float64 {
	if s.Close > 0 {
		return s.Close
	}
	if s.Bid > 0 && s.Ask > 0 {
		return (s.Bid + s.Ask) / 2
	}
	return 0
}

func (s Snapshot) Range() float64 {
	if s.High < s.Low {
		return 0
	}
	return s.High - s.Low
}

// Spread 返回 ask-bid；任一侧缺失返回 0。
func (s Snapshot) Spread() float64 {
	if s.Bid <= 0 || s.Ask <= 0 || s.Ask < s.Bid {
		return 0
	}
	return s.Ask - s.Bid
}

// SpreadTicks 以 tick 为单位的点差，tick 未知时使用 fallback。
func (s Snapshot) SpreadTicks(fallbackTick float64) float64 {
	tick := s.TickSize
	if tick <= 0 {
		tick = fallbackTick
	}
	if tick <= 0 {
		return 0
	}
	// 0.75/0.25 这类浮点除法需要取整到 1e-9 以免 2.9999999 误判
	return math.Round(s.Spread()/tick*1e9) / 1e9
}
