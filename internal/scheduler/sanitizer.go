package scheduler

import (
	"time"

	"confluence/internal/market"
)

// DefaultBarGrace 收盘后再等待的宽限，避免把刚收盘但数据源尚未定稿的 bar 当作完整 bar。
const DefaultBarGrace = 2 * time.Second

// DropUnclosedBar 若最后一根 bar 尚未收盘则去掉它，派生特征只用已收盘的 K 线。
// OpenTime 以毫秒计。
func DropUnclosedBar(bars []market.Candle, interval time.Duration, now time.Time) []market.Candle {
	return dropUnclosedBarAt(bars, interval, now, DefaultBarGrace)
}

func dropUnclosedBarAt(bars []market.Candle, interval time.Duration, now time.Time, grace time.Duration) []market.Candle {
	if len(bars) == 0 || interval <= 0 {
		return bars
	}
	if grace < 0 {
		grace = 0
	}
	last := bars[len(bars)-1]
	if last.OpenTime <= 0 {
		return bars
	}
	closeMs := last.OpenTime + interval.Milliseconds()
	if last.CloseTime > 0 {
		closeMs = last.CloseTime + 1
	}
	if now.UnixMilli() < closeMs+grace.Milliseconds() {
		return bars[:len(bars)-1]
	}
	return bars
}
