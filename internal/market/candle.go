package market

import "time"

// Candle 是一根已收盘的 K 线，时间戳为毫秒。
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Range 返回 high-low，数据异常时为 0。
func (c Candle) Range() float64 {
	if c.High < c.Low {
		return 0
	}
	return c.High - c.Low
}

func (c Candle) ClosedAt() time.Time {
	ts := c.CloseTime
	if ts == 0 {
		ts = c.OpenTime
	}
	return time.UnixMilli(ts)
}

// Series 拆出 talib 需要的 high/low/close/volume 序列。
func Series(candles []Candle) (highs, lows, closes, volumes []float64) {
	highs = make([]float64, len(candles))
	lows = make([]float64, len(candles))
	closes = make([]float64, len(candles))
	volumes = make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
		volumes[i] = c.Volume
	}
	return
}
