package market

import "github.com/shopspring/decimal"

// CVD 是窗口内累计成交量差的摘要。
type CVD struct {
	Value      decimal.Decimal
	Momentum   decimal.Decimal
	Normalized decimal.Decimal
	Divergence string
}

// BarDelta 用收盘价在当根区间内的位置估算主动买卖差：
// 收在最高为 +volume，收在最低为 -volume，无波动的 bar 记 0。
func BarDelta(c Candle) decimal.Decimal {
	rng := decimal.NewFromFloat(c.High).Sub(decimal.NewFromFloat(c.Low))
	if !rng.IsPositive() {
		return decimal.Zero
	}
	pos := decimal.NewFromFloat(c.Close).Sub(decimal.NewFromFloat(c.Low)).Div(rng)
	return decimal.NewFromFloat(c.Volume).Mul(pos.Mul(decimal.NewFromInt(2)).Sub(decimal.NewFromInt(1)))
}

// ComputeCVD 计算窗口内的 CVD，Normalized 为末值在窗口最小/最大之间的位置。
func ComputeCVD(candles []Candle, lookback int) (CVD, bool) {
	if len(candles) == 0 {
		return CVD{}, false
	}
	if lookback <= 0 {
		lookback = 5
	}
	cvd := make([]decimal.Decimal, 0, len(candles))
	cumulative := decimal.Zero
	for _, c := range candles {
		cumulative = cumulative.Add(BarDelta(c))
		cvd = append(cvd, cumulative)
	}

	last := cvd[len(cvd)-1]
	minVal, maxVal := cvd[0], cvd[0]
	for _, v := range cvd[1:] {
		if v.LessThan(minVal) {
			minVal = v
		}
		if v.GreaterThan(maxVal) {
			maxVal = v
		}
	}
	norm := decimal.NewFromFloat(0.5)
	if maxVal.GreaterThan(minVal) {
		norm = last.Sub(minVal).Div(maxVal.Sub(minVal))
	}

	prev := 0
	if len(cvd) > lookback {
		prev = len(cvd) - 1 - lookback
	}
	momentum := last.Sub(cvd[prev])
	priceNow := candles[len(candles)-1].Close
	pricePrev := candles[prev].Close

	divergence := "neutral"
	switch {
	case priceNow > pricePrev && momentum.IsNegative():
		divergence = "bearish"
	case priceNow < pricePrev && momentum.IsPositive():
		divergence = "bullish"
	}
	return CVD{Value: last, Momentum: momentum, Normalized: norm, Divergence: divergence}, true
}
