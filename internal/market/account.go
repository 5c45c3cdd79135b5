package market

import "time"

// TradeOutcome 是执行方在每次成交平仓后回报的结果。
type TradeOutcome struct {
	PnL      float64   `json:"pnl"`
	IsWinner bool      `json:"is_winner"`
	At       time.Time `json:"at"`
}

// AccountState 由账户/风控协作方每个周期提供。
// DailyPnL 由调用方在交易日边界自行清零。
type AccountState struct {
	Balance      float64 `json:"balance"`
	DailyPnL     float64 `json:"daily_pnl"`
	PositionSize int     `json:"position_size"`
}
