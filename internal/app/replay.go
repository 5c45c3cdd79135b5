package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"confluence/internal/decision"
	"confluence/internal/market"

	"github.com/tidwall/gjson"
)

const maxReplayLine = 4 << 20

// ReplaySummary 汇总一次回放的结果。
type ReplaySummary struct {
	Lines         int                    `json:"lines"`
	Decisions     int                    `json:"decisions"`
	Approved      int                    `json:"approved"`
	Rejected      map[decision.Stage]int `json:"rejected"`
	Trades        int                    `json:"trades"`
	BarBatches    int                    `json:"bar_batches"`
	Malformed     int                    `json:"malformed"`
	EmergencyStop bool                   `json:"emergency_stop"`
}

// Replay 逐行回放 JSONL 事件流：
//
//	{"type":"bars","symbol":"ES","bars":[...]}
//	{"type":"trade","symbol":"ES","pnl":-120,"at":"..."}
//	其余行按 decision.Input 解析并执行一个决策周期
//
// 无法解析的行计入 Malformed 并跳过；ctx 取消时提前返回。
func (e *Engine) Replay(ctx context.Context, r io.Reader, onRecord func(decision.Record)) (ReplaySummary, error) {
	sum := ReplaySummary{Rejected: make(map[decision.Stage]int)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxReplayLine)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sum.Lines++
		if !gjson.Valid(line) {
			e.log.Warn("replay: invalid json", "line", sum.Lines)
			sum.Malformed++
			continue
		}
		switch strings.ToLower(gjson.Get(line, "type").String()) {
		case "trade":
			if err := e.replayTrade(ctx, line); err != nil {
				e.log.Warn("replay: bad trade", "line", sum.Lines, "error", err)
				sum.Malformed++
				continue
			}
			sum.Trades++
		case "bars":
			var bars []market.Candle
			if err := json.Unmarshal([]byte(gjson.Get(line, "bars").Raw), &bars); err != nil {
				e.log.Warn("replay: bad bars", "line", sum.Lines, "error", err)
				sum.Malformed++
				continue
			}
			if err := e.IngestBars(gjson.Get(line, "symbol").String(), bars); err != nil {
				e.log.Warn("replay: ingest bars failed", "line", sum.Lines, "error", err)
				sum.Malformed++
				continue
			}
			sum.BarBatches++
		default:
			var in decision.Input
			if err := json.Unmarshal([]byte(line), &in); err != nil {
				e.log.Warn("replay: bad decision input", "line", sum.Lines, "error", err)
				sum.Malformed++
				continue
			}
			rec := e.Evaluate(ctx, in)
			sum.Decisions++
			if rec.Approved {
				sum.Approved++
			} else {
				sum.Rejected[rec.Stage]++
			}
			if onRecord != nil {
				onRecord(rec)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return sum, fmt.Errorf("read replay input: %w", err)
	}
	sum.EmergencyStop = e.monitor.EmergencyStopped()
	return sum, nil
}

func (e *Engine) replayTrade(ctx context.Context, line string) error {
	pnl := gjson.Get(line, "pnl")
	if !pnl.Exists() || pnl.Type != gjson.Number {
		return fmt.Errorf("trade requires numeric pnl")
	}
	outcome := market.TradeOutcome{PnL: pnl.Float(), IsWinner: pnl.Float() > 0}
	if w := gjson.Get(line, "is_winner"); w.Exists() {
		outcome.IsWinner = w.Bool()
	}
	if at := gjson.Get(line, "at"); at.Exists() {
		ts, err := time.Parse(time.RFC3339, at.String())
		if err != nil {
			return fmt.Errorf("trade at: %w", err)
		}
		outcome.At = ts
	}
	return e.RecordTrade(ctx, gjson.Get(line, "symbol").String(), outcome)
}
