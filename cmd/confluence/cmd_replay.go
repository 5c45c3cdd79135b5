package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"confluence/internal/app"
	"confluence/internal/decision"

	"github.com/spf13/cobra"
)

var (
	replayInput   string
	replayRecords bool
	replayNoStore bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a JSONL stream of signals and trade outcomes",
	Long: `按行回放 JSONL 事件（决策输入、{"type":"trade"} 成交回报、{"type":"bars"} K 线），
打印汇总；--records 额外逐行输出决策记录。

Examples:
  confluence replay --input signals.jsonl
  cat signals.jsonl | confluence replay --records --no-store`,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayInput, "input", "-", "JSONL 输入文件，- 表示 stdin")
	replayCmd.Flags().BoolVar(&replayRecords, "records", false, "逐条输出决策记录")
	replayCmd.Flags().BoolVar(&replayNoStore, "no-store", false, "不写入审计库与告警库")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	cfg.App.HTTPAddr = ""
	cfg.Notify.Telegram.Enabled = false
	if replayNoStore {
		cfg.Store.AuditDBPath = ""
		cfg.Store.AlertDBPath = ""
	}
	a, err := app.NewApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var in io.Reader = os.Stdin
	if replayInput != "-" && replayInput != "" {
		f, err := os.Open(replayInput)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	out := json.NewEncoder(cmd.OutOrStdout())
	var onRecord func(decision.Record)
	if replayRecords {
		onRecord = func(rec decision.Record) {
			_ = out.Encode(rec)
		}
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	sum, err := a.Engine().Replay(ctx, in, onRecord)
	if err != nil {
		return err
	}
	out.SetIndent("", "  ")
	if err := out.Encode(sum); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
