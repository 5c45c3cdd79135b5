package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"confluence/internal/app"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the decision engine with its HTTP API",
	Long: `启动决策引擎：HTTP API（评估/成交回报/监控复位）、/metrics 以及交易日切换任务。

Examples:
  confluence serve
  confluence serve --config configs/confluence.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	a, err := app.NewApp(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}
