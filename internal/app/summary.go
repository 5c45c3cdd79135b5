package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	"confluence/internal/config"
	"confluence/internal/pipeline"
)

type StartupSummary struct {
	Env      string
	HTTPAddr string
	Timezone string
	Scoring  ScoringSummary
	Risk     config.RiskConfig
	Ensemble EnsembleSummary
	Pipeline PipelineSummary
	Stores   StoreSummary
	Notify   string
}

type ScoringSummary struct {
	ThresholdBase       float64
	MinSignalConfidence float64
	Overrides           int
}

type EnsembleSummary struct {
	Gate          string
	Models        []string
	Cache         string
	MinConfidence float64
}

type PipelineSummary struct {
	Enabled  bool
	Interval string
	Outputs  []string
}

type StoreSummary struct {
	AuditDB string
	AlertDB string
}

func newStartupSummary(cfg *config.Config, gate *gateSetup, pipe *pipeline.Pipeline) *StartupSummary {
	s := &StartupSummary{
		Env:      cfg.App.Env,
		HTTPAddr: cfg.App.HTTPAddr,
		Timezone: cfg.Regime.Timezone,
		Scoring: ScoringSummary{
			ThresholdBase:       cfg.Scoring.ConfluenceThresholdBase,
			MinSignalConfidence: cfg.Risk.MinSignalConfidence,
			Overrides:           len(cfg.Scoring.Weights) + len(cfg.Scoring.AuxiliaryWeights),
		},
		Risk: cfg.Risk,
		Ensemble: EnsembleSummary{
			MinConfidence: cfg.Ensemble.MinConfidence,
		},
		Pipeline: PipelineSummary{Enabled: pipe != nil, Interval: cfg.Pipeline.Interval},
		Stores:   StoreSummary{AuditDB: cfg.Store.AuditDBPath, AlertDB: cfg.Store.AlertDBPath},
		Notify:   "off",
	}
	if gate != nil && gate.gate != nil {
		s.Ensemble.Gate = gate.gate.Name()
		s.Ensemble.Models = gate.models
		s.Ensemble.Cache = gate.cache
	}
	if pipe != nil {
		s.Pipeline.Outputs = pipe.Outputs()
	}
	if cfg.Notify.Telegram.Enabled {
		s.Notify = "telegram (>= " + cfg.Notify.MinLevel + ")"
	}
	return s
}

func (s *StartupSummary) Print() {
	s.Fprint(os.Stdout)
}

func (s *StartupSummary) Fprint(w io.Writer) {
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintf(w, "  环境: %s    HTTP: %s    时区: %s\n", orDash(s.Env), orDash(s.HTTPAddr), orDash(s.Timezone))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[评分与阈值 (SCORING)]")
	fmt.Fprintf(w, "  基础阈值: %.3f\n", s.Scoring.ThresholdBase)
	fmt.Fprintf(w, "  信号置信度下限: %.2f\n", s.Scoring.MinSignalConfidence)
	fmt.Fprintf(w, "  权重覆盖: %d\n", s.Scoring.Overrides)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[灾难监控 (RISK LIMITS)]")
	fmt.Fprintf(w, "  日亏损上限: %.2f    最低余额: %.2f\n", s.Risk.DailyLossLimit, s.Risk.AccountBalanceMin)
	fmt.Fprintf(w, "  最大持仓: %d    连亏上限: %d    每小时交易: %d\n",
		s.Risk.MaxPositionSize, s.Risk.MaxConsecutiveLosses, s.Risk.MaxTradesPerHour)
	fmt.Fprintf(w, "  最大点差: %d ticks (tick=%.4f)    成交量异常倍数: %.1f\n",
		s.Risk.MaxSpreadTicks, s.Risk.TickSize, s.Risk.VolumeSpikeMultiple)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[集成模型 (ENSEMBLE)]")
	fmt.Fprintf(w, "  模式: %s    缓存: %s    最低置信度: %.2f\n", orDash(s.Ensemble.Gate), orDash(s.Ensemble.Cache), s.Ensemble.MinConfidence)
	fmt.Fprintf(w, "  模型: %s\n", formatList(s.Ensemble.Models))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[特征派生 (PIPELINE)]")
	if !s.Pipeline.Enabled {
		fmt.Fprintln(w, "  (未启用)")
	} else {
		fmt.Fprintf(w, "  周期: %s\n", s.Pipeline.Interval)
		fmt.Fprintf(w, "  输出: %s\n", formatList(s.Pipeline.Outputs))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[存储与通知 (STORAGE & NOTIFY)]")
	fmt.Fprintf(w, "  决策审计: %s\n", orDash(s.Stores.AuditDB))
	fmt.Fprintf(w, "  告警日志: %s\n", orDash(s.Stores.AlertDB))
	fmt.Fprintf(w, "  通知: %s\n", s.Notify)
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
