package pipeline

import (
	"context"
	"fmt"
	"sort"

	"confluence/internal/features"
	"confluence/internal/logger"
	"confluence/internal/market"

	"golang.org/x/sync/errgroup"
)

// Pipeline 负责按 stage 调度一组中间件。
type Pipeline struct {
	name     string
	interval string
	stages   [][]Middleware
}

// New 创建 Pipeline，并按 stage 归类中间件。
func New(name string, middlewares ...Middleware) *Pipeline {
	if len(middlewares) == 0 {
		return &Pipeline{name: name, stages: nil}
	}
	stageMap := make(map[int][]Middleware)
	for _, mw := range middlewares {
		if mw == nil {
			continue
		}
		meta := mw.Meta()
		stageMap[meta.Stage] = append(stageMap[meta.Stage], mw)
	}
	keys := make([]int, 0, len(stageMap))
	for st := range stageMap {
		keys = append(keys, st)
	}
	sort.Ints(keys)
	stages := make([][]Middleware, 0, len(keys))
	for _, st := range keys {
		stages = append(stages, stageMap[st])
	}
	return &Pipeline{name: name, stages: stages}
}

// WithInterval 设置 Derive 写入 K 线时使用的周期名。
func (p *Pipeline) WithInterval(interval string) *Pipeline {
	p.interval = interval
	return p
}

// Outputs 返回全部中间件声明的特征名。
func (p *Pipeline) Outputs() []string {
	var out []string
	for _, stage := range p.stages {
		for _, mw := range stage {
			out = append(out, mw.Meta().Outputs...)
		}
	}
	return out
}

// Derive 用一组 K 线执行 pipeline 并返回派生出的特征。
// 非关键中间件失败只体现在对应特征的 Reading.Err 上。
func (p *Pipeline) Derive(ctx context.Context, symbol string, bars []market.Candle) (features.Vector, error) {
	ac := NewContext(symbol)
	interval := p.interval
	if interval == "" {
		interval = "5m"
	}
	ac.SetCandles(interval, bars)
	err := p.Run(ctx, ac)
	return ac.Readings(), err
}

// Run 执行 pipeline。
func (p *Pipeline) Run(ctx context.Context, ac *AnalysisContext) error {
	if ac == nil {
		return fmt.Errorf("nil analysis context")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for _, stage := range p.stages {
		if err := p.runStage(ctx, ac, stage); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, ac *AnalysisContext, stage []Middleware) error {
	if len(stage) == 0 {
		return nil
	}
	group, stageCtx := errgroup.WithContext(ctx)
	warnCh := make(chan *MiddlewareError, len(stage))
	for _, mw := range stage {
		mw := mw
		if mw == nil {
			continue
		}
		group.Go(func() error {
			meta := mw.Meta()
			runCtx := stageCtx
			var cancel context.CancelFunc
			if meta.Timeout > 0 {
				runCtx, cancel = context.WithTimeout(stageCtx, meta.Timeout)
				defer cancel()
			}
			err := handleSafely(runCtx, mw, ac)
			if err == nil {
				return nil
			}
			ac.failOutputs(meta.Outputs, err)
			wErr := &MiddlewareError{
				Middleware: meta.Name,
				Stage:      meta.Stage,
				Critical:   meta.Critical,
				Err:        err,
			}
			if meta.Critical {
				return wErr
			}
			select {
			case warnCh <- wErr:
			default:
			}
			return nil
		})
	}
	err := group.Wait()
	close(warnCh)
	for warn := range warnCh {
		if warn == nil {
			continue
		}
		ac.AddWarning(warn.Error())
		logger.Warnf("[pipeline] %s %s", p.name, warn.Error())
	}
	if err == nil {
		return nil
	}
	ac.AddWarning(err.Error())
	return err
}

func handleSafely(ctx context.Context, mw Middleware, ac *AnalysisContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return mw.Handle(ctx, ac)
}
