package decision

import "context"

// Observer 在每条决策记录产生后回调，便于审计落库与指标上报。
type Observer interface {
	AfterDecision(ctx context.Context, rec Record)
}

// ObserverFunc 适配普通函数。
type ObserverFunc func(ctx context.Context, rec Record)

func (f ObserverFunc) AfterDecision(ctx context.Context, rec Record) { f(ctx, rec) }
